// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/lib/sqlitepool"
	"github.com/warden-foundation/warden/protocol"
)

// entryDomainKey is the fixed BLAKE3 key for ledger chain hashing. The
// byte values are the ASCII encoding of the domain name, zero-padded
// to 32 bytes, so the key is inspectable in hex dumps. Changing it
// invalidates every existing chain.
var entryDomainKey = [32]byte{
	'w', 'a', 'r', 'd', 'e', 'n', '.', 'l', 'e', 'd', 'g', 'e', 'r', '.',
	'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp       TEXT    NOT NULL,
	agent_id        TEXT    NOT NULL,
	action          TEXT    NOT NULL,
	outcome         TEXT    NOT NULL,
	payload         BLOB,
	redaction_flags INTEGER NOT NULL DEFAULT 0,
	chain_hash      BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_agent
	ON ledger_entries (agent_id, entry_id);
`

// Config assembles a Ledger.
type Config struct {
	// Path is the SQLite database file. ":memory:" for tests.
	Path string

	// QueueDepth bounds the append queue. Zero selects 256. A full
	// queue blocks producers rather than dropping records.
	QueueDepth int

	Logger *slog.Logger
}

// Ledger is the append-only audit log. Append and Record are safe for
// concurrent use; a single writer goroutine serializes them into entry
// id order.
type Ledger struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	queue     chan appendRequest
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type appendRequest struct {
	entry  Entry
	result chan error // nil for fire-and-forget records
}

// Open opens or creates the ledger database and starts the writer.
func Open(cfg Config) (*Ledger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := 4
	if cfg.Path == ":memory:" {
		poolSize = 1
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	l := &Ledger{
		pool:   pool,
		logger: logger,
		queue:  make(chan appendRequest, depth),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.runWriter()
	return l, nil
}

// Append records one entry, waiting until it is durably written. The
// returned error covers this entry alone.
func (l *Ledger) Append(ctx context.Context, entry Entry) error {
	result := make(chan error, 1)
	select {
	case l.queue <- appendRequest{entry: entry, result: result}:
	case <-l.closed:
		return fmt.Errorf("ledger: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		// The writer drained and exited. The request was either
		// written during the drain or never picked up.
		select {
		case err := <-result:
			return err
		default:
			return fmt.Errorf("ledger: closed")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record converts a bus event into an entry and queues it without
// waiting for the write. Wire it as the bus Observer: the bus calls
// observers in sequence order, and the queue preserves that order, so
// ledger order matches event order. Failures are logged, never
// surfaced to the event path.
func (l *Ledger) Record(event protocol.Event) {
	select {
	case l.queue <- appendRequest{entry: EntryFromEvent(event)}:
	case <-l.closed:
	}
}

// Close drains queued appends and shuts the writer down. Safe to call
// more than once.
func (l *Ledger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		<-l.done
		err = l.pool.Close()
	})
	return err
}

// runWriter is the sole writer. It owns the chain head: each entry's
// hash covers the previous hash and the entry's canonical bytes.
func (l *Ledger) runWriter() {
	defer close(l.done)

	lastHash, err := l.loadChainHead()
	if err != nil {
		l.logger.Error("loading ledger chain head", "error", err)
	}

	write := func(request appendRequest) {
		hash, err := l.writeEntry(request.entry, lastHash)
		if err != nil {
			l.logger.Error("ledger append failed",
				"agent", request.entry.AgentID, "action", request.entry.Action, "error", err)
		} else {
			lastHash = hash
		}
		if request.result != nil {
			request.result <- err
		}
	}

	for {
		select {
		case request := <-l.queue:
			write(request)
		case <-l.closed:
			// Drain whatever was queued before Close.
			for {
				select {
				case request := <-l.queue:
					write(request)
				default:
					return
				}
			}
		}
	}
}

// loadChainHead returns the chain hash of the newest entry, or nil for
// an empty ledger.
func (l *Ledger) loadChainHead() ([]byte, error) {
	conn, err := l.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	var head []byte
	err = sqlitex.Execute(conn,
		"SELECT chain_hash FROM ledger_entries ORDER BY entry_id DESC LIMIT 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				head = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, head)
				return nil
			},
		})
	return head, err
}

func (l *Ledger) writeEntry(entry Entry, prevHash []byte) ([]byte, error) {
	canonical, err := canonicalBytes(entry)
	if err != nil {
		return nil, err
	}
	hash := chainHash(prevHash, canonical)

	conn, err := l.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO ledger_entries
			(timestamp, agent_id, action, outcome, payload, redaction_flags, chain_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				entry.Timestamp.UTC().Format(time.RFC3339Nano),
				string(entry.AgentID),
				entry.Action,
				entry.Outcome,
				[]byte(entry.Payload),
				entry.RedactionFlags,
				hash,
			},
		})
	if err != nil {
		return nil, err
	}
	return hash, nil
}

// chainHash computes the keyed hash over prev||canonical. The first
// entry hashes with an empty previous hash.
func chainHash(prev, canonical []byte) []byte {
	hasher, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		panic("ledger: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(prev)
	hasher.Write(canonical)
	return hasher.Sum(nil)
}

// Filter narrows Query and Export results. Zero fields match
// everything.
type Filter struct {
	Agent  ref.AgentID
	Action string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (f Filter) build() (string, []any) {
	query := "SELECT entry_id, timestamp, agent_id, action, outcome, payload, redaction_flags, chain_hash FROM ledger_entries"
	var clauses []string
	var args []any
	if f.Agent != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, string(f.Agent))
	}
	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY entry_id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return query, args
}

// Query returns entries matching the filter in entry id order.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	query, args := filter.build()
	var entries []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return entries, nil
}

func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	timestamp, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(1))
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: bad timestamp: %w", stmt.ColumnInt64(0), err)
	}
	payload := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, payload)
	hash := make([]byte, stmt.ColumnLen(7))
	stmt.ColumnBytes(7, hash)
	return Entry{
		ID:             stmt.ColumnInt64(0),
		Timestamp:      timestamp,
		AgentID:        ref.AgentID(stmt.ColumnText(2)),
		Action:         stmt.ColumnText(3),
		Outcome:        stmt.ColumnText(4),
		Payload:        payload,
		RedactionFlags: stmt.ColumnInt64(6),
		ChainHash:      hash,
	}, nil
}

// Verify walks the full chain and recomputes every hash. Any mutation,
// insertion, or deletion of a historic entry surfaces as a mismatch at
// or after the tampered entry.
func (l *Ledger) Verify(ctx context.Context) error {
	entries, err := l.Query(ctx, Filter{})
	if err != nil {
		return err
	}
	var prev []byte
	for _, entry := range entries {
		canonical, err := canonicalBytes(entry)
		if err != nil {
			return fmt.Errorf("ledger: entry %d: %w", entry.ID, err)
		}
		want := chainHash(prev, canonical)
		if !bytes.Equal(want, entry.ChainHash) {
			return fmt.Errorf("ledger: chain broken at entry %d", entry.ID)
		}
		prev = entry.ChainHash
	}
	return nil
}
