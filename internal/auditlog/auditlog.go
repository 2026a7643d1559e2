// Package auditlog persists a best-effort record of completed proxy
// attempts to SQLite, for operational review. It is write-only: nothing
// in the forwarding path ever reads it back, so it cannot become a cache
// or a quota store.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"
)

// Record is one completed proxy attempt sequence.
type Record struct {
	Timestamp  time.Time
	RequestID  string
	Model      string
	Host       string
	Rotations  int
	StatusCode int
	ErrorKind  string
	LatencyMs  float64
}

// Store writes Records to a SQLite database through a single background
// goroutine, so slow disk I/O never adds latency to the client-visible
// path. Writer sends are non-blocking: a full channel drops the record
// rather than stalling the caller.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	ch     chan Record
	done   chan struct{}
}

const channelCapacity = 256

// Open opens (creating if necessary) the SQLite database at path and
// ensures the audit_records table exists.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			request_id TEXT NOT NULL,
			model TEXT NOT NULL,
			host TEXT NOT NULL,
			rotations INTEGER NOT NULL,
			status_code INTEGER NOT NULL,
			error_kind TEXT NOT NULL,
			latency_ms REAL NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit_records table: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger,
		ch:     make(chan Record, channelCapacity),
		done:   make(chan struct{}),
	}, nil
}

// Write enqueues a record for asynchronous persistence. It never blocks;
// if the channel is full the record is dropped and a warning is logged.
func (s *Store) Write(r Record) {
	select {
	case s.ch <- r:
	default:
		if s.logger != nil {
			s.logger.Warn("audit log channel full, dropping record", zap.String("request_id", r.RequestID))
		}
	}
}

// Run drains the write channel and inserts records until ctx is
// cancelled. Call it from its own goroutine.
func (s *Store) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case r := <-s.ch:
			s.insert(r)
		}
	}
}

func (s *Store) drain() {
	for {
		select {
		case r := <-s.ch:
			s.insert(r)
		default:
			return
		}
	}
}

func (s *Store) insert(r Record) {
	_, err := s.db.Exec(
		`INSERT INTO audit_records (ts, request_id, model, host, rotations, status_code, error_kind, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		r.RequestID, r.Model, r.Host, r.Rotations, r.StatusCode, r.ErrorKind, r.LatencyMs,
	)
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record insert failed", zap.Error(err))
	}
}

// Close waits for Run to finish draining (after its context is
// cancelled) and closes the underlying database.
func (s *Store) Close() error {
	<-s.done
	return s.db.Close()
}
