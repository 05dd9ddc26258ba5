// Package storage keeps a local SQLite log of verified envelopes and the
// peers they came from.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("envelope log closed")
)

// Defaults
const (
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultQueryLimit      = 100
	MaxQueryLimit          = 1000
)

// EnvelopeLog records every verified envelope a node sends or receives.
type EnvelopeLog struct {
	db        *sql.DB
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Option configures an EnvelopeLog.
type Option func(*EnvelopeLog)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *EnvelopeLog) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCleanupInterval sets how often expired records are pruned.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *EnvelopeLog) {
		if d > 0 {
			l.interval = d
		}
	}
}

// NewEnvelopeLog opens (or creates) the log at path. Records older than
// retention are pruned in the background; a zero retention keeps everything.
func NewEnvelopeLog(path string, retention time.Duration, opts ...Option) (*EnvelopeLog, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &EnvelopeLog{
		db:        db,
		retention: retention,
		interval:  DefaultCleanupInterval,
		logger:    zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if l.retention > 0 {
		l.wg.Add(1)
		go l.cleanupLoop()
	}
	return l, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_busy_timeout=5000"
}

// initSchema creates database tables
func (l *EnvelopeLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS envelopes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		session TEXT NOT NULL,
		peer TEXT NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		nonce INTEGER NOT NULL,
		payload TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		messages INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_envelopes_received ON envelopes(received_at DESC);
	CREATE INDEX IF NOT EXISTS idx_envelopes_peer ON envelopes(peer, received_at DESC);
	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen DESC);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// cleanupLoop periodically removes records older than the retention period
func (l *EnvelopeLog) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Prune(context.Background(), time.Now().Add(-l.retention))
			if err != nil {
				l.logger.Warn("failed to prune envelope log", zap.Error(err))
				continue
			}
			if n > 0 {
				l.logger.Info("pruned envelope log", zap.Int64("removed", n))
			}
		}
	}
}

// Close stops the cleanup goroutine and closes the database connection. It
// is safe to call more than once.
func (l *EnvelopeLog) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		l.closeErr = l.db.Close()
	})
	return l.closeErr
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}
