// SPDX-License-Identifier: MIT

// Package store is the durable state shared by the five pipeline workers:
// snapshots, their link topology, vocabulary, recordings, compilations and
// the missing-asset save log, backed by a single WAL-mode SQLite file.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"

	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/rank"
)

// Config defines SQLite operational parameters.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	// RankOffset is the weighted-random bias knob passed to the ranking SQL
	// function; nil draws uniformly.
	RankOffset *float64
}

// DefaultConfig returns the recommended operational parameters.
func DefaultConfig(path string) Config {
	offset := 1.0
	return Config{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		RankOffset:  &offset,
	}
}

// Store wraps the database handle plus the policy consulted by the SQL-level
// host check. A single process writes at a time; readers are unrestricted.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var (
	registerOnce sync.Once
	registerErr  error

	// policy backs the is_url_key_allowed SQL function. SQLite function
	// registration is process-global in the driver, so the policy lives here
	// and is swapped by Open.
	policyMu sync.RWMutex
	policy   *HostPolicy
)

func registerFunctions() {
	registerOnce.Do(func() {
		registerErr = sqlite.RegisterScalarFunction("is_url_key_allowed", 1,
			func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				key, ok := args[0].(string)
				if !ok {
					return int64(0), nil
				}
				policyMu.RLock()
				p := policy
				policyMu.RUnlock()
				if p == nil || p.Allowed(key) {
					return int64(1), nil
				}
				return int64(0), nil
			})
		if registerErr != nil {
			return
		}
		registerErr = sqlite.RegisterScalarFunction("rank_snapshot_by_points", 2,
			func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				return rank.Rank(floatArg(args[0]), floatArg(args[1])), nil
			})
	})
}

func floatArg(v driver.Value) *float64 {
	switch t := v.(type) {
	case int64:
		f := float64(t)
		return &f
	case float64:
		return &t
	default:
		return nil
	}
}

// Open opens (creating if necessary) the pipeline database, applies the
// schema and installs the SQL scalar callbacks.
func Open(cfg Config, hostPolicy *HostPolicy) (*Store, error) {
	registerFunctions()
	if registerErr != nil {
		return nil, fmt.Errorf("store: register sql functions: %w", registerErr)
	}
	policyMu.Lock()
	policy = hostPolicy
	policyMu.Unlock()

	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Mandatory PRAGMAs go in the DSN so they apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// Single writer; WAL readers do not block it.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, logger: log.WithComponent("store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	if _, err := s.db.Exec(snapshotInfoView); err != nil {
		return fmt.Errorf("store: view: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only diagnostics (stats, graph).
func (s *Store) DB() *sql.DB { return s.db }

// Tx runs fn inside a transaction with guaranteed commit-or-rollback. Worker
// iterations wrap all their state transitions in one Tx so a snapshot is
// never observed in a partial state.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// queryMaps runs a query and returns each row as a column-name map, so entity
// constructors can pick the keys they know and ignore view extras.
func queryMaps(ctx context.Context, q queryer, query string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetConfig reads one key from the config table; empty string when unset.
func (s *Store) GetConfig(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig upserts one key in the config table.
func (s *Store) SetConfig(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (name, value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value`, name, value)
	return err
}
