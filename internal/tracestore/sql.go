package tracestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/bimmerbailey/phantom/internal/trace"
)

const schema = `
CREATE TABLE IF NOT EXISTS phantom_tokens (
	token      TEXT PRIMARY KEY,
	original   TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS phantom_runs (
	run_id           TEXT PRIMARY KEY,
	generated_at     BIGINT NOT NULL,
	lines_processed  BIGINT NOT NULL,
	lines_modified   BIGINT NOT NULL,
	events_total     BIGINT NOT NULL,
	bytes_obfuscated BIGINT NOT NULL,
	coverage         DOUBLE PRECISION NOT NULL
)`

// SQLStore keeps tokens in a SQL database. The same queries serve sqlite
// and postgres; placeholders are rebound per driver.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type tokenRow struct {
	Token    string `db:"token"`
	Original string `db:"original"`
}

// OpenSQL connects to driver ("sqlite" or "postgres") and creates the schema.
func OpenSQL(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect trace store: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // single writer
	}

	for _, stmt := range splitStatements(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create trace store schema: %w", err)
		}
	}

	logger.Info("trace store opened", zap.String("driver", driver))
	return &SQLStore{db: db, logger: logger}, nil
}

// Save inserts new pairs in one transaction and verifies existing ones.
func (s *SQLStore) Save(ctx context.Context, runID string, entries map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := tx.Rebind(`INSERT INTO phantom_tokens (token, original, run_id, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (token) DO NOTHING`)
	lookup := tx.Rebind(`SELECT original FROM phantom_tokens WHERE token = ?`)
	now := time.Now().Unix()

	for token, original := range entries {
		res, err := tx.ExecContext(ctx, insert, token, original, runID, now)
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}
		var existing string
		if err := tx.GetContext(ctx, &existing, lookup, token); err != nil {
			return fmt.Errorf("lookup token: %w", err)
		}
		if existing != original {
			return &trace.TokenCollisionError{Token: token}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("tokens saved", zap.String("run_id", runID), zap.Int("count", len(entries)))
	return nil
}

// SaveRun upserts a run summary.
func (s *SQLStore) SaveRun(ctx context.Context, r *trace.Report) error {
	query := s.db.Rebind(`INSERT INTO phantom_runs
		(run_id, generated_at, lines_processed, lines_modified, events_total, bytes_obfuscated, coverage)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			generated_at = excluded.generated_at,
			lines_processed = excluded.lines_processed,
			lines_modified = excluded.lines_modified,
			events_total = excluded.events_total,
			bytes_obfuscated = excluded.bytes_obfuscated,
			coverage = excluded.coverage`)
	_, err := s.db.ExecContext(ctx, query,
		r.RunID, r.GeneratedAt.Unix(), r.LinesProcessed, r.LinesModified,
		r.EventsTotal, r.BytesObfuscated, r.Coverage)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Load returns every stored pair.
func (s *SQLStore) Load(ctx context.Context) (map[string]string, error) {
	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT token, original FROM phantom_tokens`); err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Token] = r.Original
	}
	return out, nil
}

// Runs returns the number of stored run summaries.
func (s *SQLStore) Runs(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM phantom_runs`)
	return n, err
}

func (s *SQLStore) Close() error { return s.db.Close() }

// splitStatements splits a ;-separated script; lib/pq and sqlite both accept
// one statement per Exec.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
