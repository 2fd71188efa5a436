// Package tracestore persists token maps and run summaries so Tokenize output
// can be reversed after the process that produced it has exited.
//
// Backends:
//   - file: a JSON .tracemap document
//   - sqlite / postgres: a phantom_tokens table through sqlx
//   - redis: one hash of token to original plus one key per run
package tracestore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bimmerbailey/phantom/internal/trace"
)

// Store is a durable token map.
type Store interface {
	// Save records token→original pairs for a run. A token already stored
	// with a different original is a *trace.TokenCollisionError.
	Save(ctx context.Context, runID string, entries map[string]string) error
	// SaveRun records a run summary.
	SaveRun(ctx context.Context, r *trace.Report) error
	// Load returns every stored pair.
	Load(ctx context.Context) (map[string]string, error)
	Close() error
}

// Backend names.
const (
	BackendNone     = "none"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and addresses a backend.
type Config struct {
	Backend   string `mapstructure:"backend" json:"backend" yaml:"backend"`
	DSN       string `mapstructure:"dsn" json:"dsn,omitempty" yaml:"dsn,omitempty"` // file path, sqlite path or postgres URL
	RedisAddr string `mapstructure:"redis_addr" json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// Enabled reports whether a backend is configured.
func (c Config) Enabled() bool {
	b := strings.ToLower(c.Backend)
	return b != "" && b != BackendNone
}

// Validate checks that the backend is known and addressed.
func (c Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case "", BackendNone:
		return nil
	case BackendFile, BackendSQLite, BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("trace_store.dsn is required for backend %q", c.Backend)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("trace_store.redis_addr is required for backend %q", c.Backend)
		}
	default:
		return fmt.Errorf("unknown trace_store.backend %q", c.Backend)
	}
	return nil
}

// Open connects the configured backend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "phantom:"
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendFile:
		return NewFileStore(cfg.DSN), nil
	case BackendSQLite, BackendPostgres:
		s, err := OpenSQL(ctx, strings.ToLower(cfg.Backend), cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := OpenRedis(ctx, cfg.RedisAddr, cfg.KeyPrefix, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("trace store disabled")
	}
}

// LoadInto merges every stored pair into tm.
func LoadInto(ctx context.Context, s Store, tm *trace.TraceMap) error {
	entries, err := s.Load(ctx)
	if err != nil {
		return err
	}
	return tm.Merge(entries)
}
