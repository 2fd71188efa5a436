package tracestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/bimmerbailey/phantom/internal/trace"
)

// RedisStore keeps tokens in a single hash, <prefix>tokens, and run
// summaries under <prefix>run:<id>.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: addr}, nil
}

// OpenRedis connects to addr and pings it.
func OpenRedis(ctx context.Context, addr, prefix string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redisOptions(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect trace store: %w", err)
	}

	logger.Info("trace store opened", zap.String("driver", "redis"), zap.String("addr", opts.Addr))
	return &RedisStore{client: client, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) tokensKey() string { return s.prefix + "tokens" }

// Save sets every new pair with HSETNX and verifies the ones already present.
func (s *RedisStore) Save(ctx context.Context, runID string, entries map[string]string) error {
	key := s.tokensKey()
	tokens := make([]string, 0, len(entries))
	cmds := make([]*redis.BoolCmd, 0, len(entries))

	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for token, original := range entries {
			tokens = append(tokens, token)
			cmds = append(cmds, p.HSetNX(ctx, key, token, original))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}

	for i, cmd := range cmds {
		if cmd.Val() {
			continue
		}
		existing, err := s.client.HGet(ctx, key, tokens[i]).Result()
		if err != nil {
			return fmt.Errorf("lookup token: %w", err)
		}
		if existing != entries[tokens[i]] {
			return &trace.TokenCollisionError{Token: tokens[i]}
		}
	}
	s.logger.Debug("tokens saved", zap.String("run_id", runID), zap.Int("count", len(entries)))
	return nil
}

// SaveRun stores the report as JSON.
func (s *RedisStore) SaveRun(ctx context.Context, r *trace.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+"run:"+r.RunID, data, 0).Err()
}

// Load returns every stored pair.
func (s *RedisStore) Load(ctx context.Context) (map[string]string, error) {
	out, err := s.client.HGetAll(ctx, s.tokensKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
