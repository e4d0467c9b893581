// Package redisstore implements the reconcile gateway on Redis.
//
// Each row is a hash at <prefix>:<key>, and the set <prefix>:keys indexes
// every stored key. Each batch operation is a single MULTI/EXEC pipeline.
// Values come back as strings, so callers normally diff with FuzzyNumeric.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/sseaky/seakylib/internal/reconcile"
)

// queryChunk 每個 HGETALL pipeline 的最大 key 數
const queryChunk = 500

// Options configures the Redis connection.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0")
	URL string

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration
}

// Connect parses opts.URL and verifies the connection with PING.
func Connect(opts Options) (*redis.Client, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Store is a reconcile.Gateway over hashes sharing one key prefix.
type Store struct {
	client  *redis.Client
	prefix  string
	key     string
	columns []string
}

var _ reconcile.Gateway = (*Store)(nil)

// New creates a Store. key names the field that identifies a row on insert;
// columns is the schema reported to the reconciler and restricts which fields
// are written, empty means unrestricted.
func New(client *redis.Client, prefix, key string, columns []string) *Store {
	return &Store{client: client, prefix: prefix, key: key, columns: columns}
}

func (s *Store) indexKey() string {
	return s.prefix + ":keys"
}

func (s *Store) rowKey(v any) string {
	return s.prefix + ":" + reconcile.KeyString(v)
}

// Columns returns the configured schema.
func (s *Store) Columns(ctx context.Context) ([]string, error) {
	return s.columns, nil
}

// Query loads every indexed hash. A hash without the key field gets it from
// the index member.
func (s *Store) Query(ctx context.Context, key string) (map[string]reconcile.Row, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", s.indexKey(), err)
	}

	result := make(map[string]reconcile.Row, len(members))
	for _, chunk := range lo.Chunk(members, queryChunk) {
		cmds := make([]*redis.MapStringStringCmd, len(chunk))
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, member := range chunk {
				cmds[i] = pipe.HGetAll(ctx, s.rowKey(member))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load rows under %s: %w", s.prefix, err)
		}

		for i, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				continue
			}
			row := make(reconcile.Row, len(fields)+1)
			for f, v := range fields {
				row[f] = v
			}
			if _, ok := row[key]; !ok {
				row[key] = chunk[i]
			}
			result[reconcile.KeyString(row[key])] = row
		}
	}
	return result, nil
}

// InsertBatch writes each row as a hash and adds its key to the index.
func (s *Store) InsertBatch(ctx context.Context, rows []reconcile.Row) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, row := range rows {
			k, ok := row[s.key]
			if !ok || k == nil {
				return fmt.Errorf("%w: %q not in row", reconcile.ErrMissingKey, s.key)
			}
			fields := s.fields(row, nil)
			fields[s.key] = k
			pipe.HSet(ctx, s.rowKey(k), fields)
			pipe.SAdd(ctx, s.indexKey(), reconcile.KeyString(k))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert under %s: %w", s.prefix, err)
	}
	return nil
}

// UpdateBatch sets columns on every row's hash in one MULTI/EXEC.
func (s *Store) UpdateBatch(ctx context.Context, key string, columns []string, rows []reconcile.Row) error {
	if len(rows) == 0 || len(columns) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, row := range rows {
			if fields := s.fields(row, columns); len(fields) > 0 {
				pipe.HSet(ctx, s.rowKey(row[key]), fields)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update under %s: %w", s.prefix, err)
	}
	return nil
}

// DeleteBatch removes the hashes and their index entries.
func (s *Store) DeleteBatch(ctx context.Context, key string, keys []any) error {
	if len(keys) == 0 {
		return nil
	}
	hashes := make([]string, len(keys))
	members := make([]any, len(keys))
	for i, k := range keys {
		hashes[i] = s.rowKey(k)
		members[i] = reconcile.KeyString(k)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hashes...)
		pipe.SRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete under %s: %w", s.prefix, err)
	}
	return nil
}

// MarkBatch sets marker to 1 on each hash.
func (s *Store) MarkBatch(ctx context.Context, key string, keys []any, marker string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.HSet(ctx, s.rowKey(k), marker, 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark under %s: %w", s.prefix, err)
	}
	return nil
}

// fields 回傳要寫入的欄位；only 為空時寫入 schema 允許的所有欄位。nil 寫成空字串
func (s *Store) fields(row reconcile.Row, only []string) map[string]any {
	allowed := s.columns
	if len(only) > 0 {
		allowed = only
	}
	out := make(map[string]any, len(row))
	for col, v := range row {
		if len(allowed) > 0 && !lo.Contains(allowed, col) {
			continue
		}
		if v == nil {
			v = ""
		}
		out[col] = v
	}
	return out
}
