// Package signalbuffer implements the per-symbol rolling window of recent
// analyst signals (C2) that the fusion engine reads from.
package signalbuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Direction is a signal's or intent's directional opinion.
type Direction string

const (
	Buy  Direction = "Buy"
	Sell Direction = "Sell"
	Hold Direction = "Hold"
)

// Signal is an immutable directional opinion emitted by an analyst worker.
type Signal struct {
	ID         uuid.UUID              `json:"id"`
	AgentKind  string                 `json:"agent_kind"`
	Symbol     string                 `json:"symbol"`
	Direction  Direction              `json:"direction"`
	Confidence float64                `json:"confidence"`
	Timestamp  time.Time              `json:"timestamp"`
	Reasoning  string                 `json:"reasoning,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Config configures a Buffer.
type Config struct {
	RedisURL      string
	RedisPassword string
	RedisDB       int
	// Prefix namespaces keys, default "signalbuffer:".
	Prefix string
	// Retention is the maximum age a signal may have before it is evicted.
	// Default 300s, matching signal_retention_seconds.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		RedisURL:  "localhost:6379",
		Prefix:    "signalbuffer:",
		Retention: 300 * time.Second,
	}
}

// Buffer is the Redis-backed implementation of the per-symbol signal
// buffer. Each symbol's bucket is a sorted set keyed by signal timestamp
// (nanosecond score), giving insert/evict/snapshot without a separate
// background sweeper: eviction is performed inline on every insert and
// snapshot by trimming entries older than the retention window.
//
// Single-writer-per-symbol is a contract the caller upholds (the fusion
// worker owning a symbol's partition, per the fabric's per-symbol
// ordering guarantee) rather than something Redis enforces; concurrent
// inserts for the same symbol from two callers are not serialized by
// this type.
type Buffer struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func New(cfg Config) (*Buffer, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "signalbuffer:"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 300 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("signalbuffer: connect to Redis: %w", err)
	}

	log.Info().Str("redis_url", cfg.RedisURL).Dur("retention", cfg.Retention).Msg("signal buffer initialized")

	return &Buffer{client: client, prefix: cfg.Prefix, retention: cfg.Retention}, nil
}

func (b *Buffer) bucketKey(symbol string) string {
	return fmt.Sprintf("%sbucket:%s", b.prefix, symbol)
}

func (b *Buffer) memberKey(symbol string, id uuid.UUID) string {
	return fmt.Sprintf("%ssignal:%s:%s", b.prefix, symbol, id.String())
}

// Insert appends a signal to its symbol's bucket and evicts everything
// older than the retention window in the same call.
func (b *Buffer) Insert(ctx context.Context, sig *Signal) error {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	if sig.Symbol == "" {
		return fmt.Errorf("signalbuffer: signal missing symbol")
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("signalbuffer: marshal signal: %w", err)
	}

	key := b.memberKey(sig.Symbol, sig.ID)
	ttl := b.retention + time.Minute // generous grace window beyond retention
	if err := b.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("signalbuffer: store signal: %w", err)
	}

	bucket := b.bucketKey(sig.Symbol)
	score := float64(sig.Timestamp.UnixNano())
	if err := b.client.ZAdd(ctx, bucket, redis.Z{Score: score, Member: key}).Err(); err != nil {
		return fmt.Errorf("signalbuffer: index signal: %w", err)
	}

	if err := b.evict(ctx, sig.Symbol); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signalbuffer: eviction failed after insert")
	}

	return nil
}

// evict removes every bucket entry older than the retention window,
// relative to now.
func (b *Buffer) evict(ctx context.Context, symbol string) error {
	bucket := b.bucketKey(symbol)
	cutoff := time.Now().Add(-b.retention).UnixNano()

	stale, err := b.client.ZRangeByScore(ctx, bucket, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return fmt.Errorf("signalbuffer: query stale entries: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	if err := b.client.ZRemRangeByScore(ctx, bucket, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return fmt.Errorf("signalbuffer: trim bucket: %w", err)
	}
	if err := b.client.Del(ctx, stale...).Err(); err != nil {
		return fmt.Errorf("signalbuffer: delete stale signals: %w", err)
	}
	return nil
}

// Snapshot returns a copy of every live signal for a symbol, oldest
// first. No returned signal is older than the retention window: eviction
// runs inline before the read.
func (b *Buffer) Snapshot(ctx context.Context, symbol string) ([]*Signal, error) {
	if err := b.evict(ctx, symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("signalbuffer: eviction failed before snapshot")
	}

	bucket := b.bucketKey(symbol)
	keys, err := b.client.ZRange(ctx, bucket, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("signalbuffer: query bucket: %w", err)
	}
	if len(keys) == 0 {
		return []*Signal{}, nil
	}

	results, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("signalbuffer: fetch signals: %w", err)
	}

	signals := make([]*Signal, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		data, ok := r.(string)
		if !ok {
			continue
		}
		var sig Signal
		if err := json.Unmarshal([]byte(data), &sig); err != nil {
			log.Warn().Err(err).Msg("signalbuffer: malformed signal skipped")
			continue
		}
		signals = append(signals, &sig)
	}
	return signals, nil
}

// Count returns the number of live signals for a symbol.
func (b *Buffer) Count(ctx context.Context, symbol string) (int, error) {
	if err := b.evict(ctx, symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("signalbuffer: eviction failed before count")
	}
	n, err := b.client.ZCard(ctx, b.bucketKey(symbol)).Result()
	if err != nil {
		return 0, fmt.Errorf("signalbuffer: count bucket: %w", err)
	}
	return int(n), nil
}

// Symbols returns every symbol with at least one live signal.
func (b *Buffer) Symbols(ctx context.Context) ([]string, error) {
	pattern := b.prefix + "bucket:*"
	keys, err := b.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("signalbuffer: list buckets: %w", err)
	}
	prefixLen := len(b.prefix) + len("bucket:")
	symbols := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) > prefixLen {
			symbols = append(symbols, k[prefixLen:])
		}
	}
	return symbols, nil
}

func (b *Buffer) Close() error {
	return b.client.Close()
}
