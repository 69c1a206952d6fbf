// Package fabric implements the topic-routed message fabric that carries
// typed records between the engine's workers with at-least-once delivery
// and per-(topic,symbol) ordering.
package fabric

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Required topics named by the engine's data flow.
const (
	TopicSignalsTechnical   = "signals.technical"
	TopicSignalsFundamental = "signals.fundamental"
	TopicSignalsSentiment   = "signals.sentiment"
	TopicTradeIntent        = "trade.intent"
	TopicTradeOrder         = "trade.order"
	TopicTradeRejection     = "trade.rejection"
	TopicExecutionReport    = "execution.report"
	TopicPositionUpdate     = "position.update"
)

// RequiredTopics lists every topic the fabric must be able to route.
var RequiredTopics = []string{
	TopicSignalsTechnical,
	TopicSignalsFundamental,
	TopicSignalsSentiment,
	TopicTradeIntent,
	TopicTradeOrder,
	TopicTradeRejection,
	TopicExecutionReport,
	TopicPositionUpdate,
}

// Record is the envelope carried by the fabric. Payload holds the
// component-specific body (Signal, TradeIntent, Order, ...).
type Record struct {
	RecordID      uuid.UUID       `json:"record_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	Symbol        string          `json:"symbol"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Handler processes a record. Returning an error causes redelivery after a
// bounded backoff; handlers must be idempotent on RecordID since the fabric
// guarantees at-least-once, never exactly-once, delivery.
type Handler func(ctx context.Context, rec *Record) error

// Config configures a Fabric instance.
type Config struct {
	NATSURL string
	// Prefix namespaces subjects, default "engine.".
	Prefix string
	// PublishRetry bounds the exponential backoff applied to a failed publish.
	PublishRetry RetryConfig
	// OutboxCapacity bounds the number of records held for retry once the
	// publish retry ceiling is hit; beyond this the oldest record is
	// dropped and a saturation event is logged.
	OutboxCapacity int
	// Stream is the JetStream stream name backing every topic under Prefix.
	Stream string
	// AckWait bounds how long JetStream waits for a handler to ack before
	// considering delivery failed and scheduling redelivery.
	AckWait time.Duration
	// MaxDeliver caps redelivery attempts per message before it is
	// terminated and logged as a dead letter.
	MaxDeliver int
}

// RetryConfig mirrors the exponential-backoff shape used across the engine.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func DefaultConfig() Config {
	return Config{
		NATSURL: "nats://localhost:4222",
		Prefix:  "engine.",
		PublishRetry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			BackoffFactor:  2.0,
		},
		OutboxCapacity: 1024,
		Stream:         "ENGINE",
		AckWait:        15 * time.Second,
		MaxDeliver:     5,
	}
}

// Fabric is the NATS JetStream-backed implementation of the message fabric
// (C1). Delivery is durable and at-least-once: consumers explicitly ack
// each record, a handler failure naks it for redelivery after a delay that
// grows with its delivery count, and a message that exhausts MaxDeliver attempts is
// terminated and logged as a dead letter rather than redelivered forever.
type Fabric struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	prefix     string
	retry      RetryConfig
	ackWait    time.Duration
	maxDeliver int

	mu         sync.Mutex
	outbox     *list.List // *outboxEntry, oldest at front
	outboxCap  int
	seen       map[uuid.UUID]time.Time // best-effort idempotency window
	seenWindow time.Duration
}

type outboxEntry struct {
	subject string
	data    []byte
	record  *Record
}

// New connects to NATS and returns a ready Fabric.
func New(cfg Config) (*Fabric, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "engine."
	}
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = 1024
	}
	if cfg.Stream == "" {
		cfg.Stream = "ENGINE"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 15 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}

	nc, err := nats.Connect(
		cfg.NATSURL,
		nats.Name("tradecore-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("fabric: NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("fabric: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fabric: connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("fabric: acquire JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Prefix + ">"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    24 * time.Hour,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("fabric: create stream %s: %w", cfg.Stream, err)
		}
	}

	f := &Fabric{
		nc:         nc,
		js:         js,
		prefix:     cfg.Prefix,
		retry:      cfg.PublishRetry,
		ackWait:    cfg.AckWait,
		maxDeliver: cfg.MaxDeliver,
		outbox:     list.New(),
		outboxCap:  cfg.OutboxCapacity,
		seen:       make(map[uuid.UUID]time.Time),
		seenWindow: 10 * time.Minute,
	}

	log.Info().Str("nats_url", cfg.NATSURL).Str("prefix", cfg.Prefix).Str("stream", cfg.Stream).Msg("fabric initialized")
	return f, nil
}

func (f *Fabric) subject(topic, symbol string) string {
	return fmt.Sprintf("%s%s.%s", f.prefix, topic, symbol)
}

// Publish delivers a record durably once acknowledged by the fabric.
// Publish failures are retried with exponential backoff to a ceiling; past
// that ceiling the record is parked in a bounded outbox for a background
// flush, shedding the oldest parked record (and logging a saturation
// event) when the outbox is full.
func (f *Fabric) Publish(ctx context.Context, topic, symbol string, payload interface{}, correlationID uuid.UUID) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fabric: marshal payload: %w", err)
	}

	rec := &Record{
		RecordID:      uuid.New(),
		CorrelationID: correlationID,
		Topic:         topic,
		Symbol:        symbol,
		Payload:       body,
		Timestamp:     time.Now(),
	}
	if rec.CorrelationID == uuid.Nil {
		rec.CorrelationID = rec.RecordID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("fabric: marshal record: %w", err)
	}
	subject := f.subject(topic, symbol)

	if err := f.publishWithRetry(ctx, subject, data); err != nil {
		f.shelve(subject, data, rec)
		return fmt.Errorf("fabric: publish %s after retries: %w", subject, err)
	}

	log.Debug().Str("record_id", rec.RecordID.String()).Str("subject", subject).Msg("fabric published")
	return nil
}

func (f *Fabric) publishWithRetry(ctx context.Context, subject string, data []byte) error {
	backoff := f.retry.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= f.retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := f.js.Publish(subject, data); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == f.retry.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * f.retry.BackoffFactor)
		if backoff > f.retry.MaxBackoff {
			backoff = f.retry.MaxBackoff
		}
	}
	return fmt.Errorf("fabric unavailable: %w", lastErr)
}

// shelve parks a record that exhausted publish retries. When the outbox is
// saturated the oldest entry is dropped so the engine keeps accepting new
// records rather than blocking producers.
func (f *Fabric) shelve(subject string, data []byte, rec *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.outbox.Len() >= f.outboxCap {
		dropped := f.outbox.Remove(f.outbox.Front()).(*outboxEntry)
		log.Warn().
			Str("event", "saturation").
			Str("dropped_record_id", dropped.record.RecordID.String()).
			Str("dropped_subject", dropped.subject).
			Msg("fabric outbox saturated, dropping oldest record")
	}
	f.outbox.PushBack(&outboxEntry{subject: subject, data: data, record: rec})
}

// FlushOutbox retries every parked record once; records that still fail
// remain queued for the next flush. Callers typically run this on a timer.
func (f *Fabric) FlushOutbox(ctx context.Context) {
	f.mu.Lock()
	pending := make([]*list.Element, 0, f.outbox.Len())
	for e := f.outbox.Front(); e != nil; e = e.Next() {
		pending = append(pending, e)
	}
	f.mu.Unlock()

	for _, e := range pending {
		entry := e.Value.(*outboxEntry)
		if _, err := f.js.Publish(entry.subject, entry.data); err != nil {
			continue
		}
		f.mu.Lock()
		f.outbox.Remove(e)
		f.mu.Unlock()
	}
}

// OutboxDepth reports how many records are currently shed-pending.
func (f *Fabric) OutboxDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outbox.Len()
}

// dedupe reports whether a record id has already been seen within the
// idempotency window, recording it if not. This is a best-effort guard in
// front of handlers, which remain responsible for true idempotency since
// the fabric offers no exactly-once guarantee.
func (f *Fabric) dedupe(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for k, seenAt := range f.seen {
		if now.Sub(seenAt) > f.seenWindow {
			delete(f.seen, k)
		}
	}
	if _, ok := f.seen[id]; ok {
		return true
	}
	f.seen[id] = now
	return false
}

// Subscribe joins a consumer group on a topic across all symbols. Within
// a NATS queue group only one member handles any given message, but
// strict per-symbol ordering across concurrent group members is not
// guaranteed by wildcard subscriptions alone: callers that need the
// per-(topic,symbol) serialization guarantee should partition symbols
// across group members (e.g. consistent hashing) or use SubscribeSymbol
// for a single dedicated consumer.
func (f *Fabric) Subscribe(topic, group string, handler Handler) (*Subscription, error) {
	subject := fmt.Sprintf("%s%s.*", f.prefix, topic)
	sub, err := f.js.QueueSubscribe(subject, group, f.wrap(handler),
		nats.Durable(group), nats.ManualAck(), nats.AckWait(f.ackWait), nats.MaxDeliver(f.maxDeliver))
	if err != nil {
		return nil, fmt.Errorf("fabric: subscribe %s: %w", subject, err)
	}
	log.Info().Str("subject", subject).Str("group", group).Msg("fabric subscribed")
	return &Subscription{sub: sub, subject: subject, group: group}, nil
}

// SubscribeSymbol subscribes to a single (topic,symbol) partition. Because
// NATS delivers a single subject's messages to a queue group's active
// member in publish order, and handlers run synchronously inside the
// callback, this gives the "exactly one worker owns this symbol's
// mutation" property the per-symbol ordering guarantee depends on.
func (f *Fabric) SubscribeSymbol(topic, symbol, group string, handler Handler) (*Subscription, error) {
	subject := f.subject(topic, symbol)
	durable := fmt.Sprintf("%s_%s", group, symbol)
	sub, err := f.js.QueueSubscribe(subject, group, f.wrap(handler),
		nats.Durable(durable), nats.ManualAck(), nats.AckWait(f.ackWait), nats.MaxDeliver(f.maxDeliver))
	if err != nil {
		return nil, fmt.Errorf("fabric: subscribe %s: %w", subject, err)
	}
	log.Info().Str("subject", subject).Str("group", group).Msg("fabric subscribed to partition")
	return &Subscription{sub: sub, subject: subject, group: group}, nil
}

// wrap adapts a Handler into a JetStream message callback with explicit
// ack. A successful handler acks the message. A failed handler naks it
// with a backoff proportional to its delivery count so far, causing
// JetStream to redeliver after that bounded delay; once a message has
// been delivered maxDeliver times it is terminated (not acked, not
// retried again) and logged as a dead letter, since handlers are expected
// to be idempotent but not infinitely retried.
func (f *Fabric) wrap(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var rec Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			log.Warn().Err(err).Msg("fabric: malformed record, terminating")
			_ = msg.Term()
			return
		}

		meta, metaErr := msg.Metadata()

		if f.dedupe(rec.RecordID) {
			log.Debug().Str("record_id", rec.RecordID.String()).Msg("fabric: duplicate delivery suppressed")
			_ = msg.Ack()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), f.ackWait)
		defer cancel()

		if err := handler(ctx, &rec); err != nil {
			delivered := uint64(1)
			if metaErr == nil {
				delivered = meta.NumDelivered
			}
			if int(delivered) >= f.maxDeliver {
				log.Error().
					Err(err).
					Str("record_id", rec.RecordID.String()).
					Str("topic", rec.Topic).
					Str("symbol", rec.Symbol).
					Uint64("delivered", delivered).
					Msg("fabric: handler exhausted redelivery attempts, terminating message as dead letter")
				_ = msg.Term()
				return
			}

			backoff := f.retry.InitialBackoff * time.Duration(delivered)
			if backoff > f.retry.MaxBackoff {
				backoff = f.retry.MaxBackoff
			}
			log.Error().
				Err(err).
				Str("record_id", rec.RecordID.String()).
				Str("topic", rec.Topic).
				Str("symbol", rec.Symbol).
				Uint64("delivered", delivered).
				Dur("backoff", backoff).
				Msg("fabric: handler failed, nak'ing for bounded-backoff redelivery")
			_ = msg.NakWithDelay(backoff)
			return
		}

		_ = msg.Ack()
	}
}

// Subscription is an active subscription handle.
type Subscription struct {
	sub     *nats.Subscription
	subject string
	group   string
}

func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("fabric: unsubscribe %s: %w", s.subject, err)
	}
	return nil
}

func (s *Subscription) IsValid() bool {
	return s.sub.IsValid()
}

// Conn exposes the underlying NATS connection for callers that need to
// attach their own publishers (e.g. worker heartbeats) to the same
// connection rather than opening a second one.
func (f *Fabric) Conn() *nats.Conn {
	return f.nc
}

// Stats exposes basic connection counters, used by health endpoints.
func (f *Fabric) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"connected":    f.nc.IsConnected(),
		"status":       f.nc.Status().String(),
		"outbox_depth": f.OutboxDepth(),
	}
	if f.nc != nil {
		s := f.nc.Stats()
		stats["in_msgs"] = s.InMsgs
		stats["out_msgs"] = s.OutMsgs
		stats["reconnects"] = s.Reconnects
	}
	return stats
}

func (f *Fabric) Close() {
	if f.nc != nil {
		f.nc.Close()
		log.Info().Msg("fabric closed")
	}
}
