package fabric

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{Host: "127.0.0.1", Port: -1, JetStream: true, StoreDir: t.TempDir()}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	return ns
}

func setupTestFabric(t *testing.T) (*Fabric, *server.Server) {
	t.Helper()
	ns := startTestNATSServer(t)

	cfg := DefaultConfig()
	cfg.NATSURL = ns.ClientURL()
	cfg.Prefix = "test."

	f, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, f)

	return f, ns
}

func TestNew(t *testing.T) {
	f, ns := setupTestFabric(t)
	defer ns.Shutdown()
	defer f.Close()

	assert.True(t, f.nc.IsConnected())
}

type signalPayload struct {
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
}

func TestPublishSubscribeSymbol(t *testing.T) {
	f, ns := setupTestFabric(t)
	defer ns.Shutdown()
	defer f.Close()

	received := make(chan *Record, 1)
	sub, err := f.SubscribeSymbol(TopicSignalsTechnical, "BTCUSDT", "fusion", func(ctx context.Context, rec *Record) error {
		received <- rec
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	corrID := uuid.New()
	err = f.Publish(context.Background(), TopicSignalsTechnical, "BTCUSDT", signalPayload{Direction: "Buy", Confidence: 0.85}, corrID)
	require.NoError(t, err)

	select {
	case rec := <-received:
		assert.Equal(t, corrID, rec.CorrelationID)
		assert.Equal(t, "BTCUSDT", rec.Symbol)
		var p signalPayload
		require.NoError(t, json.Unmarshal(rec.Payload, &p))
		assert.Equal(t, "Buy", p.Direction)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestPublishDefaultsCorrelationID(t *testing.T) {
	f, ns := setupTestFabric(t)
	defer ns.Shutdown()
	defer f.Close()

	received := make(chan *Record, 1)
	sub, err := f.SubscribeSymbol(TopicTradeIntent, "ETHUSDT", "risk", func(ctx context.Context, rec *Record) error {
		received <- rec
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	err = f.Publish(context.Background(), TopicTradeIntent, "ETHUSDT", signalPayload{Direction: "Sell", Confidence: 0.6}, uuid.Nil)
	require.NoError(t, err)

	select {
	case rec := <-received:
		assert.NotEqual(t, uuid.Nil, rec.CorrelationID)
		assert.Equal(t, rec.RecordID, rec.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestQueueGroupDeliversOnce(t *testing.T) {
	f, ns := setupTestFabric(t)
	defer ns.Shutdown()
	defer f.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(name string) Handler {
		return func(ctx context.Context, rec *Record) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		}
	}

	sub1, err := f.SubscribeSymbol(TopicTradeOrder, "BTCUSDT", "executor", handler("a"))
	require.NoError(t, err)
	defer sub1.Unsubscribe()
	sub2, err := f.SubscribeSymbol(TopicTradeOrder, "BTCUSDT", "executor", handler("b"))
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, f.Publish(context.Background(), TopicTradeOrder, "BTCUSDT", signalPayload{}, uuid.New()))

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	total := counts["a"] + counts["b"]
	mu.Unlock()
	assert.Equal(t, 1, total, "exactly one queue-group member should handle the record")
}

func TestHandlerFailureRedeliversAfterBackoff(t *testing.T) {
	f, ns := setupTestFabric(t)
	defer ns.Shutdown()
	defer f.Close()
	f.ackWait = time.Second
	f.retry.InitialBackoff = 50 * time.Millisecond
	f.retry.MaxBackoff = 200 * time.Millisecond
	f.maxDeliver = 5

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	sub, err := f.SubscribeSymbol(TopicExecutionReport, "BTCUSDT", "analyzer", func(ctx context.Context, rec *Record) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return assert.AnError
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.Publish(context.Background(), TopicExecutionReport, "BTCUSDT", signalPayload{}, uuid.New()))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for redelivery to succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2, "handler should have been redelivered at least once after failing")
}

func TestPublishShelvesOnExhaustedRetries(t *testing.T) {
	// nats.Connect requires a live server to construct a *Fabric, so
	// exercise the shelve/eviction path directly against a bare struct.
	f := &Fabric{
		outbox:     list.New(),
		outboxCap:  1,
		seen:       make(map[uuid.UUID]time.Time),
		seenWindow: time.Minute,
	}
	r1 := &Record{RecordID: uuid.New()}
	r2 := &Record{RecordID: uuid.New()}
	f.shelve("subj", []byte("a"), r1)
	assert.Equal(t, 1, f.OutboxDepth())
	f.shelve("subj", []byte("b"), r2)
	assert.Equal(t, 1, f.OutboxDepth(), "oldest record should be shed once outbox is saturated")
}
