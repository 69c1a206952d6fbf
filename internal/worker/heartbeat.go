// Package worker provides the health-reporting infrastructure shared by
// the engine's per-component workers (C1-C9): each runs as an
// independent goroutine and periodically publishes a heartbeat over the
// message fabric so a supervisor can detect a stalled or dead worker.
package worker

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// HeartbeatConfig holds configuration for heartbeat publishing.
type HeartbeatConfig struct {
	// Interval between heartbeat messages (default: 30 seconds)
	Interval time.Duration
	// Topic is the NATS topic to publish heartbeats to (e.g., "engine.heartbeat")
	Topic string
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Topic:    "engine.heartbeat",
	}
}

// HeartbeatMessage is a single worker's periodic liveness report.
type HeartbeatMessage struct {
	WorkerName string    `json:"worker_name"`
	WorkerKind string    `json:"worker_kind"` // e.g. "fusion", "execution", "position"
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
}

// HeartbeatPublisher handles periodic heartbeat publishing for one worker.
type HeartbeatPublisher struct {
	natsConn   *nats.Conn
	config     HeartbeatConfig
	workerName string
	workerKind string
	log        zerolog.Logger
	stopChan   chan struct{}
	running    atomic.Bool
}

// NewHeartbeatPublisher creates a new heartbeat publisher. The natsConn
// can be nil initially and set later with SetNATSConn.
func NewHeartbeatPublisher(workerName, workerKind string, config HeartbeatConfig, log zerolog.Logger) *HeartbeatPublisher {
	return &HeartbeatPublisher{
		config:     config,
		workerName: workerName,
		workerKind: workerKind,
		log:        log.With().Str("component", "heartbeat").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// SetNATSConn sets the NATS connection for the heartbeat publisher.
func (h *HeartbeatPublisher) SetNATSConn(conn *nats.Conn) {
	h.natsConn = conn
}

// Start begins publishing heartbeat messages at the configured
// interval, publishing immediately on start.
func (h *HeartbeatPublisher) Start() {
	if h.running.Load() {
		h.log.Warn().Msg("heartbeat publisher already running")
		return
	}
	if h.natsConn == nil {
		h.log.Warn().Msg("cannot start heartbeat publisher: NATS connection not set")
		return
	}

	h.running.Store(true)
	ticker := time.NewTicker(h.config.Interval)

	go func() {
		h.publish("healthy")

		for {
			select {
			case <-ticker.C:
				h.publish("healthy")
			case <-h.stopChan:
				ticker.Stop()
				h.running.Store(false)
				h.log.Info().Str("topic", h.config.Topic).Msg("heartbeat publishing stopped")
				return
			}
		}
	}()

	h.log.Info().
		Str("topic", h.config.Topic).
		Dur("interval", h.config.Interval).
		Msg("heartbeat publishing started")
}

func (h *HeartbeatPublisher) publish(status string) {
	if h.natsConn == nil {
		h.log.Warn().Msg("cannot publish heartbeat: NATS connection not set")
		return
	}

	heartbeat := HeartbeatMessage{
		WorkerName: h.workerName,
		WorkerKind: h.workerKind,
		Timestamp:  time.Now(),
		Status:     status,
	}

	data, err := json.Marshal(heartbeat)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal heartbeat")
		return
	}

	if err := h.natsConn.Publish(h.config.Topic, data); err != nil {
		h.log.Error().Err(err).Msg("failed to publish heartbeat")
		return
	}

	h.log.Debug().Str("topic", h.config.Topic).Str("status", status).Msg("heartbeat published")
}

// Stop stops the heartbeat publisher.
func (h *HeartbeatPublisher) Stop() {
	if !h.running.Load() {
		return
	}
	close(h.stopChan)
}

// IsRunning returns whether the heartbeat publisher is currently running.
func (h *HeartbeatPublisher) IsRunning() bool {
	return h.running.Load()
}

// PublishNow immediately publishes a healthy heartbeat.
func (h *HeartbeatPublisher) PublishNow() {
	h.publish("healthy")
}

// PublishWithStatus publishes a heartbeat with a custom status (e.g.
// "degraded" when a worker widens its decision interval under backpressure).
func (h *HeartbeatPublisher) PublishWithStatus(status string) {
	h.publish(status)
}
