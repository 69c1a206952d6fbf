package fusion

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradecore/internal/signalbuffer"
)

func sig(kind string, dir signalbuffer.Direction, conf float64, age time.Duration) *signalbuffer.Signal {
	return &signalbuffer.Signal{
		AgentKind:  kind,
		Symbol:     "BTCUSDT",
		Direction:  dir,
		Confidence: conf,
		Timestamp:  time.Now().Add(-age),
	}
}

func TestConsensusAgreement(t *testing.T) {
	cfg := DefaultConfig()
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.8, 0),
		sig("sentiment", signalbuffer.Buy, 0.7, 0),
		sig("fundamental", signalbuffer.Sell, 0.9, 0),
	}
	res := Consensus(signals, cfg)
	assert.Equal(t, signalbuffer.Buy, res.Direction)
	assert.InDelta(t, 0.75, res.Confidence, 1e-9)
}

func TestConsensusNoAgreementHolds(t *testing.T) {
	cfg := DefaultConfig()
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.8, 0),
		sig("sentiment", signalbuffer.Sell, 0.9, 0),
	}
	res := Consensus(signals, cfg)
	assert.Equal(t, signalbuffer.Hold, res.Direction)
}

func TestConsensusFiltersLowConfidence(t *testing.T) {
	cfg := DefaultConfig()
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.5, 0),
	}
	res := Consensus(signals, cfg)
	assert.Equal(t, signalbuffer.Hold, res.Direction)
	assert.Equal(t, 0, res.Diagnostics["filtered_count"])
}

func TestBayesianWeightsByAccuracy(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAccuracyTracker(cfg.BayesianHistoryWindow)
	for i := 0; i < 50; i++ {
		tracker.ResolveTrade("technical", true)
		tracker.ResolveTrade("sentiment", false)
	}

	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.7, 0),
		sig("sentiment", signalbuffer.Sell, 0.7, 0),
	}
	res := Bayesian(signals, tracker, cfg)
	assert.Equal(t, signalbuffer.Buy, res.Direction, "higher-accuracy agent kind should dominate the score")
}

func TestBayesianTiedScoresHold(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAccuracyTracker(cfg.BayesianHistoryWindow)
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.1, 0),
		sig("sentiment", signalbuffer.Sell, 0.1, 0),
	}
	res := Bayesian(signals, tracker, cfg)
	assert.Equal(t, signalbuffer.Hold, res.Direction)
}

func TestTimeDecayFavorsRecentSignal(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Sell, 0.6, 60*time.Minute),
		sig("sentiment", signalbuffer.Buy, 0.6, 0),
	}
	res := TimeDecay(signals, cfg, now)
	assert.Equal(t, signalbuffer.Buy, res.Direction)
}

func TestTimeDecayEmptyHolds(t *testing.T) {
	cfg := DefaultConfig()
	res := TimeDecay(nil, cfg, time.Now())
	assert.Equal(t, signalbuffer.Hold, res.Direction)
}

func TestHybridCombinesVotes(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAccuracyTracker(cfg.BayesianHistoryWindow)
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.8, 0),
		sig("sentiment", signalbuffer.Buy, 0.75, 0),
		sig("fundamental", signalbuffer.Sell, 0.65, 0),
	}
	res := Hybrid(signals, tracker, cfg, time.Now())
	assert.Equal(t, signalbuffer.Buy, res.Direction)
	assert.Greater(t, res.Confidence, 0.0)
}

func TestFuseBelowMinSignalsAbstains(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAccuracyTracker(cfg.BayesianHistoryWindow)
	signals := []*signalbuffer.Signal{sig("technical", signalbuffer.Buy, 0.9, 0)}

	intent, res, err := Fuse("BTCUSDT", signals, tracker, MethodConsensus, cfg, 50000, uuid.Nil)
	require.NoError(t, err)
	assert.Nil(t, intent)
	assert.Equal(t, Result{}, res)
}

func TestFuseNeverEmitsHoldIntent(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAccuracyTracker(cfg.BayesianHistoryWindow)
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.7, 0),
		sig("sentiment", signalbuffer.Sell, 0.7, 0),
	}

	intent, res, err := Fuse("BTCUSDT", signals, tracker, MethodConsensus, cfg, 50000, uuid.Nil)
	require.NoError(t, err)
	assert.Nil(t, intent)
	assert.Equal(t, signalbuffer.Hold, res.Direction)
}

func TestFuseEmitsIntentOnAgreement(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAccuracyTracker(cfg.BayesianHistoryWindow)
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.8, 0),
		sig("sentiment", signalbuffer.Buy, 0.75, 0),
	}

	intent, _, err := Fuse("BTCUSDT", signals, tracker, MethodConsensus, cfg, 50000, uuid.Nil)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, signalbuffer.Buy, intent.Direction)
	assert.Equal(t, "BTCUSDT", intent.Symbol)
	assert.Len(t, intent.SignalIDs, 2)
	assert.NotEqual(t, uuid.Nil, intent.CorrelationID)
}

func TestFuseUnknownMethodErrors(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAccuracyTracker(cfg.BayesianHistoryWindow)
	signals := []*signalbuffer.Signal{
		sig("technical", signalbuffer.Buy, 0.8, 0),
		sig("sentiment", signalbuffer.Buy, 0.75, 0),
	}
	_, _, err := Fuse("BTCUSDT", signals, tracker, Method("nonsense"), cfg, 50000, uuid.Nil)
	assert.Error(t, err)
}
