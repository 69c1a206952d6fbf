// Package fusion implements the fusion engine (C3): it reconciles the
// buffered signals for a symbol into at most one TradeIntent per decision
// tick, using one of four selectable methods.
package fusion

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/tradecore/internal/signalbuffer"
)

// Method names a fusion strategy.
type Method string

const (
	MethodBayesian  Method = "bayesian"
	MethodConsensus Method = "consensus"
	MethodTimeDecay Method = "time_decay"
	MethodHybrid    Method = "hybrid"
)

// Config holds every tunable named in the configuration surface relevant
// to fusion.
type Config struct {
	MinSignals               int
	MinSignalConfidence      float64
	AgreementThreshold       float64
	TimeDecayHalfLife        time.Duration
	BayesianHistoryWindow    int
	BayesianScoreThreshold   float64
	DecisionInterval         time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinSignals:             2,
		MinSignalConfidence:    0.6,
		AgreementThreshold:     0.6,
		TimeDecayHalfLife:      30 * time.Minute,
		BayesianHistoryWindow:  100,
		BayesianScoreThreshold: 0.3,
		DecisionInterval:       30 * time.Second,
	}
}

// TradeIntent is the fused, candidate trade before risk validation.
type TradeIntent struct {
	IntentID       uuid.UUID                 `json:"intent_id"`
	CorrelationID  uuid.UUID                 `json:"correlation_id"`
	Symbol         string                    `json:"symbol"`
	Direction      signalbuffer.Direction    `json:"direction"`
	Confidence     float64                   `json:"confidence"`
	PriceHint      float64                   `json:"price_hint"`
	StopHint       *float64                  `json:"stop_hint,omitempty"`
	TakeProfitHint *float64                  `json:"take_profit_hint,omitempty"`
	Reasoning      string                    `json:"reasoning"`
	FusionMethod   Method                    `json:"fusion_method"`
	SignalIDs      []uuid.UUID               `json:"signal_ids"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// Result is the output of a single fusion method run.
type Result struct {
	Direction   signalbuffer.Direction `json:"direction"`
	Confidence  float64                `json:"confidence"`
	Diagnostics map[string]interface{} `json:"diagnostics"`
}

func abstain(diagnostics map[string]interface{}) Result {
	return Result{Direction: signalbuffer.Hold, Confidence: 0, Diagnostics: diagnostics}
}

// AccuracyTracker maintains a per-agent-kind accuracy estimate used by
// Bayesian fusion, updated with an exponential moving average on trade
// resolution (the spec leaves the exact adaptive-Kelly-style update rule
// unspecified beyond "EMA on resolved-trade accuracy"; this fixes the
// smoothing constant from BayesianHistoryWindow the way an N-period EMA
// derives alpha = 2/(N+1)).
type AccuracyTracker struct {
	mu       sync.Mutex
	accuracy map[string]float64
	alpha    float64
}

func NewAccuracyTracker(window int) *AccuracyTracker {
	if window <= 0 {
		window = 100
	}
	return &AccuracyTracker{
		accuracy: make(map[string]float64),
		alpha:    2.0 / (float64(window) + 1.0),
	}
}

// Accuracy returns the current accuracy estimate for an agent kind,
// defaulting to 0.5 (no information) the first time it is seen.
func (t *AccuracyTracker) Accuracy(agentKind string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.accuracy[agentKind]; ok {
		return a
	}
	return 0.5
}

// ResolveTrade folds a post-trade outcome (whether the signal's direction
// matched the realized move) into the agent kind's accuracy estimate.
func (t *AccuracyTracker) ResolveTrade(agentKind string, correct bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	outcome := 0.0
	if correct {
		outcome = 1.0
	}
	cur, ok := t.accuracy[agentKind]
	if !ok {
		t.accuracy[agentKind] = outcome
		return
	}
	t.accuracy[agentKind] = cur + t.alpha*(outcome-cur)
}

// Bayesian implements the Bayesian fusion method (spec §4.3).
func Bayesian(signals []*signalbuffer.Signal, tracker *AccuracyTracker, cfg Config) Result {
	if len(signals) == 0 {
		return abstain(map[string]interface{}{"reason": "no_signals"})
	}

	weights := make([]float64, len(signals))
	var total float64
	for i, s := range signals {
		w := tracker.Accuracy(s.AgentKind) * s.Confidence
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return abstain(map[string]interface{}{"reason": "zero_weight"})
	}

	scores := map[signalbuffer.Direction]float64{}
	for i, s := range signals {
		scores[s.Direction] += weights[i] / total
	}

	winner, maxScore, tie := argmax(scores)
	diag := map[string]interface{}{"scores": scores, "method": MethodBayesian}
	if tie || winner == signalbuffer.Hold || maxScore <= cfg.BayesianScoreThreshold {
		return Result{Direction: signalbuffer.Hold, Confidence: maxScore, Diagnostics: diag}
	}
	return Result{Direction: winner, Confidence: maxScore, Diagnostics: diag}
}

// Consensus implements the consensus fusion method (spec §4.3).
func Consensus(signals []*signalbuffer.Signal, cfg Config) Result {
	filtered := make([]*signalbuffer.Signal, 0, len(signals))
	for _, s := range signals {
		if s.Confidence >= cfg.MinSignalConfidence {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return abstain(map[string]interface{}{"reason": "no_signals_above_threshold", "filtered_count": 0})
	}

	counts := map[signalbuffer.Direction]int{}
	confSum := map[signalbuffer.Direction]float64{}
	for _, s := range filtered {
		counts[s.Direction]++
		confSum[s.Direction] += s.Confidence
	}

	diag := map[string]interface{}{"filtered_count": len(filtered), "method": MethodConsensus}
	for dir, n := range counts {
		agreement := float64(n) / float64(len(filtered))
		if agreement >= cfg.AgreementThreshold && dir != signalbuffer.Hold {
			return Result{Direction: dir, Confidence: confSum[dir] / float64(n), Diagnostics: diag}
		}
	}
	return Result{Direction: signalbuffer.Hold, Confidence: 0, Diagnostics: diag}
}

// TimeDecay implements the time-decay fusion method (spec §4.3).
func TimeDecay(signals []*signalbuffer.Signal, cfg Config, now time.Time) Result {
	if len(signals) == 0 {
		return abstain(map[string]interface{}{"reason": "no_signals"})
	}

	halfLifeMinutes := cfg.TimeDecayHalfLife.Minutes()
	if halfLifeMinutes <= 0 {
		halfLifeMinutes = 30
	}

	weighted := map[signalbuffer.Direction]float64{}
	var total float64
	for _, s := range signals {
		ageMinutes := now.Sub(s.Timestamp).Minutes()
		if ageMinutes < 0 {
			ageMinutes = 0
		}
		decay := math.Pow(0.5, ageMinutes/halfLifeMinutes)
		w := decay * s.Confidence
		weighted[s.Direction] += w
		total += w
	}

	winner, maxW, tie := argmax(weighted)
	diag := map[string]interface{}{"weighted": weighted, "method": MethodTimeDecay}
	if total <= 0 || tie || winner == signalbuffer.Hold {
		return Result{Direction: signalbuffer.Hold, Confidence: 0, Diagnostics: diag}
	}
	return Result{Direction: winner, Confidence: maxW / total, Diagnostics: diag}
}

// Hybrid runs all three strategies and lets each cast one vote, weighted
// by its own reported confidence, for its own winning direction.
func Hybrid(signals []*signalbuffer.Signal, tracker *AccuracyTracker, cfg Config, now time.Time) Result {
	bayes := Bayesian(signals, tracker, cfg)
	cons := Consensus(signals, cfg)
	decay := TimeDecay(signals, cfg, now)

	sub := []Result{bayes, cons, decay}
	votes := map[signalbuffer.Direction]float64{}
	contributors := map[signalbuffer.Direction][]float64{}
	for _, r := range sub {
		if r.Direction == signalbuffer.Hold {
			continue
		}
		votes[r.Direction] += r.Confidence
		contributors[r.Direction] = append(contributors[r.Direction], r.Confidence)
	}

	diag := map[string]interface{}{
		"bayesian":   bayes,
		"consensus":  cons,
		"time_decay": decay,
		"method":     MethodHybrid,
	}

	if len(votes) == 0 {
		return Result{Direction: signalbuffer.Hold, Confidence: 0, Diagnostics: diag}
	}

	winner, _, tie := argmax(votes)
	if tie {
		return Result{Direction: signalbuffer.Hold, Confidence: 0, Diagnostics: diag}
	}

	confs := contributors[winner]
	var sum float64
	for _, c := range confs {
		sum += c
	}
	return Result{Direction: winner, Confidence: sum / float64(len(confs)), Diagnostics: diag}
}

// argmax returns the direction with the highest score, whether the top
// two scores tie (within floating point epsilon), and the winning score.
// Hold participates in the comparison so a dominant "no opinion" signal
// set can win outright.
func argmax(scores map[signalbuffer.Direction]float64) (signalbuffer.Direction, float64, bool) {
	type kv struct {
		dir   signalbuffer.Direction
		score float64
	}
	all := make([]kv, 0, len(scores))
	for d, s := range scores {
		all = append(all, kv{d, s})
	}
	if len(all) == 0 {
		return signalbuffer.Hold, 0, false
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })

	top := all[0]
	if len(all) > 1 && math.Abs(all[0].score-all[1].score) < 1e-9 && all[0].score > 0 {
		return top.dir, top.score, true
	}
	return top.dir, top.score, false
}

// Fuse runs the requested method and, if it clears every gate (minimum
// signal count, non-Hold winner), returns a ready-to-publish TradeIntent.
// It returns a nil intent and a nil error when no intent should be emitted — this is the
// normal outcome for most decision ticks, not an error.
func Fuse(symbol string, signals []*signalbuffer.Signal, tracker *AccuracyTracker, method Method, cfg Config, priceHint float64, correlationID uuid.UUID) (*TradeIntent, Result, error) {
	if cfg.MinSignals <= 0 {
		return nil, Result{}, nil
	}
	if len(signals) < cfg.MinSignals {
		return nil, Result{}, nil
	}

	var res Result
	now := time.Now()
	switch method {
	case MethodBayesian:
		res = Bayesian(signals, tracker, cfg)
	case MethodConsensus:
		res = Consensus(signals, cfg)
	case MethodTimeDecay:
		res = TimeDecay(signals, cfg, now)
	case MethodHybrid, "":
		res = Hybrid(signals, tracker, cfg, now)
	default:
		return nil, Result{}, fmt.Errorf("fusion: unknown method %q", method)
	}

	if res.Direction == signalbuffer.Hold {
		return nil, res, nil
	}

	ids := make([]uuid.UUID, 0, len(signals))
	for _, s := range signals {
		ids = append(ids, s.ID)
	}

	intent := &TradeIntent{
		IntentID:      uuid.New(),
		CorrelationID: correlationID,
		Symbol:        symbol,
		Direction:     res.Direction,
		Confidence:    res.Confidence,
		PriceHint:     priceHint,
		Reasoning:     fmt.Sprintf("%s fusion over %d signals", method, len(signals)),
		FusionMethod:  method,
		SignalIDs:     ids,
		CreatedAt:     now,
	}
	if intent.CorrelationID == uuid.Nil {
		intent.CorrelationID = intent.IntentID
	}
	return intent, res, nil
}
