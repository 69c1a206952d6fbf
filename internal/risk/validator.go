package risk

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RejectionReason enumerates the named reasons the validator publishes on
// trade.rejection.
type RejectionReason string

const (
	LowConfidence      RejectionReason = "low_confidence"
	PoorRR             RejectionReason = "poor_rr"
	TradeRiskLimit     RejectionReason = "trade_risk_limit"
	PortfolioRiskLimit RejectionReason = "portfolio_risk_limit"
	CorrelationLimit   RejectionReason = "correlation_limit"
)

// Config holds every tunable the validator's gates read from the
// configuration surface. These are all dimensionless fractions, not
// money, and stay float64 per spec.md §9.
type Config struct {
	MinConfidence          float64
	MinRRRatio             float64
	MaxSingleTradeRisk     float64
	MaxPortfolioRisk       float64
	MaxCorrelationExposure float64
	CorrelationThreshold   float64
}

func DefaultConfig() Config {
	return Config{
		MinConfidence:          0.6,
		MinRRRatio:             1.5,
		MaxSingleTradeRisk:     0.02,
		MaxPortfolioRisk:       0.06,
		MaxCorrelationExposure: 0.1,
		CorrelationThreshold:   0.7,
	}
}

// Intent is the subset of a fused trade intent the validator gates on.
// Price fields are fixed-point decimal.Decimal per spec.md §9; Confidence
// is a dimensionless score and stays float64.
type Intent struct {
	IntentID   uuid.UUID
	Symbol     string
	Confidence float64
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// rewardRiskRatio computes reward/risk from entry, stop and target,
// independent of direction (both long and short give a positive ratio
// as long as the stop/target ordering invariant already holds). The
// ratio itself is a dimensionless float64.
func (i Intent) rewardRiskRatio() float64 {
	risk := i.EntryPrice.Sub(i.StopLoss).Abs()
	reward := i.TakeProfit.Sub(i.EntryPrice).Abs()
	if !risk.IsPositive() {
		return 0
	}
	ratio, _ := reward.Div(risk).Float64()
	return ratio
}

// Portfolio is the snapshot of portfolio state the validator needs for
// gates 3-5.
type Portfolio struct {
	Equity               decimal.Decimal
	CurrentPortfolioRisk decimal.Decimal // sum of open positions' risk, in value terms
	// ExposureBySymbol is the current notional exposure per open symbol,
	// used by the correlation gate.
	ExposureBySymbol map[string]decimal.Decimal
}

// Assessment mirrors the RiskAssessment record published on approval or
// rejection. RiskScore is a dimensionless [0,1] score and stays float64;
// every other quantity is money or quantity and is decimal.Decimal.
type Assessment struct {
	IntentID            uuid.UUID       `json:"intent_id"`
	Approved            bool            `json:"approved"`
	RiskScore           float64         `json:"risk_score"`
	PositionQuantity    decimal.Decimal `json:"position_quantity"`
	StopLossPrice       decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice     decimal.Decimal `json:"take_profit_price"`
	MaxLossValue        decimal.Decimal `json:"max_loss_value"`
	ValueAtRiskEstimate decimal.Decimal `json:"value_at_risk_estimate"`
	Reason              RejectionReason `json:"reason,omitempty"`
	MarketRegime        string          `json:"market_regime,omitempty"`
}

// CorrelationMatrix tracks pairwise correlations between symbols so gate
// 5 can sum exposure across correlated instruments rather than just the
// traded symbol itself. Correlation coefficients are dimensionless and
// stay float64; exposure amounts are decimal.Decimal.
type CorrelationMatrix struct {
	mu    sync.RWMutex
	pairs map[string]map[string]float64
}

func NewCorrelationMatrix() *CorrelationMatrix {
	return &CorrelationMatrix{pairs: make(map[string]map[string]float64)}
}

// Set records the correlation coefficient between two symbols.
// Symmetric: Set(a, b, rho) makes Correlation(a, b) == Correlation(b, a).
func (m *CorrelationMatrix) Set(a, b string, rho float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pairs[a] == nil {
		m.pairs[a] = make(map[string]float64)
	}
	if m.pairs[b] == nil {
		m.pairs[b] = make(map[string]float64)
	}
	m.pairs[a][b] = rho
	m.pairs[b][a] = rho
}

// Correlation returns the recorded coefficient between two symbols, or 1
// when they are the same symbol, or 0 when no entry exists.
func (m *CorrelationMatrix) Correlation(a, b string) float64 {
	if a == b {
		return 1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := m.pairs[a]; ok {
		return row[b]
	}
	return 0
}

// CorrelatedExposure sums the exposure of every symbol (including the
// target symbol itself) whose correlation with symbol meets threshold.
func (m *CorrelationMatrix) CorrelatedExposure(symbol string, threshold float64, exposure map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for s, exp := range exposure {
		if math.Abs(m.Correlation(symbol, s)) >= threshold {
			total = total.Add(exp)
		}
	}
	return total
}

// Validator runs the five ordered gates of the risk validation pipeline.
type Validator struct {
	cfg         Config
	correlation *CorrelationMatrix
}

func NewValidator(cfg Config, correlation *CorrelationMatrix) *Validator {
	if correlation == nil {
		correlation = NewCorrelationMatrix()
	}
	return &Validator{cfg: cfg, correlation: correlation}
}

// reject builds a rejected Assessment, short-circuiting the remaining
// gates.
func reject(intentID uuid.UUID, reason RejectionReason) Assessment {
	return Assessment{IntentID: intentID, Approved: false, Reason: reason}
}

// Validate applies the five gates in spec order and, if every gate
// passes, returns an approved Assessment carrying the risk score and the
// diagnostic VaR estimate.
func (v *Validator) Validate(intent Intent, quantity decimal.Decimal, portfolio Portfolio, varEstimate decimal.Decimal) Assessment {
	if intent.Confidence < v.cfg.MinConfidence {
		return reject(intent.IntentID, LowConfidence)
	}

	if intent.rewardRiskRatio() < v.cfg.MinRRRatio {
		return reject(intent.IntentID, PoorRR)
	}

	// A sizer that came back with zero quantity (e.g. volatility-scaled
	// sizing against a flat ATR) carries no tradeable size; reject it
	// under the same reason as an oversized position rather than
	// approving a no-op trade.
	if !quantity.IsPositive() {
		return reject(intent.IntentID, TradeRiskLimit)
	}

	stopDistance := intent.EntryPrice.Sub(intent.StopLoss).Abs()
	proposedRisk := stopDistance.Mul(quantity)

	maxSingleTradeRisk := decimal.NewFromFloat(v.cfg.MaxSingleTradeRisk)
	maxPortfolioRisk := decimal.NewFromFloat(v.cfg.MaxPortfolioRisk)
	maxCorrelationExposure := decimal.NewFromFloat(v.cfg.MaxCorrelationExposure)

	if proposedRisk.GreaterThan(maxSingleTradeRisk.Mul(portfolio.Equity)) {
		return reject(intent.IntentID, TradeRiskLimit)
	}

	if portfolio.CurrentPortfolioRisk.Add(proposedRisk).GreaterThan(maxPortfolioRisk.Mul(portfolio.Equity)) {
		return reject(intent.IntentID, PortfolioRiskLimit)
	}

	correlatedExposure := v.correlation.CorrelatedExposure(intent.Symbol, v.cfg.CorrelationThreshold, portfolio.ExposureBySymbol)
	correlatedExposure = correlatedExposure.Add(quantity.Mul(intent.EntryPrice))
	if correlatedExposure.GreaterThan(maxCorrelationExposure.Mul(portfolio.Equity)) {
		return reject(intent.IntentID, CorrelationLimit)
	}

	riskScoreDec := proposedRisk.Div(maxSingleTradeRisk.Mul(portfolio.Equity))
	riskScore, _ := riskScoreDec.Float64()
	riskScore = math.Max(0, math.Min(1, riskScore))

	return Assessment{
		IntentID:            intent.IntentID,
		Approved:            true,
		RiskScore:           riskScore,
		PositionQuantity:    quantity,
		StopLossPrice:       intent.StopLoss,
		TakeProfitPrice:     intent.TakeProfit,
		MaxLossValue:        proposedRisk,
		ValueAtRiskEstimate: varEstimate,
	}
}
