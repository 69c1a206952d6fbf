// Package analysis implements the execution analyzer (C9): it scores
// each fill against its pre-trade expected price for slippage, cost,
// and overall execution quality.
package analysis

import (
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/tradecore/internal/exchange"
)

// Config holds the tunables for cost/quality scoring.
type Config struct {
	SlippageBudget float64 // slippage_pct clip ceiling, default 0.01 (1%)
	CostBudget     float64 // cost_pct clip ceiling, default 0.01 (1%)
	SpeedBudget    time.Duration
}

func DefaultConfig() Config {
	return Config{
		SlippageBudget: 0.01,
		CostBudget:     0.01,
		SpeedBudget:    10 * time.Second,
	}
}

// Report is the execution.report record published keyed by order_id.
type Report struct {
	OrderID        uuid.UUID
	Slippage       float64 // signed fraction; positive is adverse
	Cost           float64 // fees + |slippage| * notional
	QualityScore   float64 // 0-100
	ExpectedPrice  float64
	ActualPrice    float64
	Notional       float64
	LatencySeconds float64
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Slippage computes the signed slippage fraction: positive means the
// fill was worse than expected. Buys are penalized for paying more;
// sells are penalized for receiving less (hence the negation).
func Slippage(side exchange.OrderSide, expected, actual float64) float64 {
	s := (actual - expected) / expected
	if side == exchange.OrderSideSell {
		s = -s
	}
	return s
}

// Analyze scores a single fill against its pre-trade expected price.
func Analyze(orderID uuid.UUID, side exchange.OrderSide, expected, actual, quantity, fees float64, fillTime, submittedAt time.Time, cfg Config) Report {
	slippage := Slippage(side, expected, actual)
	notional := actual * quantity
	cost := fees + abs(slippage)*notional

	slippagePct := clip(abs(slippage), 0, cfg.SlippageBudget) / cfg.SlippageBudget
	var costPct float64
	if notional > 0 {
		costPct = clip(cost/notional, 0, cfg.CostBudget) / cfg.CostBudget
	}
	latencySeconds := fillTime.Sub(submittedAt).Seconds()
	speedScore := clip(1-latencySeconds/cfg.SpeedBudget.Seconds(), 0, 1) * 100

	quality := 0.5*(1-slippagePct)*100 + 0.3*(1-costPct)*100 + 0.2*speedScore

	return Report{
		OrderID:        orderID,
		Slippage:       slippage,
		Cost:           cost,
		QualityScore:   quality,
		ExpectedPrice:  expected,
		ActualPrice:    actual,
		Notional:       notional,
		LatencySeconds: latencySeconds,
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
