package risk

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func baseIntent() Intent {
	return Intent{
		IntentID:   uuid.New(),
		Symbol:     "BTCUSDT",
		Confidence: 0.8,
		EntryPrice: d(50000),
		StopLoss:   d(49000),
		TakeProfit: d(53000), // RR = 3000/1000 = 3.0
	}
}

func basePortfolio() Portfolio {
	return Portfolio{
		Equity:               d(100000),
		CurrentPortfolioRisk: decimal.Zero,
		ExposureBySymbol:     map[string]decimal.Decimal{},
	}
}

func TestValidateApprovesCleanIntent(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil)
	// quantity 0.1 -> notional 5000, under the 10% of 100000 = 10000 correlation ceiling
	a := v.Validate(baseIntent(), d(0.1), basePortfolio(), d(250.0))
	assert.True(t, a.Approved)
	assert.Empty(t, a.Reason)
	assert.True(t, d(250.0).Equal(a.ValueAtRiskEstimate))
	assert.GreaterOrEqual(t, a.RiskScore, 0.0)
	assert.LessOrEqual(t, a.RiskScore, 1.0)
}

func TestValidateRejectsLowConfidence(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil)
	intent := baseIntent()
	intent.Confidence = 0.3
	a := v.Validate(intent, d(1.0), basePortfolio(), decimal.Zero)
	assert.False(t, a.Approved)
	assert.Equal(t, LowConfidence, a.Reason)
}

func TestValidateRejectsPoorRR(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil)
	intent := baseIntent()
	intent.TakeProfit = d(50500) // RR = 500/1000 = 0.5
	a := v.Validate(intent, d(1.0), basePortfolio(), decimal.Zero)
	assert.False(t, a.Approved)
	assert.Equal(t, PoorRR, a.Reason)
}

func TestValidateRejectsTradeRiskLimit(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil)
	intent := baseIntent()
	// stop distance 1000, quantity 10 -> risk 10000, limit is 2% of 100000 = 2000
	a := v.Validate(intent, d(10), basePortfolio(), decimal.Zero)
	assert.False(t, a.Approved)
	assert.Equal(t, TradeRiskLimit, a.Reason)
}

func TestValidateRejectsZeroQuantityAsTradeRiskLimit(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil)
	intent := baseIntent()
	// A sizer that returned zero quantity (e.g. volatility-scaled sizing
	// against a flat ATR, per boundary case B2) must be rejected under
	// trade_risk_limit rather than approved as a no-op trade.
	a := v.Validate(intent, decimal.Zero, basePortfolio(), decimal.Zero)
	assert.False(t, a.Approved)
	assert.Equal(t, TradeRiskLimit, a.Reason)
}

func TestValidateRejectsPortfolioRiskLimit(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil)
	intent := baseIntent()
	portfolio := basePortfolio()
	portfolio.CurrentPortfolioRisk = d(5900) // close to the 6% of 100000 = 6000 ceiling

	a := v.Validate(intent, d(0.5), portfolio, decimal.Zero) // proposed risk = 500, pushes total to 6400
	assert.False(t, a.Approved)
	assert.Equal(t, PortfolioRiskLimit, a.Reason)
}

func TestValidateRejectsCorrelationLimit(t *testing.T) {
	corr := NewCorrelationMatrix()
	corr.Set("BTCUSDT", "ETHUSDT", 0.9)

	v := NewValidator(DefaultConfig(), corr)
	intent := baseIntent()
	portfolio := basePortfolio()
	portfolio.ExposureBySymbol["ETHUSDT"] = d(9000) // already near the 10% of 100000 = 10000 ceiling

	a := v.Validate(intent, d(0.05), portfolio, decimal.Zero) // adds 0.05*50000 = 2500 correlated exposure
	assert.False(t, a.Approved)
	assert.Equal(t, CorrelationLimit, a.Reason)
}

func TestCorrelationMatrixSymmetric(t *testing.T) {
	corr := NewCorrelationMatrix()
	corr.Set("BTCUSDT", "ETHUSDT", 0.8)
	assert.Equal(t, 0.8, corr.Correlation("BTCUSDT", "ETHUSDT"))
	assert.Equal(t, 0.8, corr.Correlation("ETHUSDT", "BTCUSDT"))
	assert.Equal(t, 1.0, corr.Correlation("BTCUSDT", "BTCUSDT"))
	assert.Equal(t, 0.0, corr.Correlation("BTCUSDT", "SOLUSDT"))
}

func TestCorrelatedExposureSumsAboveThreshold(t *testing.T) {
	corr := NewCorrelationMatrix()
	corr.Set("BTCUSDT", "ETHUSDT", 0.9)
	corr.Set("BTCUSDT", "SOLUSDT", 0.2)

	exposure := map[string]decimal.Decimal{"ETHUSDT": d(1000), "SOLUSDT": d(2000)}
	total := corr.CorrelatedExposure("BTCUSDT", 0.7, exposure)
	assert.True(t, d(1000.0).Equal(total), "only the highly-correlated symbol's exposure should count")
}
