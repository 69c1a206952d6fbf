// Package sizing implements the position sizer (C4): it turns a trade
// intent's confidence and stop distance into an order quantity.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Method names a sizing strategy.
type Method string

const (
	MethodFixedFractional  Method = "fixed_fractional"
	MethodKelly            Method = "kelly"
	MethodVolatilityScaled Method = "volatility_scaled"
	MethodHybrid           Method = "hybrid"
)

// Config holds the tunables from the configuration surface relevant to
// sizing. These are all dimensionless fractions, not money, and stay
// float64 per spec.md §9 ("percentages are fractions in [0,1]").
type Config struct {
	RiskPerTrade        float64
	MaxPositionFraction float64
	KellyCap            float64
	KellyFloor          float64
	ATRMultiplier       float64
}

func DefaultConfig() Config {
	return Config{
		RiskPerTrade:        0.01,
		MaxPositionFraction: 0.2,
		KellyCap:            0.25,
		KellyFloor:          0.01,
		ATRMultiplier:       2.0,
	}
}

// Inputs bundles every quantity a sizing method might need. Not every
// field is required by every method. Money and price fields are
// decimal.Decimal per spec.md §9; win probability, reward/risk ratio,
// and confidence are dimensionless ratios and stay float64.
type Inputs struct {
	AccountEquity   decimal.Decimal
	EntryPrice      decimal.Decimal
	StopDistance    decimal.Decimal // absolute price distance to the stop
	Confidence      float64
	WinProbability  float64         // rolling win rate, for Kelly
	RewardRiskRatio float64         // reward:risk ratio b, for Kelly
	ATR             decimal.Decimal // average true range, for volatility-scaled
	LotSize         decimal.Decimal // exchange quantization step; zero disables quantization
}

// Result is the sizer's output for one intent.
type Result struct {
	Quantity      decimal.Decimal
	QuantityValue decimal.Decimal // notional value = quantity * entry price
	Method        Method
	Diagnostics   map[string]interface{}
}

func (i Inputs) stopDistanceFraction() float64 {
	if !i.EntryPrice.IsPositive() {
		return 0
	}
	f, _ := i.StopDistance.Div(i.EntryPrice).Float64()
	return f
}

// FixedFractional sizes so that a stop-out loses exactly risk_per_trade
// of equity, capped at max_position_fraction of equity.
func FixedFractional(in Inputs, cfg Config) (Result, error) {
	fraction := in.stopDistanceFraction()
	if fraction <= 0 {
		return Result{}, fmt.Errorf("sizing: stop distance fraction must be positive")
	}

	quantityValue := in.AccountEquity.Mul(decimal.NewFromFloat(cfg.RiskPerTrade)).Div(decimal.NewFromFloat(fraction))
	cap := in.AccountEquity.Mul(decimal.NewFromFloat(cfg.MaxPositionFraction))
	capped := quantityValue.GreaterThan(cap)
	if capped {
		quantityValue = cap
	}

	qty := quantize(quantityValue.Div(in.EntryPrice), in.LotSize)
	return Result{
		Quantity:      qty,
		QuantityValue: qty.Mul(in.EntryPrice),
		Method:        MethodFixedFractional,
		Diagnostics:   map[string]interface{}{"stop_distance_fraction": fraction, "capped": capped},
	}, nil
}

// Kelly sizes using the quarter-Kelly-capped criterion, scaled by signal
// confidence.
func Kelly(in Inputs, cfg Config) (Result, error) {
	if in.RewardRiskRatio <= 0 {
		return Result{}, fmt.Errorf("sizing: reward/risk ratio must be positive for Kelly sizing")
	}
	p := in.WinProbability
	b := in.RewardRiskRatio

	kellyRaw := (b*p - (1 - p)) / b
	capped := kellyRaw
	if capped > cfg.KellyCap {
		capped = cfg.KellyCap
	}
	if capped < 0 {
		capped = 0
	}

	f := capped * in.Confidence

	// Floor applies only when the raw, uncapped Kelly fraction was
	// already positive; a negative edge is rejected outright rather than
	// floored up into a trade.
	if kellyRaw > 0 && f < cfg.KellyFloor {
		f = cfg.KellyFloor
	}
	if kellyRaw <= 0 {
		f = 0
	}

	quantityValue := in.AccountEquity.Mul(decimal.NewFromFloat(f))
	cap := in.AccountEquity.Mul(decimal.NewFromFloat(cfg.MaxPositionFraction))
	if quantityValue.GreaterThan(cap) {
		quantityValue = cap
	}

	qty := decimal.Zero
	if in.EntryPrice.IsPositive() {
		qty = quantize(quantityValue.Div(in.EntryPrice), in.LotSize)
	}
	return Result{
		Quantity:      qty,
		QuantityValue: qty.Mul(in.EntryPrice),
		Method:        MethodKelly,
		Diagnostics: map[string]interface{}{
			"kelly_raw":    kellyRaw,
			"kelly_capped": capped,
			"fraction":     f,
		},
	}, nil
}

// VolatilityScaled derives the stop distance from ATR, then sizes by the
// fixed-fractional rule against that distance. An ATR of zero (a flat or
// not-yet-warmed-up series) yields a zero-quantity result rather than an
// error, so the caller's intent still flows downstream and gets rejected
// by the risk validator with trade_risk_limit instead of failing outright.
func VolatilityScaled(in Inputs, cfg Config) (Result, error) {
	if !in.ATR.IsPositive() {
		return Result{
			Quantity:      decimal.Zero,
			QuantityValue: decimal.Zero,
			Method:        MethodVolatilityScaled,
			Diagnostics:   map[string]interface{}{"atr_stop_distance": decimal.Zero, "zero_atr": true},
		}, nil
	}
	stopDistance := in.ATR.Mul(decimal.NewFromFloat(cfg.ATRMultiplier))
	scaled := in
	scaled.StopDistance = stopDistance
	res, err := FixedFractional(scaled, cfg)
	if err != nil {
		return Result{}, err
	}
	res.Method = MethodVolatilityScaled
	res.Diagnostics["atr_stop_distance"] = stopDistance
	return res, nil
}

// Hybrid takes the more conservative (smaller) of Kelly and fixed
// fractional, then applies the absolute max_position_fraction cap.
func Hybrid(in Inputs, cfg Config) (Result, error) {
	kellyRes, kellyErr := Kelly(in, cfg)
	ffRes, ffErr := FixedFractional(in, cfg)
	if kellyErr != nil && ffErr != nil {
		return Result{}, fmt.Errorf("sizing: hybrid sizing failed: kelly=%v fixed_fractional=%v", kellyErr, ffErr)
	}

	var chosen Result
	switch {
	case kellyErr != nil:
		chosen = ffRes
	case ffErr != nil:
		chosen = kellyRes
	case kellyRes.QuantityValue.LessThanOrEqual(ffRes.QuantityValue):
		chosen = kellyRes
	default:
		chosen = ffRes
	}

	cap := in.AccountEquity.Mul(decimal.NewFromFloat(cfg.MaxPositionFraction))
	if chosen.QuantityValue.GreaterThan(cap) && in.EntryPrice.IsPositive() {
		chosen.Quantity = quantize(cap.Div(in.EntryPrice), in.LotSize)
		chosen.QuantityValue = chosen.Quantity.Mul(in.EntryPrice)
	}
	chosen.Method = MethodHybrid
	chosen.Diagnostics = map[string]interface{}{"kelly": kellyRes, "fixed_fractional": ffRes}
	return chosen, nil
}

// Size dispatches to the requested method.
func Size(method Method, in Inputs, cfg Config) (Result, error) {
	switch method {
	case MethodFixedFractional:
		return FixedFractional(in, cfg)
	case MethodKelly:
		return Kelly(in, cfg)
	case MethodVolatilityScaled:
		return VolatilityScaled(in, cfg)
	case MethodHybrid, "":
		return Hybrid(in, cfg)
	default:
		return Result{}, fmt.Errorf("sizing: unknown method %q", method)
	}
}

// quantize rounds a raw quantity down to the nearest multiple of lotSize.
// A non-positive lotSize disables quantization.
func quantize(qty, lotSize decimal.Decimal) decimal.Decimal {
	if !lotSize.IsPositive() || !qty.IsPositive() {
		if qty.IsNegative() {
			return decimal.Zero
		}
		return qty
	}
	steps := qty.Div(lotSize).Floor()
	return steps.Mul(lotSize)
}
