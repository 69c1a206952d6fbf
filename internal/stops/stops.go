// Package stops implements the stop placer (C6): it derives a
// (stop_loss, take_profit) pair for a position from one of four methods
// and, post-entry, can trail a stop behind favorable price movement.
package stops

import (
	"fmt"
	"math"
)

// Method names a stop-placement strategy.
type Method string

const (
	MethodATR              Method = "atr"
	MethodPercentage       Method = "percentage"
	MethodVolatility       Method = "volatility"
	MethodSupportResistance Method = "support_resistance"
)

// Config holds the tunables relevant to stop placement.
type Config struct {
	ATRMultiplier      float64
	DefaultRRRatio     float64
	PercentageDistance float64
	VolatilityK        float64
	TrailFraction      float64
	ActivationFraction float64
}

func DefaultConfig() Config {
	return Config{
		ATRMultiplier:      2.0,
		DefaultRRRatio:     2.0,
		PercentageDistance: 0.02,
		VolatilityK:        2.0,
		TrailFraction:      0.01,
		ActivationFraction: 0.01,
	}
}

// Inputs bundles the inputs a placement method might need.
type Inputs struct {
	EntryPrice float64
	IsLong     bool
	ATR        float64
	StdDev     float64
	Support    float64 // most recent support level, for long positions
	Resistance float64 // most recent resistance level, for short positions
	RRRatio    float64 // overrides Config.DefaultRRRatio when > 0
}

// Result is a placed stop-loss/take-profit pair.
type Result struct {
	StopLoss   float64
	TakeProfit float64
	Method     Method
}

func (r Inputs) rr(cfg Config) float64 {
	if r.RRRatio > 0 {
		return r.RRRatio
	}
	return cfg.DefaultRRRatio
}

// validate enforces the stop/entry/take-profit ordering invariant: for a
// long, stop_loss < entry < take_profit; for a short, the reverse.
func validate(entry, stop, tp float64, isLong bool) error {
	if isLong {
		if !(stop < entry && entry < tp) {
			return fmt.Errorf("stops: long ordering invariant violated: stop=%v entry=%v tp=%v", stop, entry, tp)
		}
		return nil
	}
	if !(tp < entry && entry < stop) {
		return fmt.Errorf("stops: short ordering invariant violated: stop=%v entry=%v tp=%v", stop, entry, tp)
	}
	return nil
}

// ATRBased derives stop distance from ATR, placing take-profit at
// rr * stop_distance beyond entry.
func ATRBased(in Inputs, cfg Config) (Result, error) {
	if in.ATR <= 0 {
		return Result{}, fmt.Errorf("stops: ATR must be positive")
	}
	distance := in.ATR * cfg.ATRMultiplier
	return place(in, distance, distance*in.rr(cfg), MethodATR)
}

// Percentage places a fixed fraction of entry price on both sides.
func Percentage(in Inputs, cfg Config) (Result, error) {
	if cfg.PercentageDistance <= 0 {
		return Result{}, fmt.Errorf("stops: percentage distance must be positive")
	}
	distance := in.EntryPrice * cfg.PercentageDistance
	return place(in, distance, distance*in.rr(cfg), MethodPercentage)
}

// Volatility places the stop k standard deviations from entry.
func Volatility(in Inputs, cfg Config) (Result, error) {
	if in.StdDev <= 0 {
		return Result{}, fmt.Errorf("stops: standard deviation must be positive")
	}
	distance := cfg.VolatilityK * in.StdDev
	return place(in, distance, distance*in.rr(cfg), MethodVolatility)
}

// SupportResistance places the stop 1% past the nearest support (long)
// or resistance (short), with take-profit at the opposing level or
// rr*stop_distance, whichever is farther from entry.
func SupportResistance(in Inputs, cfg Config) (Result, error) {
	if in.IsLong {
		if in.Support <= 0 || in.Support >= in.EntryPrice {
			return Result{}, fmt.Errorf("stops: support level must be positive and below entry")
		}
		stop := in.Support * 0.99
		distance := in.EntryPrice - stop
		tpByLevel := in.Resistance
		tpByRR := in.EntryPrice + distance*in.rr(cfg)
		tp := tpByRR
		if tpByLevel > tpByRR {
			tp = tpByLevel
		}
		return finish(in.EntryPrice, stop, tp, in.IsLong, MethodSupportResistance)
	}

	if in.Resistance <= 0 || in.Resistance <= in.EntryPrice {
		return Result{}, fmt.Errorf("stops: resistance level must be positive and above entry")
	}
	stop := in.Resistance * 1.01
	distance := stop - in.EntryPrice
	tpByLevel := in.Support
	tpByRR := in.EntryPrice - distance*in.rr(cfg)
	tp := tpByRR
	if tpByLevel > 0 && tpByLevel < tpByRR {
		tp = tpByLevel
	}
	return finish(in.EntryPrice, stop, tp, in.IsLong, MethodSupportResistance)
}

func place(in Inputs, stopDistance, tpDistance float64, method Method) (Result, error) {
	var stop, tp float64
	if in.IsLong {
		stop = in.EntryPrice - stopDistance
		tp = in.EntryPrice + tpDistance
	} else {
		stop = in.EntryPrice + stopDistance
		tp = in.EntryPrice - tpDistance
	}
	return finish(in.EntryPrice, stop, tp, in.IsLong, method)
}

func finish(entry, stop, tp float64, isLong bool, method Method) (Result, error) {
	if err := validate(entry, stop, tp, isLong); err != nil {
		return Result{}, err
	}
	return Result{StopLoss: stop, TakeProfit: tp, Method: method}, nil
}

// Place dispatches to the requested method.
func Place(method Method, in Inputs, cfg Config) (Result, error) {
	switch method {
	case MethodATR, "":
		return ATRBased(in, cfg)
	case MethodPercentage:
		return Percentage(in, cfg)
	case MethodVolatility:
		return Volatility(in, cfg)
	case MethodSupportResistance:
		return SupportResistance(in, cfg)
	default:
		return Result{}, fmt.Errorf("stops: unknown method %q", method)
	}
}

// Trailer tracks a trailing stop for an open position. Once the
// unrealized gain reaches activation_fraction of entry price, the stop
// follows price at trail_fraction behind it and never retreats.
type Trailer struct {
	entryPrice float64
	isLong     bool
	cfg        Config
	activated  bool
	stop       float64
}

func NewTrailer(entryPrice, initialStop float64, isLong bool, cfg Config) *Trailer {
	return &Trailer{entryPrice: entryPrice, isLong: isLong, cfg: cfg, stop: initialStop}
}

// Update folds a new price observation into the trailer and returns the
// current stop level.
func (t *Trailer) Update(currentPrice float64) float64 {
	gain := (currentPrice - t.entryPrice) / t.entryPrice
	if !t.isLong {
		gain = -gain
	}

	if !t.activated {
		if gain >= t.cfg.ActivationFraction {
			t.activated = true
		} else {
			return t.stop
		}
	}

	if t.isLong {
		candidate := currentPrice * (1 - t.cfg.TrailFraction)
		t.stop = math.Max(t.stop, candidate)
	} else {
		candidate := currentPrice * (1 + t.cfg.TrailFraction)
		t.stop = math.Min(t.stop, candidate)
	}
	return t.stop
}

// Stop returns the current stop level without processing a new price.
func (t *Trailer) Stop() float64 {
	return t.stop
}

// Activated reports whether the trailing stop has started following price.
func (t *Trailer) Activated() bool {
	return t.activated
}
