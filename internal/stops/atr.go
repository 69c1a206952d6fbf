package stops

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
)

// ComputeATR derives the current (most recent) Average True Range from
// parallel high/low/close bar series, for callers that have raw OHLC
// data rather than a pre-computed ATR (e.g. a warm-up job seeding
// ATRBased placement or volatility-scaled sizing from historical bars).
func ComputeATR(highs, lows, closes []float64, period int) (float64, error) {
	if len(highs) != len(lows) || len(highs) != len(closes) {
		return 0, fmt.Errorf("stops: high/low/close series must have equal length")
	}
	if period < 1 || period > len(closes) {
		return 0, fmt.Errorf("stops: invalid ATR period %d for %d bars", period, len(closes))
	}

	highChan := sliceToChan(highs)
	lowChan := sliceToChan(lows)
	closeChan := sliceToChan(closes)

	atrIndicator := volatility.NewAtrWithPeriod[float64](period)
	atrChan := atrIndicator.Compute(highChan, lowChan, closeChan)

	var last float64
	found := false
	for v := range atrChan {
		last = v
		found = true
	}
	if !found {
		return 0, fmt.Errorf("stops: no ATR values produced (insufficient bars for period %d)", period)
	}
	return last, nil
}

func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}
