package stops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeATRProducesPositiveValueFromTrendingBars(t *testing.T) {
	highs := []float64{101, 103, 104, 106, 108, 110, 111, 113, 115, 116, 118, 120, 121, 123, 125}
	lows := []float64{99, 100, 101, 103, 105, 107, 108, 110, 112, 113, 115, 117, 118, 120, 122}
	closes := []float64{100, 102, 103, 105, 107, 109, 110, 112, 114, 115, 117, 119, 120, 122, 124}

	atr, err := ComputeATR(highs, lows, closes, 14)
	require.NoError(t, err)
	assert.Greater(t, atr, 0.0)
}

func TestComputeATRRejectsMismatchedSeriesLengths(t *testing.T) {
	_, err := ComputeATR([]float64{1, 2}, []float64{1}, []float64{1, 2}, 1)
	assert.Error(t, err)
}

func TestComputeATRRejectsPeriodLargerThanSeries(t *testing.T) {
	_, err := ComputeATR([]float64{1, 2}, []float64{1, 2}, []float64{1, 2}, 14)
	assert.Error(t, err)
}

func TestATRBasedAcceptsComputedATR(t *testing.T) {
	highs := []float64{101, 103, 104, 106, 108, 110, 111, 113, 115, 116, 118, 120, 121, 123, 125}
	lows := []float64{99, 100, 101, 103, 105, 107, 108, 110, 112, 113, 115, 117, 118, 120, 122}
	closes := []float64{100, 102, 103, 105, 107, 109, 110, 112, 114, 115, 117, 119, 120, 122, 124}

	atr, err := ComputeATR(highs, lows, closes, 14)
	require.NoError(t, err)

	cfg := DefaultConfig()
	res, err := ATRBased(Inputs{EntryPrice: closes[len(closes)-1], IsLong: true, ATR: atr}, cfg)
	require.NoError(t, err)
	assert.Less(t, res.StopLoss, closes[len(closes)-1])
}
