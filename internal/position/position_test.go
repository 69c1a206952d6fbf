package position

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestID() uuid.UUID {
	return uuid.New()
}

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func assertDecimal(t *testing.T, expected float64, got decimal.Decimal) {
	t.Helper()
	diff, _ := got.Sub(d(expected)).Float64()
	assert.InDelta(t, 0, diff, 1e-6)
}

func TestOpenRejectsDuplicateSymbol(t *testing.T) {
	m := NewManager()
	_, err := m.Open("binance", "BTCUSDT", Long, d(1.0), d(50000), d(49000), d(53000))
	require.NoError(t, err)

	_, err = m.Open("binance", "BTCUSDT", Short, d(1.0), d(51000), d(52000), d(48000))
	assert.Error(t, err, "at most one open position per (exchange, symbol)")
}

func TestOpenRejectsBadOrderingLong(t *testing.T) {
	m := NewManager()
	_, err := m.Open("binance", "BTCUSDT", Long, d(1.0), d(50000), d(51000), d(53000))
	assert.Error(t, err)
}

func TestOpenRejectsBadOrderingShort(t *testing.T) {
	m := NewManager()
	_, err := m.Open("binance", "BTCUSDT", Short, d(1.0), d(50000), d(49000), d(53000))
	assert.Error(t, err)
}

func TestIncreaseAveragesEntryPrice(t *testing.T) {
	m := NewManager()
	pos, err := m.Open("binance", "BTCUSDT", Long, d(1.0), d(50000), d(49000), d(53000))
	require.NoError(t, err)

	err = m.Increase(pos.PositionID, d(1.0), d(52000), d(0))
	require.NoError(t, err)

	got, _ := m.Get(pos.PositionID)
	assertDecimal(t, 51000.0, got.AverageEntryPrice)
	assertDecimal(t, 2.0, got.Quantity)
}

func TestDecreasePartialRealizesProportionalPnL(t *testing.T) {
	m := NewManager()
	pos, err := m.Open("binance", "BTCUSDT", Long, d(2.0), d(50000), d(49000), d(53000))
	require.NoError(t, err)

	pnl, closed, err := m.Decrease(pos.PositionID, d(1.0), d(52000), d(5))
	require.NoError(t, err)
	assert.False(t, closed)
	assertDecimal(t, 1995.0, pnl) // (52000-50000)*1 - 5

	got, _ := m.Get(pos.PositionID)
	assertDecimal(t, 1.0, got.Quantity)
	assert.Equal(t, Open, got.Status)
}

func TestDecreaseToZeroClosesPosition(t *testing.T) {
	m := NewManager()
	pos, err := m.Open("binance", "BTCUSDT", Long, d(1.0), d(50000), d(49000), d(53000))
	require.NoError(t, err)

	pnl, closed, err := m.Decrease(pos.PositionID, d(1.0), d(52000), d(0))
	require.NoError(t, err)
	assert.True(t, closed)
	assertDecimal(t, 2000.0, pnl)

	got, _ := m.Get(pos.PositionID)
	assert.Equal(t, Closed, got.Status)
	assert.NotNil(t, got.ClosedAt)

	_, ok := m.OpenForSymbol("binance", "BTCUSDT")
	assert.False(t, ok, "closed position must no longer be open for its symbol")
}

func TestCloseShortRealizesPnLFormula(t *testing.T) {
	m := NewManager()
	pos, err := m.Open("binance", "ETHUSDT", Short, d(10.0), d(3000), d(3100), d(2700))
	require.NoError(t, err)

	pnl, err := m.Close(pos.PositionID, d(2800), d(20))
	require.NoError(t, err)
	assertDecimal(t, 1980.0, pnl) // (3000-2800)*10 - 20
}

func TestUpdatePriceTracksUnrealizedPnL(t *testing.T) {
	m := NewManager()
	pos, err := m.Open("binance", "BTCUSDT", Long, d(2.0), d(50000), d(49000), d(53000))
	require.NoError(t, err)

	err = m.UpdatePrice(pos.PositionID, d(51000))
	require.NoError(t, err)

	got, _ := m.Get(pos.PositionID)
	assertDecimal(t, 2000.0, got.UnrealizedPnL)
}

func TestUpdatePriceFiresStopLossTrigger(t *testing.T) {
	m := NewManager()
	pos, err := m.Open("binance", "BTCUSDT", Long, d(1.0), d(50000), d(49000), d(53000))
	require.NoError(t, err)

	var fired StopTrigger
	m.OnTrigger(func(tr StopTrigger) { fired = tr })

	err = m.UpdatePrice(pos.PositionID, d(48900))
	require.NoError(t, err)

	assert.Equal(t, pos.PositionID, fired.PositionID)
	assert.Equal(t, "stop_loss", fired.Reason)
}

func TestUpdatePriceFiresTakeProfitTriggerShort(t *testing.T) {
	m := NewManager()
	pos, err := m.Open("binance", "BTCUSDT", Short, d(1.0), d(50000), d(51000), d(47000))
	require.NoError(t, err)

	var fired StopTrigger
	m.OnTrigger(func(tr StopTrigger) { fired = tr })

	err = m.UpdatePrice(pos.PositionID, d(46900))
	require.NoError(t, err)
	assert.Equal(t, "take_profit", fired.Reason)
}

func TestUpdateThenCloseAtSamePriceMatchesUnrealized(t *testing.T) {
	// R1: open -> update -> close at the same price yields realized P&L
	// equal to the pre-close unrealized P&L (ignoring fees).
	m := NewManager()
	pos, err := m.Open("binance", "BTCUSDT", Long, d(1.5), d(50000), d(49000), d(53000))
	require.NoError(t, err)

	require.NoError(t, m.UpdatePrice(pos.PositionID, d(51500)))
	got, _ := m.Get(pos.PositionID)
	preCloseUnrealized := got.UnrealizedPnL

	realized, err := m.Close(pos.PositionID, d(51500), d(0))
	require.NoError(t, err)
	diff, _ := preCloseUnrealized.Sub(realized).Float64()
	assert.InDelta(t, 0, diff, 1e-6)
}

func TestStatsAccumulateAcrossCloses(t *testing.T) {
	m := NewManager()

	pos1, _ := m.Open("binance", "BTCUSDT", Long, d(1.0), d(50000), d(49000), d(53000))
	_, err := m.Close(pos1.PositionID, d(52000), d(0)) // win +2000
	require.NoError(t, err)

	pos2, _ := m.Open("binance", "ETHUSDT", Long, d(1.0), d(3000), d(2900), d(3300))
	_, err = m.Close(pos2.PositionID, d(2900), d(0)) // loss -100
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TradesTotal)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assertDecimal(t, 2000.0, stats.AverageWin)
	assertDecimal(t, 100.0, stats.AverageLoss)
	assert.InDelta(t, 20.0, stats.ProfitFactor, 1e-6)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-6)
}

func TestDecreaseRejectsExceedingQuantity(t *testing.T) {
	m := NewManager()
	pos, err := m.Open("binance", "BTCUSDT", Long, d(1.0), d(50000), d(49000), d(53000))
	require.NoError(t, err)

	_, _, err = m.Decrease(pos.PositionID, d(2.0), d(52000), d(0))
	assert.Error(t, err)
}

func TestRestoreBypassesUniquenessForReconciliation(t *testing.T) {
	m := NewManager()
	pos := &Position{
		PositionID:        newTestID(),
		Symbol:            "BTCUSDT",
		Exchange:          "binance",
		Side:              Long,
		Quantity:          d(1.0),
		AverageEntryPrice: d(50000),
		Status:            Open,
	}
	m.Restore(pos)

	got, ok := m.OpenForSymbol("binance", "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, pos.PositionID, got.PositionID)
}
