// Package position implements the position manager (C8): it owns the
// lifecycle of open positions, their unrealized/realized P&L, and the
// running performance statistics the engine publishes.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is a position's directional exposure.
type Side string

const (
	Long  Side = "Long"
	Short Side = "Short"
)

// Status is a position's lifecycle state.
type Status string

const (
	Open   Status = "Open"
	Closed Status = "Closed"
)

// Position mirrors the spec's Position record. Every monetary field is a
// fixed-point decimal.Decimal rather than float64, per the engine-wide
// requirement that money never be represented in binary floating point.
type Position struct {
	PositionID        uuid.UUID       `json:"position_id"`
	Symbol            string          `json:"symbol"`
	Exchange          string          `json:"exchange"`
	Side              Side            `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	StopLoss          decimal.Decimal `json:"stop_loss"`
	TakeProfit        decimal.Decimal `json:"take_profit"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	Fees              decimal.Decimal `json:"fees"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	Status            Status          `json:"status"`
}

// Stats are the running performance statistics the manager maintains
// across every closed position. AverageWin/AverageLoss/GrossGains/
// GrossLosses are money and carried as decimals; ProfitFactor and
// WinRate are dimensionless ratios and stay float64.
type Stats struct {
	TradesTotal  int             `json:"trades_total"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	GrossGains   decimal.Decimal `json:"-"`
	GrossLosses  decimal.Decimal `json:"-"`
	AverageWin   decimal.Decimal `json:"average_win"`
	AverageLoss  decimal.Decimal `json:"average_loss"`
	ProfitFactor float64         `json:"profit_factor"`
	WinRate      float64         `json:"win_rate"`
}

func (s *Stats) record(realizedPnL decimal.Decimal) {
	s.TradesTotal++
	if realizedPnL.Sign() >= 0 {
		s.Wins++
		s.GrossGains = s.GrossGains.Add(realizedPnL)
	} else {
		s.Losses++
		s.GrossLosses = s.GrossLosses.Add(realizedPnL.Neg())
	}
	if s.Wins > 0 {
		s.AverageWin = s.GrossGains.Div(decimal.NewFromInt(int64(s.Wins)))
	}
	if s.Losses > 0 {
		s.AverageLoss = s.GrossLosses.Div(decimal.NewFromInt(int64(s.Losses)))
	}
	if s.GrossLosses.IsPositive() {
		f, _ := s.GrossGains.Div(s.GrossLosses).Float64()
		s.ProfitFactor = f
	} else if s.GrossGains.IsPositive() {
		// no losses yet; treat as unbounded upside, reported as gross gains
		f, _ := s.GrossGains.Float64()
		s.ProfitFactor = f
	}
	if s.TradesTotal > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TradesTotal)
	}
}

// StopTrigger describes a detected stop/take-profit breach that needs a
// recovery close because the exchange-side child order appears missing.
type StopTrigger struct {
	PositionID uuid.UUID
	Reason     string // "stop_loss" or "take_profit"
	Price      decimal.Decimal
}

// Manager tracks open positions in memory, enforcing at most one Open
// position per (exchange, symbol).
type Manager struct {
	mu        sync.RWMutex
	open      map[string]*Position // key: exchange + "|" + symbol
	byID      map[uuid.UUID]*Position
	stats     Stats
	onTrigger func(StopTrigger)
}

func NewManager() *Manager {
	return &Manager{
		open: make(map[string]*Position),
		byID: make(map[uuid.UUID]*Position),
	}
}

// OnTrigger registers a callback invoked when update_price detects a
// stop/take-profit breach, giving the caller (the order executor) a
// chance to verify the exchange-side child order actually fired and, if
// not, force a recovery close.
func (m *Manager) OnTrigger(fn func(StopTrigger)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrigger = fn
}

func key(exchange, symbol string) string {
	return exchange + "|" + symbol
}

// Open opens a new position, rejecting if one is already open for
// (exchange, symbol) — invariant P1.
func (m *Manager) Open(exchange, symbol string, side Side, qty, entry, stop, tp decimal.Decimal) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(exchange, symbol)
	if _, exists := m.open[k]; exists {
		return nil, fmt.Errorf("position: an open position already exists for %s", k)
	}
	if err := validateOrdering(side, entry, stop, tp); err != nil {
		return nil, err
	}

	pos := &Position{
		PositionID:        uuid.New(),
		Symbol:            symbol,
		Exchange:          exchange,
		Side:              side,
		Quantity:          qty,
		AverageEntryPrice: entry,
		CurrentPrice:      entry,
		StopLoss:          stop,
		TakeProfit:        tp,
		OpenedAt:          time.Now(),
		Status:            Open,
	}
	m.open[k] = pos
	m.byID[pos.PositionID] = pos
	return pos, nil
}

// validateOrdering enforces P2: stop_loss < entry < take_profit for
// longs, inverted for shorts. A zero stop or take-profit is treated as
// "not yet set" and skipped.
func validateOrdering(side Side, entry, stop, tp decimal.Decimal) error {
	if side == Long {
		if !stop.IsZero() && stop.GreaterThanOrEqual(entry) {
			return fmt.Errorf("position: long stop_loss must be below entry")
		}
		if !tp.IsZero() && tp.LessThanOrEqual(entry) {
			return fmt.Errorf("position: long take_profit must be above entry")
		}
		return nil
	}
	if !stop.IsZero() && stop.LessThanOrEqual(entry) {
		return fmt.Errorf("position: short stop_loss must be above entry")
	}
	if !tp.IsZero() && tp.GreaterThanOrEqual(entry) {
		return fmt.Errorf("position: short take_profit must be below entry")
	}
	return nil
}

func unrealized(pos *Position, price decimal.Decimal) decimal.Decimal {
	if pos.Side == Long {
		return price.Sub(pos.AverageEntryPrice).Mul(pos.Quantity)
	}
	return pos.AverageEntryPrice.Sub(price).Mul(pos.Quantity)
}

// UpdatePrice recomputes unrealized P&L and checks for a stop/take-profit
// breach, invoking the registered trigger callback if one fires.
func (m *Manager) UpdatePrice(positionID uuid.UUID, price decimal.Decimal) error {
	m.mu.Lock()
	pos, ok := m.byID[positionID]
	if !ok || pos.Status != Open {
		m.mu.Unlock()
		return fmt.Errorf("position: no open position %s", positionID)
	}

	pos.CurrentPrice = price
	pos.UnrealizedPnL = unrealized(pos, price)

	var trigger *StopTrigger
	if pos.Side == Long {
		if !pos.StopLoss.IsZero() && price.LessThanOrEqual(pos.StopLoss) {
			trigger = &StopTrigger{PositionID: positionID, Reason: "stop_loss", Price: price}
		} else if !pos.TakeProfit.IsZero() && price.GreaterThanOrEqual(pos.TakeProfit) {
			trigger = &StopTrigger{PositionID: positionID, Reason: "take_profit", Price: price}
		}
	} else {
		if !pos.StopLoss.IsZero() && price.GreaterThanOrEqual(pos.StopLoss) {
			trigger = &StopTrigger{PositionID: positionID, Reason: "stop_loss", Price: price}
		} else if !pos.TakeProfit.IsZero() && price.LessThanOrEqual(pos.TakeProfit) {
			trigger = &StopTrigger{PositionID: positionID, Reason: "take_profit", Price: price}
		}
	}
	cb := m.onTrigger
	m.mu.Unlock()

	if trigger != nil && cb != nil {
		cb(*trigger)
	}
	return nil
}

// Increase adds to a position with volume-weighted average entry price.
func (m *Manager) Increase(positionID uuid.UUID, qty, price, fees decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.byID[positionID]
	if !ok || pos.Status != Open {
		return fmt.Errorf("position: no open position %s", positionID)
	}

	totalValue := pos.AverageEntryPrice.Mul(pos.Quantity).Add(price.Mul(qty))
	totalQty := pos.Quantity.Add(qty)
	pos.AverageEntryPrice = totalValue.Div(totalQty)
	pos.Quantity = totalQty
	pos.Fees = pos.Fees.Add(fees)
	return nil
}

// Decrease releases proportional realized P&L for a partial or full
// close. If qty equals the remaining quantity, the position transitions
// to Closed.
func (m *Manager) Decrease(positionID uuid.UUID, qty, exitPrice, fees decimal.Decimal) (realizedPnL decimal.Decimal, closed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.byID[positionID]
	if !ok || pos.Status != Open {
		return decimal.Zero, false, fmt.Errorf("position: no open position %s", positionID)
	}
	if qty.GreaterThan(pos.Quantity) {
		return decimal.Zero, false, fmt.Errorf("position: decrease quantity exceeds open quantity")
	}

	realizedPnL = realizedPnLFor(pos.Side, pos.AverageEntryPrice, exitPrice, qty).Sub(fees)
	pos.RealizedPnL = pos.RealizedPnL.Add(realizedPnL)
	pos.Fees = pos.Fees.Add(fees)
	pos.Quantity = pos.Quantity.Sub(qty)
	m.stats.record(realizedPnL)

	if pos.Quantity.IsZero() {
		m.closeLocked(pos)
		return realizedPnL, true, nil
	}
	return realizedPnL, false, nil
}

// realizedPnLFor implements P3: (exit-entry)*qty-fees for long,
// (entry-exit)*qty-fees for short. fees are applied by the caller.
func realizedPnLFor(side Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if side == Long {
		return exit.Sub(entry).Mul(qty)
	}
	return entry.Sub(exit).Mul(qty)
}

// Close fully closes a position at exit_price. Any outstanding child
// orders are the order executor's responsibility to cancel; this method
// only finalizes position state.
func (m *Manager) Close(positionID uuid.UUID, exitPrice, fees decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.byID[positionID]
	if !ok || pos.Status != Open {
		return decimal.Zero, fmt.Errorf("position: no open position %s", positionID)
	}

	realizedPnL := realizedPnLFor(pos.Side, pos.AverageEntryPrice, exitPrice, pos.Quantity).Sub(fees)
	pos.RealizedPnL = pos.RealizedPnL.Add(realizedPnL)
	pos.Fees = pos.Fees.Add(fees)
	pos.Quantity = decimal.Zero
	m.stats.record(realizedPnL)
	m.closeLocked(pos)
	return realizedPnL, nil
}

func (m *Manager) closeLocked(pos *Position) {
	now := time.Now()
	pos.Status = Closed
	pos.ClosedAt = &now
	delete(m.open, key(pos.Exchange, pos.Symbol))
}

// Get returns a position by id.
func (m *Manager) Get(positionID uuid.UUID) (*Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.byID[positionID]
	return pos, ok
}

// OpenForSymbol returns the open position for (exchange, symbol), if any.
func (m *Manager) OpenForSymbol(exchange, symbol string) (*Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.open[key(exchange, symbol)]
	return pos, ok
}

// OpenPositions returns every currently open position.
func (m *Manager) OpenPositions() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p)
	}
	return out
}

// Stats returns a snapshot of the running performance statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Restore reinserts a position loaded from persistent storage (the
// reconciliation sweep on startup), bypassing the Open-uniqueness
// validation since it reflects exchange-confirmed state.
func (m *Manager) Restore(pos *Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos.Status != Open {
		return
	}
	m.open[key(pos.Exchange, pos.Symbol)] = pos
	m.byID[pos.PositionID] = pos
}
