// Package execution implements the order executor (C7): it drives an
// order through its exchange lifecycle, retrying placement with
// exponential backoff, tracking volume-weighted fills, and handing off
// to the position manager and stop placer once a position opens.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/tradecore/internal/exchange"
)

// Status is an order's lifecycle state.
type Status string

const (
	Pending         Status = "Pending"
	OpenStatus      Status = "Open"
	PartiallyFilled Status = "PartiallyFilled"
	Filled          Status = "Filled"
	Cancelled       Status = "Cancelled"
	Rejected        Status = "Rejected"
)

// Order tracks the executor's view of an in-flight order. Money and
// quantity fields are fixed-point decimal.Decimal; they are converted to
// float64 only at the exchange.Exchange provider boundary, since external
// exchange wire protocols (REST/JSON) speak float64 natively.
type Order struct {
	OrderID           uuid.UUID
	ExchangeOrderID   string
	ParentPositionID  *uuid.UUID // set on protective stop/TP child orders
	Symbol            string
	Side              exchange.OrderSide
	Type              exchange.OrderType
	Quantity          decimal.Decimal
	FilledQuantity    decimal.Decimal
	AverageFillPrice  decimal.Decimal
	Fees              decimal.Decimal
	ExpectedFillPrice decimal.Decimal // last known mid-price at submission, for C9 slippage
	Status            Status
	RejectReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (o *Order) applyFill(qty, price, fees decimal.Decimal) {
	totalValue := o.AverageFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty))
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.FilledQuantity.IsPositive() {
		o.AverageFillPrice = totalValue.Div(o.FilledQuantity)
	}
	o.Fees = o.Fees.Add(fees)
	o.UpdatedAt = time.Now()
	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
}

// Report is emitted on terminal and fill transitions, grounded on C9's
// need for the expected-vs-actual fill price.
type Report struct {
	Order     Order
	Err       error
	CreatedAt time.Time
}

// FillCallback is invoked whenever an order transitions to Filled or
// receives its first partial fill, so the caller can drive C8/C6.
type FillCallback func(o Order)

// Executor drives orders through {place, cancel, stream_fills,
// fetch_status} against an exchange.Exchange provider.
type Executor struct {
	provider exchange.Exchange
	retry    exchange.RetryConfig

	mu     sync.Mutex
	orders map[uuid.UUID]*Order

	onFill   FillCallback
	onReport func(Report)
}

func NewExecutor(provider exchange.Exchange) *Executor {
	return &Executor{
		provider: provider,
		retry:    exchange.DefaultRetryConfig(),
		orders:   make(map[uuid.UUID]*Order),
	}
}

// WithRetryConfig overrides the exponential-backoff ceiling for order
// placement.
func (e *Executor) WithRetryConfig(cfg exchange.RetryConfig) *Executor {
	e.retry = cfg
	return e
}

// OnFill registers the callback invoked on Filled and on an order's
// first fill, so C8/C6 can be driven from it.
func (e *Executor) OnFill(fn FillCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFill = fn
}

// OnReport registers the callback invoked on every terminal or fill
// transition with an execution.report-shaped record.
func (e *Executor) OnReport(fn func(Report)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReport = fn
}

// Place submits an order, retrying placement with exponential backoff.
// On exhausting retries it transitions the order to Rejected and emits
// a report rather than returning a bare error, matching the executor's
// "always produce a report" contract.
func (e *Executor) Place(ctx context.Context, symbol string, side exchange.OrderSide, orderType exchange.OrderType, qty, price, expectedFillPrice decimal.Decimal, parentPositionID *uuid.UUID) (*Order, error) {
	order := &Order{
		OrderID:           uuid.New(),
		ParentPositionID:  parentPositionID,
		Symbol:            symbol,
		Side:              side,
		Type:              orderType,
		Quantity:          qty,
		ExpectedFillPrice: expectedFillPrice,
		Status:            Pending,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	var resp *exchange.PlaceOrderResponse
	err := exchange.WithRetry(ctx, e.retry, func() error {
		var placeErr error
		resp, placeErr = e.provider.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol:   symbol,
			Side:     side,
			Type:     orderType,
			Quantity: qty.InexactFloat64(),
			Price:    price.InexactFloat64(),
		})
		return placeErr
	})

	e.mu.Lock()
	e.orders[order.OrderID] = order
	e.mu.Unlock()

	if err != nil {
		order.Status = Rejected
		order.RejectReason = err.Error()
		order.UpdatedAt = time.Now()
		e.emitReport(Report{Order: *order, Err: err})
		return order, nil
	}

	order.ExchangeOrderID = resp.OrderID
	order.Status = OpenStatus
	order.UpdatedAt = time.Now()
	log.Info().Str("order_id", order.OrderID.String()).Str("exchange_order_id", order.ExchangeOrderID).Msg("order placed")
	return order, nil
}

// Cancel cancels an order, only permitted in {Open, PartiallyFilled}.
func (e *Executor) Cancel(ctx context.Context, orderID uuid.UUID) error {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution: unknown order %s", orderID)
	}
	if order.Status != OpenStatus && order.Status != PartiallyFilled {
		return fmt.Errorf("execution: order %s is terminal (%s), cannot cancel", orderID, order.Status)
	}

	if _, err := e.provider.CancelOrder(ctx, order.ExchangeOrderID); err != nil {
		return fmt.Errorf("execution: cancel failed: %w", err)
	}

	e.mu.Lock()
	order.Status = Cancelled
	order.UpdatedAt = time.Now()
	e.mu.Unlock()

	e.emitReport(Report{Order: *order})
	return nil
}

// ApplyFill folds a fill into an order's volume-weighted state,
// transitioning it to PartiallyFilled or Filled, and invokes the fill
// callback on the first fill and on completion.
func (e *Executor) ApplyFill(orderID uuid.UUID, fill exchange.Fill, fees decimal.Decimal) error {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("execution: unknown order %s", orderID)
	}
	if order.Status != OpenStatus && order.Status != PartiallyFilled {
		e.mu.Unlock()
		return fmt.Errorf("execution: order %s not open for fills (%s)", orderID, order.Status)
	}

	firstFill := order.FilledQuantity.IsZero()
	order.applyFill(decimal.NewFromFloat(fill.Quantity), decimal.NewFromFloat(fill.Price), fees)
	snapshot := *order
	cb := e.onFill
	e.mu.Unlock()

	if (firstFill || snapshot.Status == Filled) && cb != nil {
		cb(snapshot)
	}
	e.emitReport(Report{Order: snapshot})
	return nil
}

// FetchStatus polls the exchange for the authoritative order state,
// used for reconciliation after a restart.
func (e *Executor) FetchStatus(ctx context.Context, orderID uuid.UUID) (*exchange.Order, error) {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution: unknown order %s", orderID)
	}
	return e.provider.GetOrder(ctx, order.ExchangeOrderID)
}

// Get returns the executor's current view of an order.
func (e *Executor) Get(orderID uuid.UUID) (*Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	return order, ok
}

func (e *Executor) emitReport(r Report) {
	r.CreatedAt = time.Now()
	e.mu.Lock()
	cb := e.onReport
	e.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}
