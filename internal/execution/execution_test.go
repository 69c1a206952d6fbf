package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradecore/internal/exchange"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeExchange is a minimal exchange.Exchange stub for executor tests.
type fakeExchange struct {
	placeErr   error
	cancelErr  error
	nextOrders int
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.PlaceOrderResponse, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.nextOrders++
	return &exchange.PlaceOrderResponse{OrderID: uuid.New().String(), Status: exchange.OrderStatusOpen}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &exchange.Order{ID: orderID, Status: exchange.OrderStatusCancelled}, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	return &exchange.Order{ID: orderID, Status: exchange.OrderStatusOpen}, nil
}

func (f *fakeExchange) GetOrderFills(ctx context.Context, orderID string) ([]exchange.Fill, error) {
	return nil, nil
}

func (f *fakeExchange) SetMarketPrice(symbol string, price float64) {}
func (f *fakeExchange) SetSession(sessionID *uuid.UUID)             {}
func (f *fakeExchange) GetSession() *uuid.UUID                      { return nil }

func TestPlaceTransitionsToOpen(t *testing.T) {
	ex := &fakeExchange{}
	exec := NewExecutor(ex)

	order, err := exec.Place(context.Background(), "BTCUSDT", exchange.OrderSideBuy, exchange.OrderTypeMarket, d(1.0), d(0), d(50000), nil)
	require.NoError(t, err)
	assert.Equal(t, OpenStatus, order.Status)
	assert.NotEmpty(t, order.ExchangeOrderID)
}

func TestPlaceExhaustsRetriesAndRejects(t *testing.T) {
	ex := &fakeExchange{placeErr: errors.New("rate limit exceeded")}
	exec := NewExecutor(ex).WithRetryConfig(exchange.RetryConfig{MaxRetries: 1, InitialBackoff: 0, MaxBackoff: 0, BackoffFactor: 1})

	var report Report
	exec.OnReport(func(r Report) { report = r })

	order, err := exec.Place(context.Background(), "BTCUSDT", exchange.OrderSideBuy, exchange.OrderTypeMarket, d(1.0), d(0), d(50000), nil)
	require.NoError(t, err) // Place itself never errors; failure surfaces via Rejected status + report
	assert.Equal(t, Rejected, order.Status)
	assert.NotEmpty(t, order.RejectReason)
	assert.Equal(t, Rejected, report.Order.Status)
}

func TestApplyFillPartialThenFull(t *testing.T) {
	ex := &fakeExchange{}
	exec := NewExecutor(ex)
	order, err := exec.Place(context.Background(), "BTCUSDT", exchange.OrderSideBuy, exchange.OrderTypeLimit, d(2.0), d(50000), d(50000), nil)
	require.NoError(t, err)

	var fillCalls []Order
	exec.OnFill(func(o Order) { fillCalls = append(fillCalls, o) })

	err = exec.ApplyFill(order.OrderID, exchange.Fill{OrderID: order.ExchangeOrderID, Quantity: 1.0, Price: 50100}, d(5))
	require.NoError(t, err)
	got, _ := exec.Get(order.OrderID)
	assert.Equal(t, PartiallyFilled, got.Status)

	err = exec.ApplyFill(order.OrderID, exchange.Fill{OrderID: order.ExchangeOrderID, Quantity: 1.0, Price: 50300}, d(5))
	require.NoError(t, err)
	got, _ = exec.Get(order.OrderID)
	assert.Equal(t, Filled, got.Status)
	avg, _ := got.AverageFillPrice.Float64()
	fees, _ := got.Fees.Float64()
	assert.InDelta(t, 50200.0, avg, 1e-6)
	assert.InDelta(t, 10.0, fees, 1e-6)

	require.Len(t, fillCalls, 2, "fill callback should fire on first fill and on completion")
	assert.Equal(t, PartiallyFilled, fillCalls[0].Status)
	assert.Equal(t, Filled, fillCalls[1].Status)
}

func TestCancelRejectedWhenTerminal(t *testing.T) {
	ex := &fakeExchange{}
	exec := NewExecutor(ex)
	order, err := exec.Place(context.Background(), "BTCUSDT", exchange.OrderSideBuy, exchange.OrderTypeLimit, d(1.0), d(50000), d(50000), nil)
	require.NoError(t, err)

	require.NoError(t, exec.ApplyFill(order.OrderID, exchange.Fill{OrderID: order.ExchangeOrderID, Quantity: 1.0, Price: 50000}, d(0)))

	err = exec.Cancel(context.Background(), order.OrderID)
	assert.Error(t, err, "cannot cancel a Filled order")
}

func TestChildOrderCarriesParentPositionID(t *testing.T) {
	ex := &fakeExchange{}
	exec := NewExecutor(ex)
	parentID := uuid.New()

	order, err := exec.Place(context.Background(), "BTCUSDT", exchange.OrderSideSell, exchange.OrderTypeLimit, d(1.0), d(49000), d(49000), &parentID)
	require.NoError(t, err)
	require.NotNil(t, order.ParentPositionID)
	assert.Equal(t, parentID, *order.ParentPositionID)
}
