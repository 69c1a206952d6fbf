package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/tradecore/internal/db"
)

// BinanceExchange implements Exchange against live (or testnet) Binance
// spot trading, grounded on the teacher's own binance.go. Order state
// submitted through PlaceOrder/CancelOrder/GetOrder/GetOrderFills is
// cached locally and refreshed from Binance on read; user-data
// WebSocket streaming is out of scope (see DESIGN.md), so GetOrder
// polls REST on every call rather than relying on a push update.
type BinanceExchange struct {
	client *binance.Client
	db     *db.DB
	mu     sync.RWMutex

	orders                  map[string]*Order // internal UUID -> Order
	fills                   map[string][]Fill
	exchangeOrderToInternal map[string]string

	currentSessionID *uuid.UUID
	testnet          bool

	// Binance enforces per-endpoint request-weight limits; this caps
	// outbound order placement/cancellation to stay under them. The
	// mock exchange has no such constraint to model it against.
	limiter *rate.Limiter
}

// BinanceConfig configures a BinanceExchange.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	// RequestsPerSecond bounds outbound order calls; Binance's spot
	// order-placement weight budget is roughly 10/s per UID.
	RequestsPerSecond float64
}

func NewBinanceExchange(cfg BinanceConfig, database *db.DB) (*BinanceExchange, error) {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("binance exchange initialized (testnet)")
	} else {
		log.Warn().Msg("binance exchange initialized (live trading)")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &BinanceExchange{
		client:                  client,
		db:                      database,
		orders:                  make(map[string]*Order),
		fills:                   make(map[string][]Fill),
		exchangeOrderToInternal: make(map[string]string),
		testnet:                 cfg.Testnet,
		limiter:                 rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// PlaceOrder submits an order to Binance, rate limited and retried with
// exponential backoff on transient failures.
func (b *BinanceExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	if err := validateOrder(req); err != nil {
		log.Warn().Err(err).Str("symbol", req.Symbol).Msg("order validation failed")
		return &PlaceOrderResponse{Status: OrderStatusRejected, Message: err.Error()}, nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance: rate limiter wait: %w", err)
	}

	side := binance.SideTypeBuy
	if req.Side == OrderSideSell {
		side = binance.SideTypeSell
	}

	var binanceOrder *binance.CreateOrderResponse
	operation := fmt.Sprintf("place_%s_order_%s", req.Type, req.Symbol)
	err := retryWithBackoff(func() error {
		var placeErr error
		svc := b.client.NewCreateOrderService().Symbol(req.Symbol).Side(side)
		if req.Type == OrderTypeMarket {
			binanceOrder, placeErr = svc.Type(binance.OrderTypeMarket).
				Quantity(fmt.Sprintf("%.8f", req.Quantity)).
				Do(ctx)
		} else {
			binanceOrder, placeErr = svc.Type(binance.OrderTypeLimit).
				TimeInForce(binance.TimeInForceTypeGTC).
				Quantity(fmt.Sprintf("%.8f", req.Quantity)).
				Price(fmt.Sprintf("%.8f", req.Price)).
				Do(ctx)
		}
		return placeErr
	}, operation)

	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("failed to place order on binance")
		return &PlaceOrderResponse{Status: OrderStatusRejected, Message: err.Error()}, fmt.Errorf("binance: place order: %w", err)
	}

	order := b.convertBinanceOrder(binanceOrder, req)

	b.mu.Lock()
	b.orders[order.ID] = order
	b.exchangeOrderToInternal[order.ExchangeOrderID] = order.ID
	b.mu.Unlock()

	if b.db != nil {
		if err := b.db.InsertOrder(ctx, b.convertToDBOrder(order)); err != nil {
			log.Error().Err(err).Str("order_id", order.ID).Msg("failed to persist binance order")
		}
	}

	log.Info().
		Str("order_id", order.ID).
		Str("exchange_order_id", order.ExchangeOrderID).
		Str("symbol", order.Symbol).
		Str("status", string(order.Status)).
		Msg("order placed on binance")

	return &PlaceOrderResponse{OrderID: order.ID, Status: order.Status, Message: "order placed"}, nil
}

// CancelOrder cancels an open order.
func (b *BinanceExchange) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	b.mu.Lock()
	order, ok := b.orders[orderID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("binance: unknown order %s", orderID)
	}
	if order.Status != OrderStatusOpen && order.Status != OrderStatusPending {
		return nil, fmt.Errorf("binance: order %s is terminal (%s)", orderID, order.Status)
	}

	binanceOrderID, err := strconv.ParseInt(order.ExchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: invalid exchange order id: %w", err)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance: rate limiter wait: %w", err)
	}

	operation := fmt.Sprintf("cancel_order_%s", order.Symbol)
	err = retryWithBackoff(func() error {
		_, cancelErr := b.client.NewCancelOrderService().Symbol(order.Symbol).OrderID(binanceOrderID).Do(ctx)
		return cancelErr
	}, operation)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to cancel order on binance")
		return nil, fmt.Errorf("binance: cancel order: %w", err)
	}

	b.mu.Lock()
	order.Status = OrderStatusCancelled
	now := time.Now()
	order.UpdatedAt = now
	b.mu.Unlock()

	if b.db != nil {
		orderUUID, _ := uuid.Parse(orderID)
		if err := b.db.UpdateOrderStatus(ctx, orderUUID, db.ConvertOrderStatus(string(order.Status)),
			order.FilledQty, order.FilledQty*order.AvgFillPrice, order.FilledAt, &now, nil); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("failed to update cancelled order")
		}
	}

	return order, nil
}

// GetOrder refreshes an order's status from Binance REST, falling back
// to the cached copy if the query fails.
func (b *BinanceExchange) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	b.mu.RLock()
	order, ok := b.orders[orderID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("binance: unknown order %s", orderID)
	}

	binanceOrderID, err := strconv.ParseInt(order.ExchangeOrderID, 10, 64)
	if err != nil {
		return order, nil
	}

	var remote *binance.Order
	operation := fmt.Sprintf("get_order_%s", order.Symbol)
	err = retryWithBackoff(func() error {
		var getErr error
		remote, getErr = b.client.NewGetOrderService().Symbol(order.Symbol).OrderID(binanceOrderID).Do(ctx)
		return getErr
	}, operation)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("failed to refresh order from binance, returning cached")
		return order, nil
	}

	b.mu.Lock()
	b.applyRemoteOrder(order, remote)
	b.mu.Unlock()
	return order, nil
}

// GetOrderFills returns every fill recorded for an order since it was
// placed through this process.
func (b *BinanceExchange) GetOrderFills(ctx context.Context, orderID string) ([]Fill, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fills[orderID], nil
}

// SetMarketPrice is a no-op: live market prices come from the exchange
// itself, not from test injection.
func (b *BinanceExchange) SetMarketPrice(symbol string, price float64) {}

func (b *BinanceExchange) SetSession(sessionID *uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentSessionID = sessionID
}

func (b *BinanceExchange) GetSession() *uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSessionID
}

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
)

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, marker := range []string{
		"connection refused", "connection reset", "timeout", "temporary failure",
		"network is unreachable", "429", "rate limit", "too many requests",
		"500", "502", "503", "504", "internal server error", "service unavailable",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// retryWithBackoff retries a Binance REST call with exponential backoff,
// bailing out immediately on errors isRetryableError doesn't recognize.
func retryWithBackoff(op func() error, name string) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
			if !isRetryableError(err) {
				return err
			}
		}
		if attempt < maxRetries {
			delay := baseRetryDelay * time.Duration(1<<uint(attempt))
			log.Warn().Err(lastErr).Str("operation", name).Int("attempt", attempt+1).Dur("retry_after", delay).Msg("retrying binance call")
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("binance: %s failed after %d attempts: %w", name, maxRetries+1, lastErr)
}

func validateOrder(req PlaceOrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return fmt.Errorf("invalid order side: %s", req.Side)
	}
	if req.Type != OrderTypeMarket && req.Type != OrderTypeLimit {
		return fmt.Errorf("invalid order type: %s", req.Type)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if req.Type == OrderTypeLimit && req.Price <= 0 {
		return fmt.Errorf("limit orders must have a positive price")
	}
	return nil
}

func (b *BinanceExchange) convertBinanceOrder(bo *binance.CreateOrderResponse, req PlaceOrderRequest) *Order {
	now := time.Now()
	executedQty, _ := strconv.ParseFloat(bo.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(bo.CummulativeQuoteQuantity, 64)

	var avgFillPrice float64
	if executedQty > 0 {
		avgFillPrice = quoteQty / executedQty
	}

	return &Order{
		ID:              uuid.New().String(),
		ExchangeOrderID: strconv.FormatInt(bo.OrderID, 10),
		Symbol:          bo.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		FilledQty:       executedQty,
		AvgFillPrice:    avgFillPrice,
		Status:          mapBinanceStatus(bo.Status),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (b *BinanceExchange) applyRemoteOrder(order *Order, remote *binance.Order) {
	executedQty, _ := strconv.ParseFloat(remote.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(remote.CummulativeQuoteQuantity, 64)

	order.FilledQty = executedQty
	if executedQty > 0 {
		order.AvgFillPrice = quoteQty / executedQty
	}
	order.UpdatedAt = time.Now()
	order.Status = mapBinanceStatus(remote.Status)
	if order.Status == OrderStatusFilled && order.FilledAt == nil {
		now := time.Now()
		order.FilledAt = &now
	}

	if executedQty > 0 {
		fill := Fill{OrderID: order.ID, Quantity: executedQty, Price: order.AvgFillPrice, Timestamp: order.UpdatedAt}
		b.fills[order.ID] = append(b.fills[order.ID], fill)
	}
}

func mapBinanceStatus(status binance.OrderStatusType) OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return OrderStatusOpen
	case binance.OrderStatusTypeFilled:
		return OrderStatusFilled
	case binance.OrderStatusTypeCanceled:
		return OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return OrderStatusRejected
	default:
		return OrderStatusPending
	}
}

func (b *BinanceExchange) convertToDBOrder(order *Order) *db.Order {
	orderID, _ := uuid.Parse(order.ID)

	var price *float64
	if order.Price > 0 {
		price = &order.Price
	}

	exchangeName := "BINANCE"
	if b.testnet {
		exchangeName = "BINANCE_TESTNET"
	}

	return &db.Order{
		ID:                    orderID,
		SessionID:             b.currentSessionID,
		ExchangeOrderID:       &order.ExchangeOrderID,
		Symbol:                order.Symbol,
		Exchange:              exchangeName,
		Side:                  db.ConvertOrderSide(string(order.Side)),
		Type:                  db.ConvertOrderType(string(order.Type)),
		Status:                db.ConvertOrderStatus(string(order.Status)),
		Price:                 price,
		Quantity:              order.Quantity,
		ExecutedQuantity:      order.FilledQty,
		ExecutedQuoteQuantity: order.FilledQty * order.AvgFillPrice,
		PlacedAt:              order.CreatedAt,
		FilledAt:              order.FilledAt,
		CreatedAt:             order.CreatedAt,
		UpdatedAt:             order.UpdatedAt,
	}
}
