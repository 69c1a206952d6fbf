// Package main wires every engine component into one trading process:
// the message fabric (C1), the per-symbol signal buffer (C2), the fusion
// engine (C3), the position sizer (C4), the risk validator (C5), the stop
// placer (C6), the order executor (C7), the position manager (C8), and
// the execution analyzer (C9).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tradecore/internal/analysis"
	"github.com/ajitpratap0/tradecore/internal/config"
	"github.com/ajitpratap0/tradecore/internal/db"
	"github.com/ajitpratap0/tradecore/internal/exchange"
	"github.com/ajitpratap0/tradecore/internal/execution"
	"github.com/ajitpratap0/tradecore/internal/fabric"
	"github.com/ajitpratap0/tradecore/internal/fusion"
	"github.com/ajitpratap0/tradecore/internal/position"
	"github.com/ajitpratap0/tradecore/internal/risk"
	"github.com/ajitpratap0/tradecore/internal/signalbuffer"
	"github.com/ajitpratap0/tradecore/internal/sizing"
	"github.com/ajitpratap0/tradecore/internal/stops"
	"github.com/ajitpratap0/tradecore/internal/vault"
	"github.com/ajitpratap0/tradecore/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.App.Environment == "development" {
		format = "console"
	}
	config.InitLogger(cfg.App.LogLevel, format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("engine: failed to connect to database")
	}
	defer database.Close()

	eng, err := newEngine(ctx, cfg, database)
	if err != nil {
		log.Fatal().Err(err).Msg("engine: failed to initialize")
	}
	defer eng.Close()

	group, gctx := errgroup.WithContext(ctx)
	eng.Start(gctx, group)

	log.Info().Strs("symbols", cfg.Trading.Symbols).Str("mode", cfg.Trading.Mode).Msg("engine: running")

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		log.Error().Err(err).Msg("engine: worker exited with error")
	}
	log.Info().Msg("engine: shutdown complete")
}

// engine holds every wired component and the per-order bookkeeping the
// fabric-level callbacks need that the domain packages themselves don't
// carry (stop/take-profit levels are decided before an order exists).
type engine struct {
	cfg          *config.Config
	db           *db.DB
	fab          *fabric.Fabric
	signals      *signalbuffer.Buffer
	exch         exchange.Exchange
	exchangeName string
	executor     *execution.Executor
	positions    *position.Manager
	riskCalc     *risk.Calculator
	validator    *risk.Validator
	tracker      *fusion.AccuracyTracker

	fusionCfg    fusion.Config
	sizingCfg    sizing.Config
	stopsCfg     stops.Config
	analysisCfg  analysis.Config
	fusionMethod fusion.Method
	sizingMethod sizing.Method
	stopMethod   stops.Method

	mu        sync.Mutex
	pendingTP map[uuid.UUID]tpPair // orderID -> stop/take-profit chosen at placement time

	heartbeats []*worker.HeartbeatPublisher
}

type tpPair struct {
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
}

func newEngine(ctx context.Context, cfg *config.Config, database *db.DB) (*engine, error) {
	fab, err := fabric.New(fabric.Config{
		NATSURL:        cfg.NATS.URL,
		Prefix:         "engine.",
		PublishRetry:   fabric.DefaultConfig().PublishRetry,
		OutboxCapacity: fabric.DefaultConfig().OutboxCapacity,
		Stream:         "ENGINE",
		AckWait:        15 * time.Second,
		MaxDeliver:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: fabric: %w", err)
	}

	sigBuf, err := signalbuffer.New(signalbuffer.Config{
		RedisURL:      fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		Prefix:        "signalbuffer:",
		Retention:     300 * time.Second,
	})
	if err != nil {
		fab.Close()
		return nil, fmt.Errorf("engine: signal buffer: %w", err)
	}

	exch, exchangeName, err := buildExchange(ctx, cfg, database)
	if err != nil {
		fab.Close()
		sigBuf.Close()
		return nil, fmt.Errorf("engine: exchange: %w", err)
	}

	executor := execution.NewExecutor(exch).WithRetryConfig(exchange.DefaultRetryConfig())
	positions := position.NewManager()
	riskCalc := risk.NewCalculatorWithPool(database.Pool())
	validator := risk.NewValidator(buildRiskConfig(cfg), risk.NewCorrelationMatrix())

	e := &engine{
		cfg:          cfg,
		db:           database,
		fab:          fab,
		signals:      sigBuf,
		exch:         exch,
		exchangeName: exchangeName,
		executor:     executor,
		positions:    positions,
		riskCalc:     riskCalc,
		validator:    validator,
		tracker:      fusion.NewAccuracyTracker(100),
		fusionCfg:    buildFusionConfig(cfg),
		sizingCfg:    buildSizingConfig(cfg),
		stopsCfg:     buildStopsConfig(cfg),
		analysisCfg:  analysis.DefaultConfig(),
		fusionMethod: fusion.Method(cfg.Engine.FusionMethod),
		sizingMethod: sizing.Method(cfg.Engine.SizingMethod),
		stopMethod:   stops.Method(cfg.Engine.StopMethod),
		pendingTP:    make(map[uuid.UUID]tpPair),
	}

	executor.OnFill(e.handleFill)
	executor.OnReport(e.handleReport)
	positions.OnTrigger(e.handleStopTrigger)

	return e, nil
}

func (e *engine) Close() {
	e.fab.Close()
	if err := e.signals.Close(); err != nil {
		log.Warn().Err(err).Msg("engine: closing signal buffer")
	}
}

// buildExchange picks a live Binance connection or the in-process mock,
// driven by trading.mode, and resolves Binance credentials from Vault
// first, falling back to the exchanges.binance block.
func buildExchange(ctx context.Context, cfg *config.Config, database *db.DB) (exchange.Exchange, string, error) {
	if cfg.Trading.Mode != "live" {
		return exchange.NewMockExchangeWithFees(database, cfg.Exchanges[cfg.Trading.Exchange].Fees), cfg.Trading.Exchange, nil
	}

	binCfg := cfg.Exchanges["binance"]
	apiKey, apiSecret := binCfg.APIKey, binCfg.SecretKey
	if vc, err := vault.NewClientFromEnv(); err == nil {
		if creds, err := vc.GetExchangeConfig(ctx); err == nil {
			if creds.BinanceAPIKey != "" {
				apiKey = creds.BinanceAPIKey
			}
			if creds.BinanceAPISecret != "" {
				apiSecret = creds.BinanceAPISecret
			}
		} else {
			log.Warn().Err(err).Msg("engine: could not load Binance credentials from Vault, using config")
		}
	}

	exch, err := exchange.NewBinanceExchange(exchange.BinanceConfig{
		APIKey:            apiKey,
		SecretKey:         apiSecret,
		Testnet:           binCfg.Testnet,
		RequestsPerSecond: 10,
	}, database)
	if err != nil {
		return nil, "", err
	}
	return exch, "binance", nil
}

func buildFusionConfig(cfg *config.Config) fusion.Config {
	c := fusion.DefaultConfig()
	c.MinSignals = cfg.Engine.MinSignals
	c.MinSignalConfidence = cfg.Engine.MinSignalConfidence
	c.AgreementThreshold = cfg.Engine.AgreementThreshold
	if cfg.Engine.DecisionIntervalMS > 0 {
		c.DecisionInterval = time.Duration(cfg.Engine.DecisionIntervalMS) * time.Millisecond
	}
	return c
}

func buildSizingConfig(cfg *config.Config) sizing.Config {
	return sizing.Config{
		RiskPerTrade:        cfg.Engine.RiskPerTrade,
		MaxPositionFraction: cfg.Engine.MaxPositionFraction,
		KellyCap:            cfg.Engine.KellyCap,
		KellyFloor:          cfg.Engine.KellyFloor,
		ATRMultiplier:       cfg.Engine.ATRMultiplier,
	}
}

func buildRiskConfig(cfg *config.Config) risk.Config {
	return risk.Config{
		MinConfidence:          cfg.Risk.MinConfidence,
		MinRRRatio:             cfg.Engine.MinRRRatio,
		MaxSingleTradeRisk:     cfg.Engine.MaxSingleTradeRisk,
		MaxPortfolioRisk:       cfg.Engine.MaxPortfolioRisk,
		MaxCorrelationExposure: cfg.Engine.MaxCorrelationExposure,
		CorrelationThreshold:   cfg.Engine.CorrelationThreshold,
	}
}

func buildStopsConfig(cfg *config.Config) stops.Config {
	c := stops.DefaultConfig()
	c.ATRMultiplier = cfg.Engine.ATRMultiplier
	c.DefaultRRRatio = cfg.Engine.DefaultRRRatio
	c.TrailFraction = cfg.Engine.TrailFraction
	c.ActivationFraction = cfg.Engine.ActivationFraction
	return c
}

// Start launches one goroutine per worker under group, each registering
// its own heartbeat publisher, matching the one-heartbeat-per-worker
// convention worker.HeartbeatPublisher was built for.
func (e *engine) Start(ctx context.Context, group *errgroup.Group) {
	e.startWorker(ctx, group, "signal-ingest-technical", "ingest", func(ctx context.Context) error {
		return e.subscribeSignals(ctx, fabric.TopicSignalsTechnical)
	})
	e.startWorker(ctx, group, "signal-ingest-fundamental", "ingest", func(ctx context.Context) error {
		return e.subscribeSignals(ctx, fabric.TopicSignalsFundamental)
	})
	e.startWorker(ctx, group, "signal-ingest-sentiment", "ingest", func(ctx context.Context) error {
		return e.subscribeSignals(ctx, fabric.TopicSignalsSentiment)
	})

	for _, symbol := range e.cfg.Trading.Symbols {
		symbol := symbol
		e.startWorker(ctx, group, "decision-"+symbol, "decision", func(ctx context.Context) error {
			return e.runDecisionLoop(ctx, symbol)
		})
	}
}

func (e *engine) startWorker(ctx context.Context, group *errgroup.Group, name, kind string, fn func(context.Context) error) {
	hb := worker.NewHeartbeatPublisher(name, kind, worker.DefaultHeartbeatConfig(), log.With().Str("worker", name).Logger())
	hb.SetNATSConn(e.fab.Conn())
	e.mu.Lock()
	e.heartbeats = append(e.heartbeats, hb)
	e.mu.Unlock()

	group.Go(func() error {
		hb.Start()
		defer hb.Stop()
		err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// subscribeSignals drains one signal topic into the buffer (C1 -> C2).
func (e *engine) subscribeSignals(ctx context.Context, topic string) error {
	sub, err := e.fab.Subscribe(topic, "engine-signal-ingest", func(ctx context.Context, rec *fabric.Record) error {
		var sig signalbuffer.Signal
		if err := json.Unmarshal(rec.Payload, &sig); err != nil {
			return fmt.Errorf("engine: decode signal on %s: %w", topic, err)
		}
		return e.signals.Insert(ctx, &sig)
	})
	if err != nil {
		return fmt.Errorf("engine: subscribe %s: %w", topic, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

// runDecisionLoop is the per-symbol C3->C4->C5->C6->C7 pipeline, ticking
// at the configured decision interval.
func (e *engine) runDecisionLoop(ctx context.Context, symbol string) error {
	interval := e.fusionCfg.DecisionInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.decide(ctx, symbol); err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("engine: decision tick failed")
			}
		}
	}
}

func (e *engine) decide(ctx context.Context, symbol string) error {
	hist, err := e.riskCalc.LoadHistoricalPrices(ctx, symbol, "1m", 1)
	if err != nil || len(hist.Prices) == 0 {
		return fmt.Errorf("load historical prices: %w", err)
	}
	currentPrice := hist.Prices[len(hist.Prices)-1]

	snapshot, err := e.signals.Snapshot(ctx, symbol)
	if err != nil {
		return fmt.Errorf("signal snapshot: %w", err)
	}

	correlationID := uuid.New()
	intent, _, err := fusion.Fuse(symbol, snapshot, e.tracker, e.fusionMethod, e.fusionCfg, currentPrice, correlationID)
	if err != nil {
		return fmt.Errorf("fuse: %w", err)
	}
	if intent == nil {
		return nil
	}
	if err := e.fab.Publish(ctx, fabric.TopicTradeIntent, symbol, intent, correlationID); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("engine: publish trade intent")
	}

	isLong := intent.Direction == signalbuffer.Buy

	// volatilityEstimate approximates a bar-level ATR from the return
	// series' standard deviation, since the candlestick loader exposes
	// closes only (no high/low). It is a proxy, not a true ATR.
	volatilityEstimate := currentPrice * sampleStdDev(hist.Returns)
	atr := decimal.NewFromFloat(volatilityEstimate)
	entry := decimal.NewFromFloat(currentPrice)

	stopResult, err := stops.Place(e.stopMethod, stops.Inputs{
		EntryPrice: currentPrice,
		IsLong:     isLong,
		ATR:        volatilityEstimate,
		RRRatio:    e.stopsCfg.DefaultRRRatio,
	}, e.stopsCfg)
	if err != nil {
		return fmt.Errorf("place stops: %w", err)
	}
	stopDistance := entry.Sub(decimal.NewFromFloat(stopResult.StopLoss)).Abs()

	equity := e.estimateEquity()
	sizeResult, err := sizing.Size(e.sizingMethod, sizing.Inputs{
		AccountEquity:   equity,
		EntryPrice:      entry,
		StopDistance:    stopDistance,
		Confidence:      intent.Confidence,
		WinProbability:  e.tracker.Accuracy("fusion"),
		RewardRiskRatio: e.stopsCfg.DefaultRRRatio,
		ATR:             atr,
	}, e.sizingCfg)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}

	varEstimate, _, err := e.riskCalc.CalculateVaRFromPrices(ctx, symbol, "1m", 1, 0.95)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("engine: VaR estimate unavailable, defaulting to zero")
		varEstimate = 0
	}

	riskIntent := risk.Intent{
		IntentID:   intent.IntentID,
		Symbol:     symbol,
		Confidence: intent.Confidence,
		EntryPrice: entry,
		StopLoss:   decimal.NewFromFloat(stopResult.StopLoss),
		TakeProfit: decimal.NewFromFloat(stopResult.TakeProfit),
	}
	assessment := e.validator.Validate(riskIntent, sizeResult.Quantity, e.buildPortfolio(equity), decimal.NewFromFloat(varEstimate))

	if !assessment.Approved {
		if err := e.fab.Publish(ctx, fabric.TopicTradeRejection, symbol, assessment, correlationID); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("engine: publish trade rejection")
		}
		return nil
	}

	side := exchange.OrderSideBuy
	if !isLong {
		side = exchange.OrderSideSell
	}
	order, err := e.executor.Place(ctx, symbol, side, exchange.OrderTypeMarket, assessment.PositionQuantity, entry, entry, nil)
	if err != nil {
		return fmt.Errorf("place order: %w", err)
	}

	e.mu.Lock()
	e.pendingTP[order.OrderID] = tpPair{stopLoss: assessment.StopLossPrice, takeProfit: assessment.TakeProfitPrice}
	e.mu.Unlock()

	if err := e.fab.Publish(ctx, fabric.TopicTradeOrder, symbol, order, correlationID); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("engine: publish trade order")
	}

	if order.Status == execution.OpenStatus {
		go e.pollFills(ctx, order.OrderID, order.ExchangeOrderID)
	}
	return nil
}

// buildPortfolio assembles the validator's Portfolio view from the
// position manager's current book.
func (e *engine) buildPortfolio(equity decimal.Decimal) risk.Portfolio {
	exposure := make(map[string]decimal.Decimal)
	var portfolioRisk decimal.Decimal
	for _, pos := range e.positions.OpenPositions() {
		notional := pos.Quantity.Mul(pos.CurrentPrice)
		exposure[pos.Symbol] = exposure[pos.Symbol].Add(notional)
		portfolioRisk = portfolioRisk.Add(pos.Quantity.Mul(pos.AverageEntryPrice.Sub(pos.StopLoss).Abs()))
	}
	return risk.Portfolio{Equity: equity, CurrentPortfolioRisk: portfolioRisk, ExposureBySymbol: exposure}
}

// estimateEquity approximates current account equity as initial capital
// plus net realized P&L, since no separate ledger/balance feed is wired.
func (e *engine) estimateEquity() decimal.Decimal {
	stats := e.positions.Stats()
	return decimal.NewFromFloat(e.cfg.Trading.InitialCapital).Add(stats.GrossGains).Sub(stats.GrossLosses)
}

// pollFills drives C7's fill reconciliation for orders the executor
// can't learn about via a push channel: it polls the provider for fills
// until the order reaches a terminal state or the context is canceled.
func (e *engine) pollFills(ctx context.Context, orderID uuid.UUID, exchangeOrderID string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	applied := decimal.Zero
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		o, err := e.exch.GetOrder(ctx, exchangeOrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", orderID.String()).Msg("engine: poll order status")
			continue
		}

		fills, err := e.exch.GetOrderFills(ctx, exchangeOrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", orderID.String()).Msg("engine: poll order fills")
			continue
		}
		for _, fill := range fills {
			qty := decimal.NewFromFloat(fill.Quantity)
			if qty.LessThanOrEqual(applied) {
				continue
			}
			delta := qty.Sub(applied)
			applied = qty
			fees := delta.Mul(decimal.NewFromFloat(fill.Price)).Mul(decimal.NewFromFloat(e.takerFee()))
			if err := e.executor.ApplyFill(orderID, exchange.Fill{
				OrderID:   fill.OrderID,
				Quantity:  delta.InexactFloat64(),
				Price:     fill.Price,
				Timestamp: fill.Timestamp,
			}, fees); err != nil {
				log.Warn().Err(err).Str("order_id", orderID.String()).Msg("engine: apply fill")
			}
		}

		if o.Status == exchange.OrderStatusFilled || o.Status == exchange.OrderStatusCancelled || o.Status == exchange.OrderStatusRejected {
			return
		}
	}
}

func (e *engine) takerFee() float64 {
	if fc, ok := e.cfg.Exchanges[e.exchangeName]; ok {
		return fc.Fees.Taker
	}
	return 0.001
}

// handleFill drives C8 from a terminal or first-fill transition: it
// opens or increases the position and republishes position.update.
func (e *engine) handleFill(o execution.Order) {
	side := position.Long
	if o.Side == exchange.OrderSideSell {
		side = position.Short
	}

	e.mu.Lock()
	tp := e.pendingTP[o.OrderID]
	e.mu.Unlock()

	pos, exists := e.positions.OpenForSymbol(e.exchangeName, o.Symbol)
	if !exists {
		newPos, err := e.positions.Open(e.exchangeName, o.Symbol, side, o.FilledQuantity, o.AverageFillPrice, tp.stopLoss, tp.takeProfit)
		if err != nil {
			log.Error().Err(err).Str("order_id", o.OrderID.String()).Msg("engine: open position")
			return
		}
		pos = newPos
	} else if err := e.positions.Increase(pos.PositionID, o.FilledQuantity, o.AverageFillPrice, o.Fees); err != nil {
		log.Error().Err(err).Str("order_id", o.OrderID.String()).Msg("engine: increase position")
		return
	}

	ctx := context.Background()
	if err := e.fab.Publish(ctx, fabric.TopicPositionUpdate, o.Symbol, pos, o.OrderID); err != nil {
		log.Warn().Err(err).Str("symbol", o.Symbol).Msg("engine: publish position update")
	}
}

// handleReport drives C9: every terminal or fill transition is scored
// for slippage and execution quality and republished as an execution
// report.
func (e *engine) handleReport(r execution.Report) {
	ctx := context.Background()
	if err := e.fab.Publish(ctx, fabric.TopicExecutionReport, r.Order.Symbol, r, r.Order.OrderID); err != nil {
		log.Warn().Err(err).Str("symbol", r.Order.Symbol).Msg("engine: publish execution report")
	}

	if r.Order.Status != execution.Filled && r.Order.Status != execution.PartiallyFilled {
		return
	}

	report := analysis.Analyze(
		r.Order.OrderID,
		r.Order.Side,
		r.Order.ExpectedFillPrice.InexactFloat64(),
		r.Order.AverageFillPrice.InexactFloat64(),
		r.Order.FilledQuantity.InexactFloat64(),
		r.Order.Fees.InexactFloat64(),
		r.Order.UpdatedAt,
		r.Order.CreatedAt,
		e.analysisCfg,
	)
	logExecutionReport(r.Order.Symbol, report)
}

func logExecutionReport(symbol string, r analysis.Report) {
	log.Info().
		Str("symbol", symbol).
		Str("order_id", r.OrderID.String()).
		Float64("slippage", r.Slippage).
		Float64("cost", r.Cost).
		Float64("quality_score", r.QualityScore).
		Msg("engine: execution analyzed")
}

// handleStopTrigger reacts to a position manager stop/take-profit
// breach by force-closing at market, in case the exchange-side
// protective order didn't fire.
func (e *engine) handleStopTrigger(t position.StopTrigger) {
	pos, ok := e.positions.Get(t.PositionID)
	if !ok {
		return
	}
	side := exchange.OrderSideSell
	if pos.Side == position.Short {
		side = exchange.OrderSideBuy
	}
	ctx := context.Background()
	order, err := e.executor.Place(ctx, pos.Symbol, side, exchange.OrderTypeMarket, pos.Quantity, t.Price, t.Price, &t.PositionID)
	if err != nil {
		log.Error().Err(err).Str("position_id", t.PositionID.String()).Str("reason", t.Reason).Msg("engine: recovery close failed")
		return
	}
	log.Warn().Str("position_id", t.PositionID.String()).Str("reason", t.Reason).Str("order_id", order.OrderID.String()).Msg("engine: recovery close placed")
}

// sampleStdDev is the unbiased sample standard deviation of a return
// series, used as a volatility proxy where no OHLC bar data is wired.
func sampleStdDev(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}
