// Package engine wires the candle feed, indicators, signal detection, risk
// checks, and order execution into one trading loop.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/connection"
	"github.com/nirre55/trading-engine/internal/indicator"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/notify"
	"github.com/nirre55/trading-engine/internal/order"
	"github.com/nirre55/trading-engine/internal/risk"
	"github.com/nirre55/trading-engine/internal/signal"
	"github.com/nirre55/trading-engine/internal/types"
	"github.com/nirre55/trading-engine/pkg/errors"
)

// SignalSink receives every confirmed signal, whether or not it turns into a
// trade.
type SignalSink interface {
	OnSignal(signal types.Signal)
}

// TradeLifecycleSink receives trade open and close events.
type TradeLifecycleSink interface {
	OnTradeOpened(trade *types.Trade)
	OnTradeClosed(trade *types.Trade)
}

// MarketData is the slice of the exchange gateway the engine reads from.
type MarketData interface {
	AccountInfo(ctx context.Context) (types.AccountInfo, error)
	RecentCandles(ctx context.Context, interval string, limit int) ([]types.Candle, error)
	Ping(ctx context.Context) error
}

// TradeExecutor opens and closes trades. Implemented by the order manager.
type TradeExecutor interface {
	OpenTrade(ctx context.Context, direction types.Direction, size types.PositionSize, placeProtection bool) (*types.Trade, error)
	CloseAll(ctx context.Context, reason string) int
	ActiveTrade() *types.Trade
	ActiveCount() int
	AddTradeOpenedCallback(cb order.TradeCallback)
	AddTradeClosedCallback(cb order.TradeCallback)
}

// ProtectionScheduler defers SL/TP placement past the entry candle.
type ProtectionScheduler interface {
	Register(trade *types.Trade, deadline time.Time)
	Cancel(tradeID string)
	PendingCount() int
}

// ConnectionGate reports feed health and vets new trades after reconnects.
type ConnectionGate interface {
	AllowNewTrade(ctx context.Context) error
	Status() connection.Status
}

// Engine drives one symbol through the full pipeline: each closed candle
// updates the indicators, the detector may confirm a signal, the risk
// manager sizes it, and the order manager executes it.
type Engine struct {
	cfg        *config.Config
	market     MarketData
	gate       ConnectionGate
	candles    <-chan types.Candle
	builder    *indicator.SnapshotBuilder
	detector   *signal.Detector
	risk       *risk.Manager
	orders     TradeExecutor
	protection ProtectionScheduler
	notifier   notify.Notifier
	logger     *logger.Logger

	signalSinks []SignalSink
	tradeSinks  []TradeLifecycleSink

	lastCandleAt time.Time
}

// New creates the engine and hooks the order manager's lifecycle callbacks
// into risk accounting, protection cleanup, and notifications.
func New(
	cfg *config.Config,
	market MarketData,
	gate ConnectionGate,
	candles <-chan types.Candle,
	riskManager *risk.Manager,
	orders TradeExecutor,
	protection ProtectionScheduler,
	notifier notify.Notifier,
	log *logger.Logger,
) *Engine {
	e := &Engine{
		cfg: cfg,
		builder: indicator.NewSnapshotBuilder(indicator.BuilderConfig{
			RSIFastPeriod: cfg.Strategy.RSIFastPeriod,
			RSIMidPeriod:  cfg.Strategy.RSIMidPeriod,
			RSISlowPeriod: cfg.Strategy.RSISlowPeriod,
			EMAPeriod:     cfg.Strategy.EMAPeriod,
			MTFFactor:     cfg.Strategy.MTFFactor,
		}),
		detector:   signal.NewDetector(cfg.Strategy, log),
		market:     market,
		gate:       gate,
		candles:    candles,
		risk:       riskManager,
		orders:     orders,
		protection: protection,
		notifier:   notifier,
		logger:     log,
	}

	orders.AddTradeOpenedCallback(e.onTradeOpened)
	orders.AddTradeClosedCallback(e.onTradeClosed)

	return e
}

// AddSignalSink registers an observer for confirmed signals.
func (e *Engine) AddSignalSink(sink SignalSink) {
	e.signalSinks = append(e.signalSinks, sink)
}

// AddTradeLifecycleSink registers an observer for trade open/close events.
func (e *Engine) AddTradeLifecycleSink(sink TradeLifecycleSink) {
	e.tradeSinks = append(e.tradeSinks, sink)
}

// Warmup replays recent history through the indicators so the first live
// candle already has full context.
func (e *Engine) Warmup(ctx context.Context) error {
	need := e.builder.MinHistory() + 10

	candles, err := e.market.RecentCandles(ctx, e.cfg.Exchange.Interval, need)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDataNotFound, "historical warmup failed", err)
	}
	if len(candles) < e.builder.MinHistory() {
		return errors.Newf(errors.ErrCodeDataNotFound,
			"warmup needs %d candles, exchange returned %d", e.builder.MinHistory(), len(candles))
	}

	e.builder.Warmup(candles)
	e.logger.Info("indicator warmup complete", zap.Int("candles", len(candles)))
	return nil
}

// Run processes candles until the channel closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.refreshBalance(ctx); err != nil {
		return err
	}

	healthInterval := e.cfg.Connection.HealthCheckInterval.Std()
	if healthInterval <= 0 {
		healthInterval = time.Minute
	}
	healthTicker := time.NewTicker(healthInterval)
	defer healthTicker.Stop()

	resetTimer := time.NewTimer(untilNextMidnight(time.Now().UTC()))
	defer resetTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case candle, ok := <-e.candles:
			if !ok {
				return errors.New(errors.ErrCodeFeedDisconnected, "candle stream ended")
			}
			e.handleCandle(ctx, candle)

		case <-healthTicker.C:
			e.logHealth(ctx)

		case <-resetTimer.C:
			e.risk.ResetDaily()
			e.logger.Info("daily counters reset")
			resetTimer.Reset(untilNextMidnight(time.Now().UTC()))
		}
	}
}

// handleCandle runs the per-candle pipeline and swallows trade errors so one
// failed entry never stops the loop. Systemic errors trip the emergency stop.
func (e *Engine) handleCandle(ctx context.Context, candle types.Candle) {
	e.lastCandleAt = candle.CloseTime

	snapshot := e.builder.Update(candle)

	sig := e.detector.Process(snapshot, candle.CloseTime)
	if sig == nil {
		return
	}

	e.notifier.SignalConfirmed(*sig)
	for _, sink := range e.signalSinks {
		sink.OnSignal(*sig)
	}

	if err := e.openFromSignal(ctx, sig, candle); err != nil {
		e.notifier.TradeRejected(sig.Direction, err.Error())

		if errors.IsSystemic(err) {
			e.tripEmergencyStop(ctx, err.Error())
		}
	}
}

// openFromSignal turns a confirmed signal into a sized, executed trade.
func (e *Engine) openFromSignal(ctx context.Context, sig *types.Signal, candle types.Candle) error {
	if e.orders.ActiveTrade() != nil {
		return errors.New(errors.ErrCodeTradeActive, "a trade is already open")
	}

	if stopped, reason := e.risk.EmergencyStopped(); stopped {
		return errors.Newf(errors.ErrCodeEmergencyStop, "emergency stop active: %s", reason)
	}

	if err := e.gate.AllowNewTrade(ctx); err != nil {
		return err
	}

	if err := e.refreshBalance(ctx); err != nil {
		return err
	}
	if err := e.risk.Validate(); err != nil {
		return err
	}

	entry := sig.Snapshot.Close
	stopLoss, _ := e.risk.Levels(sig.Direction, entry)

	size, err := e.risk.Size(sig.Direction, entry, stopLoss)
	if err != nil {
		return err
	}

	deferred := e.cfg.Protection.Deferred
	trade, err := e.orders.OpenTrade(ctx, sig.Direction, size, !deferred)
	if err != nil {
		return err
	}

	if deferred {
		deadline := candle.CloseTime.Add(e.cfg.CandleDuration())
		e.protection.Register(trade, deadline)
	}
	return nil
}

func (e *Engine) onTradeOpened(trade *types.Trade) {
	e.notifier.TradeOpened(trade)
	for _, sink := range e.tradeSinks {
		sink.OnTradeOpened(trade)
	}
}

func (e *Engine) onTradeClosed(trade *types.Trade) {
	e.protection.Cancel(trade.ID)

	if trade.PnL.IsSome() {
		e.risk.RecordOutcome(trade.PnL.TakeOr(0))
	}

	e.notifier.TradeClosed(trade)
	for _, sink := range e.tradeSinks {
		sink.OnTradeClosed(trade)
	}
}

// tripEmergencyStop latches the risk manager and force-closes everything.
// Close failures are retried on a short backoff before giving up to manual
// intervention.
func (e *Engine) tripEmergencyStop(ctx context.Context, reason string) {
	e.risk.TriggerEmergencyStop(reason)
	e.notifier.EmergencyStop(reason)

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt-1) * time.Second):
			}
		}

		if e.orders.ActiveCount() == 0 {
			return
		}
		e.orders.CloseAll(ctx, types.ExitReasonEmergency)
		if e.orders.ActiveCount() == 0 {
			return
		}
	}

	if e.orders.ActiveCount() > 0 {
		e.logger.Error("emergency close incomplete, manual intervention required",
			zap.Int("open_trades", e.orders.ActiveCount()))
	}
}

func (e *Engine) refreshBalance(ctx context.Context) error {
	account, err := e.market.AccountInfo(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTransient, "balance refresh failed", err)
	}

	e.risk.UpdateBalance(account.Balance)
	return nil
}

// Health reports the current engine state for external monitoring.
func (e *Engine) Health() types.HealthSnapshot {
	metrics := e.risk.Metrics()
	status := e.gate.Status()

	return types.HealthSnapshot{
		Timestamp:         time.Now(),
		Balance:           metrics.Balance,
		ActiveTrades:      e.orders.ActiveCount(),
		PendingProtection: e.protection.PendingCount(),
		FeedConnected:     status.Connected,
		FeedState:         feedState(status),
		LastCandleAt:      e.lastCandleAt,
		ReconnectAttempts: status.ReconnectAttempts,
		EmergencyStop:     metrics.EmergencyStop,
		DailyPnL:          metrics.DailyPnL,
		DailyTrades:       metrics.DailyTradeCount,
		ConsecutiveLosses: metrics.ConsecutiveLosses,
	}
}

func (e *Engine) logHealth(ctx context.Context) {
	snapshot := e.Health()

	if err := e.market.Ping(ctx); err != nil {
		e.logger.Warn("exchange ping failed", zap.Error(err))
	}

	e.logger.Info("health",
		zap.Float64("balance", snapshot.Balance),
		zap.Int("active_trades", snapshot.ActiveTrades),
		zap.Int("pending_protection", snapshot.PendingProtection),
		zap.Bool("feed_connected", snapshot.FeedConnected),
		zap.String("feed_state", snapshot.FeedState),
		zap.Bool("emergency_stop", snapshot.EmergencyStop),
		zap.Float64("daily_pnl", snapshot.DailyPnL),
		zap.Int("daily_trades", snapshot.DailyTrades),
	)
}

func feedState(status connection.Status) string {
	switch {
	case status.TradingBlocked:
		return "BLOCKED"
	case !status.Connected:
		return "RECONNECTING"
	case status.SafeMode:
		return "SAFE_MODE"
	default:
		return "CONNECTED"
	}
}

func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}
