// Package connection keeps the market data feed alive and reconciles local
// trade state against the exchange after every reconnect.
package connection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
	"github.com/nirre55/trading-engine/pkg/errors"
)

// Feed is a stream of closed candles over one connection.
type Feed interface {
	Connect(ctx context.Context) error
	Next() (types.Candle, error)
	Close() error
}

// PositionReader fetches the live exchange position for the traded symbol.
type PositionReader interface {
	Position(ctx context.Context) (types.ExchangePosition, error)
}

// TradeRegistry is the slice of the order manager the supervisor needs for
// post-reconnect reconciliation.
type TradeRegistry interface {
	ActiveTrade() *types.Trade
	DropGhost(ctx context.Context, tradeID string) error
}

// EventNotifier receives connection lifecycle events.
type EventNotifier interface {
	ConnectionLost(attempts int)
	ConnectionRestored(attempts int)
}

// Supervisor owns the feed connection. It reads candles into a channel,
// reconnects with exponential backoff on any read failure, and after each
// successful reconnect reconciles local state with the exchange and holds a
// safe-mode window during which new trades get extra scrutiny.
type Supervisor struct {
	feed      Feed
	positions PositionReader
	trades    TradeRegistry
	notifier  EventNotifier
	cfg       config.ConnectionConfig
	logger    *logger.Logger

	candles chan types.Candle

	mu             sync.Mutex
	connected      bool
	attempts       int
	totalAttempts  int
	safeModeUntil  time.Time
	tradingBlocked bool
	blockReason    string
	lastCandleAt   time.Time

	now func() time.Time
}

// Status is a point-in-time view of the supervisor for health reporting.
type Status struct {
	Connected         bool
	ReconnectAttempts int
	SafeMode          bool
	TradingBlocked    bool
	BlockReason       string
	LastCandleAt      time.Time
}

// NewSupervisor creates a feed supervisor.
func NewSupervisor(feed Feed, positions PositionReader, trades TradeRegistry, notifier EventNotifier, cfg config.ConnectionConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{
		feed:      feed,
		positions: positions,
		trades:    trades,
		notifier:  notifier,
		cfg:       cfg,
		logger:    log,
		candles:   make(chan types.Candle, 16),
		now:       time.Now,
	}
}

// Candles returns the stream of closed candles. The channel is closed when
// Run returns.
func (s *Supervisor) Candles() <-chan types.Candle {
	return s.candles
}

// Run connects the feed and pumps candles until ctx is cancelled or the
// reconnection budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.candles)
	defer s.feed.Close()

	if err := s.connect(ctx); err != nil {
		if reconnErr := s.reconnect(ctx); reconnErr != nil {
			return reconnErr
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		candle, err := s.feed.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.setConnected(false)
			s.logger.Error("feed read failed", zap.Error(err))

			if reconnErr := s.reconnect(ctx); reconnErr != nil {
				return reconnErr
			}
			continue
		}

		s.mu.Lock()
		s.lastCandleAt = s.now()
		s.mu.Unlock()

		select {
		case s.candles <- candle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	timeout := s.cfg.ConnectTimeout.Std()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.feed.Connect(connectCtx); err != nil {
		return err
	}

	s.setConnected(true)
	return nil
}

// reconnect retries the feed connection with exponential backoff. After a
// successful attempt it reconciles state and opens the safe-mode window.
func (s *Supervisor) reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.attempts = 0
	total := s.totalAttempts
	s.mu.Unlock()

	s.notifier.ConnectionLost(total)

	for {
		s.mu.Lock()
		s.attempts++
		s.totalAttempts++
		attempt := s.attempts
		s.mu.Unlock()

		if s.cfg.MaxReconnectAttempts > 0 && attempt > s.cfg.MaxReconnectAttempts {
			return errors.Newf(errors.ErrCodeReconnectExhausted,
				"feed reconnection gave up after %d attempts", s.cfg.MaxReconnectAttempts)
		}

		delay := s.backoffDelay(attempt)
		s.logger.Info("feed reconnect scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := s.connect(ctx); err != nil {
			s.logger.Warn("feed reconnect failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		s.logger.Info("feed reconnected", zap.Int("attempts", attempt))
		s.notifier.ConnectionRestored(attempt)
		s.afterReconnect(ctx)
		return nil
	}
}

// backoffDelay is min(base * 2^(attempt-1), max) and never decreases.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	base := s.cfg.ReconnectBaseDelay.Std()
	if base <= 0 {
		base = time.Second
	}
	max := s.cfg.ReconnectMaxDelay.Std()
	if max <= 0 {
		max = 5 * time.Minute
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// afterReconnect runs the mandatory state sync and arms safe mode.
func (s *Supervisor) afterReconnect(ctx context.Context) {
	s.enterSafeMode()

	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error("post-reconnect reconciliation failed", zap.Error(err))
	}
}

// Reconcile compares the exchange position with the local active trade.
// An exchange position nobody tracks blocks new trades until an operator
// intervenes; a tracked trade the exchange no longer shows is dropped as a
// ghost.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	position, err := s.positions.Position(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTransient, "position fetch failed during reconciliation", err)
	}

	active := s.trades.ActiveTrade()

	switch {
	case !position.IsFlat() && active == nil:
		s.mu.Lock()
		s.tradingBlocked = true
		s.blockReason = "untracked exchange position detected"
		s.mu.Unlock()

		s.logger.Error("untracked exchange position, new trades blocked",
			zap.String("symbol", position.Symbol),
			zap.Float64("quantity", position.Quantity),
			zap.Float64("entry_price", position.EntryPrice),
		)
		return errors.Newf(errors.ErrCodeUntrackedPosition,
			"exchange shows %f %s with no local trade", position.Quantity, position.Symbol)

	case position.IsFlat() && active != nil:
		s.logger.Warn("local trade has no exchange position, dropping ghost",
			zap.String("trade_id", active.ID),
		)
		return s.trades.DropGhost(ctx, active.ID)

	default:
		s.logger.Info("reconciliation clean",
			zap.Bool("position_open", !position.IsFlat()),
			zap.Bool("trade_tracked", active != nil),
		)
		return nil
	}
}

// AllowNewTrade gates trade entry on connection health. Inside the safe-mode
// window the exchange position is read twice and both reads must agree and
// be flat before a new trade may open.
func (s *Supervisor) AllowNewTrade(ctx context.Context) error {
	s.mu.Lock()
	blocked := s.tradingBlocked
	reason := s.blockReason
	connected := s.connected
	safeMode := s.now().Before(s.safeModeUntil)
	s.mu.Unlock()

	if blocked {
		return errors.Newf(errors.ErrCodeTradingBlocked, "trading blocked: %s", reason)
	}
	if !connected {
		return errors.New(errors.ErrCodeFeedDisconnected, "feed disconnected")
	}
	if !safeMode {
		return nil
	}

	first, err := s.positions.Position(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTradingBlocked, "safe mode position check failed", err)
	}
	second, err := s.positions.Position(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTradingBlocked, "safe mode position re-check failed", err)
	}

	if !first.IsFlat() || !second.IsFlat() {
		return errors.New(errors.ErrCodeTradingBlocked, "safe mode: exchange position still open")
	}
	if first.Quantity != second.Quantity {
		return errors.New(errors.ErrCodeTradingBlocked, "safe mode: position reads disagree")
	}
	return nil
}

// UnblockTrading clears the manual-intervention latch set by an untracked
// position.
func (s *Supervisor) UnblockTrading() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tradingBlocked {
		s.tradingBlocked = false
		s.blockReason = ""
		s.logger.Info("trading unblocked by operator")
	}
}

// Status reports the current connection state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Connected:         s.connected,
		ReconnectAttempts: s.totalAttempts,
		SafeMode:          s.now().Before(s.safeModeUntil),
		TradingBlocked:    s.tradingBlocked,
		BlockReason:       s.blockReason,
		LastCandleAt:      s.lastCandleAt,
	}
}

func (s *Supervisor) enterSafeMode() {
	duration := s.cfg.SafeModeDuration.Std()
	if duration <= 0 {
		duration = 5 * time.Minute
	}

	s.mu.Lock()
	s.safeModeUntil = s.now().Add(duration)
	s.mu.Unlock()

	s.logger.Info("safe mode armed", zap.Duration("duration", duration))
}

func (s *Supervisor) setConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}
