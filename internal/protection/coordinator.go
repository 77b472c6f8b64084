// Package protection defers stop-loss and take-profit placement until the
// entry candle has closed, then re-anchors the levels to the live price
// before handing them to the order manager.
package protection

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

// PriceSource reads the live mark price for the traded symbol.
type PriceSource interface {
	LastPrice(ctx context.Context) (float64, error)
}

// OrderPlacer attaches protective orders to an open trade.
type OrderPlacer interface {
	PlaceProtection(ctx context.Context, tradeID string, stopLoss, takeProfit float64) error
}

// PendingProtection is one trade waiting for its entry candle to close.
// processingStartedAt doubles as the in-flight lock token: a non-zero value
// means some goroutine claimed the entry, and a value older than the
// re-entrancy window means that claim went stale and may be retaken.
type PendingProtection struct {
	TradeID        string
	Direction      types.Direction
	EntryPrice     float64
	OriginalStop   float64
	OriginalTarget float64
	Deadline       time.Time
	Placed         bool

	processingStartedAt time.Time
}

// Coordinator tracks trades whose protection is deferred and places the
// stop-loss/take-profit pair once each trade's deadline passes. Placement
// for a given trade happens exactly once even when the periodic monitor and
// a forced trigger race.
type Coordinator struct {
	orders OrderPlacer
	prices PriceSource
	cfg    config.ProtectionConfig
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]*PendingProtection

	now func() time.Time
}

// NewCoordinator creates a protection coordinator.
func NewCoordinator(orders OrderPlacer, prices PriceSource, cfg config.ProtectionConfig, log *logger.Logger) *Coordinator {
	return &Coordinator{
		orders:  orders,
		prices:  prices,
		cfg:     cfg,
		logger:  log,
		pending: make(map[string]*PendingProtection),
		now:     time.Now,
	}
}

// Register enrolls a freshly opened trade. Its protective orders will be
// placed once deadline passes, at levels re-checked against the live price.
func (c *Coordinator) Register(trade *types.Trade, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[trade.ID] = &PendingProtection{
		TradeID:        trade.ID,
		Direction:      trade.Direction,
		EntryPrice:     trade.EntryPrice,
		OriginalStop:   trade.StopLoss,
		OriginalTarget: trade.TakeProfit,
		Deadline:       deadline,
	}

	c.logger.Info("trade registered for deferred protection",
		zap.String("trade_id", trade.ID),
		zap.Time("deadline", deadline),
		zap.Float64("stop_loss", trade.StopLoss),
		zap.Float64("take_profit", trade.TakeProfit),
	)
}

// Cancel removes a trade from deferred handling, typically because the trade
// was closed before its entry candle finished.
func (c *Coordinator) Cancel(tradeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[tradeID]; ok {
		delete(c.pending, tradeID)
		c.logger.Info("deferred protection cancelled", zap.String("trade_id", tradeID))
	}
}

// PendingCount reports how many trades still await protection placement.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.pending {
		if !p.Placed {
			n++
		}
	}
	return n
}

// Run drives the periodic monitor until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Process(ctx)
		}
	}
}

// Process places protection for every trade whose deadline has passed.
// Exported so the engine can force a sweep after a reconnect.
func (c *Coordinator) Process(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var due []string
	for id, p := range c.pending {
		if !p.Placed && now.After(p.Deadline) && c.claimLocked(p, now) {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		if err := c.place(ctx, id); err != nil {
			c.logger.Error("deferred protection placement failed",
				zap.String("trade_id", id),
				zap.Error(err),
			)
		}
	}
}

// ForceProcess places protection for one trade immediately, ignoring its
// deadline. Returns ErrCodeTradeNotFound when the trade is not pending and
// ErrCodeProtectionFailed when another goroutine already holds the claim.
func (c *Coordinator) ForceProcess(ctx context.Context, tradeID string) error {
	now := c.now()

	c.mu.Lock()
	p, ok := c.pending[tradeID]
	if !ok || p.Placed {
		c.mu.Unlock()
		return errors.Newf(errors.ErrCodeTradeNotFound, "trade %s is not awaiting protection", tradeID)
	}
	if !c.claimLocked(p, now) {
		c.mu.Unlock()
		return errors.Newf(errors.ErrCodeProtectionFailed, "trade %s is already being processed", tradeID)
	}
	c.mu.Unlock()

	return c.place(ctx, tradeID)
}

// claimLocked takes the in-flight marker for p. The caller holds c.mu.
// A marker older than the re-entrancy window is treated as abandoned: it is
// reset here and the entry becomes claimable again on the next cycle.
func (c *Coordinator) claimLocked(p *PendingProtection, now time.Time) bool {
	window := c.cfg.ProcessingTimeout.Std()
	if window <= 0 {
		window = time.Minute
	}
	if !p.processingStartedAt.IsZero() {
		if now.Sub(p.processingStartedAt) <= window {
			return false
		}
		p.processingStartedAt = time.Time{}
		return false
	}
	p.processingStartedAt = now
	return true
}

// place performs the network work for one claimed entry. No lock is held
// while talking to the exchange; the entry is re-checked before mutation.
func (c *Coordinator) place(ctx context.Context, tradeID string) error {
	c.mu.Lock()
	p, ok := c.pending[tradeID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	snapshot := *p
	c.mu.Unlock()

	current, err := c.prices.LastPrice(ctx)
	if err != nil {
		c.release(tradeID)
		return errors.Wrap(errors.ErrCodeProtectionFailed, "live price unavailable", err)
	}

	stop := c.adjustedStop(snapshot.Direction, snapshot.OriginalStop, current)
	target := c.adjustedTarget(snapshot.Direction, snapshot.OriginalTarget, current)

	if stop != snapshot.OriginalStop || target != snapshot.OriginalTarget {
		c.logger.Warn("protective levels re-anchored to live price",
			zap.String("trade_id", tradeID),
			zap.Float64("price", current),
			zap.Float64("original_stop", snapshot.OriginalStop),
			zap.Float64("stop", stop),
			zap.Float64("original_target", snapshot.OriginalTarget),
			zap.Float64("target", target),
		)
	}

	if err := c.orders.PlaceProtection(ctx, tradeID, stop, target); err != nil {
		c.release(tradeID)
		return err
	}

	// The entry stays registered with Placed set until the trade closes and
	// Cancel retires it; only the in-flight marker is cleared here.
	c.mu.Lock()
	if p, ok := c.pending[tradeID]; ok {
		p.Placed = true
		p.processingStartedAt = time.Time{}
	}
	c.mu.Unlock()

	c.logger.Info("deferred protection placed",
		zap.String("trade_id", tradeID),
		zap.Float64("stop_loss", stop),
		zap.Float64("take_profit", target),
	)
	return nil
}

// release clears the in-flight marker so the next cycle can retry.
func (c *Coordinator) release(tradeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[tradeID]; ok {
		p.processingStartedAt = time.Time{}
	}
}

// adjustedStop returns the stop level to use given the live price. A stop
// the price has already breached is re-set beyond the current price by the
// configured offset, and in every case the stop sits at least the minimum
// distance away from the current price so it cannot fire on placement.
func (c *Coordinator) adjustedStop(direction types.Direction, original, current float64) float64 {
	offset := current * c.cfg.OffsetPercent / 100
	minGap := current * c.cfg.MinDistancePercent / 100

	if direction == types.DirectionLong {
		stop := original
		if current < original {
			stop = current - offset
		}
		if stop > current-minGap {
			stop = current - minGap
		}
		return stop
	}

	stop := original
	if current > original {
		stop = current + offset
	}
	if stop < current+minGap {
		stop = current + minGap
	}
	return stop
}

// adjustedTarget mirrors adjustedStop for the take-profit side. A target the
// price has already crossed is moved past the current price by the offset,
// locking in the improvement instead of filling at the stale level.
func (c *Coordinator) adjustedTarget(direction types.Direction, original, current float64) float64 {
	offset := current * c.cfg.OffsetPercent / 100
	minGap := current * c.cfg.MinDistancePercent / 100

	if direction == types.DirectionLong {
		target := original
		if current > original {
			target = current + offset
		}
		if target < current+minGap {
			target = current + minGap
		}
		return target
	}

	target := original
	if current < original {
		target = current - offset
	}
	if target > current-minGap {
		target = current - minGap
	}
	return target
}
