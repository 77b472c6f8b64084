package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
)

// Watcher polls the exchange's open-orders set and infers protection fills
// from order-id disappearance: a protective order missing from the set has
// either filled or been cancelled, and only this process cancels orders.
type Watcher struct {
	manager  *Manager
	gateway  Gateway
	interval time.Duration
	logger   *logger.Logger
}

// NewWatcher creates a watcher over the manager's active trade.
func NewWatcher(manager *Manager, gateway Gateway, interval time.Duration, log *logger.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Watcher{
		manager:  manager,
		gateway:  gateway,
		interval: interval,
		logger:   log,
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("order watcher started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("order watcher stopped")

			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check performs one poll cycle. Exported so the engine can force a check
// after reconnection.
func (w *Watcher) Check(ctx context.Context) {
	state, ok := w.manager.protectionSnapshot()
	if !ok {
		return
	}

	openOrders, err := w.gateway.OpenOrders(ctx)
	if err != nil {
		w.logger.Warn("open orders poll failed", zap.Error(err))

		return
	}

	present := make(map[int64]bool, len(openOrders))
	for _, o := range openOrders {
		present[o.ExchangeOrderID] = true
	}

	slGone := !present[state.slOrderID]
	tpGone := !present[state.tpOrderID]

	switch {
	case slGone && tpGone:
		// Both protective orders vanished in one interval. The position
		// state is unknowable from the order set alone, so force a close.
		w.logger.Error("both protection orders gone, forcing close",
			zap.String("trade_id", state.tradeID),
			zap.Int64("sl_order_id", state.slOrderID),
			zap.Int64("tp_order_id", state.tpOrderID))

		if err := w.manager.ForceClose(ctx, state.tradeID, types.ExitReasonAnomaly); err != nil {
			// A rejected reduce-only close means the position is already
			// flat; retire the trade instead of retrying forever.
			w.logger.Error("force close failed, dropping trade",
				zap.String("trade_id", state.tradeID),
				zap.Error(err))

			_ = w.manager.DropGhost(ctx, state.tradeID)
		}
	case slGone:
		w.logger.Info("stop loss filled", zap.String("trade_id", state.tradeID))
		w.manager.SettleExternalExit(ctx, state.tradeID, state.slOrderID, state.tpOrderID, types.ExitReasonStopLoss)
	case tpGone:
		w.logger.Info("take profit filled", zap.String("trade_id", state.tradeID))
		w.manager.SettleExternalExit(ctx, state.tradeID, state.tpOrderID, state.slOrderID, types.ExitReasonTakeProfit)
	}
}
