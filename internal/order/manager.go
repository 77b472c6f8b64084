// Package order owns the trade lifecycle: entry execution with limit
// timeout and market fallback, protection placement, exit accounting, and
// the open-orders watcher that detects protection fills.
package order

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
	"github.com/nirre55/trading-engine/pkg/errors"
)

// Gateway is the slice of the exchange gateway the order manager needs.
type Gateway interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID int64) error
	OpenOrders(ctx context.Context) ([]*types.Order, error)
	LastPrice(ctx context.Context) (float64, error)
}

// TradeCallback observes a trade lifecycle transition.
type TradeCallback func(trade *types.Trade)

// ExecutionNotifier receives degraded-execution and protection events so
// every fallback is attributable after the fact.
type ExecutionNotifier interface {
	ExecutionFallback(tradeID, detail string)
	ProtectionPlaced(tradeID string, stopLoss, takeProfit float64)
}

// Manager executes and tracks trades. At most one trade may be non-terminal
// at any time. The registry mutex is never held across gateway calls.
type Manager struct {
	gateway  Gateway
	cfg      config.OrderConfig
	symbol   string
	notifier ExecutionNotifier
	logger   *logger.Logger

	mu        sync.Mutex
	active    map[string]*types.Trade
	completed []*types.Trade

	onOpened []TradeCallback
	onClosed []TradeCallback
}

// NewManager creates a manager with an empty registry.
func NewManager(gateway Gateway, cfg config.OrderConfig, symbol string, notifier ExecutionNotifier, log *logger.Logger) *Manager {
	return &Manager{
		gateway:  gateway,
		cfg:      cfg,
		symbol:   symbol,
		notifier: notifier,
		logger:   log,
		active:   make(map[string]*types.Trade),
	}
}

// AddTradeOpenedCallback registers an observer for trades reaching OPEN.
func (m *Manager) AddTradeOpenedCallback(cb TradeCallback) {
	m.onOpened = append(m.onOpened, cb)
}

// AddTradeClosedCallback registers an observer for trades reaching CLOSED or
// FAILED.
func (m *Manager) AddTradeClosedCallback(cb TradeCallback) {
	m.onClosed = append(m.onClosed, cb)
}

// ActiveTrade returns the single non-terminal trade, or nil.
func (m *Manager) ActiveTrade() *types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.active {
		return t
	}

	return nil
}

// ActiveCount returns the number of non-terminal trades.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

// CompletedTrades returns a copy of the finished-trade history.
func (m *Manager) CompletedTrades() []*types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Trade, len(m.completed))
	copy(out, m.completed)

	return out
}

// GetTrade looks up a trade in the active registry.
func (m *Manager) GetTrade(tradeID string) (*types.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.active[tradeID]

	return t, ok
}

// protectionState is a by-value view of the active trade's protection pair.
// The watcher works from this snapshot instead of dereferencing the shared
// Trade pointer, which other goroutines mutate under the registry lock.
type protectionState struct {
	tradeID   string
	slOrderID int64
	tpOrderID int64
}

// protectionSnapshot copies the active trade's protection order IDs under
// the registry lock. Returns false when no OPEN trade with a full
// protection pair exists.
func (m *Manager) protectionSnapshot() (protectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.active {
		if t.Status != types.TradeStatusOpen || t.SLOrder == nil || t.TPOrder == nil {
			return protectionState{}, false
		}

		return protectionState{
			tradeID:   t.ID,
			slOrderID: t.SLOrder.ExchangeOrderID,
			tpOrderID: t.TPOrder.ExchangeOrderID,
		}, true
	}

	return protectionState{}, false
}

// OpenTrade executes the entry for a sized signal and registers the trade.
// When placeProtection is false the caller is responsible for attaching the
// protection pair later (deferred mode). Returns the trade in OPEN state, or
// an error with the trade left FAILED and no position held.
func (m *Manager) OpenTrade(ctx context.Context, direction types.Direction, size types.PositionSize, placeProtection bool) (*types.Trade, error) {
	m.mu.Lock()

	if len(m.active) > 0 {
		m.mu.Unlock()

		return nil, errors.New(errors.ErrCodeTradeActive, "a trade is already active")
	}

	trade := &types.Trade{
		ID:         uuid.New().String(),
		Symbol:     m.symbol,
		Direction:  direction,
		Status:     types.TradeStatusOpening,
		Quantity:   size.Quantity,
		EntryPrice: size.EntryEstimate,
		StopLoss:   size.StopLoss,
		TakeProfit: size.TakeProfit,
		CreatedAt:  time.Now(),
	}
	m.active[trade.ID] = trade
	m.mu.Unlock()

	m.logger.Info("opening trade",
		zap.String("trade_id", trade.ID),
		zap.String("direction", string(direction)),
		zap.Float64("quantity", size.Quantity),
		zap.Float64("entry_estimate", size.EntryEstimate))

	entry, err := m.executeEntry(ctx, trade, size)
	if err != nil {
		m.failTrade(trade, err.Error())

		return nil, err
	}

	m.mu.Lock()
	trade.EntryOrder = entry
	if entry.AvgFillPrice > 0 {
		trade.EntryPrice = entry.AvgFillPrice
	}

	// Re-anchor protection distances to the actual fill.
	stopDist := math.Abs(size.EntryEstimate - size.StopLoss)
	targetDist := math.Abs(size.TakeProfit - size.EntryEstimate)

	if direction == types.DirectionLong {
		trade.StopLoss = trade.EntryPrice - stopDist
		trade.TakeProfit = trade.EntryPrice + targetDist
	} else {
		trade.StopLoss = trade.EntryPrice + stopDist
		trade.TakeProfit = trade.EntryPrice - targetDist
	}

	trade.Status = types.TradeStatusOpen
	trade.OpenedAt = optional.Some(time.Now())
	m.mu.Unlock()

	m.logger.Info("entry filled",
		zap.String("trade_id", trade.ID),
		zap.Float64("fill_price", trade.EntryPrice),
		zap.Float64("stop_loss", trade.StopLoss),
		zap.Float64("take_profit", trade.TakeProfit))

	if placeProtection {
		if err := m.PlaceProtection(ctx, trade.ID, trade.StopLoss, trade.TakeProfit); err != nil {
			m.logger.Error("protection placement failed",
				zap.String("trade_id", trade.ID),
				zap.Error(err))
		}
	}

	for _, cb := range m.onOpened {
		cb(trade)
	}

	return trade, nil
}

// executeEntry places the entry order and waits for the fill. Limit entries
// poll until EntryFillTimeout, then cancel and either fall back to a market
// order or give up, depending on configuration.
func (m *Manager) executeEntry(ctx context.Context, trade *types.Trade, size types.PositionSize) (*types.Order, error) {
	side := types.EntrySide(trade.Direction)

	if m.cfg.EntryType == "MARKET" {
		return m.marketEntry(ctx, trade, side, size)
	}

	limitPrice, err := m.limitPrice(ctx, side, size.EntryEstimate)
	if err != nil {
		return nil, err
	}

	order, err := m.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   m.symbol,
		Side:     side,
		Type:     types.OrderTypeLimit,
		Quantity: trade.Quantity,
		Price:    limitPrice,
	})
	if err != nil {
		return nil, err
	}

	filled, err := m.waitForFill(ctx, order.ExchangeOrderID)
	if err == nil {
		return filled, nil
	}

	if !errors.HasCode(err, errors.ErrCodeFillTimeout) {
		return nil, err
	}

	// Timeout: cancel, then re-query. The order may have filled while the
	// cancel was in flight.
	if cancelErr := m.gateway.CancelOrder(ctx, order.ExchangeOrderID); cancelErr != nil {
		m.logger.Warn("cancel after fill timeout failed",
			zap.Int64("order_id", order.ExchangeOrderID),
			zap.Error(cancelErr))
	}

	final, queryErr := m.gateway.GetOrder(ctx, order.ExchangeOrderID)
	if queryErr == nil && final.Status == types.OrderStatusFilled {
		m.logger.Info("limit entry filled during cancellation",
			zap.Int64("order_id", order.ExchangeOrderID))

		return final, nil
	}

	if !m.cfg.MarketFallback {
		return nil, errors.Newf(errors.ErrCodeFillTimeout,
			"limit entry %d not filled within %s and market fallback disabled",
			order.ExchangeOrderID, m.cfg.EntryFillTimeout.Std())
	}

	m.logger.Warn("limit entry timed out, falling back to market",
		zap.Int64("order_id", order.ExchangeOrderID),
		zap.Float64("limit_price", limitPrice))
	m.notifier.ExecutionFallback(trade.ID,
		fmt.Sprintf("limit order %d unfilled after %s, using market entry",
			order.ExchangeOrderID, m.cfg.EntryFillTimeout.Std()))

	return m.marketEntry(ctx, trade, side, size)
}

// marketEntry places a market order and enforces the slippage ceiling
// against the intended entry price. A breach flattens the position and
// fails the trade.
func (m *Manager) marketEntry(ctx context.Context, trade *types.Trade, side types.OrderSide, size types.PositionSize) (*types.Order, error) {
	order, err := m.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   m.symbol,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: trade.Quantity,
	})
	if err != nil {
		return nil, err
	}

	if order.Status != types.OrderStatusFilled {
		polled, pollErr := m.waitForFill(ctx, order.ExchangeOrderID)
		if pollErr != nil {
			return nil, errors.Wrapf(errors.ErrCodeOrderStateUnknown, pollErr,
				"market entry %d did not report a fill", order.ExchangeOrderID)
		}

		order = polled
	}

	if m.cfg.MaxSlippagePercent > 0 && order.AvgFillPrice > 0 && size.EntryEstimate > 0 {
		slippage := math.Abs(order.AvgFillPrice-size.EntryEstimate) / size.EntryEstimate * 100
		if slippage > m.cfg.MaxSlippagePercent {
			m.logger.Error("slippage ceiling breached, flattening",
				zap.Float64("intended", size.EntryEstimate),
				zap.Float64("filled", order.AvgFillPrice),
				zap.Float64("slippage_pct", slippage))

			m.flatten(ctx, trade.Direction, order.FilledQty)

			return nil, errors.Newf(errors.ErrCodeSlippageExceeded,
				"fill %.4f deviates %.2f%% from intended %.4f",
				order.AvgFillPrice, slippage, size.EntryEstimate)
		}
	}

	return order, nil
}

// limitPrice derives the passive entry price from the current tick, offset
// by the configured spread below for buys and above for sells.
func (m *Manager) limitPrice(ctx context.Context, side types.OrderSide, fallback float64) (float64, error) {
	price, err := m.gateway.LastPrice(ctx)
	if err != nil {
		if fallback > 0 {
			return fallback, nil
		}

		return 0, err
	}

	offset := price * m.cfg.LimitSpreadPercent / 100
	if side == types.OrderSideBuy {
		return price - offset, nil
	}

	return price + offset, nil
}

// waitForFill polls order status until it fills, fails, or the entry fill
// timeout elapses.
func (m *Manager) waitForFill(ctx context.Context, orderID int64) (*types.Order, error) {
	deadline := time.Now().Add(m.cfg.EntryFillTimeout.Std())

	interval := m.cfg.WatchInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}

	for {
		order, err := m.gateway.GetOrder(ctx, orderID)
		if err == nil {
			switch order.Status {
			case types.OrderStatusFilled:
				return order, nil
			case types.OrderStatusCancelled, types.OrderStatusFailed:
				return nil, errors.Newf(errors.ErrCodeOrderFailed,
					"order %d reached %s while waiting for fill", orderID, order.Status)
			case types.OrderStatusPending:
			}
		} else {
			m.logger.Warn("order status poll failed",
				zap.Int64("order_id", orderID),
				zap.Error(err))
		}

		if time.Now().After(deadline) {
			return nil, errors.Newf(errors.ErrCodeFillTimeout,
				"order %d not filled within %s", orderID, m.cfg.EntryFillTimeout.Std())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// PlaceProtection attaches the stop-market SL and limit TP pair to an open
// trade. Both are reduce-only so a stale order can never flip the position.
func (m *Manager) PlaceProtection(ctx context.Context, tradeID string, stopLoss, takeProfit float64) error {
	m.mu.Lock()
	trade, ok := m.active[tradeID]
	if !ok {
		m.mu.Unlock()

		return errors.Newf(errors.ErrCodeTradeNotFound, "trade %s not active", tradeID)
	}

	closeSide := types.CloseSide(trade.Direction)
	quantity := trade.Quantity
	m.mu.Unlock()

	slOrder, slErr := m.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     m.symbol,
		Side:       closeSide,
		Type:       types.OrderTypeStopMarket,
		Quantity:   quantity,
		StopPrice:  stopLoss,
		ReduceOnly: true,
	})

	tpOrder, tpErr := m.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     m.symbol,
		Side:       closeSide,
		Type:       types.OrderTypeLimit,
		Quantity:   quantity,
		Price:      takeProfit,
		ReduceOnly: true,
	})

	m.mu.Lock()
	if slErr == nil {
		trade.SLOrder = slOrder
		trade.StopLoss = stopLoss
	}

	if tpErr == nil {
		trade.TPOrder = tpOrder
		trade.TakeProfit = takeProfit
	}
	m.mu.Unlock()

	if slErr != nil || tpErr != nil {
		err := slErr
		if err == nil {
			err = tpErr
		}

		return errors.Wrapf(errors.ErrCodeProtectionFailed, err,
			"protection incomplete for trade %s", tradeID)
	}

	m.logger.Info("protection placed",
		zap.String("trade_id", tradeID),
		zap.Float64("stop_loss", stopLoss),
		zap.Float64("take_profit", takeProfit))
	m.notifier.ProtectionPlaced(tradeID, stopLoss, takeProfit)

	return nil
}

// CloseTrade cancels any pending protection and flattens the position at
// market, recording the PnL from the actual exit fill.
func (m *Manager) CloseTrade(ctx context.Context, tradeID, reason string) error {
	m.mu.Lock()
	trade, ok := m.active[tradeID]
	if !ok {
		m.mu.Unlock()

		return errors.Newf(errors.ErrCodeTradeNotFound, "trade %s not active", tradeID)
	}

	if trade.Status == types.TradeStatusClosing {
		m.mu.Unlock()

		return nil
	}

	trade.Status = types.TradeStatusClosing
	direction := trade.Direction
	quantity := trade.Quantity
	slOrder := trade.SLOrder
	tpOrder := trade.TPOrder
	m.mu.Unlock()

	m.logger.Info("closing trade",
		zap.String("trade_id", tradeID),
		zap.String("reason", reason))

	m.cancelIfPending(ctx, slOrder)
	m.cancelIfPending(ctx, tpOrder)

	exit, err := m.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     m.symbol,
		Side:       types.CloseSide(direction),
		Type:       types.OrderTypeMarket,
		Quantity:   quantity,
		ReduceOnly: true,
	})
	if err != nil {
		m.mu.Lock()
		trade.Status = types.TradeStatusOpen
		m.mu.Unlock()

		return errors.Wrapf(errors.ErrCodeOrderFailed, err, "failed to flatten trade %s", tradeID)
	}

	exitPrice := exit.AvgFillPrice
	m.settleTrade(trade, exitPrice, reason)

	return nil
}

// SettleExternalExit records a trade closed by a protection fill. The trade
// is resolved by ID under the registry lock; the exit price comes from the
// filled order's final state, not from the protective level.
func (m *Manager) SettleExternalExit(ctx context.Context, tradeID string, filledOrderID, siblingOrderID int64, reason string) {
	m.mu.Lock()
	trade, ok := m.active[tradeID]
	if !ok || trade.Status != types.TradeStatusOpen {
		m.mu.Unlock()

		return
	}

	trade.Status = types.TradeStatusClosing
	m.mu.Unlock()

	if err := m.gateway.CancelOrder(ctx, siblingOrderID); err != nil {
		m.logger.Warn("failed to cancel protection sibling",
			zap.Int64("order_id", siblingOrderID),
			zap.Error(err))
	}

	var exitPrice float64
	if final, err := m.gateway.GetOrder(ctx, filledOrderID); err == nil {
		exitPrice = final.AvgFillPrice
	}

	m.settleTrade(trade, exitPrice, reason)
}

// ForceClose flattens a trade whose protection state is anomalous.
func (m *Manager) ForceClose(ctx context.Context, tradeID, reason string) error {
	return m.CloseTrade(ctx, tradeID, reason)
}

// CloseAll force-closes every active trade, best effort.
func (m *Manager) CloseAll(ctx context.Context, reason string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	closed := 0

	for _, id := range ids {
		if err := m.CloseTrade(ctx, id, reason); err != nil {
			m.logger.Error("failed to close trade",
				zap.String("trade_id", id),
				zap.Error(err))

			continue
		}

		closed++
	}

	return closed
}

// DropGhost removes a tracked trade whose exchange position is flat: the
// dangling protection is cancelled and the trade retired without a close
// order. The exit price is unknowable, so PnL stays unset.
func (m *Manager) DropGhost(ctx context.Context, tradeID string) error {
	m.mu.Lock()
	trade, ok := m.active[tradeID]
	if !ok {
		m.mu.Unlock()

		return errors.Newf(errors.ErrCodeTradeNotFound, "trade %s not active", tradeID)
	}

	slOrder := trade.SLOrder
	tpOrder := trade.TPOrder
	m.mu.Unlock()

	m.cancelIfPending(ctx, slOrder)
	m.cancelIfPending(ctx, tpOrder)

	m.mu.Lock()
	trade.Status = types.TradeStatusClosed
	trade.ExitReason = types.ExitReasonGhost
	trade.ClosedAt = optional.Some(time.Now())
	delete(m.active, tradeID)
	m.completed = append(m.completed, trade)
	m.mu.Unlock()

	m.logger.Warn("ghost trade dropped", zap.String("trade_id", tradeID))

	for _, cb := range m.onClosed {
		cb(trade)
	}

	return nil
}

func (m *Manager) settleTrade(trade *types.Trade, exitPrice float64, reason string) {
	m.mu.Lock()
	if exitPrice <= 0 {
		// Degraded accounting: fall back to the protective level.
		if reason == types.ExitReasonStopLoss {
			exitPrice = trade.StopLoss
		} else {
			exitPrice = trade.TakeProfit
		}
	}

	pnl := trade.ComputePnL(exitPrice)

	trade.Status = types.TradeStatusClosed
	trade.ExitPrice = optional.Some(exitPrice)
	trade.PnL = optional.Some(pnl)
	trade.ExitReason = reason
	trade.ClosedAt = optional.Some(time.Now())

	delete(m.active, trade.ID)
	m.completed = append(m.completed, trade)
	m.mu.Unlock()

	m.logger.Info("trade closed",
		zap.String("trade_id", trade.ID),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("pnl", pnl),
		zap.String("reason", reason))

	for _, cb := range m.onClosed {
		cb(trade)
	}
}

func (m *Manager) failTrade(trade *types.Trade, reason string) {
	m.mu.Lock()
	trade.Status = types.TradeStatusFailed
	trade.ExitReason = reason
	trade.ClosedAt = optional.Some(time.Now())
	delete(m.active, trade.ID)
	m.completed = append(m.completed, trade)
	m.mu.Unlock()

	m.logger.Error("trade failed",
		zap.String("trade_id", trade.ID),
		zap.String("reason", reason))

	for _, cb := range m.onClosed {
		cb(trade)
	}
}

func (m *Manager) cancelIfPending(ctx context.Context, order *types.Order) {
	if order == nil || order.Status != types.OrderStatusPending {
		return
	}

	if err := m.gateway.CancelOrder(ctx, order.ExchangeOrderID); err != nil {
		m.logger.Warn("failed to cancel protection order",
			zap.Int64("order_id", order.ExchangeOrderID),
			zap.Error(err))
	}
}

// flatten closes out a partially opened position after a failed entry.
func (m *Manager) flatten(ctx context.Context, direction types.Direction, quantity float64) {
	if quantity <= 0 {
		return
	}

	_, err := m.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     m.symbol,
		Side:       types.CloseSide(direction),
		Type:       types.OrderTypeMarket,
		Quantity:   quantity,
		ReduceOnly: true,
	})
	if err != nil {
		m.logger.Error("failed to flatten after aborted entry", zap.Error(err))
	}
}
