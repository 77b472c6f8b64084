// Package exchange wraps the Binance USDT-M futures REST API behind a
// Gateway that adds client-side rate limiting, retry with exponential
// backoff for transient failures, and tick/step rounding from the symbol's
// exchange rules. Every upstream call goes through here.
package exchange

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
	"github.com/nirre55/trading-engine/pkg/errors"
)

// Gateway is the single REST entry point to the exchange for one symbol.
// It is safe for concurrent use after Init.
type Gateway struct {
	client  FuturesClient
	symbol  string
	limiter *rate.Limiter
	retry   retryPolicy
	logger  *logger.Logger
	rules   types.SymbolRules
}

// NewGateway creates a gateway for the configured symbol. Init must be
// called before any order is placed.
func NewGateway(client FuturesClient, cfg config.ExchangeConfig, log *logger.Logger) *Gateway {
	return &Gateway{
		client:  client,
		symbol:  cfg.Symbol,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst),
		retry: retryPolicy{
			maxRetries:   cfg.MaxRetries,
			initialDelay: cfg.RetryInitialDelay.Std(),
			maxDelay:     cfg.RetryMaxDelay.Std(),
		},
		logger: log,
	}
}

// Init fetches the symbol's trading rules from exchange info. Orders placed
// before Init fail with ErrCodeSymbolRulesNotSet.
func (g *Gateway) Init(ctx context.Context) error {
	var info *futures.ExchangeInfo

	err := g.withRetry(ctx, "exchange_info", func() error {
		var err error
		info, err = g.client.NewExchangeInfoService().Do(ctx)

		return err
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeTransient, "failed to fetch exchange info", err)
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != g.symbol {
			continue
		}

		rules := types.SymbolRules{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}

		if f := s.PriceFilter(); f != nil {
			rules.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		}

		if f := s.LotSizeFilter(); f != nil {
			rules.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
		}

		if f := s.MinNotionalFilter(); f != nil {
			rules.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
		}

		g.rules = rules

		g.logger.Info("symbol rules loaded",
			zap.String("symbol", rules.Symbol),
			zap.Float64("tick_size", rules.TickSize),
			zap.Float64("step_size", rules.StepSize),
			zap.Float64("min_notional", rules.MinNotional))

		return nil
	}

	return errors.Newf(errors.ErrCodeDataNotFound, "symbol %s not found in exchange info", g.symbol)
}

// Rules returns the symbol trading rules loaded by Init.
func (g *Gateway) Rules() types.SymbolRules {
	return g.rules
}

// FormatQuantity floors a quantity to the symbol's step size. Flooring keeps
// the order inside the available balance.
func (g *Gateway) FormatQuantity(qty float64) string {
	if g.rules.StepSize <= 0 {
		return strconv.FormatFloat(qty, 'f', g.rules.QuantityPrecision, 64)
	}

	step := decimal.NewFromFloat(g.rules.StepSize)
	d := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step)

	return d.StringFixed(int32(g.rules.QuantityPrecision))
}

// FormatPrice rounds a price to the symbol's tick size.
func (g *Gateway) FormatPrice(price float64) string {
	if g.rules.TickSize <= 0 {
		return strconv.FormatFloat(price, 'f', g.rules.PricePrecision, 64)
	}

	tick := decimal.NewFromFloat(g.rules.TickSize)
	d := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick)

	return d.StringFixed(int32(g.rules.PricePrecision))
}

// PlaceOrder validates, rounds, and submits an order, returning the local
// Order record with the exchange's ID and immediate status.
func (g *Gateway) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if g.rules.Symbol == "" {
		return nil, errors.New(errors.ErrCodeSymbolRulesNotSet, "symbol rules not loaded, call Init first")
	}

	qty := g.FormatQuantity(req.Quantity)
	if parsed, _ := strconv.ParseFloat(qty, 64); parsed <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidOrder,
			"quantity %.8f rounds to zero at step size %.8f", req.Quantity, g.rules.StepSize)
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(qty)

	switch req.Type {
	case types.OrderTypeLimit:
		svc = svc.Price(g.FormatPrice(req.Price)).TimeInForce(futures.TimeInForceTypeGTC)
	case types.OrderTypeStopMarket:
		svc = svc.StopPrice(g.FormatPrice(req.StopPrice))
	case types.OrderTypeMarket:
	}

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	var resp *futures.CreateOrderResponse

	err := g.withRetry(ctx, "create_order", func() error {
		var err error
		resp, err = svc.Do(ctx)

		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeOrderFailed, "failed to place order", err)
	}

	order := &types.Order{
		ExchangeOrderID: resp.OrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		Status:          mapOrderStatus(resp.Status),
		CreatedAt:       time.Now(),
	}

	order.FilledQty, _ = strconv.ParseFloat(resp.ExecutedQuantity, 64)
	order.AvgFillPrice, _ = strconv.ParseFloat(resp.AvgPrice, 64)

	g.logger.Info("order placed",
		zap.Int64("order_id", order.ExchangeOrderID),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("quantity", qty),
		zap.String("status", string(order.Status)))

	return order, nil
}

// GetOrder queries the current state of an order by exchange ID.
func (g *Gateway) GetOrder(ctx context.Context, orderID int64) (*types.Order, error) {
	var resp *futures.Order

	err := g.withRetry(ctx, "get_order", func() error {
		var err error
		resp, err = g.client.NewGetOrderService().
			Symbol(g.symbol).
			OrderID(orderID).
			Do(ctx)

		return err
	})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeOrderStateUnknown, err, "failed to query order %d", orderID)
	}

	return convertOrder(resp), nil
}

// CancelOrder cancels an open order. Canceling an order that is already gone
// is not an error; the caller resolves the final state via GetOrder.
func (g *Gateway) CancelOrder(ctx context.Context, orderID int64) error {
	err := g.withRetry(ctx, "cancel_order", func() error {
		_, err := g.client.NewCancelOrderService().
			Symbol(g.symbol).
			OrderID(orderID).
			Do(ctx)

		return err
	})
	if err != nil {
		if isUnknownOrder(err) {
			return nil
		}

		return errors.Wrapf(errors.ErrCodeOrderFailed, err, "failed to cancel order %d", orderID)
	}

	return nil
}

// OpenOrders returns every open order for the gateway's symbol.
func (g *Gateway) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	var resp []*futures.Order

	err := g.withRetry(ctx, "open_orders", func() error {
		var err error
		resp, err = g.client.NewListOpenOrdersService().
			Symbol(g.symbol).
			Do(ctx)

		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransient, "failed to list open orders", err)
	}

	orders := make([]*types.Order, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, convertOrder(o))
	}

	return orders, nil
}

// AccountInfo returns the USDT wallet balance.
func (g *Gateway) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	var balances []*futures.Balance

	err := g.withRetry(ctx, "balance", func() error {
		var err error
		balances, err = g.client.NewGetBalanceService().Do(ctx)

		return err
	})
	if err != nil {
		return types.AccountInfo{}, errors.Wrap(errors.ErrCodeTransient, "failed to fetch balance", err)
	}

	for _, b := range balances {
		if b.Asset != "USDT" {
			continue
		}

		total, _ := strconv.ParseFloat(b.Balance, 64)
		available, _ := strconv.ParseFloat(b.AvailableBalance, 64)

		return types.AccountInfo{Balance: total, Available: available}, nil
	}

	return types.AccountInfo{}, errors.New(errors.ErrCodeDataNotFound, "USDT balance not found")
}

// Position returns the current position for the gateway's symbol. A flat
// position is returned as zero quantity, not an error.
func (g *Gateway) Position(ctx context.Context) (types.ExchangePosition, error) {
	var risks []*futures.PositionRisk

	err := g.withRetry(ctx, "position_risk", func() error {
		var err error
		risks, err = g.client.NewGetPositionRiskService().
			Symbol(g.symbol).
			Do(ctx)

		return err
	})
	if err != nil {
		return types.ExchangePosition{}, errors.Wrap(errors.ErrCodeTransient, "failed to fetch position", err)
	}

	for _, r := range risks {
		if r.Symbol != g.symbol {
			continue
		}

		pos := types.ExchangePosition{Symbol: r.Symbol}
		pos.Quantity, _ = strconv.ParseFloat(r.PositionAmt, 64)
		pos.EntryPrice, _ = strconv.ParseFloat(r.EntryPrice, 64)
		pos.UnrealizedPnL, _ = strconv.ParseFloat(r.UnRealizedProfit, 64)

		return pos, nil
	}

	return types.ExchangePosition{Symbol: g.symbol}, nil
}

// LastPrice returns the most recent traded price for the symbol.
func (g *Gateway) LastPrice(ctx context.Context) (float64, error) {
	var prices []*futures.SymbolPrice

	err := g.withRetry(ctx, "last_price", func() error {
		var err error
		prices, err = g.client.NewListPricesService().
			Symbol(g.symbol).
			Do(ctx)

		return err
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeTransient, "failed to fetch last price", err)
	}

	for _, p := range prices {
		if p.Symbol == g.symbol {
			price, parseErr := strconv.ParseFloat(p.Price, 64)
			if parseErr != nil {
				return 0, errors.Wrap(errors.ErrCodeDataNotFound, "unparseable price", parseErr)
			}

			return price, nil
		}
	}

	return 0, errors.Newf(errors.ErrCodeDataNotFound, "no price for symbol %s", g.symbol)
}

// RecentCandles fetches the latest closed candles for indicator warmup. The
// last kline returned by the exchange may still be open and is dropped.
func (g *Gateway) RecentCandles(ctx context.Context, interval string, limit int) ([]types.Candle, error) {
	var klines []*futures.Kline

	err := g.withRetry(ctx, "klines", func() error {
		var err error
		klines, err = g.client.NewKlinesService().
			Symbol(g.symbol).
			Interval(interval).
			Limit(limit + 1).
			Do(ctx)

		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransient, "failed to fetch klines", err)
	}

	now := time.Now()
	candles := make([]types.Candle, 0, len(klines))

	for _, k := range klines {
		closeTime := time.UnixMilli(k.CloseTime)
		if !closeTime.Before(now) {
			continue
		}

		c := types.Candle{
			Symbol:    g.symbol,
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: closeTime,
			Closed:    true,
		}

		c.Open, _ = strconv.ParseFloat(k.Open, 64)
		c.High, _ = strconv.ParseFloat(k.High, 64)
		c.Low, _ = strconv.ParseFloat(k.Low, 64)
		c.Close, _ = strconv.ParseFloat(k.Close, 64)
		c.Volume, _ = strconv.ParseFloat(k.Volume, 64)

		candles = append(candles, c)
	}

	return candles, nil
}

// Ping verifies REST connectivity and authentication.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.AccountInfo(ctx)

	return err
}

// mapOrderStatus maps a Binance futures order status to the local enum.
func mapOrderStatus(status futures.OrderStatusType) types.OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return types.OrderStatusPending
	case futures.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return types.OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return types.OrderStatusFailed
	default:
		return types.OrderStatusFailed
	}
}

// convertOrder converts an exchange order to the local Order type.
func convertOrder(o *futures.Order) *types.Order {
	order := &types.Order{
		ExchangeOrderID: o.OrderID,
		Symbol:          o.Symbol,
		Side:            types.OrderSide(o.Side),
		Type:            types.OrderType(o.Type),
		Status:          mapOrderStatus(o.Status),
		CreatedAt:       time.UnixMilli(o.Time),
	}

	order.Quantity, _ = strconv.ParseFloat(o.OrigQuantity, 64)
	order.Price, _ = strconv.ParseFloat(o.Price, 64)
	order.StopPrice, _ = strconv.ParseFloat(o.StopPrice, 64)
	order.FilledQty, _ = strconv.ParseFloat(o.ExecutedQuantity, 64)
	order.AvgFillPrice, _ = strconv.ParseFloat(o.AvgPrice, 64)

	return order
}

// isUnknownOrder reports whether an error is Binance's "unknown order"
// response to a cancel, meaning the order already left the book.
func isUnknownOrder(err error) bool {
	var apiErr *common.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Code == -2011 || apiErr.Code == -2013
	}

	return false
}
