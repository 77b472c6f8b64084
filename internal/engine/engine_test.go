package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/connection"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/order"
	"github.com/nirre55/trading-engine/internal/risk"
	"github.com/nirre55/trading-engine/internal/types"
	"github.com/nirre55/trading-engine/pkg/errors"
)

type mockMarket struct {
	mu      sync.Mutex
	balance float64
	balErr  error
	candles []types.Candle
	pings   int
}

func (m *mockMarket) AccountInfo(context.Context) (types.AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balErr != nil {
		return types.AccountInfo{}, m.balErr
	}
	return types.AccountInfo{Balance: m.balance, Available: m.balance}, nil
}

func (m *mockMarket) RecentCandles(context.Context, string, int) ([]types.Candle, error) {
	return m.candles, nil
}

func (m *mockMarket) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return nil
}

type openCall struct {
	direction       types.Direction
	size            types.PositionSize
	placeProtection bool
}

type mockExecutor struct {
	mu          sync.Mutex
	active      *types.Trade
	activeCount int
	opens       []openCall
	openErr     error
	closeAlls   int
	onOpened    []order.TradeCallback
	onClosed    []order.TradeCallback
}

func (m *mockExecutor) OpenTrade(_ context.Context, direction types.Direction, size types.PositionSize, placeProtection bool) (*types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.opens = append(m.opens, openCall{direction: direction, size: size, placeProtection: placeProtection})
	if m.openErr != nil {
		return nil, m.openErr
	}
	trade := &types.Trade{
		ID:         "trade-1",
		Direction:  direction,
		Status:     types.TradeStatusOpen,
		Quantity:   size.Quantity,
		EntryPrice: size.EntryEstimate,
		StopLoss:   size.StopLoss,
		TakeProfit: size.TakeProfit,
	}
	m.active = trade
	m.activeCount = 1
	return trade, nil
}

func (m *mockExecutor) CloseAll(context.Context, string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAlls++
	m.active = nil
	m.activeCount = 0
	return 1
}

func (m *mockExecutor) ActiveTrade() *types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *mockExecutor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount
}

func (m *mockExecutor) AddTradeOpenedCallback(cb order.TradeCallback) {
	m.onOpened = append(m.onOpened, cb)
}

func (m *mockExecutor) AddTradeClosedCallback(cb order.TradeCallback) {
	m.onClosed = append(m.onClosed, cb)
}

type registerCall struct {
	trade    *types.Trade
	deadline time.Time
}

type mockProtection struct {
	mu        sync.Mutex
	registers []registerCall
	cancels   []string
}

func (m *mockProtection) Register(trade *types.Trade, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers = append(m.registers, registerCall{trade: trade, deadline: deadline})
}

func (m *mockProtection) Cancel(tradeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, tradeID)
}

func (m *mockProtection) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registers) - len(m.cancels)
}

type mockGate struct {
	allowErr error
	status   connection.Status
}

func (m *mockGate) AllowNewTrade(context.Context) error { return m.allowErr }
func (m *mockGate) Status() connection.Status           { return m.status }

type mockNotifier struct {
	mu         sync.Mutex
	signals    []types.Signal
	opened     []string
	closed     []string
	rejections []string
	fallbacks  []string
	protection []string
	emergency  []string
}

func (m *mockNotifier) SignalConfirmed(sig types.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, sig)
}

func (m *mockNotifier) TradeOpened(trade *types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, trade.ID)
}

func (m *mockNotifier) TradeClosed(trade *types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, trade.ID)
}

func (m *mockNotifier) TradeRejected(_ types.Direction, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, reason)
}

func (m *mockNotifier) ExecutionFallback(tradeID, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, tradeID)
}

func (m *mockNotifier) ProtectionPlaced(tradeID string, _, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protection = append(m.protection, tradeID)
}

func (m *mockNotifier) EmergencyStop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergency = append(m.emergency, reason)
}

func (m *mockNotifier) ConnectionLost(int)     {}
func (m *mockNotifier) ConnectionRestored(int) {}

type recordingSink struct {
	signals []types.Signal
	opened  []string
	closed  []string
}

func (s *recordingSink) OnSignal(sig types.Signal)         { s.signals = append(s.signals, sig) }
func (s *recordingSink) OnTradeOpened(trade *types.Trade)  { s.opened = append(s.opened, trade.ID) }
func (s *recordingSink) OnTradeClosed(trade *types.Trade)  { s.closed = append(s.closed, trade.ID) }

type EngineTestSuite struct {
	suite.Suite
	cfg        *config.Config
	market     *mockMarket
	executor   *mockExecutor
	protection *mockProtection
	gate       *mockGate
	notifier   *mockNotifier
	engine     *Engine
}

func (s *EngineTestSuite) SetupTest() {
	cfg := *config.Default()
	cfg.Exchange.Symbol = "BTCUSDT"
	cfg.Exchange.Interval = "1m"
	cfg.Strategy = config.StrategyConfig{
		RSIOversold:   30,
		RSIOverbought: 70,
		RSIFastPeriod: 2,
		RSIMidPeriod:  2,
		RSISlowPeriod: 2,
		EMAPeriod:     2,
		MTFFactor:     1,
		MinConfidence: 0.4,
	}
	cfg.Risk = config.RiskConfig{
		MaxRiskFraction:      0.02,
		StopLossPercent:      1,
		MinNotional:          5,
		MaxNotional:          1000000,
		TPMode:               "ratio",
		TPRatio:              1.2,
		MaxDailyTrades:       10,
		MaxDailyLoss:         300,
		MaxConsecutiveLosses: 3,
		EmergencyStopLoss:    300,
	}
	cfg.Protection.Deferred = false

	s.cfg = &cfg
	s.market = &mockMarket{balance: 10000}
	s.executor = &mockExecutor{}
	s.protection = &mockProtection{}
	s.gate = &mockGate{status: connection.Status{Connected: true}}
	s.notifier = &mockNotifier{}

	s.engine = New(
		&cfg,
		s.market,
		s.gate,
		nil,
		risk.NewManager(cfg.Risk, logger.NewNopLogger()),
		s.executor,
		s.protection,
		s.notifier,
		logger.NewNopLogger(),
	)
}

// feedDescendingCandles pushes enough falling closes through the pipeline to
// warm the short test indicators and fire a LONG signal on the last candle.
func (s *EngineTestSuite) feedDescendingCandles() {
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	closes := []float64{100, 99, 98}
	for i, close := range closes {
		candle := types.Candle{
			Symbol:    "BTCUSDT",
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
			Open:      close + 0.5,
			High:      close + 1,
			Low:       close - 0.5,
			Close:     close,
			Closed:    true,
		}
		s.engine.handleCandle(context.Background(), candle)
	}
}

func (s *EngineTestSuite) TestSignalOpensTrade() {
	sink := &recordingSink{}
	s.engine.AddSignalSink(sink)

	s.feedDescendingCandles()

	s.Require().Len(s.executor.opens, 1)
	call := s.executor.opens[0]
	s.Equal(types.DirectionLong, call.direction)
	s.True(call.placeProtection)
	s.Greater(call.size.Quantity, 0.0)
	s.InDelta(200.0, call.size.RiskAmount, 1e-9)

	s.Require().Len(sink.signals, 1)
	s.Equal(types.DirectionLong, sink.signals[0].Direction)
	s.Len(s.notifier.signals, 1)
	s.Empty(s.protection.registers)
}

func (s *EngineTestSuite) TestDeferredProtectionRegistersDeadline() {
	s.cfg.Protection.Deferred = true

	s.feedDescendingCandles()

	s.Require().Len(s.executor.opens, 1)
	s.False(s.executor.opens[0].placeProtection)

	s.Require().Len(s.protection.registers, 1)
	reg := s.protection.registers[0]
	s.Equal("trade-1", reg.trade.ID)
	// Entry candle closes one interval after the signal candle.
	signalClose := time.Date(2026, 1, 2, 10, 3, 0, 0, time.UTC)
	s.Equal(signalClose.Add(time.Minute), reg.deadline)
}

func (s *EngineTestSuite) TestActiveTradeSuppressesNewEntry() {
	s.executor.active = &types.Trade{ID: "existing", Status: types.TradeStatusOpen}
	s.executor.activeCount = 1

	s.feedDescendingCandles()

	s.Empty(s.executor.opens)
	s.Require().NotEmpty(s.notifier.rejections)
}

func (s *EngineTestSuite) TestGateDenialRejectsTrade() {
	s.gate.allowErr = errors.New(errors.ErrCodeTradingBlocked, "safe mode: exchange position still open")

	s.feedDescendingCandles()

	s.Empty(s.executor.opens)
	s.Require().NotEmpty(s.notifier.rejections)
	s.Contains(s.notifier.rejections[0], "safe mode")
}

func (s *EngineTestSuite) TestEmergencyStopBlocksEntries() {
	s.engine.risk.TriggerEmergencyStop("manual trip")

	s.feedDescendingCandles()

	s.Empty(s.executor.opens)
}

func (s *EngineTestSuite) TestSystemicOpenFailureTripsEmergencyStop() {
	s.executor.openErr = errors.New(errors.ErrCodeUntrackedPosition, "exchange shows position with no local trade")

	s.feedDescendingCandles()

	stopped, reason := s.engine.risk.EmergencyStopped()
	s.True(stopped)
	s.Contains(reason, "exchange shows position")
	s.Require().Len(s.notifier.emergency, 1)
}

func (s *EngineTestSuite) TestNonSystemicOpenFailureDoesNotTrip() {
	s.executor.openErr = errors.New(errors.ErrCodeFillTimeout, "entry not filled in time")

	s.feedDescendingCandles()

	stopped, _ := s.engine.risk.EmergencyStopped()
	s.False(stopped)
	s.Require().NotEmpty(s.notifier.rejections)
}

func (s *EngineTestSuite) TestTradeClosedFeedsRiskAndCancelsProtection() {
	sink := &recordingSink{}
	s.engine.AddTradeLifecycleSink(sink)

	trade := &types.Trade{ID: "trade-1", Direction: types.DirectionLong, Status: types.TradeStatusClosed}
	trade.PnL = optional.Some(-50.0)
	s.engine.onTradeClosed(trade)

	metrics := s.engine.risk.Metrics()
	s.InDelta(-50.0, metrics.DailyPnL, 1e-9)
	s.Equal(1, metrics.ConsecutiveLosses)
	s.Equal([]string{"trade-1"}, s.protection.cancels)
	s.Equal([]string{"trade-1"}, sink.closed)
	s.Equal([]string{"trade-1"}, s.notifier.closed)
}

func (s *EngineTestSuite) TestHealthSnapshotReflectsComponents() {
	s.gate.status = connection.Status{Connected: true, SafeMode: true, ReconnectAttempts: 2}
	s.executor.activeCount = 1

	snapshot := s.engine.Health()

	s.Equal(1, snapshot.ActiveTrades)
	s.True(snapshot.FeedConnected)
	s.Equal("SAFE_MODE", snapshot.FeedState)
	s.Equal(2, snapshot.ReconnectAttempts)
}

func (s *EngineTestSuite) TestWarmupRequiresEnoughHistory() {
	s.market.candles = []types.Candle{{Close: 100, Closed: true}}

	err := s.engine.Warmup(context.Background())

	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeDataNotFound))
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
