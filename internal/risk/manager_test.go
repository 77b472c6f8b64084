package risk

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
	"github.com/nirre55/trading-engine/pkg/errors"
)

type ManagerTestSuite struct {
	suite.Suite

	cfg config.RiskConfig
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (suite *ManagerTestSuite) SetupTest() {
	suite.cfg = config.RiskConfig{
		MaxRiskFraction:      0.02,
		StopLossPercent:      1.0,
		MinNotional:          10,
		MaxNotional:          10000,
		TPMode:               "ratio",
		TPRatio:              1.2,
		TPFixedPercent:       1.0,
		MaxDailyTrades:       10,
		MaxDailyLoss:         100,
		MaxConsecutiveLosses: 3,
		EmergencyStopLoss:    300,
	}
}

func (suite *ManagerTestSuite) newManager(balance float64) *Manager {
	m := NewManager(suite.cfg, logger.NewNopLogger())
	if balance > 0 {
		m.UpdateBalance(balance)
	}

	return m
}

func (suite *ManagerTestSuite) TestSizeLongRiskFraction() {
	m := suite.newManager(1000)

	size, err := m.Size(types.DirectionLong, 100, 99)
	suite.NoError(err)
	// Risks 2% of 1000 = 20 USDT over a 1 USDT stop distance.
	suite.InDelta(20.0, size.Quantity, 1e-9)
	suite.InDelta(20.0, size.RiskAmount, 1e-9)
	suite.InDelta(2000.0, size.Notional, 1e-9)
	suite.InDelta(101.2, size.TakeProfit, 1e-9)
}

func (suite *ManagerTestSuite) TestSizeShortMirrorsLong() {
	m := suite.newManager(1000)

	size, err := m.Size(types.DirectionShort, 100, 101)
	suite.NoError(err)
	suite.InDelta(20.0, size.Quantity, 1e-9)
	suite.InDelta(98.8, size.TakeProfit, 1e-9)
}

func (suite *ManagerTestSuite) TestSizeStopOnWrongSide() {
	m := suite.newManager(1000)

	_, err := m.Size(types.DirectionLong, 100, 101)
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidStopLoss))

	_, err = m.Size(types.DirectionShort, 100, 99)
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidStopLoss))
}

func (suite *ManagerTestSuite) TestSizeRefusesBelowMinNotional() {
	suite.cfg.MinNotional = 5000
	m := suite.newManager(1000)

	_, err := m.Size(types.DirectionLong, 100, 99)
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeNotionalTooSmall))
}

func (suite *ManagerTestSuite) TestSizeShrinksAboveMaxNotional() {
	suite.cfg.MaxNotional = 1000
	m := suite.newManager(1000)

	size, err := m.Size(types.DirectionLong, 100, 99)
	suite.NoError(err)
	suite.InDelta(1000.0, size.Notional, 1e-9)
	suite.InDelta(10.0, size.Quantity, 1e-9)
	// Shrunk quantity risks proportionally less.
	suite.InDelta(10.0, size.RiskAmount, 1e-9)
}

func (suite *ManagerTestSuite) TestSizeWithoutBalance() {
	m := suite.newManager(0)

	_, err := m.Size(types.DirectionLong, 100, 99)
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInsufficientBalance))
}

func (suite *ManagerTestSuite) TestFixedPercentTakeProfit() {
	suite.cfg.TPMode = "fixed_percent"
	suite.cfg.TPFixedPercent = 2.0
	m := suite.newManager(1000)

	size, err := m.Size(types.DirectionLong, 100, 99)
	suite.NoError(err)
	suite.InDelta(102.0, size.TakeProfit, 1e-9)

	size, err = m.Size(types.DirectionShort, 100, 101)
	suite.NoError(err)
	suite.InDelta(98.0, size.TakeProfit, 1e-9)
}

func (suite *ManagerTestSuite) TestLevelsDeriveStopFromPercent() {
	m := suite.newManager(1000)

	stop, tp := m.Levels(types.DirectionLong, 200)
	suite.InDelta(198.0, stop, 1e-9)
	suite.InDelta(202.4, tp, 1e-9)

	stop, tp = m.Levels(types.DirectionShort, 200)
	suite.InDelta(202.0, stop, 1e-9)
	suite.InDelta(197.6, tp, 1e-9)
}

func (suite *ManagerTestSuite) TestDailyTradeLimit() {
	suite.cfg.MaxDailyTrades = 2
	m := suite.newManager(1000)

	m.RecordOutcome(5)
	m.RecordOutcome(5)

	err := m.Validate()
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeRiskLimitReached))
}

func (suite *ManagerTestSuite) TestDailyLossLimit() {
	m := suite.newManager(1000)

	m.RecordOutcome(-60)
	suite.NoError(m.Validate())

	m.RecordOutcome(-41)
	err := m.Validate()
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeRiskLimitReached))
}

func (suite *ManagerTestSuite) TestConsecutiveLossesResetOnWin() {
	m := suite.newManager(1000)

	m.RecordOutcome(-10)
	m.RecordOutcome(-10)
	suite.Equal(2, m.Metrics().ConsecutiveLosses)

	m.RecordOutcome(15)
	suite.Equal(0, m.Metrics().ConsecutiveLosses)
}

func (suite *ManagerTestSuite) TestConsecutiveLossLimitBlocks() {
	suite.cfg.MaxConsecutiveLosses = 2
	m := suite.newManager(1000)

	m.RecordOutcome(-10)
	m.RecordOutcome(-10)

	err := m.Validate()
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeRiskLimitReached))
}

func (suite *ManagerTestSuite) TestResetDailyClearsCountersOnly() {
	m := suite.newManager(1000)

	m.RecordOutcome(-10)
	m.RecordOutcome(-10)
	m.ResetDaily()

	state := m.Metrics()
	suite.Equal(0, state.DailyTradeCount)
	suite.Equal(0.0, state.DailyPnL)
	// Consecutive losses carry across the daily boundary.
	suite.Equal(2, state.ConsecutiveLosses)
}

func (suite *ManagerTestSuite) TestEmergencyStopOnCumulativeLoss() {
	m := suite.newManager(1000)

	m.UpdateBalance(699)

	stopped, reason := m.EmergencyStopped()
	suite.True(stopped)
	suite.NotEmpty(reason)

	err := m.Validate()
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeEmergencyStop))
}

func (suite *ManagerTestSuite) TestEmergencyStopOnDrawdown() {
	m := suite.newManager(1000)

	// Balance rises then falls: drawdown from peak trips the stop even
	// though the cumulative loss from initial stays under the ceiling.
	m.UpdateBalance(1400)
	m.UpdateBalance(1099)

	stopped, _ := m.EmergencyStopped()
	suite.True(stopped)
}

func (suite *ManagerTestSuite) TestRecordOutcomeTripsEmergencyWithoutRefresh() {
	m := suite.newManager(1000)

	// The realized loss alone reaches the ceiling; no balance read happens
	// between the close and the next trade attempt.
	m.RecordOutcome(-300)

	stopped, _ := m.EmergencyStopped()
	suite.True(stopped)
	suite.InDelta(700.0, m.Metrics().Balance, 1e-9)
	suite.InDelta(300.0, m.Metrics().MaxDrawdown, 1e-9)
}

func (suite *ManagerTestSuite) TestEmergencyStopIsOneWay() {
	m := suite.newManager(1000)

	m.UpdateBalance(699)

	stopped, _ := m.EmergencyStopped()
	suite.True(stopped)

	// A recovering balance does not clear the latch.
	m.UpdateBalance(1200)

	stopped, _ = m.EmergencyStopped()
	suite.True(stopped)
}

func (suite *ManagerTestSuite) TestOverrideClearsLatchOnly() {
	m := suite.newManager(1000)
	m.UpdateBalance(699)

	m.OverrideEmergencyStop("operator confirmed funds moved out")

	stopped, _ := m.EmergencyStopped()
	suite.False(stopped)

	// Drawdown history survives the override.
	suite.InDelta(301.0, m.Metrics().MaxDrawdown, 1e-9)
}

func (suite *ManagerTestSuite) TestTriggerEmergencyStopIdempotent() {
	m := suite.newManager(1000)

	m.TriggerEmergencyStop("first reason")
	m.TriggerEmergencyStop("second reason")

	_, reason := m.EmergencyStopped()
	suite.Equal("first reason", reason)
}
