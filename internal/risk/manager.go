// Package risk implements position sizing and the safety circuit breakers:
// daily limits, consecutive-loss limits, and the one-way emergency stop.
package risk

import (
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
	"github.com/nirre55/trading-engine/pkg/errors"
)

// State is a copy of the manager's current risk metrics.
type State struct {
	Balance           float64
	InitialBalance    float64
	PeakBalance       float64
	DailyPnL          float64
	DailyTradeCount   int
	ConsecutiveLosses int
	MaxDrawdown       float64
	EmergencyStop     bool
	StopReason        string
}

// Manager tracks account state and decides whether and how large a trade may
// be. All methods are safe for concurrent use.
type Manager struct {
	cfg    config.RiskConfig
	logger *logger.Logger

	mu    sync.Mutex
	state State
}

// NewManager creates a manager with zeroed state. UpdateBalance must run at
// least once before Size.
func NewManager(cfg config.RiskConfig, log *logger.Logger) *Manager {
	return &Manager{cfg: cfg, logger: log}
}

// UpdateBalance records a fresh balance read, tracks the peak and drawdown,
// and trips the emergency stop when the loss ceiling is hit.
func (m *Manager) UpdateBalance(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.InitialBalance == 0 {
		m.state.InitialBalance = balance
		m.state.PeakBalance = balance
	}

	m.state.Balance = balance
	m.state.PeakBalance = math.Max(m.state.PeakBalance, balance)

	drawdown := m.state.PeakBalance - balance
	m.state.MaxDrawdown = math.Max(m.state.MaxDrawdown, drawdown)

	m.checkEmergencyLimitsLocked()
}

// Validate reports whether a new trade may be opened at all.
func (m *Manager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.validateLocked()
}

func (m *Manager) validateLocked() error {
	if m.state.EmergencyStop {
		return errors.Newf(errors.ErrCodeEmergencyStop, "emergency stop active: %s", m.state.StopReason)
	}

	if m.state.DailyTradeCount >= m.cfg.MaxDailyTrades {
		return errors.Newf(errors.ErrCodeRiskLimitReached, "daily trade limit reached (%d)", m.cfg.MaxDailyTrades)
	}

	if m.state.DailyPnL <= -m.cfg.MaxDailyLoss {
		return errors.Newf(errors.ErrCodeRiskLimitReached, "daily loss limit reached (%.2f)", m.state.DailyPnL)
	}

	if m.state.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		return errors.Newf(errors.ErrCodeRiskLimitReached, "consecutive loss limit reached (%d)", m.state.ConsecutiveLosses)
	}

	return nil
}

// Levels derives the stop-loss and take-profit prices for an entry. The stop
// is a fixed percent from entry; the target depends on the configured mode.
func (m *Manager) Levels(direction types.Direction, entry float64) (stopLoss, takeProfit float64) {
	slFraction := m.cfg.StopLossPercent / 100

	if direction == types.DirectionLong {
		stopLoss = entry * (1 - slFraction)
	} else {
		stopLoss = entry * (1 + slFraction)
	}

	return stopLoss, m.takeProfit(direction, entry, stopLoss)
}

func (m *Manager) takeProfit(direction types.Direction, entry, stopLoss float64) float64 {
	if m.cfg.TPMode == "fixed_percent" {
		tpFraction := m.cfg.TPFixedPercent / 100

		if direction == types.DirectionLong {
			return entry * (1 + tpFraction)
		}

		return entry * (1 - tpFraction)
	}

	distance := math.Abs(entry-stopLoss) * m.cfg.TPRatio

	if direction == types.DirectionLong {
		return entry + distance
	}

	return entry - distance
}

// Size computes the position for a signal given the estimated entry and stop
// prices. The quantity risks at most MaxRiskFraction of the balance; the
// notional is refused below the minimum and shrunk above the maximum.
func (m *Manager) Size(direction types.Direction, entry, stopLoss float64) (types.PositionSize, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateLocked(); err != nil {
		return types.PositionSize{}, err
	}

	if m.state.Balance <= 0 {
		return types.PositionSize{}, errors.New(errors.ErrCodeInsufficientBalance, "account balance unknown or zero")
	}

	var distance float64
	if direction == types.DirectionLong {
		distance = entry - stopLoss
	} else {
		distance = stopLoss - entry
	}

	if distance <= 0 {
		return types.PositionSize{}, errors.Newf(errors.ErrCodeInvalidStopLoss,
			"stop %.4f on the wrong side of entry %.4f for %s", stopLoss, entry, direction)
	}

	riskAmount := m.state.Balance * m.cfg.MaxRiskFraction
	quantity := riskAmount / distance
	notional := quantity * entry

	if notional < m.cfg.MinNotional {
		return types.PositionSize{}, errors.Newf(errors.ErrCodeNotionalTooSmall,
			"position %.2f below minimum notional %.2f", notional, m.cfg.MinNotional)
	}

	if notional > m.cfg.MaxNotional {
		notional = m.cfg.MaxNotional
		quantity = notional / entry
		riskAmount = quantity * distance
	}

	size := types.PositionSize{
		Quantity:      quantity,
		EntryEstimate: entry,
		StopLoss:      stopLoss,
		TakeProfit:    m.takeProfit(direction, entry, stopLoss),
		RiskAmount:    riskAmount,
		Notional:      notional,
	}

	m.logger.Info("position sized",
		zap.String("direction", string(direction)),
		zap.Float64("quantity", size.Quantity),
		zap.Float64("notional", size.Notional),
		zap.Float64("risk_amount", size.RiskAmount),
		zap.Float64("stop_loss", size.StopLoss),
		zap.Float64("take_profit", size.TakeProfit))

	return size, nil
}

// RecordOutcome updates the daily counters with a closed trade's PnL and
// re-checks the emergency ceilings. Realized PnL is folded into the tracked
// balance so the ceilings trip here, not at the next balance refresh; the
// next UpdateBalance overwrites the estimate with the exchange's figure.
func (m *Manager) RecordOutcome(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.DailyTradeCount++
	m.state.DailyPnL += pnl

	if m.state.InitialBalance != 0 {
		m.state.Balance += pnl
		m.state.PeakBalance = math.Max(m.state.PeakBalance, m.state.Balance)

		drawdown := m.state.PeakBalance - m.state.Balance
		m.state.MaxDrawdown = math.Max(m.state.MaxDrawdown, drawdown)
	}

	if pnl < 0 {
		m.state.ConsecutiveLosses++
	} else {
		m.state.ConsecutiveLosses = 0
	}

	m.logger.Info("trade outcome recorded",
		zap.Float64("pnl", pnl),
		zap.Float64("daily_pnl", m.state.DailyPnL),
		zap.Int("daily_trades", m.state.DailyTradeCount),
		zap.Int("consecutive_losses", m.state.ConsecutiveLosses))

	m.checkEmergencyLimitsLocked()
}

// ResetDaily zeroes the daily counters. Consecutive losses carry across days.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.DailyPnL = 0
	m.state.DailyTradeCount = 0

	m.logger.Info("daily risk limits reset")
}

// TriggerEmergencyStop trips the one-way stop. Idempotent.
func (m *Manager) TriggerEmergencyStop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.triggerEmergencyStopLocked(reason)
}

func (m *Manager) triggerEmergencyStopLocked(reason string) {
	if m.state.EmergencyStop {
		return
	}

	m.state.EmergencyStop = true
	m.state.StopReason = reason

	m.logger.Error("EMERGENCY STOP", zap.String("reason", reason))
}

// OverrideEmergencyStop clears the latch. Only an explicit operator action
// calls this; counters and drawdown are left untouched.
func (m *Manager) OverrideEmergencyStop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.EmergencyStop {
		return
	}

	m.state.EmergencyStop = false
	m.state.StopReason = ""

	m.logger.Warn("emergency stop manually overridden", zap.String("reason", reason))
}

// EmergencyStopped returns the latch state and its reason.
func (m *Manager) EmergencyStopped() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.EmergencyStop, m.state.StopReason
}

// Metrics returns a copy of the current risk state.
func (m *Manager) Metrics() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) checkEmergencyLimitsLocked() {
	if m.state.InitialBalance == 0 {
		return
	}

	totalLoss := m.state.InitialBalance - m.state.Balance

	if totalLoss >= m.cfg.EmergencyStopLoss {
		m.triggerEmergencyStopLocked(
			"cumulative loss " + formatAmount(totalLoss) + " reached emergency ceiling")

		return
	}

	if m.state.MaxDrawdown >= m.cfg.EmergencyStopLoss {
		m.triggerEmergencyStopLocked(
			"drawdown " + formatAmount(m.state.MaxDrawdown) + " reached emergency ceiling")
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
