// Package notify publishes trading lifecycle events to external channels.
// The default implementation writes structured log entries; other channels
// (chat webhooks, pagers) implement the same interface.
package notify

import (
	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
)

// Notifier receives every externally relevant engine event. Each rejected
// trade, execution fallback, and emergency trip produces its own event so
// the cause is attributable after the fact.
type Notifier interface {
	SignalConfirmed(signal types.Signal)
	TradeOpened(trade *types.Trade)
	TradeClosed(trade *types.Trade)
	TradeRejected(direction types.Direction, reason string)
	ExecutionFallback(tradeID, detail string)
	ProtectionPlaced(tradeID string, stopLoss, takeProfit float64)
	EmergencyStop(reason string)
	ConnectionLost(attempts int)
	ConnectionRestored(attempts int)
}

// LogNotifier emits every event as a structured log entry.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log}
}

func (n *LogNotifier) SignalConfirmed(signal types.Signal) {
	n.logger.Info("signal confirmed",
		zap.String("event", "signal_confirmed"),
		zap.String("direction", string(signal.Direction)),
		zap.Float64("confidence", signal.Confidence),
		zap.Strings("reasons", signal.Reasons),
		zap.Time("detected_at", signal.DetectedAt),
	)
}

func (n *LogNotifier) TradeOpened(trade *types.Trade) {
	n.logger.Info("trade opened",
		zap.String("event", "trade_opened"),
		zap.String("trade_id", trade.ID),
		zap.String("direction", string(trade.Direction)),
		zap.Float64("quantity", trade.Quantity),
		zap.Float64("entry_price", trade.EntryPrice),
		zap.Float64("stop_loss", trade.StopLoss),
		zap.Float64("take_profit", trade.TakeProfit),
	)
}

func (n *LogNotifier) TradeClosed(trade *types.Trade) {
	fields := []zap.Field{
		zap.String("event", "trade_closed"),
		zap.String("trade_id", trade.ID),
		zap.String("direction", string(trade.Direction)),
		zap.String("status", string(trade.Status)),
	}
	if trade.PnL.IsSome() {
		fields = append(fields, zap.Float64("pnl", trade.PnL.TakeOr(0)))
	}
	if trade.ExitReason != "" {
		fields = append(fields, zap.String("exit_reason", trade.ExitReason))
	}
	n.logger.Info("trade closed", fields...)
}

func (n *LogNotifier) TradeRejected(direction types.Direction, reason string) {
	n.logger.Warn("trade rejected",
		zap.String("event", "trade_rejected"),
		zap.String("direction", string(direction)),
		zap.String("reason", reason),
	)
}

func (n *LogNotifier) ExecutionFallback(tradeID, detail string) {
	n.logger.Warn("execution fallback",
		zap.String("event", "execution_fallback"),
		zap.String("trade_id", tradeID),
		zap.String("detail", detail),
	)
}

func (n *LogNotifier) ProtectionPlaced(tradeID string, stopLoss, takeProfit float64) {
	n.logger.Info("protection placed",
		zap.String("event", "protection_placed"),
		zap.String("trade_id", tradeID),
		zap.Float64("stop_loss", stopLoss),
		zap.Float64("take_profit", takeProfit),
	)
}

func (n *LogNotifier) EmergencyStop(reason string) {
	n.logger.Error("emergency stop",
		zap.String("event", "emergency_stop"),
		zap.String("reason", reason),
	)
}

func (n *LogNotifier) ConnectionLost(attempts int) {
	n.logger.Warn("connection lost",
		zap.String("event", "connection_lost"),
		zap.Int("attempts", attempts),
	)
}

func (n *LogNotifier) ConnectionRestored(attempts int) {
	n.logger.Info("connection restored",
		zap.String("event", "connection_restored"),
		zap.Int("attempts", attempts),
	)
}
