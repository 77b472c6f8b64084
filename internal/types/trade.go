package types

import (
	"time"

	"github.com/moznion/go-optional"
)

type TradeStatus string

const (
	TradeStatusOpening TradeStatus = "OPENING"
	TradeStatusOpen    TradeStatus = "OPEN"
	TradeStatusClosing TradeStatus = "CLOSING"
	TradeStatusClosed  TradeStatus = "CLOSED"
	TradeStatusFailed  TradeStatus = "FAILED"
)

// Exit reasons recorded on a closed trade.
const (
	ExitReasonStopLoss   string = "stop_loss"
	ExitReasonTakeProfit string = "take_profit"
	ExitReasonManual     string = "manual_close"
	ExitReasonEmergency  string = "emergency_close"
	ExitReasonSlippage   string = "slippage_exceeded"
	ExitReasonAnomaly    string = "protection_anomaly"
	ExitReasonGhost      string = "ghost_reconciliation"
)

// Trade is one full trade lifecycle: entry order, protection pair, exit.
// At most one Trade may be in a non-terminal state system-wide.
type Trade struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Direction Direction   `json:"direction"`
	Status    TradeStatus `json:"status"`

	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`

	EntryOrder *Order `json:"entry_order"`
	SLOrder    *Order `json:"sl_order"`
	TPOrder    *Order `json:"tp_order"`

	// Exit fields are unset until the trade reaches CLOSED.
	ExitPrice  optional.Option[float64] `json:"exit_price"`
	PnL        optional.Option[float64] `json:"pnl"`
	ExitReason string                   `json:"exit_reason"`

	CreatedAt time.Time                  `json:"created_at"`
	OpenedAt  optional.Option[time.Time] `json:"opened_at"`
	ClosedAt  optional.Option[time.Time] `json:"closed_at"`
}

// IsTerminal reports whether the trade reached a final state.
func (t *Trade) IsTerminal() bool {
	return t.Status == TradeStatusClosed || t.Status == TradeStatusFailed
}

// ComputePnL returns the realized profit for the given exit fill price,
// sign-adjusted for direction.
func (t *Trade) ComputePnL(exitPrice float64) float64 {
	if t.Direction == DirectionLong {
		return (exitPrice - t.EntryPrice) * t.Quantity
	}

	return (t.EntryPrice - exitPrice) * t.Quantity
}

// FloatingPnL returns the unrealized profit at the given mark price.
func (t *Trade) FloatingPnL(markPrice float64) float64 {
	return t.ComputePnL(markPrice)
}

// HasProtection reports whether both protection orders are attached.
func (t *Trade) HasProtection() bool {
	return t.SLOrder != nil && t.TPOrder != nil
}
