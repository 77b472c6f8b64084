package types

import "time"

// Direction is the side of a prospective trade.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}

	return DirectionLong
}

// Signal is a confirmed directional entry signal. It is immutable once emitted
// and consumed exactly once by the risk manager.
type Signal struct {
	// Direction is LONG or SHORT.
	Direction Direction `json:"direction"`
	// DetectedAt is when the base oscillator condition armed the latch.
	DetectedAt time.Time `json:"detected_at"`
	// ConfirmedAt is when the confirmation gates passed and the signal fired.
	ConfirmedAt time.Time `json:"confirmed_at"`
	// Snapshot is the indicator state at confirmation time.
	Snapshot IndicatorSnapshot `json:"snapshot"`
	// Confidence is in (0, 1], derived from which confirmation gates passed.
	Confidence float64 `json:"confidence"`
	// Reasons lists the conditions that contributed to the signal.
	Reasons []string `json:"reasons"`
}

// PositionSize is the risk-bounded sizing for a signal. Derived once per
// signal, never mutated.
type PositionSize struct {
	Quantity      float64 `json:"quantity"`
	EntryEstimate float64 `json:"entry_estimate"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	// RiskAmount is the quote-currency amount at risk between entry and stop.
	RiskAmount float64 `json:"risk_amount"`
	// Notional is quantity × entry estimate.
	Notional float64 `json:"notional"`
}
