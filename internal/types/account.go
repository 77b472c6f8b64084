package types

import "time"

// AccountInfo is the engine's view of the futures account balance.
type AccountInfo struct {
	// Balance is the wallet balance in the quote asset.
	Balance float64 `json:"balance"`
	// Available is the balance not locked by open positions or orders.
	Available float64 `json:"available"`
}

// SymbolRules are the exchange trading rules for one symbol.
type SymbolRules struct {
	Symbol string `json:"symbol"`
	// PricePrecision and QuantityPrecision are decimal places accepted by the
	// exchange for prices and quantities.
	PricePrecision    int `json:"price_precision"`
	QuantityPrecision int `json:"quantity_precision"`
	// TickSize and StepSize are the minimum price and quantity increments.
	TickSize float64 `json:"tick_size"`
	StepSize float64 `json:"step_size"`
	// MinNotional is the exchange minimum order value (quantity × price).
	MinNotional float64 `json:"min_notional"`
}

// ExchangePosition is a live position snapshot fetched during reconciliation.
type ExchangePosition struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"` // signed: negative for short
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// IsFlat reports whether the exchange shows no exposure for the symbol.
func (p ExchangePosition) IsFlat() bool {
	return p.Quantity == 0
}

// HealthSnapshot is the engine state polled by external monitoring.
type HealthSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	Balance           float64   `json:"balance"`
	ActiveTrades      int       `json:"active_trades"`
	PendingProtection int       `json:"pending_protection"`
	FeedConnected     bool      `json:"feed_connected"`
	FeedState         string    `json:"feed_state"`
	LastCandleAt      time.Time `json:"last_candle_at"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	EmergencyStop     bool      `json:"emergency_stop"`
	DailyPnL          float64   `json:"daily_pnl"`
	DailyTrades       int       `json:"daily_trades"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
}
