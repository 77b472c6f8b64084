package types

import "time"

// Candle is one OHLCV bar. Live candles are only emitted once closed; the
// Closed flag exists so historical warmup can skip a still-forming bar.
type Candle struct {
	Symbol    string    `json:"symbol"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Closed    bool      `json:"closed"`
}

// IndicatorSnapshot is the full indicator state after one closed candle.
// Any value whose indicator is still warming up is NaN.
type IndicatorSnapshot struct {
	Close    float64 `json:"close"`
	RSIFast  float64 `json:"rsi_fast"`
	RSIMid   float64 `json:"rsi_mid"`
	RSISlow  float64 `json:"rsi_slow"`
	RSIMTF   float64 `json:"rsi_mtf"`
	EMA      float64 `json:"ema"`
	EMASlope float64 `json:"ema_slope"`
	HAOpen   float64 `json:"ha_open"`
	HAClose  float64 `json:"ha_close"`
}
