package indicator

import (
	"math"

	"github.com/nirre55/trading-engine/internal/types"
)

// HeikinAshi maintains the recursive Heikin-Ashi transform of a candle
// stream. The smoothed open depends on the previous HA candle, so candles
// must be fed strictly in order.
type HeikinAshi struct {
	haOpen  float64
	haClose float64
	count   int
}

// NewHeikinAshi creates an empty Heikin-Ashi stream.
func NewHeikinAshi() *HeikinAshi {
	return &HeikinAshi{haOpen: math.NaN(), haClose: math.NaN()}
}

// Update consumes the next closed candle.
func (h *HeikinAshi) Update(c types.Candle) {
	haClose := (c.Open + c.High + c.Low + c.Close) / 4.0

	var haOpen float64
	if h.count == 0 {
		haOpen = (c.Open + c.Close) / 2.0
	} else {
		haOpen = (h.haOpen + h.haClose) / 2.0
	}

	h.haOpen = haOpen
	h.haClose = haClose
	h.count++
}

// Open returns the current HA open, or NaN before the first candle.
func (h *HeikinAshi) Open() float64 { return h.haOpen }

// Close returns the current HA close, or NaN before the first candle.
func (h *HeikinAshi) Close() float64 { return h.haClose }

// Bullish reports whether the current HA candle closed above its open.
func (h *HeikinAshi) Bullish() bool {
	return h.count > 0 && h.haClose > h.haOpen
}

// Bearish reports whether the current HA candle closed below its open.
func (h *HeikinAshi) Bearish() bool {
	return h.count > 0 && h.haClose < h.haOpen
}
