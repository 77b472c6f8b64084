// Package indicator provides streaming, in-memory technical indicators and a
// SnapshotBuilder that turns a closed-candle stream into per-candle indicator
// snapshots for the signal detector.
package indicator

import (
	"math"

	"github.com/nirre55/trading-engine/internal/types"
)

// BuilderConfig holds the periods for every indicator the builder maintains.
type BuilderConfig struct {
	RSIFastPeriod int
	RSIMidPeriod  int
	RSISlowPeriod int
	EMAPeriod     int
	// MTFFactor is how many base candles make up one higher-timeframe candle
	// for the multi-timeframe RSI. 1 disables aggregation.
	MTFFactor int
	// RSIMTFPeriod is the period of the RSI computed on aggregated candles.
	RSIMTFPeriod int
}

// SnapshotBuilder feeds every indicator from a single ordered stream of
// closed candles and produces one IndicatorSnapshot per candle. Values with
// insufficient history are NaN, which the signal detector treats as "gate
// cannot pass yet".
type SnapshotBuilder struct {
	cfg BuilderConfig

	rsiFast *RSI
	rsiMid  *RSI
	rsiSlow *RSI
	rsiMTF  *RSI
	ema     *EMA
	ha      *HeikinAshi

	// Higher-timeframe aggregation state.
	mtfCount int
	mtfOpen  float64
	mtfHigh  float64
	mtfLow   float64
	mtfClose float64
}

// NewSnapshotBuilder creates a builder with all indicators empty.
func NewSnapshotBuilder(cfg BuilderConfig) *SnapshotBuilder {
	if cfg.MTFFactor < 1 {
		cfg.MTFFactor = 1
	}

	if cfg.RSIMTFPeriod <= 0 {
		cfg.RSIMTFPeriod = cfg.RSIMidPeriod
	}

	return &SnapshotBuilder{
		cfg:     cfg,
		rsiFast: NewRSI(cfg.RSIFastPeriod),
		rsiMid:  NewRSI(cfg.RSIMidPeriod),
		rsiSlow: NewRSI(cfg.RSISlowPeriod),
		rsiMTF:  NewRSI(cfg.RSIMTFPeriod),
		ema:     NewEMA(cfg.EMAPeriod),
		ha:      NewHeikinAshi(),
	}
}

// Update consumes the next closed candle and returns the snapshot for it.
func (b *SnapshotBuilder) Update(c types.Candle) types.IndicatorSnapshot {
	b.rsiFast.Update(c.Close)
	b.rsiMid.Update(c.Close)
	b.rsiSlow.Update(c.Close)
	b.ema.Update(c.Close)
	b.ha.Update(c)
	b.aggregate(c)

	return types.IndicatorSnapshot{
		Close:    c.Close,
		RSIFast:  b.rsiFast.Value(),
		RSIMid:   b.rsiMid.Value(),
		RSISlow:  b.rsiSlow.Value(),
		RSIMTF:   b.mtfValue(),
		EMA:      b.ema.Value(),
		EMASlope: b.ema.Slope(),
		HAOpen:   b.ha.Open(),
		HAClose:  b.ha.Close(),
	}
}

// aggregate folds base candles into higher-timeframe candles and feeds the
// MTF RSI each time one completes.
func (b *SnapshotBuilder) aggregate(c types.Candle) {
	if b.cfg.MTFFactor == 1 {
		b.rsiMTF.Update(c.Close)

		return
	}

	if b.mtfCount == 0 {
		b.mtfOpen = c.Open
		b.mtfHigh = c.High
		b.mtfLow = c.Low
	} else {
		b.mtfHigh = math.Max(b.mtfHigh, c.High)
		b.mtfLow = math.Min(b.mtfLow, c.Low)
	}

	b.mtfClose = c.Close
	b.mtfCount++

	if b.mtfCount == b.cfg.MTFFactor {
		b.rsiMTF.Update(b.mtfClose)
		b.mtfCount = 0
	}
}

func (b *SnapshotBuilder) mtfValue() float64 {
	return b.rsiMTF.Value()
}

// Warmup replays a slice of historical candles through the builder so live
// snapshots start with full indicator history. Only closed candles are fed.
func (b *SnapshotBuilder) Warmup(candles []types.Candle) {
	for _, c := range candles {
		if !c.Closed {
			continue
		}

		b.Update(c)
	}
}

// MinHistory returns the number of closed candles needed before every
// indicator in the snapshot produces a real value.
func (b *SnapshotBuilder) MinHistory() int {
	base := b.cfg.RSISlowPeriod + 1
	if b.cfg.EMAPeriod+1 > base {
		base = b.cfg.EMAPeriod + 1
	}

	mtf := (b.cfg.RSIMTFPeriod + 1) * b.cfg.MTFFactor
	if mtf > base {
		base = mtf
	}

	return base
}
