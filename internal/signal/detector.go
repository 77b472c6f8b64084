// Package signal implements the two-phase signal detector: a triple-RSI
// oscillator condition arms a pending latch per direction, and configurable
// confirmation filters validate the latched direction on a later candle.
package signal

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
)

const (
	baseConfidence  = 0.4
	haConfidence    = 0.3
	trendConfidence = 0.2
	mtfConfidence   = 0.1
	// Bonus scaled by the fraction of enabled filters that passed.
	filterRatioBonus = 0.3
)

// Detector latches oscillator extremes and emits a Signal once every enabled
// confirmation filter agrees. At most one direction is pending at a time:
// arming one side clears the other, since both extremes holding back-to-back
// means the first read is stale.
type Detector struct {
	cfg    config.StrategyConfig
	logger *logger.Logger

	pendingLong  bool
	pendingShort bool
	armedLongAt  time.Time
	armedShortAt time.Time
}

// NewDetector creates a detector with both latches idle.
func NewDetector(cfg config.StrategyConfig, log *logger.Logger) *Detector {
	return &Detector{cfg: cfg, logger: log}
}

// PendingLong reports whether the LONG latch is armed.
func (d *Detector) PendingLong() bool { return d.pendingLong }

// PendingShort reports whether the SHORT latch is armed.
func (d *Detector) PendingShort() bool { return d.pendingShort }

// Reset clears both latches.
func (d *Detector) Reset() {
	d.pendingLong = false
	d.pendingShort = false
	d.armedLongAt = time.Time{}
	d.armedShortAt = time.Time{}

	d.logger.Info("pending signals reset")
}

// Process consumes one closed-candle snapshot. It returns a confirmed Signal
// or nil. A snapshot with NaN indicator values can neither arm nor confirm.
func (d *Detector) Process(snap types.IndicatorSnapshot, at time.Time) *types.Signal {
	longBase := d.baseCondition(snap, types.DirectionLong)
	shortBase := d.baseCondition(snap, types.DirectionShort)

	if longBase && !d.pendingLong {
		d.arm(types.DirectionLong, at, snap)
	} else if shortBase && !d.pendingShort {
		d.arm(types.DirectionShort, at, snap)
	}

	if d.cfg.RecheckBaseCondition {
		if d.pendingLong && !longBase {
			d.pendingLong = false
			d.logger.Info("LONG latch dropped, base condition no longer holds")
		}

		if d.pendingShort && !shortBase {
			d.pendingShort = false
			d.logger.Info("SHORT latch dropped, base condition no longer holds")
		}
	}

	if d.pendingLong {
		if sig := d.confirm(types.DirectionLong, snap, at); sig != nil {
			d.pendingLong = false
			d.armedLongAt = time.Time{}

			return sig
		}
	}

	if d.pendingShort {
		if sig := d.confirm(types.DirectionShort, snap, at); sig != nil {
			d.pendingShort = false
			d.armedShortAt = time.Time{}

			return sig
		}
	}

	return nil
}

func (d *Detector) arm(dir types.Direction, at time.Time, snap types.IndicatorSnapshot) {
	switch dir {
	case types.DirectionLong:
		d.pendingLong = true
		d.armedLongAt = at
		d.pendingShort = false
		d.armedShortAt = time.Time{}
	case types.DirectionShort:
		d.pendingShort = true
		d.armedShortAt = at
		d.pendingLong = false
		d.armedLongAt = time.Time{}
	}

	d.logger.Info("oscillator extreme armed",
		zap.String("direction", string(dir)),
		zap.Float64("rsi_fast", snap.RSIFast),
		zap.Float64("rsi_mid", snap.RSIMid),
		zap.Float64("rsi_slow", snap.RSISlow))
}

// baseCondition requires all three RSI periods beyond the threshold at once.
func (d *Detector) baseCondition(snap types.IndicatorSnapshot, dir types.Direction) bool {
	if math.IsNaN(snap.RSIFast) || math.IsNaN(snap.RSIMid) || math.IsNaN(snap.RSISlow) {
		return false
	}

	if dir == types.DirectionLong {
		return snap.RSIFast < d.cfg.RSIOversold &&
			snap.RSIMid < d.cfg.RSIOversold &&
			snap.RSISlow < d.cfg.RSIOversold
	}

	return snap.RSIFast > d.cfg.RSIOverbought &&
		snap.RSIMid > d.cfg.RSIOverbought &&
		snap.RSISlow > d.cfg.RSIOverbought
}

// confirm runs every enabled filter. All enabled filters must pass; each
// contributes a fixed weight plus a share of the pass-ratio bonus.
func (d *Detector) confirm(dir types.Direction, snap types.IndicatorSnapshot, at time.Time) *types.Signal {
	confidence := baseConfidence
	reasons := []string{"rsi " + string(dir)}

	enabled := 0
	passed := 0

	if d.cfg.FilterHeikinAshi {
		enabled++

		if !haConfirms(snap, dir) {
			return nil
		}

		passed++
		confidence += haConfidence

		reasons = append(reasons, "heikin-ashi confirmation")
	}

	if d.cfg.FilterTrend {
		enabled++

		if !trendConfirms(snap, dir) {
			return nil
		}

		passed++
		confidence += trendConfidence

		reasons = append(reasons, "ema trend")
	}

	if d.cfg.FilterMTFRSI {
		enabled++

		if !mtfConfirms(snap, dir) {
			return nil
		}

		passed++
		confidence += mtfConfidence

		reasons = append(reasons, "mtf rsi")
	}

	if enabled > 0 {
		confidence += float64(passed) / float64(enabled) * filterRatioBonus
	}

	confidence = math.Min(confidence, 1.0)
	if confidence < d.cfg.MinConfidence {
		return nil
	}

	armedAt := d.armedLongAt
	if dir == types.DirectionShort {
		armedAt = d.armedShortAt
	}

	sig := &types.Signal{
		Direction:   dir,
		DetectedAt:  armedAt,
		ConfirmedAt: at,
		Snapshot:    snap,
		Confidence:  math.Round(confidence*100) / 100,
		Reasons:     reasons,
	}

	d.logger.Info("signal confirmed",
		zap.String("direction", string(dir)),
		zap.Float64("confidence", sig.Confidence),
		zap.Strings("reasons", reasons),
		zap.Duration("wait", at.Sub(armedAt)))

	return sig
}

func haConfirms(snap types.IndicatorSnapshot, dir types.Direction) bool {
	if math.IsNaN(snap.HAOpen) || math.IsNaN(snap.HAClose) {
		return false
	}

	if dir == types.DirectionLong {
		return snap.HAClose > snap.HAOpen
	}

	return snap.HAClose < snap.HAOpen
}

func trendConfirms(snap types.IndicatorSnapshot, dir types.Direction) bool {
	if math.IsNaN(snap.EMA) || math.IsNaN(snap.EMASlope) {
		return false
	}

	if dir == types.DirectionLong {
		return snap.Close > snap.EMA && snap.EMASlope > 0
	}

	return snap.Close < snap.EMA && snap.EMASlope < 0
}

func mtfConfirms(snap types.IndicatorSnapshot, dir types.Direction) bool {
	if math.IsNaN(snap.RSIMTF) {
		return false
	}

	if dir == types.DirectionLong {
		return snap.RSIMTF > 50
	}

	return snap.RSIMTF < 50
}
