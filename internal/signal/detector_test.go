package signal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
)

type DetectorTestSuite struct {
	suite.Suite

	cfg config.StrategyConfig
}

func TestDetectorSuite(t *testing.T) {
	suite.Run(t, new(DetectorTestSuite))
}

func (suite *DetectorTestSuite) SetupTest() {
	suite.cfg = config.StrategyConfig{
		RSIOversold:   30,
		RSIOverbought: 70,
		MinConfidence: 0.4,
	}
}

func (suite *DetectorTestSuite) newDetector() *Detector {
	return NewDetector(suite.cfg, logger.NewNopLogger())
}

// snapshot with all indicators in neutral territory.
func neutralSnapshot() types.IndicatorSnapshot {
	return types.IndicatorSnapshot{
		Close:    100,
		RSIFast:  50,
		RSIMid:   50,
		RSISlow:  50,
		RSIMTF:   50,
		EMA:      100,
		EMASlope: 0,
		HAOpen:   99,
		HAClose:  100,
	}
}

func oversoldSnapshot() types.IndicatorSnapshot {
	snap := neutralSnapshot()
	snap.RSIFast = 25
	snap.RSIMid = 26
	snap.RSISlow = 27

	return snap
}

func overboughtSnapshot() types.IndicatorSnapshot {
	snap := neutralSnapshot()
	snap.RSIFast = 75
	snap.RSIMid = 74
	snap.RSISlow = 73

	return snap
}

func (suite *DetectorTestSuite) TestNoFiltersConfirmsImmediately() {
	d := suite.newDetector()

	sig := d.Process(oversoldSnapshot(), time.Unix(100, 0))
	suite.NotNil(sig)
	suite.Equal(types.DirectionLong, sig.Direction)
	suite.InDelta(0.4, sig.Confidence, 1e-9)
	suite.False(d.PendingLong())
}

func (suite *DetectorTestSuite) TestPartialOversoldDoesNotArm() {
	d := suite.newDetector()

	snap := oversoldSnapshot()
	snap.RSISlow = 35 // slow RSI not yet oversold

	sig := d.Process(snap, time.Unix(100, 0))
	suite.Nil(sig)
	suite.False(d.PendingLong())
}

func (suite *DetectorTestSuite) TestLatchWaitsForFilterConfirmation() {
	suite.cfg.FilterHeikinAshi = true
	d := suite.newDetector()

	// Oversold but HA candle is red: latch arms, no signal yet.
	snap := oversoldSnapshot()
	snap.HAOpen = 101
	snap.HAClose = 100

	sig := d.Process(snap, time.Unix(100, 0))
	suite.Nil(sig)
	suite.True(d.PendingLong())

	// Later candle back in neutral RSI, HA turns green: latched direction
	// confirms even though the oscillator recovered.
	confirm := neutralSnapshot()
	sig = d.Process(confirm, time.Unix(400, 0))
	suite.NotNil(sig)
	suite.Equal(types.DirectionLong, sig.Direction)
	suite.Equal(time.Unix(100, 0), sig.DetectedAt)
	suite.Equal(time.Unix(400, 0), sig.ConfirmedAt)
	suite.False(d.PendingLong())
}

func (suite *DetectorTestSuite) TestAllFiltersConfidence() {
	suite.cfg.FilterHeikinAshi = true
	suite.cfg.FilterTrend = true
	suite.cfg.FilterMTFRSI = true
	d := suite.newDetector()

	snap := oversoldSnapshot()
	snap.HAOpen = 99
	snap.HAClose = 100
	snap.Close = 101
	snap.EMA = 100
	snap.EMASlope = 0.5
	snap.RSIMTF = 55

	sig := d.Process(snap, time.Unix(100, 0))
	suite.NotNil(sig)
	// 0.4 + 0.3 + 0.2 + 0.1 + 3/3*0.3 capped at 1.0.
	suite.InDelta(1.0, sig.Confidence, 1e-9)
	suite.Len(sig.Reasons, 4)
}

func (suite *DetectorTestSuite) TestFailingEnabledFilterBlocksSignal() {
	suite.cfg.FilterTrend = true
	d := suite.newDetector()

	snap := oversoldSnapshot()
	snap.Close = 99 // below EMA, trend filter fails for LONG
	snap.EMASlope = -1

	sig := d.Process(snap, time.Unix(100, 0))
	suite.Nil(sig)
	suite.True(d.PendingLong())
}

func (suite *DetectorTestSuite) TestOppositeArmingClearsPendingLatch() {
	suite.cfg.FilterHeikinAshi = true
	d := suite.newDetector()

	// Arm LONG with a red HA candle so it stays pending.
	snap := oversoldSnapshot()
	snap.HAOpen = 101
	snap.HAClose = 100
	d.Process(snap, time.Unix(100, 0))
	suite.True(d.PendingLong())

	// Overbought extreme arms SHORT and must clear the stale LONG latch.
	short := overboughtSnapshot()
	short.HAOpen = 99
	short.HAClose = 100 // green HA blocks SHORT confirmation
	d.Process(short, time.Unix(200, 0))

	suite.False(d.PendingLong())
	suite.True(d.PendingShort())
}

func (suite *DetectorTestSuite) TestNeverBothLatchesPending() {
	suite.cfg.FilterHeikinAshi = true
	d := suite.newDetector()

	snaps := []types.IndicatorSnapshot{
		oversoldSnapshot(), overboughtSnapshot(), oversoldSnapshot(),
		neutralSnapshot(), overboughtSnapshot(), oversoldSnapshot(),
	}

	for i, snap := range snaps {
		// Kill HA confirmation both ways so latches stay armed.
		snap.HAOpen = snap.HAClose

		d.Process(snap, time.Unix(int64(100*i), 0))
		suite.False(d.PendingLong() && d.PendingShort(),
			"both latches pending after candle %d", i)
	}
}

func (suite *DetectorTestSuite) TestRecheckBaseConditionDropsLatch() {
	suite.cfg.FilterHeikinAshi = true
	suite.cfg.RecheckBaseCondition = true
	d := suite.newDetector()

	snap := oversoldSnapshot()
	snap.HAOpen = 101
	snap.HAClose = 100
	d.Process(snap, time.Unix(100, 0))
	suite.True(d.PendingLong())

	// RSI recovers: with recheck enabled the latch drops, and the green HA
	// candle alone must not produce a signal.
	sig := d.Process(neutralSnapshot(), time.Unix(200, 0))
	suite.Nil(sig)
	suite.False(d.PendingLong())
}

func (suite *DetectorTestSuite) TestLatchedModeSurvivesRecovery() {
	suite.cfg.FilterHeikinAshi = true
	d := suite.newDetector()

	snap := oversoldSnapshot()
	snap.HAOpen = 101
	snap.HAClose = 100
	d.Process(snap, time.Unix(100, 0))

	// Default latched behavior: recovery does not drop the latch.
	blocked := neutralSnapshot()
	blocked.HAOpen = 101
	blocked.HAClose = 100
	d.Process(blocked, time.Unix(200, 0))
	suite.True(d.PendingLong())
}

func (suite *DetectorTestSuite) TestNaNIndicatorsNeverArm() {
	d := suite.newDetector()

	snap := oversoldSnapshot()
	snap.RSISlow = math.NaN()

	sig := d.Process(snap, time.Unix(100, 0))
	suite.Nil(sig)
	suite.False(d.PendingLong())
}

func (suite *DetectorTestSuite) TestNaNFilterInputBlocksConfirmation() {
	suite.cfg.FilterMTFRSI = true
	d := suite.newDetector()

	snap := oversoldSnapshot()
	snap.RSIMTF = math.NaN()

	sig := d.Process(snap, time.Unix(100, 0))
	suite.Nil(sig)
	suite.True(d.PendingLong())
}

func (suite *DetectorTestSuite) TestMinConfidenceGate() {
	suite.cfg.MinConfidence = 0.9
	d := suite.newDetector()

	sig := d.Process(oversoldSnapshot(), time.Unix(100, 0))
	suite.Nil(sig)
	suite.True(d.PendingLong())
}

func (suite *DetectorTestSuite) TestResetClearsLatches() {
	suite.cfg.FilterHeikinAshi = true
	d := suite.newDetector()

	snap := oversoldSnapshot()
	snap.HAOpen = 101
	snap.HAClose = 100
	d.Process(snap, time.Unix(100, 0))
	suite.True(d.PendingLong())

	d.Reset()
	suite.False(d.PendingLong())
	suite.False(d.PendingShort())
}
