package indicator

import "math"

// EMA is a streaming exponential moving average. The first period closes are
// averaged to seed the value, matching the standard SMA-seeded EMA.
type EMA struct {
	period int
	mult   float64
	value  float64
	prev   float64
	seed   float64
	count  int
}

// NewEMA creates a streaming EMA for the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period: period,
		mult:   2.0 / (float64(period) + 1.0),
	}
}

// Update consumes the next close price.
func (e *EMA) Update(close float64) {
	e.count++

	if e.count < e.period {
		e.seed += close

		return
	}

	if e.count == e.period {
		e.seed += close
		e.value = e.seed / float64(e.period)

		return
	}

	e.prev = e.value
	e.value = (close-e.value)*e.mult + e.value
}

// Value returns the current EMA, or NaN when there is not enough history.
func (e *EMA) Value() float64 {
	if e.count < e.period {
		return math.NaN()
	}

	return e.value
}

// Slope returns the change of the EMA over the last update. Positive means
// the average is rising. NaN until two EMA values exist.
func (e *EMA) Slope() float64 {
	if e.count <= e.period {
		return math.NaN()
	}

	return e.value - e.prev
}
