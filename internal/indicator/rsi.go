package indicator

import "math"

// RSI is a streaming Relative Strength Index using Wilder's smoothing. Feed
// it closes in order; Value returns NaN until period+1 closes have been seen.
type RSI struct {
	period    int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	count     int
}

// NewRSI creates a streaming RSI for the given period.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

// Update consumes the next close price.
func (r *RSI) Update(close float64) {
	if r.count == 0 {
		r.prevClose = close
		r.count++

		return
	}

	change := close - r.prevClose
	r.prevClose = close

	gain := 0.0
	loss := 0.0

	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if r.count <= r.period {
		// Seed phase: simple average over the first period changes.
		r.avgGain += gain / float64(r.period)
		r.avgLoss += loss / float64(r.period)
	} else {
		// Wilder's smoothing.
		r.avgGain = (r.avgGain*float64(r.period-1) + gain) / float64(r.period)
		r.avgLoss = (r.avgLoss*float64(r.period-1) + loss) / float64(r.period)
	}

	r.count++
}

// Value returns the current RSI, or NaN when there is not enough history.
func (r *RSI) Value() float64 {
	if r.count <= r.period {
		return math.NaN()
	}

	if r.avgLoss == 0 {
		return 100
	}

	rs := r.avgGain / r.avgLoss

	return 100 - (100 / (1 + rs))
}
