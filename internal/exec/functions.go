package exec

import (
	"math"
	"sort"
	"time"

	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/rangevector"
)

// windowRows returns the subslice of rows (sorted ascending) with
// lo < TimestampMs <= hi, the half-open window PeriodicSamplesMapper
// applies at each grid point.
func windowRows(rows []rangevector.Row, lo, hi int64) []rangevector.Row {
	start := sort.Search(len(rows), func(i int) bool { return rows[i].TimestampMs > lo })
	end := sort.Search(len(rows), func(i int) bool { return rows[i].TimestampMs > hi })
	if start >= end {
		return nil
	}
	return rows[start:end]
}

// lastAtOrBefore returns the most recent row with TimestampMs <= t, for
// instant-mode (WindowMs == 0) resampling.
func lastAtOrBefore(rows []rangevector.Row, t int64) (rangevector.Row, bool) {
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].TimestampMs > t }) - 1
	if idx < 0 {
		return rangevector.Row{}, false
	}
	return rows[idx], true
}

// applyRangeFunction computes a RangeFunction over a window of raw rows,
// mirroring PromQL's range-vector function semantics closely enough for
// this core's accepted subset (SPEC_FULL.md §6).
func applyRangeFunction(fn execplan.RangeFunction, rows []rangevector.Row, windowMs int64, params []float64) (float64, bool) {
	if len(rows) == 0 {
		if fn == execplan.FnAbsentOverTime {
			return 1, true
		}
		return 0, false
	}

	switch fn {
	case execplan.FnAbsentOverTime:
		return 0, false // rows present: absent_over_time yields nothing here

	case execplan.FnCountOverTime:
		return float64(len(rows)), true

	case execplan.FnSumOverTime:
		var sum float64
		for _, r := range rows {
			sum += r.Value
		}
		return sum, true

	case execplan.FnAvgOverTime:
		var sum float64
		for _, r := range rows {
			sum += r.Value
		}
		return sum / float64(len(rows)), true

	case execplan.FnMinOverTime:
		m := rows[0].Value
		for _, r := range rows[1:] {
			if r.Value < m {
				m = r.Value
			}
		}
		return m, true

	case execplan.FnMaxOverTime:
		m := rows[0].Value
		for _, r := range rows[1:] {
			if r.Value > m {
				m = r.Value
			}
		}
		return m, true

	case execplan.FnStddevOverTime, execplan.FnStdvarOverTime:
		mean := 0.0
		for _, r := range rows {
			mean += r.Value
		}
		mean /= float64(len(rows))
		var variance float64
		for _, r := range rows {
			d := r.Value - mean
			variance += d * d
		}
		variance /= float64(len(rows))
		if fn == execplan.FnStdvarOverTime {
			return variance, true
		}
		return math.Sqrt(variance), true

	case execplan.FnLastOverTime:
		return rows[len(rows)-1].Value, true

	case execplan.FnQuantileOverTime:
		if len(params) < 1 {
			return 0, false
		}
		return quantile(params[0], rows), true

	case execplan.FnRate, execplan.FnIncrease:
		if len(rows) < 2 {
			return 0, false
		}
		total := counterIncrease(rows)
		if fn == execplan.FnIncrease {
			return total, true
		}
		durSec := float64(rows[len(rows)-1].TimestampMs-rows[0].TimestampMs) / 1000
		if durSec <= 0 {
			return 0, false
		}
		return total / durSec, true

	case execplan.FnDeriv:
		if len(rows) < 2 {
			return 0, false
		}
		slope, _ := linearRegression(rows)
		return slope, true

	case execplan.FnPredictLinear:
		if len(rows) < 2 || len(params) < 1 {
			return 0, false
		}
		slope, intercept := linearRegression(rows)
		t0 := float64(rows[0].TimestampMs) / 1000
		tPredict := t0 + params[0]
		return intercept + slope*(tPredict-t0), true

	case execplan.FnChanges:
		changes := 0.0
		for i := 1; i < len(rows); i++ {
			if rows[i].Value != rows[i-1].Value {
				changes++
			}
		}
		return changes, true

	case execplan.FnResets:
		resets := 0.0
		for i := 1; i < len(rows); i++ {
			if rows[i].Value < rows[i-1].Value {
				resets++
			}
		}
		return resets, true

	case execplan.FnHoltWinters:
		if len(rows) < 2 || len(params) < 2 {
			return 0, false
		}
		return holtWinters(rows, params[0], params[1]), true
	}
	return 0, false
}

// counterIncrease sums positive deltas, treating any negative delta as a
// counter reset (the value restarted from near zero), matching PromQL's
// rate()/increase() reset-handling rule.
func counterIncrease(rows []rangevector.Row) float64 {
	var total float64
	for i := 1; i < len(rows); i++ {
		d := rows[i].Value - rows[i-1].Value
		if d < 0 {
			d = rows[i].Value
		}
		total += d
	}
	return total
}

func linearRegression(rows []rangevector.Row) (slope, intercept float64) {
	n := float64(len(rows))
	var sumX, sumY, sumXY, sumXX float64
	t0 := float64(rows[0].TimestampMs) / 1000
	for _, r := range rows {
		x := float64(r.TimestampMs)/1000 - t0
		y := r.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func quantile(q float64, rows []rangevector.Row) float64 {
	vals := make([]float64, len(rows))
	for i, r := range rows {
		vals[i] = r.Value
	}
	return quantileValues(q, vals)
}

// quantileValues computes the q-quantile of vals by linear interpolation
// between order statistics, the same rule quantile() applies to a window
// of rows — factored out so the cross-series quantile() aggregate operator
// can use it directly on grouped values instead of synthetic rows.
func quantileValues(q float64, vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// holtWinters applies simple (non-seasonal) double exponential smoothing
// with smoothing factor sf and trend factor tf, returning the last
// smoothed value, matching PromQL's holt_winters() approximation.
func holtWinters(rows []rangevector.Row, sf, tf float64) float64 {
	s := rows[0].Value
	b := rows[1].Value - rows[0].Value
	for i := 1; i < len(rows); i++ {
		prevS := s
		s = sf*rows[i].Value + (1-sf)*(s+b)
		b = tf*(s-prevS) + (1-tf)*b
	}
	return s
}

// applyInstantFunction applies a pointwise InstantFunction to one
// (timestamp, value) sample. tsMs feeds the calendar functions (hour,
// day_of_week, ...), which read the sample's own timestamp rather than its
// value; every other case ignores it.
func applyInstantFunction(fn execplan.InstantFunction, tsMs int64, v float64, params []float64) float64 {
	switch fn {
	case execplan.FnAbs:
		return math.Abs(v)
	case execplan.FnCeil:
		return math.Ceil(v)
	case execplan.FnFloor:
		return math.Floor(v)
	case execplan.FnExp:
		return math.Exp(v)
	case execplan.FnLn:
		return math.Log(v)
	case execplan.FnLog2:
		return math.Log2(v)
	case execplan.FnLog10:
		return math.Log10(v)
	case execplan.FnSqrt:
		return math.Sqrt(v)
	case execplan.FnRound:
		if len(params) > 0 && params[0] != 0 {
			return math.Round(v/params[0]) * params[0]
		}
		return math.Round(v)
	case execplan.FnSgn:
		switch {
		case v > 0:
			return 1
		case v < 0:
			return -1
		default:
			return 0
		}
	case execplan.FnClampMin:
		if len(params) > 0 && v < params[0] {
			return params[0]
		}
		return v
	case execplan.FnClampMax:
		if len(params) > 0 && v > params[0] {
			return params[0]
		}
		return v
	case execplan.FnHistogramBucket:
		// The le threshold (params[0]) is structural: it already steered the
		// planner's histogram-bucket selector rewrite onto this series, so
		// there is nothing left to transform about the bucket's count value.
		return v
	case execplan.FnHour:
		return float64(time.UnixMilli(tsMs).UTC().Hour())
	case execplan.FnMinute:
		return float64(time.UnixMilli(tsMs).UTC().Minute())
	case execplan.FnDayOfMonth:
		return float64(time.UnixMilli(tsMs).UTC().Day())
	case execplan.FnDayOfWeek:
		return float64(time.UnixMilli(tsMs).UTC().Weekday())
	case execplan.FnMonth:
		return float64(time.UnixMilli(tsMs).UTC().Month())
	case execplan.FnYear:
		return float64(time.UnixMilli(tsMs).UTC().Year())
	case execplan.FnDaysInMonth:
		t := time.UnixMilli(tsMs).UTC()
		firstOfNextMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return float64(firstOfNextMonth.AddDate(0, 0, -1).Day())
	}
	return v
}
