package metrics

import (
	"math"
	"sort"
	"time"
)

// percentileRank is the rank used by FuncPercentile.
const percentileRank = 0.95

// aggregate groups time-ordered points into fixed-width buckets aligned to
// res and reduces each bucket with fn. Each output point is stamped with its
// bucket start and carries the labels shared by all points in the bucket.
func aggregate(points []DataPoint, fn Func, res time.Duration) []DataPoint {
	if len(points) == 0 {
		return nil
	}
	if res <= 0 {
		res = time.Minute
	}

	var out []DataPoint
	start := 0
	bucket := points[0].Timestamp.Truncate(res)
	for i := 1; i <= len(points); i++ {
		if i < len(points) && points[i].Timestamp.Truncate(res).Equal(bucket) {
			continue
		}
		group := points[start:i]
		values := make([]float64, len(group))
		for j, p := range group {
			values[j] = p.Value
		}
		out = append(out, DataPoint{
			Timestamp: bucket,
			Value:     Reduce(fn, values),
			Labels:    commonLabels(group),
		})
		if i < len(points) {
			start = i
			bucket = points[i].Timestamp.Truncate(res)
		}
	}
	return out
}

// Reduce applies fn to values, which must be in time order for FuncRate.
// It returns 0 for an empty slice.
func Reduce(fn Func, values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	switch fn {
	case FuncSum:
		return sum(values)
	case FuncAvg:
		return sum(values) / float64(n)
	case FuncMin:
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return m
	case FuncMax:
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return m
	case FuncCount:
		return float64(n)
	case FuncRate:
		return values[n-1] - values[0]
	case FuncPercentile:
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		rank := int(math.Ceil(percentileRank * float64(n)))
		if rank < 1 {
			rank = 1
		}
		return sorted[rank-1]
	}
	return 0
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}
