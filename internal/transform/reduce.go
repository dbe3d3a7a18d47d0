package transform

import (
	"fmt"
	"math"
	"sort"

	"chomp/internal/transform/expr"
)

// ReduceSeries collapses values (a table column's samples over a
// windowed-series placeholder's lookback range, oldest first) to a
// single float64 per op. op must be one of expr.WindowOps; an empty
// series is an error, since a windowed placeholder with no samples in
// range has nothing to resolve to.
func ReduceSeries(values []float64, op string) (float64, error) {
	if !expr.WindowOps[op] {
		return 0, fmt.Errorf("transform: unknown windowed-series op %q", op)
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("transform: no samples in range for op %q", op)
	}

	switch op {
	case "mean":
		return mean(values), nil
	case "median":
		return median(values), nil
	case "std":
		return math.Sqrt(variance(values)), nil
	case "var":
		return variance(values), nil
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	case "sum", "cumsum":
		// cumsum over the whole window collapses to its final running
		// total, same as sum, since the placeholder resolves to one
		// scalar rather than a per-sample series.
		return sum(values), nil
	case "prod":
		p := 1.0
		for _, v := range values {
			p *= v
		}
		return p, nil
	default:
		return 0, fmt.Errorf("transform: unsupported windowed-series op %q", op)
	}
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

func mean(values []float64) float64 {
	return sum(values) / float64(len(values))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func variance(values []float64) float64 {
	m := mean(values)
	var acc float64
	for _, v := range values {
		d := v - m
		acc += d * d
	}
	return acc / float64(len(values))
}
