package analysis

import "math"

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}

// percentile expects sorted input and interpolates linearly between ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(sorted)-1)
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// coefficientOfVariation returns std/mean, or 0 for empty or zero-mean input.
func coefficientOfVariation(xs []float64) float64 {
	mean, std := meanStd(xs)
	if mean == 0 {
		return 0
	}
	return std / math.Abs(mean)
}

// parabolicPeak refines the position of a peak at i using its neighbours.
func parabolicPeak(ys []float64, i int) float64 {
	if i <= 0 || i >= len(ys)-1 {
		return float64(i)
	}
	a, b, c := ys[i-1], ys[i], ys[i+1]
	denom := a - 2*b + c
	if denom == 0 {
		return float64(i)
	}
	return float64(i) + 0.5*(a-c)/denom
}

// decimate keeps at most n evenly spaced points, always keeping the first.
func decimate[T any](points []T, n int) []T {
	if n <= 0 || len(points) <= n {
		return points
	}
	out := make([]T, n)
	step := float64(len(points)) / float64(n)
	for i := range out {
		out[i] = points[int(float64(i)*step)]
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
