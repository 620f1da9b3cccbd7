package analysis

import (
	"math"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

type vibratoWindow struct {
	start, end int
	rate       float64
	extent     float64
}

// vibrato slides a window over fully voiced stretches of the pitch track,
// detrends the cents contour in each, and looks for a periodic component in
// the vibrato band. Overlapping detections merge into one segment.
func (e *Engine) vibrato(sig *signal, pitches []float64) models.Vibrato {
	size := int(e.cfg.VibratoWindow / sig.hopSeconds)
	step := max(size/2, 1)
	minLag := max(int(math.Floor(1/(e.cfg.MaxVibratoHz*sig.hopSeconds))), 1)
	maxLag := int(math.Ceil(1 / (e.cfg.MinVibratoHz * sig.hopSeconds)))
	if size < 4 || maxLag >= size-1 {
		return models.Vibrato{}
	}

	var found []vibratoWindow
	for start := 0; start+size <= len(pitches); start += step {
		seg := pitches[start : start+size]
		if !allVoiced(seg) {
			continue
		}
		rate, extent, ok := e.oscillation(seg, minLag, maxLag, sig.hopSeconds)
		if !ok {
			continue
		}
		found = append(found, vibratoWindow{start: start, end: start + size, rate: rate, extent: extent})
	}

	v := models.Vibrato{}
	if len(found) == 0 {
		return v
	}

	var rates, extents []float64
	var cur *models.VibratoSegment
	var n int
	flush := func() {
		if cur == nil {
			return
		}
		cur.RateHz = round(cur.RateHz/float64(n), 2)
		cur.ExtentCents = round(cur.ExtentCents/float64(n), 1)
		v.Segments = append(v.Segments, *cur)
		cur = nil
	}
	for _, w := range found {
		rates = append(rates, w.rate)
		extents = append(extents, w.extent)
		startT, endT := round(sig.time(w.start), 3), round(sig.time(w.end), 3)
		if cur != nil && startT <= cur.End {
			cur.End = endT
			cur.RateHz += w.rate
			cur.ExtentCents += w.extent
			n++
			continue
		}
		flush()
		cur = &models.VibratoSegment{Start: startT, End: endT, RateHz: w.rate, ExtentCents: w.extent}
		n = 1
	}
	flush()
	v.Segments = decimate(v.Segments, e.cfg.MaxPoints)

	meanRate, _ := meanStd(rates)
	v.MeanRateHz = round(meanRate, 2)
	spread := (coefficientOfVariation(rates) + coefficientOfVariation(extents)) / 2
	v.Consistency = round(clamp01(1-spread), 3)
	return v
}

// oscillation reports the rate and extent of a periodic component, whose
// period lies between minLag and maxLag hops, in the pitch window.
func (e *Engine) oscillation(seg []float64, minLag, maxLag int, hopSeconds float64) (rate, extent float64, ok bool) {
	c := make([]float64, len(seg))
	ref := seg[0]
	for i, hz := range seg {
		c[i] = cents(hz, ref)
	}
	detrend(c)

	_, std := meanStd(c)
	extent = std * math.Sqrt2
	if extent < e.cfg.MinVibratoCents {
		return 0, 0, false
	}

	acf := make([]float64, maxLag+2)
	for lag := range acf {
		var sum float64
		for i := 0; i+lag < len(c); i++ {
			sum += c[i] * c[i+lag]
		}
		acf[lag] = sum
	}
	if acf[0] == 0 {
		return 0, 0, false
	}

	best := minLag
	for lag := minLag; lag <= maxLag; lag++ {
		if acf[lag] > acf[best] {
			best = lag
		}
	}
	if acf[best]/acf[0] < e.cfg.VibratoCorrelation {
		return 0, 0, false
	}
	// A peak on the band edge is a slower or faster trend, not vibrato.
	if best == minLag || best == maxLag {
		return 0, 0, false
	}
	period := parabolicPeak(acf, best) * hopSeconds
	return 1 / period, extent, true
}

// detrend removes the least-squares line from c in place.
func detrend(c []float64) {
	n := float64(len(c))
	var sx, sy, sxx, sxy float64
	for i, y := range c {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	denom := n*sxx - sx*sx
	if denom == 0 {
		return
	}
	slope := (n*sxy - sx*sy) / denom
	intercept := (sy - slope*sx) / n
	for i := range c {
		c[i] -= intercept + slope*float64(i)
	}
}

func allVoiced(pitches []float64) bool {
	for _, hz := range pitches {
		if hz == 0 {
			return false
		}
	}
	return true
}
