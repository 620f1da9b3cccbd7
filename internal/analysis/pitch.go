package analysis

import (
	"math"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// pitchJumpCents is the hop-to-hop movement treated as fully unstable.
const pitchJumpCents = 100.0

// pitchTrack returns one estimate per frame, 0 where the frame is unvoiced.
func (e *Engine) pitchTrack(sig *signal) []float64 {
	tauMin := max(int(float64(sig.sampleRate)/e.cfg.MaxPitchHz), 2)
	tauMax := int(float64(sig.sampleRate) / e.cfg.MinPitchHz)
	if tauMax >= sig.frame/2 {
		tauMax = sig.frame/2 - 1
	}
	window := sig.frame - tauMax

	d := make([]float64, tauMax+1)
	x := make([]float64, sig.frame)
	pitches := make([]float64, len(sig.rms))
	for i := range sig.rms {
		if sig.db[i] <= e.cfg.SilenceDB || tauMin >= tauMax {
			continue
		}
		start := i * sig.hop
		for j := range x {
			x[j] = float64(sig.samples[start+j])
		}
		if tau := yin(x, window, tauMin, tauMax, e.cfg.YINThreshold, d); tau > 0 {
			pitches[i] = float64(sig.sampleRate) / tau
		}
	}
	return pitches
}

// yin runs the YIN estimator over x and returns the refined period in
// samples, or 0 when no lag falls below threshold. d is scratch space of at
// least tauMax+1 values.
func yin(x []float64, window, tauMin, tauMax int, threshold float64, d []float64) float64 {
	for tau := 1; tau <= tauMax; tau++ {
		var sum float64
		for j := 0; j < window; j++ {
			diff := x[j] - x[j+tau]
			sum += diff * diff
		}
		d[tau] = sum
	}

	// Cumulative mean normalized difference.
	d[0] = 1
	var running float64
	for tau := 1; tau <= tauMax; tau++ {
		running += d[tau]
		if running == 0 {
			d[tau] = 1
			continue
		}
		d[tau] *= float64(tau) / running
	}

	for tau := tauMin; tau <= tauMax; tau++ {
		if d[tau] >= threshold {
			continue
		}
		for tau+1 <= tauMax && d[tau+1] < d[tau] {
			tau++
		}
		return parabolicPeak(d[:tauMax+1], tau)
	}
	return 0
}

func (e *Engine) pitch(sig *signal, pitches []float64) models.Pitch {
	var (
		contour []models.PitchPoint
		voiced  []float64
		jumps   []float64
		prev    float64
		minHz   = math.Inf(1)
		maxHz   float64
	)
	for i, hz := range pitches {
		if hz == 0 {
			prev = 0
			continue
		}
		contour = append(contour, models.PitchPoint{Time: round(sig.time(i), 3), Hz: round(hz, 2)})
		voiced = append(voiced, hz)
		minHz = math.Min(minHz, hz)
		maxHz = math.Max(maxHz, hz)
		if prev > 0 {
			jumps = append(jumps, math.Abs(cents(hz, prev)))
		}
		prev = hz
	}

	p := models.Pitch{Contour: decimate(contour, e.cfg.MaxPoints)}
	var sounding int
	for _, db := range sig.db {
		if db > e.cfg.SilenceDB {
			sounding++
		}
	}
	if sounding > 0 {
		p.VoicedRatio = round(float64(len(voiced))/float64(sounding), 3)
	}
	if len(voiced) == 0 {
		return p
	}

	mean, _ := meanStd(voiced)
	p.MeanHz = round(mean, 2)
	p.MinHz = round(minHz, 2)
	p.MaxHz = round(maxHz, 2)
	p.RangeSemitones = round(cents(maxHz, minHz)/100, 2)
	if len(jumps) > 0 {
		meanJump, _ := meanStd(jumps)
		p.Stability = round(clamp01(1-meanJump/pitchJumpCents), 3)
	} else {
		p.Stability = 1
	}
	return p
}

// cents is the interval from ref to hz.
func cents(hz, ref float64) float64 {
	return 1200 * math.Log2(hz/ref)
}
