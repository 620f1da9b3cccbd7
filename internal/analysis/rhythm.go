package analysis

import (
	"math"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

const (
	// thresholdWindow is the half-width, in seconds, of the adaptive onset
	// threshold.
	thresholdWindow = 0.25
	// onsetFloor is the minimum flux, relative to peak RMS, of an onset.
	onsetFloor = 0.05
	// minOnsetGap is the shortest time, in seconds, between two onsets.
	minOnsetGap = 0.05
)

// energyFlux is the half-wave rectified first difference of frame RMS.
func energyFlux(rms []float64) []float64 {
	flux := make([]float64, len(rms))
	for i := 1; i < len(rms); i++ {
		flux[i] = math.Max(0, rms[i]-rms[i-1])
	}
	return flux
}

// pickOnsets returns the frames where flux is a local maximum above both the
// local mean plus one deviation and an absolute floor.
func (e *Engine) pickOnsets(sig *signal, flux []float64) []int {
	var peakRMS float64
	for _, r := range sig.rms {
		peakRMS = math.Max(peakRMS, r)
	}
	floor := onsetFloor * peakRMS
	half := max(int(thresholdWindow/sig.hopSeconds), 1)
	gap := max(int(minOnsetGap/sig.hopSeconds), 1)

	var onsets []int
	for i := 1; i < len(flux)-1; i++ {
		v := flux[i]
		if v < floor || v < flux[i-1] || v <= flux[i+1] {
			continue
		}
		lo, hi := max(0, i-half), min(len(flux), i+half+1)
		mean, std := meanStd(flux[lo:hi])
		if v <= mean+std {
			continue
		}
		if n := len(onsets); n > 0 && i-onsets[n-1] < gap {
			if v > flux[onsets[n-1]] {
				onsets[n-1] = i
			}
			continue
		}
		onsets = append(onsets, i)
	}
	return onsets
}

func (e *Engine) onsets(sig *signal, frames []int, duration float64) models.Onsets {
	times := make([]float64, len(frames))
	for i, f := range frames {
		times[i] = round(sig.time(f), 3)
	}

	o := models.Onsets{
		Times:   decimate(times, e.cfg.MaxPoints),
		Count:   len(frames),
		Density: round(float64(len(frames))/duration, 3),
	}
	if len(times) >= 3 {
		o.TimingConsistency = round(clamp01(1-coefficientOfVariation(intervals(times))), 3)
	}
	return o
}

// tempo autocorrelates the mean-removed flux envelope over the lags of the
// configured BPM range and takes the strongest lag as the beat period.
func (e *Engine) tempo(sig *signal, flux []float64, onsetFrames []int, duration float64) models.Tempo {
	if len(onsetFrames) < 2 {
		return models.Tempo{}
	}

	mean, _ := meanStd(flux)
	env := make([]float64, len(flux))
	for i, v := range flux {
		env[i] = v - mean
	}

	minLag := max(int(math.Floor(60/(e.cfg.MaxBPM*sig.hopSeconds))), 1)
	maxLag := min(int(math.Ceil(60/(e.cfg.MinBPM*sig.hopSeconds))), len(env)-1)
	if minLag >= maxLag {
		return models.Tempo{}
	}

	acf := make([]float64, maxLag+2)
	for lag := 0; lag < len(acf) && lag < len(env); lag++ {
		var sum float64
		for i := 0; i+lag < len(env); i++ {
			sum += env[i] * env[i+lag]
		}
		acf[lag] = sum / float64(len(env))
	}
	if acf[0] <= 0 {
		return models.Tempo{}
	}

	best := minLag
	for lag := minLag; lag <= maxLag; lag++ {
		if acf[lag] > acf[best] {
			best = lag
		}
	}
	if acf[best] <= 0 {
		return models.Tempo{}
	}

	period := parabolicPeak(acf, best) * sig.hopSeconds
	t := models.Tempo{
		BPM:       round(60/period, 1),
		Stability: round(clamp01(acf[best]/acf[0]), 3),
	}

	// Anchor the beat grid on the strongest onset.
	anchor := onsetFrames[0]
	for _, f := range onsetFrames {
		if flux[f] > flux[anchor] {
			anchor = f
		}
	}
	start := sig.time(anchor)
	start -= math.Floor(start/period) * period
	var beats []float64
	for b := start; b < duration; b += period {
		beats = append(beats, round(b, 3))
	}
	t.BeatTimes = decimate(beats, e.cfg.MaxPoints)
	return t
}

func intervals(times []float64) []float64 {
	if len(times) < 2 {
		return nil
	}
	out := make([]float64, len(times)-1)
	for i := 1; i < len(times); i++ {
		out[i-1] = times[i] - times[i-1]
	}
	return out
}
