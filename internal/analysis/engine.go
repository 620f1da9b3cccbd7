// Package analysis extracts practice metrics from a mono PCM signal.
//
// The engine works on fixed hops of the signal:
//
//  1. Framed RMS energy gives the dynamics curve.
//  2. Positive energy flux, peak-picked against an adaptive threshold,
//     gives onsets. Autocorrelation of the flux envelope gives tempo.
//  3. YIN gives a pitch estimate per hop. Oscillation of the cents contour
//     in the 4-8 Hz band gives vibrato.
//
// The per-feature results are combined into three scores in [0, 100].
package analysis

import (
	"math"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// MinDuration is the shortest signal, in seconds, the engine accepts.
const MinDuration = 1.0

// Config tunes the engine. Durations are in seconds so results do not
// depend on the input sample rate.
type Config struct {
	FrameSeconds float64
	HopSeconds   float64
	// MaxSeconds truncates longer input. Zero analyzes everything.
	MaxSeconds float64

	SilenceDB float64

	MinPitchHz   float64
	MaxPitchHz   float64
	YINThreshold float64

	MinBPM float64
	MaxBPM float64

	MinVibratoHz       float64
	MaxVibratoHz       float64
	MinVibratoCents    float64
	VibratoWindow      float64
	VibratoCorrelation float64

	// MaxPoints caps each reported series to keep the summary small
	// enough to store with the job.
	MaxPoints int
}

// DefaultConfig returns the settings used by the worker.
func DefaultConfig() Config {
	return Config{
		FrameSeconds:       0.04,
		HopSeconds:         0.01,
		MaxSeconds:         300,
		SilenceDB:          -60,
		MinPitchHz:         70,
		MaxPitchHz:         1000,
		YINThreshold:       0.15,
		MinBPM:             40,
		MaxBPM:             240,
		MinVibratoHz:       4,
		MaxVibratoHz:       8,
		MinVibratoCents:    15,
		VibratoWindow:      1.0,
		VibratoCorrelation: 0.4,
		MaxPoints:          400,
	}
}

// Engine runs the analysis. It holds no state between calls and is safe for
// concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine returns an engine with cfg. Zero fields fall back to defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	fill := func(v *float64, d float64) {
		if *v == 0 {
			*v = d
		}
	}
	fill(&cfg.FrameSeconds, def.FrameSeconds)
	fill(&cfg.HopSeconds, def.HopSeconds)
	fill(&cfg.SilenceDB, def.SilenceDB)
	fill(&cfg.MinPitchHz, def.MinPitchHz)
	fill(&cfg.MaxPitchHz, def.MaxPitchHz)
	fill(&cfg.YINThreshold, def.YINThreshold)
	fill(&cfg.MinBPM, def.MinBPM)
	fill(&cfg.MaxBPM, def.MaxBPM)
	fill(&cfg.MinVibratoHz, def.MinVibratoHz)
	fill(&cfg.MaxVibratoHz, def.MaxVibratoHz)
	fill(&cfg.MinVibratoCents, def.MinVibratoCents)
	fill(&cfg.VibratoWindow, def.VibratoWindow)
	fill(&cfg.VibratoCorrelation, def.VibratoCorrelation)
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = def.MaxPoints
	}
	return &Engine{cfg: cfg}
}

// signal is the framed view of the input shared by every feature.
type signal struct {
	samples    []float32
	sampleRate int
	frame      int
	hop        int
	hopSeconds float64
	rms        []float64
	db         []float64
}

func (s *signal) time(frame int) float64 {
	return float64(frame) * s.hopSeconds
}

// Analyze computes the summary for mono samples at sampleRate.
func (e *Engine) Analyze(samples []float32, sampleRate int) (*models.AnalysisSummary, error) {
	const op = "analysis.Analyze"

	if sampleRate <= 0 {
		return nil, models.E(models.ErrAnalysisFailed, op, "invalid sample rate %d", sampleRate)
	}
	duration := float64(len(samples)) / float64(sampleRate)
	if duration < MinDuration {
		return nil, models.E(models.ErrAnalysisFailed, op, "audio too short: %.2fs", duration)
	}
	if e.cfg.MaxSeconds > 0 && duration > e.cfg.MaxSeconds {
		samples = samples[:int(e.cfg.MaxSeconds*float64(sampleRate))]
		duration = e.cfg.MaxSeconds
	}
	for _, v := range samples {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, models.E(models.ErrAnalysisFailed, op, "signal contains non-finite samples")
		}
	}

	sig := e.frameSignal(samples, sampleRate)
	if len(sig.rms) < 2 {
		return nil, models.E(models.ErrAnalysisFailed, op, "not enough frames")
	}

	dynamics := e.dynamics(sig)
	flux := energyFlux(sig.rms)
	onsetFrames := e.pickOnsets(sig, flux)
	onsets := e.onsets(sig, onsetFrames, duration)
	tempo := e.tempo(sig, flux, onsetFrames, duration)
	pitches := e.pitchTrack(sig)
	pitch := e.pitch(sig, pitches)
	vibrato := e.vibrato(sig, pitches)

	summary := &models.AnalysisSummary{
		DurationSeconds: round(duration, 3),
		Tempo:           tempo,
		Pitch:           pitch,
		Dynamics:        dynamics,
		Vibrato:         vibrato,
		Onsets:          onsets,
	}
	summary.Scores = score(summary)
	return summary, nil
}

// frameSignal computes per-hop RMS and level in dBFS.
func (e *Engine) frameSignal(samples []float32, sampleRate int) *signal {
	frame := max(int(e.cfg.FrameSeconds*float64(sampleRate)), 16)
	hop := max(int(e.cfg.HopSeconds*float64(sampleRate)), 1)
	sig := &signal{
		samples:    samples,
		sampleRate: sampleRate,
		frame:      frame,
		hop:        hop,
		hopSeconds: float64(hop) / float64(sampleRate),
	}

	for start := 0; start+frame <= len(samples); start += hop {
		var sum float64
		for _, v := range samples[start : start+frame] {
			sum += float64(v) * float64(v)
		}
		r := math.Sqrt(sum / float64(frame))
		sig.rms = append(sig.rms, r)
		sig.db = append(sig.db, toDB(r))
	}
	return sig
}

func toDB(rms float64) float64 {
	return 20 * math.Log10(math.Max(rms, 1e-10))
}

// score combines the feature summaries. Each input is already in [0, 1].
func score(s *models.AnalysisSummary) models.Scores {
	consistency := 0.4*s.Tempo.Stability + 0.3*s.Onsets.TimingConsistency + 0.3*s.Dynamics.Stability
	if s.Onsets.Count < 2 {
		// Without rhythm the steadiness of level and pitch is all there is.
		consistency = 0.5*s.Dynamics.Stability + 0.5*s.Pitch.Stability
	}

	technical := 0.5*s.Pitch.Stability + 0.2*s.Pitch.VoicedRatio + 0.3*s.Dynamics.Stability
	if s.Pitch.VoicedRatio == 0 {
		technical = 0.6*s.Tempo.Stability + 0.4*s.Onsets.TimingConsistency
	}

	vibrato := 0.0
	if len(s.Vibrato.Segments) > 0 {
		vibrato = s.Vibrato.Consistency
	}
	expression := 0.4*clamp01(s.Dynamics.RangeDB/30) +
		0.3*clamp01(s.Pitch.RangeSemitones/24) +
		0.3*vibrato

	return models.Scores{
		Consistency:          round(100*clamp01(consistency), 1),
		TechnicalProficiency: round(100*clamp01(technical), 1),
		MusicalExpression:    round(100*clamp01(expression), 1),
	}
}
