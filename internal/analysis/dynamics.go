package analysis

import (
	"math"
	"slices"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// dynamicsSpreadDB is the level deviation treated as fully unstable.
const dynamicsSpreadDB = 12.0

func (e *Engine) dynamics(sig *signal) models.Dynamics {
	var sounding []float64
	peak := math.Inf(-1)
	for _, db := range sig.db {
		peak = math.Max(peak, db)
		if db > e.cfg.SilenceDB {
			sounding = append(sounding, db)
		}
	}

	levels := make([]models.LevelPoint, len(sig.db))
	for i, db := range sig.db {
		levels[i] = models.LevelPoint{Time: round(sig.time(i), 3), DB: round(db, 2)}
	}

	d := models.Dynamics{
		Levels: decimate(levels, e.cfg.MaxPoints),
		PeakDB: round(peak, 2),
	}
	if len(sounding) == 0 {
		d.MeanDB = round(peak, 2)
		return d
	}

	mean, std := meanStd(sounding)
	sorted := slices.Clone(sounding)
	slices.Sort(sorted)
	d.MeanDB = round(mean, 2)
	d.RangeDB = round(percentile(sorted, 0.95)-percentile(sorted, 0.05), 2)
	d.Stability = round(clamp01(1-std/dynamicsSpreadDB), 3)
	return d
}
