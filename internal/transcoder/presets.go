package transcoder

import (
	"fmt"
	"math"
)

// Preset defines video encoding parameters for a quality level. Width and
// Height bound the output box; the source aspect ratio is kept inside it.
type Preset struct {
	Name      string
	Width     int
	Height    int
	Bitrate   string
	MaxRate   string
	BufSize   string
	AudioBPS  string
	Bandwidth int
}

// DefaultPresets defines the standard quality levels, largest first.
var DefaultPresets = []Preset{
	{"1080p", 1920, 1080, "5M", "5.5M", "7.5M", "192k", 5500000},
	{"720p", 1280, 720, "2.5M", "2.75M", "5M", "128k", 2750000},
	{"480p", 854, 480, "1M", "1.1M", "2M", "96k", 1100000},
}

// ScaleDimensions fits a srcW x srcH frame into the preset box. The result
// keeps the aspect ratio, is never larger than the source, and both sides
// are even as libx264 with yuv420p requires.
func ScaleDimensions(p Preset, srcW, srcH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return even(p.Width), even(p.Height)
	}

	scale := math.Min(float64(p.Width)/float64(srcW), float64(p.Height)/float64(srcH))
	if scale > 1 {
		scale = 1
	}
	w := even(int(math.Round(float64(srcW) * scale)))
	h := even(int(math.Round(float64(srcH) * scale)))
	return max(w, 2), max(h, 2)
}

// even rounds n down to the nearest even number.
func even(n int) int {
	return n &^ 1
}

// PresetsFor returns the presets that do not upscale a source of the given
// height. A source smaller than every preset gets the smallest one, which
// ScaleDimensions then caps at the source size.
func PresetsFor(presets []Preset, srcHeight int) []Preset {
	if srcHeight <= 0 {
		return presets
	}
	var out []Preset
	for _, p := range presets {
		if p.Height <= srcHeight {
			out = append(out, p)
		}
	}
	if len(out) == 0 && len(presets) > 0 {
		smallest := presets[0]
		for _, p := range presets[1:] {
			if p.Height < smallest.Height {
				smallest = p
			}
		}
		out = []Preset{smallest}
	}
	return out
}

// ScaleFilter returns the ffmpeg video filter for the given output size.
func ScaleFilter(w, h int) string {
	return fmt.Sprintf("scale=%d:%d:flags=lanczos,setsar=1", w, h)
}
