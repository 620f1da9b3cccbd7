package transcoder

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

// ProbeResult is the subset of ffprobe output the pipeline needs.
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

// ProbeStream describes a single stream in the container.
type ProbeStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

// ProbeFormat captures container-level metadata.
type ProbeFormat struct {
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// DurationSeconds returns the container duration, falling back to the
// longest stream, or 0 when unavailable.
func (r *ProbeResult) DurationSeconds() float64 {
	if d := parseSeconds(r.Format.Duration); d > 0 {
		return d
	}
	var longest float64
	for _, s := range r.Streams {
		longest = max(longest, parseSeconds(s.Duration))
	}
	return longest
}

// Video returns the first video stream.
func (r *ProbeResult) Video() (ProbeStream, bool) {
	for _, s := range r.Streams {
		if strings.EqualFold(s.CodecType, "video") {
			return s, true
		}
	}
	return ProbeStream{}, false
}

// HasAudio reports whether the container has an audio stream.
func (r *ProbeResult) HasAudio() bool {
	for _, s := range r.Streams {
		if strings.EqualFold(s.CodecType, "audio") {
			return true
		}
	}
	return false
}

// ParseProbe decodes ffprobe JSON output.
func ParseProbe(data []byte) (*ProbeResult, error) {
	var r ProbeResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, models.Wrap(models.ErrTranscodeFailed, "parse ffprobe output", err)
	}
	return &r, nil
}

// Probe runs ffprobe against path.
func (t *Transcoder) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, span := tracer.Start(ctx, "ffprobe")
	defer span.End()

	cmd := exec.CommandContext(ctx, t.config.FFprobePath,
		"-v", "error", "-hide_banner",
		"-show_format", "-show_streams",
		"-of", "json", "--", path)
	out, err := cmd.Output()
	if err != nil {
		span.RecordError(err)
		return nil, commandError(ctx, "ffprobe", err)
	}

	res, err := ParseProbe(out)
	if err != nil {
		return nil, err
	}
	if _, ok := res.Video(); !ok {
		return nil, models.E(models.ErrValidation, "ffprobe", "source has no video stream")
	}
	return res, nil
}

func parseSeconds(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
