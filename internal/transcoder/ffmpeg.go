// Package transcoder wraps ffmpeg and ffprobe for the media pipeline stages.
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-transcoder")

// ThumbnailWidth is the width of extracted stills; height follows the source.
const ThumbnailWidth = 640

// FFmpegConfig holds configuration for FFmpeg execution.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	Presets     []Preset
	Logger      *slog.Logger
}

// DefaultFFmpegConfig returns the default FFmpeg configuration.
func DefaultFFmpegConfig(logger *slog.Logger) *FFmpegConfig {
	return &FFmpegConfig{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Presets:     DefaultPresets,
		Logger:      logger,
	}
}

// Transcoder runs the ffmpeg commands behind each pipeline stage.
type Transcoder struct {
	config *FFmpegConfig
}

// NewTranscoder creates a new Transcoder with the given configuration.
func NewTranscoder(config *FFmpegConfig) *Transcoder {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.FFprobePath == "" {
		config.FFprobePath = "ffprobe"
	}
	if len(config.Presets) == 0 {
		config.Presets = DefaultPresets
	}
	return &Transcoder{config: config}
}

// GetPresets returns the configured presets.
func (t *Transcoder) GetPresets() []Preset {
	return t.config.Presets
}

// Transcode encodes one rendition of inputPath into outputPath.
func (t *Transcoder) Transcode(ctx context.Context, inputPath, outputPath string, p Preset, width, height int) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-transcode")
	defer span.End()
	span.SetAttributes(
		attribute.String("preset", p.Name),
		attribute.Int("width", width),
		attribute.Int("height", height),
	)
	return t.run(ctx, TranscodeArgs(inputPath, outputPath, p, width, height))
}

// Thumbnail writes a single JPEG frame taken at the given second.
func (t *Transcoder) Thumbnail(ctx context.Context, inputPath, outputPath string, at float64) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-thumbnail")
	defer span.End()
	span.SetAttributes(attribute.Float64("timestamp", at))
	return t.run(ctx, ThumbnailArgs(inputPath, outputPath, at, ThumbnailWidth))
}

// ExtractAudio writes the audio stream as AAC in an m4a container.
func (t *Transcoder) ExtractAudio(ctx context.Context, inputPath, outputPath string, bitrate int) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-audio")
	defer span.End()
	return t.run(ctx, AudioArgs(inputPath, outputPath, bitrate))
}

// Preview writes a short clip starting at start seconds.
func (t *Transcoder) Preview(ctx context.Context, inputPath, outputPath string, start, duration float64) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-preview")
	defer span.End()
	span.SetAttributes(attribute.Float64("start", start), attribute.Float64("duration", duration))
	preset := PresetsFor(t.config.Presets, 1)[0]
	return t.run(ctx, PreviewArgs(inputPath, outputPath, start, duration, preset))
}

// DecodePCM decodes the audio of inputPath to mono float samples.
func (t *Transcoder) DecodePCM(ctx context.Context, inputPath string, sampleRate int) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "ffmpeg-decode-pcm")
	defer span.End()

	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, PCMArgs(inputPath, sampleRate)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		span.RecordError(err)
		t.config.Logger.WarnContext(ctx, "PCM decode failed", "output", lastLine(stderr.String()))
		return nil, commandError(ctx, "ffmpeg decode", err)
	}
	samples, err := DecodeFloat32LE(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("samples", len(samples)))
	return samples, nil
}

// run executes ffmpeg, logging progress and errors from stderr.
func (t *Transcoder) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return models.Wrap(models.ErrTranscodeFailed, "start ffmpeg", err)
	}

	var wg sync.WaitGroup
	var last string
	wg.Add(1)
	go func() {
		defer wg.Done()
		last = t.monitorOutput(ctx, stderrPipe)
	}()

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if last != "" {
			t.config.Logger.WarnContext(ctx, "FFmpeg exited with error", "output", last)
		}
		return commandError(ctx, "ffmpeg", err)
	}
	return nil
}

// monitorOutput logs ffmpeg stderr and returns the last line seen.
func (t *Transcoder) monitorOutput(ctx context.Context, r io.Reader) string {
	var last string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			last = line
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			t.config.Logger.DebugContext(ctx, "FFmpeg progress", "output", line)
		} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			t.config.Logger.WarnContext(ctx, "FFmpeg warning", "output", line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.config.Logger.WarnContext(ctx, "FFmpeg output scanner error", "error", err)
	}
	return last
}

func commandError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return models.Wrap(models.ErrTranscodeFailed, name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return models.E(models.ErrTranscodeFailed, name, "exit status %d", exitErr.ExitCode())
	}
	return models.Wrap(models.ErrTranscodeFailed, name, err)
}

// TranscodeArgs builds the ffmpeg arguments for one H.264/AAC rendition.
func TranscodeArgs(input, output string, p Preset, width, height int) []string {
	return []string{
		"-y", "-hide_banner", "-nostdin",
		"-i", input,
		"-map", "0:v:0", "-map", "0:a:0?",
		"-vf", ScaleFilter(width, height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-pix_fmt", "yuv420p",
		"-b:v", p.Bitrate,
		"-maxrate", p.MaxRate,
		"-bufsize", p.BufSize,
		"-c:a", "aac",
		"-b:a", p.AudioBPS,
		"-movflags", "+faststart",
		output,
	}
}

// ThumbnailArgs builds the arguments for a single JPEG still.
func ThumbnailArgs(input, output string, at float64, width int) []string {
	return []string{
		"-y", "-hide_banner", "-nostdin",
		"-ss", formatSeconds(at),
		"-i", input,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", width),
		"-q:v", "3",
		output,
	}
}

// AudioArgs builds the arguments for AAC audio extraction.
func AudioArgs(input, output string, bitrate int) []string {
	return []string{
		"-y", "-hide_banner", "-nostdin",
		"-i", input,
		"-vn",
		"-map", "0:a:0",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(bitrate/1000) + "k",
		output,
	}
}

// PreviewArgs builds the arguments for a preview clip encoded at preset p.
func PreviewArgs(input, output string, start, duration float64, p Preset) []string {
	return []string{
		"-y", "-hide_banner", "-nostdin",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-i", input,
		"-map", "0:v:0", "-map", "0:a:0?",
		"-vf", fmt.Sprintf("scale=-2:'trunc(min(%d,ih)/2)*2'", p.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-b:v", p.Bitrate,
		"-c:a", "aac",
		"-b:a", p.AudioBPS,
		"-movflags", "+faststart",
		output,
	}
}

// PCMArgs builds the arguments that stream mono 32-bit float PCM to stdout.
func PCMArgs(input string, sampleRate int) []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f32le",
		"pipe:1",
	}
}

// DecodeFloat32LE reads little-endian float32 samples until EOF. A trailing
// partial sample is dropped.
func DecodeFloat32LE(r io.Reader) ([]float32, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, models.Wrap(models.ErrTranscodeFailed, "read pcm", err)
	}
	n := len(data) / 4
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}

// ThumbnailHeight is the even height ffmpeg's scale=ThumbnailWidth:-2
// produces for a srcW x srcH source.
func ThumbnailHeight(srcW, srcH int) int {
	if srcW <= 0 || srcH <= 0 {
		return 0
	}
	h := int(math.Round(float64(ThumbnailWidth) * float64(srcH) / float64(srcW)))
	return max(even(h), 2)
}

// ThumbnailTimes spreads n timestamps evenly through (0, duration), at
// (i+1)*duration/(n+1).
func ThumbnailTimes(duration float64, n int) []float64 {
	if n <= 0 || duration <= 0 {
		return nil
	}
	times := make([]float64, n)
	for i := range times {
		times[i] = float64(i+1) * duration / float64(n+1)
	}
	return times
}

// PreviewWindow returns the clip start and length. The clip starts at
// startFraction of the source, shifted earlier so it fits, and never runs
// longer than the source.
func PreviewWindow(duration, seconds, startFraction float64) (start, length float64) {
	if duration <= 0 {
		return 0, seconds
	}
	length = math.Min(seconds, duration)
	start = duration * startFraction
	if start+length > duration {
		start = duration - length
	}
	return math.Max(start, 0), length
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
