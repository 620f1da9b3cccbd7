package pipeline

import (
	"context"
	"fmt"

	"github.com/amillerrr/tus-media-pipeline/internal/transcoder"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

func (p *Pipeline) transcode(ctx context.Context, r *run) error {
	video, _ := r.probe.Video()
	presets := transcoder.PresetsFor(p.tool.GetPresets(), video.Height)

	renditions := make(map[string]models.Rendition, len(presets))
	for _, preset := range presets {
		w, h := transcoder.ScaleDimensions(preset, video.Width, video.Height)
		out := r.output(models.ArtifactVideo, preset.Name)
		if err := p.tool.Transcode(ctx, r.source, out, preset, w, h); err != nil {
			return err
		}
		key, size, err := p.publisher.Publish(ctx, r.asset.AssetID, models.ArtifactVideo, preset.Name, out)
		if err != nil {
			return err
		}
		// Only renditions whose upload finished are reported.
		renditions[preset.Name] = models.Rendition{
			Quality:   preset.Name,
			Key:       key,
			Width:     w,
			Height:    h,
			Bitrate:   preset.Bandwidth,
			SizeBytes: size,
		}
		r.result.TranscodedVideos = renditions
	}
	return nil
}

func (p *Pipeline) thumbnails(ctx context.Context, r *run) error {
	video, _ := r.probe.Video()
	times := transcoder.ThumbnailTimes(r.asset.DurationSeconds, p.settings.ThumbnailCount)
	if len(times) == 0 {
		times = []float64{0}
	}

	thumbs := make([]models.Thumbnail, 0, len(times))
	for i, at := range times {
		name := fmt.Sprintf("thumb_%02d", i+1)
		out := r.output(models.ArtifactThumbnail, name)
		if err := p.tool.Thumbnail(ctx, r.source, out, at); err != nil {
			return err
		}
		key, _, err := p.publisher.Publish(ctx, r.asset.AssetID, models.ArtifactThumbnail, name, out)
		if err != nil {
			return err
		}
		thumbs = append(thumbs, models.Thumbnail{
			Key:       key,
			Timestamp: at,
			Width:     transcoder.ThumbnailWidth,
			Height:    transcoder.ThumbnailHeight(video.Width, video.Height),
		})
	}
	r.result.Thumbnails = thumbs
	return nil
}

func (p *Pipeline) extractAudio(ctx context.Context, r *run) error {
	if !r.probe.HasAudio() {
		r.log.InfoContext(ctx, "Source has no audio, skipping extraction")
		return nil
	}
	out := r.output(models.ArtifactAudio, "audio")
	if err := p.tool.ExtractAudio(ctx, r.source, out, AudioBitrate); err != nil {
		return err
	}
	key, size, err := p.publisher.Publish(ctx, r.asset.AssetID, models.ArtifactAudio, "audio", out)
	if err != nil {
		return err
	}
	r.result.AudioTrack = &models.AudioTrack{
		Key:             key,
		Codec:           "aac",
		Bitrate:         AudioBitrate,
		DurationSeconds: r.asset.DurationSeconds,
		SizeBytes:       size,
	}
	return nil
}

func (p *Pipeline) preview(ctx context.Context, r *run) error {
	start, length := transcoder.PreviewWindow(r.asset.DurationSeconds, p.settings.PreviewSeconds, p.settings.PreviewStartFraction)
	out := r.output(models.ArtifactPreview, "preview")
	if err := p.tool.Preview(ctx, r.source, out, start, length); err != nil {
		return err
	}
	key, size, err := p.publisher.Publish(ctx, r.asset.AssetID, models.ArtifactPreview, "preview", out)
	if err != nil {
		return err
	}
	r.result.PreviewClip = &models.PreviewClip{
		Key:             key,
		Start:           start,
		DurationSeconds: length,
		SizeBytes:       size,
	}
	return nil
}

// analyze never fails the attempt on its own: an analysis problem is
// recorded on the result and the job still completes. Only cancellation of
// the job context propagates.
func (p *Pipeline) analyze(ctx context.Context, r *run) error {
	r.result.AnalysisSummary = nil
	r.result.AnalysisError = ""

	if !r.probe.HasAudio() {
		r.result.AnalysisError = "source has no audio stream"
		return nil
	}

	input := r.source
	if r.result.AudioTrack != nil {
		input = r.output(models.ArtifactAudio, "audio")
	}
	samples, err := p.tool.DecodePCM(ctx, input, p.settings.AnalysisSampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.degrade(ctx, models.Wrap(models.ErrAnalysisFailed, "decode audio", err))
		return nil
	}

	summary, err := p.analyzer.Analyze(samples, p.settings.AnalysisSampleRate)
	if err != nil {
		r.degrade(ctx, err)
		return nil
	}
	r.result.AnalysisSummary = summary
	return nil
}

func (r *run) degrade(ctx context.Context, err error) {
	r.result.AnalysisError = err.Error()
	r.log.WarnContext(ctx, "Audio analysis failed, completing without it", "error", err)
}
