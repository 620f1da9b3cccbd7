package models

// ArtifactKind is the closed set of outputs the pipeline can produce.
type ArtifactKind int

const (
	ArtifactVideo ArtifactKind = iota + 1
	ArtifactAudio
	ArtifactThumbnail
	ArtifactPreview
)

func (k ArtifactKind) String() string {
	switch k {
	case ArtifactVideo:
		return "video"
	case ArtifactAudio:
		return "audio"
	case ArtifactThumbnail:
		return "thumbnail"
	case ArtifactPreview:
		return "preview"
	}
	return "unknown"
}

// ContentType returns the MIME type used when storing the artifact.
func (k ArtifactKind) ContentType() string {
	switch k {
	case ArtifactVideo, ArtifactPreview:
		return "video/mp4"
	case ArtifactAudio:
		return "audio/mp4"
	case ArtifactThumbnail:
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// Extension returns the file extension, including the dot.
func (k ArtifactKind) Extension() string {
	switch k {
	case ArtifactVideo, ArtifactPreview:
		return ".mp4"
	case ArtifactAudio:
		return ".m4a"
	case ArtifactThumbnail:
		return ".jpg"
	}
	return ".bin"
}

// StageName identifies one pipeline stage.
type StageName string

const (
	StageTranscode    StageName = "transcode"
	StageThumbnails   StageName = "thumbnails"
	StageAudioExtract StageName = "audio_extract"
	StagePreview      StageName = "preview"
	StageAnalyze      StageName = "analyze"
)

// Stages lists every stage in execution order.
var Stages = []StageName{StageTranscode, StageThumbnails, StageAudioExtract, StagePreview, StageAnalyze}

// Rendition describes one transcoded quality level.
type Rendition struct {
	Quality   string `dynamodbav:"quality" json:"quality"`
	Key       string `dynamodbav:"key" json:"key"`
	Width     int    `dynamodbav:"width" json:"width"`
	Height    int    `dynamodbav:"height" json:"height"`
	Bitrate   int    `dynamodbav:"bitrate" json:"bitrate"`
	SizeBytes int64  `dynamodbav:"size_bytes" json:"size_bytes"`
}

// Thumbnail is a still frame taken at Timestamp seconds.
type Thumbnail struct {
	Key       string  `dynamodbav:"key" json:"key"`
	Timestamp float64 `dynamodbav:"timestamp" json:"timestamp"`
	Width     int     `dynamodbav:"width" json:"width"`
	Height    int     `dynamodbav:"height" json:"height"`
}

// AudioTrack is the extracted audio stream.
type AudioTrack struct {
	Key             string  `dynamodbav:"key" json:"key"`
	Codec           string  `dynamodbav:"codec" json:"codec"`
	Bitrate         int     `dynamodbav:"bitrate" json:"bitrate"`
	DurationSeconds float64 `dynamodbav:"duration_seconds" json:"duration_seconds"`
	SizeBytes       int64   `dynamodbav:"size_bytes" json:"size_bytes"`
}

// PreviewClip is a short excerpt of the source.
type PreviewClip struct {
	Key             string  `dynamodbav:"key" json:"key"`
	Start           float64 `dynamodbav:"start" json:"start"`
	DurationSeconds float64 `dynamodbav:"duration_seconds" json:"duration_seconds"`
	SizeBytes       int64   `dynamodbav:"size_bytes" json:"size_bytes"`
}

// ProcessingResult holds the output of each stage that has completed.
type ProcessingResult struct {
	TranscodedVideos map[string]Rendition `dynamodbav:"transcoded_videos,omitempty" json:"transcoded_videos,omitempty"`
	Thumbnails       []Thumbnail          `dynamodbav:"thumbnails,omitempty" json:"thumbnails,omitempty"`
	AudioTrack       *AudioTrack          `dynamodbav:"audio_track,omitempty" json:"audio_track,omitempty"`
	PreviewClip      *PreviewClip         `dynamodbav:"preview_clip,omitempty" json:"preview_clip,omitempty"`
	AnalysisSummary  *AnalysisSummary     `dynamodbav:"analysis_summary,omitempty" json:"analysis_summary,omitempty"`
	AnalysisError    string               `dynamodbav:"analysis_error,omitempty" json:"analysis_error,omitempty"`
	CompletedStages  []StageName          `dynamodbav:"completed_stages,omitempty" json:"completed_stages,omitempty"`
}

// HasStage reports whether the named stage has finished.
func (r *ProcessingResult) HasStage(s StageName) bool {
	for _, c := range r.CompletedStages {
		if c == s {
			return true
		}
	}
	return false
}

// MarkStage records s as completed once.
func (r *ProcessingResult) MarkStage(s StageName) {
	if !r.HasStage(s) {
		r.CompletedStages = append(r.CompletedStages, s)
	}
}

// AnalysisSummary is the fixed output of the audio analysis engine.
type AnalysisSummary struct {
	DurationSeconds float64  `dynamodbav:"duration_seconds" json:"duration_seconds"`
	Tempo           Tempo    `dynamodbav:"tempo" json:"tempo"`
	Pitch           Pitch    `dynamodbav:"pitch" json:"pitch"`
	Dynamics        Dynamics `dynamodbav:"dynamics" json:"dynamics"`
	Vibrato         Vibrato  `dynamodbav:"vibrato" json:"vibrato"`
	Onsets          Onsets   `dynamodbav:"onsets" json:"onsets"`
	Scores          Scores   `dynamodbav:"scores" json:"scores"`
}

type Tempo struct {
	BPM       float64   `dynamodbav:"bpm" json:"bpm"`
	Stability float64   `dynamodbav:"stability" json:"stability"`
	BeatTimes []float64 `dynamodbav:"beat_times,omitempty" json:"beat_times,omitempty"`
}

type PitchPoint struct {
	Time float64 `dynamodbav:"t" json:"t"`
	Hz   float64 `dynamodbav:"hz" json:"hz"`
}

type Pitch struct {
	Contour        []PitchPoint `dynamodbav:"contour,omitempty" json:"contour,omitempty"`
	MeanHz         float64      `dynamodbav:"mean_hz" json:"mean_hz"`
	MinHz          float64      `dynamodbav:"min_hz" json:"min_hz"`
	MaxHz          float64      `dynamodbav:"max_hz" json:"max_hz"`
	RangeSemitones float64      `dynamodbav:"range_semitones" json:"range_semitones"`
	Stability      float64      `dynamodbav:"stability" json:"stability"`
	VoicedRatio    float64      `dynamodbav:"voiced_ratio" json:"voiced_ratio"`
}

type LevelPoint struct {
	Time float64 `dynamodbav:"t" json:"t"`
	DB   float64 `dynamodbav:"db" json:"db"`
}

type Dynamics struct {
	Levels    []LevelPoint `dynamodbav:"levels,omitempty" json:"levels,omitempty"`
	PeakDB    float64      `dynamodbav:"peak_db" json:"peak_db"`
	MeanDB    float64      `dynamodbav:"mean_db" json:"mean_db"`
	RangeDB   float64      `dynamodbav:"range_db" json:"range_db"`
	Stability float64      `dynamodbav:"stability" json:"stability"`
}

type VibratoSegment struct {
	Start       float64 `dynamodbav:"start" json:"start"`
	End         float64 `dynamodbav:"end" json:"end"`
	RateHz      float64 `dynamodbav:"rate_hz" json:"rate_hz"`
	ExtentCents float64 `dynamodbav:"extent_cents" json:"extent_cents"`
}

type Vibrato struct {
	Segments    []VibratoSegment `dynamodbav:"segments,omitempty" json:"segments,omitempty"`
	MeanRateHz  float64          `dynamodbav:"mean_rate_hz" json:"mean_rate_hz"`
	Consistency float64          `dynamodbav:"consistency" json:"consistency"`
}

type Onsets struct {
	Times             []float64 `dynamodbav:"times,omitempty" json:"times,omitempty"`
	Count             int       `dynamodbav:"count" json:"count"`
	Density           float64   `dynamodbav:"density" json:"density"`
	TimingConsistency float64   `dynamodbav:"timing_consistency" json:"timing_consistency"`
}

// Scores are each in [0, 100].
type Scores struct {
	Consistency          float64 `dynamodbav:"consistency" json:"consistency"`
	TechnicalProficiency float64 `dynamodbav:"technical_proficiency" json:"technical_proficiency"`
	MusicalExpression    float64 `dynamodbav:"musical_expression" json:"musical_expression"`
}
