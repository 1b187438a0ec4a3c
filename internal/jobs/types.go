package jobs

import "time"

// Stage is the pipeline stage a job is currently in. Stages only move forward
// except on explicit retry after a transient failure.
type Stage string

const (
	StageCreated           Stage = "created"
	StageValidating        Stage = "validating"
	StageTranscoding       Stage = "transcoding"
	StageSegmenting        Stage = "segmenting"
	StageDetectingLanguage Stage = "detecting_language"
	StageTranscribing      Stage = "transcribing"
	StageMerging           Stage = "merging"
	StageDiarizing         Stage = "diarizing"
	StageGeneratingOutputs Stage = "generating_outputs"
	StageComplete          Stage = "complete"
)

// stageOrder lists the forward progression of the pipeline.
var stageOrder = []Stage{
	StageCreated,
	StageValidating,
	StageTranscoding,
	StageSegmenting,
	StageDetectingLanguage,
	StageTranscribing,
	StageMerging,
	StageDiarizing,
	StageGeneratingOutputs,
	StageComplete,
}

// Next returns the stage following s, or s itself when s is terminal or
// unknown.
func (s Stage) Next() Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return s
}

// Before reports whether s comes strictly before other in the pipeline.
func (s Stage) Before(other Stage) bool {
	return stageIndex(s) < stageIndex(other)
}

func stageIndex(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
	StatusComplete Status = "complete"
)

type SegmentStatus string

const (
	SegmentPending      SegmentStatus = "pending"
	SegmentTranscribing SegmentStatus = "transcribing"
	SegmentDone         SegmentStatus = "done"
	SegmentFailed       SegmentStatus = "failed"
)

// Segment is a contiguous sub-range of the source audio, transcribed
// independently. Immutable once created except for Transcript and Status.
type Segment struct {
	Index        int           `json:"index"`
	StartSeconds float64       `json:"start_seconds"`
	EndSeconds   float64       `json:"end_seconds"`
	StorageRef   string        `json:"storage_ref"`
	Transcript   string        `json:"transcript,omitempty"`
	Status       SegmentStatus `json:"status"`
}

// Job is one end-to-end run of the pipeline for a single finalized upload.
type Job struct {
	ID               string            `json:"id"`
	UploadID         string            `json:"upload_id"`
	Filename         string            `json:"filename"`
	Stage            Stage             `json:"stage"`
	Status           Status            `json:"status"`
	Error            string            `json:"error,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	RetryCount       int               `json:"retry_count"`
	LanguageHint     string            `json:"language_hint,omitempty"`
	DetectedLanguage string            `json:"detected_language,omitempty"`
	AudioDuration    float64           `json:"audio_duration_seconds"`
	Segments         []Segment         `json:"segments,omitempty"`
	MergedTranscript string            `json:"merged_transcript,omitempty"`
	Outputs          map[string]string `json:"outputs,omitempty"`
	Owner            string            `json:"owner,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DoneSegments counts segments that have finished transcription.
func (j *Job) DoneSegments() int {
	done := 0
	for _, seg := range j.Segments {
		if seg.Status == SegmentDone {
			done++
		}
	}
	return done
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusComplete || j.Status == StatusFailed
}

// AddWarning records a non-fatal problem for visibility.
func (j *Job) AddWarning(msg string) {
	j.Warnings = append(j.Warnings, msg)
}
