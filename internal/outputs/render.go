// Package outputs renders a finished transcript into the export formats the
// job requested.
package outputs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MimeLyc/audio-transcriber/internal/jobs"
)

// Renderer writes one export format for a job.
type Renderer interface {
	Format() string
	Render(w io.Writer, job *jobs.Job) error
}

// For returns the renderer for a format name.
func For(format string) (Renderer, error) {
	switch format {
	case "txt":
		return textRenderer{}, nil
	case "json":
		return jsonRenderer{}, nil
	case "srt":
		return srtRenderer{}, nil
	case "vtt":
		return vttRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

type textRenderer struct{}

func (textRenderer) Format() string { return "txt" }

func (textRenderer) Render(w io.Writer, job *jobs.Job) error {
	_, err := io.WriteString(w, job.MergedTranscript)
	if err != nil {
		return err
	}
	if job.MergedTranscript != "" && job.MergedTranscript[len(job.MergedTranscript)-1] != '\n' {
		_, err = io.WriteString(w, "\n")
	}
	return err
}

type jsonRenderer struct{}

func (jsonRenderer) Format() string { return "json" }

type jsonSegment struct {
	Index        int     `json:"index"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Text         string  `json:"text"`
}

type jsonDocument struct {
	JobID           string        `json:"job_id"`
	Filename        string        `json:"filename"`
	Language        string        `json:"language,omitempty"`
	DurationSeconds float64       `json:"duration_seconds"`
	Transcript      string        `json:"transcript"`
	Segments        []jsonSegment `json:"segments"`
}

func (jsonRenderer) Render(w io.Writer, job *jobs.Job) error {
	doc := jsonDocument{
		JobID:           job.ID,
		Filename:        job.Filename,
		Language:        job.DetectedLanguage,
		DurationSeconds: job.AudioDuration,
		Transcript:      job.MergedTranscript,
		Segments:        make([]jsonSegment, 0, len(job.Segments)),
	}
	for _, seg := range job.Segments {
		doc.Segments = append(doc.Segments, jsonSegment{
			Index:        seg.Index,
			StartSeconds: seg.StartSeconds,
			EndSeconds:   seg.EndSeconds,
			Text:         seg.Transcript,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

type srtRenderer struct{}

func (srtRenderer) Format() string { return "srt" }

func (srtRenderer) Render(w io.Writer, job *jobs.Job) error {
	writer := bufio.NewWriter(w)

	for _, seg := range job.Segments {
		if seg.Transcript == "" {
			continue
		}
		// write index (SRT cues are 1-based)
		fmt.Fprintf(writer, "%d\n", seg.Index+1)

		// write time
		start := formatSRTTime(secondsToDuration(seg.StartSeconds))
		end := formatSRTTime(secondsToDuration(seg.EndSeconds))
		fmt.Fprintf(writer, "%s --> %s\n", start, end)

		fmt.Fprintf(writer, "%s\n\n", seg.Transcript)
	}

	return writer.Flush()
}

type vttRenderer struct{}

func (vttRenderer) Format() string { return "vtt" }

func (vttRenderer) Render(w io.Writer, job *jobs.Job) error {
	writer := bufio.NewWriter(w)
	fmt.Fprintf(writer, "WEBVTT\n\n")

	for _, seg := range job.Segments {
		if seg.Transcript == "" {
			continue
		}
		start := formatVTTTime(secondsToDuration(seg.StartSeconds))
		end := formatVTTTime(secondsToDuration(seg.EndSeconds))
		fmt.Fprintf(writer, "%s --> %s\n", start, end)
		fmt.Fprintf(writer, "%s\n\n", seg.Transcript)
	}

	return writer.Flush()
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// formatSRTTime formats time.Duration to SRT time format
func formatSRTTime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	milliseconds := int(d.Milliseconds()) % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, milliseconds)
}

// formatVTTTime is the same layout with a dot separator.
func formatVTTTime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	milliseconds := int(d.Milliseconds()) % 1000

	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, milliseconds)
}
