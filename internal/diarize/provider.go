// Package diarize defines the speaker diarization provider interface. The
// pipeline treats diarization as best-effort: failures downgrade to a job
// warning, never a job failure.
package diarize

import "context"

// Request holds parameters for a diarization call.
type Request struct {
	// AudioPath is the path to the audio file to diarize.
	AudioPath string
	// Language is the expected language of the audio, if known.
	Language string
}

// Turn is one speaker-attributed time range.
type Turn struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text,omitempty"`
}

// Response holds the result of a diarization call.
type Response struct {
	Turns       []Turn `json:"segments"`
	NumSpeakers int    `json:"num_speakers"`
}

// Provider is the interface diarization backends must implement.
type Provider interface {
	Name() string
	Diarize(ctx context.Context, req Request) (*Response, error)
}

// Render formats speaker turns into a readable transcript. Turns without
// text are skipped; an empty result means the diarization output could not
// replace the merged transcript.
func Render(resp *Response) string {
	if resp == nil {
		return ""
	}
	out := ""
	for _, turn := range resp.Turns {
		if turn.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += turn.Speaker + ": " + turn.Text
	}
	return out
}
