package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/audio-transcriber/internal/jobs"
)

// MergeTranscripts concatenates segment transcripts strictly in index order.
// Multi-segment jobs get a human-readable part marker ahead of each piece so
// chunk boundaries remain traceable in the merged text.
func MergeTranscripts(segments []jobs.Segment) string {
	if len(segments) == 1 {
		return strings.TrimSpace(segments[0].Transcript)
	}

	ordered := append([]jobs.Segment(nil), segments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var b strings.Builder
	for _, seg := range ordered {
		text := strings.TrimSpace(seg.Transcript)
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Part %d]\n%s", seg.Index+1, text)
	}
	return b.String()
}
