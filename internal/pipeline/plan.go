package pipeline

import "github.com/MimeLyc/audio-transcriber/internal/jobs"

// PlanSegments splits a duration into contiguous, non-overlapping segments.
// A file within the single-call ceiling becomes exactly one segment; anything
// longer is split into fixed-length windows with the remainder last. The
// concatenation of all windows reconstructs [0, duration) exactly.
func PlanSegments(durationSeconds, segmentSeconds, singleCallMaxSeconds float64) []jobs.Segment {
	if durationSeconds <= 0 {
		return nil
	}
	if durationSeconds <= singleCallMaxSeconds {
		return []jobs.Segment{{
			Index:        0,
			StartSeconds: 0,
			EndSeconds:   durationSeconds,
			Status:       jobs.SegmentPending,
		}}
	}

	segments := make([]jobs.Segment, 0, int(durationSeconds/segmentSeconds)+1)
	start := 0.0
	for index := 0; start < durationSeconds; index++ {
		end := start + segmentSeconds
		if end > durationSeconds {
			end = durationSeconds
		}
		segments = append(segments, jobs.Segment{
			Index:        index,
			StartSeconds: start,
			EndSeconds:   end,
			Status:       jobs.SegmentPending,
		})
		start = end
	}
	return segments
}
