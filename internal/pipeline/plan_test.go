package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/audio-transcriber/internal/jobs"
)

func TestPlanSegmentsShortFileIsSingleCall(t *testing.T) {
	segments := PlanSegments(300, 240, 480)
	require.Len(t, segments, 1)
	assert.Equal(t, 0.0, segments[0].StartSeconds)
	assert.Equal(t, 300.0, segments[0].EndSeconds)
	assert.Equal(t, jobs.SegmentPending, segments[0].Status)
}

func TestPlanSegmentsExactCeilingIsSingleCall(t *testing.T) {
	segments := PlanSegments(480, 240, 480)
	require.Len(t, segments, 1)
}

func TestPlanSegmentsLongFileSplitsWithRemainder(t *testing.T) {
	// 90 minutes at 4-minute windows: 22 full windows plus a 120s tail.
	segments := PlanSegments(5400, 240, 480)
	require.Len(t, segments, 23)

	assert.Equal(t, 0.0, segments[0].StartSeconds)
	assert.Equal(t, 240.0, segments[0].EndSeconds)
	last := segments[len(segments)-1]
	assert.Equal(t, 5280.0, last.StartSeconds)
	assert.Equal(t, 5400.0, last.EndSeconds)

	// Windows are contiguous and non-overlapping.
	for i := 1; i < len(segments); i++ {
		assert.Equal(t, segments[i-1].EndSeconds, segments[i].StartSeconds, "gap before segment %d", i)
		assert.Equal(t, i, segments[i].Index)
	}
}

func TestPlanSegmentsEvenSplitHasNoEmptyTail(t *testing.T) {
	segments := PlanSegments(960, 240, 480)
	require.Len(t, segments, 4)
	assert.Equal(t, 960.0, segments[3].EndSeconds)
}

func TestPlanSegmentsZeroDuration(t *testing.T) {
	assert.Nil(t, PlanSegments(0, 240, 480))
}

func TestMergeTranscriptsSingleSegmentHasNoMarker(t *testing.T) {
	merged := MergeTranscripts([]jobs.Segment{
		{Index: 0, Transcript: "  hello world \n"},
	})
	assert.Equal(t, "hello world", merged)
}

func TestMergeTranscriptsOrdersByIndex(t *testing.T) {
	merged := MergeTranscripts([]jobs.Segment{
		{Index: 2, Transcript: "third"},
		{Index: 0, Transcript: "first"},
		{Index: 1, Transcript: "second"},
	})
	assert.Equal(t, "[Part 1]\nfirst\n\n[Part 2]\nsecond\n\n[Part 3]\nthird", merged)
}
