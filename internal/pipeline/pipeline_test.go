package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/audio-transcriber/internal/chunkstore"
	"github.com/MimeLyc/audio-transcriber/internal/config"
	"github.com/MimeLyc/audio-transcriber/internal/jobs"
	"github.com/MimeLyc/audio-transcriber/internal/media"
	"github.com/MimeLyc/audio-transcriber/internal/provider"
)

type fakeSaver struct {
	mu      sync.Mutex
	updates int
}

func (s *fakeSaver) Update(*jobs.Job) {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
}

type fakeMedia struct {
	duration      float64
	probeErr      error
	transcodeFail int
	transcodeRuns int
	cuts          []string
}

func (m *fakeMedia) Probe(context.Context, string) (*media.AudioInfo, error) {
	if m.probeErr != nil {
		return nil, m.probeErr
	}
	return &media.AudioInfo{
		DurationSeconds: m.duration,
		CodecName:       "aac",
		SampleRate:      44100,
		Channels:        2,
	}, nil
}

func (m *fakeMedia) Transcode(_ context.Context, _, outPath string) error {
	m.transcodeRuns++
	if m.transcodeRuns <= m.transcodeFail {
		return fmt.Errorf("disk hiccup")
	}
	return os.WriteFile(outPath, []byte("wav"), 0o644)
}

func (m *fakeMedia) Cut(_ context.Context, _, outPath string, _, _ float64) error {
	m.cuts = append(m.cuts, outPath)
	return os.WriteFile(outPath, []byte("wav"), 0o644)
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req provider.Request) (*provider.Response, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Transcribe(_ context.Context, req provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.fn(call, req)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func alwaysText(text string) *fakeProvider {
	return &fakeProvider{fn: func(int, provider.Request) (*provider.Response, error) {
		return &provider.Response{Text: text}, nil
	}}
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			WorkerCount:          1,
			SegmentSeconds:       240,
			SingleCallMaxSeconds: 480,
			MaxAudioSeconds:      14400,
			TranscodeRetries:     2,
			TranscodeRetryDelay:  time.Millisecond,
			JobTimeoutBase:       time.Minute,
			JobTimeoutMax:        time.Minute,
		},
		Provider: config.ProviderConfig{
			Model:                "base",
			Timeout:              5 * time.Second,
			LanguageProbeSeconds: 30,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Jitter:      0,
		},
		Outputs: []string{"txt", "json", "srt", "vtt"},
	}
}

func newTestPipeline(t *testing.T, m *fakeMedia, prov provider.Provider) (*Pipeline, *chunkstore.Store) {
	t.Helper()
	chunks, err := chunkstore.NewStore(t.TempDir())
	require.NoError(t, err)
	return New(testConfig(), chunks, m, prov, nil, &fakeSaver{}), chunks
}

func seedUpload(t *testing.T, chunks *chunkstore.Store, uploadID string) {
	t.Helper()
	_, err := chunks.Put(context.Background(), chunkstore.UploadRef(uploadID), strings.NewReader("source-bytes"))
	require.NoError(t, err)
}

func newJob(id, uploadID, hint string) *jobs.Job {
	return &jobs.Job{
		ID:           id,
		UploadID:     uploadID,
		Filename:     "talk.mp3",
		Stage:        jobs.StageCreated,
		Status:       jobs.StatusRunning,
		LanguageHint: hint,
	}
}

func TestRunShortFileSingleSegment(t *testing.T) {
	m := &fakeMedia{duration: 300}
	prov := alwaysText("hello world")
	p, chunks := newTestPipeline(t, m, prov)
	seedUpload(t, chunks, "up-1")

	job := newJob("job-1", "up-1", "en")
	require.NoError(t, p.Run(context.Background(), job))

	assert.Equal(t, jobs.StatusComplete, job.Status)
	assert.Equal(t, jobs.StageComplete, job.Stage)
	assert.Equal(t, "en", job.DetectedLanguage)
	assert.Equal(t, 300.0, job.AudioDuration)
	require.Len(t, job.Segments, 1)
	assert.Equal(t, "hello world", job.MergedTranscript)
	// Single segment reuses the transcoded audio, nothing is cut.
	assert.Empty(t, m.cuts)
	assert.Equal(t, 1, prov.callCount())

	require.Len(t, job.Outputs, 4)
	for format, ref := range job.Outputs {
		exists, err := chunks.Exists(context.Background(), ref)
		require.NoError(t, err)
		assert.True(t, exists, "output %s missing", format)
	}
}

func TestRunLongFileSegmentsAndMerges(t *testing.T) {
	m := &fakeMedia{duration: 900}
	prov := &fakeProvider{fn: func(call int, req provider.Request) (*provider.Response, error) {
		return &provider.Response{Text: fmt.Sprintf("piece %d", call)}, nil
	}}
	p, chunks := newTestPipeline(t, m, prov)
	seedUpload(t, chunks, "up-2")

	job := newJob("job-2", "up-2", "en")
	require.NoError(t, p.Run(context.Background(), job))

	require.Len(t, job.Segments, 4)
	assert.Equal(t, 180.0, job.Segments[3].EndSeconds-job.Segments[3].StartSeconds)
	assert.Len(t, m.cuts, 4)
	assert.Equal(t, 4, prov.callCount())
	for i, seg := range job.Segments {
		assert.Equal(t, jobs.SegmentDone, seg.Status)
		assert.Contains(t, job.MergedTranscript, fmt.Sprintf("[Part %d]", i+1))
	}
	assert.Contains(t, job.MergedTranscript, "piece 1")
}

func TestRunDetectsLanguageFromProbe(t *testing.T) {
	m := &fakeMedia{duration: 300}
	prov := alwaysText("The quick brown fox jumps over the lazy dog and keeps running through the field")
	p, chunks := newTestPipeline(t, m, prov)
	seedUpload(t, chunks, "up-3")

	job := newJob("job-3", "up-3", "")
	require.NoError(t, p.Run(context.Background(), job))

	assert.Equal(t, "en", job.DetectedLanguage)
	// One probe call plus one segment call.
	assert.Equal(t, 2, prov.callCount())
	// The probe cut a leading slice because the segment exceeds the window.
	assert.Len(t, m.cuts, 1)
}

func TestRunDetectionFailureIsWarningNotError(t *testing.T) {
	m := &fakeMedia{duration: 300}
	prov := alwaysText("")
	p, chunks := newTestPipeline(t, m, prov)
	seedUpload(t, chunks, "up-4")

	job := newJob("job-4", "up-4", "")
	require.NoError(t, p.Run(context.Background(), job))

	assert.Equal(t, jobs.StatusComplete, job.Status)
	assert.Empty(t, job.DetectedLanguage)
	require.NotEmpty(t, job.Warnings)
	assert.Contains(t, job.Warnings[0], "language detection failed")
}

func TestRunRejectsOverlongAudio(t *testing.T) {
	m := &fakeMedia{duration: 20000}
	p, chunks := newTestPipeline(t, m, alwaysText("x"))
	seedUpload(t, chunks, "up-5")

	job := newJob("job-5", "up-5", "en")
	err := p.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "limit is")
}

func TestRunUndecodableInputFails(t *testing.T) {
	m := &fakeMedia{probeErr: fmt.Errorf("moov atom not found")}
	p, chunks := newTestPipeline(t, m, alwaysText("x"))
	seedUpload(t, chunks, "up-6")

	job := newJob("job-6", "up-6", "en")
	err := p.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, job.Error, "not a decodable audio file")
}

func TestRunTranscodeRetriesThenSucceeds(t *testing.T) {
	m := &fakeMedia{duration: 300, transcodeFail: 2}
	p, chunks := newTestPipeline(t, m, alwaysText("ok"))
	seedUpload(t, chunks, "up-7")

	job := newJob("job-7", "up-7", "en")
	require.NoError(t, p.Run(context.Background(), job))
	assert.Equal(t, 3, m.transcodeRuns)
	assert.Equal(t, jobs.StatusComplete, job.Status)
}

func TestRunRetriesRateLimitedThenTransient(t *testing.T) {
	m := &fakeMedia{duration: 300}
	prov := &fakeProvider{fn: func(call int, _ provider.Request) (*provider.Response, error) {
		switch call {
		case 1:
			return nil, provider.RateLimited(429, "slow down", 0)
		case 2:
			return nil, provider.Transient(503, "upstream busy")
		default:
			return &provider.Response{Text: "finally"}, nil
		}
	}}
	p, chunks := newTestPipeline(t, m, prov)
	seedUpload(t, chunks, "up-8")

	job := newJob("job-8", "up-8", "en")
	require.NoError(t, p.Run(context.Background(), job))

	assert.Equal(t, 3, prov.callCount())
	assert.Equal(t, "finally", job.MergedTranscript)
	assert.Equal(t, jobs.StatusComplete, job.Status)
}

func TestRunFatalProviderErrorShortCircuits(t *testing.T) {
	m := &fakeMedia{duration: 300}
	prov := &fakeProvider{fn: func(int, provider.Request) (*provider.Response, error) {
		return nil, provider.Fatal(400, "unsupported audio")
	}}
	p, chunks := newTestPipeline(t, m, prov)
	seedUpload(t, chunks, "up-9")

	job := newJob("job-9", "up-9", "en")
	err := p.Run(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, 1, prov.callCount())
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "segment 0")
	require.Len(t, job.Segments, 1)
	assert.Equal(t, jobs.SegmentFailed, job.Segments[0].Status)
}

func TestRunResumesWithoutReTranscribing(t *testing.T) {
	m := &fakeMedia{duration: 900}
	prov := alwaysText("resumed text")
	p, chunks := newTestPipeline(t, m, prov)
	seedUpload(t, chunks, "up-10")

	// A crashed worker left the job mid-transcription with segment 0 done.
	segRef := chunkstore.JobRef("job-10", "segments", "0.wav")
	_, err := chunks.Put(context.Background(), segRef, strings.NewReader("wav"))
	require.NoError(t, err)
	seg1Ref := chunkstore.JobRef("job-10", "segments", "1.wav")
	_, err = chunks.Put(context.Background(), seg1Ref, strings.NewReader("wav"))
	require.NoError(t, err)

	job := &jobs.Job{
		ID:               "job-10",
		UploadID:         "up-10",
		Filename:         "talk.mp3",
		Stage:            jobs.StageTranscribing,
		Status:           jobs.StatusRunning,
		DetectedLanguage: "en",
		AudioDuration:    900,
		Segments: []jobs.Segment{
			{Index: 0, StartSeconds: 0, EndSeconds: 450, StorageRef: segRef, Transcript: "already done", Status: jobs.SegmentDone},
			{Index: 1, StartSeconds: 450, EndSeconds: 900, StorageRef: seg1Ref, Status: jobs.SegmentPending},
		},
	}
	require.NoError(t, p.Run(context.Background(), job))

	// Only the pending segment hit the provider.
	assert.Equal(t, 1, prov.callCount())
	assert.Equal(t, "already done", job.Segments[0].Transcript)
	assert.Equal(t, "resumed text", job.Segments[1].Transcript)
	assert.Equal(t, jobs.StatusComplete, job.Status)
}

func TestRunCancellationStopsBetweenSegments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &fakeMedia{duration: 900}
	prov := &fakeProvider{fn: func(call int, _ provider.Request) (*provider.Response, error) {
		if call == 1 {
			cancel()
		}
		return &provider.Response{Text: "text"}, nil
	}}
	p, chunks := newTestPipeline(t, m, prov)
	seedUpload(t, chunks, "up-11")

	job := newJob("job-11", "up-11", "en")
	err := p.Run(ctx, job)
	require.Error(t, err)

	// The in-flight segment finished; the next one never started.
	assert.Equal(t, 1, prov.callCount())
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, jobs.SegmentDone, job.Segments[0].Status)
	assert.Equal(t, jobs.SegmentPending, job.Segments[1].Status)
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "en", normalizeLanguage("en-US"))
	assert.Equal(t, "de", normalizeLanguage("deu"))
	assert.Equal(t, "zh", normalizeLanguage("zh-Hans"))
	assert.Equal(t, "not-a-language", normalizeLanguage("not-a-language"))
}
