package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"

	"github.com/MimeLyc/audio-transcriber/internal/chunkstore"
	"github.com/MimeLyc/audio-transcriber/internal/config"
	"github.com/MimeLyc/audio-transcriber/internal/diarize"
	"github.com/MimeLyc/audio-transcriber/internal/jobs"
	"github.com/MimeLyc/audio-transcriber/internal/media"
	"github.com/MimeLyc/audio-transcriber/internal/outputs"
	"github.com/MimeLyc/audio-transcriber/internal/provider"
	"github.com/MimeLyc/audio-transcriber/pkg/log"
)

// Saver persists a job snapshot. Called after every stage or segment
// mutation so a crashed worker resumes at the right unit of work.
type Saver interface {
	Update(job *jobs.Job)
}

// Pipeline drives one job through the 10-stage lifecycle.
type Pipeline struct {
	cfg      *config.Config
	chunks   *chunkstore.Store
	media    media.Operator
	provider provider.Provider
	diarizer diarize.Provider // nil disables the diarizing stage
	saver    Saver
}

func New(cfg *config.Config, chunks *chunkstore.Store, op media.Operator, prov provider.Provider, diarizer diarize.Provider, saver Saver) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		chunks:   chunks,
		media:    op,
		provider: prov,
		diarizer: diarizer,
		saver:    saver,
	}
}

// Run is the queue executor: it advances the job stage by stage until the
// job completes, fails, or the context is cancelled. State is persisted at
// every transition.
func (p *Pipeline) Run(ctx context.Context, job *jobs.Job) error {
	ctx, cancel := p.withJobDeadline(ctx, job)
	defer cancel()

	if job.Stage == jobs.StageCreated {
		p.advance(job)
	}

	for {
		if err := ctx.Err(); err != nil {
			return p.fail(job, fmt.Errorf("job interrupted at stage %s: %w", job.Stage, err))
		}

		var err error
		switch job.Stage {
		case jobs.StageValidating:
			err = p.validate(ctx, job)
		case jobs.StageTranscoding:
			err = p.transcode(ctx, job)
		case jobs.StageSegmenting:
			err = p.segment(ctx, job)
		case jobs.StageDetectingLanguage:
			err = p.detectLanguage(ctx, job)
		case jobs.StageTranscribing:
			err = p.transcribe(ctx, job)
		case jobs.StageMerging:
			err = p.merge(job)
		case jobs.StageDiarizing:
			err = p.diarize(ctx, job)
		case jobs.StageGeneratingOutputs:
			err = p.generateOutputs(ctx, job)
		case jobs.StageComplete:
			job.Status = jobs.StatusComplete
			p.saver.Update(job)
			log.Info("Job %s complete (%d segments, language %s)", job.ID, len(job.Segments), job.DetectedLanguage)
			return nil
		default:
			err = fmt.Errorf("job is in unknown stage %q", job.Stage)
		}

		if err != nil {
			return p.fail(job, err)
		}
	}
}

// advance moves the job to the next stage in order and persists the
// transition.
func (p *Pipeline) advance(job *jobs.Job) {
	next := job.Stage.Next()
	log.Debug("Job %s: %s -> %s", job.ID, job.Stage, next)
	job.Stage = next
	p.saver.Update(job)
}

// fail marks the job failed with a stable error summary.
func (p *Pipeline) fail(job *jobs.Job, err error) error {
	job.Status = jobs.StatusFailed
	job.Error = err.Error()
	p.saver.Update(job)
	log.Error("Job %s failed at stage %s: %v", job.ID, job.Stage, err)
	return err
}

// withJobDeadline bounds the whole run proportionally to the source size so
// a hung job cannot hold a worker slot forever.
func (p *Pipeline) withJobDeadline(ctx context.Context, job *jobs.Job) (context.Context, context.CancelFunc) {
	budget := p.cfg.Pipeline.JobTimeoutBase
	if info, err := os.Stat(p.sourcePath(job)); err == nil {
		mb := info.Size() / (1 << 20)
		budget += time.Duration(mb) * p.cfg.Pipeline.JobTimeoutPerMB
	}
	if budget > p.cfg.Pipeline.JobTimeoutMax {
		budget = p.cfg.Pipeline.JobTimeoutMax
	}
	return context.WithTimeout(ctx, budget)
}

func (p *Pipeline) sourcePath(job *jobs.Job) string {
	return p.chunks.Path(chunkstore.UploadRef(job.UploadID))
}

func (p *Pipeline) audioRef(job *jobs.Job) string {
	return chunkstore.JobRef(job.ID, "audio.wav")
}

func (p *Pipeline) segmentRef(job *jobs.Job, index int) string {
	return chunkstore.JobRef(job.ID, "segments", strconv.Itoa(index)+".wav")
}

// validate confirms the upload decodes as audio and is within duration
// limits. Failure here is fatal: bad input does not improve on retry.
func (p *Pipeline) validate(ctx context.Context, job *jobs.Job) error {
	info, err := p.media.Probe(ctx, p.sourcePath(job))
	if err != nil {
		return fmt.Errorf("not a decodable audio file: %w", err)
	}
	if info.DurationSeconds > p.cfg.Pipeline.MaxAudioSeconds {
		return fmt.Errorf("audio is %.0fs long, limit is %.0fs", info.DurationSeconds, p.cfg.Pipeline.MaxAudioSeconds)
	}
	job.AudioDuration = info.DurationSeconds
	p.advance(job)
	return nil
}

// transcode normalizes to mono 16 kHz PCM. Transient I/O failures are
// retried a few times with a short fixed delay.
func (p *Pipeline) transcode(ctx context.Context, job *jobs.Job) error {
	outPath := p.chunks.Path(p.audioRef(job))
	if err := os.MkdirAll(p.chunks.Path(chunkstore.JobRef(job.ID)), 0o750); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.Pipeline.TranscodeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.Pipeline.TranscodeRetryDelay):
			}
		}
		lastErr = p.media.Transcode(ctx, p.sourcePath(job), outPath)
		if lastErr == nil {
			p.advance(job)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("Job %s: transcode attempt %d failed: %v", job.ID, attempt+1, lastErr)
	}
	return fmt.Errorf("transcode: %w", lastErr)
}

// segment plans the windows (once) and cuts the audio files for any window
// not yet on disk, so a resumed job never re-cuts existing segments.
func (p *Pipeline) segment(ctx context.Context, job *jobs.Job) error {
	if len(job.Segments) == 0 {
		job.Segments = PlanSegments(job.AudioDuration, p.cfg.Pipeline.SegmentSeconds, p.cfg.Pipeline.SingleCallMaxSeconds)
		p.saver.Update(job)
	}

	if len(job.Segments) > 1 {
		if err := os.MkdirAll(p.chunks.Path(chunkstore.JobRef(job.ID, "segments")), 0o750); err != nil {
			return fmt.Errorf("create segments directory: %w", err)
		}
	}

	audioPath := p.chunks.Path(p.audioRef(job))
	for i := range job.Segments {
		seg := &job.Segments[i]
		ref := p.segmentRef(job, seg.Index)
		if exists, err := p.chunks.Exists(ctx, ref); err == nil && exists && seg.StorageRef != "" {
			continue
		}
		if len(job.Segments) == 1 {
			// No split needed; the canonical audio is the segment.
			seg.StorageRef = p.audioRef(job)
			p.saver.Update(job)
			continue
		}
		if err := p.media.Cut(ctx, audioPath, p.chunks.Path(ref), seg.StartSeconds, seg.EndSeconds-seg.StartSeconds); err != nil {
			return fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		seg.StorageRef = ref
		p.saver.Update(job)
	}

	p.advance(job)
	return nil
}

// detectLanguage is optional: a caller-supplied hint short-circuits it, and
// a detection failure downgrades to a warning.
func (p *Pipeline) detectLanguage(ctx context.Context, job *jobs.Job) error {
	if job.LanguageHint != "" {
		job.DetectedLanguage = normalizeLanguage(job.LanguageHint)
		p.advance(job)
		return nil
	}

	code, err := p.probeLanguage(ctx, job)
	if err != nil {
		job.AddWarning(fmt.Sprintf("language detection failed: %v", err))
		log.Warn("Job %s: language detection failed: %v", job.ID, err)
	} else {
		job.DetectedLanguage = code
	}
	p.advance(job)
	return nil
}

// probeLanguage transcribes a leading slice of the first segment and
// classifies the text.
func (p *Pipeline) probeLanguage(ctx context.Context, job *jobs.Job) (string, error) {
	if len(job.Segments) == 0 {
		return "", fmt.Errorf("no segments to probe")
	}

	first := job.Segments[0]
	probeSeconds := p.cfg.Provider.LanguageProbeSeconds
	probeRef := chunkstore.JobRef(job.ID, "language_probe.wav")

	srcRef := first.StorageRef
	if srcRef == "" {
		srcRef = p.audioRef(job)
	}
	window := first.EndSeconds - first.StartSeconds
	if window > probeSeconds {
		if err := p.media.Cut(ctx, p.chunks.Path(srcRef), p.chunks.Path(probeRef), 0, probeSeconds); err != nil {
			return "", err
		}
	} else {
		probeRef = srcRef
	}

	resp, err := p.callProvider(ctx, job, provider.Request{
		AudioPath: p.chunks.Path(probeRef),
		Model:     p.cfg.Provider.Model,
	})
	if err != nil {
		return "", err
	}
	if resp.Language != "" {
		return normalizeLanguage(resp.Language), nil
	}
	if resp.Text == "" {
		return "", fmt.Errorf("probe produced no text")
	}

	code := whatlanggo.DetectLang(resp.Text).Iso6391()
	if code == "" {
		return "", fmt.Errorf("could not classify probe text")
	}
	return normalizeLanguage(code), nil
}

// merge concatenates segment transcripts strictly by index, wrapping each
// with a part marker when the job has more than one segment.
func (p *Pipeline) merge(job *jobs.Job) error {
	job.MergedTranscript = MergeTranscripts(job.Segments)
	p.advance(job)
	return nil
}

// diarize is best-effort: any failure records a warning and the job moves on
// with the un-diarized transcript.
func (p *Pipeline) diarize(ctx context.Context, job *jobs.Job) error {
	if p.diarizer == nil {
		p.advance(job)
		return nil
	}

	resp, err := p.diarizer.Diarize(ctx, diarize.Request{
		AudioPath: p.chunks.Path(p.audioRef(job)),
		Language:  job.DetectedLanguage,
	})
	if err != nil {
		job.AddWarning(fmt.Sprintf("diarization failed: %v", err))
		log.Warn("Job %s: diarization failed: %v", job.ID, err)
		p.advance(job)
		return nil
	}

	if rendered := diarize.Render(resp); rendered != "" {
		job.MergedTranscript = rendered
	} else {
		job.AddWarning("diarization returned no usable speaker turns")
	}
	p.advance(job)
	return nil
}

// generateOutputs renders each requested format. One format failing does not
// block the others; failures are recorded as warnings.
func (p *Pipeline) generateOutputs(ctx context.Context, job *jobs.Job) error {
	if job.Outputs == nil {
		job.Outputs = make(map[string]string, len(p.cfg.Outputs))
	}

	for _, format := range p.cfg.Outputs {
		if _, done := job.Outputs[format]; done {
			continue
		}
		renderer, err := outputs.For(format)
		if err != nil {
			job.AddWarning(fmt.Sprintf("output %s: %v", format, err))
			continue
		}

		ref := chunkstore.JobRef(job.ID, "outputs", "transcript."+format)
		if err := p.renderTo(ctx, renderer, ref, job); err != nil {
			job.AddWarning(fmt.Sprintf("output %s failed: %v", format, err))
			log.Warn("Job %s: rendering %s failed: %v", job.ID, format, err)
			continue
		}
		job.Outputs[format] = ref
		p.saver.Update(job)
	}

	p.advance(job)
	return nil
}

func (p *Pipeline) renderTo(_ context.Context, renderer outputs.Renderer, ref string, job *jobs.Job) error {
	path := p.chunks.Path(ref)
	if err := os.MkdirAll(p.chunks.Path(chunkstore.JobRef(job.ID, "outputs")), 0o750); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := renderer.Render(f, job); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// normalizeLanguage maps arbitrary language identifiers onto a stable BCP 47
// base tag.
func normalizeLanguage(raw string) string {
	tag, err := language.Parse(raw)
	if err != nil {
		return raw
	}
	base, conf := tag.Base()
	if conf == language.No {
		return raw
	}
	return base.String()
}

var errNoSegments = errors.New("job has no segments")
