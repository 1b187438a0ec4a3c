package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/audio-transcriber/internal/jobs"
	"github.com/MimeLyc/audio-transcriber/internal/provider"
	"github.com/MimeLyc/audio-transcriber/pkg/log"
	"github.com/MimeLyc/audio-transcriber/pkg/retry"
)

// transcribe drives every pending segment through the provider, strictly one
// at a time. Parallel submission of segments from one file was observed to
// trigger cascading throttling, so sequential is deliberate. Segments already
// done are skipped, which makes a resumed or re-run job idempotent.
func (p *Pipeline) transcribe(ctx context.Context, job *jobs.Job) error {
	if len(job.Segments) == 0 {
		return errNoSegments
	}

	for i := range job.Segments {
		seg := &job.Segments[i]
		if seg.Status == jobs.SegmentDone {
			continue
		}

		// Cancellation is cooperative: checked between segments, never
		// mid-call.
		if err := ctx.Err(); err != nil {
			return err
		}

		seg.Status = jobs.SegmentTranscribing
		p.saver.Update(job)

		resp, err := p.callProvider(ctx, job, provider.Request{
			AudioPath: p.chunks.Path(seg.StorageRef),
			Language:  job.DetectedLanguage,
			Model:     p.cfg.Provider.Model,
		})
		if err != nil {
			seg.Status = jobs.SegmentFailed
			p.saver.Update(job)
			return fmt.Errorf("segment %d: %w", seg.Index, err)
		}

		seg.Transcript = strings.TrimSpace(resp.Text)
		seg.Status = jobs.SegmentDone
		p.saver.Update(job)
		log.Info("Job %s: segment %d/%d transcribed", job.ID, seg.Index+1, len(job.Segments))

		// Small fixed pause between segments keeps the request rate smooth
		// across a long sequence.
		if i < len(job.Segments)-1 && p.cfg.Retry.SegmentPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.Retry.SegmentPause):
			}
		}
	}

	p.advance(job)
	return nil
}

// callProvider wraps one provider call in the retry policy. Rate-limit and
// transient errors are retried with growing, jittered delays; a provider
// Retry-After hint overrides the computed delay; fatal errors short-circuit.
func (p *Pipeline) callProvider(ctx context.Context, job *jobs.Job, req provider.Request) (*provider.Response, error) {
	cfg := retry.Config{
		MaxAttempts: p.cfg.Retry.MaxAttempts,
		BaseDelay:   p.cfg.Retry.BaseDelay,
		MaxDelay:    p.cfg.Retry.MaxDelay,
		Factor:      2.0,
		Jitter:      p.cfg.Retry.Jitter,
		RetryIf: func(err error) bool {
			switch provider.Classify(err) {
			case provider.KindRateLimited, provider.KindTransient:
				return true
			default:
				return false
			}
		},
		DelayHint: provider.RetryAfterHint,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			job.Status = jobs.StatusRetrying
			p.saver.Update(job)
			log.Warn("Job %s: provider call attempt %d failed (%s), retrying in %s: %v",
				job.ID, attempt, provider.Classify(err), delay.Round(time.Millisecond), err)
		},
	}

	// Each provider call carries its own bounded timeout; the retry loop as a
	// whole is bounded by the job deadline on ctx.
	resp, err := retry.Do(ctx, cfg, func() (*provider.Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Provider.Timeout)
		defer cancel()
		return p.provider.Transcribe(callCtx, req)
	})
	if job.Status == jobs.StatusRetrying {
		job.Status = jobs.StatusRunning
		p.saver.Update(job)
	}
	return resp, err
}
