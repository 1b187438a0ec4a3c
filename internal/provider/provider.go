// Package provider defines the transcription provider interface and the
// error taxonomy the orchestrator's retry policy is built on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request holds parameters for a transcription call.
type Request struct {
	// AudioPath is the path to the audio file to transcribe.
	AudioPath string
	// Language is the expected language of the audio (e.g. "en"). Empty lets
	// the provider auto-detect.
	Language string
	// Model is the transcription model to use.
	Model string
}

// Span is a time-aligned portion of a transcript, relative to the submitted
// audio.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Response holds the result of a transcription call.
type Response struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Spans    []Span  `json:"segments,omitempty"`
}

// Provider is the interface transcription backends must implement.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (*Response, error)
}

// ErrorKind separates provider failures into the classes the retry policy
// cares about.
type ErrorKind int

const (
	// KindRateLimited is a provider-reported "too many requests" signal.
	KindRateLimited ErrorKind = iota
	// KindTransient covers 5xx-class and network failures worth retrying.
	KindTransient
	// KindFatal covers failures that will not succeed on retry.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure. RetryAfter carries the provider's
// suggested delay when it supplied one.
type Error struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

func RateLimited(status int, message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Status: status, Message: message, RetryAfter: retryAfter}
}

func Transient(status int, message string) *Error {
	return &Error{Kind: KindTransient, Status: status, Message: message}
}

func Fatal(status int, message string) *Error {
	return &Error{Kind: KindFatal, Status: status, Message: message}
}

// Classify maps any error from a provider call onto an ErrorKind. Errors that
// are not *Error (raw network failures) count as transient; context
// cancellation is fatal for the current run.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	// A per-call timeout is worth retrying; the job-level deadline is
	// enforced by the retry loop's own context, not by classification.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindTransient
}

// RetryAfterHint extracts the provider-supplied retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var perr *Error
	if errors.As(err, &perr) && perr.RetryAfter > 0 {
		return perr.RetryAfter, true
	}
	return 0, false
}
