package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	defaultTimeout = 120 * time.Second
)

// HTTPConfig configures the HTTP transcription client.
type HTTPConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTPProvider talks to a whisper-style transcription sidecar over multipart
// HTTP.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &HTTPProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

// Transcribe submits one audio file and classifies any failure for the retry
// policy.
func (p *HTTPProvider) Transcribe(ctx context.Context, req Request) (*Response, error) {
	audioData, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return nil, Fatal(0, fmt.Sprintf("read audio file: %v", err))
	}

	model := p.cfg.Model
	if req.Model != "" {
		model = req.Model
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return nil, Fatal(0, fmt.Sprintf("create form file: %v", err))
	}
	if _, err := part.Write(audioData); err != nil {
		return nil, Fatal(0, fmt.Sprintf("write audio data: %v", err))
	}

	_ = writer.WriteField("model", model)
	if req.Language != "" {
		_ = writer.WriteField("language", req.Language)
	}
	writer.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+"/transcribe", &buf)
	if err != nil {
		return nil, Fatal(0, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(0, fmt.Sprintf("request: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp, string(body))
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, Transient(resp.StatusCode, fmt.Sprintf("decode response: %v", err))
	}
	return &result, nil
}

func classifyStatus(resp *http.Response, body string) *Error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return RateLimited(resp.StatusCode, body, parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return Transient(resp.StatusCode, body)
	default:
		return Fatal(resp.StatusCode, body)
	}
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
