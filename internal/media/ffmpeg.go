package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MimeLyc/audio-transcriber/pkg/log"
)

type ffmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
}

func NewFfmpeg(ffmpegCmd, ffprobeCmd string) ffmpeg {
	if ffmpegCmd == "" {
		ffmpegCmd = "ffmpeg"
	}
	if ffprobeCmd == "" {
		ffprobeCmd = "ffprobe"
	}
	return ffmpeg{
		ffmpegCmd:  ffmpegCmd,
		ffprobeCmd: ffprobeCmd,
	}
}

// Probe runs ffprobe and returns info about the first audio stream.
func (ff ffmpeg) Probe(ctx context.Context, path string) (*AudioInfo, error) {
	cmdPath, err := exec.LookPath(ff.ffprobeCmd)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, cmdPath, ff.probeArgs(path)...)

	output, err := cmd.Output()
	if err != nil {
		log.Error("Failed to run ffprobe on %s: %v", path, err)
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	return parseProbeOutput(output)
}

func parseProbeOutput(output []byte) (*AudioInfo, error) {
	var probeResult struct {
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			SampleRate string `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}

	if err := json.Unmarshal(output, &probeResult); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(probeResult.Format.Duration), 64)
	if err != nil || duration <= 0 {
		return nil, fmt.Errorf("media has no usable duration")
	}

	for _, stream := range probeResult.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		sampleRate, _ := strconv.Atoi(stream.SampleRate)
		return &AudioInfo{
			DurationSeconds: duration,
			CodecName:       stream.CodecName,
			SampleRate:      sampleRate,
			Channels:        stream.Channels,
		}, nil
	}
	return nil, fmt.Errorf("media has no audio stream")
}

// Transcode normalizes to the canonical format required downstream.
func (ff ffmpeg) Transcode(ctx context.Context, inPath, outPath string) error {
	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, cmdPath, ff.transcodeArgs(inPath, outPath)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("transcode %s: %w: %s", inPath, err, tail(output))
	}
	return nil
}

// Cut extracts a time window from an already canonical WAV file.
func (ff ffmpeg) Cut(ctx context.Context, inPath, outPath string, startSeconds, durationSeconds float64) error {
	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, cmdPath, ff.cutArgs(inPath, outPath, startSeconds, durationSeconds)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cut %s [%.2f+%.2f]: %w: %s", inPath, startSeconds, durationSeconds, err, tail(output))
	}
	return nil
}

func (ffmpeg) probeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		"-select_streams", "a",
		path,
	}
}

func (ffmpeg) transcodeArgs(inPath, outPath string) []string {
	return []string{
		"-y",
		"-i", inPath,
		"-vn", // drop any video stream
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outPath,
	}
}

func (ffmpeg) cutArgs(inPath, outPath string, startSeconds, durationSeconds float64) []string {
	return []string{
		"-y",
		"-ss", formatSeconds(startSeconds),
		"-t", formatSeconds(durationSeconds),
		"-i", inPath,
		"-c", "copy",
		"-f", "wav",
		outPath,
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// tail keeps error output short enough for job records.
func tail(output []byte) string {
	const max = 400
	s := strings.TrimSpace(string(output))
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
