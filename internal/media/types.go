package media

import "context"

// AudioInfo describes the audio stream of a probed media file.
type AudioInfo struct {
	DurationSeconds float64
	CodecName       string
	SampleRate      int
	Channels        int
}

// Operator abstracts the external media toolchain so the pipeline can be
// tested without ffmpeg installed.
type Operator interface {
	// Probe inspects the file and returns audio stream information. A file
	// with no decodable audio stream returns an error.
	Probe(ctx context.Context, path string) (*AudioInfo, error)
	// Transcode normalizes the input to mono 16 kHz PCM WAV at outPath.
	Transcode(ctx context.Context, inPath, outPath string) error
	// Cut extracts [startSeconds, startSeconds+durationSeconds) from inPath
	// into outPath, keeping the canonical WAV format.
	Cut(ctx context.Context, inPath, outPath string, startSeconds, durationSeconds float64) error
}

func NewOperator(ffmpegCmd, ffprobeCmd string) Operator {
	return NewFfmpeg(ffmpegCmd, ffprobeCmd)
}
