package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout is returned when a transcode exceeds its wall-clock limit.
var ErrTimeout = errors.New("transcode timed out")

// TranscodeRequest describes one audio extraction.
type TranscodeRequest struct {
	Input   string
	Output  string
	Quality string // kbps: 128, 192 or 320
	Title   string
	Artist  string
	Album   string
}

// Transcoder runs ffmpeg and ffprobe.
type Transcoder struct {
	ffmpeg  string
	ffprobe string
	timeout time.Duration
	runner  commandRunner
}

// TranscoderOption configures a Transcoder.
type TranscoderOption func(*Transcoder)

// WithTranscodeTimeout caps a single ffmpeg run.
func WithTranscodeTimeout(d time.Duration) TranscoderOption {
	return func(t *Transcoder) { t.timeout = d }
}

// WithBinaries overrides the ffmpeg and ffprobe executables.
func WithBinaries(ffmpeg, ffprobe string) TranscoderOption {
	return func(t *Transcoder) {
		if ffmpeg != "" {
			t.ffmpeg = ffmpeg
		}
		if ffprobe != "" {
			t.ffprobe = ffprobe
		}
	}
}

// NewTranscoder returns a Transcoder using ffmpeg and ffprobe from PATH.
func NewTranscoder(opts ...TranscoderOption) *Transcoder {
	t := &Transcoder{
		ffmpeg:  "ffmpeg",
		ffprobe: "ffprobe",
		timeout: 300 * time.Second,
		runner:  execRunner{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ToMP3 extracts the audio track of req.Input into an MP3 at req.Output.
func (t *Transcoder) ToMP3(ctx context.Context, req TranscodeRequest) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.runner.Run(ctx, t.ffmpeg, buildFFmpegArgs(req)...)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
	}
	if NotInstalled(err) {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return &ToolError{Tool: "ffmpeg", ExitCode: res.ExitCode, Stderr: tail(res.Stderr, 3), Err: err}
}

// Duration returns the media duration in seconds as reported by ffprobe.
func (t *Transcoder) Duration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := t.runner.Run(ctx, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, &ToolError{Tool: "ffprobe", ExitCode: res.ExitCode, Stderr: tail(res.Stderr, 2), Err: err}
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(res.Stdout)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}
	return secs, nil
}

// Available reports whether ffmpeg runs.
func (t *Transcoder) Available(ctx context.Context) bool {
	return toolAvailable(ctx, t.runner, t.ffmpeg, "-version")
}

func buildFFmpegArgs(req TranscodeRequest) []string {
	quality := req.Quality
	if quality == "" {
		quality = "192"
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", req.Input,
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", quality + "k",
		"-ar", "44100",
	}
	for _, kv := range [][2]string{{"title", req.Title}, {"artist", req.Artist}, {"album", req.Album}} {
		if kv[1] != "" {
			args = append(args, "-metadata", kv[0]+"="+kv[1])
		}
	}
	return append(args, "-y", req.Output)
}
