// Package media wraps the external tools that turn a post URL into audio:
// yt-dlp for resolution, an HTTP fetcher for the source video, ffmpeg and
// ffprobe for transcoding, and an ID3 reader for tag read-back.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// commandResult captures one process run.
type commandResult struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution so tests can fake the tools.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.Bytes(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, err
}

// ToolError reports a failed tool invocation with the tail of its stderr.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed (exit %d): %v", e.Tool, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed (exit %d): %s", e.Tool, e.ExitCode, e.Stderr)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NotInstalled reports whether err means the tool executable was not found.
func NotInstalled(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

// tail keeps the last few lines of tool output for error messages.
func tail(s string, lines int) string {
	parts := strings.Split(strings.TrimSpace(s), "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}

// toolAvailable runs "<bin> <flag>" and reports whether it exited cleanly.
func toolAvailable(ctx context.Context, r commandRunner, bin, flag string) bool {
	_, err := r.Run(ctx, bin, flag)
	return err == nil
}
