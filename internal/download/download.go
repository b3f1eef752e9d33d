// Package download streams remote files to disk with size caps, optional
// sha256 verification and a terminal progress bar.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// ErrTooLarge is returned when the body exceeds Options.MaxBytes.
var ErrTooLarge = errors.New("download exceeds size limit")

// StatusError reports a non-200 response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// Options configures a single download.
type Options struct {
	URL         string
	Destination string
	// SHA256 is the expected hex digest; empty skips verification.
	SHA256 string
	// MaxBytes caps the body size; zero means unlimited.
	MaxBytes int64
	Header   http.Header
	Retries  int
	// Progress renders a bar on stderr when it is a terminal.
	Progress bool
	Client   *http.Client
	Logger   *zap.Logger
}

// File downloads opts.URL into opts.Destination. The body is written to a
// ".part" sibling and renamed into place only after it is complete and verified.
// Size and checksum failures are not retried.
func File(ctx context.Context, opts Options) (int64, error) {
	if opts.URL == "" {
		return 0, errors.New("download URL is required")
	}
	if opts.Destination == "" {
		return 0, errors.New("destination path is required")
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return 0, fmt.Errorf("create destination directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying download",
				zap.Int("attempt", attempt), zap.Int("max", opts.Retries), zap.String("url", opts.URL))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
		}
		n, err := once(ctx, opts)
		if err == nil {
			return n, nil
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			break
		}
		if errors.Is(err, ErrTooLarge) || errors.Is(err, errChecksum) || ctx.Err() != nil {
			break
		}
	}
	return 0, lastErr
}

var errChecksum = errors.New("checksum mismatch")

// VerifyFile checks the sha256 of path against a hex digest.
func VerifyFile(path, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", errChecksum, expected, actual)
	}
	return nil
}

func once(ctx context.Context, opts Options) (int64, error) {
	part := opts.Destination + ".part"
	_ = os.Remove(part)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "video-transcript/1")
	}

	resp, err := opts.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}
	if opts.MaxBytes > 0 && resp.ContentLength > opts.MaxBytes {
		return 0, ErrTooLarge
	}

	out, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	done := false
	defer func() {
		_ = out.Close()
		if !done {
			_ = os.Remove(part)
		}
	}()

	hash := sha256.New()
	w := io.MultiWriter(out, hash)
	if bar := newBar(opts.Progress, resp.ContentLength); bar != nil {
		w = io.MultiWriter(out, hash, bar)
		defer bar.Finish()
	}

	var body io.Reader = resp.Body
	if opts.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, opts.MaxBytes+1)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return 0, fmt.Errorf("download body: %w", err)
	}
	if opts.MaxBytes > 0 && n > opts.MaxBytes {
		return 0, ErrTooLarge
	}

	if expected := strings.ToLower(strings.TrimSpace(opts.SHA256)); expected != "" {
		if actual := hex.EncodeToString(hash.Sum(nil)); actual != expected {
			return 0, fmt.Errorf("%w: expected %s, got %s", errChecksum, expected, actual)
		}
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(part, opts.Destination); err != nil {
		return 0, fmt.Errorf("move temp file into destination: %w", err)
	}
	done = true
	return n, nil
}

func newBar(enabled bool, size int64) *progressbar.ProgressBar {
	if !enabled || size <= 0 || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionSetWidth(24),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
}
