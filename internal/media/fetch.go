package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/download"
)

// ErrSourceGone is returned when the source URL answers 404 or 410.
var ErrSourceGone = errors.New("source media no longer available")

// ErrTooLarge is returned when the source exceeds the size cap.
var ErrTooLarge = download.ErrTooLarge

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func cdnHeader() http.Header {
	return http.Header{
		"User-Agent":      {browserUA},
		"Accept":          {"*/*"},
		"Accept-Language": {"en-US,en;q=0.9"},
		"Referer":         {"https://www.instagram.com/"},
		"Origin":          {"https://www.instagram.com"},
	}
}

// Fetcher downloads source media from CDN URLs.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	log      *zap.Logger
}

// NewFetcher returns a Fetcher capping downloads at maxBytes (0 = unlimited).
func NewFetcher(maxBytes int64, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 5 * time.Minute},
		maxBytes: maxBytes,
		log:      logger,
	}
}

// Fetch writes the body of rawURL to dest and returns the byte count.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	if err := ValidateURL(rawURL); err != nil {
		return 0, err
	}
	f.log.Debug("fetching source", zap.String("url", rawURL))
	n, err := download.File(ctx, download.Options{
		URL:         rawURL,
		Destination: dest,
		MaxBytes:    f.maxBytes,
		Header:      cdnHeader(),
		Retries:     2,
		Client:      f.client,
		Logger:      f.log,
	})
	if err != nil {
		var se *download.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone) {
			return 0, fmt.Errorf("%w: %s", ErrSourceGone, err)
		}
		return 0, err
	}
	return n, nil
}

// Open starts a streaming GET of rawURL for proxying. The caller closes the body.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header = cdnHeader()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, ErrSourceGone
		}
		return nil, &download.StatusError{StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// ErrInvalidURL is returned for inputs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid URL")

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
