package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrNoMedia is returned when a post yields no media entries.
var ErrNoMedia = errors.New("no media found")

// Item is one media entry of a resolved post.
type Item struct {
	Type    string `json:"type"` // video or photo
	URL     string `json:"url"`
	Quality string `json:"quality"`
	Ext     string `json:"ext,omitempty"`
}

// Metadata describes the resolved post.
type Metadata struct {
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration,omitempty"`
}

// Resolution is the outcome of resolving a post URL.
type Resolution struct {
	Method   string   `json:"method"`
	Media    []Item   `json:"media"`
	Metadata Metadata `json:"metadata"`
}

// Resolver turns a post URL into direct media URLs.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, postURL string) (Resolution, error)
}

// CookieSource supplies yt-dlp cookie arguments.
type CookieSource interface {
	YtDlpArgs() []string
}

// YtDlp resolves posts with "yt-dlp -J".
type YtDlp struct {
	bin     string
	cookies CookieSource
	timeout time.Duration
	runner  commandRunner
	log     *zap.Logger
}

// NewYtDlp returns a yt-dlp resolver. cookies may be nil.
func NewYtDlp(bin string, cookies CookieSource, logger *zap.Logger) *YtDlp {
	if bin == "" {
		bin = "yt-dlp"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YtDlp{bin: bin, cookies: cookies, timeout: 90 * time.Second, runner: execRunner{}, log: logger}
}

func (y *YtDlp) Name() string { return "yt-dlp" }

// Available reports whether the yt-dlp executable runs.
func (y *YtDlp) Available(ctx context.Context) bool {
	return toolAvailable(ctx, y.runner, y.bin, "--version")
}

type ytdlpFormat struct {
	URL    string `json:"url"`
	VCodec string `json:"vcodec"`
	ACodec string `json:"acodec"`
	Height int    `json:"height"`
	Ext    string `json:"ext"`
}

type ytdlpInfo struct {
	URL         string        `json:"url"`
	Ext         string        `json:"ext"`
	Thumbnail   string        `json:"thumbnail"`
	Title       string        `json:"title"`
	Uploader    string        `json:"uploader"`
	Description string        `json:"description"`
	Duration    float64       `json:"duration"`
	Formats     []ytdlpFormat `json:"formats"`
}

func (y *YtDlp) Resolve(ctx context.Context, postURL string) (Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	args := []string{"-J", "--no-warnings", "--no-playlist"}
	if y.cookies != nil {
		args = append(args, y.cookies.YtDlpArgs()...)
	}
	args = append(args, postURL)

	res, err := y.runner.Run(ctx, y.bin, args...)
	if err != nil {
		return Resolution{}, &ToolError{Tool: "yt-dlp", ExitCode: res.ExitCode, Stderr: tail(res.Stderr, 2), Err: err}
	}

	var info ytdlpInfo
	if err := json.Unmarshal(res.Stdout, &info); err != nil {
		return Resolution{}, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	return fromYtDlp(info)
}

func fromYtDlp(info ytdlpInfo) (Resolution, error) {
	out := Resolution{
		Method: "yt-dlp",
		Metadata: Metadata{
			Title:       orDefault(info.Title, "Instagram Media"),
			Author:      orDefault(info.Uploader, "Unknown"),
			Description: info.Description,
			Duration:    info.Duration,
		},
	}

	var best *ytdlpFormat
	for i := range info.Formats {
		f := &info.Formats[i]
		if f.URL == "" || f.VCodec == "none" || f.ACodec == "none" {
			continue
		}
		if best == nil || f.Height > best.Height {
			best = f
		}
	}
	switch {
	case best != nil:
		quality := "HD"
		if best.Height > 0 {
			quality = strconv.Itoa(best.Height) + "p"
		}
		out.Media = append(out.Media, Item{Type: "video", URL: best.URL, Quality: quality, Ext: orDefault(best.Ext, "mp4")})
	case info.URL != "":
		out.Media = append(out.Media, Item{Type: "video", URL: info.URL, Quality: "HD", Ext: orDefault(info.Ext, "mp4")})
	}
	if info.Thumbnail != "" {
		out.Media = append(out.Media, Item{Type: "photo", URL: info.Thumbnail, Quality: "thumbnail"})
	}
	if len(out.Media) == 0 {
		return Resolution{}, ErrNoMedia
	}
	return out, nil
}

// Chain tries resolvers in order and returns the first success.
type Chain struct {
	resolvers []Resolver
	log       *zap.Logger
}

// NewChain builds a Chain over resolvers.
func NewChain(logger *zap.Logger, resolvers ...Resolver) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{resolvers: resolvers, log: logger}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Resolve(ctx context.Context, postURL string) (Resolution, error) {
	if err := ValidateURL(postURL); err != nil {
		return Resolution{}, err
	}
	var errs []error
	for _, r := range c.resolvers {
		res, err := r.Resolve(ctx, postURL)
		if err == nil {
			return res, nil
		}
		c.log.Warn("resolver failed", zap.String("resolver", r.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return Resolution{}, ErrNoMedia
	}
	return Resolution{}, errors.Join(errs...)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
