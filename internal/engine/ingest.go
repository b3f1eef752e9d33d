package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/media"
	"github.com/helberjf/video-transcript/internal/model"
	"github.com/helberjf/video-transcript/internal/store"
)

// SourceFetcher downloads a remote source file.
type SourceFetcher interface {
	Fetch(ctx context.Context, rawURL, dest string) (int64, error)
}

// AudioTranscoder extracts MP3 audio and probes durations.
type AudioTranscoder interface {
	ToMP3(ctx context.Context, req media.TranscodeRequest) error
	Duration(ctx context.Context, path string) (float64, error)
}

// Scheduler arranges the eviction of an artifact once its lifetime ends.
type Scheduler interface {
	Schedule(id string, createdAt time.Time)
}

// URLSource is a remote video to convert.
type URLSource struct {
	SourceURL string
	Quality   string
	Title     string
}

// UploadSource is an uploaded audio or video file.
type UploadSource struct {
	Filename string
	Reader   io.Reader
	Quality  string
	Title    string
}

// Ingestor turns sources into registered MP3 artifacts. Intermediate files
// never outlive a failed call.
type Ingestor struct {
	tempDir    string
	fetcher    SourceFetcher
	transcoder AudioTranscoder
	reg        store.ArtifactWriter
	sched      Scheduler
	log        *zap.Logger
	now        func() time.Time
}

// NewIngestor creates an Ingestor writing into tempDir. sched may be nil.
func NewIngestor(tempDir string, fetcher SourceFetcher, transcoder AudioTranscoder, reg store.ArtifactWriter, sched Scheduler, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		tempDir:    tempDir,
		fetcher:    fetcher,
		transcoder: transcoder,
		reg:        reg,
		sched:      sched,
		log:        logger,
		now:        time.Now,
	}
}

// FromURL downloads the video at src.SourceURL and converts it.
func (in *Ingestor) FromURL(ctx context.Context, src URLSource) (model.Artifact, error) {
	const op = "ingest.FromURL"
	if err := media.ValidateURL(src.SourceURL); err != nil {
		return model.Artifact{}, model.E(model.KindValidation, op, "a valid http(s) video URL is required", err)
	}
	if err := os.MkdirAll(in.tempDir, 0o755); err != nil {
		return model.Artifact{}, model.E(model.KindStorage, op, "temp directory unavailable", err)
	}

	id := uuid.NewString()
	video := filepath.Join(in.tempDir, "video_"+id+".mp4")
	defer removeQuietly(video)

	start := in.now()
	n, err := in.fetcher.Fetch(ctx, src.SourceURL, video)
	if err != nil {
		return model.Artifact{}, classifyFetch(op, err)
	}
	in.log.Debug("source downloaded", zap.Int64("bytes", n), zap.Duration("elapsed", in.now().Sub(start)))

	title := strings.TrimSpace(src.Title)
	if title == "" {
		title = "Instagram Audio"
	}
	return in.convert(ctx, op, id, video, media.TranscodeRequest{
		Quality: model.NormalizeQuality(src.Quality),
		Title:   title,
		Artist:  "Instagram",
		Album:   "Instagram Downloads",
	})
}

// FromUpload stores the uploaded file and converts it. A missing title is
// taken from the file's tags, then from its name.
func (in *Ingestor) FromUpload(ctx context.Context, src UploadSource) (model.Artifact, error) {
	const op = "ingest.FromUpload"
	name := filepath.Base(strings.TrimSpace(src.Filename))
	if src.Reader == nil || name == "" || name == "." || name == string(filepath.Separator) {
		return model.Artifact{}, model.E(model.KindValidation, op, "file is required", nil)
	}
	if err := os.MkdirAll(in.tempDir, 0o755); err != nil {
		return model.Artifact{}, model.E(model.KindStorage, op, "temp directory unavailable", err)
	}

	id := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(name))
	upload := filepath.Join(in.tempDir, "upload_"+id+ext)
	defer removeQuietly(upload)

	if err := writeFile(upload, src.Reader); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return model.Artifact{}, model.E(model.KindValidation, op,
				fmt.Sprintf("file too large (max %d MB)", tooBig.Limit>>20), err)
		}
		return model.Artifact{}, model.E(model.KindStorage, op, "failed to store upload", err)
	}

	title := strings.TrimSpace(src.Title)
	if title == "" {
		if tags, err := media.ReadTags(upload); err == nil && tags.Title != "" {
			title = tags.Title
		}
	}
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return in.convert(ctx, op, id, upload, media.TranscodeRequest{
		Quality: model.NormalizeQuality(src.Quality),
		Title:   title,
	})
}

func (in *Ingestor) convert(ctx context.Context, op, id, source string, req media.TranscodeRequest) (model.Artifact, error) {
	audio := filepath.Join(in.tempDir, "audio_"+id+".mp3")
	registered := false
	defer func() {
		if !registered {
			removeQuietly(audio)
		}
	}()

	req.Input, req.Output = source, audio
	start := in.now()
	if err := in.transcoder.ToMP3(ctx, req); err != nil {
		return model.Artifact{}, classifyTranscode(op, err)
	}

	fi, err := os.Stat(audio)
	if err != nil {
		return model.Artifact{}, model.E(model.KindStorage, op, "transcoded file missing", err)
	}
	duration, err := in.transcoder.Duration(ctx, audio)
	if err != nil {
		in.log.Warn("probe duration", zap.Error(err))
	}
	if tags, err := media.ReadTags(audio); err == nil && tags.Title != "" {
		req.Title = tags.Title
	} else if err != nil {
		in.log.Debug("read back tags", zap.Error(err))
	}

	art, err := in.reg.Register(ctx, model.NewArtifact{
		Path:            audio,
		DisplayName:     displayName(req.Title, in.now()),
		Title:           req.Title,
		Quality:         req.Quality,
		SizeBytes:       fi.Size(),
		DurationSeconds: duration,
	})
	if err != nil {
		return model.Artifact{}, err
	}
	registered = true
	if in.sched != nil {
		in.sched.Schedule(art.ID, art.CreatedAt)
	}

	in.log.Info("artifact registered",
		zap.String("artifact_id", art.ID),
		zap.String("quality", art.Quality),
		zap.Int64("size_bytes", art.SizeBytes),
		zap.Duration("elapsed", in.now().Sub(start)))
	return art, nil
}

func classifyFetch(op string, err error) error {
	switch {
	case errors.Is(err, media.ErrSourceGone):
		return model.E(model.KindTranscodeSourceMissing, op, "source video is no longer available", err)
	case errors.Is(err, media.ErrTooLarge):
		return model.E(model.KindBackendRejected, op, "source video is too large", err)
	case errors.Is(err, media.ErrInvalidURL):
		return model.E(model.KindValidation, op, "a valid http(s) video URL is required", err)
	case errors.Is(err, context.DeadlineExceeded):
		return model.E(model.KindBackendTimeout, op, "source download timed out", err)
	default:
		return model.E(model.KindBackendRejected, op, "could not download source video", err)
	}
}

func classifyTranscode(op string, err error) error {
	switch {
	case errors.Is(err, media.ErrTimeout):
		return model.E(model.KindBackendTimeout, op, "conversion timed out", err)
	case media.NotInstalled(err):
		return model.E(model.KindBackendUnavailable, op, "ffmpeg is not installed", err)
	default:
		return model.E(model.KindBackendRejected, op, "conversion failed", err)
	}
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("remove intermediate file", zap.String("path", path), zap.Error(err))
	}
}

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// displayName derives the download filename from the title.
func displayName(title string, now time.Time) string {
	slug := strings.Trim(unsafeName.ReplaceAllString(strings.TrimSpace(title), "_"), "._-")
	if r := []rune(slug); len(r) > 60 {
		slug = string(r[:60])
	}
	if slug == "" {
		slug = fmt.Sprintf("audio_%d", now.Unix())
	}
	return slug + ".mp3"
}
