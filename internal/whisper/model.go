// Package whisper manages whisper.cpp models and the resident whisper-server
// process used for local transcription.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/download"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "base"

// ErrModelMissing is returned when a named model is absent and auto download is off.
var ErrModelMissing = errors.New("whisper model not downloaded")

// Model is a pinned ggml model published by whisper.cpp.
type Model struct {
	Name     string
	FileName string
	URL      string
	SHA256   string
}

// Resolved is a model reference mapped onto the local filesystem.
type Resolved struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	NeedsDownload bool
	Custom        bool
}

const hfBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

var models = map[string]Model{
	"tiny":     {Name: "tiny", FileName: "ggml-tiny.bin", SHA256: "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21"},
	"base":     {Name: "base", FileName: "ggml-base.bin", SHA256: "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe"},
	"small":    {Name: "small", FileName: "ggml-small.bin", SHA256: "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b"},
	"medium":   {Name: "medium", FileName: "ggml-medium.bin", SHA256: "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208"},
	"large-v3": {Name: "large-v3", FileName: "ggml-large-v3.bin", SHA256: "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2"},
}

func init() {
	for name, m := range models {
		m.URL = hfBase + m.FileName
		models[name] = m
	}
}

// ModelNames lists the known model names in sorted order.
func ModelNames() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupModel returns the registry entry for name.
func LookupModel(name string) (Model, bool) {
	m, ok := models[name]
	return m, ok
}

// Resolve maps ref, a registry name or a path to a .bin file, onto disk.
func Resolve(ref, dir string) (Resolved, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = DefaultModel
	}

	if m, ok := LookupModel(ref); ok {
		if strings.TrimSpace(dir) == "" {
			return Resolved{}, errors.New("model directory must not be empty for named model")
		}
		path := filepath.Join(dir, m.FileName)
		_, err := os.Stat(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Resolved{}, fmt.Errorf("stat model path: %w", err)
		}
		return Resolved{Name: m.Name, Path: path, URL: m.URL, SHA256: m.SHA256, NeedsDownload: err != nil}, nil
	}

	if !strings.ContainsRune(ref, os.PathSeparator) && !strings.HasSuffix(strings.ToLower(ref), ".bin") {
		return Resolved{}, fmt.Errorf("unknown model %q (known models: %s)", ref, strings.Join(ModelNames(), ", "))
	}
	path := filepath.Clean(ref)
	if _, err := os.Stat(path); err != nil {
		return Resolved{}, fmt.Errorf("custom model %s: %w", path, err)
	}
	return Resolved{Name: filepath.Base(path), Path: path, Custom: true}, nil
}

// Ensure resolves ref and downloads it when missing and allowed.
func Ensure(ctx context.Context, ref, dir string, allowDownload, progress bool, logger *zap.Logger) (Resolved, error) {
	res, err := Resolve(ref, dir)
	if err != nil {
		return Resolved{}, err
	}
	if !res.NeedsDownload {
		return res, nil
	}
	if !allowDownload {
		return Resolved{}, fmt.Errorf("%w: %s (run the setup command)", ErrModelMissing, res.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("downloading whisper model", zap.String("model", res.Name), zap.String("path", res.Path))
	if _, err := download.File(ctx, download.Options{
		URL:         res.URL,
		Destination: res.Path,
		SHA256:      res.SHA256,
		Retries:     3,
		Progress:    progress,
		Logger:      logger,
	}); err != nil {
		return Resolved{}, fmt.Errorf("download model %s: %w", res.Name, err)
	}
	res.NeedsDownload = false
	return res, nil
}
