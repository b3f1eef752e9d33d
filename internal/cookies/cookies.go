// Package cookies manages the Netscape cookie file handed to yt-dlp.
package cookies

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/model"
)

// Header is the first line every Netscape cookie file carries.
const Header = "# Netscape HTTP Cookie File"

// Status describes the configured cookie sources.
type Status struct {
	File        string `json:"cookies_file"`
	FileExists  bool   `json:"cookies_file_exists"`
	FromBrowser string `json:"cookies_from_browser,omitempty"`
}

// Store tracks the cookie file and the browser fallback.
type Store struct {
	path        string
	fromBrowser string
	log         *zap.Logger

	mu     sync.RWMutex
	exists bool
}

// New returns a Store for the cookie file at path. fromBrowser is a
// "browser[:profile]" value used when the file is absent.
func New(path, fromBrowser string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: filepath.Clean(path), fromBrowser: strings.TrimSpace(fromBrowser), log: logger}
	s.refresh()
	return s
}

// Path returns the cookie file location.
func (s *Store) Path() string { return s.path }

// Status reports the current cookie sources.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{File: s.path, FileExists: s.exists, FromBrowser: s.fromBrowser}
}

// YtDlpArgs returns the cookie flags for yt-dlp. The file wins over the browser source.
func (s *Store) YtDlpArgs() []string {
	st := s.Status()
	if st.FileExists {
		return []string{"--cookies", st.File}
	}
	if browser, profile, _ := strings.Cut(st.FromBrowser, ":"); strings.TrimSpace(browser) != "" {
		source := strings.TrimSpace(browser)
		if p := strings.TrimSpace(profile); p != "" {
			source += ":" + p
		}
		return []string{"--cookies-from-browser", source}
	}
	return nil
}

// Update replaces the cookie file with content. The previous file is kept as
// a .bak sibling and the new one is written through a temp file and renamed.
func (s *Store) Update(content string) error {
	const op = "cookies.Update"

	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return model.E(model.KindValidation, op, "cookies content is required", nil)
	}
	if !strings.HasPrefix(normalized, Header) {
		return model.E(model.KindValidation, op, "invalid format: paste the cookies in Netscape format", nil)
	}
	normalized += "\n"

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return model.E(model.KindStorage, op, "failed to update cookies", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.path+".bak"); err != nil {
			s.log.Warn("cookie backup failed", zap.Error(err))
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(normalized), 0o600); err != nil {
		return model.E(model.KindStorage, op, "failed to update cookies", fmt.Errorf("write temp: %w", err))
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return model.E(model.KindStorage, op, "failed to update cookies", fmt.Errorf("replace: %w", err))
	}

	s.refresh()
	s.log.Info("cookies file updated", zap.String("path", s.path))
	return nil
}

func (s *Store) refresh() {
	_, err := os.Stat(s.path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("stat cookies file", zap.Error(err))
	}

	s.mu.Lock()
	changed := s.exists != exists
	s.exists = exists
	s.mu.Unlock()

	if changed {
		s.log.Debug("cookies file presence changed", zap.String("path", s.path), zap.Bool("exists", exists))
	}
}
