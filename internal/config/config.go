// Package config provides centralized configuration for the video-transcript server.
// Values come from the process environment, then a .env.local file, then an optional
// INI file, then built-in defaults.
package config

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Cache policies for repeated transcription requests.
const (
	// CachePolicyAny returns a cached success whatever method is requested.
	CachePolicyAny = "any"
	// CachePolicyMatch reuses a cached success only for the same requested method.
	CachePolicyMatch = "match"
)

// Config holds all server configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string

	// Debug enables debug logging.
	Debug bool

	// LogJSON switches the logger to JSON output.
	LogJSON bool

	// DataDir holds the default cookies file and the temp directory.
	DataDir string

	// TempDir receives downloaded sources and transcoded artifacts.
	TempDir string

	// DBPath is the SQLite DSN for the artifact registry. ":memory:" keeps it in process.
	DBPath string

	// ArtifactTTL is how long an artifact lives before eviction.
	ArtifactTTL time.Duration

	// SweepInterval is the period of the retention sweep.
	SweepInterval time.Duration

	// TranscodeTimeout is the wall-clock cap on one ffmpeg run.
	TranscodeTimeout time.Duration

	// MaxSourceBytes caps the size of a downloaded source video.
	MaxSourceBytes int64

	// MaxUploadBytes caps multipart upload bodies.
	MaxUploadBytes int64

	// DefaultLanguage is the transcription language hint when a request has none.
	DefaultLanguage string

	// CachePolicy is CachePolicyAny or CachePolicyMatch.
	CachePolicy string

	// CloudProvider selects the cloud backend: "gemini" or "openai".
	CloudProvider string

	GeminiKey   string
	GeminiModel string

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string

	// CloudTimeout bounds one cloud backend call.
	CloudTimeout time.Duration

	// CloudDefaultPrompt is sent when a request carries no prompt. %s receives the language.
	CloudDefaultPrompt string

	// WhisperModel is a registry name (tiny, base, ...) or a path to a ggml model file.
	WhisperModel string

	// WhisperModelDir stores downloaded models.
	WhisperModelDir string

	// WhisperServerPath is the whisper.cpp server executable.
	WhisperServerPath string

	// WhisperURL points at an externally managed whisper.cpp server; when set no process is spawned.
	WhisperURL string

	// WhisperAutoDownload fetches a missing named model on first use.
	WhisperAutoDownload bool

	// LocalTimeout bounds one local transcription. Zero leaves it to the caller.
	LocalTimeout time.Duration

	FFmpegPath  string
	FFprobePath string
	YtDlpPath   string

	// CookiesFile is the Netscape cookie file handed to yt-dlp.
	CookiesFile string

	// CookiesFromBrowser is a "browser[:profile]" value handed to yt-dlp.
	CookiesFromBrowser string

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string

	// ConfigFile is the INI file that was consulted, if any.
	ConfigFile string
}

const defaultCloudPrompt = "Transcribe this audio verbatim with proper punctuation. " +
	"The spoken language is probably %s. Return only the transcription text."

// Load reads configuration, applying defaults.
func Load() Config {
	loadEnvFile(".env.local")

	l := newLoader(os.Getenv("CONFIG_FILE"))
	dataDir := l.or("DATA_DIR", ".")
	home, _ := os.UserHomeDir()

	cfg := Config{
		Port:                l.or("PORT", "5000"),
		Debug:               l.bool("DEBUG", false),
		LogJSON:             l.bool("LOG_JSON", false),
		DataDir:             dataDir,
		TempDir:             l.or("TEMP_DIR", filepath.Join(dataDir, "temp")),
		DBPath:              l.or("DB_PATH", ":memory:"),
		ArtifactTTL:         l.duration("ARTIFACT_TTL", time.Hour),
		SweepInterval:       l.duration("SWEEP_INTERVAL", 30*time.Minute),
		TranscodeTimeout:    l.duration("TRANSCODE_TIMEOUT", 300*time.Second),
		MaxSourceBytes:      l.int64("MAX_SOURCE_BYTES", 300<<20),
		MaxUploadBytes:      l.int64("MAX_UPLOAD_BYTES", 100<<20),
		DefaultLanguage:     l.or("DEFAULT_LANGUAGE", "pt"),
		CachePolicy:         l.or("CACHE_POLICY", CachePolicyAny),
		CloudProvider:       strings.ToLower(l.or("CLOUD_PROVIDER", "gemini")),
		GeminiKey:           l.or("GEMINI_API_KEY", ""),
		GeminiModel:         l.or("GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIKey:           l.or("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       l.or("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:         l.or("OPENAI_MODEL", "whisper-1"),
		CloudTimeout:        l.duration("CLOUD_TIMEOUT", 120*time.Second),
		CloudDefaultPrompt:  l.or("CLOUD_DEFAULT_PROMPT", defaultCloudPrompt),
		WhisperModel:        l.or("WHISPER_MODEL", "base"),
		WhisperModelDir:     l.or("WHISPER_MODEL_DIR", filepath.Join(home, ".cache", "video-transcript", "models")),
		WhisperServerPath:   l.or("WHISPER_SERVER_PATH", "whisper-server"),
		WhisperURL:          l.or("WHISPER_URL", ""),
		WhisperAutoDownload: l.bool("WHISPER_AUTO_DOWNLOAD", true),
		LocalTimeout:        l.duration("LOCAL_TIMEOUT", 0),
		FFmpegPath:          l.or("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:         l.or("FFPROBE_PATH", "ffprobe"),
		YtDlpPath:           l.or("YTDLP_PATH", "yt-dlp"),
		CookiesFile:         l.first("INSTAGRAM_COOKIES_FILE", "YTDLP_COOKIES_FILE"),
		CookiesFromBrowser:  l.first("INSTAGRAM_COOKIES_FROM_BROWSER", "YTDLP_COOKIES_FROM_BROWSER"),
		CORSOrigin:          l.or("CORS_ORIGIN", "*"),
		ConfigFile:          l.path,
	}
	if cfg.CookiesFile == "" {
		cfg.CookiesFile = filepath.Join(dataDir, "cookies.txt")
	}
	return cfg
}

// Validate reports settings that would make the server misbehave.
func (c Config) Validate() error {
	var errs []error
	if c.ArtifactTTL <= 0 {
		errs = append(errs, errors.New("ARTIFACT_TTL must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.TranscodeTimeout <= 0 {
		errs = append(errs, errors.New("TRANSCODE_TIMEOUT must be positive"))
	}
	if c.CachePolicy != CachePolicyAny && c.CachePolicy != CachePolicyMatch {
		errs = append(errs, errors.New("CACHE_POLICY must be \"any\" or \"match\""))
	}
	if c.CloudProvider != "gemini" && c.CloudProvider != "openai" {
		errs = append(errs, errors.New("CLOUD_PROVIDER must be \"gemini\" or \"openai\""))
	}
	return errors.Join(errs...)
}

// CloudConfigured reports whether the selected cloud provider has a credential.
func (c Config) CloudConfigured() bool {
	switch c.CloudProvider {
	case "openai":
		return c.OpenAIKey != ""
	default:
		return c.GeminiKey != ""
	}
}

// loader resolves keys from the environment first and the INI file second.
// INI keys are the lower-cased environment names in the default section.
type loader struct {
	file *ini.File
	path string
}

func newLoader(path string) loader {
	if path == "" {
		path = "video-transcript.ini"
	}
	f, err := ini.Load(path)
	if err != nil {
		return loader{}
	}
	return loader{file: f, path: path}
}

func (l loader) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if l.file == nil {
		return ""
	}
	return strings.TrimSpace(l.file.Section("").Key(strings.ToLower(key)).String())
}

func (l loader) or(key, fallback string) string {
	if v := l.lookup(key); v != "" {
		return v
	}
	return fallback
}

func (l loader) first(keys ...string) string {
	for _, k := range keys {
		if v := l.lookup(k); v != "" {
			return v
		}
	}
	return ""
}

func (l loader) duration(key string, fallback time.Duration) time.Duration {
	v := l.lookup(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func (l loader) int64(key string, fallback int64) int64 {
	v := l.lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func (l loader) bool(key string, fallback bool) bool {
	v := l.lookup(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile sets variables from a KEY=value file without overriding ones
// already present in the environment. A missing file is ignored.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, val)
	}
}
