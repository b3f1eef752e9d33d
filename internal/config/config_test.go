package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// unsetForTest clears key for the duration of the test and restores it afterwards.
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env.local")
	content := "# comment\n\nVT_TEST_PLAIN=plain\nVT_TEST_QUOTED=\"quoted value\"\nexport VT_TEST_SINGLE='single'\nVT_TEST_EXISTING=from-file\nnot-a-pair\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"VT_TEST_PLAIN", "VT_TEST_QUOTED", "VT_TEST_SINGLE"} {
		unsetForTest(t, k)
	}
	t.Setenv("VT_TEST_EXISTING", "from-env")

	loadEnvFile(path)

	tests := map[string]string{
		"VT_TEST_PLAIN":    "plain",
		"VT_TEST_QUOTED":   "quoted value",
		"VT_TEST_SINGLE":   "single",
		"VT_TEST_EXISTING": "from-env",
	}
	for k, want := range tests {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	loadEnvFile(filepath.Join(t.TempDir(), "nope"))
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATA_DIR", "TEMP_DIR", "DB_PATH", "ARTIFACT_TTL", "SWEEP_INTERVAL",
		"CACHE_POLICY", "CLOUD_PROVIDER", "DEFAULT_LANGUAGE", "GEMINI_API_KEY", "OPENAI_API_KEY",
		"INSTAGRAM_COOKIES_FILE", "YTDLP_COOKIES_FILE"} {
		unsetForTest(t, k)
	}
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.ini"))

	cfg := Load()
	if cfg.Port != "5000" {
		t.Errorf("Port = %q, want 5000", cfg.Port)
	}
	if cfg.TempDir != filepath.Join(".", "temp") {
		t.Errorf("TempDir = %q", cfg.TempDir)
	}
	if cfg.DBPath != ":memory:" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.ArtifactTTL != time.Hour {
		t.Errorf("ArtifactTTL = %v, want 1h", cfg.ArtifactTTL)
	}
	if cfg.SweepInterval != 30*time.Minute {
		t.Errorf("SweepInterval = %v, want 30m", cfg.SweepInterval)
	}
	if cfg.TranscodeTimeout != 300*time.Second {
		t.Errorf("TranscodeTimeout = %v", cfg.TranscodeTimeout)
	}
	if cfg.DefaultLanguage != "pt" {
		t.Errorf("DefaultLanguage = %q", cfg.DefaultLanguage)
	}
	if cfg.CachePolicy != CachePolicyAny {
		t.Errorf("CachePolicy = %q", cfg.CachePolicy)
	}
	if cfg.CookiesFile != filepath.Join(".", "cookies.txt") {
		t.Errorf("CookiesFile = %q", cfg.CookiesFile)
	}
	if cfg.CloudConfigured() {
		t.Error("CloudConfigured should be false without keys")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.ini"))
	t.Setenv("PORT", "9090")
	t.Setenv("DATA_DIR", "/srv/vt")
	t.Setenv("ARTIFACT_TTL", "2m")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("DEBUG", "true")
	t.Setenv("CLOUD_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	unsetForTest(t, "TEMP_DIR")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.TempDir != "/srv/vt/temp" {
		t.Errorf("TempDir = %q, want /srv/vt/temp", cfg.TempDir)
	}
	if cfg.ArtifactTTL != 2*time.Minute {
		t.Errorf("ArtifactTTL = %v", cfg.ArtifactTTL)
	}
	if cfg.MaxUploadBytes != 1024 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if !cfg.Debug {
		t.Error("Debug should be true")
	}
	if cfg.CloudProvider != "openai" || !cfg.CloudConfigured() {
		t.Errorf("CloudProvider = %q, configured = %v", cfg.CloudProvider, cfg.CloudConfigured())
	}
}

func TestLoad_INIOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vt.ini")
	ini := "port = 7000\ndefault_language = en\ngemini_api_key = from-ini\n"
	if err := os.WriteFile(path, []byte(ini), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "8000")
	unsetForTest(t, "DEFAULT_LANGUAGE")
	unsetForTest(t, "GEMINI_API_KEY")
	unsetForTest(t, "CLOUD_PROVIDER")

	cfg := Load()
	if cfg.Port != "8000" {
		t.Errorf("env should win over ini, Port = %q", cfg.Port)
	}
	if cfg.DefaultLanguage != "en" {
		t.Errorf("DefaultLanguage = %q, want en from ini", cfg.DefaultLanguage)
	}
	if cfg.GeminiKey != "from-ini" || !cfg.CloudConfigured() {
		t.Errorf("GeminiKey = %q", cfg.GeminiKey)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoader_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("VT_BAD_DURATION", "soon")
	t.Setenv("VT_BAD_INT", "lots")
	t.Setenv("VT_BAD_BOOL", "perhaps")

	var l loader
	if got := l.duration("VT_BAD_DURATION", 5*time.Second); got != 5*time.Second {
		t.Errorf("duration = %v", got)
	}
	if got := l.int64("VT_BAD_INT", 42); got != 42 {
		t.Errorf("int64 = %d", got)
	}
	if got := l.bool("VT_BAD_BOOL", true); !got {
		t.Error("bool should fall back to true")
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{
		ArtifactTTL:      time.Hour,
		SweepInterval:    time.Minute,
		TranscodeTimeout: time.Minute,
		CachePolicy:      "sometimes",
		CloudProvider:    "gemini",
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown cache policy")
	}
	cfg.CachePolicy = CachePolicyMatch
	cfg.ArtifactTTL = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero TTL")
	}
}
