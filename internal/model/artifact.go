package model

import (
	"fmt"
	"time"
)

// Quality constants (MP3 bitrate in kbps).
const (
	Quality128 = "128"
	Quality192 = "192"
	Quality320 = "320"

	DefaultQuality = Quality192
)

// Artifact is a transient audio file registered under an opaque id.
// All fields are fixed at registration.
type Artifact struct {
	ID              string    `json:"id"`
	Path            string    `json:"-"`
	DisplayName     string    `json:"filename"`
	Title           string    `json:"title,omitempty"`
	Quality         string    `json:"quality,omitempty"`
	SizeBytes       int64     `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewArtifact holds the metadata needed to register an artifact.
type NewArtifact struct {
	Path            string
	DisplayName     string
	Title           string
	Quality         string
	SizeBytes       int64
	DurationSeconds float64
}

// NormalizeQuality returns q when it is a supported bitrate and DefaultQuality otherwise.
func NormalizeQuality(q string) string {
	switch q {
	case Quality128, Quality192, Quality320:
		return q
	default:
		return DefaultQuality
	}
}

// ExpiresAt returns the time the artifact becomes eligible for eviction.
func (a Artifact) ExpiresAt(ttl time.Duration) time.Time {
	return a.CreatedAt.Add(ttl)
}

// SizeMB is the size rounded to two decimals, as shown to users.
func (a Artifact) SizeMB() float64 {
	mb := float64(a.SizeBytes) / (1024 * 1024)
	return float64(int64(mb*100+0.5)) / 100
}

// DurationDisplay renders the duration as m:ss.
func (a Artifact) DurationDisplay() string {
	total := int(a.DurationSeconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
