// Package session persists reading sessions and their page snapshots.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session groups the snapshots captured while one book is being read.
type Session struct {
	ID        string     `json:"id"`
	BookTitle string     `json:"book_title"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session is still open.
func (s Session) Active() bool { return s.EndedAt == nil }

// Snapshot is one captured page: the saved image, the recognized text and
// its fingerprint, and how long the page stayed in view. DwellMS is zero
// until the next snapshot (or session end) backfills it.
type Snapshot struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Path        string    `json:"path"`
	Text        string    `json:"text"`
	Fingerprint string    `json:"fingerprint"`
	DwellMS     int64     `json:"dwell_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewID returns a short session identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
