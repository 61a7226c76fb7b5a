package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pagewatch/platform/internal/apperr"
	"github.com/pagewatch/platform/internal/resilience"
)

// Manager tracks the one active session and backfills each snapshot's
// dwell time when the next snapshot (or the session end) arrives.
type Manager struct {
	store *Store

	mu      sync.Mutex
	current *Session
	lastID  int64
	lastAt  time.Time
}

func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Store exposes the underlying store for read-side queries.
func (m *Manager) Store() *Store { return m.store }

// Start opens a new session and makes it current. Any previously active
// session is ended first.
func (m *Manager) Start(ctx context.Context, bookTitle string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if err := m.endLocked(ctx, time.Now()); err != nil {
			slog.Warn("ending stale session failed", "error", err)
		}
	}

	sess := Session{
		ID:        NewID(),
		BookTitle: bookTitle,
		StartedAt: time.Now(),
	}
	err := resilience.Retry(ctx, resilience.StoreRetryConfig(), func() error {
		return m.store.CreateSession(ctx, sess)
	})
	if err != nil {
		return Session{}, err
	}
	m.current = &sess
	m.lastID = 0
	return sess, nil
}

// Current returns the active session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Record persists a snapshot against the active session. The previous
// snapshot's dwell is set to the gap between the two captures.
func (m *Manager) Record(ctx context.Context, snap Snapshot) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Snapshot{}, apperr.New(apperr.CodeStoreWrite, "no active session")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	snap.SessionID = m.current.ID

	if m.lastID != 0 {
		dwell := snap.CreatedAt.Sub(m.lastAt).Milliseconds()
		err := resilience.Retry(ctx, resilience.StoreRetryConfig(), func() error {
			return m.store.SetSnapshotDwell(ctx, m.lastID, dwell)
		})
		if err != nil {
			slog.Warn("dwell backfill failed", "snapshot_id", m.lastID, "error", err)
		}
	}

	var id int64
	err := resilience.Retry(ctx, resilience.StoreRetryConfig(), func() error {
		var err error
		id, err = m.store.AddSnapshot(ctx, snap)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	snap.ID = id
	m.lastID = id
	m.lastAt = snap.CreatedAt
	return snap, nil
}

// SetBookTitle updates the active session's title.
func (m *Manager) SetBookTitle(ctx context.Context, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return apperr.New(apperr.CodeStoreWrite, "no active session")
	}
	err := resilience.Retry(ctx, resilience.StoreRetryConfig(), func() error {
		return m.store.SetBookTitle(ctx, m.current.ID, title)
	})
	if err != nil {
		return err
	}
	m.current.BookTitle = title
	return nil
}

// End closes the active session, backfilling the last snapshot's dwell up
// to the end time. Ending with no active session is a no-op.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.endLocked(ctx, time.Now())
}

func (m *Manager) endLocked(ctx context.Context, at time.Time) error {
	if m.lastID != 0 {
		dwell := at.Sub(m.lastAt).Milliseconds()
		err := resilience.Retry(ctx, resilience.StoreRetryConfig(), func() error {
			return m.store.SetSnapshotDwell(ctx, m.lastID, dwell)
		})
		if err != nil {
			slog.Warn("final dwell backfill failed", "snapshot_id", m.lastID, "error", err)
		}
	}
	err := resilience.Retry(ctx, resilience.StoreRetryConfig(), func() error {
		return m.store.EndSession(ctx, m.current.ID, at)
	})
	m.current = nil
	m.lastID = 0
	return err
}
