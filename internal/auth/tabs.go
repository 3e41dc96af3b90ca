package auth

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wadahiro/iesgate/internal/protocol"
)

// TabCookie selects the per-tab storage. It is a session cookie, so the
// storage behind it lives no longer than the browsing session.
const TabCookie = "ies_tab"

type tab struct {
	storage  *MemoryStorage
	lastSeen time.Time
}

// TabStore is an in-memory set of tab-scoped storages keyed by the ies_tab cookie.
type TabStore struct {
	mu   sync.Mutex
	tabs map[string]*tab
	now  func() time.Time
}

// NewTabStore creates an empty tab store.
func NewTabStore() *TabStore {
	return &TabStore{
		tabs: make(map[string]*tab),
		now:  time.Now,
	}
}

// Get returns the storage for the request's tab cookie, or nil.
func (s *TabStore) Get(r *http.Request) *MemoryStorage {
	c, err := r.Cookie(TabCookie)
	if err != nil {
		return nil
	}
	return s.GetByID(c.Value)
}

// GetByID returns the storage for a tab ID and marks it as used.
func (s *TabStore) GetByID(id string) *MemoryStorage {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[id]
	if !ok {
		return nil
	}
	t.lastSeen = s.now()
	return t.storage
}

// Create allocates a new tab and returns its ID and storage.
func (s *TabStore) Create() (string, *MemoryStorage, error) {
	id, err := protocol.RandomHex(32)
	if err != nil {
		return "", nil, err
	}
	storage := NewMemoryStorage()
	s.mu.Lock()
	s.tabs[id] = &tab{storage: storage, lastSeen: s.now()}
	s.mu.Unlock()
	return id, storage, nil
}

// Delete drops a tab and everything stored in it.
func (s *TabStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, id)
}

// Len returns the number of live tabs.
func (s *TabStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tabs)
}

// Sweep removes tabs not seen for longer than idle and returns how many it removed.
func (s *TabStore) Sweep(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tabs {
		if t.lastSeen.Before(cutoff) {
			delete(s.tabs, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle tabs every interval until ctx is done.
func (s *TabStore) Run(ctx context.Context, idle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(idle); n > 0 {
				slog.Debug("Swept idle tabs", "removed", n, "remaining", s.Len())
			}
		}
	}
}
