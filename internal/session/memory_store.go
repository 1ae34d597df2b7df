package session

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	flags   map[string]map[Flag]struct{}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		flags:   make(map[string]map[Flag]struct{}),
	}
}

func (s *MemoryStore) Load(_ context.Context, browserID string) (Entry, bool, error) {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, browserID string, entry Entry) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, browserID string) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	delete(s.flags, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetFlag(_ context.Context, browserID string, flag Flag) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	if _, err := ParseFlag(string(flag)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[key]; !ok {
		s.flags[key] = make(map[Flag]struct{})
	}
	s.flags[key][flag] = struct{}{}
	return nil
}

func (s *MemoryStore) TakeFlags(_ context.Context, browserID string) (identity.PendingFlags, error) {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return identity.PendingFlags{}, err
	}
	s.mu.Lock()
	raised := s.flags[key]
	delete(s.flags, key)
	s.mu.Unlock()

	var flags identity.PendingFlags
	for flag := range raised {
		applyFlag(&flags, flag)
	}
	return flags, nil
}

func (s *MemoryStore) ClearFlags(_ context.Context, browserID string) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.flags, key)
	s.mu.Unlock()
	return nil
}
