package handlers

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"vnhis2image/internal/session"
)

const (
	menuMain   = "main"
	menuStyle  = "style"
	menuMode   = "mode"
	menuFields = "fields"
	menuLang   = "lang"
)

// uiState is the chat-side state of the inline menu; the domain state lives
// in the session.
type uiState struct {
	Menu          string
	MessageID     int
	AwaitingField string
	AwaitingNotes bool
	UpdatedAt     time.Time
}

func (s *uiState) clearAwaiting() {
	s.AwaitingField = ""
	s.AwaitingNotes = false
}

type uiStore struct {
	mu    sync.Mutex
	items *cache.Cache
}

func newUIStore(ttl time.Duration) *uiStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &uiStore{items: cache.New(ttl, ttl/2)}
}

func (s *uiStore) Get(key session.Key) uiState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.getOrCreateLocked(key)
}

func (s *uiStore) Update(key session.Key, fn func(*uiState)) uiState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(key)
	if fn != nil {
		fn(st)
	}
	st.UpdatedAt = time.Now()
	s.items.SetDefault(key.String(), st)
	return *st
}

func (s *uiStore) getOrCreateLocked(key session.Key) *uiState {
	if v, ok := s.items.Get(key.String()); ok {
		if st, ok := v.(*uiState); ok {
			return st
		}
	}
	st := &uiState{Menu: menuMain, UpdatedAt: time.Now()}
	s.items.SetDefault(key.String(), st)
	return st
}
