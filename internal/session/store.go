package session

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Key identifies a session: one per user per chat.
type Key struct {
	ChatID int64
	UserID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.UserID)
}

type StoreOptions struct {
	// IdleTTL is how long an untouched session is kept.
	IdleTTL time.Duration
	// NewSession builds the session for a key on first use.
	NewSession func(Key) *Session
	Logger     *slog.Logger
}

// Store keeps sessions in memory and expires idle ones. Expired or deleted
// sessions have their in-flight attempt cancelled.
type Store struct {
	mu      sync.Mutex
	items   *cache.Cache
	ttl     time.Duration
	factory func(Key) *Session
	logger  *slog.Logger
}

func NewStore(opts StoreOptions) *Store {
	ttl := opts.IdleTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	factory := opts.NewSession
	if factory == nil {
		factory = func(Key) *Session { return New(Options{Logger: logger}) }
	}

	cleanup := ttl / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}

	s := &Store{
		items:   cache.New(ttl, cleanup),
		ttl:     ttl,
		factory: factory,
		logger:  logger,
	}
	s.items.OnEvicted(func(key string, v interface{}) {
		if sess, ok := v.(*Session); ok {
			s.logger.Debug("session evicted", "key", key)
			go sess.Close()
		}
	})
	return s
}

// Get returns the session for key, creating it on first use, and restarts
// its idle timer.
func (s *Store) Get(key Key) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.String()
	if v, ok := s.items.Get(id); ok {
		if sess, ok := v.(*Session); ok {
			s.items.Set(id, sess, s.ttl)
			return sess
		}
	}

	// An expired entry the janitor has not purged yet would be overwritten
	// silently; deleting it runs the eviction hook first.
	s.items.Delete(id)

	sess := s.factory(key)
	s.items.Set(id, sess, s.ttl)
	return sess
}

// Peek returns the session for key without creating or touching it.
func (s *Store) Peek(key Key) (*Session, bool) {
	v, ok := s.items.Get(key.String())
	if !ok {
		return nil, false
	}
	sess, ok := v.(*Session)
	return sess, ok
}

func (s *Store) Delete(key Key) {
	s.items.Delete(key.String())
}

func (s *Store) Len() int {
	return s.items.ItemCount()
}

// Flush closes every session. Used on shutdown.
func (s *Store) Flush() {
	for _, item := range s.items.Items() {
		if sess, ok := item.Object.(*Session); ok {
			sess.Close()
		}
	}
	s.items.Flush()
}
