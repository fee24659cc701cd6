// Package textgroup merges chat messages that arrive in quick succession,
// such as a long description Telegram split into several messages.
package textgroup

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Item struct {
	ChatID   int64
	UserID   int64
	Username string
	Text     string
}

type Group struct {
	ChatID   int64
	UserID   int64
	Username string
	Parts    []string
}

// Text joins the parts with newlines.
func (g Group) Text() string {
	return strings.Join(g.Parts, "\n")
}

type Options struct {
	Debounce time.Duration
	OnFlush  func(Group)
}

type Aggregator struct {
	mu       sync.Mutex
	debounce time.Duration
	onFlush  func(Group)
	groups   map[string]*pendingGroup
}

type pendingGroup struct {
	group Group
	timer *time.Timer
}

func New(opts Options) *Aggregator {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 1200 * time.Millisecond
	}

	return &Aggregator{
		debounce: debounce,
		onFlush:  opts.OnFlush,
		groups:   make(map[string]*pendingGroup),
	}
}

// Add queues item and restarts the quiet period of its chat+user group.
func (a *Aggregator) Add(item Item) {
	text := strings.TrimSpace(item.Text)
	if text == "" {
		return
	}

	key := makeKey(item.ChatID, item.UserID)

	a.mu.Lock()
	defer a.mu.Unlock()

	pg, ok := a.groups[key]
	if !ok {
		pg = &pendingGroup{
			group: Group{
				ChatID:   item.ChatID,
				UserID:   item.UserID,
				Username: item.Username,
			},
		}
		a.groups[key] = pg
	}
	pg.group.Parts = append(pg.group.Parts, text)

	if pg.timer != nil {
		pg.timer.Stop()
	}
	pg.timer = time.AfterFunc(a.debounce, func() {
		a.flush(key)
	})
}

// Flush delivers the pending group of chat+user right away, if any.
func (a *Aggregator) Flush(chatID, userID int64) bool {
	group, ok := a.Take(chatID, userID)
	if !ok {
		return false
	}
	if a.onFlush != nil {
		a.onFlush(group)
	}
	return true
}

// Take removes the pending group of chat+user and returns it to the caller
// instead of OnFlush.
func (a *Aggregator) Take(chatID, userID int64) (Group, bool) {
	return a.take(makeKey(chatID, userID))
}

func (a *Aggregator) take(key string) (Group, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pg, ok := a.groups[key]
	if !ok {
		return Group{}, false
	}
	if pg.timer != nil {
		pg.timer.Stop()
	}
	delete(a.groups, key)
	return pg.group, true
}

func (a *Aggregator) flush(key string) {
	group, ok := a.take(key)
	if ok && a.onFlush != nil {
		a.onFlush(group)
	}
}

func makeKey(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}
