package app

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rupak1811/permiso/internal/session"
)

// SessionEventMsg is a tea.Msg carrying a session state change.
type SessionEventMsg struct {
	Event session.Event
}

// ViewUpdatedMsg is a tea.Msg sent when fresh data was applied to a view.
type ViewUpdatedMsg struct {
	Key string
}

// Bridge carries messages from background goroutines (session
// observers, fetch completions) into the Bubble Tea loop. Senders
// never block: callers may hold locks or run on the UI goroutine
// itself. Messages are delivered in the order they were sent, and a
// ViewUpdatedMsg already waiting for a key absorbs later ones.
type Bridge struct {
	mu     sync.Mutex
	queue  []tea.Msg
	notify chan struct{}
}

// NewBridge creates a Bridge with room for size queued messages
// before it grows.
func NewBridge(size int) *Bridge {
	if size <= 0 {
		size = 64
	}
	return &Bridge{
		queue:  make([]tea.Msg, 0, size),
		notify: make(chan struct{}, 1),
	}
}

// Send queues msg.
func (b *Bridge) Send(msg tea.Msg) {
	b.mu.Lock()
	if upd, ok := msg.(ViewUpdatedMsg); ok && b.pendingLocked(upd.Key) {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	b.wake()
}

func (b *Bridge) pendingLocked(key string) bool {
	for _, queued := range b.queue {
		if upd, ok := queued.(ViewUpdatedMsg); ok && upd.Key == key {
			return true
		}
	}
	return false
}

func (b *Bridge) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// SessionObserver adapts the bridge to session.Manager.Subscribe.
func (b *Bridge) SessionObserver() func(session.Event) {
	return func(ev session.Event) {
		b.Send(SessionEventMsg{Event: ev})
	}
}

// Wait returns a tea.Cmd that waits for the next bridged message.
// It must be re-issued after every message it delivers.
func (b *Bridge) Wait() tea.Cmd {
	return func() tea.Msg {
		for {
			b.mu.Lock()
			if len(b.queue) > 0 {
				msg := b.queue[0]
				b.queue[0] = nil
				b.queue = b.queue[1:]
				more := len(b.queue) > 0
				b.mu.Unlock()
				if more {
					b.wake()
				}
				return msg
			}
			b.mu.Unlock()
			<-b.notify
		}
	}
}
