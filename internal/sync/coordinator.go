// Package sync keeps mounted views fresh by merging fixed-interval
// polling with push-event triggers. Each view has at most one fetch in
// flight; triggers arriving meanwhile collapse into a single follow-up.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/rupak1811/permiso/internal/clock"
	"github.com/rupak1811/permiso/internal/logging"
	"github.com/rupak1811/permiso/internal/push"
)

// fetchTimeout is the maximum time allowed for a single fetch operation.
const fetchTimeout = 30 * time.Second

// Channel is the push transport a Coordinator listens on.
type Channel interface {
	On(name string, h push.Handler) (off func())
	OnReconnect(fn func()) (off func())
	Connected() bool
}

// ViewSpec describes a view to keep in sync.
type ViewSpec struct {
	Key          string
	PollInterval time.Duration
	Events       []string

	// Fetch loads the view's data. It must be idempotent.
	Fetch func(ctx context.Context) (any, error)

	// Apply receives accepted results. It runs with the view locked and
	// must not call back into the Coordinator for the same view.
	Apply func(result any)
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	Clock        clock.Clock
	Logger       *slog.Logger
	FetchTimeout time.Duration

	// OnAuthError is called, outside any view lock, when a fetch fails
	// with a *source.AuthError.
	OnAuthError func(key string, err error)
}

// Coordinator schedules refreshes for mounted views.
type Coordinator struct {
	channel      Channel
	clock        clock.Clock
	log          *slog.Logger
	fetchTimeout time.Duration
	onAuthError  func(key string, err error)

	ctx    context.Context
	cancel context.CancelFunc

	mu           gosync.Mutex
	views        map[string]*view
	seqs         map[string]*sequence
	offReconnect func()
}

// New creates a Coordinator. channel may be nil, in which case views
// refresh on their poll interval and on explicit requests only.
func New(channel Channel, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.L("sync")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = fetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		channel:      channel,
		clock:        opts.Clock,
		log:          opts.Logger,
		fetchTimeout: opts.FetchTimeout,
		onAuthError:  opts.OnAuthError,
		ctx:          ctx,
		cancel:       cancel,
		views:        make(map[string]*view),
		seqs:         make(map[string]*sequence),
	}
	if channel != nil {
		c.offReconnect = channel.OnReconnect(c.handleReconnect)
	}
	return c
}

// Mount is the handle returned by MountView.
type Mount struct {
	c *Coordinator
	v *view
}

// Key returns the mounted view's key.
func (m *Mount) Key() string { return m.v.spec.Key }

// Unmount removes the view if this handle still owns it. It is safe to
// call more than once.
func (m *Mount) Unmount() {
	m.c.mu.Lock()
	if cur, ok := m.c.views[m.v.spec.Key]; ok && cur == m.v {
		delete(m.c.views, m.v.spec.Key)
	}
	m.c.mu.Unlock()
	m.v.unmount()
}

// MountView registers a view, subscribes its push events, starts its
// poll timer and issues an initial fetch. Mounting a key that is
// already mounted replaces the previous registration.
func (c *Coordinator) MountView(spec ViewSpec) (*Mount, error) {
	if spec.Key == "" {
		return nil, errors.New("view key is required")
	}
	if spec.PollInterval <= 0 {
		return nil, fmt.Errorf("view %s: poll interval must be positive", spec.Key)
	}
	if spec.Fetch == nil || spec.Apply == nil {
		return nil, fmt.Errorf("view %s: fetch and apply are required", spec.Key)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, errors.New("coordinator is closed")
	}
	prev := c.views[spec.Key]
	seq, ok := c.seqs[spec.Key]
	if !ok {
		seq = &sequence{}
		c.seqs[spec.Key] = seq
	}
	ctx, cancel := context.WithCancel(c.ctx)
	v := &view{
		c:       c,
		spec:    spec,
		seq:     seq,
		ctx:     ctx,
		cancel:  cancel,
		mounted: true,
		log:     c.log.With(logging.KeyView, spec.Key),
	}
	c.views[spec.Key] = v
	c.mu.Unlock()

	if prev != nil {
		c.log.Debug("replacing mounted view", logging.KeyView, spec.Key)
		prev.unmount()
	}

	v.mu.Lock()
	if !v.mounted {
		// Unmounted before it could subscribe.
		v.mu.Unlock()
		return &Mount{c: c, v: v}, nil
	}
	if c.channel != nil {
		for _, name := range spec.Events {
			v.offs = append(v.offs, c.channel.On(name, v.handleEvent))
		}
	}
	v.timer = c.clock.AfterFunc(spec.PollInterval, v.tick)
	v.mu.Unlock()

	v.request()
	return &Mount{c: c, v: v}, nil
}

// UnmountView removes the view registered under key. No fetch result
// is applied to it after UnmountView returns.
func (c *Coordinator) UnmountView(key string) {
	c.mu.Lock()
	v, ok := c.views[key]
	delete(c.views, key)
	c.mu.Unlock()

	if ok {
		v.unmount()
	}
}

// UnmountAll removes every mounted view.
func (c *Coordinator) UnmountAll() {
	c.mu.Lock()
	views := make([]*view, 0, len(c.views))
	for key, v := range c.views {
		views = append(views, v)
		delete(c.views, key)
	}
	c.mu.Unlock()

	for _, v := range views {
		v.unmount()
	}
}

// RequestRefresh asks the view registered under key to refresh. If a
// fetch is already in flight the request is queued and coalesced with
// any other request made before it completes.
func (c *Coordinator) RequestRefresh(key string) {
	c.mu.Lock()
	v, ok := c.views[key]
	c.mu.Unlock()

	if ok {
		v.request()
	}
}

// RefreshAll requests a refresh of every mounted view.
func (c *Coordinator) RefreshAll() {
	for _, v := range c.mounted() {
		v.request()
	}
}

// Statuses returns a snapshot of every mounted view, sorted by key.
func (c *Coordinator) Statuses() []ViewStatus {
	views := c.mounted()
	statuses := make([]ViewStatus, 0, len(views))
	for _, v := range views {
		statuses = append(statuses, v.status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Key < statuses[j].Key
	})
	return statuses
}

// PushStatus reports whether a push channel is configured and whether
// it is currently connected. Views keep polling either way.
func (c *Coordinator) PushStatus() (configured, connected bool) {
	if c.channel == nil {
		return false, false
	}
	return true, c.channel.Connected()
}

// Close unmounts every view, cancels in-flight fetches and stops
// listening for reconnects.
func (c *Coordinator) Close() {
	c.mu.Lock()
	off := c.offReconnect
	c.offReconnect = nil
	c.mu.Unlock()

	if off != nil {
		off()
	}
	c.UnmountAll()
	c.cancel()
}

func (c *Coordinator) handleReconnect() {
	c.log.Info("push channel reconnected, refreshing views")
	c.RefreshAll()
}

func (c *Coordinator) mounted() []*view {
	c.mu.Lock()
	defer c.mu.Unlock()

	views := make([]*view, 0, len(c.views))
	for _, v := range c.views {
		views = append(views, v)
	}
	return views
}

// sequence numbers a key's fetches. It outlives individual mounts so a
// response issued before a remount can never overwrite newer data.
type sequence struct {
	mu       gosync.Mutex
	issued   uint64
	accepted uint64
}

func (s *sequence) next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return s.issued
}

func (s *sequence) accept(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.accepted {
		return false
	}
	s.accepted = seq
	return true
}

func (s *sequence) snapshot() (issued, accepted uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued, s.accepted
}
