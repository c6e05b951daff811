package roadmap

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"taskpilot/internal/models"
	"taskpilot/internal/tasktree"
)

// ErrViewClosed is returned by operations on a torn-down View.
var ErrViewClosed = errors.New("roadmap view closed")

// State describes how a View's tree relates to the last snapshot.
type State string

const (
	// StateLoading means no snapshot has arrived yet.
	StateLoading State = "loading"
	// StateOptimistic means local toggles are applied that no snapshot has confirmed.
	StateOptimistic State = "optimistic"
	// StateConfirmed means the tree is exactly the last snapshot.
	StateConfirmed State = "confirmed"
)

// Snapshot is what a View shows at a point in time.
type Snapshot struct {
	Roadmap *models.Roadmap `json:"roadmap"`
	State   State           `json:"state"`
}

// View is one session's live copy of a project's roadmap. Toggles apply
// locally at once and are written in the background; every pushed snapshot
// replaces the local tree, whatever it holds.
type View struct {
	store     *Store
	projectID string
	logger    *slog.Logger

	mu          sync.Mutex
	current     *models.Roadmap
	state       State
	generation  uint64
	dirty       int
	closed      bool
	ready       chan struct{}
	unsubscribe func()

	emitMu   sync.Mutex
	watchers map[int]func(Snapshot)
	nextID   int
}

// Open subscribes a new View to the project's roadmap.
func (s *Store) Open(ctx context.Context, projectID string) *View {
	v := &View{
		store:     s,
		projectID: projectID,
		logger:    s.logger.With(slog.String("project", projectID)),
		state:     StateLoading,
		ready:     make(chan struct{}),
		watchers:  map[int]func(Snapshot){},
	}
	unsubscribe := s.Subscribe(ctx, projectID, v.applySnapshot)
	v.mu.Lock()
	v.unsubscribe = unsubscribe
	v.mu.Unlock()
	return v
}

// Wait blocks until the first snapshot has been applied.
func (v *View) Wait(ctx context.Context) error {
	select {
	case <-v.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns a private copy of the View's tree and its state.
func (v *View) Current() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Toggle applies t locally, writes it through the store, and reverts the
// local change when the write fails. A snapshot that lands while the write is
// in flight wins over both the optimistic value and the revert.
func (v *View) Toggle(ctx context.Context, t tasktree.Toggle) error {
	if err := v.Wait(ctx); err != nil {
		return err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	if v.current == nil {
		// The store may hold a roadmap whose snapshot has not arrived yet.
		v.mu.Unlock()
		_, err := v.store.Toggle(ctx, v.projectID, t)
		return err
	}
	prev := tasktree.Clone(*v.current)
	next := tasktree.Apply(prev, t, v.store.now())
	generation := v.generation
	v.current = &next
	v.dirty++
	v.state = StateOptimistic
	v.mu.Unlock()
	v.publish()

	_, err := v.store.Toggle(ctx, v.projectID, t)
	if err == nil {
		return nil
	}

	v.mu.Lock()
	if !v.closed && v.generation == generation && v.current != nil {
		reverted := tasktree.Revert(*v.current, prev, t, v.store.now())
		v.current = &reverted
		v.dirty--
		if v.dirty == 0 {
			v.state = StateConfirmed
		}
	}
	v.mu.Unlock()
	v.logger.Warn("toggle rolled back", slog.String("task", t.TaskID), slog.String("error", err.Error()))
	v.publish()
	return err
}

// Watch calls fn with the current snapshot and after every change. The
// returned func removes the watcher.
func (v *View) Watch(fn func(Snapshot)) func() {
	v.emitMu.Lock()
	id := v.nextID
	v.nextID++
	v.watchers[id] = fn
	v.mu.Lock()
	loaded := v.state != StateLoading
	snap := v.snapshotLocked()
	v.mu.Unlock()
	if loaded {
		fn(snap)
	}
	v.emitMu.Unlock()

	return func() {
		v.emitMu.Lock()
		delete(v.watchers, id)
		v.emitMu.Unlock()
	}
}

// Close unsubscribes. Snapshots delivered afterwards are dropped.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsubscribe := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (v *View) applySnapshot(rm *models.Roadmap) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.current = rm
	v.generation++
	v.dirty = 0
	first := v.state == StateLoading
	v.state = StateConfirmed
	v.mu.Unlock()
	if first {
		close(v.ready)
	}
	v.publish()
}

func (v *View) snapshotLocked() Snapshot {
	snap := Snapshot{State: v.state}
	if v.current != nil {
		cp := tasktree.Clone(*v.current)
		snap.Roadmap = &cp
	}
	return snap
}

func (v *View) publish() {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()
	if len(v.watchers) == 0 {
		return
	}
	v.mu.Lock()
	snap := v.snapshotLocked()
	v.mu.Unlock()
	for _, fn := range v.watchers {
		fn(snap)
	}
}
