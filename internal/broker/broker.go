// Package broker pushes full document snapshots to subscribers.
//
// Every subscription receives the current snapshot on registration and a fresh
// one after each change notification for its topic. Delivery is per subscriber
// and latest-wins: a slow handler may skip intermediate snapshots but never sees
// them out of order, and never blocks the writer that triggered them.
// Snapshots are shared between subscribers and must be treated as read-only.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"taskpilot/internal/models"
	"taskpilot/internal/storage"
)

// Source reads the documents the broker fans out.
type Source interface {
	GetRoadmap(ctx context.Context, projectID string) (*models.Roadmap, error)
	ListMessages(ctx context.Context, projectID string, ordered bool) ([]models.ChatMessage, error)
}

// Option customizes Broker construction.
type Option func(*Broker)

// WithLogger injects a logger for read failures and fallbacks.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type topic struct {
	collection string
	projectID  string
}

// Broker fans out snapshots keyed by collection and project.
type Broker struct {
	source Source
	logger *slog.Logger
	ctx    context.Context

	mu     sync.Mutex
	subs   map[topic]map[*subscriber]struct{}
	locks  map[topic]*sync.Mutex
	closed bool
}

// New constructs a broker reading from source.
func New(source Source, opts ...Option) *Broker {
	b := &Broker{
		source: source,
		logger: slog.Default(),
		ctx:    context.Background(),
		subs:   map[topic]map[*subscriber]struct{}{},
		locks:  map[topic]*sync.Mutex{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// SubscribeRoadmap delivers the project's roadmap, nil while absent. The
// returned func stops delivery and is safe to call more than once.
func (b *Broker) SubscribeRoadmap(ctx context.Context, projectID string, fn func(*models.Roadmap)) func() {
	return b.subscribe(ctx, topic{models.CollectionRoadmaps, projectID}, func(v any) {
		rm, _ := v.(*models.Roadmap)
		fn(rm)
	})
}

// SubscribeMessages delivers the project's message log sorted by creation
// time. When neither the ordered nor the unordered read succeeds, fn receives
// an empty log together with an error wrapping storage.ErrSubscription, so an
// empty result never passes for an empty log.
func (b *Broker) SubscribeMessages(ctx context.Context, projectID string, fn func([]models.ChatMessage, error)) func() {
	return b.subscribe(ctx, topic{models.CollectionMessages, projectID}, func(v any) {
		snap, _ := v.(messageSnapshot)
		if snap.msgs == nil {
			snap.msgs = []models.ChatMessage{}
		}
		fn(snap.msgs, snap.err)
	})
}

type messageSnapshot struct {
	msgs []models.ChatMessage
	err  error
}

// Notify re-reads the topic and pushes the snapshot to its subscribers. The
// store calls it after every committed write.
func (b *Broker) Notify(collection, projectID string) {
	t := topic{collection, projectID}
	lock := b.topicLock(t)
	lock.Lock()
	defer lock.Unlock()

	subs := b.snapshotSubscribers(t)
	if len(subs) == 0 {
		return
	}
	snapshot, ok := b.read(b.ctx, t)
	if !ok {
		return
	}
	for _, sub := range subs {
		sub.offer(snapshot)
	}
}

// Close tears down every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	all := b.subs
	b.subs = map[topic]map[*subscriber]struct{}{}
	b.mu.Unlock()
	for _, subs := range all {
		for sub := range subs {
			sub.close()
		}
	}
}

func (b *Broker) subscribe(ctx context.Context, t topic, fn func(any)) func() {
	sub := newSubscriber(fn)

	lock := b.topicLock(t)
	lock.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		lock.Unlock()
		sub.close()
		return func() {}
	}
	if b.subs[t] == nil {
		b.subs[t] = map[*subscriber]struct{}{}
	}
	b.subs[t][sub] = struct{}{}
	b.mu.Unlock()
	if snapshot, ok := b.read(ctx, t); ok {
		sub.offer(snapshot)
	}
	lock.Unlock()

	go sub.run()

	return func() {
		b.remove(t, sub)
	}
}

func (b *Broker) remove(t topic, sub *subscriber) {
	b.mu.Lock()
	if subs := b.subs[t]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, t)
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *Broker) topicLock(t topic) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[t]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[t] = lock
	}
	return lock
}

func (b *Broker) snapshotSubscribers(t topic) []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.subs[t]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (b *Broker) read(ctx context.Context, t topic) (any, bool) {
	switch t.collection {
	case models.CollectionRoadmaps:
		rm, err := b.source.GetRoadmap(ctx, t.projectID)
		if err != nil {
			b.logger.Error("roadmap snapshot read failed", slog.String("project", t.projectID), slog.String("error", err.Error()))
			return nil, false
		}
		return rm, true
	case models.CollectionMessages:
		msgs, err := ReadMessages(ctx, b.source, t.projectID)
		if err != nil {
			b.logger.Error("message snapshot read failed", slog.String("project", t.projectID), slog.String("error", err.Error()))
		}
		return messageSnapshot{msgs: msgs, err: err}, true
	}
	return nil, false
}

// ReadMessages performs the ordered read and falls back once to an unordered
// read sorted client-side. When both fail the result is empty and the error
// wraps storage.ErrSubscription.
func ReadMessages(ctx context.Context, source Source, projectID string) ([]models.ChatMessage, error) {
	msgs, err := source.ListMessages(ctx, projectID, true)
	if err == nil {
		return msgs, nil
	}
	msgs, fallbackErr := source.ListMessages(ctx, projectID, false)
	if fallbackErr != nil {
		return []models.ChatMessage{}, fmt.Errorf("%w: %w", storage.ErrSubscription, errors.Join(err, fallbackErr))
	}
	SortMessages(msgs)
	return msgs, nil
}

// SortMessages orders a log by creation time, keeping arrival order for ties.
func SortMessages(msgs []models.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// subscriber is a single-slot mailbox drained by its own goroutine.
type subscriber struct {
	fn   func(any)
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending any
	has     bool
	closed  bool
}

func newSubscriber(fn func(any)) *subscriber {
	return &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) offer(v any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = v
	s.has = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		if s.closed || !s.has {
			s.mu.Unlock()
			continue
		}
		v := s.pending
		s.pending, s.has = nil, false
		s.mu.Unlock()
		s.fn(v)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending, s.has = nil, false
	close(s.done)
}
