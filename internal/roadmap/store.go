// Package roadmap owns a project's authoritative task tree: whole-document
// reads and writes against the document store, task toggles, and the
// snapshot subscription that every session treats as the final word.
package roadmap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taskpilot/internal/models"
	"taskpilot/internal/storage"
	"taskpilot/internal/tasktree"
)

// Documents is the slice of the document store the roadmap needs.
type Documents interface {
	GetRoadmap(ctx context.Context, projectID string) (*models.Roadmap, error)
	PutRoadmap(ctx context.Context, projectID string, rm models.Roadmap) error
}

// Subscriber delivers roadmap snapshots; the returned func tears the subscription down.
type Subscriber interface {
	SubscribeRoadmap(ctx context.Context, projectID string, fn func(*models.Roadmap)) func()
}

// Option customizes Store construction.
type Option func(*Store)

// WithClock overrides the source of completion and update timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store reads and writes roadmap documents.
type Store struct {
	docs   Documents
	subs   Subscriber
	now    func() time.Time
	logger *slog.Logger
}

// NewStore wires a Store to its document store and snapshot source.
func NewStore(docs Documents, subs Subscriber, opts ...Option) *Store {
	s := &Store{
		docs:   docs,
		subs:   subs,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get reads the current roadmap; nil means the project has none yet.
func (s *Store) Get(ctx context.Context, projectID string) (*models.Roadmap, error) {
	rm, err := s.docs.GetRoadmap(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get roadmap: %w", err)
	}
	return rm, nil
}

// Replace writes rm as the project's whole roadmap, with completion
// timestamps and parent rollups repaired. An existing roadmap's CreatedAt is
// kept; UpdatedAt is always stamped fresh. The returned value is
// what was written, which the next snapshot will confirm or supersede.
func (s *Store) Replace(ctx context.Context, projectID string, rm models.Roadmap) (models.Roadmap, error) {
	existing, err := s.docs.GetRoadmap(ctx, projectID)
	if err != nil {
		return models.Roadmap{}, storage.NewWriteError("read roadmap before replace", err)
	}

	now := s.now().UTC()
	out := tasktree.Normalize(rm, now)
	switch {
	case existing != nil:
		out.CreatedAt = existing.CreatedAt
	case out.CreatedAt.IsZero():
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	if err := s.docs.PutRoadmap(ctx, projectID, out); err != nil {
		return models.Roadmap{}, storage.NewWriteError("replace roadmap", err)
	}
	return out, nil
}

// Toggle applies t to the stored roadmap and writes the result back. A toggle
// addressing an unknown task, or a task whose completion is derived from its
// sub-tasks, fails with storage.ErrInvalid and writes nothing. A failed read
// is reported as a *storage.WriteError, like the write it precedes.
func (s *Store) Toggle(ctx context.Context, projectID string, t tasktree.Toggle) (models.Roadmap, error) {
	current, err := s.docs.GetRoadmap(ctx, projectID)
	if err != nil {
		return models.Roadmap{}, storage.NewWriteError("read roadmap before toggle", err)
	}
	if current == nil {
		return models.Roadmap{}, storage.ErrRoadmapNotFound
	}
	task, ok := tasktree.Find(*current, t)
	if !ok {
		return models.Roadmap{}, fmt.Errorf("toggle %s: unknown task: %w", t.TaskID, storage.ErrInvalid)
	}
	if !t.SubTask && task.HasSubTasks() {
		return models.Roadmap{}, fmt.Errorf("toggle %s: completion follows its sub-tasks: %w", t.TaskID, storage.ErrInvalid)
	}

	next := tasktree.Apply(*current, t, s.now())
	out, err := s.Replace(ctx, projectID, next)
	if err != nil {
		return models.Roadmap{}, err
	}
	s.logger.Debug("task toggled",
		slog.String("project", projectID),
		slog.String("phase", t.PhaseID),
		slog.String("task", t.TaskID),
		slog.Bool("completed", t.Completed))
	return out, nil
}

// Subscribe forwards every snapshot to fn as a private copy. A nil roadmap
// means the project has none.
func (s *Store) Subscribe(ctx context.Context, projectID string, fn func(*models.Roadmap)) func() {
	return s.subs.SubscribeRoadmap(ctx, projectID, func(rm *models.Roadmap) {
		if rm == nil {
			fn(nil)
			return
		}
		cp := tasktree.Clone(*rm)
		fn(&cp)
	})
}
