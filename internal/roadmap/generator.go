package roadmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"taskpilot/internal/broker"
	"taskpilot/internal/models"
	"taskpilot/internal/readiness"
)

// ErrNotReady is returned when a project lacks both details and user chat.
var ErrNotReady = errors.New("project is not ready for roadmap generation")

// Planner produces a fresh roadmap from project context and chat history.
type Planner interface {
	GenerateRoadmap(ctx context.Context, project models.Project, history []models.ChatMessage) (models.Roadmap, error)
}

// Projects reads the inputs a generation needs.
type Projects interface {
	broker.Source
	GetProject(ctx context.Context, id string) (models.Project, error)
}

// Generator regenerates roadmaps. Concurrent requests for one project share a
// single planner call and a single write.
type Generator struct {
	store    *Store
	projects Projects
	planner  Planner
	group    singleflight.Group
}

// NewGenerator wires a Generator.
func NewGenerator(store *Store, projects Projects, planner Planner) *Generator {
	return &Generator{store: store, projects: projects, planner: planner}
}

// Generate replaces the project's roadmap with a newly planned one. All
// completion state of the previous roadmap is discarded.
func (g *Generator) Generate(ctx context.Context, projectID string) (models.Roadmap, error) {
	project, err := g.projects.GetProject(ctx, projectID)
	if err != nil {
		return models.Roadmap{}, err
	}
	history, err := broker.ReadMessages(ctx, g.projects, projectID)
	if err != nil {
		g.store.logger.Warn("generating without chat history", slog.String("project", projectID), slog.String("error", err.Error()))
	}
	if !readiness.CanGenerate(project, history) {
		return models.Roadmap{}, ErrNotReady
	}

	v, err, shared := g.group.Do(projectID, func() (any, error) {
		shielded := context.WithoutCancel(ctx)
		planned, err := g.planner.GenerateRoadmap(shielded, project, history)
		if err != nil {
			return nil, fmt.Errorf("plan roadmap: %w", err)
		}
		return g.store.Replace(shielded, projectID, planned)
	})
	if err != nil {
		return models.Roadmap{}, err
	}
	g.store.logger.Info("roadmap generated", slog.String("project", projectID), slog.Bool("shared", shared))
	return v.(models.Roadmap), nil
}
