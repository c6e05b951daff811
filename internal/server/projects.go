package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/broker"
	"taskpilot/internal/models"
	"taskpilot/internal/readiness"
	"taskpilot/internal/storage"
)

type projectRequest struct {
	OwnerID     string   `json:"owner_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	TechStack   []string `json:"tech_stack"`
	TargetDate  string   `json:"target_date"`
	Color       string   `json:"color"`
}

func (r projectRequest) project() (models.Project, error) {
	p := models.Project{
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Description: r.Description,
		TechStack:   r.TechStack,
		Color:       r.Color,
	}
	if raw := strings.TrimSpace(r.TargetDate); raw != "" {
		due, err := parseDate(raw)
		if err != nil {
			return models.Project{}, err
		}
		p.TargetDate = &due
	}
	return p, nil
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: target_date must be YYYY-MM-DD or RFC 3339", storage.ErrInvalid)
	}
	return t.UTC(), nil
}

// handleListProjects returns all projects, optionally for one owner.
func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context(), c.Query("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"projects": projects})
}

// handleCreateProject creates a new project entity.
func (s *Server) handleCreateProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	p, err := req.project()
	if err != nil {
		s.fail(c, err)
		return
	}

	project, err := s.store.CreateProject(c.Request.Context(), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"project": project})
}

// handleGetProject returns one project.
func (s *Server) handleGetProject(c *gin.Context) {
	project, err := s.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"project": project})
}

// handleUpdateProject replaces the editable details of an existing project.
func (s *Server) handleUpdateProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	p, err := req.project()
	if err != nil {
		s.fail(c, err)
		return
	}
	p.ID = c.Param("id")

	project, err := s.store.UpdateProject(c.Request.Context(), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.refreshProject(project)
	respondSuccess(c, http.StatusOK, gin.H{"project": project})
}

// handleDeleteProject removes a project with its roadmap and chat log.
func (s *Server) handleDeleteProject(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteProject(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.forgetProject(id)
	respondSuccess(c, http.StatusOK, gin.H{"status": "deleted"})
}

// handleReadiness reports which details are missing and whether a roadmap may
// be generated from what is stored.
func (s *Server) handleReadiness(c *gin.Context) {
	ctx := c.Request.Context()
	project, err := s.store.GetProject(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	msgs, err := broker.ReadMessages(ctx, s.store, project.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	missing := readiness.MissingDetails(project)
	if missing == nil {
		missing = []string{}
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"missing_details":    missing,
		"has_all_details":    len(missing) == 0,
		"user_message_count": readiness.UserMessageCount(msgs),
		"can_generate":       readiness.CanGenerate(project, msgs),
	})
}

// loadProject fetches the path's project or responds with the failure.
func (s *Server) loadProject(c *gin.Context) (models.Project, bool) {
	project, err := s.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return models.Project{}, false
	}
	return project, true
}

// waitBriefly bounds how long a handler waits for a live view's first snapshot.
func waitBriefly(c *gin.Context, wait func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	return wait(ctx)
}
