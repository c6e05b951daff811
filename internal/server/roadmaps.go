package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/progress"
	"taskpilot/internal/storage"
	"taskpilot/internal/tasktree"
)

type toggleRequest struct {
	PhaseID      string `json:"phase_id" binding:"required"`
	TaskID       string `json:"task_id" binding:"required"`
	ParentTaskID string `json:"parent_task_id"`
	Completed    bool   `json:"completed"`
}

// handleGetRoadmap returns the session's view of the roadmap.
func (s *Server) handleGetRoadmap(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	view := s.roadmapView(c, project.ID)
	if err := waitBriefly(c, view.Wait); err != nil {
		s.respondError(c, http.StatusGatewayTimeout, err)
		return
	}
	snap := view.Current()
	if snap.Roadmap == nil {
		s.fail(c, storage.ErrRoadmapNotFound)
		return
	}
	respondSuccess(c, http.StatusOK, snap)
}

// handleGenerateRoadmap replaces the roadmap with a freshly planned one.
func (s *Server) handleGenerateRoadmap(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	rm, err := s.generator.Generate(c.Request.Context(), project.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"roadmap": rm})
}

// handleToggle flips a task or sub-task through the session's view. A failed
// write answers with the error; the view has already rolled back.
func (s *Server) handleToggle(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}

	toggle := tasktree.Toggle{
		PhaseID:      req.PhaseID,
		TaskID:       req.TaskID,
		Completed:    req.Completed,
		SubTask:      strings.TrimSpace(req.ParentTaskID) != "",
		ParentTaskID: strings.TrimSpace(req.ParentTaskID),
	}
	view := s.roadmapView(c, project.ID)
	if err := view.Toggle(c.Request.Context(), toggle); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, view.Current())
}

// handleRoadmapStream pushes the session's view after every change.
func (s *Server) handleRoadmapStream(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	view := s.roadmapView(c, project.ID)
	stream(c, "roadmap", view.Watch)
}

// handleProgress summarizes completion of the stored roadmap.
func (s *Server) handleProgress(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	rm, err := s.roadmaps.Get(c.Request.Context(), project.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, progress.Compute(rm))
}
