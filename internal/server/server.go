package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/broker"
	"taskpilot/internal/chat"
	"taskpilot/internal/roadmap"
	"taskpilot/internal/storage"
	"taskpilot/internal/storage/sqlite"
)

// Assistant answers chat messages and plans roadmaps.
type Assistant interface {
	chat.Assistant
	roadmap.Planner
}

// Options tunes the server.
type Options struct {
	StaticDir   string
	MatchWindow time.Duration
}

// Server provides HTTP handlers for the planning backend.
type Server struct {
	engine    *gin.Engine
	store     *sqlite.Store
	broker    *broker.Broker
	roadmaps  *roadmap.Store
	generator *roadmap.Generator
	assistant Assistant
	sessions  *registry
	logger    *slog.Logger
	opts      Options
}

// New constructs the HTTP server with routes and middleware configured.
func New(store *sqlite.Store, b *broker.Broker, ai Assistant, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/api/healthz"))

	roadmaps := roadmap.NewStore(store, b, roadmap.WithLogger(logger))
	srv := &Server{
		engine:    router,
		store:     store,
		broker:    b,
		roadmaps:  roadmaps,
		generator: roadmap.NewGenerator(roadmaps, store, ai),
		assistant: ai,
		sessions:  newRegistry(),
		logger:    logger,
		opts:      opts,
	}

	srv.registerRoutes()
	return srv
}

// Engine exposes the underlying Gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Close tears down every session's live views.
func (s *Server) Close() {
	s.sessions.closeAll()
}

// registerRoutes wires all API and static handlers together.
func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	{
		api.GET("/healthz", s.handleHealth)

		projects := api.Group("/projects")
		{
			projects.GET("", s.handleListProjects)
			projects.POST("", s.handleCreateProject)
			projects.GET(":id", s.handleGetProject)
			projects.PUT(":id", s.handleUpdateProject)
			projects.DELETE(":id", s.handleDeleteProject)
			projects.GET(":id/readiness", s.handleReadiness)
			projects.GET(":id/progress", s.handleProgress)

			projects.GET(":id/roadmap", s.handleGetRoadmap)
			projects.POST(":id/roadmap/generate", s.handleGenerateRoadmap)
			projects.POST(":id/roadmap/toggle", s.handleToggle)
			projects.GET(":id/roadmap/stream", s.handleRoadmapStream)

			projects.GET(":id/messages", s.handleListMessages)
			projects.POST(":id/messages", s.handleSendMessage)
			projects.POST(":id/messages/:local/resend", s.handleResendMessage)
			projects.GET(":id/messages/stream", s.handleMessageStream)
		}

		api.DELETE("/sessions/:sid", s.handleCloseSession)
	}

	s.mountStatic()
}

// handleHealth provides a basic readiness endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps domain failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrProjectNotFound),
		errors.Is(err, storage.ErrRoadmapNotFound),
		errors.Is(err, chat.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalid),
		errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, roadmap.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, chat.ErrEngineClosed),
		errors.Is(err, roadmap.ErrViewClosed):
		return http.StatusGone
	case storage.IsWriteError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail responds with the status matching err.
func (s *Server) fail(c *gin.Context, err error) {
	s.respondError(c, statusFor(err), err)
}

// respondError logs the error and returns a JSON payload.
func (s *Server) respondError(c *gin.Context, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(c.Request.Context(), level, "request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	c.JSON(status, gin.H{"error": err.Error()})
}

// respondSuccess wraps a payload in a JSON envelope for consistency.
func respondSuccess(c *gin.Context, status int, payload any) {
	if payload == nil {
		c.Status(status)
		return
	}
	c.JSON(status, payload)
}

// stream pushes every value a watcher sees as a server-sent event until the
// client goes away. Only the latest undelivered value is kept.
func stream[T any](c *gin.Context, event string, watch func(func(T)) func()) {
	updates := make(chan T, 1)
	stop := watch(func(v T) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- v:
		default:
		}
	})
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case v := <-updates:
			c.SSEvent(event, v)
			return true
		}
	})
}
