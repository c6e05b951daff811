package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/chat"
	"taskpilot/internal/models"
	"taskpilot/internal/roadmap"
)

const (
	sessionHeader  = "X-Session-ID"
	defaultSession = "default"
)

// clientSession holds one client's live chat engines and roadmap views,
// keyed by project id.
type clientSession struct {
	chat *chat.Session

	mu      sync.Mutex
	engines map[string]*chat.Engine
	views   map[string]*roadmap.View
}

func (cs *clientSession) close() {
	cs.mu.Lock()
	engines, views := cs.engines, cs.views
	cs.engines, cs.views = map[string]*chat.Engine{}, map[string]*roadmap.View{}
	cs.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
	for _, v := range views {
		v.Close()
	}
}

func (cs *clientSession) dropProject(projectID string) {
	cs.mu.Lock()
	e, v := cs.engines[projectID], cs.views[projectID]
	delete(cs.engines, projectID)
	delete(cs.views, projectID)
	cs.mu.Unlock()
	if e != nil {
		e.Close()
	}
	if v != nil {
		v.Close()
	}
}

type registry struct {
	mu    sync.Mutex
	items map[string]*clientSession
}

func newRegistry() *registry {
	return &registry{items: map[string]*clientSession{}}
}

func (r *registry) get(id string) *clientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.items[id]
	if !ok {
		cs = &clientSession{
			chat:    chat.NewSession(id),
			engines: map[string]*chat.Engine{},
			views:   map[string]*roadmap.View{},
		}
		r.items[id] = cs
	}
	return cs
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	cs, ok := r.items[id]
	delete(r.items, id)
	r.mu.Unlock()
	if ok {
		cs.close()
	}
	return ok
}

func (r *registry) all() []*clientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*clientSession, 0, len(r.items))
	for _, cs := range r.items {
		out = append(out, cs)
	}
	return out
}

func (r *registry) closeAll() {
	r.mu.Lock()
	items := r.items
	r.items = map[string]*clientSession{}
	r.mu.Unlock()
	for _, cs := range items {
		cs.close()
	}
}

// sessionID reads the client session from the header or the session query
// parameter. EventSource cannot set headers, hence the query fallback.
func sessionID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(sessionHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.Query("session")); id != "" {
		return id
	}
	return defaultSession
}

// chatEngine returns the session's engine for the project, mounting it on
// first use. Engines outlive requests, so they subscribe without the request
// context.
func (s *Server) chatEngine(c *gin.Context, project models.Project) *chat.Engine {
	cs := s.sessions.get(sessionID(c))
	cs.mu.Lock()
	e, ok := cs.engines[project.ID]
	if !ok {
		e = chat.New(cs.chat, project, s.store, s.broker, s.assistant,
			chat.WithLogger(s.logger),
			chat.WithMatchWindow(s.opts.MatchWindow),
		)
		cs.engines[project.ID] = e
	}
	cs.mu.Unlock()

	if ok {
		e.SetProject(project)
	} else {
		e.Start(context.Background())
	}
	return e
}

// roadmapView returns the session's view of the project's roadmap.
func (s *Server) roadmapView(c *gin.Context, projectID string) *roadmap.View {
	cs := s.sessions.get(sessionID(c))
	cs.mu.Lock()
	defer cs.mu.Unlock()
	v, ok := cs.views[projectID]
	if !ok {
		v = s.roadmaps.Open(context.Background(), projectID)
		cs.views[projectID] = v
	}
	return v
}

// refreshProject pushes edited project details into every mounted engine.
func (s *Server) refreshProject(p models.Project) {
	for _, cs := range s.sessions.all() {
		cs.mu.Lock()
		e := cs.engines[p.ID]
		cs.mu.Unlock()
		if e != nil {
			e.SetProject(p)
		}
	}
}

// forgetProject unmounts a deleted project everywhere.
func (s *Server) forgetProject(projectID string) {
	for _, cs := range s.sessions.all() {
		cs.dropProject(projectID)
	}
}

// handleCloseSession unmounts every engine and view of a client session.
func (s *Server) handleCloseSession(c *gin.Context) {
	if !s.sessions.remove(c.Param("sid")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"status": "closed"})
}
