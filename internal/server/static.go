package server

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// mountStatic serves the planner frontend from the configured directory.
// Unknown API paths always answer JSON; other unknown paths fall back to the
// single-page app's index.
func (s *Server) mountStatic() {
	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	dir := s.opts.StaticDir
	if dir == "" {
		s.logger.Info("static directory not configured; serving API only")
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		s.logger.Warn("static directory missing", slog.String("path", dir))
		return
	}

	indexPath := filepath.Join(dir, "index.html")
	if _, err := os.Stat(indexPath); err != nil {
		s.logger.Warn("index.html not found", slog.String("path", indexPath), slog.String("error", err.Error()))
	} else {
		s.engine.GET("/", func(c *gin.Context) {
			c.File(indexPath)
		})
		s.engine.NoRoute(func(c *gin.Context) {
			if strings.HasPrefix(c.Request.URL.Path, "/api/") {
				c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
				return
			}
			c.File(indexPath)
		})
	}

	for _, name := range []string{"assets", "static"} {
		sub := filepath.Join(dir, name)
		if info, err := os.Stat(sub); err == nil && info.IsDir() {
			s.engine.StaticFS("/"+name, gin.Dir(sub, false))
		}
	}
	for _, name := range []string{"favicon.ico", "manifest.json"} {
		file := filepath.Join(dir, name)
		if _, err := os.Stat(file); err == nil {
			s.engine.StaticFile("/"+name, file)
		}
	}
}
