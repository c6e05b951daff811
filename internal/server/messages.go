package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/chat"
)

type messageRequest struct {
	Content string `json:"content"`
	// Reply asks the assistant to answer once the message is stored. Defaults to true.
	Reply *bool `json:"reply"`
}

// handleListMessages mounts the session's chat engine and returns its log.
// An empty log is greeted before the response when the greeting lands in time.
func (s *Server) handleListMessages(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	engine := s.chatEngine(c, project)
	if err := waitBriefly(c, engine.Wait); err != nil {
		s.logger.Warn("chat log not populated yet", "project", project.ID, "error", err)
	}
	snap := engine.Current()
	respondSuccess(c, http.StatusOK, gin.H{
		"state":        snap.State,
		"messages":     snap.Messages,
		"can_generate": engine.CanGenerate(),
	})
}

// handleSendMessage appends a user message and, unless disabled, the
// assistant's reply. An unsent message is returned with the failure.
func (s *Server) handleSendMessage(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	engine := s.chatEngine(c, project)
	ctx := c.Request.Context()

	sent, err := engine.SendUserMessage(ctx, req.Content)
	if err != nil {
		s.failMessage(c, err, sent)
		return
	}
	payload := gin.H{"message": sent}
	if req.Reply == nil || *req.Reply {
		reply, err := engine.RequestReply(ctx, sent.Content)
		if err != nil {
			s.failMessage(c, err, reply)
			return
		}
		payload["reply"] = reply
	}
	respondSuccess(c, http.StatusCreated, payload)
}

// handleResendMessage retries an unsent message.
func (s *Server) handleResendMessage(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	engine := s.chatEngine(c, project)
	msg, err := engine.Resend(c.Request.Context(), c.Param("local"))
	if err != nil {
		s.failMessage(c, err, msg)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"message": msg})
}

// handleMessageStream pushes the session's chat log after every change.
func (s *Server) handleMessageStream(c *gin.Context) {
	project, ok := s.loadProject(c)
	if !ok {
		return
	}
	engine := s.chatEngine(c, project)
	stream(c, "messages", engine.Watch)
}

// failMessage reports err, carrying the message when it was kept as unsent.
func (s *Server) failMessage(c *gin.Context, err error, msg chat.Message) {
	status := statusFor(err)
	s.logger.Warn("message not stored", "path", c.FullPath(), "error", err)
	if msg.Unsent {
		c.JSON(status, gin.H{"error": err.Error(), "message": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
