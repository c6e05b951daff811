// Package assistant talks to the Anthropic Messages API for chat replies and
// roadmap plans. Every failure is absorbed: callers always receive a usable
// reply string or roadmap, and the cause is only logged.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/models"
	"taskpilot/internal/storage"
)

// FallbackReply is returned when no reply could be generated.
const FallbackReply = "I couldn't reach the planning assistant just now. Tell me a little more about what you want to build and I'll pick it up from there."

const anthropicVersion = "2023-06-01"

// Client calls the Anthropic Messages API.
type Client struct {
	cfg    config.AssistantConfig
	client *http.Client
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// New creates an assistant client. A nil logger uses slog.Default.
func New(cfg config.AssistantConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger: logger,
		sleep:  sleepContext,
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

// GenerateReply answers userMessage in the context of the project and the
// ordered chat history. The error is always nil.
func (c *Client) GenerateReply(ctx context.Context, userMessage string, history []models.ChatMessage, project models.Project) (string, error) {
	if !c.Enabled() {
		c.logger.Debug("assistant disabled; using fallback reply")
		return FallbackReply, nil
	}

	system := "You are a pragmatic project planning assistant. Help the user clarify scope, " +
		"tech stack and timeline for their project. Keep answers short and ask one question at a time.\n\n" +
		projectContext(project)

	text, err := c.completeWithRetry(ctx, system, conversation(history, userMessage))
	if err != nil {
		c.logger.Warn("reply generation failed", slog.String("project", project.ID), slog.String("error", err.Error()))
		return FallbackReply, nil
	}
	if strings.TrimSpace(text) == "" {
		return FallbackReply, nil
	}
	return strings.TrimSpace(text), nil
}

// GenerateRoadmap plans a roadmap for the project. On any failure a default
// roadmap is returned; the error is always nil.
func (c *Client) GenerateRoadmap(ctx context.Context, project models.Project, history []models.ChatMessage) (models.Roadmap, error) {
	if !c.Enabled() {
		c.logger.Debug("assistant disabled; using default roadmap")
		return DefaultRoadmap(project), nil
	}

	prompt := fmt.Sprintf(`Break the following project into an execution roadmap.

%s

Please respond with a JSON object that follows this exact structure:
{
  "phases": [
    {
      "name": "Phase name",
      "description": "What this phase achieves",
      "tasks": [
        {
          "name": "Task name",
          "sub_tasks": [{"name": "Optional sub-task name"}]
        }
      ]
    }
  ]
}

Guidelines:
- Create 3-6 phases in execution order
- Each phase should have 2-6 tasks
- Only add sub_tasks when a task clearly splits into smaller steps

Respond ONLY with valid JSON. Do not include any markdown formatting or explanations.`, projectContext(project))

	messages := conversation(history, "")
	messages = appendTurn(messages, string(models.RoleUser), prompt)

	text, err := c.completeWithRetry(ctx, "You are a senior project manager and technical lead.", messages)
	if err != nil {
		c.logger.Warn("roadmap generation failed", slog.String("project", project.ID), slog.String("error", err.Error()))
		return DefaultRoadmap(project), nil
	}
	rm, err := ParseRoadmap(text)
	if err != nil {
		c.logger.Warn("roadmap response unusable", slog.String("project", project.ID), slog.String("error", err.Error()))
		return DefaultRoadmap(project), nil
	}
	return rm, nil
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// completeWithRetry retries transport and API failures up to RetryCount attempts.
func (c *Client) completeWithRetry(ctx context.Context, system string, messages []apiMessage) (string, error) {
	attempts := c.cfg.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err := c.complete(ctx, system, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err
		c.logger.Debug("assistant attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		if attempt < attempts {
			if err := c.sleep(ctx, time.Duration(c.cfg.RetryDelaySeconds)*time.Second); err != nil {
				break
			}
		}
	}
	return "", fmt.Errorf("%w: failed after %d attempts: %w", storage.ErrGenerationUnavailable, attempts, lastErr)
}

func (c *Client) complete(ctx context.Context, system string, messages []apiMessage) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("no messages to send")
	}
	body, err := json.Marshal(apiRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    system,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode API response: %w", err)
	}
	var sb strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("empty response from API")
	}
	return sb.String(), nil
}

// conversation maps chat history onto API turns. The API requires the first
// turn to be the user's and roles to alternate, so leading assistant messages
// are dropped and consecutive turns of one role are merged. userMessage is
// appended unless history already ends with it.
func conversation(history []models.ChatMessage, userMessage string) []apiMessage {
	var out []apiMessage
	for _, m := range history {
		if len(out) == 0 && m.Role != models.RoleUser {
			continue
		}
		out = appendTurn(out, string(m.Role), m.Content)
	}
	if userMessage = strings.TrimSpace(userMessage); userMessage != "" {
		last := len(history) - 1
		if last < 0 || history[last].Role != models.RoleUser || strings.TrimSpace(history[last].Content) != userMessage {
			out = appendTurn(out, string(models.RoleUser), userMessage)
		}
	}
	return out
}

func appendTurn(turns []apiMessage, role, content string) []apiMessage {
	content = strings.TrimSpace(content)
	if content == "" {
		return turns
	}
	if n := len(turns); n > 0 && turns[n-1].Role == role {
		turns[n-1].Content += "\n\n" + content
		return turns
	}
	return append(turns, apiMessage{Role: role, Content: content})
}

func projectContext(p models.Project) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n", p.Name)
	if d := strings.TrimSpace(p.Description); d != "" {
		fmt.Fprintf(&sb, "Description: %s\n", d)
	}
	if len(p.TechStack) > 0 {
		fmt.Fprintf(&sb, "Tech stack: %s\n", strings.Join(p.TechStack, ", "))
	}
	if p.TargetDate != nil {
		fmt.Fprintf(&sb, "Target date: %s\n", p.TargetDate.Format("2006-01-02"))
	}
	return sb.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
