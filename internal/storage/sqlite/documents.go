package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/models"
	"taskpilot/internal/storage"
)

// messageOrderIndex backs the ordered message query. Ordered reads fail when
// it is missing, which callers treat as a cue to fall back to an unordered read.
const messageOrderIndex = "idx_messages_project_created"

// GetRoadmap returns the roadmap document of a project, or nil when none exists.
func (s *Store) GetRoadmap(ctx context.Context, projectID string) (*models.Roadmap, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM roadmaps WHERE project_id = ?`, projectID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get roadmap: %w", err)
	}

	var rm models.Roadmap
	if err := json.Unmarshal([]byte(body), &rm); err != nil {
		return nil, fmt.Errorf("decode roadmap: %w", err)
	}
	return &rm, nil
}

// PutRoadmap replaces the whole roadmap document of a project.
func (s *Store) PutRoadmap(ctx context.Context, projectID string, rm models.Roadmap) error {
	body, err := json.Marshal(rm)
	if err != nil {
		return storage.NewWriteError("encode roadmap", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO roadmaps(project_id, body, created_at, updated_at) VALUES(?, ?, ?, ?)
        ON CONFLICT(project_id) DO UPDATE SET body = excluded.body, created_at = excluded.created_at, updated_at = excluded.updated_at`,
		projectID, string(body), rm.CreatedAt.UTC().Format(timeLayout), rm.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return storage.NewWriteError("put roadmap", err)
	}

	s.logger.Debug("roadmap written", "project", projectID, "phases", len(rm.Phases))
	s.notify(models.CollectionRoadmaps, projectID)
	return nil
}

// AppendMessage adds a message to a project's log. The store assigns the id and
// the creation time; the stored copy is returned.
func (s *Store) AppendMessage(ctx context.Context, projectID string, msg models.ChatMessage) (models.ChatMessage, error) {
	if _, ok := models.ValidRoles[msg.Role]; !ok {
		return models.ChatMessage{}, fmt.Errorf("%w: message role %q", storage.ErrInvalid, msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: message content must not be empty", storage.ErrInvalid)
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now().UTC()

	// seq is assigned inside the insert so concurrent appends never share one.
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages(id, project_id, role, content, marker, created_at, seq)
        SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(seq), -1) + 1 FROM messages WHERE project_id = ?`,
		msg.ID, projectID, string(msg.Role), msg.Content, msg.Marker, msg.CreatedAt.Format(timeLayout), projectID)
	if err != nil {
		return models.ChatMessage{}, storage.NewWriteError("append message", err)
	}

	s.notify(models.CollectionMessages, projectID)
	return msg, nil
}

// ListMessages returns a project's log. Ordered reads go through the creation
// index; unordered reads carry no ordering guarantee.
func (s *Store) ListMessages(ctx context.Context, projectID string, ordered bool) ([]models.ChatMessage, error) {
	query := `SELECT id, role, content, marker, created_at FROM messages WHERE project_id = ?`
	if ordered {
		query = `SELECT id, role, content, marker, created_at FROM messages INDEXED BY ` + messageOrderIndex +
			` WHERE project_id = ? ORDER BY created_at ASC, seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		var (
			m       models.ChatMessage
			role    string
			created string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Marker, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		if m.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse message time: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
