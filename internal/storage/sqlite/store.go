package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"taskpilot/internal/models"
	"taskpilot/internal/storage"
)

const timeLayout = time.RFC3339Nano

// ChangeFunc is invoked after a committed write to a project's collection.
type ChangeFunc func(collection, projectID string)

// Option customizes Store construction.
type Option func(*Store)

// WithClock overrides the clock used for server-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store wraps access to the SQLite database and exposes the document operations
// the engine consumes: project records, roadmap documents and message logs.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []ChangeFunc
}

// Open initializes a new SQLite store and runs the required migrations.
func Open(dbPath string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("empty database path")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=ON", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{db: conn, logger: logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OnChange registers fn to run after every committed write.
func (s *Store) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify(collection, projectID string) {
	s.mu.RLock()
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(collection, projectID)
	}
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
            id TEXT PRIMARY KEY,
            owner_id TEXT NOT NULL DEFAULT '',
            name TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            tech_stack TEXT NOT NULL DEFAULT '[]',
            target_date TEXT,
            color TEXT NOT NULL DEFAULT '#2563eb',
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS roadmaps (
            project_id TEXT PRIMARY KEY,
            body TEXT NOT NULL,
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL,
            FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL,
            role TEXT NOT NULL,
            content TEXT NOT NULL,
            marker TEXT NOT NULL DEFAULT '',
            created_at TEXT NOT NULL,
            seq INTEGER NOT NULL,
            FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);`,
		`CREATE INDEX IF NOT EXISTS ` + messageOrderIndex + ` ON messages(project_id, created_at, seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_project_seq ON messages(project_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ListProjects retrieves projects ordered by creation date, optionally filtered by owner.
func (s *Store) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CreateProject persists a new project. Name is required; color defaults to a palette pick.
func (s *Store) CreateProject(ctx context.Context, p models.Project) (models.Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return models.Project{}, fmt.Errorf("%w: project name must not be empty", storage.ErrInvalid)
	}
	if p.Color == "" {
		p.Color = randomPaletteColor()
	}
	p.ID = uuid.NewString()
	now := s.stamp()

	stack, err := json.Marshal(cleanStack(p.TechStack))
	if err != nil {
		return models.Project{}, fmt.Errorf("encode tech stack: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO projects(id, owner_id, name, description, tech_stack, target_date, color, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, strings.TrimSpace(p.Description), string(stack), formatOptional(p.TargetDate), p.Color, now, now)
	if err != nil {
		return models.Project{}, storage.NewWriteError("insert project", err)
	}
	return s.GetProject(ctx, p.ID)
}

// GetProject fetches a single project by id.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, storage.ErrProjectNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// UpdateProject replaces the editable fields of an existing project.
func (s *Store) UpdateProject(ctx context.Context, p models.Project) (models.Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return models.Project{}, fmt.Errorf("%w: project name must not be empty", storage.ErrInvalid)
	}
	if p.Color == "" {
		p.Color = randomPaletteColor()
	}
	stack, err := json.Marshal(cleanStack(p.TechStack))
	if err != nil {
		return models.Project{}, fmt.Errorf("encode tech stack: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE projects SET name = ?, description = ?, tech_stack = ?, target_date = ?, color = ?, updated_at = ? WHERE id = ?`,
		p.Name, strings.TrimSpace(p.Description), string(stack), formatOptional(p.TargetDate), p.Color, s.stamp(), p.ID)
	if err != nil {
		return models.Project{}, storage.NewWriteError("update project", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Project{}, err
	}
	if affected == 0 {
		return models.Project{}, storage.ErrProjectNotFound
	}
	return s.GetProject(ctx, p.ID)
}

// DeleteProject removes a project along with its roadmap and messages.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return storage.NewWriteError("delete project", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrProjectNotFound
	}
	s.notify(models.CollectionRoadmaps, id)
	s.notify(models.CollectionMessages, id)
	return nil
}

const projectColumns = `id, owner_id, name, description, tech_stack, target_date, color, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (models.Project, error) {
	var (
		p                models.Project
		stack            string
		target           sql.NullString
		created, updated string
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &stack, &target, &p.Color, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Project{}, err
		}
		return models.Project{}, fmt.Errorf("scan project: %w", err)
	}
	if err := json.Unmarshal([]byte(stack), &p.TechStack); err != nil {
		return models.Project{}, fmt.Errorf("decode tech stack: %w", err)
	}
	if target.Valid && target.String != "" {
		ts, err := time.Parse(timeLayout, target.String)
		if err != nil {
			return models.Project{}, fmt.Errorf("parse target date: %w", err)
		}
		p.TargetDate = &ts
	}
	var err error
	if p.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return models.Project{}, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return models.Project{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return p, nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func formatOptional(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func cleanStack(stack []string) []string {
	out := []string{}
	for _, item := range stack {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func randomPaletteColor() string {
	palette := []string{
		"#2563eb", // blue-600
		"#7c3aed", // violet-600
		"#dc2626", // red-600
		"#059669", // green-600
		"#ea580c", // orange-600
		"#d97706", // amber-600
		"#0ea5e9", // sky-500
	}
	return palette[rand.Intn(len(palette))]
}
