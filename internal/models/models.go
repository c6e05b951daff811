package models

import "time"

// Collections name the document groups the store pushes snapshots for.
const (
	CollectionRoadmaps = "roadmaps"
	CollectionMessages = "messages"
)

// Project describes a user's project that owns at most one roadmap and one chat log.
type Project struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	TechStack   []string   `json:"tech_stack"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
	Color       string     `json:"color"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Task is a unit of work inside a phase. A task with sub-tasks derives its
// completion from them; CompletedAt is set exactly when Completed is true.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SubTasks    []Task     `json:"sub_tasks,omitempty"`
}

// HasSubTasks reports whether the task's completion is derived.
func (t Task) HasSubTasks() bool {
	return len(t.SubTasks) > 0
}

// Phase groups tasks. Phase order is fixed at creation.
type Phase struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Tasks       []Task `json:"tasks"`
}

// Roadmap is the task tree owned by a single project.
type Roadmap struct {
	Phases    []Phase   `json:"phases"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is an immutable entry of a project's chat log.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Marker    string    `json:"marker,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidRoles enumerates the roles accepted by the message log.
var ValidRoles = map[Role]struct{}{
	RoleUser:      {},
	RoleAssistant: {},
}
