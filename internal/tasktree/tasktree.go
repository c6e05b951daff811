// Package tasktree holds the pure operations over a roadmap's phase/task/sub-task
// tree. Nothing here performs I/O; callers pass the timestamp used for completion.
package tasktree

import (
	"time"

	"taskpilot/internal/models"
)

// Toggle describes a single completion change requested by a user.
type Toggle struct {
	PhaseID      string `json:"phase_id"`
	TaskID       string `json:"task_id"`
	Completed    bool   `json:"completed"`
	SubTask      bool   `json:"sub_task"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
}

// Invert returns the toggle that undoes t.
func (t Toggle) Invert() Toggle {
	t.Completed = !t.Completed
	return t
}

// Apply dispatches t to ToggleTask or ToggleSubTask.
func Apply(r models.Roadmap, t Toggle, at time.Time) models.Roadmap {
	if t.SubTask {
		return ToggleSubTask(r, t.PhaseID, t.ParentTaskID, t.TaskID, t.Completed, at)
	}
	return ToggleTask(r, t.PhaseID, t.TaskID, t.Completed, at)
}

// ToggleTask sets the completion of a direct child task of a phase. Tasks that
// own sub-tasks are derived and are left untouched, as are unknown ids.
func ToggleTask(r models.Roadmap, phaseID, taskID string, completed bool, at time.Time) models.Roadmap {
	out := Clone(r)
	pi := phaseIndex(out, phaseID)
	if pi < 0 {
		return out
	}
	ti := taskIndex(out.Phases[pi].Tasks, taskID)
	if ti < 0 {
		return out
	}
	task := &out.Phases[pi].Tasks[ti]
	if task.HasSubTasks() {
		return out
	}
	setCompleted(task, completed, at)
	return out
}

// ToggleSubTask sets the completion of a sub-task and rolls the result up into
// its parent task. Rollup stops at the parent: phases carry no completion flag.
func ToggleSubTask(r models.Roadmap, phaseID, parentTaskID, subTaskID string, completed bool, at time.Time) models.Roadmap {
	out := Clone(r)
	pi := phaseIndex(out, phaseID)
	if pi < 0 {
		return out
	}
	ti := taskIndex(out.Phases[pi].Tasks, parentTaskID)
	if ti < 0 {
		return out
	}
	parent := &out.Phases[pi].Tasks[ti]
	si := taskIndex(parent.SubTasks, subTaskID)
	if si < 0 {
		return out
	}
	setCompleted(&parent.SubTasks[si], completed, at)
	*parent = Rollup(*parent, at)
	return out
}

// Revert undoes t on cur using the addressed nodes of prev, the tree t was
// applied to. Other changes made to cur since are kept, and timestamps that
// existed in prev come back unchanged.
func Revert(cur, prev models.Roadmap, t Toggle, at time.Time) models.Roadmap {
	out := Clone(cur)
	pi := phaseIndex(out, t.PhaseID)
	ppi := phaseIndex(prev, t.PhaseID)
	if pi < 0 || ppi < 0 {
		return out
	}
	key := t.TaskID
	if t.SubTask {
		key = t.ParentTaskID
	}
	ti := taskIndex(out.Phases[pi].Tasks, key)
	pti := taskIndex(prev.Phases[ppi].Tasks, key)
	if ti < 0 || pti < 0 {
		return out
	}
	before := cloneTasks(prev.Phases[ppi].Tasks[pti : pti+1])[0]
	if !t.SubTask {
		out.Phases[pi].Tasks[ti] = before
		return out
	}

	parent := &out.Phases[pi].Tasks[ti]
	si := taskIndex(parent.SubTasks, t.TaskID)
	psi := taskIndex(before.SubTasks, t.TaskID)
	if si < 0 || psi < 0 {
		return out
	}
	parent.SubTasks[si] = before.SubTasks[psi]
	rolled := Rollup(*parent, at)
	if rolled.Completed == before.Completed {
		rolled.CompletedAt = before.CompletedAt
	}
	*parent = rolled
	return out
}

// Rollup derives a parent task's completion from its direct sub-tasks. A task
// without sub-tasks is returned unchanged.
func Rollup(t models.Task, at time.Time) models.Task {
	if !t.HasSubTasks() {
		return t
	}
	all := true
	for _, st := range t.SubTasks {
		if !st.Completed {
			all = false
			break
		}
	}
	setCompleted(&t, all, at)
	return t
}

// Normalize restores the completion invariants across the whole tree: every
// CompletedAt matches its flag and every parent reflects its sub-tasks.
func Normalize(r models.Roadmap, at time.Time) models.Roadmap {
	out := Clone(r)
	for pi := range out.Phases {
		tasks := out.Phases[pi].Tasks
		for ti := range tasks {
			for si := range tasks[ti].SubTasks {
				st := &tasks[ti].SubTasks[si]
				setCompleted(st, st.Completed, at)
			}
			setCompleted(&tasks[ti], tasks[ti].Completed, at)
			tasks[ti] = Rollup(tasks[ti], at)
		}
	}
	return out
}

// Find returns the task addressed by t, if any.
func Find(r models.Roadmap, t Toggle) (models.Task, bool) {
	pi := phaseIndex(r, t.PhaseID)
	if pi < 0 {
		return models.Task{}, false
	}
	tasks := r.Phases[pi].Tasks
	if !t.SubTask {
		ti := taskIndex(tasks, t.TaskID)
		if ti < 0 {
			return models.Task{}, false
		}
		return tasks[ti], true
	}
	ti := taskIndex(tasks, t.ParentTaskID)
	if ti < 0 {
		return models.Task{}, false
	}
	si := taskIndex(tasks[ti].SubTasks, t.TaskID)
	if si < 0 {
		return models.Task{}, false
	}
	return tasks[ti].SubTasks[si], true
}

// Clone deep-copies a roadmap so the result shares no slices or timestamps
// with the input.
func Clone(r models.Roadmap) models.Roadmap {
	out := r
	if r.Phases == nil {
		return out
	}
	out.Phases = make([]models.Phase, len(r.Phases))
	for i, p := range r.Phases {
		out.Phases[i] = p
		out.Phases[i].Tasks = cloneTasks(p.Tasks)
	}
	return out
}

func cloneTasks(tasks []models.Task) []models.Task {
	if tasks == nil {
		return nil
	}
	out := make([]models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t
		if t.CompletedAt != nil {
			ts := *t.CompletedAt
			out[i].CompletedAt = &ts
		}
		out[i].SubTasks = cloneTasks(t.SubTasks)
	}
	return out
}

// setCompleted keeps the original timestamp when the flag does not change.
func setCompleted(t *models.Task, completed bool, at time.Time) {
	if !completed {
		t.Completed = false
		t.CompletedAt = nil
		return
	}
	if t.Completed && t.CompletedAt != nil {
		return
	}
	ts := at.UTC()
	t.Completed = true
	t.CompletedAt = &ts
}

func phaseIndex(r models.Roadmap, id string) int {
	for i := range r.Phases {
		if r.Phases[i].ID == id {
			return i
		}
	}
	return -1
}

func taskIndex(tasks []models.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}
