// Package progress derives completion figures from a roadmap.
//
// Only leaves are counted: a task without sub-tasks, or a sub-task. A parent
// task's own flag is derived from its sub-tasks and never counted, so each
// unit of work contributes exactly once.
package progress

import (
	"math"
	"sort"
	"time"

	"taskpilot/internal/models"
)

// RecentLimit caps the number of completion events in a report.
const RecentLimit = 5

// Status summarises a phase's completion.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// PhaseProgress is the per-phase rollup.
type PhaseProgress struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Progress        int    `json:"progress"`
	Status          Status `json:"status"`
	CompletedLeaves int    `json:"completed_leaves"`
	TotalLeaves     int    `json:"total_leaves"`
}

// Completion is one completed leaf in the recency feed.
type Completion struct {
	PhaseName   string     `json:"phase_name"`
	ParentName  string     `json:"parent_name,omitempty"`
	TaskName    string     `json:"task_name"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Milestone marks whether a whole phase is done.
type Milestone struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// Report is the full derived view of a roadmap.
type Report struct {
	Overall           int             `json:"overall"`
	CompletedLeaves   int             `json:"completed_leaves"`
	TotalLeaves       int             `json:"total_leaves"`
	Phases            []PhaseProgress `json:"phases"`
	RecentCompletions []Completion    `json:"recent_completions"`
	Milestones        []Milestone     `json:"milestones"`
}

// Compute derives a Report. A nil roadmap yields an empty report.
func Compute(r *models.Roadmap) Report {
	report := Report{
		Phases:            []PhaseProgress{},
		RecentCompletions: []Completion{},
		Milestones:        []Milestone{},
	}
	if r == nil {
		return report
	}

	var events []Completion
	for _, phase := range r.Phases {
		done, total := 0, 0
		for _, task := range phase.Tasks {
			if !task.HasSubTasks() {
				total++
				if task.Completed {
					done++
					events = append(events, Completion{PhaseName: phase.Name, TaskName: task.Name, CompletedAt: task.CompletedAt})
				}
				continue
			}
			for _, st := range task.SubTasks {
				total++
				if st.Completed {
					done++
					events = append(events, Completion{PhaseName: phase.Name, ParentName: task.Name, TaskName: st.Name, CompletedAt: st.CompletedAt})
				}
			}
		}

		pct := Percent(done, total)
		report.Phases = append(report.Phases, PhaseProgress{
			ID:              phase.ID,
			Name:            phase.Name,
			Progress:        pct,
			Status:          statusFor(pct),
			CompletedLeaves: done,
			TotalLeaves:     total,
		})
		report.Milestones = append(report.Milestones, Milestone{
			Name:      phase.Name + " Complete",
			Completed: statusFor(pct) == StatusCompleted,
		})
		report.CompletedLeaves += done
		report.TotalLeaves += total
	}

	report.Overall = Percent(report.CompletedLeaves, report.TotalLeaves)
	report.RecentCompletions = mostRecent(events, RecentLimit)
	return report
}

// Percent rounds done/total to a whole percentage. 100 is reserved for a fully
// completed set and 0 for an untouched one, so rounding never overstates or
// hides progress. An empty set is 0.
func Percent(done, total int) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	pct := int(math.Round(100 * float64(done) / float64(total)))
	switch {
	case pct >= 100:
		return 99
	case pct <= 0:
		return 1
	}
	return pct
}

func statusFor(pct int) Status {
	switch {
	case pct >= 100:
		return StatusCompleted
	case pct > 0:
		return StatusInProgress
	}
	return StatusPending
}

// mostRecent orders events newest first; undated events sort last and ties
// keep enumeration order.
func mostRecent(events []Completion, limit int) []Completion {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].CompletedAt, events[j].CompletedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	out := make([]Completion, len(events))
	copy(out, events)
	return out
}
