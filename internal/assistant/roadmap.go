package assistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskpilot/internal/models"
)

type plannedTask struct {
	Name     string        `json:"name"`
	SubTasks []plannedTask `json:"sub_tasks"`
}

type plannedPhase struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Tasks       []plannedTask `json:"tasks"`
}

type plannedRoadmap struct {
	Phases []plannedPhase `json:"phases"`
}

// ParseRoadmap decodes a model response into a roadmap with positional ids
// and no completion state. Markdown code fences around the JSON are ignored.
func ParseRoadmap(text string) (models.Roadmap, error) {
	var planned plannedRoadmap
	if err := json.Unmarshal([]byte(stripFences(text)), &planned); err != nil {
		return models.Roadmap{}, fmt.Errorf("failed to parse roadmap JSON: %w", err)
	}
	rm := normalize(planned)
	if len(rm.Phases) == 0 {
		return models.Roadmap{}, errors.New("roadmap has no phases")
	}
	return rm, nil
}

// normalize assigns ids phase-N, task-N-M and task-N-M-K by position and
// drops entries without a name.
func normalize(planned plannedRoadmap) models.Roadmap {
	var rm models.Roadmap
	for _, pp := range planned.Phases {
		name := strings.TrimSpace(pp.Name)
		if name == "" {
			continue
		}
		n := len(rm.Phases) + 1
		phase := models.Phase{
			ID:          fmt.Sprintf("phase-%d", n),
			Name:        name,
			Description: strings.TrimSpace(pp.Description),
			Tasks:       []models.Task{},
		}
		for _, pt := range pp.Tasks {
			taskName := strings.TrimSpace(pt.Name)
			if taskName == "" {
				continue
			}
			m := len(phase.Tasks) + 1
			task := models.Task{ID: fmt.Sprintf("task-%d-%d", n, m), Name: taskName}
			for _, ps := range pt.SubTasks {
				subName := strings.TrimSpace(ps.Name)
				if subName == "" {
					continue
				}
				k := len(task.SubTasks) + 1
				task.SubTasks = append(task.SubTasks, models.Task{
					ID:   fmt.Sprintf("task-%d-%d-%d", n, m, k),
					Name: subName,
				})
			}
			phase.Tasks = append(phase.Tasks, task)
		}
		rm.Phases = append(rm.Phases, phase)
	}
	return rm
}

// DefaultRoadmap is the plan used when the model cannot be reached.
func DefaultRoadmap(project models.Project) models.Roadmap {
	build := plannedTask{Name: "Implement core features"}
	if len(project.TechStack) > 0 {
		build.SubTasks = []plannedTask{{Name: "Set up " + strings.Join(project.TechStack, ", ")}, {Name: "Build the first end-to-end flow"}}
	}
	return normalize(plannedRoadmap{Phases: []plannedPhase{
		{
			Name:        "Discovery",
			Description: "Pin down what " + project.Name + " must do",
			Tasks:       []plannedTask{{Name: "Define the problem and target users"}, {Name: "List must-have features"}},
		},
		{
			Name:        "Build",
			Description: "Deliver a working first version",
			Tasks:       []plannedTask{build, {Name: "Write tests for critical paths"}},
		},
		{
			Name:        "Launch",
			Description: "Ship and collect feedback",
			Tasks:       []plannedTask{{Name: "Deploy to production"}, {Name: "Gather feedback from first users"}},
		},
	}})
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
