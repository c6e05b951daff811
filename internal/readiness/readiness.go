// Package readiness decides whether a project has enough context for roadmap generation.
package readiness

import (
	"strings"

	"taskpilot/internal/models"
)

// Project detail names reported by MissingDetails.
const (
	DetailDescription = "description"
	DetailTechStack   = "tech stack"
	DetailTargetDate  = "target date"
)

// MissingDetails lists the required project fields that are not set, in a
// stable order.
func MissingDetails(p models.Project) []string {
	var missing []string
	if strings.TrimSpace(p.Description) == "" {
		missing = append(missing, DetailDescription)
	}
	if !hasTechStack(p.TechStack) {
		missing = append(missing, DetailTechStack)
	}
	if p.TargetDate == nil || p.TargetDate.IsZero() {
		missing = append(missing, DetailTargetDate)
	}
	return missing
}

// HasAllDetails reports whether description, tech stack and target date are all set.
func HasAllDetails(p models.Project) bool {
	return len(MissingDetails(p)) == 0
}

// CanGenerate allows generation once the project is fully described or the
// user has said anything in chat.
func CanGenerate(p models.Project, messages []models.ChatMessage) bool {
	return HasAllDetails(p) || UserMessageCount(messages) > 0
}

// UserMessageCount counts user-authored messages.
func UserMessageCount(messages []models.ChatMessage) int {
	n := 0
	for _, m := range messages {
		if m.Role == models.RoleUser {
			n++
		}
	}
	return n
}

func hasTechStack(stack []string) bool {
	for _, s := range stack {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}
