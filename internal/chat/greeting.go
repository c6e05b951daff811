package chat

import (
	"fmt"
	"strings"

	"taskpilot/internal/models"
	"taskpilot/internal/readiness"
)

// GreetingMarker tags the synthesized first assistant message of a log.
const GreetingMarker = "bootstrap-greeting"

// Greeting composes the opening assistant message for a project. A project
// missing required details gets a targeted question about the first missing
// one; a fully described project gets an open invitation.
func Greeting(p models.Project) string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "your project"
	}

	missing := readiness.MissingDetails(p)
	if len(missing) > 0 {
		return fmt.Sprintf("Hi! I'm here to help you plan %s. Before I can put together a solid roadmap I still need the project's %s. %s",
			name, joinList(missing), question(missing[0]))
	}

	return fmt.Sprintf("Hi! %s looks well described: %s, built with %s, targeting %s. "+
		"Tell me anything else about your goals or constraints, or generate a roadmap whenever you're ready.",
		name, strings.TrimSpace(p.Description), strings.Join(p.TechStack, ", "), p.TargetDate.Format("January 2, 2006"))
}

func question(detail string) string {
	switch detail {
	case readiness.DetailDescription:
		return "What is the project about, and who is it for?"
	case readiness.DetailTechStack:
		return "Which languages, frameworks or services do you plan to use?"
	case readiness.DetailTargetDate:
		return "When would you like to have it finished?"
	default:
		return "Could you tell me more?"
	}
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

// dedupeGreetings keeps only the earliest greeting. Duplicates appear when two
// sessions bootstrap the same empty log at once.
func dedupeGreetings(msgs []models.ChatMessage) []models.ChatMessage {
	keep := -1
	for i, m := range msgs {
		if m.Marker != GreetingMarker {
			continue
		}
		if keep < 0 || m.CreatedAt.Before(msgs[keep].CreatedAt) {
			keep = i
		}
	}
	out := make([]models.ChatMessage, 0, len(msgs))
	for i, m := range msgs {
		if m.Marker == GreetingMarker && i != keep {
			continue
		}
		out = append(out, m)
	}
	return out
}
