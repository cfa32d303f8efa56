package executor

import (
	"strings"

	"github.com/taskloop/taskloop/internal/task/models"
)

// workdirNotice is the abstract workspace reference for the assistant.
// The absolute worktree path must never appear in a prompt: with it the
// assistant could address the main tree directly and break isolation.
const workdirNotice = "Working directory: current directory (isolated branch)"

// BuildInitialPrompt assembles the first user turn: the task
// description, one paragraph per attached project, the task-level
// context and the abstract workspace reference. Subsequent turns are
// just the next-user-turn text; the assistant holds the rest in its
// session.
func BuildInitialPrompt(task *models.Task) string {
	sections := []string{strings.TrimSpace(task.Description)}

	if len(task.Projects) > 0 {
		blocks := make([]string, 0, len(task.Projects))
		for _, p := range task.Projects {
			var b strings.Builder
			b.WriteString("Project: ")
			b.WriteString(p.Name)
			b.WriteString("\nPath: ")
			b.WriteString(p.Path)
			b.WriteString("\nAccess: ")
			b.WriteString(string(p.Access))
			if p.Context != "" {
				b.WriteString("\n")
				b.WriteString(p.Context)
			}
			blocks = append(blocks, b.String())
		}
		sections = append(sections, strings.Join(blocks, "\n---\n"))
	}

	if task.ProjectContext != "" {
		sections = append(sections, task.ProjectContext)
	}

	sections = append(sections, workdirNotice)
	return strings.Join(sections, "\n\n")
}
