package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskloop/taskloop/internal/task/models"
)

func TestBuildInitialPromptSections(t *testing.T) {
	task := &models.Task{
		Description:    "Add a /health endpoint",
		ProjectContext: "The service is deployed behind nginx.",
		Projects: []models.ProjectRef{
			{Name: "api", Path: "services/api", Access: models.AccessWrite, Context: "Gin handlers live in internal/http."},
			{Name: "docs", Path: "docs", Access: models.AccessRead},
		},
		WorktreePath: "/var/lib/taskloop/worktrees/add-health",
	}

	prompt := BuildInitialPrompt(task)

	assert.True(t, strings.HasPrefix(prompt, "Add a /health endpoint"))
	assert.Contains(t, prompt, "Project: api\nPath: services/api\nAccess: write\nGin handlers live in internal/http.")
	assert.Contains(t, prompt, "Project: docs\nPath: docs\nAccess: read")
	assert.Contains(t, prompt, "\n---\n")
	assert.Contains(t, prompt, "The service is deployed behind nginx.")
	assert.True(t, strings.HasSuffix(prompt, "Working directory: current directory (isolated branch)"))

	// The absolute worktree path never leaks into a prompt.
	assert.NotContains(t, prompt, task.WorktreePath)
}

func TestBuildInitialPromptNoProjects(t *testing.T) {
	task := &models.Task{Description: "Rename the module"}
	prompt := BuildInitialPrompt(task)
	assert.Equal(t, "Rename the module\n\nWorking directory: current directory (isolated branch)", prompt)
}

func TestExtractSummaryHeadedSection(t *testing.T) {
	text := "I refactored the loop.\n\n## Summary\nMoved retry logic into the store layer.\n\n## Next steps\nNone."
	assert.Equal(t, "Moved retry logic into the store layer.", ExtractSummary(text))
}

func TestExtractSummaryInlineLabel(t *testing.T) {
	assert.Equal(t, "all handlers ported", ExtractSummary("Summary: all handlers ported"))
}

func TestExtractSummaryFallbackPrefix(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := ExtractSummary(long)
	assert.Len(t, got, 300)
}

func TestExtractSummaryEmpty(t *testing.T) {
	assert.Equal(t, "", ExtractSummary("   \n"))
}
