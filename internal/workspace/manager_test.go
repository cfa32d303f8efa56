package workspace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
)

// fakeGit records invocations and answers from a canned response table.
type fakeGit struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func newFakeGit() *fakeGit {
	return &fakeGit{responses: make(map[string]fakeResponse)}
}

func (f *fakeGit) set(cmd, out string, err error) {
	f.responses[cmd] = fakeResponse{out: out, err: err}
}

func (f *fakeGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	if resp, ok := f.responses[cmd]; ok {
		return resp.out, resp.err
	}
	return "", nil
}

func (f *fakeGit) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T) (*Manager, *fakeGit) {
	t.Helper()
	git := newFakeGit()
	git.set("version", "git version 2.39.5", nil)
	m := NewManager(".isolated", logger.Default())
	m.git = git.run
	return m, git
}

func TestBranchNameSlug(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Fix the API", "task/fix-the-api"},
		{"refactor_worker pool!", "task/refactor-worker-pool"},
		{"simple", "task/simple"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BranchName(tt.name))
	}
}

func TestProvisionCreatesWorktreeOnNewBranch(t *testing.T) {
	m, git := newTestManager(t)
	git.set("rev-parse --verify --quiet refs/heads/task/fix-it", "", fmt.Errorf("not found"))

	path, err := m.Provision(context.Background(), "fix-it", "/repo", "main", "")
	require.NoError(t, err)
	assert.Equal(t, "/repo/.isolated/fix-it", path)
	assert.True(t, git.called("worktree add -b task/fix-it"))
}

func TestProvisionReusesExistingBranch(t *testing.T) {
	m, git := newTestManager(t)
	// rev-parse succeeds, so the branch exists and -b must not be passed.
	path, err := m.Provision(context.Background(), "fix-it", "/repo", "main", "feat")
	require.NoError(t, err)
	assert.Equal(t, "/repo/.isolated/fix-it", path)
	assert.True(t, git.called("worktree add /repo/.isolated/fix-it feat"))
}

func TestProvisionRejectsClaimedBranch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Provision(ctx, "first", "/repo", "main", "feat")
	require.NoError(t, err)

	_, err = m.Provision(ctx, "second", "/repo", "main", "feat")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBranchInUse))
}

func TestProvisionDetectsCheckedOutBranch(t *testing.T) {
	m, git := newTestManager(t)
	git.set("worktree add /repo/.isolated/t feat",
		"fatal: 'feat' is already checked out at '/elsewhere'",
		fmt.Errorf("exit status 128"))

	_, err := m.Provision(context.Background(), "t", "/repo", "main", "feat")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBranchInUse))
}

func TestProvisionFallsBackWithoutWorktreeSupport(t *testing.T) {
	m, git := newTestManager(t)
	git.set("version", "git version 2.4.0", nil)

	path, err := m.Provision(context.Background(), "old-git", "/repo", "main", "")
	require.NoError(t, err)
	assert.Equal(t, "/repo", path)
	assert.False(t, git.called("worktree add"))
}

func TestReclaimCommitsAndRemoves(t *testing.T) {
	m, git := newTestManager(t)
	git.set("status --porcelain", " M file.go\n", nil)
	git.set("symbolic-ref --short refs/remotes/origin/HEAD", "origin/main", nil)

	task := &models.Task{
		Name: "t", RootPath: "/repo", Branch: "task/t",
		WorktreePath: "/repo/.isolated/t",
	}
	require.NoError(t, m.Reclaim(context.Background(), task))
	assert.True(t, git.called("add -A"))
	assert.True(t, git.called("commit -m"))
	assert.True(t, git.called("worktree remove --force /repo/.isolated/t"))
	assert.True(t, git.called("branch -D task/t"))
}

func TestReclaimSkipsCommitWhenClean(t *testing.T) {
	m, git := newTestManager(t)
	git.set("status --porcelain", "", nil)
	git.set("symbolic-ref --short refs/remotes/origin/HEAD", "origin/main", nil)

	task := &models.Task{
		Name: "t", RootPath: "/repo", Branch: "task/t",
		WorktreePath: "/repo/.isolated/t",
	}
	require.NoError(t, m.Reclaim(context.Background(), task))
	assert.False(t, git.called("commit"))
	assert.True(t, git.called("worktree remove --force /repo/.isolated/t"))
}

func TestReclaimBlockedOnCommitFailure(t *testing.T) {
	m, git := newTestManager(t)
	git.set("status --porcelain", " M file.go\n", nil)
	git.set("add -A", "error: unable to index", fmt.Errorf("exit status 1"))

	task := &models.Task{
		Name: "t", RootPath: "/repo", Branch: "task/t",
		WorktreePath: "/repo/.isolated/t",
	}
	err := m.Reclaim(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeReclaimBlocked))
	// Workspace must stay intact on a blocked reclaim.
	assert.False(t, git.called("worktree remove"))
}

func TestReclaimKeepsDefaultBranch(t *testing.T) {
	m, git := newTestManager(t)
	git.set("status --porcelain", "", nil)
	git.set("symbolic-ref --short refs/remotes/origin/HEAD", "origin/main", nil)

	task := &models.Task{
		Name: "t", RootPath: "/repo", Branch: "main",
		WorktreePath: "/repo/.isolated/t",
	}
	require.NoError(t, m.Reclaim(context.Background(), task))
	assert.False(t, git.called("branch -D"))
}

func TestReclaimFreesClaimForReuse(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Provision(ctx, "t", "/repo", "main", "feat")
	require.NoError(t, err)

	task := &models.Task{
		Name: "t", RootPath: "/repo", Branch: "feat",
		WorktreePath: "/repo/.isolated/t",
	}
	require.NoError(t, m.Reclaim(ctx, task))

	_, err = m.Provision(ctx, "t2", "/repo", "main", "feat")
	require.NoError(t, err)
}

func TestMultiProvisionOnlyWritableProjects(t *testing.T) {
	m, git := newTestManager(t)
	ctx := context.Background()

	projects := []models.ProjectRef{
		{Name: "api", Path: "/repos/api", Access: models.AccessWrite},
		{Name: "docs", Path: "/repos/docs", Access: models.AccessRead},
	}
	result, err := m.MultiProvision(ctx, "multi", "main", projects)
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "/repos/api/.isolated/multi", result[0].WorktreePath)
	assert.Equal(t, "/repos/docs", result[1].WorktreePath)
	assert.True(t, git.called("worktree add"))
}
