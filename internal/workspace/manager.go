// Package workspace provisions and reclaims isolated per-task git
// worktrees so concurrent tasks on the same repository never collide.
package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
)

// gitRunner executes a git command in dir and returns combined output.
// Swappable in tests.
type gitRunner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Claim identifies an active checkout of (root, branch).
type claimKey struct {
	root   string
	branch string
}

// Manager creates and destroys isolated checkouts under
// <root>/<isolatedSubdir>/<task_name>/. It tracks in-process claims so
// two active tasks can never share a (root_path, branch) pair.
type Manager struct {
	isolatedSubdir string
	log            *logger.Logger
	git            gitRunner

	mu     sync.Mutex
	claims map[claimKey]string // -> task name
	// repoLocks serializes git operations per repository root.
	repoLocks map[string]*sync.Mutex
}

// NewManager creates a workspace manager. isolatedSubdir defaults to
// ".isolated" when empty.
func NewManager(isolatedSubdir string, log *logger.Logger) *Manager {
	if isolatedSubdir == "" {
		isolatedSubdir = ".isolated"
	}
	return &Manager{
		isolatedSubdir: isolatedSubdir,
		log:            log.WithFields(zap.String("component", "workspace")),
		git:            execGit,
		claims:         make(map[claimKey]string),
		repoLocks:      make(map[string]*sync.Mutex),
	}
}

func (m *Manager) repoLock(root string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.repoLocks[root]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[root] = lock
	}
	return lock
}

// BranchName returns the auto-generated branch for a task name.
func BranchName(taskName string) string {
	return "task/" + slugify(taskName)
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

// Provision creates an isolated working tree for the task inside
// rootPath, anchored to branch (auto-generated from the task name if
// empty). The branch is created from baseBranch when it does not exist.
// Returns the worktree path.
func (m *Manager) Provision(ctx context.Context, taskName, rootPath, baseBranch, branch string) (string, error) {
	if branch == "" {
		branch = BranchName(taskName)
	}

	key := claimKey{root: rootPath, branch: branch}
	m.mu.Lock()
	if owner, taken := m.claims[key]; taken && owner != taskName {
		m.mu.Unlock()
		return "", apperrors.BranchInUse(rootPath, branch)
	}
	m.claims[key] = taskName
	m.mu.Unlock()

	path, err := m.provisionLocked(ctx, taskName, rootPath, baseBranch, branch)
	if err != nil {
		m.mu.Lock()
		delete(m.claims, key)
		m.mu.Unlock()
		return "", err
	}
	return path, nil
}

func (m *Manager) provisionLocked(ctx context.Context, taskName, rootPath, baseBranch, branch string) (string, error) {
	lock := m.repoLock(rootPath)
	lock.Lock()
	defer lock.Unlock()

	if !m.supportsWorktrees(ctx, rootPath) {
		// Old git: fall back to the main checkout. The claim map above
		// already guarantees exclusivity per (root, branch).
		m.log.Warn("git too old for worktrees, reusing repository root",
			zap.String("root", rootPath), zap.String("task", taskName))
		return rootPath, nil
	}

	worktreePath := filepath.Join(rootPath, m.isolatedSubdir, taskName)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = m.addWorktree(ctx, rootPath, worktreePath, baseBranch, branch)
		if err == nil {
			return worktreePath, nil
		}
		if apperrors.HasCode(err, apperrors.ErrCodeBranchInUse) {
			return "", err
		}
		// Transient filesystem/VCS failure: prune stale state and retry once.
		_, _ = m.git(ctx, rootPath, "worktree", "prune")
	}
	return "", err
}

func (m *Manager) addWorktree(ctx context.Context, rootPath, worktreePath, baseBranch, branch string) error {
	// git worktree add creates intermediate directories itself.
	args := []string{"worktree", "add"}
	if m.branchExists(ctx, rootPath, branch) {
		args = append(args, worktreePath, branch)
	} else {
		args = append(args, "-b", branch, worktreePath)
		if baseBranch != "" {
			args = append(args, baseBranch)
		}
	}

	out, err := m.git(ctx, rootPath, args...)
	if err != nil {
		if strings.Contains(out, "already checked out") || strings.Contains(err.Error(), "already checked out") {
			return apperrors.BranchInUse(rootPath, branch)
		}
		return apperrors.InternalError("add worktree", err)
	}
	return nil
}

func (m *Manager) branchExists(ctx context.Context, rootPath, branch string) bool {
	_, err := m.git(ctx, rootPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// supportsWorktrees probes the git version; worktrees landed in 2.5.
func (m *Manager) supportsWorktrees(ctx context.Context, rootPath string) bool {
	out, err := m.git(ctx, rootPath, "version")
	if err != nil {
		return false
	}
	major, minor, ok := parseGitVersion(out)
	if !ok {
		return false
	}
	return major > 2 || (major == 2 && minor >= 5)
}

var gitVersionPattern = regexp.MustCompile(`git version (\d+)\.(\d+)`)

func parseGitVersion(out string) (major, minor int, ok bool) {
	match := gitVersionPattern.FindStringSubmatch(out)
	if match == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(match[1])
	minor, _ = strconv.Atoi(match[2])
	return major, minor, true
}

// Reclaim commits any pending changes in the task's worktree, then
// removes the worktree and deletes the branch. A failed commit leaves
// the workspace intact. The branch survives when it is the repository
// default or the commit did not land cleanly.
func (m *Manager) Reclaim(ctx context.Context, task *models.Task) error {
	defer func() {
		m.mu.Lock()
		delete(m.claims, claimKey{root: task.RootPath, branch: task.Branch})
		m.mu.Unlock()
	}()

	if task.WorktreePath == "" || task.WorktreePath == task.RootPath {
		return nil
	}

	lock := m.repoLock(task.RootPath)
	lock.Lock()
	defer lock.Unlock()

	committed, err := m.commitPending(ctx, task)
	if err != nil {
		return apperrors.ReclaimBlocked(task.WorktreePath, err)
	}

	if _, err := m.git(ctx, task.RootPath, "worktree", "remove", "--force", task.WorktreePath); err != nil {
		// Retry after pruning stale worktree metadata.
		_, _ = m.git(ctx, task.RootPath, "worktree", "prune")
		if _, err := m.git(ctx, task.RootPath, "worktree", "remove", "--force", task.WorktreePath); err != nil {
			return apperrors.ReclaimBlocked(task.WorktreePath, err)
		}
	}

	if committed && task.Branch != "" && task.Branch != m.defaultBranch(ctx, task.RootPath) {
		if _, err := m.git(ctx, task.RootPath, "branch", "-D", task.Branch); err != nil {
			m.log.Warn("could not delete task branch",
				zap.String("branch", task.Branch), zap.Error(err))
		}
	}
	return nil
}

// commitPending stages everything and commits when the working copy is
// dirty. Returns whether the tree ended clean (committed or nothing to
// commit).
func (m *Manager) commitPending(ctx context.Context, task *models.Task) (bool, error) {
	status, err := m.git(ctx, task.WorktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return true, nil
	}

	if _, err := m.git(ctx, task.WorktreePath, "add", "-A"); err != nil {
		return false, err
	}
	msg := fmt.Sprintf("Auto-commit pending changes for task %s", task.Name)
	if _, err := m.git(ctx, task.WorktreePath, "commit", "-m", msg); err != nil {
		return false, err
	}
	return true, nil
}

// ProvisionedProject is the result of provisioning one project entry.
type ProvisionedProject struct {
	Ref          models.ProjectRef
	WorktreePath string
}

// MultiProvision provisions isolated checkouts for every write-access
// project in parallel; read-only projects are referenced in place.
func (m *Manager) MultiProvision(ctx context.Context, taskName, baseBranch string, projects []models.ProjectRef) ([]ProvisionedProject, error) {
	result := make([]ProvisionedProject, len(projects))

	g, ctx := errgroup.WithContext(ctx)
	for i, ref := range projects {
		i, ref := i, ref
		result[i] = ProvisionedProject{Ref: ref, WorktreePath: ref.Path}
		if ref.Access != models.AccessWrite {
			continue
		}
		g.Go(func() error {
			path, err := m.Provision(ctx, taskName, ref.Path, baseBranch, "")
			if err != nil {
				return err
			}
			result[i].WorktreePath = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// No partial state: release everything provisioned so far.
		for _, p := range result {
			if p.Ref.Access == models.AccessWrite && p.WorktreePath != p.Ref.Path {
				m.ReleaseClaim(p.Ref.Path, BranchName(taskName))
			}
		}
		return nil, err
	}
	return result, nil
}

// ReleaseClaim drops an in-process claim without touching the filesystem.
// Used when task creation fails after provisioning.
func (m *Manager) ReleaseClaim(rootPath, branch string) {
	m.mu.Lock()
	delete(m.claims, claimKey{root: rootPath, branch: branch})
	m.mu.Unlock()
}

// CurrentBranch probes the repository for its checked-out branch.
func (m *Manager) CurrentBranch(ctx context.Context, rootPath string) (string, error) {
	out, err := m.git(ctx, rootPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", apperrors.InternalError("probe current branch", err)
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) defaultBranch(ctx context.Context, rootPath string) string {
	out, err := m.git(ctx, rootPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/")
	}
	branch, err := m.CurrentBranch(ctx, rootPath)
	if err != nil {
		return "main"
	}
	return branch
}
