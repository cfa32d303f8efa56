package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
)

// SQLite provides SQLite-backed task storage. JSON-valued fields are
// stored as TEXT blobs; Mutate uses an optimistic version column.
type SQLite struct {
	db  *sql.DB
	log *logger.Logger
}

// Ensure SQLite implements Store
var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) a SQLite store at the given path.
func NewSQLite(dbPath string, log *logger.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, log: log.WithFields(zap.String("component", "store.sqlite"))}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		owner TEXT DEFAULT '',
		description TEXT DEFAULT '',
		project_context TEXT DEFAULT '',
		projects TEXT DEFAULT '[]',
		root_path TEXT DEFAULT '',
		branch TEXT DEFAULT '',
		base_branch TEXT DEFAULT '',
		worktree_path TEXT DEFAULT '',
		assistant_session_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		subprocess_id INTEGER DEFAULT 0,
		immediate_processing_active INTEGER DEFAULT 0,
		chat_mode INTEGER DEFAULT 0,
		criteria_config TEXT DEFAULT '{}',
		total_tokens_used INTEGER DEFAULT 0,
		interaction_count INTEGER DEFAULT 0,
		user_input_queue TEXT DEFAULT '[]',
		user_input_pending INTEGER DEFAULT 0,
		summary TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT DEFAULT '',
		timestamp DATETIME NOT NULL,
		tools TEXT DEFAULT '[]',
		attachments TEXT DEFAULT '[]',
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		cache_creation_tokens INTEGER DEFAULT 0,
		cache_read_tokens INTEGER DEFAULT 0,
		cost REAL DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_task_id ON interactions(task_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const taskColumns = `id, name, owner, description, project_context, projects,
	root_path, branch, base_branch, worktree_path, assistant_session_id,
	status, subprocess_id, immediate_processing_active, chat_mode,
	criteria_config, total_tokens_used, interaction_count,
	user_input_queue, user_input_pending, summary, error_message,
	completed_at, created_at, updated_at, version`

// CreateTask inserts a task, rejecting duplicate names.
func (s *SQLite) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Version = 1

	projects, criteria, queue, err := marshalTaskBlobs(task)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Owner, task.Description, task.ProjectContext, projects,
		task.RootPath, task.Branch, task.BaseBranch, task.WorktreePath, task.AssistantSessionID,
		string(task.Status), task.SubprocessID, task.ImmediateProcessingActive, task.ChatMode,
		criteria, task.TotalTokensUsed, task.InteractionCount,
		queue, task.UserInputPending, task.Summary, task.ErrorMessage,
		task.CompletedAt, task.CreatedAt, task.UpdatedAt, task.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("task name already exists: " + task.Name)
		}
		return apperrors.StorageUnavailable(err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLite) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	return task, nil
}

// GetTaskByName retrieves a task by its unique name.
func (s *SQLite) GetTaskByName(ctx context.Context, name string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = ?`, name)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", name)
	}
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	return task, nil
}

// ListTasks returns all tasks ordered by creation time.
func (s *SQLite) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return s.listWhere(ctx, "", nil)
}

// ListActiveTasks returns tasks in an active status.
func (s *SQLite) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	return s.listWhere(ctx, `WHERE status IN (?, ?, ?, ?)`, []any{
		string(models.StatusPending), string(models.StatusRunning),
		string(models.StatusPaused), string(models.StatusTesting),
	})
}

func (s *SQLite) listWhere(ctx context.Context, where string, args []any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.StorageUnavailable(err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// DeleteTask deletes a task and, via cascade, its interactions.
func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return apperrors.StorageUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// Mutate reads the task, applies fn and writes back guarded by the
// version column. A version mismatch on write surfaces as a conflict.
func (s *SQLite) Mutate(ctx context.Context, id string, fn MutateFn) (*models.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	version := task.Version

	if err := fn(task); err != nil {
		return nil, err
	}

	projects, criteria, queue, err := marshalTaskBlobs(task)
	if err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()
	task.Version = version + 1

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			name = ?, owner = ?, description = ?, project_context = ?, projects = ?,
			root_path = ?, branch = ?, base_branch = ?, worktree_path = ?, assistant_session_id = ?,
			status = ?, subprocess_id = ?, immediate_processing_active = ?, chat_mode = ?,
			criteria_config = ?, interaction_count = ?,
			user_input_queue = ?, user_input_pending = ?, summary = ?, error_message = ?,
			completed_at = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?
	`, task.Name, task.Owner, task.Description, task.ProjectContext, projects,
		task.RootPath, task.Branch, task.BaseBranch, task.WorktreePath, task.AssistantSessionID,
		string(task.Status), task.SubprocessID, task.ImmediateProcessingActive, task.ChatMode,
		criteria, task.InteractionCount,
		queue, task.UserInputPending, task.Summary, task.ErrorMessage,
		task.CompletedAt, task.UpdatedAt, task.Version,
		id, version)
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.Conflict("task modified concurrently: " + id)
	}
	return task, nil
}

// AppendInteraction appends a turn to the conversation log. Write-only,
// never conflicts with task mutations.
func (s *SQLite) AppendInteraction(ctx context.Context, interaction *models.Interaction) (string, error) {
	if interaction.ID == "" {
		interaction.ID = uuid.New().String()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = time.Now().UTC()
	}
	tools, err := json.Marshal(interaction.Tools)
	if err != nil {
		tools = []byte("[]")
	}
	attachments, err := json.Marshal(interaction.Attachments)
	if err != nil {
		attachments = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, task_id, kind, content, timestamp, tools, attachments,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, interaction.ID, interaction.TaskID, string(interaction.Kind), interaction.Content,
		interaction.Timestamp, string(tools), string(attachments),
		interaction.InputTokens, interaction.OutputTokens,
		interaction.CacheCreationTokens, interaction.CacheReadTokens,
		interaction.Cost, interaction.DurationMs)
	if err != nil {
		return "", apperrors.StorageUnavailable(err)
	}
	return interaction.ID, nil
}

// ListInteractions returns the ordered conversation log for a task.
func (s *SQLite) ListInteractions(ctx context.Context, taskID string) ([]*models.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, content, timestamp, tools, attachments,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost, duration_ms
		FROM interactions WHERE task_id = ? ORDER BY timestamp, id
	`, taskID)
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var result []*models.Interaction
	for rows.Next() {
		it := &models.Interaction{}
		var kind, tools, attachments string
		if err := rows.Scan(&it.ID, &it.TaskID, &kind, &it.Content, &it.Timestamp,
			&tools, &attachments,
			&it.InputTokens, &it.OutputTokens, &it.CacheCreationTokens, &it.CacheReadTokens,
			&it.Cost, &it.DurationMs); err != nil {
			return nil, apperrors.StorageUnavailable(err)
		}
		it.Kind = models.InteractionKind(kind)
		if err := json.Unmarshal([]byte(tools), &it.Tools); err != nil {
			it.Tools = nil
		}
		if err := json.Unmarshal([]byte(attachments), &it.Attachments); err != nil {
			it.Attachments = nil
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

// DeleteInteractions removes all interactions for a task.
func (s *SQLite) DeleteInteractions(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE task_id = ?`, taskID)
	if err != nil {
		return apperrors.StorageUnavailable(err)
	}
	return nil
}

// IncrementTokens bumps the cumulative token counter without touching
// the version column, so it never conflicts with Mutate.
func (s *SQLite) IncrementTokens(ctx context.Context, taskID string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET total_tokens_used = total_tokens_used + ?, updated_at = ? WHERE id = ?
	`, delta, time.Now().UTC(), taskID)
	if err != nil {
		return apperrors.StorageUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", taskID)
	}
	return nil
}

func marshalTaskBlobs(task *models.Task) (projects, criteria, queue string, err error) {
	p, err := json.Marshal(task.Projects)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal projects: %w", err)
	}
	c, err := json.Marshal(task.CriteriaConfig)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal criteria_config: %w", err)
	}
	q, err := json.Marshal(task.UserInputQueue)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal user_input_queue: %w", err)
	}
	return string(p), string(c), string(q), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var status, projects, criteria, queue string
	var completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.Name, &task.Owner, &task.Description, &task.ProjectContext, &projects,
		&task.RootPath, &task.Branch, &task.BaseBranch, &task.WorktreePath, &task.AssistantSessionID,
		&status, &task.SubprocessID, &task.ImmediateProcessingActive, &task.ChatMode,
		&criteria, &task.TotalTokensUsed, &task.InteractionCount,
		&queue, &task.UserInputPending, &task.Summary, &task.ErrorMessage,
		&completedAt, &task.CreatedAt, &task.UpdatedAt, &task.Version)
	if err != nil {
		return nil, err
	}
	task.Status = models.Status(status)
	if completedAt.Valid {
		at := completedAt.Time
		task.CompletedAt = &at
	}
	if err := json.Unmarshal([]byte(projects), &task.Projects); err != nil {
		task.Projects = nil
	}
	if err := json.Unmarshal([]byte(criteria), &task.CriteriaConfig); err != nil {
		task.CriteriaConfig = models.CriteriaConfig{}
	}
	if err := json.Unmarshal([]byte(queue), &task.UserInputQueue); err != nil {
		task.UserInputQueue = nil
	}
	return task, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}
