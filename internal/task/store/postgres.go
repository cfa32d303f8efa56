package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
)

// Postgres provides PostgreSQL-backed task storage via pgxpool. Schema
// mirrors the sqlite backend with JSONB for the blob columns.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// Ensure Postgres implements Store
var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string, log *logger.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p := &Postgres{pool: pool, log: log.WithFields(zap.String("component", "store.postgres"))}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		owner TEXT DEFAULT '',
		description TEXT DEFAULT '',
		project_context TEXT DEFAULT '',
		projects JSONB DEFAULT '[]',
		root_path TEXT DEFAULT '',
		branch TEXT DEFAULT '',
		base_branch TEXT DEFAULT '',
		worktree_path TEXT DEFAULT '',
		assistant_session_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		subprocess_id INTEGER DEFAULT 0,
		immediate_processing_active BOOLEAN DEFAULT FALSE,
		chat_mode BOOLEAN DEFAULT FALSE,
		criteria_config JSONB DEFAULT '{}',
		total_tokens_used INTEGER DEFAULT 0,
		interaction_count INTEGER DEFAULT 0,
		user_input_queue JSONB DEFAULT '[]',
		user_input_pending BOOLEAN DEFAULT FALSE,
		summary TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		content TEXT DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL,
		tools JSONB DEFAULT '[]',
		attachments JSONB DEFAULT '[]',
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		cache_creation_tokens INTEGER DEFAULT 0,
		cache_read_tokens INTEGER DEFAULT 0,
		cost DOUBLE PRECISION DEFAULT 0,
		duration_ms BIGINT DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_task_id ON interactions(task_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`

	_, err := p.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// CreateTask inserts a task, rejecting duplicate names.
func (p *Postgres) CreateTask(ctx context.Context, task *models.Task) error {
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

	_, err = p.pool.Exec(ctx, `
		INSERT INTO tasks (id, name, owner, description, project_context, projects,
			root_path, branch, base_branch, worktree_path, assistant_session_id,
			status, subprocess_id, immediate_processing_active, chat_mode,
			criteria_config, total_tokens_used, interaction_count,
			user_input_queue, user_input_pending, summary, error_message,
			completed_at, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`, task.ID, task.Name, task.Owner, task.Description, task.ProjectContext, projects,
		task.RootPath, task.Branch, task.BaseBranch, task.WorktreePath, task.AssistantSessionID,
		string(task.Status), task.SubprocessID, task.ImmediateProcessingActive, task.ChatMode,
		criteria, task.TotalTokensUsed, task.InteractionCount,
		queue, task.UserInputPending, task.Summary, task.ErrorMessage,
		task.CompletedAt, task.CreatedAt, task.UpdatedAt, task.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.Conflict("task name already exists: " + task.Name)
		}
		return apperrors.StorageUnavailable(err)
	}
	return nil
}

const pgTaskSelect = `SELECT id, name, owner, description, project_context, projects,
	root_path, branch, base_branch, worktree_path, assistant_session_id,
	status, subprocess_id, immediate_processing_active, chat_mode,
	criteria_config, total_tokens_used, interaction_count,
	user_input_queue, user_input_pending, summary, error_message,
	completed_at, created_at, updated_at, version FROM tasks`

// GetTask retrieves a task by ID.
func (p *Postgres) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := p.pool.QueryRow(ctx, pgTaskSelect+` WHERE id = $1`, id)
	task, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	return task, nil
}

// GetTaskByName retrieves a task by its unique name.
func (p *Postgres) GetTaskByName(ctx context.Context, name string) (*models.Task, error) {
	row := p.pool.QueryRow(ctx, pgTaskSelect+` WHERE name = $1`, name)
	task, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("task", name)
	}
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	return task, nil
}

// ListTasks returns all tasks ordered by creation time.
func (p *Postgres) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return p.listWhere(ctx, ``, nil)
}

// ListActiveTasks returns tasks in an active status.
func (p *Postgres) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	return p.listWhere(ctx, `WHERE status = ANY($1)`, []any{[]string{
		string(models.StatusPending), string(models.StatusRunning),
		string(models.StatusPaused), string(models.StatusTesting),
	}})
}

func (p *Postgres) listWhere(ctx context.Context, where string, args []any) ([]*models.Task, error) {
	rows, err := p.pool.Query(ctx, pgTaskSelect+` `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var result []*models.Task
	for rows.Next() {
		task, err := scanPgTask(rows)
		if err != nil {
			return nil, apperrors.StorageUnavailable(err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// DeleteTask deletes a task and, via cascade, its interactions.
func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return apperrors.StorageUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// Mutate reads the task, applies fn and writes back guarded by the
// version column.
func (p *Postgres) Mutate(ctx context.Context, id string, fn MutateFn) (*models.Task, error) {
	task, err := p.GetTask(ctx, id)
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

	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET
			name = $1, owner = $2, description = $3, project_context = $4, projects = $5,
			root_path = $6, branch = $7, base_branch = $8, worktree_path = $9, assistant_session_id = $10,
			status = $11, subprocess_id = $12, immediate_processing_active = $13, chat_mode = $14,
			criteria_config = $15, interaction_count = $16,
			user_input_queue = $17, user_input_pending = $18, summary = $19, error_message = $20,
			completed_at = $21, updated_at = $22, version = $23
		WHERE id = $24 AND version = $25
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
	if tag.RowsAffected() == 0 {
		return nil, apperrors.Conflict("task modified concurrently: " + id)
	}
	return task, nil
}

// AppendInteraction appends a turn to the conversation log.
func (p *Postgres) AppendInteraction(ctx context.Context, interaction *models.Interaction) (string, error) {
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

	_, err = p.pool.Exec(ctx, `
		INSERT INTO interactions (id, task_id, kind, content, timestamp, tools, attachments,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
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
func (p *Postgres) ListInteractions(ctx context.Context, taskID string) ([]*models.Interaction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, task_id, kind, content, timestamp, tools, attachments,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost, duration_ms
		FROM interactions WHERE task_id = $1 ORDER BY timestamp, id
	`, taskID)
	if err != nil {
		return nil, apperrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var result []*models.Interaction
	for rows.Next() {
		it := &models.Interaction{}
		var kind string
		var tools, attachments []byte
		if err := rows.Scan(&it.ID, &it.TaskID, &kind, &it.Content, &it.Timestamp,
			&tools, &attachments,
			&it.InputTokens, &it.OutputTokens, &it.CacheCreationTokens, &it.CacheReadTokens,
			&it.Cost, &it.DurationMs); err != nil {
			return nil, apperrors.StorageUnavailable(err)
		}
		it.Kind = models.InteractionKind(kind)
		if err := json.Unmarshal(tools, &it.Tools); err != nil {
			it.Tools = nil
		}
		if err := json.Unmarshal(attachments, &it.Attachments); err != nil {
			it.Attachments = nil
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

// DeleteInteractions removes all interactions for a task.
func (p *Postgres) DeleteInteractions(ctx context.Context, taskID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM interactions WHERE task_id = $1`, taskID)
	if err != nil {
		return apperrors.StorageUnavailable(err)
	}
	return nil
}

// IncrementTokens bumps the cumulative token counter additively.
func (p *Postgres) IncrementTokens(ctx context.Context, taskID string, delta int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET total_tokens_used = total_tokens_used + $1, updated_at = $2 WHERE id = $3
	`, delta, time.Now().UTC(), taskID)
	if err != nil {
		return apperrors.StorageUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("task", taskID)
	}
	return nil
}

func scanPgTask(row pgx.Row) (*models.Task, error) {
	task := &models.Task{}
	var status string
	var projects, criteria, queue []byte
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
	if err := json.Unmarshal(projects, &task.Projects); err != nil {
		task.Projects = nil
	}
	if err := json.Unmarshal(criteria, &task.CriteriaConfig); err != nil {
		task.CriteriaConfig = models.CriteriaConfig{}
	}
	if err := json.Unmarshal(queue, &task.UserInputQueue); err != nil {
		task.UserInputQueue = nil
	}
	return task, nil
}
