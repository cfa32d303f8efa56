package assistant

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/clock"
	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

// Defaults for the subprocess supervision windows.
const (
	DefaultIdleTimeout = 300 * time.Second
	DefaultStopGrace   = 2 * time.Second
)

// staleSessionMarker is the assistant's complaint when a resume id no
// longer exists on its side.
const staleSessionMarker = "no conversation found"

// Options tune the client's supervision behavior.
type Options struct {
	IdleTimeout time.Duration
	StopGrace   time.Duration
	MaxLineSize int
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.MaxLineSize <= 0 {
		o.MaxLineSize = DefaultMaxLineSize
	}
	return o
}

// SendResult is the outcome of one assistant turn.
type SendResult struct {
	FullText     string
	SubprocessID int
	SessionID    string
	Usage        Usage
	Cost         float64
	DurationMs   int64
	// Stopped reports that the turn ended because the caller cancelled;
	// events read during the drain window are already persisted.
	Stopped bool

	// isError mirrors the result record's is_error flag.
	isError bool
}

// Client wraps the subprocess runner with the parse/persist pipeline:
// it extracts the session id, maps events to interactions, persists them
// incrementally and reports cumulative usage.
type Client struct {
	runner Runner
	store  store.Store
	clock  clock.Clock
	log    *logger.Logger
	opts   Options
}

// NewClient creates a streaming client.
func NewClient(runner Runner, st store.Store, clk clock.Clock, log *logger.Logger, opts Options) *Client {
	return &Client{
		runner: runner,
		store:  st,
		clock:  clk,
		log:    log.WithFields(zap.String("component", "assistant")),
		opts:   opts.withDefaults(),
	}
}

// OnInteraction is invoked synchronously for every persisted interaction
// before Send returns.
type OnInteraction func(interaction *models.Interaction)

// Send runs one assistant turn for the task. A task that already holds a
// session id is resumed; otherwise the returned session id must be
// persisted by the caller. When the resume id has gone stale on the
// assistant's side the call is retried once as a fresh session.
func (c *Client) Send(ctx context.Context, task *models.Task, prompt string, attachments []models.Attachment, onEvent OnInteraction) (*SendResult, error) {
	inv := Invocation{
		Prompt:    prompt,
		SessionID: task.AssistantSessionID,
		WorkDir:   task.WorktreePath,
	}

	if inv.SessionID == "" && len(attachments) > 0 {
		paths, cleanup, err := writeAttachments(attachments)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		inv.ImagePaths = paths
	}

	result, err := c.stream(ctx, task.ID, inv, onEvent)
	if err != nil && inv.SessionID != "" && isStaleSession(err) {
		c.log.Warn("assistant session stale, retrying without resume",
			zap.String("task_id", task.ID), zap.String("session_id", inv.SessionID))
		inv.SessionID = ""
		result, err = c.stream(ctx, task.ID, inv, onEvent)
	}
	return result, err
}

// Complete runs a one-shot, fresh-session invocation without persisting
// anything. Used for meta-calls like criteria extraction and judging.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.stream(ctx, "", Invocation{Prompt: prompt}, nil)
	if err != nil {
		return "", err
	}
	return result.FullText, nil
}

func (c *Client) stream(ctx context.Context, taskID string, inv Invocation, onEvent OnInteraction) (*SendResult, error) {
	proc, err := c.runner.Start(ctx, inv)
	if err != nil {
		return nil, err
	}

	result := &SendResult{SubprocessID: proc.PID()}
	g := newGrouper(taskID)

	lines := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		defer close(lines)
		reader := newLineReader(proc.Stdout(), c.opts.MaxLineSize)
		for {
			line, err := reader.ReadLine()
			if err == io.EOF {
				return
			}
			if err != nil {
				if apperrors.HasCode(err, apperrors.ErrCodeChunkTooLarge) {
					// Oversized tool output: warn and keep reading.
					c.log.Warn("dropping oversized event record",
						zap.String("task_id", taskID), zap.Error(err))
					continue
				}
				readErrs <- err
				return
			}
			lines <- line
		}
	}()

	// discard unblocks the reader goroutine once the caller stops
	// consuming; the channel closes when stdout hits EOF.
	discard := func() {
		go func() {
			for range lines {
			}
		}()
	}

	var fullText strings.Builder
	idle := time.NewTimer(c.opts.IdleTimeout)
	defer idle.Stop()

	drain := func() {
		deadline := time.After(c.opts.StopGrace)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				c.handleLine(line, g, result, &fullText, onEvent)
			case <-deadline:
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Cooperative stop: interrupt the group, drain briefly so
			// in-flight events still land, then make sure it is gone.
			_ = proc.Interrupt()
			drain()
			_ = proc.Kill()
			discard()
			_ = proc.Wait()
			c.finish(taskID, g, result, &fullText, onEvent)
			result.Stopped = true
			return result, nil

		case <-idle.C:
			_ = proc.Kill()
			discard()
			_ = proc.Wait()
			return nil, apperrors.AssistantTimeout(int(c.opts.IdleTimeout / time.Second))

		case err := <-readErrs:
			_ = proc.Kill()
			discard()
			_ = proc.Wait()
			return nil, apperrors.InternalError("assistant stream read failed", err)

		case line, ok := <-lines:
			if !ok {
				waitErr := proc.Wait()
				c.finish(taskID, g, result, &fullText, onEvent)
				if waitErr != nil || result.isError {
					return result, apperrors.Wrap(
						fmt.Errorf("assistant exited: %v: %s", waitErr, result.FullText),
						"assistant invocation failed")
				}
				return result, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(c.opts.IdleTimeout)
			c.handleLine(line, g, result, &fullText, onEvent)
		}
	}
}

// handleLine parses one record, updates the session id and usage tally,
// and persists any interactions it produced.
func (c *Client) handleLine(line []byte, g *grouper, result *SendResult, fullText *strings.Builder, onEvent OnInteraction) {
	ev, err := ParseEvent(line)
	if err != nil {
		c.log.Warn("skipping malformed event record", zap.Error(err))
		return
	}

	// The first system.init record carries the assistant's session id;
	// it is captured once and never overwritten.
	if ev.Type == EventTypeSystem && ev.Subtype == SubtypeInit {
		if result.SessionID == "" && ev.SessionID != "" {
			result.SessionID = ev.SessionID
		}
		return
	}

	switch ev.Type {
	case EventTypeAssistant:
		if usage := eventUsage(ev); usage != nil {
			result.Usage.Add(usage)
		}
		if text := ev.TextContent(); text != "" {
			if fullText.Len() > 0 {
				fullText.WriteString("\n")
			}
			fullText.WriteString(text)
		}
	case EventTypeResult:
		result.Cost = ev.CostValue()
		result.DurationMs = ev.DurationMs
		result.isError = ev.IsError
		if result.Usage == (Usage{}) && ev.Usage != nil {
			result.Usage = *ev.Usage
		}
		if ev.IsError && ev.Result != "" && fullText.Len() == 0 {
			fullText.WriteString(ev.Result)
		}
	}

	for _, interaction := range g.feed(ev) {
		c.persist(interaction, onEvent)
	}
	result.FullText = fullText.String()
}

// finish flushes the open tool group and freezes the return values.
func (c *Client) finish(taskID string, g *grouper, result *SendResult, fullText *strings.Builder, onEvent OnInteraction) {
	for _, interaction := range g.flush() {
		c.persist(interaction, onEvent)
	}
	result.FullText = fullText.String()
}

func (c *Client) persist(interaction *models.Interaction, onEvent OnInteraction) {
	// Meta-calls pass an empty task id and persist nothing.
	if interaction.TaskID == "" {
		return
	}
	interaction.Timestamp = c.clock.Now()
	if interaction.ID == "" {
		interaction.ID = c.clock.NewID()
	}
	if _, err := c.store.AppendInteraction(context.Background(), interaction); err != nil {
		c.log.Error("failed to persist interaction",
			zap.String("task_id", interaction.TaskID), zap.Error(err))
		return
	}
	if onEvent != nil {
		onEvent(interaction)
	}
}

func isStaleSession(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), staleSessionMarker)
}

// writeAttachments decodes base64 images to temp files for the
// assistant's --image flag. The returned cleanup removes them.
func writeAttachments(attachments []models.Attachment) ([]string, func(), error) {
	dir, err := os.MkdirTemp("", "taskloop-img-")
	if err != nil {
		return nil, nil, apperrors.InternalError("create attachment directory", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	var paths []string
	for i, att := range attachments {
		data, err := base64.StdEncoding.DecodeString(att.Base64)
		if err != nil {
			cleanup()
			return nil, nil, apperrors.BadRequest("invalid base64 attachment")
		}
		path := filepath.Join(dir, fmt.Sprintf("image-%d%s", i, extensionFor(att.MediaType)))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			cleanup()
			return nil, nil, apperrors.InternalError("write attachment", err)
		}
		paths = append(paths, path)
	}
	return paths, cleanup, nil
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
