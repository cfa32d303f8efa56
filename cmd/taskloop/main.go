// Command taskloop runs the task-automation engine: an HTTP control
// surface over per-task executor loops that drive an external CLI
// coding assistant.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/assistant"
	"github.com/taskloop/taskloop/internal/common/clock"
	"github.com/taskloop/taskloop/internal/common/config"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/criteria"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/executor"
	"github.com/taskloop/taskloop/internal/task/api"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/service"
	"github.com/taskloop/taskloop/internal/task/store"
	"github.com/taskloop/taskloop/internal/userinput"
	"github.com/taskloop/taskloop/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting taskloop engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg.Database.URL, log)
	if err != nil {
		log.Fatal("Failed to open task store", zap.Error(err))
	}
	defer st.Close()

	clk := clock.New()
	workspaces := workspace.NewManager(cfg.Workspace.IsolatedSubdir, log)
	queue := userinput.NewQueue(st, clk, log, userinput.Options{})

	runner := assistant.NewExecRunner(cfg.Assistant.Command)
	client := assistant.NewClient(runner, st, clk, log, assistant.Options{
		IdleTimeout: cfg.Assistant.IdleTimeout,
		StopGrace:   cfg.Assistant.StopGrace,
		MaxLineSize: cfg.Assistant.MaxLineSize,
	})
	analyzer := criteria.NewAnalyzer(client, log)

	var bridge events.Bridge
	if cfg.NATS.Enabled {
		natsBridge, err := events.NewNATSBridge(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsBridge.Close()
		bridge = natsBridge
		log.Info("Connected to NATS event bridge", zap.String("url", cfg.NATS.URL))
	}
	fanout := events.NewFanout(0, bridge, log)

	execMgr := executor.NewManager(st, queue, client, analyzer, fanout,
		&executor.CommandTestRunner{Command: cfg.Executor.TestCommand},
		clk, log, executor.Config{
			IterationDelay:     cfg.Executor.IterationDelay,
			StorageRetryWindow: cfg.Executor.StorageRetryWindow,
		})

	svc := service.New(st, workspaces, queue, execMgr, fanout, analyzer, clk, log, service.Config{
		DefaultMaxIterations: cfg.Executor.DefaultMaxIterations,
		DefaultMaxTokens:     cfg.Executor.DefaultMaxTokens,
		DefaultWorkspaceRoot: cfg.Workspace.DefaultRoot,
		DeleteGrace:          cfg.Executor.DeleteGrace,
	})

	restartInterrupted(ctx, st, execMgr, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestLogger(log))

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, svc, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down taskloop engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	execMgr.Shutdown(shutdownCtx)

	log.Info("Taskloop engine stopped")
}

// restartInterrupted respawns executor loops for tasks the previous
// process left in RUNNING or TESTING. PAUSED tasks wait for input and
// get their loop back too; PENDING tasks wait for an explicit start.
func restartInterrupted(ctx context.Context, st store.Store, execMgr *executor.Manager, log *logger.Logger) {
	tasks, err := st.ListActiveTasks(ctx)
	if err != nil {
		log.Warn("could not list active tasks for restart", zap.Error(err))
		return
	}
	for _, task := range tasks {
		switch task.Status {
		case models.StatusRunning, models.StatusTesting, models.StatusPaused:
			// The loop re-derives its position from the persisted row.
			if task.Status == models.StatusTesting || task.Status == models.StatusPaused {
				_, err := store.MutateRetry(ctx, st, task.ID, func(t *models.Task) error {
					if t.Status == models.StatusTesting || t.Status == models.StatusPaused {
						t.Status = models.StatusRunning
					}
					return nil
				})
				if err != nil {
					log.WithTaskID(task.ID).WithError(err).Warn("could not reset interrupted task")
					continue
				}
			}
			execMgr.StartLoop(task.ID)
			log.Info("restarted interrupted task loop",
				zap.String("task_id", task.ID), zap.String("name", task.Name))
		}
	}
}
