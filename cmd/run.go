// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/agent"
	"github.com/troupehq/troupe/internal/browser"
	"github.com/troupehq/troupe/internal/browser/cdp"
	"github.com/troupehq/troupe/internal/capability"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/events"
	"github.com/troupehq/troupe/internal/llm"
	"github.com/troupehq/troupe/internal/observability"
	"github.com/troupehq/troupe/internal/session"
	"github.com/troupehq/troupe/internal/tools"
)

var (
	runGoal     string
	runStartURL string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an autonomous testing session against a target application.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runGoal == "" {
			return fmt.Errorf("--goal is required")
		}

		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
		return executeRun(cmd.Context(), &cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runGoal, "goal", "g", "", "objective for the agent, e.g. \"test the checkout flow\"")
	runCmd.Flags().StringVarP(&runStartURL, "url", "u", "", "URL to open before the agent takes over")
	rootCmd.AddCommand(runCmd)
}

func executeRun(parent context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger, 0)
	defer bus.Close()
	relayDone := startEventRelay(logger, bus)

	engine := cdp.NewEngine(logger, cfg.Browser)
	orch := browser.NewOrchestrator(logger, cfg.Browser, engine)
	if err := orch.Launch(ctx); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer func() {
		if err := orch.Close(context.Background()); err != nil {
			logger.Warn("Browser teardown failed", zap.Error(err))
		}
	}()

	recorder := session.NewRecorder(logger, cfg.Session, bus)
	registry := capability.NewRegistry(logger)
	toolset := tools.NewToolset(logger, cfg.Session, orch, recorder)
	if err := toolset.Register(registry); err != nil {
		return fmt.Errorf("failed to register capabilities: %w", err)
	}

	model, err := llm.NewGeminiClient(ctx, logger, cfg.Agent)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	runner := agent.NewRunner(logger, cfg.Agent, model, registry, bus)
	go func() {
		<-ctx.Done()
		runner.Cancel()
	}()

	sessionID, err := startSession(ctx, orch, recorder, cfg)
	if err != nil {
		return err
	}
	logger.Info("Session opened", zap.String("session_id", sessionID))

	if runStartURL != "" {
		err := orch.QueueWrite(ctx, func(tctx context.Context, actor *browser.Actor) error {
			return actor.Page().Navigate(tctx, runStartURL)
		})
		if err != nil {
			logger.Warn("Initial navigation failed, the agent starts from a blank page",
				zap.String("url", runStartURL), zap.Error(err))
		}
	}

	result, runErr := runner.Run(ctx, runGoal)

	endSession(ctx, orch, recorder, logger)
	bus.Close()
	<-relayDone

	if runErr != nil {
		return fmt.Errorf("agent run failed to start: %w", runErr)
	}
	logger.Info("Run finished",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("turns_used", result.TurnsUsed),
		zap.Bool("truncated", result.Truncated()))
	if result.Status == agent.StatusErrored {
		return fmt.Errorf("agent run errored: %s", result.Error)
	}
	return nil
}

// startSession opens the recorder through the write queue with a snapshot of
// the effective configuration.
func startSession(ctx context.Context, orch *browser.Orchestrator, recorder *session.Recorder, cfg *config.Config) (string, error) {
	snapshot := map[string]interface{}{
		"browser": map[string]interface{}{
			"headless": cfg.Browser.Headless,
			"viewport": fmt.Sprintf("%dx%d", cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight),
		},
		"agent": map[string]interface{}{
			"model":     cfg.Agent.Model,
			"max_turns": cfg.Agent.MaxTurns,
		},
	}

	var sessionID string
	err := orch.QueueWrite(ctx, func(tctx context.Context, actor *browser.Actor) error {
		var err error
		sessionID, err = recorder.Start(snapshot)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return sessionID, nil
}

func endSession(ctx context.Context, orch *browser.Orchestrator, recorder *session.Recorder, logger *zap.Logger) {
	// Teardown uses a fresh context so a cancelled run still closes cleanly.
	err := orch.QueueWrite(context.Background(), func(tctx context.Context, actor *browser.Actor) error {
		_, err := recorder.End()
		return err
	})
	if err != nil {
		logger.Warn("Failed to end session", zap.Error(err))
	}
}

// startEventRelay logs lifecycle events as they happen, so a console user sees
// the agent's progress live. Returns a channel closed when the relay drains.
func startEventRelay(logger *zap.Logger, bus *events.Bus) <-chan struct{} {
	ch, _ := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay := logger.Named("events")
		for ev := range ch {
			relay.Info(string(ev.Type),
				zap.String("event_id", ev.ID),
				zap.String("session_id", ev.SessionID))
		}
	}()
	return done
}
