// File: internal/agent/loop.go

// Package agent implements the autonomous control loop: a bounded turn cycle
// that feeds conversation history and the declared capability surface to a
// model, dispatches the model's tool calls through the registry, and folds the
// results back into the history.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/capability"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/events"
)

// Runner drives one agent run at a time. Cancellation is cooperative: the
// flag is polled at the top of each turn and between individual tool calls,
// never preemptively mid-call.
type Runner struct {
	logger   *zap.Logger
	cfg      config.AgentConfig
	client   ModelClient
	registry *capability.Registry
	bus      *events.Bus

	mu        sync.Mutex
	running   bool
	cancelled bool
}

func NewRunner(logger *zap.Logger, cfg config.AgentConfig, client ModelClient, registry *capability.Registry, bus *events.Bus) *Runner {
	return &Runner{
		logger:   logger.Named("agent"),
		cfg:      cfg,
		client:   client,
		registry: registry,
		bus:      bus,
	}
}

// Cancel requests a cooperative stop of the in-flight run. A no-op when idle.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.cancelled = true
	}
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Run executes the turn loop for one goal and returns its result. Exactly one
// run may be in flight per runner; a second Run fails with ErrAlreadyRunning.
// The running/cancel state is reset unconditionally, so a failed run can never
// wedge the runner.
func (r *Runner) Run(ctx context.Context, goal string) (*RunResult, error) {
	if goal == "" {
		return nil, ErrEmptyGoal
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.running = true
	r.cancelled = false
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.cancelled = false
		r.mu.Unlock()
	}()

	result := &RunResult{
		RunID:     uuid.New().String(),
		Goal:      goal,
		MaxTurns:  r.cfg.MaxTurns,
		StartedAt: time.Now().UTC(),
	}
	logger := r.logger.With(zap.String("run_id", result.RunID))
	logger.Info("Agent run starting", zap.String("goal", goal), zap.Int("max_turns", r.cfg.MaxTurns))
	r.publish(events.AgentStart, map[string]interface{}{"runId": result.RunID, "goal": goal})

	systemPrompt := buildSystemPrompt(goal)
	tools := r.registry.Descriptors()
	history := []Message{{Role: RoleUser, Text: goal}}

	r.runTurns(ctx, logger, result, systemPrompt, tools, history)

	result.FinishedAt = time.Now().UTC()
	r.publish(events.AgentComplete, map[string]interface{}{
		"runId":     result.RunID,
		"status":    string(result.Status),
		"turnsUsed": result.TurnsUsed,
		"truncated": result.Truncated(),
	})
	logger.Info("Agent run finished",
		zap.String("status", string(result.Status)),
		zap.Int("turns_used", result.TurnsUsed))
	return result, nil
}

func (r *Runner) runTurns(ctx context.Context, logger *zap.Logger, result *RunResult, systemPrompt string, tools []capability.ToolDescriptor, history []Message) {
	defer func() { result.Transcript = history }()

	for turn := 1; turn <= r.cfg.MaxTurns; turn++ {
		if r.isCancelled() || ctx.Err() != nil {
			result.Status = StatusCancelled
			return
		}

		result.TurnsUsed = turn
		r.publish(events.AgentTurn, map[string]interface{}{"runId": result.RunID, "turn": turn})

		resp, err := r.client.Generate(ctx, ModelRequest{
			SystemPrompt: systemPrompt,
			History:      history,
			Tools:        tools,
		})
		if err != nil {
			logger.Error("Model call failed, aborting run", zap.Int("turn", turn), zap.Error(err))
			result.Status = StatusErrored
			result.Error = err.Error()
			r.publish(events.AgentError, map[string]interface{}{"runId": result.RunID, "error": err.Error()})
			return
		}

		for _, thought := range resp.Thinking {
			if thought == "" {
				continue
			}
			history = append(history, Message{Role: RoleAssistant, Text: thought})
			r.publish(events.AgentThinking, map[string]interface{}{"runId": result.RunID, "text": thought})
		}

		if len(resp.ToolCalls) == 0 || resp.Stop == StopEndOfTurn {
			result.Status = StatusCompleted
			return
		}

		history = append(history, Message{Role: RoleAssistant, ToolCalls: resp.ToolCalls})

		outcomes := make([]ToolOutcome, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			if r.isCancelled() || ctx.Err() != nil {
				result.Status = StatusCancelled
				return
			}
			outcomes = append(outcomes, r.dispatch(ctx, logger, result.RunID, call))
		}

		// One combined message per turn, in dispatch order.
		history = append(history, Message{Role: RoleTool, ToolResults: outcomes})
	}

	// Ceiling reached; callers compare TurnsUsed to MaxTurns to detect it.
	result.Status = StatusCompleted
}

func (r *Runner) dispatch(ctx context.Context, logger *zap.Logger, runID string, call ToolCallRequest) ToolOutcome {
	r.publish(events.AgentToolCall, map[string]interface{}{
		"runId": runID,
		"tool":  call.Name,
		"args":  call.Args,
	})

	res := r.registry.Call(ctx, call.Name, call.Args)
	r.publish(events.AgentToolResult, map[string]interface{}{
		"runId":   runID,
		"tool":    call.Name,
		"success": !res.IsError,
	})
	logger.Debug("Tool call dispatched",
		zap.String("tool", call.Name),
		zap.Bool("success", !res.IsError))

	return ToolOutcome{CallID: call.ID, Name: call.Name, Result: res}
}

func (r *Runner) publish(kind events.Type, data map[string]interface{}) {
	r.bus.Publish(events.Event{Type: kind, Data: data})
}
