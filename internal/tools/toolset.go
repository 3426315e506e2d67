// File: internal/tools/toolset.go

// Package tools supplies the standard capability set the agent operates with:
// browser actions routed through the orchestrator's queues, plus session-level
// reporting. Every handler records a traceability step and returns a uniform
// Result; orchestrator invariant violations come back as error results, never
// as panics or bare errors.
package tools

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/browser"
	"github.com/troupehq/troupe/internal/capability"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/session"
)

const (
	maxReadPageChars = 20000
	maxWaitSeconds   = 30
)

// Toolset wires the built-in capabilities around an orchestrator and a
// recorder.
type Toolset struct {
	logger   *zap.Logger
	cfg      config.SessionConfig
	orch     *browser.Orchestrator
	recorder *session.Recorder
}

func NewToolset(logger *zap.Logger, cfg config.SessionConfig, orch *browser.Orchestrator, recorder *session.Recorder) *Toolset {
	return &Toolset{
		logger:   logger.Named("tools"),
		cfg:      cfg,
		orch:     orch,
		recorder: recorder,
	}
}

// Register adds every built-in capability to the registry. Fails on the first
// duplicate name.
func (t *Toolset) Register(registry *capability.Registry) error {
	for _, def := range t.definitions() {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolset) definitions() []capability.Definition {
	return []capability.Definition{
		{
			Name:        "navigate",
			Description: "Navigate the active actor's page to a URL and wait for the network to settle.",
			Input: capability.Object(map[string]*capability.Schema{
				"url": capability.String().URL().Describe("Absolute URL to open"),
			}),
			Handler: t.handleNavigate,
		},
		{
			Name:        "click",
			Description: "Click the element matching a CSS selector on the active actor's page.",
			Input: capability.Object(map[string]*capability.Schema{
				"selector": capability.String().MinLen(1).Describe("CSS selector of the element to click"),
			}),
			Handler: t.handleClick,
		},
		{
			Name:        "fill",
			Description: "Clear a form field and type a value into it.",
			Input: capability.Object(map[string]*capability.Schema{
				"selector": capability.String().MinLen(1).Describe("CSS selector of the input"),
				"value":    capability.String().Describe("Text to type"),
			}),
			Handler: t.handleFill,
		},
		{
			Name:        "screenshot",
			Description: "Capture a PNG screenshot of the active actor's page.",
			Input:       capability.Object(map[string]*capability.Schema{}),
			Handler:     t.handleScreenshot,
		},
		{
			Name:        "read_page",
			Description: "Read the visible text of the active actor's page, with its URL and title.",
			Input:       capability.Object(map[string]*capability.Schema{}),
			Handler:     t.handleReadPage,
		},
		{
			Name:        "create_actor",
			Description: "Create a new isolated actor context (separate cookies and storage) under a unique name.",
			Input: capability.Object(map[string]*capability.Schema{
				"name":            capability.String().MinLen(1).Describe("Unique actor name, e.g. a user role"),
				"viewport_width":  capability.Int().Optional().Describe("Viewport width override"),
				"viewport_height": capability.Int().Optional().Describe("Viewport height override"),
				"locale":          capability.String().Optional().Describe("BCP 47 locale override"),
				"timezone":        capability.String().Optional().Describe("IANA timezone override"),
				"user_agent":      capability.String().Optional().Describe("User-agent override"),
			}),
			Handler: t.handleCreateActor,
		},
		{
			Name:        "switch_actor",
			Description: "Make a previously created actor the active one.",
			Input: capability.Object(map[string]*capability.Schema{
				"name": capability.String().MinLen(1).Describe("Name of the actor to activate"),
			}),
			Handler: t.handleSwitchActor,
		},
		{
			Name:        "wait",
			Description: "Pause for a number of seconds, for slow pages or animations.",
			Input: capability.Object(map[string]*capability.Schema{
				"seconds": capability.Number().Min(0).Max(maxWaitSeconds).Default(1.0),
			}),
			Handler: t.handleWait,
		},
		{
			Name:        "report_bug",
			Description: "File a structured bug report against the current session.",
			Input: capability.Object(map[string]*capability.Schema{
				"title":       capability.String().MinLen(1).Describe("Short summary of the defect"),
				"severity":    capability.Enum("low", "medium", "high", "critical").Default("medium"),
				"description": capability.String().Describe("What happened, what was expected, and how to reproduce"),
			}),
			Handler: t.handleReportBug,
		},
		{
			Name:        "record_finding",
			Description: "Record a noteworthy observation that is not necessarily a defect.",
			Input: capability.Object(map[string]*capability.Schema{
				"title":       capability.String().MinLen(1),
				"description": capability.String(),
			}),
			Handler: t.handleRecordFinding,
		},
	}
}

// captureStep snapshots the page state after an action and records it.
// Recording failures are already swallowed by the recorder; failures to even
// build the snapshot degrade to an empty page info.
func (t *Toolset) captureStep(ctx context.Context, actor *browser.Actor, action string, args map[string]interface{}, took time.Duration, actionErr error) {
	step := session.Step{
		ActorID:    actor.Name,
		Action:     action,
		Args:       args,
		DurationMs: took.Milliseconds(),
	}
	if actionErr != nil {
		step.Error = actionErr.Error()
	}

	page := actor.Page()
	if info, err := page.Info(ctx); err == nil {
		step.Page = info
	}
	step.ConsoleErrors = page.DrainConsoleErrors()
	step.NetworkErrors = page.DrainNetworkErrors()

	if t.cfg.KeepArtifacts {
		if shot, err := page.Screenshot(ctx); err == nil {
			step.Screenshot = shot
		} else {
			t.logger.Debug("Step screenshot failed", zap.String("action", action), zap.Error(err))
		}
	}

	if _, err := t.recorder.RecordStep(step); err != nil {
		t.logger.Warn("Failed to record step",
			zap.String("action", action), zap.Error(err))
	}
}

// runRecorded executes a mutating page action on the write queue and records
// the step inside the same queue slot, so the snapshot cannot interleave with
// another action.
func (t *Toolset) runRecorded(ctx context.Context, action string, args map[string]interface{}, fn func(ctx context.Context, actor *browser.Actor) error) error {
	return t.orch.QueueWrite(ctx, func(tctx context.Context, actor *browser.Actor) error {
		start := time.Now()
		actionErr := fn(tctx, actor)
		t.captureStep(tctx, actor, action, args, time.Since(start), actionErr)
		return actionErr
	})
}

func (t *Toolset) handleNavigate(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	url, _ := input["url"].(string)
	var info browser.PageInfo
	err := t.runRecorded(ctx, "navigate", input, func(tctx context.Context, actor *browser.Actor) error {
		if err := actor.Page().Navigate(tctx, url); err != nil {
			return err
		}
		if err := actor.Page().WaitNetworkIdle(tctx); err != nil {
			return err
		}
		info, _ = actor.Page().Info(tctx)
		return nil
	})
	if err != nil {
		return capability.ErrorResult("navigate failed: %v", err), nil
	}
	return capability.TextResult("Navigated to %s (title: %q)", info.URL, info.Title), nil
}

func (t *Toolset) handleClick(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	selector, _ := input["selector"].(string)
	err := t.runRecorded(ctx, "click", input, func(tctx context.Context, actor *browser.Actor) error {
		return actor.Page().Click(tctx, selector)
	})
	if err != nil {
		return capability.ErrorResult("click failed: %v", err), nil
	}
	return capability.TextResult("Clicked %q", selector), nil
}

func (t *Toolset) handleFill(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	selector, _ := input["selector"].(string)
	value, _ := input["value"].(string)
	err := t.runRecorded(ctx, "fill", input, func(tctx context.Context, actor *browser.Actor) error {
		return actor.Page().Fill(tctx, selector, value)
	})
	if err != nil {
		return capability.ErrorResult("fill failed: %v", err), nil
	}
	return capability.TextResult("Filled %q", selector), nil
}

func (t *Toolset) handleScreenshot(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	var shot []byte
	err := t.runRecorded(ctx, "screenshot", nil, func(tctx context.Context, actor *browser.Actor) error {
		var err error
		shot, err = actor.Page().Screenshot(tctx)
		return err
	})
	if err != nil {
		return capability.ErrorResult("screenshot failed: %v", err), nil
	}
	return &capability.Result{
		Content: []capability.Content{capability.ImageContent(shot, "image/png")},
	}, nil
}

func (t *Toolset) handleReadPage(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	var text string
	var info browser.PageInfo

	// The extraction itself is non-mutating and rides the read queue; the
	// traceability step is recorded afterwards on the write queue.
	start := time.Now()
	err := t.orch.QueueRead(ctx, func(tctx context.Context, actor *browser.Actor) error {
		if err := actor.Page().Evaluate(tctx, "document.body ? document.body.innerText : ''", &text); err != nil {
			return err
		}
		var err error
		info, err = actor.Page().Info(tctx)
		return err
	})
	took := time.Since(start)

	recErr := t.orch.QueueWrite(ctx, func(tctx context.Context, actor *browser.Actor) error {
		t.captureStep(tctx, actor, "read_page", nil, took, err)
		return nil
	})
	if recErr != nil {
		t.logger.Warn("Failed to record read_page step", zap.Error(recErr))
	}

	if err != nil {
		return capability.ErrorResult("read_page failed: %v", err), nil
	}
	if len(text) > maxReadPageChars {
		text = text[:maxReadPageChars] + "\n[truncated]"
	}
	return capability.TextResult("URL: %s\nTitle: %s\n\n%s", info.URL, info.Title, strings.TrimSpace(text)), nil
}

func (t *Toolset) handleCreateActor(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	name, _ := input["name"].(string)
	opts := browser.ActorOptions{
		ViewportWidth:  intArg(input, "viewport_width"),
		ViewportHeight: intArg(input, "viewport_height"),
		Locale:         stringArg(input, "locale"),
		Timezone:       stringArg(input, "timezone"),
		UserAgent:      stringArg(input, "user_agent"),
	}

	start := time.Now()
	if _, err := t.orch.CreateActor(ctx, name, opts); err != nil {
		return capability.ErrorResult("create_actor failed: %v", err), nil
	}
	took := time.Since(start)

	if err := t.orch.QueueWriteFor(ctx, name, func(tctx context.Context, actor *browser.Actor) error {
		t.captureStep(tctx, actor, "create_actor", input, took, nil)
		return nil
	}); err != nil {
		t.logger.Warn("Failed to record create_actor step", zap.Error(err))
	}
	return capability.TextResult("Created actor %q (known actors: %s)", name, strings.Join(t.orch.ActorNames(), ", ")), nil
}

func (t *Toolset) handleSwitchActor(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	name, _ := input["name"].(string)
	start := time.Now()
	if err := t.orch.SwitchActor(name); err != nil {
		return capability.ErrorResult("switch_actor failed: %v", err), nil
	}
	took := time.Since(start)

	if err := t.orch.QueueWrite(ctx, func(tctx context.Context, actor *browser.Actor) error {
		t.captureStep(tctx, actor, "switch_actor", input, took, nil)
		return nil
	}); err != nil {
		t.logger.Warn("Failed to record switch_actor step", zap.Error(err))
	}
	return capability.TextResult("Active actor is now %q", name), nil
}

func (t *Toolset) handleWait(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	seconds, _ := toFloat(input["seconds"])
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxWaitSeconds {
		seconds = maxWaitSeconds
	}
	duration := time.Duration(seconds * float64(time.Second))

	err := t.runRecorded(ctx, "wait", input, func(tctx context.Context, actor *browser.Actor) error {
		select {
		case <-time.After(duration):
			return nil
		case <-tctx.Done():
			return tctx.Err()
		}
	})
	if err != nil {
		return capability.ErrorResult("wait failed: %v", err), nil
	}
	return capability.TextResult("Waited %s", duration), nil
}

func (t *Toolset) handleReportBug(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	bug := session.BugReport{
		Title:       stringArg(input, "title"),
		Severity:    stringArg(input, "severity"),
		Description: stringArg(input, "description"),
	}

	var created *session.BugReport
	err := t.orch.QueueWrite(ctx, func(tctx context.Context, actor *browser.Actor) error {
		var err error
		created, err = t.recorder.AddBug(bug)
		return err
	})
	if err != nil {
		return capability.ErrorResult("report_bug failed: %v", err), nil
	}
	return capability.TextResult("Bug %s filed (%s): %s", created.ID, created.Severity, created.Title), nil
}

func (t *Toolset) handleRecordFinding(ctx context.Context, input map[string]interface{}) (*capability.Result, error) {
	finding := session.Finding{
		Title:       stringArg(input, "title"),
		Description: stringArg(input, "description"),
	}

	var created *session.Finding
	err := t.orch.QueueWrite(ctx, func(tctx context.Context, actor *browser.Actor) error {
		var err error
		created, err = t.recorder.AddFinding(finding)
		return err
	})
	if err != nil {
		return capability.ErrorResult("record_finding failed: %v", err), nil
	}
	return capability.TextResult("Finding %s recorded: %s", created.ID, created.Title), nil
}

func stringArg(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return s
}

func intArg(input map[string]interface{}, key string) int {
	if f, ok := toFloat(input[key]); ok {
		return int(f)
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
