// File: internal/session/recorder.go

// Package session implements the append-only session recorder: one active
// session per process, steps with best-effort artifact persistence, and
// structured bug/finding reports.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/browser"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/events"
)

var (
	ErrNoActiveSession  = errors.New("no active session")
	ErrSessionActive    = errors.New("a session is already active")
	ErrStepLimitReached = errors.New("session step limit reached")
)

// Step is one recorded action plus the page state observed after it ran. The
// screenshot is persisted as a sidecar artifact and never serialized into the
// session summary or event payloads.
type Step struct {
	ID            string                 `json:"id"`
	Index         int                    `json:"index"`
	ActorID       string                 `json:"actorId,omitempty"`
	Action        string                 `json:"action"`
	Args          map[string]interface{} `json:"args,omitempty"`
	Error         string                 `json:"error,omitempty"`
	DurationMs    int64                  `json:"durationMs"`
	Page          browser.PageInfo       `json:"page"`
	ConsoleErrors []string               `json:"consoleErrors,omitempty"`
	NetworkErrors []string               `json:"networkErrors,omitempty"`
	Screenshot    []byte                 `json:"-"`
	RecordedAt    time.Time              `json:"recordedAt"`
}

// stripped returns a copy safe to put on the event bus.
func (s Step) stripped() Step {
	s.Screenshot = nil
	return s
}

// BugReport is a structured defect report attached to the session.
type BugReport struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	StepID      string    `json:"stepId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Finding is a noteworthy observation that is not necessarily a defect.
type Finding struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StepID      string    `json:"stepId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session is the append-only record of one testing run.
type Session struct {
	ID        string                 `json:"id"`
	Config    map[string]interface{} `json:"config,omitempty"`
	StartedAt time.Time              `json:"startedAt"`
	EndedAt   time.Time              `json:"endedAt,omitempty"`
	Steps     []Step                 `json:"steps"`
	Actors    []string               `json:"actors,omitempty"`
	Bugs      []BugReport            `json:"bugs,omitempty"`
	Findings  []Finding              `json:"findings,omitempty"`
}

// Recorder manages the single active session. It holds no internal locking:
// callers serialize all mutations through the orchestrator's Write queue.
type Recorder struct {
	logger *zap.Logger
	cfg    config.SessionConfig
	bus    *events.Bus
	store  *ArtifactStore

	active *Session
}

func NewRecorder(logger *zap.Logger, cfg config.SessionConfig, bus *events.Bus) *Recorder {
	return &Recorder{
		logger: logger.Named("recorder"),
		cfg:    cfg,
		bus:    bus,
		store:  NewArtifactStore(logger, cfg.OutputDir),
	}
}

// Start opens a new session with a snapshot of the effective configuration.
func (r *Recorder) Start(configSnapshot map[string]interface{}) (string, error) {
	if r.active != nil {
		return "", fmt.Errorf("%w: %s", ErrSessionActive, r.active.ID)
	}
	r.active = &Session{
		ID:        uuid.New().String(),
		Config:    configSnapshot,
		StartedAt: time.Now().UTC(),
		Steps:     make([]Step, 0),
	}
	r.logger.Info("Session started", zap.String("session_id", r.active.ID))
	r.bus.Publish(events.Event{
		Type:      events.SessionStart,
		SessionID: r.active.ID,
		Data:      map[string]interface{}{"config": configSnapshot},
	})
	return r.active.ID, nil
}

// Active returns the open session, or nil.
func (r *Recorder) Active() *Session { return r.active }

// RecordStep appends one step to the active session. A failed call leaves the
// log unchanged. Artifact persistence is best-effort: failures are logged and
// swallowed, never propagated.
func (r *Recorder) RecordStep(step Step) (*Step, error) {
	if r.active == nil {
		return nil, ErrNoActiveSession
	}
	if len(r.active.Steps) >= r.cfg.MaxSteps {
		return nil, fmt.Errorf("%w (%d)", ErrStepLimitReached, r.cfg.MaxSteps)
	}

	step.ID = uuid.New().String()
	step.Index = len(r.active.Steps)
	if step.RecordedAt.IsZero() {
		step.RecordedAt = time.Now().UTC()
	}
	r.active.Steps = append(r.active.Steps, step)

	if r.cfg.KeepArtifacts {
		if err := r.store.WriteStepArtifacts(r.active.ID, step); err != nil {
			r.logger.Warn("Failed to persist step artifacts",
				zap.String("session_id", r.active.ID),
				zap.String("step_id", step.ID),
				zap.Error(err))
		}
	}

	r.bus.Publish(events.Event{
		Type:      events.StepRecorded,
		SessionID: r.active.ID,
		Data:      step.stripped(),
	})
	r.logger.Debug("Step recorded",
		zap.String("step_id", step.ID),
		zap.Int("index", step.Index),
		zap.String("action", step.Action),
		zap.String("actor", step.ActorID))
	return &r.active.Steps[step.Index], nil
}

// AddBug appends a structured bug report to the active session.
func (r *Recorder) AddBug(bug BugReport) (*BugReport, error) {
	if r.active == nil {
		return nil, ErrNoActiveSession
	}
	bug.ID = uuid.New().String()
	bug.CreatedAt = time.Now().UTC()
	r.active.Bugs = append(r.active.Bugs, bug)
	r.bus.Publish(events.Event{
		Type:      events.BugCreated,
		SessionID: r.active.ID,
		Data:      bug,
	})
	r.logger.Info("Bug reported",
		zap.String("bug_id", bug.ID),
		zap.String("severity", bug.Severity),
		zap.String("title", bug.Title))
	return &r.active.Bugs[len(r.active.Bugs)-1], nil
}

// AddFinding appends a finding to the active session.
func (r *Recorder) AddFinding(finding Finding) (*Finding, error) {
	if r.active == nil {
		return nil, ErrNoActiveSession
	}
	finding.ID = uuid.New().String()
	finding.CreatedAt = time.Now().UTC()
	r.active.Findings = append(r.active.Findings, finding)
	r.bus.Publish(events.Event{
		Type:      events.FindingCreated,
		SessionID: r.active.ID,
		Data:      finding,
	})
	r.logger.Info("Finding recorded",
		zap.String("finding_id", finding.ID),
		zap.String("title", finding.Title))
	return &r.active.Findings[len(r.active.Findings)-1], nil
}

// End closes the active session and returns it. The observed-actor list is
// materialized only when at least one step carried an actor id; ids are taken
// as recorded, never cross-checked against the orchestrator's registry.
func (r *Recorder) End() (*Session, error) {
	if r.active == nil {
		return nil, ErrNoActiveSession
	}
	done := r.active
	r.active = nil

	done.EndedAt = time.Now().UTC()
	if done.EndedAt.Before(done.StartedAt) {
		done.EndedAt = done.StartedAt
	}

	seen := make(map[string]struct{})
	for _, step := range done.Steps {
		if step.ActorID == "" {
			continue
		}
		if _, ok := seen[step.ActorID]; !ok {
			seen[step.ActorID] = struct{}{}
			done.Actors = append(done.Actors, step.ActorID)
		}
	}

	if r.cfg.KeepArtifacts {
		if err := r.store.WriteSessionSummary(done); err != nil {
			r.logger.Warn("Failed to persist session summary",
				zap.String("session_id", done.ID), zap.Error(err))
		}
	}

	r.bus.Publish(events.Event{
		Type:      events.SessionEnd,
		SessionID: done.ID,
		Data: map[string]interface{}{
			"steps":    len(done.Steps),
			"bugs":     len(done.Bugs),
			"findings": len(done.Findings),
			"duration": done.EndedAt.Sub(done.StartedAt).String(),
		},
	})
	r.logger.Info("Session ended",
		zap.String("session_id", done.ID),
		zap.Int("steps", len(done.Steps)),
		zap.Duration("duration", done.EndedAt.Sub(done.StartedAt)))
	return done, nil
}
