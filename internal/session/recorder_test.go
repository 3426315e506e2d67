// File: internal/session/recorder_test.go
package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/browser"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRecorder(t *testing.T, mutate func(*config.SessionConfig)) (*Recorder, *events.Bus) {
	t.Helper()
	cfg := config.NewDefaultConfig().Session
	cfg.OutputDir = t.TempDir()
	cfg.KeepArtifacts = true
	if mutate != nil {
		mutate(&cfg)
	}
	bus := events.NewBus(zap.NewNop(), 0)
	t.Cleanup(bus.Close)
	return NewRecorder(zap.NewNop(), cfg, bus), bus
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStartEmitsSessionStart(t *testing.T) {
	r, bus := newTestRecorder(t, nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	id, err := r.Start(map[string]interface{}{"headless": true})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	evs := drainEvents(ch)
	require.Len(t, evs, 1)
	assert.Equal(t, events.SessionStart, evs[0].Type)
	assert.Equal(t, id, evs[0].SessionID)
}

func TestStartRejectsSecondSession(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	_, err := r.Start(nil)
	require.NoError(t, err)

	_, err = r.Start(nil)
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestRecordStepWithoutSession(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	_, err := r.RecordStep(Step{Action: "navigate"})
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestRecordStepAssignsIDAndIndex(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	_, err := r.Start(nil)
	require.NoError(t, err)

	first, err := r.RecordStep(Step{Action: "navigate", ActorID: "default", DurationMs: 42})
	require.NoError(t, err)
	second, err := r.RecordStep(Step{Action: "click", ActorID: "admin"})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, int64(42), first.DurationMs)
	assert.False(t, first.RecordedAt.IsZero())
}

func TestRecordStepEnforcesCeiling(t *testing.T) {
	r, _ := newTestRecorder(t, func(cfg *config.SessionConfig) { cfg.MaxSteps = 2 })
	_, err := r.Start(nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := r.RecordStep(Step{Action: "click"})
		require.NoError(t, err)
	}

	_, err = r.RecordStep(Step{Action: "click"})
	require.ErrorIs(t, err, ErrStepLimitReached)

	// The failed call left the log unchanged.
	assert.Len(t, r.Active().Steps, 2)
}

func TestRecordStepStripsScreenshotFromEvent(t *testing.T) {
	r, bus := newTestRecorder(t, nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	_, err := r.Start(nil)
	require.NoError(t, err)
	drainEvents(ch)

	step, err := r.RecordStep(Step{Action: "screenshot", Screenshot: []byte("pngbytes")})
	require.NoError(t, err)
	assert.NotEmpty(t, step.Screenshot, "the recorded step keeps its screenshot")

	evs := drainEvents(ch)
	require.Len(t, evs, 1)
	payload, ok := evs[0].Data.(Step)
	require.True(t, ok)
	assert.Empty(t, payload.Screenshot, "the event payload must not carry screenshot bytes")
}

func TestStepArtifactsWritten(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRecorder(t, func(cfg *config.SessionConfig) { cfg.OutputDir = dir })
	id, err := r.Start(nil)
	require.NoError(t, err)

	step, err := r.RecordStep(Step{Action: "screenshot", Screenshot: []byte("pngbytes")})
	require.NoError(t, err)

	png, err := os.ReadFile(filepath.Join(dir, id, step.ID+".png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pngbytes"), png)

	meta, err := os.ReadFile(filepath.Join(dir, id, step.ID+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), step.ID)
	assert.NotContains(t, string(meta), "pngbytes")
}

func TestArtifactFailureDoesNotPropagate(t *testing.T) {
	// An unwritable output directory must not fail the recording.
	r, _ := newTestRecorder(t, func(cfg *config.SessionConfig) {
		cfg.OutputDir = filepath.Join(t.TempDir(), "missing", "\x00bad")
	})
	_, err := r.Start(nil)
	require.NoError(t, err)

	step, err := r.RecordStep(Step{Action: "navigate", Screenshot: []byte("x")})
	require.NoError(t, err)
	assert.NotNil(t, step)
}

func TestEndMaterializesObservedActors(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	_, err := r.Start(nil)
	require.NoError(t, err)

	for _, actor := range []string{"default", "admin", "default"} {
		_, err := r.RecordStep(Step{Action: "click", ActorID: actor})
		require.NoError(t, err)
	}

	sess, err := r.End()
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "admin"}, sess.Actors)
	assert.False(t, sess.EndedAt.Before(sess.StartedAt))
	assert.Nil(t, r.Active())
}

func TestEndWithoutActorStepsLeavesActorsEmpty(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	_, err := r.Start(nil)
	require.NoError(t, err)
	_, err = r.RecordStep(Step{Action: "wait"})
	require.NoError(t, err)

	sess, err := r.End()
	require.NoError(t, err)
	assert.Empty(t, sess.Actors)
}

func TestEndWithoutSession(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	_, err := r.End()
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestEndWritesSessionSummary(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRecorder(t, func(cfg *config.SessionConfig) { cfg.OutputDir = dir })
	id, err := r.Start(nil)
	require.NoError(t, err)
	_, err = r.RecordStep(Step{Action: "navigate", Page: browser.PageInfo{URL: "https://app.local"}})
	require.NoError(t, err)

	_, err = r.End()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, id, "session.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://app.local")
}

func TestBugAndFindingReports(t *testing.T) {
	r, bus := newTestRecorder(t, nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	_, err := r.Start(nil)
	require.NoError(t, err)
	drainEvents(ch)

	bug, err := r.AddBug(BugReport{Title: "broken checkout", Severity: "high"})
	require.NoError(t, err)
	assert.NotEmpty(t, bug.ID)

	finding, err := r.AddFinding(Finding{Title: "slow page load"})
	require.NoError(t, err)
	assert.NotEmpty(t, finding.ID)

	evs := drainEvents(ch)
	require.Len(t, evs, 2)
	assert.Equal(t, events.BugCreated, evs[0].Type)
	assert.Equal(t, events.FindingCreated, evs[1].Type)

	sess, err := r.End()
	require.NoError(t, err)
	assert.Len(t, sess.Bugs, 1)
	assert.Len(t, sess.Findings, 1)

	_, err = r.AddBug(BugReport{Title: "late"})
	assert.ErrorIs(t, err, ErrNoActiveSession)
}
