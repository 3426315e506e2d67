// File: internal/browser/orchestrator_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/config"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeEngine) {
	t.Helper()
	engine := &fakeEngine{}
	cfg := config.NewDefaultConfig().Browser
	o := NewOrchestrator(zap.NewNop(), cfg, engine)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o, engine
}

func TestLaunchCreatesDefaultActor(t *testing.T) {
	o, engine := newTestOrchestrator(t)

	require.NoError(t, o.Launch(context.Background()))
	assert.True(t, engine.started)

	active, err := o.Active()
	require.NoError(t, err)
	assert.Equal(t, DefaultActorName, active.Name)
	assert.Equal(t, []string{DefaultActorName}, o.ActorNames())
}

func TestDoubleLaunchFails(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	require.NoError(t, o.Launch(context.Background()))
	assert.ErrorIs(t, o.Launch(context.Background()), ErrAlreadyLaunched)
}

func TestCreateActorBeforeLaunchFails(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.CreateActor(context.Background(), "admin", ActorOptions{})
	assert.ErrorIs(t, err, ErrNotLaunched)
}

func TestCreateActorRejectsDuplicateName(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Launch(context.Background()))

	_, err := o.CreateActor(context.Background(), "admin", ActorOptions{})
	require.NoError(t, err)

	_, err = o.CreateActor(context.Background(), "admin", ActorOptions{})
	assert.ErrorIs(t, err, ErrActorExists)
}

func TestCreateActorInheritsDefaults(t *testing.T) {
	o, engine := newTestOrchestrator(t)
	require.NoError(t, o.Launch(context.Background()))

	_, err := o.CreateActor(context.Background(), "viewer", ActorOptions{Locale: "de-DE"})
	require.NoError(t, err)

	page := engine.pages[len(engine.pages)-1]
	assert.Equal(t, "de-DE", page.opts.Locale)
	assert.Equal(t, 1280, page.opts.ViewportWidth)
	assert.Equal(t, 800, page.opts.ViewportHeight)
}

func TestSwitchActorUnknownListsKnownNames(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Launch(context.Background()))
	_, err := o.CreateActor(context.Background(), "admin", ActorOptions{})
	require.NoError(t, err)

	err = o.SwitchActor("ghost")
	require.ErrorIs(t, err, ErrUnknownActor)
	assert.Contains(t, err.Error(), "admin")
	assert.Contains(t, err.Error(), DefaultActorName)
}

func TestQueueWriteBindsActorAtEnqueueTime(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Launch(context.Background()))
	_, err := o.CreateActor(context.Background(), "admin", ActorOptions{})
	require.NoError(t, err)

	// Park the queue, enqueue against the current active actor, then switch
	// before the task runs. The task must still see the actor that was active
	// when it was enqueued.
	release := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		defer close(blockerDone)
		_ = o.QueueWrite(context.Background(), func(ctx context.Context, actor *Actor) error {
			<-release
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	var seen string
	taskDone := make(chan struct{})
	go func() {
		defer close(taskDone)
		_ = o.QueueWrite(context.Background(), func(ctx context.Context, actor *Actor) error {
			seen = actor.Name
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, o.SwitchActor("admin"))
	close(release)
	<-blockerDone
	<-taskDone

	assert.Equal(t, DefaultActorName, seen)
}

func TestQueueWriteForUnknownActor(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Launch(context.Background()))

	err := o.QueueWriteFor(context.Background(), "ghost", func(ctx context.Context, actor *Actor) error {
		t.Fatal("thunk must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrUnknownActor)
}

func TestCloseTearsDownEveryActor(t *testing.T) {
	engine := &fakeEngine{}
	o := NewOrchestrator(zap.NewNop(), config.NewDefaultConfig().Browser, engine)
	require.NoError(t, o.Launch(context.Background()))
	_, err := o.CreateActor(context.Background(), "admin", ActorOptions{})
	require.NoError(t, err)

	require.NoError(t, o.Close(context.Background()))

	assert.True(t, engine.stopped)
	for _, page := range engine.pages {
		assert.True(t, page.closed)
	}

	// Post-close operations fail cleanly.
	_, activeErr := o.Active()
	assert.ErrorIs(t, activeErr, ErrNotLaunched)

	// Close is idempotent.
	assert.NoError(t, o.Close(context.Background()))
}
