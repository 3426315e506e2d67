// File: internal/browser/orchestrator.go
package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/troupehq/troupe/internal/config"
)

// DefaultActorName is the actor auto-created at launch.
const DefaultActorName = "default"

// Actor is one registered isolated browsing context: a simulated user role
// with its own cookies and storage.
type Actor struct {
	Name string
	page Page
	opts ActorOptions
}

// Page exposes the actor's browsing surface. Callers must only touch it from
// inside a queued thunk.
func (a *Actor) Page() Page { return a.page }

// Orchestrator owns the automation engine process, the actor-context registry,
// the active-context pointer, and the two action queues.
type Orchestrator struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	engine Engine
	sched  *Scheduler

	mu       sync.RWMutex
	actors   map[string]*Actor
	active   *Actor
	launched bool
	closed   bool
}

// NewOrchestrator wires an orchestrator around an injected engine. Launch must
// be called before any other operation.
func NewOrchestrator(logger *zap.Logger, cfg config.BrowserConfig, engine Engine) *Orchestrator {
	return &Orchestrator{
		logger: logger.Named("orchestrator"),
		cfg:    cfg,
		engine: engine,
		sched:  NewScheduler(logger, cfg.ActionTimeout),
		actors: make(map[string]*Actor),
	}
}

// Launch starts the engine and auto-creates the "default" actor. A second
// Launch fails: the orchestrator is single-instance per process.
func (o *Orchestrator) Launch(ctx context.Context) error {
	o.mu.Lock()
	if o.launched {
		o.mu.Unlock()
		return ErrAlreadyLaunched
	}
	o.launched = true
	o.mu.Unlock()

	if err := o.engine.Start(ctx); err != nil {
		o.mu.Lock()
		o.launched = false
		o.mu.Unlock()
		return fmt.Errorf("failed to start automation engine: %w", err)
	}

	if _, err := o.CreateActor(ctx, DefaultActorName, ActorOptions{}); err != nil {
		return fmt.Errorf("failed to create default actor: %w", err)
	}
	o.logger.Info("Browser launched", zap.String("default_actor", DefaultActorName))
	return nil
}

// mergeOptions fills unset actor options from the process-wide defaults.
func (o *Orchestrator) mergeOptions(opts ActorOptions) ActorOptions {
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = o.cfg.ViewportWidth
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = o.cfg.ViewportHeight
	}
	if opts.Locale == "" {
		opts.Locale = o.cfg.Locale
	}
	if opts.Timezone == "" {
		opts.Timezone = o.cfg.Timezone
	}
	if opts.UserAgent == "" {
		opts.UserAgent = o.cfg.UserAgent
	}
	return opts
}

// CreateActor registers a new isolated context under a unique name. The first
// actor ever created becomes active.
func (o *Orchestrator) CreateActor(ctx context.Context, name string, opts ActorOptions) (*Actor, error) {
	o.mu.Lock()
	if !o.launched {
		o.mu.Unlock()
		return nil, ErrNotLaunched
	}
	if _, exists := o.actors[name]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrActorExists, name)
	}
	o.mu.Unlock()

	merged := o.mergeOptions(opts)
	page, err := o.engine.NewPage(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to create context for actor %q: %w", name, err)
	}

	actor := &Actor{Name: name, page: page, opts: merged}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.actors[name]; exists {
		// Lost a race with a concurrent CreateActor for the same name.
		go page.Close(context.Background())
		return nil, fmt.Errorf("%w: %q", ErrActorExists, name)
	}
	o.actors[name] = actor
	if o.active == nil {
		o.active = actor
	}
	o.logger.Info("Actor context created",
		zap.String("actor", name),
		zap.Int("viewport_width", merged.ViewportWidth),
		zap.Int("viewport_height", merged.ViewportHeight))
	return actor, nil
}

// SwitchActor reassigns the active-context pointer. Unknown names fail with a
// listing of the registered actors.
func (o *Orchestrator) SwitchActor(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.launched {
		return ErrNotLaunched
	}
	actor, ok := o.actors[name]
	if !ok {
		return fmt.Errorf("%w: %q (known: %s)", ErrUnknownActor, name, strings.Join(o.actorNamesLocked(), ", "))
	}
	o.active = actor
	o.logger.Debug("Active actor switched", zap.String("actor", name))
	return nil
}

// Active returns the currently active actor.
func (o *Orchestrator) Active() (*Actor, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.launched || o.active == nil {
		return nil, ErrNotLaunched
	}
	return o.active, nil
}

// Actor looks up a registered actor by name.
func (o *Orchestrator) Actor(name string) (*Actor, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	actor, ok := o.actors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownActor, name, strings.Join(o.actorNamesLocked(), ", "))
	}
	return actor, nil
}

// ActorNames returns the registered actor names, sorted.
func (o *Orchestrator) ActorNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.actorNamesLocked()
}

func (o *Orchestrator) actorNamesLocked() []string {
	names := make([]string, 0, len(o.actors))
	for name := range o.actors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActorThunk is a queued action bound to a specific actor.
type ActorThunk func(ctx context.Context, actor *Actor) error

// QueueWrite serializes a mutating action against the actor that is active at
// enqueue time. Binding the target here rather than at execution time avoids
// the switch-mid-queue hazard: a SwitchActor issued after enqueue cannot
// redirect an already queued action.
func (o *Orchestrator) QueueWrite(ctx context.Context, fn ActorThunk) error {
	actor, err := o.Active()
	if err != nil {
		return err
	}
	return o.QueueWriteFor(ctx, actor.Name, fn)
}

// QueueWriteFor serializes a mutating action against a named actor.
func (o *Orchestrator) QueueWriteFor(ctx context.Context, name string, fn ActorThunk) error {
	actor, err := o.Actor(name)
	if err != nil {
		return err
	}
	return o.sched.Write(ctx, func(tctx context.Context) error {
		return fn(tctx, actor)
	})
}

// QueueRead runs a non-mutating action against the actor active at enqueue
// time, with bounded parallelism.
func (o *Orchestrator) QueueRead(ctx context.Context, fn ActorThunk) error {
	actor, err := o.Active()
	if err != nil {
		return err
	}
	return o.QueueReadFor(ctx, actor.Name, fn)
}

// QueueReadFor runs a non-mutating action against a named actor.
func (o *Orchestrator) QueueReadFor(ctx context.Context, name string, fn ActorThunk) error {
	actor, err := o.Actor(name)
	if err != nil {
		return err
	}
	return o.sched.Read(ctx, func(tctx context.Context) error {
		return fn(tctx, actor)
	})
}

// replaceActor swaps a registered actor's page in place, preserving its
// registry key and active status. Used by the storage-state auth strategy.
func (o *Orchestrator) replaceActor(name string, page Page) (old Page, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	actor, ok := o.actors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActor, name)
	}
	old = actor.page
	actor.page = page
	return old, nil
}

// Close drains both queues to idle, tears down every actor context
// independently best-effort, and stops the engine. A teardown failure on one
// actor never blocks the others.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.launched || o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.sched.Close()

	o.mu.Lock()
	actors := make([]*Actor, 0, len(o.actors))
	for _, a := range o.actors {
		actors = append(actors, a)
	}
	o.actors = make(map[string]*Actor)
	o.active = nil
	o.launched = false
	o.mu.Unlock()

	var g errgroup.Group
	for _, actor := range actors {
		g.Go(func() error {
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := actor.page.Close(closeCtx); err != nil {
				o.logger.Warn("Failed to close actor context",
					zap.String("actor", actor.Name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := o.engine.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop automation engine: %w", err)
	}
	o.logger.Info("Browser closed", zap.Int("actors_torn_down", len(actors)))
	return nil
}
