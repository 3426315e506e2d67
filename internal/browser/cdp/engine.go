// File: internal/browser/cdp/engine.go

// Package cdp implements the browser.Engine interface on top of chromedp.
// Each actor gets its own CDP browser context (separate cookie jar and
// storage) inside one shared Chrome process.
package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/browser"
	"github.com/troupehq/troupe/internal/config"
)

// Engine owns the Chrome process and hands out isolated pages. The zero value
// is not usable; construct with NewEngine and call Start before NewPage.
type Engine struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	mu            sync.Mutex
	started       bool
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// Serializes CreateBrowserContext/CreateTarget pairs; interleaved creation
	// calls against one browser process are racy.
	createMu sync.Mutex
}

var _ browser.Engine = (*Engine)(nil)

func NewEngine(logger *zap.Logger, cfg config.BrowserConfig) *Engine {
	return &Engine{
		logger: logger.Named("cdp"),
		cfg:    cfg,
	}
}

func (e *Engine) execOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	}
	if e.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	return opts
}

// Start launches Chrome and establishes the controller connection.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return browser.ErrAlreadyLaunched
	}

	// The allocator must outlive the caller's ctx; pages are created and
	// closed across many later calls.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), e.execOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// An empty Run forces the process to spawn now so startup failures
	// surface here instead of on the first page.
	startCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("failed to launch chrome: %w", err)
	}

	e.allocCtx = allocCtx
	e.allocCancel = allocCancel
	e.browserCtx = browserCtx
	e.browserCancel = browserCancel
	e.started = true
	e.logger.Info("Chrome process launched", zap.Bool("headless", e.cfg.Headless))
	return nil
}

// NewPage creates an isolated browser context plus a blank target inside it
// and returns the attached page.
func (e *Engine) NewPage(ctx context.Context, opts browser.ActorOptions) (browser.Page, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, browser.ErrNotLaunched
	}
	browserCtx := e.browserCtx
	e.mu.Unlock()

	e.createMu.Lock()
	defer e.createMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before creating browser context: %w", err)
	}

	var browserContextID cdp.BrowserContextID
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		browserContextID, err = target.CreateBrowserContext().
			WithDisposeOnDetach(true).
			Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	var targetID target.ID
	err = chromedp.Run(browserCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		targetID, err = target.CreateTarget("about:blank").
			WithBrowserContextID(browserContextID).
			Do(c)
		return err
	}))
	if err != nil {
		e.disposeBrowserContext(browserContextID)
		return nil, fmt.Errorf("failed to create target: %w", err)
	}

	sessionCtx, sessionCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(targetID))

	p := newPage(e.logger, sessionCtx, sessionCancel, browserContextID, e, e.cfg)
	if err := p.setup(ctx, opts); err != nil {
		p.Close(context.Background())
		return nil, fmt.Errorf("failed to set up page: %w", err)
	}
	return p, nil
}

func (e *Engine) disposeBrowserContext(id cdp.BrowserContextID) {
	e.mu.Lock()
	browserCtx := e.browserCtx
	e.mu.Unlock()
	if browserCtx == nil || browserCtx.Err() != nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(browserCtx, 5*time.Second)
	defer cancel()
	err := chromedp.Run(cleanupCtx, chromedp.ActionFunc(func(c context.Context) error {
		return target.DisposeBrowserContext(id).Do(c)
	}))
	if err != nil {
		e.logger.Debug("Failed to dispose browser context",
			zap.String("browser_context_id", string(id)), zap.Error(err))
	}
}

// Stop shuts the Chrome process down gracefully, falling back to a hard kill
// when the graceful path stalls.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	done := make(chan error, 1)
	go func() {
		// Cancel blocks until the browser process exits.
		done <- chromedp.Cancel(e.browserCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		e.logger.Warn("Graceful chrome shutdown interrupted, killing process", zap.Error(ctx.Err()))
	case <-time.After(15 * time.Second):
		e.logger.Warn("Timeout waiting for graceful chrome shutdown, killing process")
	}

	e.browserCancel()
	e.allocCancel()
	if err != nil {
		e.logger.Warn("Chrome did not shut down cleanly", zap.Error(err))
	}
	e.logger.Info("Chrome process stopped")
	return nil
}
