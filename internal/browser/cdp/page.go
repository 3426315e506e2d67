// File: internal/browser/cdp/page.go
package cdp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/browser"
	"github.com/troupehq/troupe/internal/config"
)

const (
	networkQuietPeriod    = 500 * time.Millisecond
	networkIdleCheckEvery = 250 * time.Millisecond
	closeTimeout          = 15 * time.Second
)

// page is one isolated browsing surface bound to a dedicated CDP browser
// context. Not safe for concurrent use; the orchestrator's queue discipline
// provides all synchronization.
type page struct {
	logger        *zap.Logger
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	browserCtxID  cdp.BrowserContextID
	engine        *Engine
	cfg           config.BrowserConfig

	activeReqs atomic.Int64

	mu          sync.Mutex
	consoleErrs []string
	networkErrs []string
	closed      bool
}

var _ browser.Page = (*page)(nil)

func newPage(logger *zap.Logger, sessionCtx context.Context, cancel context.CancelFunc, id cdp.BrowserContextID, engine *Engine, cfg config.BrowserConfig) *page {
	return &page{
		logger:        logger.With(zap.String("browser_context_id", string(id))),
		sessionCtx:    sessionCtx,
		sessionCancel: cancel,
		browserCtxID:  id,
		engine:        engine,
		cfg:           cfg,
	}
}

// setup attaches to the target, enables the event domains, applies the actor's
// emulation overrides, and installs the error-harvesting listener.
func (p *page) setup(ctx context.Context, opts browser.ActorOptions) error {
	chromedp.ListenTarget(p.sessionCtx, p.handleEvent)

	tasks := chromedp.Tasks{
		network.Enable(),
		runtime.Enable(),
		cdplog.Enable(),
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		tasks = append(tasks, chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)))
	}
	if opts.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(opts.Locale))
	}
	if opts.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(opts.Timezone))
	}
	if opts.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(opts.UserAgent))
	}

	setupCtx, cancel := p.actionContext(ctx, p.cfg.ActionTimeout)
	defer cancel()
	return chromedp.Run(setupCtx, tasks)
}

// handleEvent harvests console and network failures and maintains the active
// request counter used for idle detection.
func (p *page) handleEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.activeReqs.Add(1)
	case *network.EventLoadingFinished:
		p.decActive()
	case *network.EventLoadingFailed:
		p.decActive()
		p.mu.Lock()
		p.networkErrs = append(p.networkErrs, fmt.Sprintf("request failed: %s", ev.ErrorText))
		p.mu.Unlock()
	case *network.EventResponseReceived:
		if ev.Response.Status >= 400 {
			p.mu.Lock()
			p.networkErrs = append(p.networkErrs,
				fmt.Sprintf("HTTP %d %s", ev.Response.Status, ev.Response.URL))
			p.mu.Unlock()
		}
	case *cdplog.EventEntryAdded:
		if ev.Entry.Level == cdplog.LevelError {
			p.mu.Lock()
			p.consoleErrs = append(p.consoleErrs, ev.Entry.Text)
			p.mu.Unlock()
		}
	case *runtime.EventExceptionThrown:
		p.mu.Lock()
		p.consoleErrs = append(p.consoleErrs, ev.ExceptionDetails.Error())
		p.mu.Unlock()
	}
}

func (p *page) decActive() {
	// Clamp at zero; the enable call can race the first events.
	for {
		n := p.activeReqs.Load()
		if n <= 0 {
			return
		}
		if p.activeReqs.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// actionContext derives a chromedp-capable context carrying the timeout. The
// session context must be the parent; the caller's ctx only contributes
// cancellation via the timeout bound.
func (p *page) actionContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(p.sessionCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() { stop(); cancel() }
}

func (p *page) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := p.actionContext(ctx, p.cfg.NavigationTimeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// WaitNetworkIdle blocks until no request has been in flight for a quiet
// period, bounded by the navigation timeout.
func (p *page) WaitNetworkIdle(ctx context.Context) error {
	waitCtx, cancel := p.actionContext(ctx, p.cfg.NavigationTimeout)
	defer cancel()

	timer := time.NewTimer(networkQuietPeriod)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	isIdle := false

	ticker := time.NewTicker(networkIdleCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("waiting for network idle: %w", waitCtx.Err())
		case <-ticker.C:
			if p.activeReqs.Load() > 0 {
				if isIdle {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					isIdle = false
				}
			} else if !isIdle {
				timer.Reset(networkQuietPeriod)
				isIdle = true
			}
		case <-timer.C:
			return nil
		}
	}
}

func (p *page) Click(ctx context.Context, selector string) error {
	runCtx, cancel := p.actionContext(ctx, p.cfg.ActionTimeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click %q failed: %w", selector, err)
	}
	return nil
}

func (p *page) Fill(ctx context.Context, selector, value string) error {
	runCtx, cancel := p.actionContext(ctx, p.cfg.ActionTimeout)
	defer cancel()
	// Clear then type so input listeners fire as they would for a user.
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %q failed: %w", selector, err)
	}
	return nil
}

func (p *page) Submit(ctx context.Context, selector string) error {
	runCtx, cancel := p.actionContext(ctx, p.cfg.ActionTimeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Submit(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("submit %q failed: %w", selector, err)
	}
	return nil
}

func (p *page) Evaluate(ctx context.Context, script string, out interface{}) error {
	runCtx, cancel := p.actionContext(ctx, p.cfg.ActionTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate failed: %w", err)
	}
	return nil
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	runCtx, cancel := p.actionContext(ctx, p.cfg.ActionTimeout)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (p *page) Info(ctx context.Context) (browser.PageInfo, error) {
	runCtx, cancel := p.actionContext(ctx, p.cfg.ActionTimeout)
	defer cancel()
	var info browser.PageInfo
	err := chromedp.Run(runCtx,
		chromedp.Location(&info.URL),
		chromedp.Title(&info.Title),
	)
	if err != nil {
		return browser.PageInfo{}, fmt.Errorf("failed to read page info: %w", err)
	}
	return info, nil
}

func (p *page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	runCtx, cancel := p.actionContext(ctx, p.cfg.ActionTimeout)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(c context.Context) error {
		for _, cookie := range cookies {
			params := network.SetCookie(cookie.Name, cookie.Value).
				WithDomain(cookie.Domain).
				WithPath(cookie.Path).
				WithHTTPOnly(cookie.HTTPOnly).
				WithSecure(cookie.Secure)
			if !cookie.Expires.IsZero() {
				exp := cdp.TimeSinceEpoch(cookie.Expires)
				params = params.WithExpires(&exp)
			}
			if err := params.Do(c); err != nil {
				return fmt.Errorf("failed to set cookie %q: %w", cookie.Name, err)
			}
		}
		return nil
	}))
}

func (p *page) SetStorageItem(ctx context.Context, kind browser.StorageKind, key, value string) error {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return err
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return err
	}
	script := fmt.Sprintf("window.%s.setItem(%s, %s)", kind, keyJSON, valueJSON)
	if err := p.Evaluate(ctx, script, nil); err != nil {
		return fmt.Errorf("failed to write %s item %q: %w", kind, key, err)
	}
	return nil
}

func (p *page) DrainConsoleErrors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.consoleErrs
	p.consoleErrs = nil
	return drained
}

func (p *page) DrainNetworkErrors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.networkErrs
	p.networkErrs = nil
	return drained
}

// Close detaches the session and disposes the backing browser context.
func (p *page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	sessionCtx := p.sessionCtx
	p.sessionCancel()
	p.engine.disposeBrowserContext(p.browserCtxID)

	select {
	case <-sessionCtx.Done():
	case <-ctx.Done():
		p.logger.Warn("Interrupted while waiting for session close", zap.Error(ctx.Err()))
	case <-time.After(closeTimeout):
		p.logger.Warn("Timeout waiting for session close")
	}
	return nil
}
