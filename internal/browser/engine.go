// File: internal/browser/engine.go
package browser

import (
	"context"
	"time"
)

// Engine abstracts the underlying browser automation process. The orchestrator
// owns exactly one Engine; the concrete implementation (chromedp, in
// internal/browser/cdp) is injected at construction time so the core stays
// testable without a real browser.
type Engine interface {
	// Start launches the browser process. Calling Start twice is an error.
	Start(ctx context.Context) error

	// NewPage creates a page inside a fresh isolated browsing profile
	// (separate cookies and storage) with the given overrides applied.
	NewPage(ctx context.Context, opts ActorOptions) (Page, error)

	// Stop tears down the browser process. Pages must be closed first.
	Stop(ctx context.Context) error
}

// Page is the per-actor browsing surface the orchestrator schedules work
// against. Implementations are not safe for concurrent use; the Write/Read
// queue discipline provides all synchronization.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitNetworkIdle(ctx context.Context) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Submit(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, script string, out interface{}) error
	Screenshot(ctx context.Context) ([]byte, error)
	Info(ctx context.Context) (PageInfo, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	SetStorageItem(ctx context.Context, kind StorageKind, key, value string) error

	// DrainConsoleErrors and DrainNetworkErrors return the errors harvested
	// since the previous drain, clearing the buffer.
	DrainConsoleErrors() []string
	DrainNetworkErrors() []string

	Close(ctx context.Context) error
}

// PageInfo is the observable state snapshot attached to recorded steps.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// StorageKind selects between the two DOM storage areas.
type StorageKind string

const (
	LocalStorage   StorageKind = "localStorage"
	SessionStorage StorageKind = "sessionStorage"
)

// Cookie is the engine-neutral cookie representation used by auth strategies
// and storage-state restoration.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// StorageItem is one key/value entry in an origin's local storage.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginState holds the local storage captured for one origin.
type OriginState struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// StorageState is a serialized browsing-profile snapshot, the blob consumed by
// the storage-state auth strategy.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// ActorOptions are the per-actor overrides applied when creating an isolated
// context. Zero values inherit the process-wide browser defaults.
type ActorOptions struct {
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	Timezone       string
	UserAgent      string
}
