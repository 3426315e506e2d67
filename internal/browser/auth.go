// File: internal/browser/auth.go
package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// AuthStrategy is a closed set of authentication flows. Exactly six
// implementations exist in this package; external callers extend behavior via
// CustomAuth's injected function, never by adding strategy types.
type AuthStrategy interface {
	// Kind names the strategy for logging and error messages.
	Kind() string

	// apply is unexported to keep the set closed.
	apply(ctx context.Context, o *Orchestrator, actor *Actor) error
}

// Authenticate runs a strategy against the currently active actor, serialized
// through the write queue like any other mutation.
func (o *Orchestrator) Authenticate(ctx context.Context, role string, strategy AuthStrategy) error {
	if role == "" {
		return ErrMissingAuthRole
	}
	if strategy == nil {
		return fmt.Errorf("%w (role %q)", ErrMissingStrategy, role)
	}
	o.logger.Info("Authenticating actor",
		zap.String("role", role), zap.String("strategy", strategy.Kind()))

	return o.QueueWrite(ctx, func(tctx context.Context, actor *Actor) error {
		if err := strategy.apply(tctx, o, actor); err != nil {
			return fmt.Errorf("auth strategy %q for role %q: %w", strategy.Kind(), role, err)
		}
		return nil
	})
}

// secretFromEnv reads a required environment secret, failing loudly with the
// variable name when unset.
func secretFromEnv(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: environment variable name not configured", ErrMissingAuthConfig)
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingSecretEnv, name)
	}
	return value, nil
}

// FormAuth fills a login form with environment-sourced credentials, submits,
// and waits for the network to go idle.
type FormAuth struct {
	LoginURL         string
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	UsernameEnv      string
	PasswordEnv      string
}

func (FormAuth) Kind() string { return "form" }

func (f FormAuth) apply(ctx context.Context, o *Orchestrator, actor *Actor) error {
	if f.LoginURL == "" || f.UsernameSelector == "" || f.PasswordSelector == "" || f.SubmitSelector == "" {
		return fmt.Errorf("%w: form auth needs loginUrl and all three selectors", ErrMissingAuthConfig)
	}
	username, err := secretFromEnv(f.UsernameEnv)
	if err != nil {
		return err
	}
	password, err := secretFromEnv(f.PasswordEnv)
	if err != nil {
		return err
	}

	page := actor.Page()
	if err := page.Navigate(ctx, f.LoginURL); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}
	if err := page.Fill(ctx, f.UsernameSelector, username); err != nil {
		return fmt.Errorf("fill username field: %w", err)
	}
	if err := page.Fill(ctx, f.PasswordSelector, password); err != nil {
		return fmt.Errorf("fill password field: %w", err)
	}
	if err := page.Submit(ctx, f.SubmitSelector); err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}
	return page.WaitNetworkIdle(ctx)
}

// EnvCookie names one environment-sourced cookie value.
type EnvCookie struct {
	Name     string
	ValueEnv string
	Path     string
}

// CookieAuth injects one or more environment-sourced cookies scoped to a
// domain.
type CookieAuth struct {
	Domain  string
	Cookies []EnvCookie
}

func (CookieAuth) Kind() string { return "cookie" }

func (c CookieAuth) apply(ctx context.Context, o *Orchestrator, actor *Actor) error {
	if c.Domain == "" {
		return fmt.Errorf("%w: cookie auth needs a domain", ErrMissingAuthConfig)
	}
	if len(c.Cookies) == 0 {
		return fmt.Errorf("%w: cookie auth needs at least one cookie", ErrMissingAuthConfig)
	}

	cookies := make([]Cookie, 0, len(c.Cookies))
	for _, envCookie := range c.Cookies {
		value, err := secretFromEnv(envCookie.ValueEnv)
		if err != nil {
			return err
		}
		path := envCookie.Path
		if path == "" {
			path = "/"
		}
		cookies = append(cookies, Cookie{
			Name:   envCookie.Name,
			Value:  value,
			Domain: c.Domain,
			Path:   path,
		})
	}
	return actor.Page().SetCookies(ctx, cookies)
}

// StorageStateAuth tears down the active actor's context and rebuilds it in
// place from a serialized storage snapshot, preserving its registry key.
type StorageStateAuth struct {
	State StorageState
}

func (StorageStateAuth) Kind() string { return "storage-state" }

func (s StorageStateAuth) apply(ctx context.Context, o *Orchestrator, actor *Actor) error {
	if len(s.State.Cookies) == 0 && len(s.State.Origins) == 0 {
		return fmt.Errorf("%w: storage-state auth needs a non-empty state blob", ErrMissingAuthConfig)
	}

	fresh, err := o.engine.NewPage(ctx, actor.opts)
	if err != nil {
		return fmt.Errorf("rebuild context: %w", err)
	}

	if len(s.State.Cookies) > 0 {
		if err := fresh.SetCookies(ctx, s.State.Cookies); err != nil {
			fresh.Close(ctx)
			return fmt.Errorf("restore cookies: %w", err)
		}
	}
	for _, origin := range s.State.Origins {
		// Local storage is origin-scoped: the page must be on the origin
		// before items can be written.
		if err := fresh.Navigate(ctx, origin.Origin); err != nil {
			fresh.Close(ctx)
			return fmt.Errorf("navigate to origin %q: %w", origin.Origin, err)
		}
		for _, item := range origin.LocalStorage {
			if err := fresh.SetStorageItem(ctx, LocalStorage, item.Name, item.Value); err != nil {
				fresh.Close(ctx)
				return fmt.Errorf("restore localStorage for %q: %w", origin.Origin, err)
			}
		}
	}

	old, err := o.replaceActor(actor.Name, fresh)
	if err != nil {
		fresh.Close(ctx)
		return err
	}
	if err := old.Close(ctx); err != nil {
		o.logger.Warn("Failed to close replaced actor context",
			zap.String("actor", actor.Name), zap.Error(err))
	}
	return nil
}

// CustomAuth invokes a caller-supplied function bound to the active actor.
// The function is injected at configuration time; nothing is loaded from disk
// at call time.
type CustomAuth struct {
	Fn func(ctx context.Context, actor *Actor) error
}

func (CustomAuth) Kind() string { return "custom" }

func (c CustomAuth) apply(ctx context.Context, o *Orchestrator, actor *Actor) error {
	if c.Fn == nil {
		return fmt.Errorf("%w: custom auth needs an injected function", ErrMissingAuthConfig)
	}
	return c.Fn(ctx, actor)
}

// JWTTarget selects where the JWT auth strategy writes the token.
type JWTTarget string

const (
	JWTTargetLocalStorage   JWTTarget = "localStorage"
	JWTTargetSessionStorage JWTTarget = "sessionStorage"
	JWTTargetCookie         JWTTarget = "cookie"
)

// JWTAuth writes an environment-sourced token into web storage or a cookie.
// The token's registered claims are parsed (unverified) so an already-expired
// token fails here instead of as a mystery 401 later.
type JWTAuth struct {
	TokenEnv string
	Target   JWTTarget
	Key      string // storage key or cookie name
	Domain   string // required for the cookie target
}

func (JWTAuth) Kind() string { return "jwt" }

func (j JWTAuth) apply(ctx context.Context, o *Orchestrator, actor *Actor) error {
	if j.Key == "" {
		return fmt.Errorf("%w: jwt auth needs a storage key or cookie name", ErrMissingAuthConfig)
	}
	token, err := secretFromEnv(j.TokenEnv)
	if err != nil {
		return err
	}

	if exp, expErr := jwtExpiry(token); expErr == nil && !exp.IsZero() && exp.Before(time.Now()) {
		return fmt.Errorf("%w: token in %s expired at %s", ErrMissingAuthConfig, j.TokenEnv, exp.Format(time.RFC3339))
	}

	switch j.Target {
	case JWTTargetLocalStorage, "":
		return actor.Page().SetStorageItem(ctx, LocalStorage, j.Key, token)
	case JWTTargetSessionStorage:
		return actor.Page().SetStorageItem(ctx, SessionStorage, j.Key, token)
	case JWTTargetCookie:
		if j.Domain == "" {
			return fmt.Errorf("%w: jwt cookie target needs a domain", ErrMissingAuthConfig)
		}
		return actor.Page().SetCookies(ctx, []Cookie{{
			Name:   j.Key,
			Value:  token,
			Domain: j.Domain,
			Path:   "/",
		}})
	default:
		return fmt.Errorf("%w: unknown jwt target %q", ErrMissingAuthConfig, j.Target)
	}
}

// jwtExpiry parses the token without verifying its signature and returns the
// exp claim, zero when absent.
func jwtExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, err
	}
	return exp.Time, nil
}

// OAuthAuth navigates to a constructed authorization URL. Completing the flow
// (consent, redirect handling) is the caller's responsibility.
type OAuthAuth struct {
	AuthorizationURL string
	ClientID         string
	RedirectURI      string
	Scopes           []string
	State            string
}

func (OAuthAuth) Kind() string { return "oauth" }

func (a OAuthAuth) apply(ctx context.Context, o *Orchestrator, actor *Actor) error {
	if a.AuthorizationURL == "" || a.ClientID == "" || a.RedirectURI == "" {
		return fmt.Errorf("%w: oauth auth needs authorizationUrl, clientId, and redirectUri", ErrMissingAuthConfig)
	}

	authURL, err := url.Parse(a.AuthorizationURL)
	if err != nil {
		return fmt.Errorf("%w: invalid authorizationUrl: %v", ErrMissingAuthConfig, err)
	}
	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", a.ClientID)
	query.Set("redirect_uri", a.RedirectURI)
	if len(a.Scopes) > 0 {
		query.Set("scope", strings.Join(a.Scopes, " "))
	}
	if a.State != "" {
		query.Set("state", a.State)
	}
	authURL.RawQuery = query.Encode()

	return actor.Page().Navigate(ctx, authURL.String())
}
