// Package sso drives the single sign-on login that precedes every portal
// session.
package sso

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/jwxt"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/scrape"
)

// State is a step of the login flow. Errors are reported with the state
// they happened in.
type State int

const (
	StateEntryRedirect State = iota
	StateSSORedirect
	StateLoginPageLoaded
	StateCredentialsSubmitted
	StatePostLoginRedirects
	StateWarmedUp
	StateSelectionLoaded
	StateContextReady
)

var stateNames = [...]string{
	"entry_redirect",
	"sso_redirect",
	"login_page_loaded",
	"credentials_submitted",
	"post_login_redirects",
	"warmed_up",
	"selection_loaded",
	"context_ready",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

const (
	defaultRetries      = 2
	defaultMaxRedirects = 12
	baseBackoff         = 500 * time.Millisecond
	stepBackoff         = 750 * time.Millisecond
)

// ContextBuilder turns the selection index page into a request context.
type ContextBuilder interface {
	FromIndex(ctx context.Context, client *httpclient.Client, indexHTML, preferredXkkzID string) (domain.Selection, error)
}

// Flow logs sessions in through SSO.
type Flow struct {
	endpoints    *jwxt.Endpoints
	keys         KeySource
	builder      ContextBuilder
	clientOpts   []httpclient.Option
	retries      int
	maxRedirects int
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
}

// Option configures a Flow.
type Option func(*Flow)

// WithRetries sets how many extra attempts follow a failed one.
func WithRetries(n int) Option {
	return func(f *Flow) {
		if n >= 0 {
			f.retries = n
		}
	}
}

// WithClientOptions is applied to the client built for every attempt.
func WithClientOptions(opts ...httpclient.Option) Option {
	return func(f *Flow) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(f *Flow) {
		f.sleep = sleep
	}
}

// WithClock injects the time source used to stamp sessions.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		f.now = now
	}
}

// NewFlow creates a login flow against endpoints.
func NewFlow(endpoints *jwxt.Endpoints, keys KeySource, builder ContextBuilder, opts ...Option) *Flow {
	f := &Flow{
		endpoints:    endpoints,
		keys:         keys,
		builder:      builder,
		retries:      defaultRetries,
		maxRedirects: defaultMaxRedirects,
		now:          time.Now,
		sleep:        sleepWithContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Backoff returns the wait after failed attempt n, counted from 0.
func Backoff(failed int) time.Duration {
	return baseBackoff + time.Duration(failed)*stepBackoff
}

// Login authenticates sess.Account with password and leaves sess with a
// ready request context. Every attempt starts from an empty cookie jar; only
// the last error is returned.
func (f *Flow) Login(ctx context.Context, sess *domain.Session, password string) error {
	ctx = observability.WithSessionID(ctx, sess.ID)
	logger := observability.FromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt - 1)
			logger.Warn("login attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := f.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		sess.ResetJar()
		client := httpclient.New(sess.CookieJar(), f.clientOpts...)
		lastErr = f.run(ctx, client, sess, password)
		if lastErr == nil {
			observability.LoginAttemptsTotal.WithLabelValues("success").Inc()
			logger.Info("login succeeded", slog.Int("attempts", attempt+1))
			return nil
		}
		observability.LoginAttemptsTotal.WithLabelValues(outcome(lastErr)).Inc()

		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func outcome(err error) string {
	if code := domain.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

func (f *Flow) run(ctx context.Context, client *httpclient.Client, sess *domain.Session, password string) error {
	logger := observability.FromContext(ctx)
	step := func(s State) {
		logger.Debug("login state", slog.String("state", s.String()))
	}

	step(StateEntryRedirect)
	entry, err := client.Get(ctx, f.endpoints.SSOEntry(), nil)
	if err != nil {
		return err
	}
	ssoURL, err := requireRedirect(StateEntryRedirect, entry, true)
	if err != nil {
		return err
	}

	step(StateSSORedirect)
	hop, err := client.Get(ctx, ssoURL.String(), http.Header{"Referer": {entry.URL.String()}})
	if err != nil {
		return err
	}
	loginURL, err := requireRedirect(StateSSORedirect, hop, false)
	if err != nil {
		return err
	}

	step(StateLoginPageLoaded)
	page, err := client.Get(ctx, loginURL.String(), http.Header{"Referer": {hop.URL.String()}})
	if err != nil {
		return err
	}
	if page.Status != http.StatusOK {
		return domain.StatusError(StateLoginPageLoaded.String(), page.Status, page.URL.String())
	}
	form, action, err := f.credentialsForm(ctx, client, page, sess.Account.UserID, password)
	if err != nil {
		return err
	}

	step(StateCredentialsSubmitted)
	submitted, err := client.PostForm(ctx, action, form, http.Header{
		"Referer": {page.URL.String()},
		"Origin":  {page.URL.Scheme + "://" + page.URL.Host},
	})
	if err != nil {
		return err
	}

	step(StatePostLoginRedirects)
	final, err := client.FollowRedirects(ctx, submitted, f.maxRedirects)
	if err != nil {
		return err
	}
	if final.Status >= http.StatusInternalServerError {
		return domain.StatusError(StatePostLoginRedirects.String(), final.Status, final.URL.String())
	}

	step(StateWarmedUp)
	if _, err := client.Get(ctx, f.endpoints.WarmUp(), nil); err != nil {
		logger.Debug("warm-up request failed", slog.String("error", err.Error()))
	}

	step(StateSelectionLoaded)
	index, err := client.Get(ctx, f.endpoints.Index(), nil)
	if err != nil {
		return err
	}
	if err := f.endpoints.CheckLanding(StateSelectionLoaded.String(), index); err != nil {
		// Still on a login surface after the whole chain: the portal did
		// not accept this login.
		return &domain.Error{
			Code:    domain.CodeLoginFailed,
			Op:      StateSelectionLoaded.String(),
			Status:  index.Status,
			URL:     index.URL.String(),
			Message: "portal session not established",
			Err:     err,
		}
	}
	if index.Status != http.StatusOK {
		return domain.StatusError(StateSelectionLoaded.String(), index.Status, index.URL.String())
	}

	_, _, preferred := sess.XkkzIDs()
	sel, err := f.builder.FromIndex(ctx, client, index.Text(), preferred)
	if err != nil {
		return err
	}
	if err := sess.ApplySelection(sel, f.now()); err != nil {
		return err
	}
	if name := sel.Fields["xm"]; name != "" {
		sess.SetDisplayName(name)
	}
	step(StateContextReady)
	return nil
}

// credentialsForm builds the login POST from the page's hidden fields.
func (f *Flow) credentialsForm(ctx context.Context, client *httpclient.Client, page *httpclient.Response, userID, password string) (url.Values, string, error) {
	doc := scrape.Parse(page.Text())

	form := url.Values{}
	for k, v := range doc.HiddenInputs() {
		if k == "username" || k == "password" {
			continue
		}
		form.Set(k, v)
	}

	key, err := f.keys.PublicKey(ctx, client)
	if err != nil {
		return nil, "", err
	}
	cipher, err := EncryptPassword(key, password)
	if err != nil {
		return nil, "", err
	}
	form.Set("username", strings.TrimSpace(userID))
	form.Set("password", cipher)

	action := page.URL.String()
	if raw := strings.TrimSpace(doc.FormAction()); raw != "" {
		if ref, err := url.Parse(raw); err == nil {
			action = page.URL.ResolveReference(ref).String()
		}
	}
	return form, action, nil
}

// requireRedirect checks resp is a redirect with a location. The entry hop
// must be 301, 302 or 303; later hops accept any redirect status.
func requireRedirect(state State, resp *httpclient.Response, strict bool) (*url.URL, error) {
	ok := resp.IsRedirect()
	if strict {
		ok = resp.Status == http.StatusMovedPermanently ||
			resp.Status == http.StatusFound ||
			resp.Status == http.StatusSeeOther
	}
	if !ok {
		return nil, &domain.Error{Code: domain.CodeRedirectMissing, Op: state.String(), Status: resp.Status, URL: resp.URL.String()}
	}
	loc, found := resp.Location()
	if !found {
		return nil, &domain.Error{Code: domain.CodeRedirectMissing, Op: state.String(), Status: resp.Status, URL: resp.URL.String(), Message: "location header missing"}
	}
	return loc, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
