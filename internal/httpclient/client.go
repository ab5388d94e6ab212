// Package httpclient sends requests on behalf of one cookie jar. Redirects
// are never followed implicitly and non-2xx statuses are not errors.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jwxt-agent/internal/cookiejar"
	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/observability"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 20 * time.Second
	maxResponseBody = 8 << 20

	// DefaultUserAgent mirrors a desktop Chrome so the portal serves its
	// regular markup.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Response is a fully read upstream response.
type Response struct {
	Status int
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// IsRedirect reports whether Status is one of 301, 302, 303, 307, 308.
func (r *Response) IsRedirect() bool {
	switch r.Status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Location resolves the location header against the response URL.
func (r *Response) Location() (*url.URL, bool) {
	loc := r.Header.Get("Location")
	if loc == "" {
		return nil, false
	}
	target, err := url.Parse(loc)
	if err != nil {
		return nil, false
	}
	if r.URL == nil {
		return target, true
	}
	return r.URL.ResolveReference(target), true
}

// Client binds an *http.Client to one cookie jar.
type Client struct {
	httpClient *http.Client
	jar        *cookiejar.Jar
	limiter    *rate.Limiter
	headers    http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its redirect policy is
// overridden so redirects reach the caller.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		cp := *hc
		c.httpClient = &cp
	}
}

// WithLimiter throttles every request through l. The limiter is usually
// shared by all sessions of the process.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHeader adds a default header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// New creates a client for jar.
func New(jar *cookiejar.Jar, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		jar:        jar,
		headers: http.Header{
			"User-Agent":      {DefaultUserAgent},
			"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7"},
			"Accept-Language": {"zh-CN,zh;q=0.9,en;q=0.8"},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.Jar = nil
	c.httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

// Jar returns the jar the client reads and writes.
func (c *Client) Jar() *cookiejar.Jar {
	return c.jar
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.Do(req, header)
}

// PostForm issues a form-encoded POST request.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	return c.Do(req, header)
}

// Do sends req with the jar's cookies and stores the cookies of the reply.
// Only transport failures are returned as errors.
func (c *Client) Do(req *http.Request, header http.Header) (*Response, error) {
	for k, vs := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = vs
		}
	}
	for k, vs := range header {
		req.Header[http.CanonicalHeaderKey(k)] = vs
	}
	if cookie := c.jar.CookieHeader(req.URL); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, domain.TransportError(req.Method, req.URL.String(), err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(req.Method, req.URL.Hostname(), "error").Inc()
		return nil, domain.TransportError(req.Method, req.URL.String(), err)
	}
	defer resp.Body.Close()

	c.jar.UpdateFromResponse(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	status := strconv.Itoa(resp.StatusCode)
	observability.UpstreamRequestDuration.WithLabelValues(req.Method, req.URL.Hostname(), status).
		Observe(time.Since(start).Seconds())
	observability.UpstreamRequestsTotal.WithLabelValues(req.Method, req.URL.Hostname(), status).Inc()
	if err != nil {
		return nil, domain.TransportError(req.Method, req.URL.String(), err)
	}

	return &Response{
		Status: resp.StatusCode,
		URL:    req.URL,
		Header: resp.Header,
		Body:   body,
	}, nil
}

// FollowRedirects follows at most limit redirect hops starting at resp. Each
// hop is a GET carrying the previous URL as referer. The last response is
// returned once the chain ends or the limit is exhausted.
func (c *Client) FollowRedirects(ctx context.Context, resp *Response, limit int) (*Response, error) {
	for hops := 0; hops < limit && resp.IsRedirect(); hops++ {
		next, ok := resp.Location()
		if !ok {
			break
		}
		header := http.Header{}
		if resp.URL != nil {
			header.Set("Referer", resp.URL.String())
		}
		r, err := c.Get(ctx, next.String(), header)
		if err != nil {
			return nil, err
		}
		resp = r
	}
	return resp, nil
}
