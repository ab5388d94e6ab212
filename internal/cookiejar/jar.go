// Package cookiejar is a small RFC 6265 subset cookie store. It never returns
// errors: malformed input is dropped.
package cookiejar

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record is one stored cookie.
type Record struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	HostOnly bool
	Secure   bool
	// ExpiresAt is nil for session cookies.
	ExpiresAt *time.Time

	seq uint64
}

func (r *Record) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

type key struct {
	domain, path, name string
}

// Jar maps (domain, path, name) to a Record. It is safe for concurrent use.
type Jar struct {
	mu      sync.Mutex
	entries map[key]*Record
	seq     uint64
	now     func() time.Time
}

// Option configures a Jar.
type Option func(*Jar)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(j *Jar) {
		j.now = now
	}
}

// New creates an empty jar.
func New(opts ...Option) *Jar {
	j := &Jar{
		entries: make(map[key]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// AddFromSetCookie parses one Set-Cookie line received from hostname.
// An empty or already expired value deletes the matching cookie.
func (j *Jar) AddFromSetCookie(hostname, line string) {
	host := canonicalHost(hostname)
	parts := strings.Split(line, ";")
	name, value, ok := strings.Cut(parts[0], "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" || host == "" {
		return
	}

	rec := &Record{
		Name:     name,
		Value:    strings.TrimSpace(value),
		Domain:   host,
		Path:     "/",
		HostOnly: true,
	}

	now := j.now()
	var maxAge *time.Time
	for _, attr := range parts[1:] {
		k, v, _ := strings.Cut(attr, "=")
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "domain":
			d := strings.ToLower(strings.TrimPrefix(v, "."))
			if d == "" {
				continue
			}
			if !domainMatch(host, d) {
				return
			}
			rec.Domain = d
			rec.HostOnly = false
		case "path":
			if strings.HasPrefix(v, "/") {
				rec.Path = v
			}
		case "secure":
			rec.Secure = true
		case "expires":
			if t, ok := parseExpires(v); ok {
				rec.ExpiresAt = &t
			}
		case "max-age":
			secs, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			t := now.Add(time.Duration(secs) * time.Second)
			maxAge = &t
		}
	}
	if maxAge != nil {
		rec.ExpiresAt = maxAge
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	k := key{rec.Domain, rec.Path, rec.Name}
	if rec.Value == "" || rec.expired(now) {
		delete(j.entries, k)
		return
	}
	if old, ok := j.entries[k]; ok {
		rec.seq = old.seq
	} else {
		j.seq++
		rec.seq = j.seq
	}
	j.entries[k] = rec
}

// ImportCookieHeader stores every pair of a "a=1; b=2" header as a host-only
// session cookie for hostname.
func (j *Jar) ImportCookieHeader(hostname, header string) {
	for _, pair := range strings.Split(header, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		j.AddFromSetCookie(hostname, strings.TrimSpace(pair))
	}
}

// UpdateFromResponse stores every Set-Cookie header of resp.
func (j *Jar) UpdateFromResponse(resp *http.Response) {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return
	}
	host := resp.Request.URL.Hostname()
	for _, line := range resp.Header.Values("Set-Cookie") {
		j.AddFromSetCookie(host, line)
	}
}

// CookieHeader returns the Cookie header value for u, or "" when no stored
// cookie applies. When several cookies share a name, the one with the longest
// matching path wins.
func (j *Jar) CookieHeader(u *url.URL) string {
	if u == nil {
		return ""
	}
	host := canonicalHost(u.Hostname())
	path := u.Path
	if path == "" {
		path = "/"
	}
	secure := u.Scheme == "https" || u.Scheme == "wss"
	now := j.now()

	j.mu.Lock()
	best := make(map[string]*Record)
	for k, rec := range j.entries {
		if rec.expired(now) {
			delete(j.entries, k)
			continue
		}
		if rec.Secure && !secure {
			continue
		}
		if rec.HostOnly {
			if host != rec.Domain {
				continue
			}
		} else if !domainMatch(host, rec.Domain) {
			continue
		}
		if !strings.HasPrefix(path, rec.Path) {
			continue
		}
		if cur, ok := best[rec.Name]; !ok || len(rec.Path) > len(cur.Path) ||
			(len(rec.Path) == len(cur.Path) && rec.seq < cur.seq) {
			best[rec.Name] = rec
		}
	}
	selected := make([]Record, 0, len(best))
	for _, rec := range best {
		selected = append(selected, *rec)
	}
	j.mu.Unlock()

	if len(selected) == 0 {
		return ""
	}
	sort.Slice(selected, func(a, b int) bool {
		if len(selected[a].Path) != len(selected[b].Path) {
			return len(selected[a].Path) > len(selected[b].Path)
		}
		return selected[a].seq < selected[b].seq
	})
	pairs := make([]string, len(selected))
	for i, rec := range selected {
		pairs[i] = rec.Name + "=" + rec.Value
	}
	return strings.Join(pairs, "; ")
}

// Len returns the number of unexpired cookies.
func (j *Jar) Len() int {
	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for k, rec := range j.entries {
		if rec.expired(now) {
			delete(j.entries, k)
			continue
		}
		n++
	}
	return n
}

func canonicalHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// domainMatch reports whether host equals domain or is a subdomain of it.
func domainMatch(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

var expiresLayouts = []string{
	http.TimeFormat,
	time.RFC1123,
	"Mon, 02-Jan-2006 15:04:05 MST",
	"Monday, 02-Jan-06 15:04:05 MST",
	time.ANSIC,
}

func parseExpires(v string) (time.Time, bool) {
	for _, layout := range expiresLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
