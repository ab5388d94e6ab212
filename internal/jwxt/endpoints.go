// Package jwxt knows the URL layout of the enrollment portal.
package jwxt

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
)

// Paths lists every portal path the agent talks to.
type Paths struct {
	SSOEntry     string
	LocalLogin   string
	WarmUp       string
	Index        string
	Display      string
	CourseList   string
	CourseDetail string
	Selected     string
	Enroll       string
	Drop         string
	DropLegacy   string
	Breakdown    string
}

// DefaultPaths is the zfsoft layout used by jwxt.shu.edu.cn.
var DefaultPaths = Paths{
	SSOEntry:     "/sso/shulogin",
	LocalLogin:   "/jwglxt/xtgl/login_slogin.html",
	WarmUp:       "/jwglxt/xtgl/index_initMenu.html",
	Index:        "/jwglxt/xsxk/zzxkyzb_cxZzxkYzbIndex.html",
	Display:      "/jwglxt/xsxk/zzxkyzb_cxZzxkYzbDisplay.html",
	CourseList:   "/jwglxt/xsxk/zzxkyzb_cxZzxkYzbPartDisplay.html",
	CourseDetail: "/jwglxt/xsxk/zzxkyzbjk_cxJxbWithKchZzxkYzb.html",
	Selected:     "/jwglxt/xsxk/zzxkyzb_cxZzxkYzbChoosedDisplay.html",
	Enroll:       "/jwglxt/xsxk/zzxkyzbjk_xkBcZyZzxkYzb.html",
	Drop:         "/jwglxt/xsxk/zzxkyzb_tuikBcZzxkYzb.html",
	DropLegacy:   "/jwglxt/xsxk/zzxkyzbjk_tuikb.html",
	Breakdown:    "/jwglxt/xsxk/zzxkyzb_cxJxbRsxxZzxkYzb.html",
}

// Endpoints resolves portal paths against one deployment.
type Endpoints struct {
	base    *url.URL
	gnmkdm  string
	ssoHost string
	paths   Paths
}

// New parses baseURL and returns the endpoint table for it. Empty fields of
// paths fall back to DefaultPaths.
func New(baseURL, gnmkdm, ssoHost string, paths Paths) (*Endpoints, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", baseURL)
	}
	return &Endpoints{
		base:    base,
		gnmkdm:  gnmkdm,
		ssoHost: strings.ToLower(ssoHost),
		paths:   withDefaults(paths),
	}, nil
}

func withDefaults(p Paths) Paths {
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	d := DefaultPaths
	return Paths{
		SSOEntry:     pick(p.SSOEntry, d.SSOEntry),
		LocalLogin:   pick(p.LocalLogin, d.LocalLogin),
		WarmUp:       pick(p.WarmUp, d.WarmUp),
		Index:        pick(p.Index, d.Index),
		Display:      pick(p.Display, d.Display),
		CourseList:   pick(p.CourseList, d.CourseList),
		CourseDetail: pick(p.CourseDetail, d.CourseDetail),
		Selected:     pick(p.Selected, d.Selected),
		Enroll:       pick(p.Enroll, d.Enroll),
		Drop:         pick(p.Drop, d.Drop),
		DropLegacy:   pick(p.DropLegacy, d.DropLegacy),
		Breakdown:    pick(p.Breakdown, d.Breakdown),
	}
}

// Origin returns scheme://host of the deployment.
func (e *Endpoints) Origin() string {
	return e.base.Scheme + "://" + e.base.Host
}

// Gnmkdm returns the functional-module code.
func (e *Endpoints) Gnmkdm() string {
	return e.gnmkdm
}

// resolve joins path onto the base and appends gnmkdm.
func (e *Endpoints) resolve(path string, extra url.Values) string {
	u := *e.base
	u.Path = e.base.Path + path
	q := url.Values{}
	for k, vs := range extra {
		q[k] = vs
	}
	if e.gnmkdm != "" {
		q.Set("gnmkdm", e.gnmkdm)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SSOEntry is the portal URL that bounces to the identity provider.
func (e *Endpoints) SSOEntry() string {
	u := *e.base
	u.Path = e.base.Path + e.paths.SSOEntry
	return u.String()
}

func (e *Endpoints) WarmUp() string {
	return e.resolve(e.paths.WarmUp, nil)
}

func (e *Endpoints) Index() string {
	return e.resolve(e.paths.Index, url.Values{"layout": {"default"}})
}

func (e *Endpoints) Display() string      { return e.resolve(e.paths.Display, nil) }
func (e *Endpoints) CourseList() string   { return e.resolve(e.paths.CourseList, nil) }
func (e *Endpoints) CourseDetail() string { return e.resolve(e.paths.CourseDetail, nil) }
func (e *Endpoints) Selected() string     { return e.resolve(e.paths.Selected, nil) }
func (e *Endpoints) Enroll() string       { return e.resolve(e.paths.Enroll, nil) }
func (e *Endpoints) Drop() string         { return e.resolve(e.paths.Drop, nil) }
func (e *Endpoints) DropLegacy() string   { return e.resolve(e.paths.DropLegacy, nil) }
func (e *Endpoints) Breakdown() string    { return e.resolve(e.paths.Breakdown, nil) }

// IsSSOURL reports whether u points at the identity provider. An SSO host
// configured with a port only matches that port.
func (e *Endpoints) IsSSOURL(u *url.URL) bool {
	if u == nil || e.ssoHost == "" {
		return false
	}
	host := u.Hostname()
	if strings.Contains(e.ssoHost, ":") {
		host = u.Host
	}
	return strings.EqualFold(host, e.ssoHost)
}

// IsLocalLoginURL reports whether u is the portal's own login page.
func (e *Endpoints) IsLocalLoginURL(u *url.URL) bool {
	return u != nil && strings.HasSuffix(u.Path, e.paths.LocalLogin)
}

// IsLoginURL reports whether u is either login surface.
func (e *Endpoints) IsLoginURL(u *url.URL) bool {
	return e.IsSSOURL(u) || e.IsLocalLoginURL(u)
}

// CheckLanding returns a SESSION_INVALID error when resp is, or redirects to,
// a login page. The portal answers expired sessions with 200 on the login
// page or with a redirect to it, so status alone is not enough.
func (e *Endpoints) CheckLanding(op string, resp *httpclient.Response) error {
	if e.IsLoginURL(resp.URL) {
		return domain.SessionInvalid(op, resp.Status, resp.URL.String())
	}
	if resp.IsRedirect() {
		if loc, ok := resp.Location(); ok && e.IsLoginURL(loc) {
			return domain.SessionInvalid(op, resp.Status, loc.String())
		}
	}
	return nil
}

// AjaxHeader returns the headers the portal's own XHR calls carry.
func (e *Endpoints) AjaxHeader() http.Header {
	return http.Header{
		"X-Requested-With": {"XMLHttpRequest"},
		"Accept":           {"application/json, text/javascript, */*; q=0.01"},
		"Origin":           {e.Origin()},
		"Referer":          {e.Index()},
	}
}
