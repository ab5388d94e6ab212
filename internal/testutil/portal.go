// Package testutil provides a scriptable fake of the enrollment portal and
// its SSO provider, plus shared HTTP test helpers.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"jwxt-agent/internal/cookiejar"
	"jwxt-agent/internal/jwxt"
)

const sessionCookie = "JSESSIONID"

// Section is one teaching class served by the fake detail endpoint. Keys are
// the portal's wire names (jxb_id, do_jxb_id, jsxx, ...).
type Section map[string]string

// Course is one row of the fake course list plus its sections.
type Course struct {
	KchID    string
	Kcmc     string
	Xf       string
	Cxbj     string
	Fxbj     string
	Sections []Section
}

// Portal is a fake JWXT deployment with a separate SSO server.
type Portal struct {
	JWXT *httptest.Server
	SSO  *httptest.Server

	mu        sync.Mutex
	key       *rsa.PrivateKey
	users     map[string]string
	tickets   map[string]string
	sessions  map[string]string
	hits      map[string]int
	forms     map[string][]url.Values
	overrides map[string]http.HandlerFunc
	seq       int

	IndexHTML       string
	DisplayHTML     string
	Courses         []Course
	SelectedJSON    string
	EnrollReply     string
	DropReply       string
	DropStatus      int
	DropLegacyReply string
	BreakdownHTML   string
}

// NewPortal starts both servers and closes them when t finishes.
func NewPortal(t *testing.T) *Portal {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	p := &Portal{
		key:             key,
		users:           map[string]string{},
		tickets:         map[string]string{},
		sessions:        map[string]string{},
		hits:            map[string]int{},
		forms:           map[string][]url.Values{},
		overrides:       map[string]http.HandlerFunc{},
		IndexHTML:       IndexPage,
		DisplayHTML:     DisplayPage,
		SelectedJSON:    "[]",
		EnrollReply:     `{"flag":"1","msg":"ok"}`,
		DropReply:       "1",
		DropStatus:      http.StatusOK,
		DropLegacyReply: `{"flag":"1"}`,
		BreakdownHTML:   BreakdownPage,
	}
	p.JWXT = httptest.NewServer(http.HandlerFunc(p.serveJWXT))
	p.SSO = httptest.NewServer(http.HandlerFunc(p.serveSSO))
	t.Cleanup(func() {
		p.JWXT.Close()
		p.SSO.Close()
	})
	return p
}

// AddUser registers credentials accepted by the SSO server.
func (p *Portal) AddUser(userID, password string) {
	p.mu.Lock()
	p.users[userID] = password
	p.mu.Unlock()
}

// Handle overrides the handler for path on either server.
func (p *Portal) Handle(path string, h http.HandlerFunc) {
	p.mu.Lock()
	p.overrides[path] = h
	p.mu.Unlock()
}

// Hits returns how many requests reached path.
func (p *Portal) Hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// Forms returns every form posted to path, oldest first.
func (p *Portal) Forms(path string) []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.forms[path]...)
}

// LastForm returns the most recent form posted to path.
func (p *Portal) LastForm(path string) url.Values {
	forms := p.Forms(path)
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

// ExpireSessions drops every portal session, as the portal does after a
// timeout or a login elsewhere.
func (p *Portal) ExpireSessions() {
	p.mu.Lock()
	p.sessions = map[string]string{}
	p.mu.Unlock()
}

// Endpoints returns an endpoint table pointing at the fake servers.
func (p *Portal) Endpoints(t *testing.T) *jwxt.Endpoints {
	t.Helper()
	u, _ := url.Parse(p.SSO.URL)
	e, err := jwxt.New(p.JWXT.URL, "N253512", u.Host, jwxt.Paths{})
	if err != nil {
		t.Fatalf("failed to build endpoints: %v", err)
	}
	return e
}

// PublicKeyPEM returns the SSO public key as a PKIX PEM block.
func (p *Portal) PublicKeyPEM() string {
	der, _ := x509.MarshalPKIXPublicKey(&p.key.PublicKey)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// PublicKeyURL is the dynamic modulus/exponent endpoint.
func (p *Portal) PublicKeyURL() string {
	return p.SSO.URL + "/idp/publicKey"
}

func (p *Portal) record(r *http.Request) (http.HandlerFunc, bool) {
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[r.URL.Path]++
	if r.Method == http.MethodPost {
		p.forms[r.URL.Path] = append(p.forms[r.URL.Path], r.PostForm)
	}
	h, ok := p.overrides[r.URL.Path]
	return h, ok
}

func (p *Portal) serveSSO(w http.ResponseWriter, r *http.Request) {
	if h, ok := p.record(r); ok {
		h(w, r)
		return
	}
	switch r.URL.Path {
	case "/idp/authorize":
		http.SetCookie(w, &http.Cookie{Name: "idp_flow", Value: "f1", Path: "/"})
		http.Redirect(w, r, "/idp/login?flow=f1", http.StatusFound)
	case "/idp/login":
		if r.Method == http.MethodGet {
			writeHTML(w, ssoLoginPage)
			return
		}
		p.ssoSubmit(w, r)
	case "/idp/publicKey":
		writeJSON(w, map[string]string{
			"modulus":  base64.StdEncoding.EncodeToString(p.key.N.Bytes()),
			"exponent": base64.StdEncoding.EncodeToString(big.NewInt(int64(p.key.E)).Bytes()),
		})
	default:
		http.NotFound(w, r)
	}
}

func (p *Portal) ssoSubmit(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("idp_flow"); err != nil || c.Value != "f1" || r.PostForm.Get("execution") != "e1s1" {
		http.Error(w, "flow expired", http.StatusBadRequest)
		return
	}
	userID := r.PostForm.Get("username")
	cipher, err := base64.StdEncoding.DecodeString(r.PostForm.Get("password"))
	if err != nil {
		writeHTML(w, ssoLoginPage)
		return
	}
	plain, err := rsa.DecryptPKCS1v15(nil, p.key, cipher)

	p.mu.Lock()
	want, known := p.users[userID]
	ok := err == nil && known && string(plain) == want
	var ticket string
	if ok {
		p.seq++
		ticket = fmt.Sprintf("ST-%d", p.seq)
		p.tickets[ticket] = userID
	}
	p.mu.Unlock()

	if !ok {
		writeHTML(w, ssoLoginPage)
		return
	}
	http.Redirect(w, r, p.JWXT.URL+"/sso/callback?ticket="+ticket, http.StatusFound)
}

func (p *Portal) serveJWXT(w http.ResponseWriter, r *http.Request) {
	if h, ok := p.record(r); ok {
		h(w, r)
		return
	}
	paths := jwxt.DefaultPaths
	switch r.URL.Path {
	case paths.SSOEntry:
		http.Redirect(w, r, p.SSO.URL+"/idp/authorize?service="+url.QueryEscape(p.JWXT.URL+"/sso/callback"), http.StatusFound)
		return
	case "/sso/callback":
		p.callback(w, r)
		return
	case paths.LocalLogin:
		writeHTML(w, localLoginPage)
		return
	}

	if !p.authorized(r) {
		http.Redirect(w, r, paths.LocalLogin, http.StatusFound)
		return
	}

	switch r.URL.Path {
	case paths.WarmUp:
		writeHTML(w, "<html><body>menu</body></html>")
	case paths.Index:
		writeHTML(w, p.IndexHTML)
	case paths.Display:
		writeHTML(w, p.DisplayHTML)
	case paths.CourseList:
		p.courseList(w)
	case paths.CourseDetail:
		p.courseDetail(w, r)
	case paths.Selected:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, p.SelectedJSON)
	case paths.Enroll:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, p.EnrollReply)
	case paths.Drop:
		w.WriteHeader(p.DropStatus)
		fmt.Fprint(w, p.DropReply)
	case paths.DropLegacy:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, p.DropLegacyReply)
	case paths.Breakdown:
		writeHTML(w, p.BreakdownHTML)
	default:
		http.NotFound(w, r)
	}
}

func (p *Portal) callback(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	p.mu.Lock()
	userID, ok := p.tickets[ticket]
	delete(p.tickets, ticket)
	var token string
	if ok {
		p.seq++
		token = fmt.Sprintf("js-%d", p.seq)
		p.sessions[token] = userID
	}
	p.mu.Unlock()

	if !ok {
		http.Redirect(w, r, jwxt.DefaultPaths.LocalLogin, http.StatusFound)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/jwglxt", HttpOnly: true})
	http.Redirect(w, r, jwxt.DefaultPaths.WarmUp, http.StatusFound)
}

func (p *Portal) authorized(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[c.Value]
	return ok
}

func (p *Portal) courseList(w http.ResponseWriter) {
	p.mu.Lock()
	courses := p.Courses
	p.mu.Unlock()

	rows := make([]map[string]string, 0, len(courses))
	for _, c := range courses {
		row := map[string]string{"kch_id": c.KchID, "kcmc": c.Kcmc, "xf": c.Xf, "cxbj": c.Cxbj, "fxbj": c.Fxbj}
		// The list endpoint emits one row per section.
		n := len(c.Sections)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			rows = append(rows, row)
		}
	}
	writeJSON(w, map[string]any{"tmpList": rows, "sfxsjc": "1"})
}

func (p *Portal) courseDetail(w http.ResponseWriter, r *http.Request) {
	kchID := r.PostForm.Get("kch_id")
	p.mu.Lock()
	courses := p.Courses
	p.mu.Unlock()

	for _, c := range courses {
		if c.KchID == kchID {
			sections := c.Sections
			if sections == nil {
				sections = []Section{}
			}
			writeJSON(w, sections)
			return
		}
	}
	writeJSON(w, []Section{})
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	fmt.Fprint(w, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	_ = json.NewEncoder(w).Encode(v)
}

// MustForm fails t when path received no form.
func (p *Portal) MustForm(t *testing.T, path string) url.Values {
	t.Helper()
	f := p.LastForm(path)
	if f == nil {
		t.Fatalf("no form posted to %s", path)
	}
	return f
}

// AuthorizedJar returns a cookie jar already holding a valid portal session
// for userID, skipping the SSO dance.
func (p *Portal) AuthorizedJar(userID string) *cookiejar.Jar {
	p.mu.Lock()
	p.seq++
	token := fmt.Sprintf("js-%d", p.seq)
	p.sessions[token] = userID
	p.mu.Unlock()

	u, _ := url.Parse(p.JWXT.URL)
	jar := cookiejar.New()
	jar.AddFromSetCookie(u.Hostname(), sessionCookie+"="+token+"; Path=/jwglxt")
	return jar
}
