package domain

import (
	"maps"
	"slices"
	"sync"
	"time"

	"jwxt-agent/internal/cookiejar"
)

// Account identifies the student a session belongs to.
type Account struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// RoundTab is one enrollment round the student can be assigned to.
type RoundTab struct {
	Kklxdm string `json:"kklxdm"`
	XkkzID string `json:"xkkz_id"`
	NjdmID string `json:"njdm_id"`
	ZyhID  string `json:"zyh_id"`
	Label  string `json:"label"`
	Active bool   `json:"active"`
}

// CampusOption is one entry of the campus selector on the display page.
type CampusOption struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

// Selection is the result of deriving a session's request context.
type Selection struct {
	Fields        map[string]string
	Context       map[string]string
	CampusOptions []CampusOption
	RoundTabs     []RoundTab
	ActiveXkkzID  string
	CurrentXkkzID string
}

// Session is one authenticated portal session. It owns exactly one cookie jar.
// Field access goes through methods; concurrent use by unrelated operations is
// still the caller's responsibility.
type Session struct {
	ID        string
	CreatedAt time.Time
	Account   Account

	mu              sync.RWMutex
	jar             *cookiejar.Jar
	updatedAt       time.Time
	fields          map[string]string
	context         map[string]string
	campusOptions   []CampusOption
	roundTabs       []RoundTab
	activeXkkzID    string
	currentXkkzID   string
	preferredXkkzID string
}

// NewSession creates an empty session with a fresh jar.
func NewSession(id string, account Account, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		Account:   account,
		jar:       cookiejar.New(),
		updatedAt: now,
		fields:    map[string]string{},
		context:   map[string]string{},
	}
}

// UpdatedAt returns the last activity time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.updatedAt = now
	s.mu.Unlock()
}

// Context returns a copy of the derived request parameters.
func (s *Session) Context() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.context)
}

// Fields returns a copy of the raw scraped fields.
func (s *Session) Fields() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.fields)
}

// CampusOptions returns a copy of the campus selector entries.
func (s *Session) CampusOptions() []CampusOption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.campusOptions)
}

// RoundTabs returns a copy of the known enrollment rounds.
func (s *Session) RoundTabs() []RoundTab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.roundTabs)
}

// XkkzIDs returns the page-declared, currently used and preferred round ids.
func (s *Session) XkkzIDs() (active, current, preferred string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeXkkzID, s.currentXkkzID, s.preferredXkkzID
}

// SetPreferredXkkzID pins the round used by the next derivation.
func (s *Session) SetPreferredXkkzID(id string) {
	s.mu.Lock()
	s.preferredXkkzID = id
	s.mu.Unlock()
}

// SetDisplayName records the student's name once it has been scraped.
func (s *Session) SetDisplayName(name string) {
	s.mu.Lock()
	s.Account.DisplayName = name
	s.mu.Unlock()
}

// DisplayName returns the scraped student name, if any.
func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Account.DisplayName
}

// ApplySelection replaces fields and context atomically. A selection without
// an xkkz_id is rejected so a partial context is never persisted.
func (s *Session) ApplySelection(sel Selection, now time.Time) error {
	if sel.Context["xkkz_id"] == "" {
		return &Error{Code: CodeContextMissing, Op: "apply selection", Message: "xkkz_id is empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = maps.Clone(sel.Fields)
	s.context = maps.Clone(sel.Context)
	s.campusOptions = slices.Clone(sel.CampusOptions)
	s.roundTabs = slices.Clone(sel.RoundTabs)
	s.activeXkkzID = sel.ActiveXkkzID
	s.currentXkkzID = sel.CurrentXkkzID
	s.updatedAt = now
	return nil
}

// ResetJar discards every cookie, used before a fresh login attempt.
func (s *Session) ResetJar() {
	s.mu.Lock()
	s.jar = cookiejar.New()
	s.mu.Unlock()
}

// CookieJar returns the session's current jar.
func (s *Session) CookieJar() *cookiejar.Jar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jar
}

// SessionInfo is the JSON view of a session handed to the UI layer.
type SessionInfo struct {
	ID            string            `json:"id"`
	Account       Account           `json:"account"`
	CreatedAt     int64             `json:"created_at"`
	UpdatedAt     int64             `json:"updated_at"`
	Context       map[string]string `json:"context"`
	CampusOptions []CampusOption    `json:"campus_options"`
	RoundTabs     []RoundTab        `json:"round_tabs"`
	ActiveXkkzID  string            `json:"active_xkkz_id,omitempty"`
	CurrentXkkzID string            `json:"current_xkkz_id,omitempty"`
}

// Info returns an immutable view of s.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:            s.ID,
		Account:       s.Account,
		CreatedAt:     s.CreatedAt.UnixMilli(),
		UpdatedAt:     s.updatedAt.UnixMilli(),
		Context:       maps.Clone(s.context),
		CampusOptions: slices.Clone(s.campusOptions),
		RoundTabs:     slices.Clone(s.roundTabs),
		ActiveXkkzID:  s.activeXkkzID,
		CurrentXkkzID: s.currentXkkzID,
	}
}
