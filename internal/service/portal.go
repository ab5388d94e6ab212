// Package service is the downstream interface of the automation core: login,
// selection refresh, crawl, enrollment operations and long-running tasks.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"jwxt-agent/internal/crawl"
	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/enroll"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/selection"
	"jwxt-agent/internal/session"
	"jwxt-agent/internal/sso"
	"jwxt-agent/internal/task"
)

// EventPublisher hands results to consumers outside the process.
type EventPublisher interface {
	PublishSnapshot(ctx context.Context, ev domain.SnapshotEvent) error
	PublishTaskFinished(ctx context.Context, snap task.Snapshot) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishSnapshot(context.Context, domain.SnapshotEvent) error { return nil }
func (NopPublisher) PublishTaskFinished(context.Context, task.Snapshot) error   { return nil }

// Deps are the collaborators of a Portal. Eligibility and Publisher are
// optional.
type Deps struct {
	Store       *session.Store
	Flow        *sso.Flow
	Selection   *selection.Builder
	Crawler     *crawl.Engine
	Ops         *enroll.Ops
	Tasks       *task.Manager
	Eligibility EligibilityResolver
	Publisher   EventPublisher
	ClientOpts  []httpclient.Option
}

// Portal is the facade used by the HTTP API.
type Portal struct {
	store       *session.Store
	flow        *sso.Flow
	selection   *selection.Builder
	crawler     *crawl.Engine
	ops         *enroll.Ops
	tasks       *task.Manager
	eligibility EligibilityResolver
	publisher   EventPublisher
	clientOpts  []httpclient.Option
	now         func() time.Time
}

// NewPortal wires the facade and registers the built-in task kinds.
func NewPortal(d Deps) *Portal {
	p := &Portal{
		store:       d.Store,
		flow:        d.Flow,
		selection:   d.Selection,
		crawler:     d.Crawler,
		ops:         d.Ops,
		tasks:       d.Tasks,
		eligibility: d.Eligibility,
		publisher:   d.Publisher,
		clientOpts:  d.ClientOpts,
		now:         time.Now,
	}
	if p.eligibility == nil {
		p.eligibility = AlwaysEligible{}
	}
	if p.publisher == nil {
		p.publisher = NopPublisher{}
	}
	p.registerTasks()
	p.tasks.Subscribe(task.ObserverFunc(p.onTaskUpdate))
	return p
}

func (p *Portal) onTaskUpdate(s task.Snapshot) {
	if !s.State.Terminal() {
		return
	}
	ctx := observability.WithTaskID(context.Background(), s.ID)
	if err := p.publisher.PublishTaskFinished(ctx, s); err != nil {
		observability.FromContext(ctx).Warn("failed to publish task event", slog.String("error", err.Error()))
	}
}

func (p *Portal) client(sess *domain.Session) *httpclient.Client {
	return httpclient.New(sess.CookieJar(), p.clientOpts...)
}

// Login creates a session and runs the SSO flow. A failed login leaves no
// session behind.
func (p *Portal) Login(ctx context.Context, userID, password string) (domain.SessionInfo, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return domain.SessionInfo{}, &domain.Error{Code: domain.CodeInvalidInput, Op: "login", Message: "userId and password are required"}
	}

	sess := p.store.Create(domain.Account{UserID: userID})
	if err := p.flow.Login(ctx, sess, password); err != nil {
		p.store.Delete(sess.ID)
		return domain.SessionInfo{}, err
	}
	observability.FromContext(observability.WithSessionID(ctx, sess.ID)).Info("session created", slog.String("user_id", userID))
	return sess.Info(), nil
}

// Session returns a live session and marks it active.
func (p *Portal) Session(id string) (*domain.Session, error) {
	sess, err := p.store.Get(id)
	if err != nil {
		return nil, err
	}
	sess.Touch(p.now())
	return sess, nil
}

// Logout forgets the session together with its tasks.
func (p *Portal) Logout(ctx context.Context, id string) {
	logger := observability.FromContext(ctx)
	for _, s := range p.tasks.List() {
		if s.SessionID != id {
			continue
		}
		if !s.State.Terminal() {
			if _, err := p.tasks.Stop(ctx, s.ID); err != nil {
				logger.Warn("failed to stop task", slog.String("task_id", s.ID), slog.String("error", err.Error()))
				continue
			}
		}
		if err := p.tasks.Remove(s.ID); err != nil {
			logger.Warn("failed to remove task", slog.String("task_id", s.ID), slog.String("error", err.Error()))
		}
	}
	p.store.Delete(id)
}

// Refresh re-derives the request context. A non-empty xkkzID pins the round.
func (p *Portal) Refresh(ctx context.Context, id, xkkzID string) (domain.SessionInfo, error) {
	sess, err := p.Session(id)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	if xkkzID != "" {
		sess.SetPreferredXkkzID(xkkzID)
	}
	if err := p.selection.Refresh(ctx, p.client(sess), sess); err != nil {
		return domain.SessionInfo{}, err
	}
	return sess.Info(), nil
}

// Crawl produces a snapshot and publishes it.
func (p *Portal) Crawl(ctx context.Context, id string, opts crawl.Options) (*crawl.Result, error) {
	sess, err := p.Session(id)
	if err != nil {
		return nil, err
	}
	return p.crawl(ctx, sess, opts)
}

func (p *Portal) crawl(ctx context.Context, sess *domain.Session, opts crawl.Options) (*crawl.Result, error) {
	res, err := p.crawler.Crawl(ctx, p.client(sess), sess, opts)
	if err != nil {
		return nil, err
	}
	ev := domain.SnapshotEvent{
		SessionID:  sess.ID,
		UserID:     sess.Account.UserID,
		TermID:     res.TermID,
		BatchID:    sess.Context()["xkkz_id"],
		ProducedAt: p.now().UnixMilli(),
		Entries:    res.Snapshot,
	}
	if err := p.publisher.PublishSnapshot(ctx, ev); err != nil {
		observability.FromContext(ctx).Warn("failed to publish snapshot", slog.String("error", err.Error()))
	}
	return res, nil
}

func (p *Portal) checkEligible(ctx context.Context, sess *domain.Session) error {
	group := sess.Context()["kklxdm"]
	el, err := p.eligibility.Resolve(ctx, group)
	if err != nil {
		return err
	}
	if !el.Eligible {
		return &domain.Error{Code: domain.CodeNotEligible, Op: "enroll", Message: el.Reason}
	}
	return nil
}

// Enroll submits one enroll request after the eligibility check.
func (p *Portal) Enroll(ctx context.Context, id string, pair domain.CoursePair) (domain.EnrollResult, error) {
	sess, err := p.Session(id)
	if err != nil {
		return domain.EnrollResult{}, err
	}
	return p.enroll(ctx, sess, pair)
}

func (p *Portal) enroll(ctx context.Context, sess *domain.Session, pair domain.CoursePair) (domain.EnrollResult, error) {
	if err := p.checkEligible(ctx, sess); err != nil {
		return domain.EnrollResult{}, err
	}
	return p.ops.Enroll(ctx, p.client(sess), sess, pair)
}

// Drop submits one drop request.
func (p *Portal) Drop(ctx context.Context, id string, pair domain.CoursePair) (domain.DropResult, error) {
	sess, err := p.Session(id)
	if err != nil {
		return domain.DropResult{}, err
	}
	return p.ops.Drop(ctx, p.client(sess), sess, pair)
}

// Breakdown returns the enrollment breakdown of one teaching class.
func (p *Portal) Breakdown(ctx context.Context, id string, pair domain.CoursePair) (domain.Breakdown, error) {
	sess, err := p.Session(id)
	if err != nil {
		return domain.Breakdown{}, err
	}
	return p.ops.Breakdown(ctx, p.client(sess), sess, pair)
}

// Selected lists the student's current selection.
func (p *Portal) Selected(ctx context.Context, id string) ([]domain.SelectedCourse, error) {
	sess, err := p.Session(id)
	if err != nil {
		return nil, err
	}
	return p.ops.SelectedCourses(ctx, p.client(sess), sess)
}

// StartTask starts a task bound to session id.
func (p *Portal) StartTask(id string, req task.Request) (task.Snapshot, error) {
	if _, err := p.Session(id); err != nil {
		return task.Snapshot{}, err
	}
	if err := ValidateTask(req); err != nil {
		return task.Snapshot{}, err
	}
	req.SessionID = id
	return p.tasks.Start(req)
}

// Task returns a task owned by session id.
func (p *Portal) Task(id, taskID string) (task.Snapshot, error) {
	snap, err := p.tasks.Get(taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	if snap.SessionID != id {
		return task.Snapshot{}, task.ErrNotFound
	}
	return snap, nil
}

// Tasks lists the tasks of session id.
func (p *Portal) Tasks(id string) []task.Snapshot {
	out := []task.Snapshot{}
	for _, s := range p.tasks.List() {
		if s.SessionID == id {
			out = append(out, s)
		}
	}
	return out
}

// StopTask stops a task owned by session id.
func (p *Portal) StopTask(ctx context.Context, id, taskID string) (task.Snapshot, error) {
	if _, err := p.Task(id, taskID); err != nil {
		return task.Snapshot{}, err
	}
	return p.tasks.Stop(ctx, taskID)
}

// UpdateTask patches a running task owned by session id.
func (p *Portal) UpdateTask(id, taskID string, patch task.Patch) (task.Snapshot, error) {
	if _, err := p.Task(id, taskID); err != nil {
		return task.Snapshot{}, err
	}
	return p.tasks.Update(taskID, patch)
}

// TaskKinds lists the registered task kinds.
func (p *Portal) TaskKinds() []string {
	return p.tasks.Kinds()
}
