package service

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"jwxt-agent/internal/crawl"
	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/task"
	"jwxt-agent/internal/workerpool"
)

// Built-in task kinds.
const (
	KindEnroll = "enroll"
	KindDrop   = "drop"
	KindWatch  = "watch"
	KindSync   = "sync"
	KindCrawl  = "crawl"
)

// PairsPayload is the payload of enroll and drop tasks.
type PairsPayload struct {
	Pairs []domain.CoursePair `json:"pairs"`
}

// WatchPayload is the payload of a watch task.
type WatchPayload struct {
	Pair domain.CoursePair `json:"pair"`
}

// SyncPayload is the payload of a sync task. Selected courses missing from
// Target are only dropped when DropUnlisted is set; a course listed with a
// different teaching class is always switched.
type SyncPayload struct {
	Target       []domain.CoursePair `json:"target"`
	DropUnlisted bool                `json:"dropUnlisted,omitempty"`
}

// CrawlPayload is the payload of a crawl task.
type CrawlPayload struct {
	LimitCourses int  `json:"limitCourses,omitempty"`
	AllCampuses  bool `json:"allCampuses,omitempty"`
}

// PairOutcome is the per-pair result of one attempt.
type PairOutcome struct {
	Action    string            `json:"action"`
	Pair      domain.CoursePair `json:"pair"`
	OK        bool              `json:"ok"`
	Retryable bool              `json:"retryable"`
	Message   string            `json:"message,omitempty"`
}

// CrawlSummary is the task result of a crawl; the snapshot itself is published.
type CrawlSummary struct {
	TermID  string `json:"termId"`
	Entries int    `json:"entries"`
}

func (p *Portal) registerTasks() {
	p.tasks.Register(KindEnroll, p.runEnroll)
	p.tasks.Register(KindDrop, p.runDrop)
	p.tasks.Register(KindWatch, p.runWatch)
	p.tasks.Register(KindSync, p.runSync)
	p.tasks.Register(KindCrawl, p.runCrawl)
}

func decode[T any](req task.Request) (T, error) {
	var v T
	if len(req.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(req.Payload, &v); err != nil {
		return v, &domain.Error{Code: domain.CodeInvalidInput, Op: req.Kind, Message: "invalid payload", Err: err}
	}
	return v, nil
}

func validPairs(op string, pairs []domain.CoursePair) error {
	for _, pr := range pairs {
		if pr.CourseID == "" || pr.TeachingClassID == "" {
			return &domain.Error{Code: domain.CodeInvalidInput, Op: op, Message: "courseId and teachingClassId are required"}
		}
	}
	return nil
}

// ValidateTask rejects requests whose payload the kind cannot run.
func ValidateTask(req task.Request) error {
	switch req.Kind {
	case KindEnroll, KindDrop:
		pl, err := decode[PairsPayload](req)
		if err != nil {
			return err
		}
		if len(pl.Pairs) == 0 {
			return &domain.Error{Code: domain.CodeInvalidInput, Op: req.Kind, Message: "pairs is empty"}
		}
		return validPairs(req.Kind, pl.Pairs)
	case KindWatch:
		pl, err := decode[WatchPayload](req)
		if err != nil {
			return err
		}
		return validPairs(req.Kind, []domain.CoursePair{pl.Pair})
	case KindSync:
		pl, err := decode[SyncPayload](req)
		if err != nil {
			return err
		}
		return validPairs(req.Kind, pl.Target)
	case KindCrawl:
		_, err := decode[CrawlPayload](req)
		return err
	}
	return nil
}

func pairKey(courseID, teachingClassID string) string {
	return courseID + "\x00" + teachingClassID
}

// prepare resolves the task's session and refreshes its request context.
func (p *Portal) prepare(ctx context.Context, a task.Attempt) (*domain.Session, *httpclient.Client, error) {
	sess, err := p.Session(a.Request.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("task session %s: %w", a.Request.SessionID, err)
	}
	client := p.client(sess)
	if err := p.selection.Refresh(ctx, client, sess); err != nil {
		return nil, nil, err
	}
	return sess, client, nil
}

func (p *Portal) selectedKeys(ctx context.Context, client *httpclient.Client, sess *domain.Session) (map[string]domain.SelectedCourse, error) {
	selected, err := p.ops.SelectedCourses(ctx, client, sess)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.SelectedCourse, len(selected))
	for _, s := range selected {
		out[pairKey(s.CourseID, s.TeachingClassID)] = s
	}
	return out, nil
}

// settle turns per-pair outcomes into a task outcome. Any fatal rejection
// ends the task; otherwise remaining failures are retried.
func settle(code domain.ErrorCode, outcomes []PairOutcome) (task.Outcome, error) {
	var fatal, transient []string
	for _, o := range outcomes {
		if o.OK {
			continue
		}
		line := fmt.Sprintf("%s %s/%s: %s", o.Action, o.Pair.CourseID, o.Pair.TeachingClassID, o.Message)
		if o.Retryable {
			transient = append(transient, line)
		} else {
			fatal = append(fatal, line)
		}
	}
	switch {
	case len(fatal) > 0:
		return task.Outcome{Result: outcomes}, &domain.Error{Code: code, Op: "settle", Message: strings.Join(append(fatal, transient...), "; ")}
	case len(transient) > 0:
		return task.Outcome{Result: outcomes}, &domain.Error{Code: code, Op: "settle", Message: strings.Join(transient, "; "), Retryable: true}
	}
	return task.Outcome{Done: true, Result: outcomes}, nil
}

func (p *Portal) enrollAll(ctx context.Context, a task.Attempt, client *httpclient.Client, sess *domain.Session, pairs []domain.CoursePair) ([]PairOutcome, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	if err := p.checkEligible(ctx, sess); err != nil {
		return nil, err
	}
	return workerpool.Map(ctx, pairs, a.Request.Parallel.Concurrency, func(ctx context.Context, _ int, pair domain.CoursePair) (PairOutcome, error) {
		res, err := p.ops.Enroll(ctx, client, sess, pair)
		if err != nil {
			return PairOutcome{}, err
		}
		return PairOutcome{Action: KindEnroll, Pair: pair, OK: res.OK, Retryable: res.Retryable, Message: res.Message}, nil
	})
}

func (p *Portal) dropAll(ctx context.Context, a task.Attempt, client *httpclient.Client, sess *domain.Session, pairs []domain.CoursePair) ([]PairOutcome, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	return workerpool.Map(ctx, pairs, a.Request.Parallel.Concurrency, func(ctx context.Context, _ int, pair domain.CoursePair) (PairOutcome, error) {
		res, err := p.ops.Drop(ctx, client, sess, pair)
		if err != nil {
			return PairOutcome{}, err
		}
		return PairOutcome{Action: KindDrop, Pair: pair, OK: res.OK, Retryable: res.Retryable, Message: res.Message}, nil
	})
}

// runEnroll enrolls every pair not yet selected.
func (p *Portal) runEnroll(ctx context.Context, a task.Attempt) (task.Outcome, error) {
	pl, err := decode[PairsPayload](a.Request)
	if err != nil {
		return task.Outcome{}, err
	}
	sess, client, err := p.prepare(ctx, a)
	if err != nil {
		return task.Outcome{}, err
	}
	have, err := p.selectedKeys(ctx, client, sess)
	if err != nil {
		return task.Outcome{}, err
	}

	var pending []domain.CoursePair
	for _, pr := range pl.Pairs {
		if _, ok := have[pairKey(pr.CourseID, pr.TeachingClassID)]; !ok {
			pending = append(pending, pr)
		}
	}
	a.Report(task.Progress{Stage: KindEnroll, Done: len(pl.Pairs) - len(pending), Total: len(pl.Pairs)})

	outcomes, err := p.enrollAll(ctx, a, client, sess, pending)
	if err != nil {
		return task.Outcome{}, err
	}
	return settle(domain.CodeEnrollRejected, outcomes)
}

// runDrop drops every pair that is still selected.
func (p *Portal) runDrop(ctx context.Context, a task.Attempt) (task.Outcome, error) {
	pl, err := decode[PairsPayload](a.Request)
	if err != nil {
		return task.Outcome{}, err
	}
	sess, client, err := p.prepare(ctx, a)
	if err != nil {
		return task.Outcome{}, err
	}
	have, err := p.selectedKeys(ctx, client, sess)
	if err != nil {
		return task.Outcome{}, err
	}

	var pending []domain.CoursePair
	for _, pr := range pl.Pairs {
		if s, ok := have[pairKey(pr.CourseID, pr.TeachingClassID)]; ok {
			pr.EnrollID = cmp.Or(pr.EnrollID, s.EnrollID)
			pending = append(pending, pr)
		}
	}
	a.Report(task.Progress{Stage: KindDrop, Done: len(pl.Pairs) - len(pending), Total: len(pl.Pairs)})

	outcomes, err := p.dropAll(ctx, a, client, sess, pending)
	if err != nil {
		return task.Outcome{}, err
	}
	return settle(domain.CodeDropRejected, outcomes)
}

// runWatch polls one teaching class until it has a free seat, then enrolls.
func (p *Portal) runWatch(ctx context.Context, a task.Attempt) (task.Outcome, error) {
	pl, err := decode[WatchPayload](a.Request)
	if err != nil {
		return task.Outcome{}, err
	}
	sess, client, err := p.prepare(ctx, a)
	if err != nil {
		return task.Outcome{}, err
	}

	entries, err := p.crawler.CourseDetail(ctx, client, sess.Context(), crawl.BaseRow{
		CourseID:   pl.Pair.CourseID,
		CourseName: pl.Pair.CourseName,
		Cxbj:       cmp.Or(pl.Pair.Cxbj, "0"),
		Fxbj:       "0",
	})
	if err != nil {
		return task.Outcome{}, err
	}

	var entry *domain.CourseSnapshotEntry
	for i := range entries {
		if entries[i].TeachingClassID == pl.Pair.TeachingClassID {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return task.Outcome{}, &domain.Error{Code: domain.CodeInvalidInput, Op: KindWatch, Message: "teaching class is not offered in this round"}
	}

	a.Report(task.Progress{Stage: KindWatch, Message: entry.TeachingClassID, Done: entry.Number, Total: entry.Capacity})
	if entry.Capacity > 0 && entry.Number >= entry.Capacity {
		return task.Outcome{Result: entry}, nil
	}

	pair := pl.Pair
	pair.EnrollID = cmp.Or(pair.EnrollID, entry.EnrollID)
	if err := p.checkEligible(ctx, sess); err != nil {
		return task.Outcome{}, err
	}
	res, err := p.ops.Enroll(ctx, client, sess, pair)
	if err != nil {
		return task.Outcome{}, err
	}
	if !res.OK {
		// The seat may have been taken between the detail read and the enroll.
		return task.Outcome{Result: res}, &domain.Error{Code: domain.CodeEnrollRejected, Op: KindWatch, Message: res.Message, Retryable: true}
	}
	return task.Outcome{Done: true, Result: res}, nil
}

// runSync pushes the enroll/drop diff between Target and the current
// selection until they agree.
func (p *Portal) runSync(ctx context.Context, a task.Attempt) (task.Outcome, error) {
	pl, err := decode[SyncPayload](a.Request)
	if err != nil {
		return task.Outcome{}, err
	}
	sess, client, err := p.prepare(ctx, a)
	if err != nil {
		return task.Outcome{}, err
	}
	have, err := p.selectedKeys(ctx, client, sess)
	if err != nil {
		return task.Outcome{}, err
	}

	want := make(map[string]bool, len(pl.Target))
	wantCourse := make(map[string]bool, len(pl.Target))
	var toEnroll []domain.CoursePair
	for _, pr := range pl.Target {
		k := pairKey(pr.CourseID, pr.TeachingClassID)
		want[k] = true
		wantCourse[pr.CourseID] = true
		if _, ok := have[k]; !ok {
			toEnroll = append(toEnroll, pr)
		}
	}
	var toDrop []domain.CoursePair
	for k, s := range have {
		if want[k] {
			continue
		}
		if wantCourse[s.CourseID] || pl.DropUnlisted {
			toDrop = append(toDrop, s.Pair())
		}
	}

	total := len(toEnroll) + len(toDrop)
	a.Report(task.Progress{Stage: KindSync, Message: fmt.Sprintf("enroll %d, drop %d", len(toEnroll), len(toDrop)), Total: total})
	if total == 0 {
		return task.Outcome{Done: true, Result: []PairOutcome{}}, nil
	}

	// Drops first so a class switch frees the course before the new class is taken.
	dropped, err := p.dropAll(ctx, a, client, sess, toDrop)
	if err != nil {
		return task.Outcome{}, err
	}
	enrolled, err := p.enrollAll(ctx, a, client, sess, toEnroll)
	if err != nil {
		return task.Outcome{}, err
	}
	outcomes := append(dropped, enrolled...)

	code := domain.CodeEnrollRejected
	if len(enrolled) == 0 {
		code = domain.CodeDropRejected
	}
	out, err := settle(code, outcomes)
	if err != nil {
		return out, err
	}
	// Converged only once a fresh read shows no diff.
	out.Done = false
	return out, nil
}

// runCrawl produces and publishes one snapshot.
func (p *Portal) runCrawl(ctx context.Context, a task.Attempt) (task.Outcome, error) {
	pl, err := decode[CrawlPayload](a.Request)
	if err != nil {
		return task.Outcome{}, err
	}
	sess, _, err := p.prepare(ctx, a)
	if err != nil {
		return task.Outcome{}, err
	}

	res, err := p.crawl(ctx, sess, crawl.Options{
		LimitCourses: pl.LimitCourses,
		AllCampuses:  pl.AllCampuses,
		Concurrency:  a.Request.Parallel.Concurrency,
		OnProgress: func(pr crawl.Progress) {
			a.Report(task.Progress{Stage: pr.Stage, Message: pr.Message, Done: pr.Done, Total: pr.Total})
		},
	})
	if err != nil {
		return task.Outcome{}, err
	}
	return task.Outcome{Done: true, Result: CrawlSummary{TermID: res.TermID, Entries: len(res.Snapshot)}}, nil
}
