// Package crawl produces a course catalog snapshot from the course list and
// per-course detail endpoints.
package crawl

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/jwxt"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/workerpool"
)

const (
	DefaultConcurrency = 12
	MaxConcurrency     = 16
)

// Progress is reported after every completed detail fetch.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
}

// Options tune one crawl.
type Options struct {
	// LimitCourses caps the number of courses fetched per campus. Zero means all.
	LimitCourses int
	// Concurrency bounds in-flight detail requests. Zero uses the engine default.
	Concurrency int
	// AllCampuses iterates every campus option instead of the context's campus.
	AllCampuses bool
	OnProgress  func(Progress)
}

// Result is a finished crawl.
type Result struct {
	TermID   string                       `json:"termId"`
	Snapshot []domain.CourseSnapshotEntry `json:"snapshot"`
}

// BaseRow is one deduplicated course of the list phase.
type BaseRow struct {
	CourseID   string
	CourseName string
	Credit     string
	Cxbj       string
	Fxbj       string
}

// Engine crawls one deployment.
type Engine struct {
	endpoints   *jwxt.Endpoints
	concurrency int
}

// NewEngine creates an engine whose default concurrency is clamped to [1,16].
func NewEngine(endpoints *jwxt.Endpoints, concurrency int) *Engine {
	return &Engine{endpoints: endpoints, concurrency: ClampConcurrency(concurrency)}
}

// ClampConcurrency maps zero to the default and bounds the rest to [1,16].
func ClampConcurrency(n int) int {
	if n == 0 {
		return DefaultConcurrency
	}
	return min(max(n, 1), MaxConcurrency)
}

// TermID is "<year>-<term>" from the context.
func TermID(reqCtx map[string]string) string {
	year := cmp.Or(reqCtx["xkxnm"], reqCtx["xnm"])
	term := cmp.Or(reqCtx["xkxqm"], reqCtx["xqm"])
	return year + "-" + term
}

type detailJob struct {
	reqCtx map[string]string
	base   BaseRow
}

// Crawl lists courses, fetches every course's teaching classes and returns a
// deduplicated snapshot sorted by course and teaching class. Any failing
// request aborts the whole crawl.
func (e *Engine) Crawl(ctx context.Context, client *httpclient.Client, sess *domain.Session, opts Options) (*Result, error) {
	logger := observability.FromContext(ctx)
	reqCtx := sess.Context()
	if reqCtx["xkkz_id"] == "" {
		return nil, domain.NewError(domain.CodeContextMissing, "crawl", "xkkz_id is empty")
	}

	concurrency := e.concurrency
	if opts.Concurrency != 0 {
		concurrency = ClampConcurrency(opts.Concurrency)
	}

	var jobs []detailJob
	for _, campusCtx := range campusContexts(reqCtx, sess.CampusOptions(), opts.AllCampuses) {
		rows, err := e.ListCourses(ctx, client, campusCtx)
		if err != nil {
			return nil, err
		}
		if opts.LimitCourses > 0 && len(rows) > opts.LimitCourses {
			rows = rows[:opts.LimitCourses]
		}
		for _, r := range rows {
			jobs = append(jobs, detailJob{reqCtx: campusCtx, base: r})
		}
	}
	logger.Debug("course list fetched", slog.Int("courses", len(jobs)), slog.Int("concurrency", concurrency))

	var mu sync.Mutex
	done := 0
	report := func(courseID string) {
		if opts.OnProgress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		done++
		opts.OnProgress(Progress{Stage: "detail", Message: courseID, Done: done, Total: len(jobs)})
	}

	batches, err := workerpool.Map(ctx, jobs, concurrency, func(ctx context.Context, _ int, job detailJob) ([]domain.CourseSnapshotEntry, error) {
		entries, err := e.CourseDetail(ctx, client, job.reqCtx, job.base)
		if err != nil {
			observability.CrawlDetailRequests.WithLabelValues("error").Inc()
			return nil, err
		}
		observability.CrawlDetailRequests.WithLabelValues("ok").Inc()
		report(job.base.CourseID)
		return entries, nil
	})
	if err != nil {
		logger.Warn("crawl aborted", slog.String("error", err.Error()))
		return nil, err
	}

	snapshot := Dedupe(slices.Concat(batches...))
	observability.CrawlSnapshotEntries.Observe(float64(len(snapshot)))
	logger.Info("crawl finished", slog.Int("courses", len(jobs)), slog.Int("entries", len(snapshot)))

	return &Result{TermID: TermID(reqCtx), Snapshot: snapshot}, nil
}

func campusContexts(reqCtx map[string]string, campuses []domain.CampusOption, all bool) []map[string]string {
	if !all {
		return []map[string]string{reqCtx}
	}
	var out []map[string]string
	for _, c := range campuses {
		if c.Value == "" {
			continue
		}
		cc := maps.Clone(reqCtx)
		cc["xqh_id"] = c.Value
		out = append(out, cc)
	}
	if len(out) == 0 {
		return []map[string]string{reqCtx}
	}
	return out
}

// ListCourses posts the course list query and returns one row per course in
// first-seen order.
func (e *Engine) ListCourses(ctx context.Context, client *httpclient.Client, reqCtx map[string]string) ([]BaseRow, error) {
	form := formOf(reqCtx)
	form.Set("kspage", "1")
	form.Set("jspage", "9999")

	body, err := e.post(ctx, client, "list courses", e.endpoints.CourseList(), form)
	if err != nil {
		return nil, err
	}
	rows, err := jwxt.DecodeRows(body)
	if err != nil {
		return nil, &domain.Error{Code: domain.CodeBadResponse, Op: "list courses", URL: e.endpoints.CourseList(), Err: err}
	}

	seen := make(map[string]bool, len(rows))
	out := make([]BaseRow, 0, len(rows))
	for _, r := range rows {
		id := r["kch_id"]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, BaseRow{
			CourseID:   id,
			CourseName: r["kcmc"],
			Credit:     r["xf"],
			Cxbj:       cmp.Or(r["cxbj"], "0"),
			Fxbj:       cmp.Or(r["fxbj"], "0"),
		})
	}
	return out, nil
}

// CourseDetail fetches the teaching classes of one course.
func (e *Engine) CourseDetail(ctx context.Context, client *httpclient.Client, reqCtx map[string]string, base BaseRow) ([]domain.CourseSnapshotEntry, error) {
	form := formOf(reqCtx)
	form.Set("kch_id", base.CourseID)
	form.Set("cxbj", base.Cxbj)
	form.Set("fxbj", base.Fxbj)

	body, err := e.post(ctx, client, "course detail", e.endpoints.CourseDetail(), form)
	if err != nil {
		return nil, err
	}
	rows, err := jwxt.DecodeRows(body)
	if err != nil {
		return nil, &domain.Error{Code: domain.CodeBadResponse, Op: "course detail", URL: e.endpoints.CourseDetail(), Message: base.CourseID, Err: err}
	}

	entries := make([]domain.CourseSnapshotEntry, 0, len(rows))
	for _, r := range rows {
		if r["jxb_id"] == "" {
			continue
		}
		entries = append(entries, ToEntry(base, r, reqCtx["xkkz_id"]))
	}
	return entries, nil
}

func (e *Engine) post(ctx context.Context, client *httpclient.Client, op, target string, form url.Values) ([]byte, error) {
	resp, err := client.PostForm(ctx, target, form, e.endpoints.AjaxHeader())
	if err != nil {
		return nil, err
	}
	if err := e.endpoints.CheckLanding(op, resp); err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, domain.StatusError(op, resp.Status, target)
	}
	return resp.Body, nil
}

func formOf(reqCtx map[string]string) url.Values {
	form := make(url.Values, len(reqCtx)+4)
	for k, v := range reqCtx {
		form.Set(k, v)
	}
	return form
}

var markup = strings.NewReplacer("<br/>", "; ", "<br>", "; ", "<br />", "; ")

func clean(s string) string {
	return strings.TrimSpace(markup.Replace(s))
}

// ParseTeacher reads "id/name/title". Several teachers are separated by ";"
// and only the first is kept.
func ParseTeacher(jsxx string) domain.Teacher {
	first, _, _ := strings.Cut(jsxx, ";")
	parts := strings.Split(strings.TrimSpace(first), "/")
	switch len(parts) {
	case 0:
		return domain.Teacher{}
	case 1:
		return domain.Teacher{Name: parts[0]}
	case 2:
		return domain.Teacher{ID: parts[0], Name: parts[1]}
	default:
		return domain.Teacher{ID: parts[0], Name: parts[1], Title: parts[2]}
	}
}

// ToEntry maps one detail row onto a snapshot entry of batch batchID.
func ToEntry(base BaseRow, r jwxt.Row, batchID string) domain.CourseSnapshotEntry {
	capacity, _ := strconv.Atoi(strings.TrimSpace(r["jxbrl"]))
	number, _ := strconv.Atoi(strings.TrimSpace(r["yxzrs"]))

	var limits []string
	if base.Cxbj == "1" {
		limits = append(limits, "retake")
	}
	if base.Fxbj == "1" {
		limits = append(limits, "minor")
	}
	if capacity > 0 && number >= capacity {
		limits = append(limits, "full")
	}
	for _, l := range strings.Split(r["xzbj"], ",") {
		if l = strings.TrimSpace(l); l != "" {
			limits = append(limits, l)
		}
	}
	if limits == nil {
		limits = []string{}
	}

	return domain.CourseSnapshotEntry{
		CourseID:        base.CourseID,
		CourseName:      cmp.Or(base.CourseName, r["kcmc"]),
		Credit:          cmp.Or(base.Credit, r["xf"]),
		Teacher:         ParseTeacher(r["jsxx"]),
		ClassTime:       clean(r["sksj"]),
		Campus:          r["xqumc"],
		Position:        clean(r["jxdd"]),
		Capacity:        capacity,
		Number:          number,
		Limitations:     limits,
		TeachingClassID: r["jxb_id"],
		BatchID:         batchID,
		EnrollID:        r["do_jxb_id"],
		Academy:         r["kkxymc"],
		Major:           r["zymc"],
		TeachingMode:    r["jxms"],
		LanguageMode:    r["skyy"],
		SelectionNote:   clean(r["xkbz"]),
		ClassStatus:     r["jxbzt"],
	}
}

// Dedupe keeps the first entry of every (course, teaching class, batch) and
// sorts by course then teaching class.
func Dedupe(entries []domain.CourseSnapshotEntry) []domain.CourseSnapshotEntry {
	seen := make(map[string]bool, len(entries))
	out := make([]domain.CourseSnapshotEntry, 0, len(entries))
	for _, e := range entries {
		if seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b domain.CourseSnapshotEntry) int {
		return cmp.Or(cmp.Compare(a.CourseID, b.CourseID), cmp.Compare(a.TeachingClassID, b.TeachingClassID))
	})
	return out
}
