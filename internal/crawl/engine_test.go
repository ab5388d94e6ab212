package crawl

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/jwxt"
	"jwxt-agent/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*testutil.Portal, *Engine, *httpclient.Client, *domain.Session) {
	t.Helper()
	portal := testutil.NewPortal(t)
	portal.Courses = []testutil.Course{
		{KchID: "0830B", Kcmc: "Compilers", Xf: "4", Sections: []testutil.Section{
			testutil.NewSection("T2/Wang Fang/Professor", 60, 60),
			testutil.NewSection("T3/Zhao Lei", 40, 12),
		}},
		{KchID: "0830A", Kcmc: "Operating Systems", Xf: "3", Cxbj: "1", Sections: []testutil.Section{
			testutil.NewSection("T1/Chen Yu/Lecturer", 80, 79),
		}},
	}

	sess := domain.NewSession("s1", domain.Account{UserID: "20231234"}, time.Now())
	require.NoError(t, sess.ApplySelection(domain.Selection{
		Context: map[string]string{"xkkz_id": "XK-MAJOR", "xkxnm": "2025", "xkxqm": "3", "xqh_id": "1"},
		CampusOptions: []domain.CampusOption{
			{Value: "", Label: "All"},
			{Value: "1", Label: "Baoshan"},
			{Value: "2", Label: "Yanchang"},
		},
	}, time.Now()))

	engine := NewEngine(portal.Endpoints(t), 4)
	client := httpclient.New(portal.AuthorizedJar("20231234"))
	return portal, engine, client, sess
}

func TestCrawl_Snapshot(t *testing.T) {
	portal, engine, client, sess := setup(t)

	var mu sync.Mutex
	var progress []Progress
	res, err := engine.Crawl(context.Background(), client, sess, Options{
		OnProgress: func(p Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "2025-3", res.TermID)
	require.Len(t, res.Snapshot, 3)
	assert.Equal(t, "0830A", res.Snapshot[0].CourseID)
	assert.Equal(t, "0830B", res.Snapshot[1].CourseID)
	assert.Less(t, res.Snapshot[1].TeachingClassID, res.Snapshot[2].TeachingClassID)

	first := res.Snapshot[0]
	assert.Equal(t, "Operating Systems", first.CourseName)
	assert.Equal(t, domain.Teacher{ID: "T1", Name: "Chen Yu", Title: "Lecturer"}, first.Teacher)
	assert.Equal(t, 80, first.Capacity)
	assert.Equal(t, 79, first.Number)
	assert.Equal(t, "XK-MAJOR", first.BatchID)
	assert.Equal(t, "do-"+first.TeachingClassID, first.EnrollID)
	assert.Equal(t, []string{"retake"}, first.Limitations)

	assert.Equal(t, 2, portal.Hits(jwxt.DefaultPaths.CourseDetail), "one detail fetch per distinct course")
	form := portal.MustForm(t, jwxt.DefaultPaths.CourseList)
	assert.Equal(t, "1", form.Get("kspage"))
	assert.Equal(t, "9999", form.Get("jspage"))
	assert.Equal(t, "XK-MAJOR", form.Get("xkkz_id"))

	require.Len(t, progress, 2)
	assert.Equal(t, Progress{Stage: "detail", Message: progress[1].Message, Done: 2, Total: 2}, progress[1])
}

func TestCrawl_AllCampusesDeduplicates(t *testing.T) {
	portal, engine, client, sess := setup(t)

	res, err := engine.Crawl(context.Background(), client, sess, Options{AllCampuses: true, Concurrency: 1})
	require.NoError(t, err)

	assert.Len(t, res.Snapshot, 3, "identical sections from both campuses collapse")
	assert.Equal(t, 2, portal.Hits(jwxt.DefaultPaths.CourseList))
	assert.Equal(t, 4, portal.Hits(jwxt.DefaultPaths.CourseDetail))

	campuses := map[string]bool{}
	for _, f := range portal.Forms(jwxt.DefaultPaths.CourseList) {
		campuses[f.Get("xqh_id")] = true
	}
	assert.Equal(t, map[string]bool{"1": true, "2": true}, campuses)
}

func TestCrawl_LimitCourses(t *testing.T) {
	portal, engine, client, sess := setup(t)

	res, err := engine.Crawl(context.Background(), client, sess, Options{LimitCourses: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, portal.Hits(jwxt.DefaultPaths.CourseDetail))
	assert.Len(t, res.Snapshot, 2)
}

func TestCrawl_DetailFailureAbortsBatch(t *testing.T) {
	portal, engine, client, sess := setup(t)
	portal.Handle(jwxt.DefaultPaths.CourseDetail, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	res, err := engine.Crawl(context.Background(), client, sess, Options{})
	assert.Nil(t, res)
	var typed *domain.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, domain.CodeUnexpectedStatus, typed.Code)
	assert.Equal(t, http.StatusInternalServerError, typed.Status)
}

func TestCrawl_ExpiredSession(t *testing.T) {
	portal, engine, client, sess := setup(t)
	portal.ExpireSessions()

	_, err := engine.Crawl(context.Background(), client, sess, Options{})
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestCrawl_RequiresContext(t *testing.T) {
	_, engine, client, _ := setup(t)
	empty := domain.NewSession("s2", domain.Account{UserID: "u"}, time.Now())

	_, err := engine.Crawl(context.Background(), client, empty, Options{})
	assert.ErrorIs(t, err, domain.ErrContextMissing)
}

func TestDedupe(t *testing.T) {
	row := domain.CourseSnapshotEntry{CourseID: "C1", TeachingClassID: "J1", BatchID: "B"}
	dup := row
	dup.Teacher.Name = "someone else"
	other := domain.CourseSnapshotEntry{CourseID: "C0", TeachingClassID: "J9", BatchID: "B"}

	got := Dedupe([]domain.CourseSnapshotEntry{row, dup, other})
	require.Len(t, got, 2)
	assert.Equal(t, "C0", got[0].CourseID)
	assert.Empty(t, got[1].Teacher.Name, "first occurrence wins")
}

func TestParseTeacher(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want domain.Teacher
	}{
		{name: "full", in: "1001/Li Ming/Professor", want: domain.Teacher{ID: "1001", Name: "Li Ming", Title: "Professor"}},
		{name: "no_title", in: "1001/Li Ming", want: domain.Teacher{ID: "1001", Name: "Li Ming"}},
		{name: "name_only", in: "Li Ming", want: domain.Teacher{Name: "Li Ming"}},
		{name: "several", in: "1/A/Lecturer;2/B/Professor", want: domain.Teacher{ID: "1", Name: "A", Title: "Lecturer"}},
		{name: "empty", in: "", want: domain.Teacher{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTeacher(tt.in))
		})
	}
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 12, ClampConcurrency(0))
	assert.Equal(t, 1, ClampConcurrency(-3))
	assert.Equal(t, 7, ClampConcurrency(7))
	assert.Equal(t, 16, ClampConcurrency(64))
}

func TestToEntry(t *testing.T) {
	entry := ToEntry(BaseRow{CourseID: "C1", Fxbj: "1"}, jwxt.Row{
		"jxb_id": "J1",
		"kcmc":   "Fallback name",
		"sksj":   "Mon 1-2<br/>Wed 3-4",
		"jxbrl":  "30",
		"yxzrs":  "30",
		"xzbj":   "freshmen only, ",
	}, "B1")

	assert.Equal(t, "Fallback name", entry.CourseName)
	assert.Equal(t, "Mon 1-2; Wed 3-4", entry.ClassTime)
	assert.Equal(t, []string{"minor", "full", "freshmen only"}, entry.Limitations)
	assert.Equal(t, "B1", entry.BatchID)
	assert.Empty(t, entry.EnrollID)
}

func TestTermID(t *testing.T) {
	assert.Equal(t, "2025-1", TermID(map[string]string{"xnm": "2025", "xkxqm": "1"}))
}
