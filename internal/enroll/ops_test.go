package enroll

import (
	"context"
	"net/http"
	"testing"
	"time"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/jwxt"
	"jwxt-agent/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pair = domain.CoursePair{CourseID: "0830A", TeachingClassID: "J1", EnrollID: "do-J1", CourseName: "Operating Systems"}

func setup(t *testing.T) (*testutil.Portal, *Ops, *httpclient.Client, *domain.Session) {
	t.Helper()
	portal := testutil.NewPortal(t)
	sess := domain.NewSession("s1", domain.Account{UserID: "20231234"}, time.Now())
	require.NoError(t, sess.ApplySelection(domain.Selection{
		Context: map[string]string{"xkkz_id": "XK-MAJOR", "xkxnm": "2025", "xkxqm": "3", "rlkz": "1"},
	}, time.Now()))
	return portal, NewOps(portal.Endpoints(t)), httpclient.New(portal.AuthorizedJar("20231234")), sess
}

func TestEnroll(t *testing.T) {
	portal, ops, client, sess := setup(t)

	res, err := ops.Enroll(context.Background(), client, sess, pair)
	require.NoError(t, err)
	assert.True(t, res.OK)

	form := portal.MustForm(t, jwxt.DefaultPaths.Enroll)
	assert.Equal(t, "do-J1", form.Get("jxb_ids"))
	assert.Equal(t, "XK-MAJOR", form.Get("xkkz_id"))
	assert.Equal(t, "1", form.Get("sxbj"))
}

func TestEnroll_RejectionIsAResult(t *testing.T) {
	portal, ops, client, sess := setup(t)
	portal.EnrollReply = `{"flag":"-1","msg":"人数已满"}`

	res, err := ops.Enroll(context.Background(), client, sess, pair)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.Retryable)
}

func TestEnroll_Validation(t *testing.T) {
	portal, ops, client, sess := setup(t)

	_, err := ops.Enroll(context.Background(), client, sess, domain.CoursePair{CourseID: "0830A"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	empty := domain.NewSession("s2", domain.Account{UserID: "u"}, time.Now())
	_, err = ops.Enroll(context.Background(), client, empty, pair)
	assert.ErrorIs(t, err, domain.ErrContextMissing)

	assert.Equal(t, 0, portal.Hits(jwxt.DefaultPaths.Enroll))
}

func TestEnroll_SessionExpired(t *testing.T) {
	portal, ops, client, sess := setup(t)
	portal.ExpireSessions()

	_, err := ops.Enroll(context.Background(), client, sess, pair)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
	assert.True(t, domain.IsRetryable(err))
}

func TestDrop_Primary(t *testing.T) {
	portal, ops, client, sess := setup(t)
	portal.DropReply = "2"

	res, err := ops.Drop(context.Background(), client, sess, pair)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.Retryable)
	assert.False(t, res.Legacy)
	assert.Equal(t, 0, portal.Hits(jwxt.DefaultPaths.DropLegacy))
	assert.Equal(t, "do-J1", portal.MustForm(t, jwxt.DefaultPaths.Drop).Get("jxb_ids"))
}

func TestDrop_LegacyFallback(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
	}{
		{name: "not_found", status: http.StatusNotFound, reply: "missing"},
		{name: "unrecognized_body", status: http.StatusOK, reply: "<html>changed</html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			portal, ops, client, sess := setup(t)
			portal.DropStatus = tt.status
			portal.DropReply = tt.reply
			portal.DropLegacyReply = `{"flag":"1","msg":"退课成功"}`

			res, err := ops.Drop(context.Background(), client, sess, pair)
			require.NoError(t, err)
			assert.True(t, res.OK)
			assert.True(t, res.Legacy)
			assert.Equal(t, 1, portal.Hits(jwxt.DefaultPaths.DropLegacy))
		})
	}
}

func TestDrop_ServerError(t *testing.T) {
	portal, ops, client, sess := setup(t)
	portal.DropStatus = http.StatusInternalServerError

	_, err := ops.Drop(context.Background(), client, sess, pair)
	assert.Equal(t, domain.CodeUnexpectedStatus, domain.CodeOf(err))
	assert.Equal(t, 0, portal.Hits(jwxt.DefaultPaths.DropLegacy))
}

func TestBreakdown(t *testing.T) {
	portal, ops, client, sess := setup(t)

	got, err := ops.Breakdown(context.Background(), client, sess, pair)
	require.NoError(t, err)
	assert.Equal(t, []string{"Category", "Capacity", "Enrolled"}, got.Headers)
	assert.Equal(t, [][]string{
		{"Major students", "30", "28"},
		{"Other students", "10", "3"},
	}, got.Rows)
	assert.Equal(t, "J1", portal.MustForm(t, jwxt.DefaultPaths.Breakdown).Get("jxb_id"))
}

func TestSelectedCourses(t *testing.T) {
	portal, ops, client, sess := setup(t)
	portal.SelectedJSON = `[
		{"kch_id":"0830A","kcmc":"Operating Systems","jxb_id":"J1","do_jxb_id":"do-J1","xf":3,"jxbmc":"OS-01"},
		{"kch":"0830B","jxb_id":"J7"},
		{"kch_id":"skipped"}
	]`

	got, err := ops.SelectedCourses(context.Background(), client, sess)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.SelectedCourse{
		CourseID: "0830A", CourseName: "Operating Systems", TeachingClassID: "J1",
		EnrollID: "do-J1", Credit: "3", TeachingClass: "OS-01",
	}, got[0])
	assert.Equal(t, "0830B", got[1].CourseID)
	assert.Equal(t, "2025", portal.MustForm(t, jwxt.DefaultPaths.Selected).Get("xkxnm"))
}

func TestSelectedCourses_BadBody(t *testing.T) {
	portal, ops, client, sess := setup(t)
	portal.SelectedJSON = `<html>oops</html>`

	_, err := ops.SelectedCourses(context.Background(), client, sess)
	assert.Equal(t, domain.CodeBadResponse, domain.CodeOf(err))
}
