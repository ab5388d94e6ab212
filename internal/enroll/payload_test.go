package enroll

import (
	"testing"

	"jwxt-agent/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnrollPayload(t *testing.T) {
	reqCtx := map[string]string{
		"xkkz_id": "XK-MAJOR",
		"xkxnm":   "2025",
		"kch_id":  "from-context",
		"rlzlkz":  "1",
		"zyfx_id": "",
	}
	pair := domain.CoursePair{CourseID: "0830A", TeachingClassID: "J1", EnrollID: "do-J1", CourseName: "Operating Systems"}

	form := BuildEnrollPayload(reqCtx, pair)

	assert.Equal(t, "do-J1", form.Get("jxb_ids"))
	assert.Equal(t, "0830A", form.Get("kch_id"), "required fields are not overwritten by the context")
	assert.Equal(t, "Operating Systems", form.Get("kcmc"))
	assert.Equal(t, "0", form.Get("qz"))
	assert.Equal(t, "0", form.Get("cxbj"))
	assert.True(t, form.Has("jcxx_id"))
	assert.Equal(t, "XK-MAJOR", form.Get("xkkz_id"))
	assert.Equal(t, "2025", form.Get("xkxnm"))
	assert.False(t, form.Has("zyfx_id"), "empty context values are skipped")
	assert.Equal(t, "1", form.Get("rlzlkz"))
	assert.Equal(t, "0", form.Get("rlkz"))
	assert.Equal(t, "1", form.Get("rwlx"))
	assert.Equal(t, "1", form.Get("sxbj"))
}

func TestBuildEnrollPayload_Sxbj(t *testing.T) {
	tests := []struct {
		name   string
		reqCtx map[string]string
		want   string
	}{
		{name: "no_flags", reqCtx: map[string]string{}, want: "0"},
		{name: "rlkz", reqCtx: map[string]string{"rlkz": "1"}, want: "1"},
		{name: "cdrlkz", reqCtx: map[string]string{"cdrlkz": "1"}, want: "1"},
		{name: "rwlx_ignored", reqCtx: map[string]string{"rwlx": "1"}, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := BuildEnrollPayload(tt.reqCtx, domain.CoursePair{CourseID: "C", TeachingClassID: "J"})
			assert.Equal(t, tt.want, form.Get("sxbj"))
			assert.Equal(t, "J", form.Get("jxb_ids"), "teaching class id is used without an enroll id")
		})
	}
}

func TestBuildDropPayloadTuikBcZzxkYzb(t *testing.T) {
	form := BuildDropPayloadTuikBcZzxkYzb(
		map[string]string{"xkkz_id": "XK-MAJOR", "xkxnm": "2025", "jxb_ids": "stale"},
		domain.CoursePair{CourseID: "0830A", TeachingClassID: "J1", EnrollID: "do-J1"},
	)
	assert.Equal(t, "do-J1", form.Get("jxb_ids"))
	assert.Equal(t, "0830A", form.Get("kch_id"))
	assert.Equal(t, "XK-MAJOR", form.Get("xkkz_id"))
	assert.Equal(t, "0", form.Get("txbsfrl"))
	assert.Equal(t, "2025", form.Get("xkxnm"))
}
