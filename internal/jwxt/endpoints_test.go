package jwxt

import (
	"net/http"
	"net/url"
	"testing"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEndpoints(t *testing.T) *Endpoints {
	t.Helper()
	e, err := New("https://jwxt.shu.edu.cn/", "N253512", "newsso.shu.edu.cn", Paths{})
	require.NoError(t, err)
	return e
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestNew_RejectsInvalidBase(t *testing.T) {
	for _, raw := range []string{"", "jwxt.shu.edu.cn", "://bad"} {
		_, err := New(raw, "N1", "sso", Paths{})
		assert.Error(t, err, raw)
	}
}

func TestURLs_CarryGnmkdm(t *testing.T) {
	e := newEndpoints(t)

	assert.Equal(t, "https://jwxt.shu.edu.cn/jwglxt/xsxk/zzxkyzbjk_xkBcZyZzxkYzb.html?gnmkdm=N253512", e.Enroll())
	assert.Equal(t, "https://jwxt.shu.edu.cn/jwglxt/xsxk/zzxkyzb_cxZzxkYzbIndex.html?gnmkdm=N253512&layout=default", e.Index())
	assert.Equal(t, "https://jwxt.shu.edu.cn/sso/shulogin", e.SSOEntry())
	assert.Equal(t, "https://jwxt.shu.edu.cn", e.Origin())
}

func TestPaths_Override(t *testing.T) {
	e, err := New("http://127.0.0.1:9000", "", "", Paths{Drop: "/custom/drop"})
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9000/custom/drop", e.Drop())
	assert.Equal(t, "http://127.0.0.1:9000"+DefaultPaths.DropLegacy, e.DropLegacy())
}

func TestCheckLanding(t *testing.T) {
	e := newEndpoints(t)

	tests := []struct {
		name    string
		resp    *httpclient.Response
		invalid bool
	}{
		{
			name: "selection_page",
			resp: &httpclient.Response{Status: http.StatusOK, URL: mustParse(t, e.Index()), Header: http.Header{}},
		},
		{
			name:    "local_login_with_200",
			resp:    &httpclient.Response{Status: http.StatusOK, URL: mustParse(t, "https://jwxt.shu.edu.cn/jwglxt/xtgl/login_slogin.html"), Header: http.Header{}},
			invalid: true,
		},
		{
			name:    "sso_host",
			resp:    &httpclient.Response{Status: http.StatusOK, URL: mustParse(t, "https://newsso.shu.edu.cn/login"), Header: http.Header{}},
			invalid: true,
		},
		{
			name: "redirect_to_login",
			resp: &httpclient.Response{
				Status: http.StatusFound,
				URL:    mustParse(t, e.Enroll()),
				Header: http.Header{"Location": {"/jwglxt/xtgl/login_slogin.html"}},
			},
			invalid: true,
		},
		{
			name: "redirect_elsewhere",
			resp: &httpclient.Response{
				Status: http.StatusFound,
				URL:    mustParse(t, e.Enroll()),
				Header: http.Header{"Location": {"/jwglxt/xsxk/other.html"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckLanding("test", tt.resp)
			if !tt.invalid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrSessionInvalid)
			assert.True(t, domain.IsRetryable(err))
		})
	}
}

func TestAjaxHeader(t *testing.T) {
	h := newEndpoints(t).AjaxHeader()
	assert.Equal(t, "XMLHttpRequest", h.Get("X-Requested-With"))
	assert.Equal(t, "https://jwxt.shu.edu.cn", h.Get("Origin"))
}
