package cookiejar

import (
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestAddFromSetCookie(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}

	tests := []struct {
		name   string
		host   string
		lines  []string
		target string
		want   string
	}{
		{
			name:   "simple_pair",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"JSESSIONID=abc; Path=/; HttpOnly"},
			target: "https://jwxt.shu.edu.cn/jwglxt/index",
			want:   "JSESSIONID=abc",
		},
		{
			name:   "host_only_excludes_subdomain",
			host:   "shu.edu.cn",
			lines:  []string{"a=1"},
			target: "https://jwxt.shu.edu.cn/",
			want:   "",
		},
		{
			name:   "domain_attribute_strips_dot_and_matches_subdomain",
			host:   "newsso.shu.edu.cn",
			lines:  []string{"sso=1; Domain=.shu.edu.cn"},
			target: "https://jwxt.shu.edu.cn/",
			want:   "sso=1",
		},
		{
			name:   "foreign_domain_is_rejected",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"x=1; Domain=example.com"},
			target: "https://example.com/",
			want:   "",
		},
		{
			name:   "malformed_line_is_ignored",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"no-equals-sign; Path=/", "=value"},
			target: "https://jwxt.shu.edu.cn/",
			want:   "",
		},
		{
			name:   "path_prefix_required",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"p=1; Path=/jwglxt"},
			target: "https://jwxt.shu.edu.cn/other",
			want:   "",
		},
		{
			name:   "empty_value_deletes",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"route=r1; Path=/", "route=; Path=/"},
			target: "https://jwxt.shu.edu.cn/",
			want:   "",
		},
		{
			name:   "expired_expires_deletes",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"route=r1", "route=r2; Expires=Thu, 01 Jan 1970 00:00:00 GMT"},
			target: "https://jwxt.shu.edu.cn/",
			want:   "",
		},
		{
			name:   "max_age_overrides_expires",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"m=1; Expires=Thu, 01 Jan 1970 00:00:00 GMT; Max-Age=60"},
			target: "https://jwxt.shu.edu.cn/",
			want:   "m=1",
		},
		{
			name:   "zero_max_age_deletes",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"m=1", "m=1; Max-Age=0"},
			target: "https://jwxt.shu.edu.cn/",
			want:   "",
		},
		{
			name:   "attributes_case_insensitive",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"s=1; SECURE; PATH=/a"},
			target: "http://jwxt.shu.edu.cn/a",
			want:   "",
		},
		{
			name:   "multiple_cookies_joined",
			host:   "jwxt.shu.edu.cn",
			lines:  []string{"a=1", "b=2"},
			target: "https://jwxt.shu.edu.cn/",
			want:   "a=1; b=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jar := New(WithClock(clock.Now))
			for _, line := range tt.lines {
				jar.AddFromSetCookie(tt.host, line)
			}
			assert.Equal(t, tt.want, jar.CookieHeader(mustURL(t, tt.target)))
		})
	}
}

func TestCookieHeader_Expiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	jar := New(WithClock(clock.Now))
	jar.AddFromSetCookie("jwxt.shu.edu.cn", "short=1; Max-Age=10")
	u := mustURL(t, "https://jwxt.shu.edu.cn/")

	assert.Equal(t, "short=1", jar.CookieHeader(u))

	clock.t = clock.t.Add(10 * time.Second)
	assert.Equal(t, "", jar.CookieHeader(u))
	assert.Equal(t, 0, jar.Len())
}

func TestCookieHeader_LongestPathWins(t *testing.T) {
	jar := New()
	jar.AddFromSetCookie("jwxt.shu.edu.cn", "tok=root; Path=/")
	jar.AddFromSetCookie("jwxt.shu.edu.cn", "tok=deep; Path=/a/b")

	assert.Equal(t, "tok=deep", jar.CookieHeader(mustURL(t, "https://jwxt.shu.edu.cn/a/b/c")))
	assert.Equal(t, "tok=root", jar.CookieHeader(mustURL(t, "https://jwxt.shu.edu.cn/a")))
}

func TestImportCookieHeader(t *testing.T) {
	jar := New()
	jar.ImportCookieHeader("JWXT.shu.edu.cn", "a=1; b=2;  ; c")

	assert.Equal(t, "a=1; b=2", jar.CookieHeader(mustURL(t, "http://jwxt.shu.edu.cn/x")))
	assert.Equal(t, "", jar.CookieHeader(mustURL(t, "http://other.shu.edu.cn/x")))
}

func TestUpdateFromResponse(t *testing.T) {
	jar := New()
	req, err := http.NewRequest(http.MethodGet, "https://jwxt.shu.edu.cn/login", nil)
	require.NoError(t, err)
	resp := &http.Response{
		Request: req,
		Header:  http.Header{},
	}
	resp.Header.Add("Set-Cookie", "JSESSIONID=s1; Path=/")
	resp.Header.Add("Set-Cookie", "route=r1; Path=/")

	jar.UpdateFromResponse(resp)
	jar.UpdateFromResponse(nil)

	assert.Equal(t, "JSESSIONID=s1; route=r1", jar.CookieHeader(mustURL(t, "https://jwxt.shu.edu.cn/")))
}

func TestSerializeRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	jar := New(WithClock(clock.Now))
	jar.AddFromSetCookie("jwxt.shu.edu.cn", "a=1; Path=/jwglxt")
	jar.AddFromSetCookie("newsso.shu.edu.cn", "b=2; Domain=shu.edu.cn; Secure; Max-Age=3600")

	states := jar.Serialize()
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].Name)
	assert.True(t, states[0].HostOnly)
	assert.Equal(t, "shu.edu.cn", states[1].Domain)
	require.NotNil(t, states[1].ExpiresAt)

	restored := FromSerialized(states, WithClock(clock.Now))
	assert.Equal(t, "a=1; b=2", restored.CookieHeader(mustURL(t, "https://jwxt.shu.edu.cn/jwglxt/x")))

	clock.t = clock.t.Add(2 * time.Hour)
	expired := FromSerialized(states, WithClock(clock.Now))
	assert.Equal(t, 1, expired.Len())
}

func TestCookieSelectionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	u, _ := url.Parse("https://jwxt.shu.edu.cn/a/b/c")
	plain, _ := url.Parse("http://jwxt.shu.edu.cn/a/b/c")

	properties.Property("expired cookies are never returned", prop.ForAll(
		func(name, value string, ageSeconds int) bool {
			clock := &fakeClock{t: base}
			jar := New(WithClock(clock.Now))
			jar.AddFromSetCookie("jwxt.shu.edu.cn", name+"="+value+"; Max-Age="+strconv.Itoa(ageSeconds))
			clock.t = base.Add(time.Duration(ageSeconds) * time.Second)
			return jar.CookieHeader(u) == ""
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(0, 100000),
	))

	properties.Property("secure cookies are sent over https only", prop.ForAll(
		func(name, value string) bool {
			jar := New()
			jar.AddFromSetCookie("jwxt.shu.edu.cn", name+"="+value+"; Secure")
			return jar.CookieHeader(plain) == "" && jar.CookieHeader(u) == name+"="+value
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("longest matching path wins", prop.ForAll(
		func(name, shallow, deep string) bool {
			jar := New()
			jar.AddFromSetCookie("jwxt.shu.edu.cn", name+"="+deep+"; Path=/a/b")
			jar.AddFromSetCookie("jwxt.shu.edu.cn", name+"="+shallow+"; Path=/")
			return jar.CookieHeader(u) == name+"="+deep
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
