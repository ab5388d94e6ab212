// Package selection derives the request context every enrollment endpoint
// expects from the selection index and display pages.
package selection

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/jwxt"
	"jwxt-agent/internal/scrape"
)

var queryCourseRe = regexp.MustCompile(`queryCourse\(\s*this\s*,\s*['"]([^'"]*)['"]\s*,\s*['"]([^'"]*)['"]\s*,\s*['"]([^'"]*)['"]\s*,\s*['"]([^'"]*)['"]`)

// contextKeys is the allow-list of scraped fields copied into the context.
var contextKeys = []string{
	"xkxnm", "xkxqm", "xnm", "xqm",
	"xkkz_id", "kklxdm", "njdm_id", "zyh_id", "njdm_id_1", "zyh_id_1",
	"jg_id", "jg_id_1", "bh_id", "xbm", "xslbdm", "ccdm", "xsbj", "mzm", "xz",
	"xqh_id", "zyfx_id",
	"rwlx", "xklc", "xkly", "bklx_id",
	"sfkkjyxdxnxq", "kzkcgs", "sfkknj", "sfkkzy", "kzybkxy", "sfznkx", "zdkxms",
	"sfkxq", "sfkcfx", "kkbk", "kkbkdj", "bbhzxjxb",
	"rlkz", "cdrlkz", "rlzlkz", "xkzgbj", "jxbzcxskg", "tykczgxdcs", "txbsfrl",
	"gnjkxdnj", "sfxsjc",
}

// defaults fill keys some deployments omit from both pages.
var defaults = map[string]string{
	"rwlx":         "1",
	"xkly":         "0",
	"bklx_id":      "0",
	"sfkkjyxdxnxq": "0",
	"kzkcgs":       "0",
	"sfkknj":       "0",
	"sfkkzy":       "0",
	"kzybkxy":      "0",
	"sfznkx":       "0",
	"zdkxms":       "0",
	"sfkxq":        "0",
	"sfkcfx":       "0",
	"kkbk":         "0",
	"kkbkdj":       "0",
	"bbhzxjxb":     "0",
	"rlkz":         "0",
	"cdrlkz":       "0",
	"rlzlkz":       "0",
	"xkzgbj":       "0",
	"jxbzcxskg":    "0",
	"txbsfrl":      "0",
	"gnjkxdnj":     "0",
}

// Builder derives request contexts for one deployment.
type Builder struct {
	endpoints *jwxt.Endpoints
	now       func() time.Time
}

// NewBuilder creates a Builder.
func NewBuilder(endpoints *jwxt.Endpoints) *Builder {
	return &Builder{endpoints: endpoints, now: time.Now}
}

// Merge overlays update onto base. An update value only wins when non-empty.
func Merge(base, update map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(update))
	}
	for k, v := range update {
		if v != "" {
			out[k] = v
		} else if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// ParseRoundTabs extracts round tabs from queryCourse(...) anchors.
func ParseRoundTabs(anchors []scrape.Anchor) []domain.RoundTab {
	var tabs []domain.RoundTab
	for _, a := range anchors {
		m := queryCourseRe.FindStringSubmatch(a.Onclick)
		if m == nil {
			continue
		}
		tabs = append(tabs, domain.RoundTab{
			Kklxdm: m[1],
			XkkzID: m[2],
			NjdmID: m[3],
			ZyhID:  m[4],
			Label:  a.Text,
			Active: a.Active,
		})
	}
	return tabs
}

// fallbackTab is built from the first* fields single-round pages render
// instead of tabs.
func fallbackTab(fields map[string]string) (domain.RoundTab, bool) {
	tab := domain.RoundTab{
		Kklxdm: fields["firstKklxdm"],
		XkkzID: fields["firstXkkzId"],
		NjdmID: fields["firstNjdmId"],
		ZyhID:  fields["firstZyhId"],
	}
	if tab.XkkzID == "" {
		tab.Kklxdm = fields["kklxdm"]
		tab.XkkzID = fields["xkkz_id"]
	}
	if tab.NjdmID == "" {
		tab.NjdmID = fields["njdm_id"]
	}
	if tab.ZyhID == "" {
		tab.ZyhID = fields["zyh_id"]
	}
	return tab, tab.XkkzID != ""
}

// PickTab chooses the round by priority: preferred id, page-declared id,
// active flag, first tab, then the synthesized fallback.
func PickTab(tabs []domain.RoundTab, preferred, declared string, fallback *domain.RoundTab) (domain.RoundTab, bool) {
	for _, id := range []string{preferred, declared} {
		if id == "" {
			continue
		}
		for _, t := range tabs {
			if t.XkkzID == id {
				return t, true
			}
		}
	}
	for _, t := range tabs {
		if t.Active {
			return t, true
		}
	}
	if len(tabs) > 0 {
		return tabs[0], true
	}
	if fallback != nil {
		return *fallback, true
	}
	return domain.RoundTab{}, false
}

// PickCampus returns the selected option, else the first with a value.
func PickCampus(opts []domain.CampusOption) (domain.CampusOption, bool) {
	for _, o := range opts {
		if o.Selected && o.Value != "" {
			return o, true
		}
	}
	for _, o := range opts {
		if o.Value != "" {
			return o, true
		}
	}
	return domain.CampusOption{}, false
}

// BuildContext overlays allow-listed fields onto defaults, pins the round
// identifiers of tab and fills the year/term aliases.
func BuildContext(fields map[string]string, tab domain.RoundTab) map[string]string {
	ctx := maps.Clone(defaults)
	for _, k := range contextKeys {
		if v := fields[k]; v != "" {
			ctx[k] = v
		}
	}
	for k, v := range map[string]string{
		"xkkz_id": tab.XkkzID,
		"kklxdm":  tab.Kklxdm,
		"njdm_id": tab.NjdmID,
		"zyh_id":  tab.ZyhID,
	} {
		if v != "" {
			ctx[k] = v
		}
	}
	alias(ctx, "xnm", "xkxnm")
	alias(ctx, "xqm", "xkxqm")
	return ctx
}

func alias(ctx map[string]string, a, b string) {
	switch {
	case ctx[a] == "" && ctx[b] != "":
		ctx[a] = ctx[b]
	case ctx[b] == "" && ctx[a] != "":
		ctx[b] = ctx[a]
	}
}

// FromIndex derives a selection from the index page HTML, posting the
// display sub-page of the chosen round.
func (b *Builder) FromIndex(ctx context.Context, client *httpclient.Client, indexHTML, preferred string) (domain.Selection, error) {
	doc := scrape.Parse(indexHTML)
	fields := doc.HiddenInputs()

	tabs := ParseRoundTabs(doc.Anchors())
	var fallback *domain.RoundTab
	if fb, ok := fallbackTab(fields); ok {
		fallback = &fb
		if len(tabs) == 0 {
			tabs = []domain.RoundTab{fb}
		}
	}
	tab, ok := PickTab(tabs, preferred, fields["xkkz_id"], fallback)
	if !ok {
		return domain.Selection{}, &domain.Error{
			Code:      domain.CodeContextMissing,
			Op:        "select round",
			Message:   "no enrollment round is open",
			Retryable: true,
		}
	}

	display, err := b.display(ctx, client, tab)
	if err != nil {
		return domain.Selection{}, err
	}
	displayDoc := scrape.Parse(display)
	merged := Merge(fields, displayDoc.HiddenInputs())

	campuses := campusOptions(displayDoc)
	if len(campuses) == 0 {
		campuses = campusOptions(doc)
	}
	if c, ok := PickCampus(campuses); ok {
		merged["xqh_id"] = c.Value
	}

	reqCtx := BuildContext(merged, tab)
	if reqCtx["xkkz_id"] == "" {
		return domain.Selection{}, &domain.Error{Code: domain.CodeContextMissing, Op: "build context", Message: "xkkz_id is empty"}
	}

	active := fields["xkkz_id"]
	if active == "" {
		for _, t := range tabs {
			if t.Active {
				active = t.XkkzID
				break
			}
		}
	}

	return domain.Selection{
		Fields:        merged,
		Context:       reqCtx,
		CampusOptions: campuses,
		RoundTabs:     tabs,
		ActiveXkkzID:  active,
		CurrentXkkzID: tab.XkkzID,
	}, nil
}

func (b *Builder) display(ctx context.Context, client *httpclient.Client, tab domain.RoundTab) (string, error) {
	form := url.Values{
		"xkkz_id": {tab.XkkzID},
		"xszxzt":  {"1"},
		"kklxdm":  {tab.Kklxdm},
		"njdm_id": {tab.NjdmID},
		"zyh_id":  {tab.ZyhID},
		"kspage":  {"0"},
		"jspage":  {"0"},
	}
	resp, err := client.PostForm(ctx, b.endpoints.Display(), form, b.endpoints.AjaxHeader())
	if err != nil {
		return "", err
	}
	if err := b.endpoints.CheckLanding("load display page", resp); err != nil {
		return "", err
	}
	if resp.Status != http.StatusOK {
		return "", domain.StatusError("load display page", resp.Status, resp.URL.String())
	}
	return resp.Text(), nil
}

func campusOptions(doc scrape.Document) []domain.CampusOption {
	opts := doc.SelectOptions("xqh_id")
	out := make([]domain.CampusOption, 0, len(opts))
	for _, o := range opts {
		out = append(out, domain.CampusOption{Value: o.Value, Label: o.Label, Selected: o.Selected})
	}
	return out
}

// Refresh re-fetches the index page and replaces the session's fields and
// context.
func (b *Builder) Refresh(ctx context.Context, client *httpclient.Client, sess *domain.Session) error {
	resp, err := client.Get(ctx, b.endpoints.Index(), nil)
	if err != nil {
		return err
	}
	if err := b.endpoints.CheckLanding("refresh selection", resp); err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return domain.StatusError("refresh selection", resp.Status, resp.URL.String())
	}

	_, _, preferred := sess.XkkzIDs()
	sel, err := b.FromIndex(ctx, client, resp.Text(), preferred)
	if err != nil {
		return err
	}
	return sess.ApplySelection(sel, b.now())
}
