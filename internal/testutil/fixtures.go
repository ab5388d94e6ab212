package testutil

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// IndexPage is a selection index with two round tabs, the first active.
const IndexPage = `<html><head><title>Course selection</title>
<script>function queryCourse(el, kklxdm, xkkz_id, njdm_id, zyh_id) {}</script></head>
<body>
<input type="hidden" name="xkxnm" id="xkxnm" value="2025">
<input type="hidden" name="xkxqm" id="xkxqm" value="3">
<input type="hidden" name="njdm_id" id="njdm_id" value="2023">
<input type="hidden" name="zyh_id" id="zyh_id" value="0800">
<input type="hidden" name="jg_id_1" id="jg_id_1" value="08">
<input type="hidden" name="bh_id" id="bh_id" value="23080001">
<input type="hidden" name="xbm" id="xbm" value="1">
<input type="hidden" name="xslbdm" id="xslbdm" value="421">
<input type="hidden" name="ccdm" id="ccdm" value="3">
<input type="hidden" name="xsbj" id="xsbj" value="4294967296">
<input type="hidden" name="mzm" id="mzm" value="01">
<input type="hidden" name="xz" id="xz" value="4">
<input type="hidden" name="xqh_id" id="xqh_id" value="1">
<input type="hidden" name="xklc" id="xklc" value="1">
<input type="hidden" name="firstKklxdm" id="firstKklxdm" value="01">
<input type="hidden" name="firstXkkzId" id="firstXkkzId" value="XK-MAJOR">
<input type="hidden" name="firstNjdmId" id="firstNjdmId" value="2023">
<input type="hidden" name="firstZyhId" id="firstZyhId" value="0800">
<input type="hidden" name="xm" id="xm" value="Li Hua">
<input type="hidden" name="sessionUserKey" id="sessionUserKey" value="not-allow-listed">
<ul class="nav nav-tabs sl_nav_tabs">
  <li class="active"><a href="javascript:void(0);" onclick="queryCourse(this,'01','XK-MAJOR','2023','0800')">Major courses</a></li>
  <li><a href="javascript:void(0);" onclick="queryCourse(this,'10','XK-GEN','2023','0800')">General electives</a></li>
</ul>
</body></html>`

// SingleRoundIndexPage renders no tabs, only the fallback fields.
const SingleRoundIndexPage = `<html><body>
<input type="hidden" name="xkxnm" value="2025">
<input type="hidden" name="xkxqm" value="3">
<input type="hidden" name="firstKklxdm" value="01">
<input type="hidden" name="firstXkkzId" value="XK-ONLY">
<input type="hidden" name="firstNjdmId" value="2023">
<input type="hidden" name="firstZyhId" value="0800">
</body></html>`

// ClosedIndexPage is what the portal renders outside an enrollment window.
const ClosedIndexPage = `<html><body><div class="nodata">Course selection is not open.</div></body></html>`

// DisplayPage is the per-round display sub-page with a campus selector.
const DisplayPage = `<html><body>
<input type="hidden" name="rwlx" id="rwlx" value="1">
<input type="hidden" name="xklc" id="xklc" value="">
<input type="hidden" name="xkly" id="xkly" value="0">
<input type="hidden" name="bklx_id" id="bklx_id" value="0">
<input type="hidden" name="sfkknj" id="sfkknj" value="0">
<input type="hidden" name="sfkkzy" id="sfkkzy" value="0">
<input type="hidden" name="sfkxq" id="sfkxq" value="1">
<input type="hidden" name="rlkz" id="rlkz" value="0">
<input type="hidden" name="cdrlkz" id="cdrlkz" value="0">
<input type="hidden" name="rlzlkz" id="rlzlkz" value="1">
<input type="hidden" name="jxbzcxskg" id="jxbzcxskg" value="0">
<input type="hidden" name="txbsfrl" id="txbsfrl" value="0">
<input type="hidden" name="zyfx_id" id="zyfx_id" value="wfx">
<select id="xqh_id" name="xqh_id">
  <option value="">All campuses</option>
  <option value="1">Baoshan</option>
  <option value="2" selected="selected">Yanchang</option>
</select>
</body></html>`

// BreakdownPage is the enrollment breakdown table of one teaching class.
const BreakdownPage = `<html><body><table class="table">
<tr><th>Category</th><th>Capacity</th><th>Enrolled</th></tr>
<tr><td>Major students</td><td>30</td><td>28</td></tr>
<tr><td>Other&nbsp;students</td><td>10</td><td>3</td></tr>
</table></body></html>`

const ssoLoginPage = `<html><body>
<form id="fm1" action="/idp/login?flow=f1" method="post">
  <input id="username" name="username" value="">
  <input type="password" id="password" name="password">
  <input type="hidden" name="execution" value="e1s1">
  <input type="hidden" name="_eventId" value="submit">
</form>
</body></html>`

const localLoginPage = `<html><body><form action="/jwglxt/xtgl/login_slogin.html" method="post">
<input type="hidden" name="csrftoken" value="x"></form></body></html>`

// NewSection returns a section with a fresh teaching class id.
func NewSection(teacher string, capacity, enrolled int) Section {
	id := nextID("jxb")
	return Section{
		"jxb_id":    id,
		"do_jxb_id": "do-" + id,
		"jsxx":      teacher,
		"sksj":      "Mon 1-2",
		"jxdd":      "A101",
		"xqumc":     "Baoshan",
		"jxbrl":     strconv.Itoa(capacity),
		"yxzrs":     strconv.Itoa(enrolled),
		"kkxymc":    "Computer Engineering",
	}
}
