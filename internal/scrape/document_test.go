package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPage = `<html><head><script>var x = "<input type='hidden' name='bogus' value='1'>";</script></head>
<body>
<form id="fm1" action="/login?service=https%3A%2F%2Fjwxt.shu.edu.cn" method="post">
  <input type="hidden" name="execution" value="e1s1">
  <input type="HIDDEN" name="_eventId" value="submit">
  <input name="lt" value="LT-1">
  <input type="text" name="username" value="">
  <input type="password" name="password">
  <input type="hidden" id="onlyId" value="x">
</form>
<form action="/second"></form>
</body></html>`

func TestHiddenInputs(t *testing.T) {
	doc := Parse(loginPage)

	assert.Equal(t, map[string]string{
		"execution": "e1s1",
		"_eventId":  "submit",
		"lt":        "LT-1",
		"onlyId":    "x",
	}, doc.HiddenInputs())
}

func TestFormAction_FirstFormWins(t *testing.T) {
	doc := Parse(loginPage)
	assert.Equal(t, "/login?service=https%3A%2F%2Fjwxt.shu.edu.cn", doc.FormAction())
}

func TestSelectOptions(t *testing.T) {
	src := `<select id="xqh_id" name="xqh_id">
	<option value="">--all--</option>
	<option value="1">Baoshan</option>
	<option value="2" selected="selected">Yanchang</option>
	<option>Jiading</option>
	</select>
	<select id="other"><option value="z">Z</option></select>`

	opts := Parse(src).SelectOptions("xqh_id")
	require.Len(t, opts, 4)
	assert.Equal(t, Option{Value: "", Label: "--all--"}, opts[0])
	assert.Equal(t, Option{Value: "2", Label: "Yanchang", Selected: true}, opts[2])
	assert.Equal(t, Option{Value: "Jiading", Label: "Jiading"}, opts[3])

	assert.Empty(t, Parse(src).SelectOptions("missing"))
}

func TestTableRows(t *testing.T) {
	src := `<table>
	<tr><th>Course</th><th>Seats</th></tr>
	<tr><td> <b>Calculus&nbsp;I</b> </td><td>30<br>left</td></tr>
	<tr><td>Physics &amp; Lab</td><td>
	   12
	</td></tr>
	<tr></tr>
	</table>`

	doc := Parse(src)
	assert.Equal(t, []string{"Course", "Seats"}, doc.TableHeaders())
	assert.Equal(t, [][]string{
		{"Calculus I", "30 left"},
		{"Physics & Lab", "12"},
	}, doc.TableRows())
}

func TestTableRows_UnclosedCells(t *testing.T) {
	doc := Parse(`<table><tr><td>a<td>b<tr><td>c</table>`)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, doc.TableRows())
}

func TestAnchors(t *testing.T) {
	src := `<ul class="nav nav-tabs">
	<li class="active"><a href="#" onclick="queryCourse(this,'01','K1','2023','Z1')">Major</a></li>
	<li><a href="#" onclick="queryCourse(this,'10','K2','2023','Z1')"> General
	  Electives </a></li>
	<li><a href="#">plain link</a></li>
	<li><a class="active" onclick="go()">x</a></li>
	</ul>`

	anchors := Parse(src).Anchors()
	require.Len(t, anchors, 3)
	assert.True(t, anchors[0].Active)
	assert.Equal(t, "Major", anchors[0].Text)
	assert.False(t, anchors[1].Active)
	assert.Equal(t, "General Electives", anchors[1].Text)
	assert.True(t, anchors[2].Active)
}

func TestParse_EmptyAndGarbage(t *testing.T) {
	for _, src := range []string{"", "not html at all", "<<<>>>", "<table><tr><td>"} {
		doc := Parse(src)
		assert.Empty(t, doc.HiddenInputs())
		assert.Equal(t, "", doc.FormAction())
		assert.Empty(t, doc.Anchors())
	}
}

func TestText(t *testing.T) {
	assert.Equal(t, "a b & c", Text("<p>a</p><p>b &amp;\n c</p>"))
	assert.Equal(t, "", Text("   "))
}
