// Package scrape extracts form fields, select options, anchors and table
// rows from portal pages. Missing elements yield empty results; nothing here
// returns an error because the upstream markup changes between deployments.
package scrape

import (
	"strings"

	"golang.org/x/net/html"
)

// Option is one <option> of a <select>.
type Option struct {
	Value    string
	Label    string
	Selected bool
}

// Anchor is one <a> element carrying an onclick handler.
type Anchor struct {
	Onclick string
	Text    string
	// Active is set when the anchor or its enclosing <li> has an "active" class.
	Active bool
}

// Document exposes the capabilities the portal adapters need.
type Document interface {
	HiddenInputs() map[string]string
	FormAction() string
	SelectOptions(id string) []Option
	TableHeaders() []string
	TableRows() [][]string
	Anchors() []Anchor
}

type document struct {
	hidden  map[string]string
	action  string
	selects map[string][]Option
	headers []string
	rows    [][]string
	anchors []Anchor
}

func (d *document) HiddenInputs() map[string]string {
	out := make(map[string]string, len(d.hidden))
	for k, v := range d.hidden {
		out[k] = v
	}
	return out
}

func (d *document) FormAction() string { return d.action }

func (d *document) SelectOptions(id string) []Option {
	opts := d.selects[id]
	out := make([]Option, len(opts))
	copy(out, opts)
	return out
}

func (d *document) TableHeaders() []string {
	out := make([]string, len(d.headers))
	copy(out, d.headers)
	return out
}

func (d *document) TableRows() [][]string {
	out := make([][]string, len(d.rows))
	for i, r := range d.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

func (d *document) Anchors() []Anchor {
	return append([]Anchor(nil), d.anchors...)
}

// cellState accumulates the text of an open <td>/<th>.
type cellState struct {
	header bool
	text   strings.Builder
}

// Parse tokenizes src once and indexes everything the adapters ask for.
func Parse(src string) Document {
	d := &document{
		hidden:  make(map[string]string),
		selects: make(map[string][]Option),
	}
	z := html.NewTokenizer(strings.NewReader(src))

	var (
		skipDepth  int
		selectID   string
		inSelect   bool
		option     *Option
		optionText strings.Builder
		optionHas  bool
		row        []string
		rowHeader  bool
		cell       *cellState
		anchor     *Anchor
		anchorText strings.Builder
		liActive   []bool
	)

	closeOption := func() {
		if option == nil {
			return
		}
		option.Label = collapse(optionText.String())
		if !optionHas {
			option.Value = option.Label
		}
		if inSelect && selectID != "" {
			d.selects[selectID] = append(d.selects[selectID], *option)
		}
		option = nil
	}
	closeCell := func() {
		if cell == nil {
			return
		}
		row = append(row, collapse(cell.text.String()))
		if !cell.header {
			rowHeader = false
		}
		cell = nil
	}
	closeRow := func() {
		closeCell()
		if len(row) > 0 {
			if rowHeader {
				if d.headers == nil {
					d.headers = row
				}
			} else {
				d.rows = append(d.rows, row)
			}
		}
		row = nil
		rowHeader = true
	}
	rowHeader = true

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			closeOption()
			closeRow()
			return d

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			attrs := readAttrs(z, hasAttr)

			switch tag {
			case "script", "style":
				if tt == html.StartTagToken {
					skipDepth++
				}
			case "input":
				typ := strings.ToLower(attrs["type"])
				if typ != "" && typ != "hidden" {
					continue
				}
				key := attrs["name"]
				if key == "" {
					key = attrs["id"]
				}
				if key != "" {
					d.hidden[key] = attrs["value"]
				}
			case "form":
				if d.action == "" {
					d.action = attrs["action"]
				}
			case "select":
				inSelect = true
				selectID = attrs["id"]
			case "option":
				closeOption()
				value, has := attrs["value"]
				_, selected := attrs["selected"]
				option = &Option{Value: value, Selected: selected}
				optionHas = has
				optionText.Reset()
			case "tr":
				closeRow()
			case "td", "th":
				closeCell()
				cell = &cellState{header: tag == "th"}
			case "li":
				if tt == html.StartTagToken {
					liActive = append(liActive, hasClass(attrs["class"], "active"))
				}
			case "a":
				onclick := attrs["onclick"]
				if onclick == "" || tt == html.SelfClosingTagToken {
					continue
				}
				active := hasClass(attrs["class"], "active")
				if n := len(liActive); n > 0 && liActive[n-1] {
					active = true
				}
				anchor = &Anchor{Onclick: onclick, Active: active}
				anchorText.Reset()
			case "br":
				if cell != nil {
					cell.text.WriteByte(' ')
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skipDepth > 0 {
					skipDepth--
				}
			case "select":
				closeOption()
				inSelect = false
				selectID = ""
			case "option":
				closeOption()
			case "td", "th":
				closeCell()
			case "tr":
				closeRow()
			case "table":
				closeRow()
			case "li":
				if n := len(liActive); n > 0 {
					liActive = liActive[:n-1]
				}
			case "a":
				if anchor != nil {
					anchor.Text = collapse(anchorText.String())
					d.anchors = append(d.anchors, *anchor)
					anchor = nil
				}
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := string(z.Text())
			if option != nil {
				optionText.WriteString(text)
			}
			if cell != nil {
				cell.text.WriteString(text)
			}
			if anchor != nil {
				anchorText.WriteString(text)
			}
		}
	}
}

func readAttrs(z *html.Tokenizer, hasAttr bool) map[string]string {
	attrs := make(map[string]string)
	for hasAttr {
		var k, v []byte
		k, v, hasAttr = z.TagAttr()
		key := strings.ToLower(string(k))
		if _, seen := attrs[key]; !seen {
			attrs[key] = string(v)
		}
	}
	return attrs
}

func hasClass(classAttr, class string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == class {
			return true
		}
	}
	return false
}

// collapse trims s and folds runs of unicode whitespace, NBSP included, into
// one space.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Text strips tags from an HTML fragment and collapses its whitespace.
func Text(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapse(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			b.WriteByte(' ')
		}
	}
}
