package jwxt

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// Row is one JSON record with every value flattened to a string.
type Row map[string]string

// listKeys are the envelope keys different endpoints wrap their rows in.
var listKeys = []string{"tmpList", "items", "list", "rows", "data"}

// DecodeRows accepts a bare array of objects or an object wrapping one under
// a known envelope key. Numbers and booleans are converted to strings.
func DecodeRows(body []byte) ([]Row, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var raw []map[string]any
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
		return flatten(raw), nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	for _, k := range listKeys {
		msg, ok := envelope[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(msg, &raw); err != nil {
			return nil, err
		}
		return flatten(raw), nil
	}
	return nil, errors.New("no row list in response")
}

func flatten(raw []map[string]any) []Row {
	rows := make([]Row, 0, len(raw))
	for _, m := range raw {
		row := make(Row, len(m))
		for k, v := range m {
			row[k] = Stringify(v)
		}
		rows = append(rows, row)
	}
	return rows
}

// Stringify renders a decoded JSON scalar the way the portal's own pages do.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
