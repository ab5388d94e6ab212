package enroll

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/jwxt"
	"jwxt-agent/internal/scrape"
)

var (
	positiveRe = regexp.MustCompile(`(?i)成功|success`)
	negativeRe = regexp.MustCompile(`(?i)失败|不能|不可|不允许|未|已满|冲突|错误|fail|error|denied`)
)

// successFlags are the flag/code values the enroll endpoint uses for success.
var successFlags = map[string]bool{"1": true, "3": true, "6": true}

// capacityFullFlag means the class is full right now, which is not fatal.
const capacityFullFlag = "-1"

// ParseEnrollResult normalises an enroll reply. The reply may be a JSON
// object, a JSON string or plain text.
func ParseEnrollResult(body []byte) domain.EnrollResult {
	body = bytes.TrimSpace(body)

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		return parseEnrollObject(obj)
	}
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return parseEnrollMessage(s)
	}
	return parseEnrollMessage(scrape.Text(string(body)))
}

func parseEnrollObject(obj map[string]any) domain.EnrollResult {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := obj[k]; ok {
				if s := jwxt.Stringify(v); s != "" {
					return s
				}
			}
		}
		return ""
	}
	flag := get("flag", "code")
	msg := get("msg", "message")

	switch {
	case get("ok") == "true" || get("success") == "true" || successFlags[flag]:
		return domain.EnrollResult{OK: true, Flag: flag, Message: msg}
	case flag == capacityFullFlag:
		return domain.EnrollResult{Retryable: true, Flag: flag, Message: msg}
	}
	res := parseEnrollMessage(msg)
	res.Flag = flag
	return res
}

func parseEnrollMessage(msg string) domain.EnrollResult {
	msg = strings.TrimSpace(msg)
	if positiveRe.MatchString(msg) && !negativeRe.MatchString(msg) {
		return domain.EnrollResult{OK: true, Message: msg}
	}
	return domain.EnrollResult{Retryable: domain.RetryableMessage(msg), Message: msg}
}

// dropCodes is the whole code space of the primary drop endpoint.
var dropCodes = map[string]domain.DropResult{
	"1": {OK: true, Code: "1"},
	"2": {Retryable: true, Code: "2", Message: "SERVER_BUSY"},
	"3": {Code: "3", Message: "unknown error"},
	"4": {Code: "4", Message: "illegal access"},
	"5": {Retryable: true, Code: "5", Message: "VALIDATION_FAILED"},
}

// ParseDropTuikBcResult normalises a primary drop reply. Anything outside the
// code space is a fatal failure.
func ParseDropTuikBcResult(raw string) domain.DropResult {
	res, _ := parseDropCode(raw)
	return res
}

func parseDropCode(raw string) (domain.DropResult, bool) {
	code := strings.Trim(strings.TrimSpace(raw), `"`)
	if res, ok := dropCodes[code]; ok {
		return res, true
	}
	return domain.DropResult{Code: code, Message: "unrecognized drop response"}, false
}

// ResultError converts a failed enroll result into a typed error.
func ResultError(op string, res domain.EnrollResult) error {
	if res.OK {
		return nil
	}
	msg := res.Message
	if msg == "" && res.Flag != "" {
		msg = "flag " + res.Flag
	}
	return &domain.Error{Code: domain.CodeEnrollRejected, Op: op, Message: msg, Retryable: res.Retryable}
}

// DropError converts a failed drop result into a typed error.
func DropError(op string, res domain.DropResult) error {
	if res.OK {
		return nil
	}
	return &domain.Error{Code: domain.CodeDropRejected, Op: op, Message: res.Message, Retryable: res.Retryable}
}
