// Package enroll speaks the enroll, drop, breakdown and selected-courses
// protocol of the portal.
package enroll

import (
	"cmp"
	"net/url"

	"jwxt-agent/internal/domain"
)

// capacityFlags are always taken from the context, even when empty there.
var capacityFlags = map[string]string{
	"rlkz":   "0",
	"cdrlkz": "0",
	"rlzlkz": "0",
	"rwlx":   "1",
}

// overlay copies every non-empty context value the form does not set yet.
// Deployments disagree on which context keys are required, so all of them go.
func overlay(form url.Values, reqCtx map[string]string) {
	for k, v := range reqCtx {
		if v == "" || form.Has(k) {
			continue
		}
		form.Set(k, v)
	}
}

// BuildEnrollPayload returns the form of the enroll endpoint for pair.
func BuildEnrollPayload(reqCtx map[string]string, pair domain.CoursePair) url.Values {
	form := url.Values{
		"jxb_ids": {pair.JxbIDs()},
		"kch_id":  {pair.CourseID},
		"kcmc":    {pair.CourseName},
		"xxkbj":   {cmp.Or(pair.Xxkbj, "0")},
		"qz":      {cmp.Or(pair.Qz, "0")},
		"cxbj":    {cmp.Or(pair.Cxbj, "0")},
		"jcxx_id": {""},
	}
	overlay(form, reqCtx)

	sxbj := "0"
	for k, def := range capacityFlags {
		v := cmp.Or(reqCtx[k], def)
		form.Set(k, v)
		if k != "rwlx" && v == "1" {
			sxbj = "1"
		}
	}
	form.Set("sxbj", sxbj)
	return form
}

// BuildDropPayloadTuikBcZzxkYzb returns the form of the primary drop endpoint.
func BuildDropPayloadTuikBcZzxkYzb(reqCtx map[string]string, pair domain.CoursePair) url.Values {
	form := url.Values{
		"kch_id":  {pair.CourseID},
		"jxb_ids": {pair.JxbIDs()},
		"xkkz_id": {reqCtx["xkkz_id"]},
		"txbsfrl": {cmp.Or(reqCtx["txbsfrl"], "0")},
	}
	overlay(form, reqCtx)
	return form
}

// BuildDropLegacyPayload returns the form of the legacy drop endpoint.
func BuildDropLegacyPayload(reqCtx map[string]string, pair domain.CoursePair) url.Values {
	form := url.Values{
		"kch_id":  {pair.CourseID},
		"jxb_ids": {pair.JxbIDs()},
		"xkkz_id": {reqCtx["xkkz_id"]},
	}
	overlay(form, reqCtx)
	return form
}

// BuildBreakdownPayload returns the form of the breakdown endpoint.
func BuildBreakdownPayload(reqCtx map[string]string, pair domain.CoursePair) url.Values {
	form := url.Values{
		"jxb_id":  {pair.TeachingClassID},
		"kch_id":  {pair.CourseID},
		"xkkz_id": {reqCtx["xkkz_id"]},
	}
	overlay(form, reqCtx)
	return form
}
