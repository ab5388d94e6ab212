package handler

import (
	"net/http"

	"jwxt-agent/internal/crawl"
	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/middleware"
	"jwxt-agent/internal/service"
)

// CourseHandler exposes the one-shot portal operations.
type CourseHandler struct {
	portal *service.Portal
}

// NewCourseHandler creates a course handler
func NewCourseHandler(portal *service.Portal) *CourseHandler {
	return &CourseHandler{portal: portal}
}

// CrawlRequest is the optional body of POST /crawl.
type CrawlRequest struct {
	LimitCourses int  `json:"limitCourses"`
	Concurrency  int  `json:"concurrency"`
	AllCampuses  bool `json:"allCampuses"`
}

// SelectedResponse is the body of GET /selected.
type SelectedResponse struct {
	Courses []domain.SelectedCourse `json:"courses"`
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "not authenticated", string(domain.CodeSessionInvalid))
		return "", false
	}
	return sess.ID, true
}

func pairFrom(w http.ResponseWriter, r *http.Request) (domain.CoursePair, bool) {
	var pair domain.CoursePair
	if err := decodeJSON(r, &pair, true); err != nil {
		writeError(w, r, err)
		return pair, false
	}
	return pair, true
}

// Crawl produces a course snapshot of the current round.
func (h *CourseHandler) Crawl(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req CrawlRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if req.LimitCourses < 0 || req.Concurrency < 0 {
		writeError(w, r, &domain.Error{Code: domain.CodeInvalidInput, Op: "crawl", Message: "limits must not be negative"})
		return
	}

	res, err := h.portal.Crawl(r.Context(), id, crawl.Options{
		LimitCourses: req.LimitCourses,
		Concurrency:  req.Concurrency,
		AllCampuses:  req.AllCampuses,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Enroll submits one enroll request. A rejection answers 409 with the
// normalised result.
func (h *CourseHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	pair, ok := pairFrom(w, r)
	if !ok {
		return
	}

	res, err := h.portal.Enroll(r.Context(), id, pair)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// Drop submits one drop request. A rejection answers 409 with the
// normalised result.
func (h *CourseHandler) Drop(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	pair, ok := pairFrom(w, r)
	if !ok {
		return
	}

	res, err := h.portal.Drop(r.Context(), id, pair)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// Breakdown returns the enrollment breakdown table of one teaching class.
func (h *CourseHandler) Breakdown(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	pair, ok := pairFrom(w, r)
	if !ok {
		return
	}

	res, err := h.portal.Breakdown(r.Context(), id, pair)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Selected lists the current selection.
func (h *CourseHandler) Selected(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	courses, err := h.portal.Selected(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SelectedResponse{Courses: courses})
}
