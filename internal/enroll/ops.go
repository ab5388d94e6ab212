package enroll

import (
	"cmp"
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/jwxt"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/scrape"
)

// Ops issues enrollment requests against one deployment.
type Ops struct {
	endpoints *jwxt.Endpoints
}

// NewOps creates Ops.
func NewOps(endpoints *jwxt.Endpoints) *Ops {
	return &Ops{endpoints: endpoints}
}

func requireContext(op string, reqCtx map[string]string) error {
	if reqCtx["xkkz_id"] == "" {
		return domain.NewError(domain.CodeContextMissing, op, "xkkz_id is empty")
	}
	return nil
}

func validPair(op string, pair domain.CoursePair) error {
	if pair.CourseID == "" || pair.TeachingClassID == "" {
		return &domain.Error{Code: domain.CodeInvalidInput, Op: op, Message: "courseId and teachingClassId are required"}
	}
	return nil
}

// post sends form and returns the response once it is known to be an
// authenticated 200, or a 404 when allow404 is set.
func (o *Ops) post(ctx context.Context, client *httpclient.Client, op, target string, form url.Values, allow404 bool) (*httpclient.Response, error) {
	resp, err := client.PostForm(ctx, target, form, o.endpoints.AjaxHeader())
	if err != nil {
		return nil, err
	}
	if err := o.endpoints.CheckLanding(op, resp); err != nil {
		return nil, err
	}
	if resp.Status == http.StatusOK || allow404 && resp.Status == http.StatusNotFound {
		return resp, nil
	}
	return nil, domain.StatusError(op, resp.Status, target)
}

// Enroll submits one enroll request. A rejection is reported in the result,
// not as an error.
func (o *Ops) Enroll(ctx context.Context, client *httpclient.Client, sess *domain.Session, pair domain.CoursePair) (domain.EnrollResult, error) {
	const op = "enroll"
	reqCtx := sess.Context()
	if err := validPair(op, pair); err != nil {
		return domain.EnrollResult{}, err
	}
	if err := requireContext(op, reqCtx); err != nil {
		return domain.EnrollResult{}, err
	}

	resp, err := o.post(ctx, client, op, o.endpoints.Enroll(), BuildEnrollPayload(reqCtx, pair), false)
	if err != nil {
		return domain.EnrollResult{}, err
	}
	res := ParseEnrollResult(resp.Body)
	observability.FromContext(ctx).Info("enroll submitted",
		slog.String("course_id", pair.CourseID),
		slog.String("teaching_class_id", pair.TeachingClassID),
		slog.Bool("ok", res.OK),
		slog.Bool("retryable", res.Retryable),
		slog.String("flag", res.Flag))
	return res, nil
}

// Drop submits one drop request to the primary endpoint and falls back to
// the legacy endpoint once on a 404 or an unrecognised reply.
func (o *Ops) Drop(ctx context.Context, client *httpclient.Client, sess *domain.Session, pair domain.CoursePair) (domain.DropResult, error) {
	const op = "drop"
	reqCtx := sess.Context()
	if err := validPair(op, pair); err != nil {
		return domain.DropResult{}, err
	}
	if err := requireContext(op, reqCtx); err != nil {
		return domain.DropResult{}, err
	}
	logger := observability.FromContext(ctx)

	resp, err := o.post(ctx, client, op, o.endpoints.Drop(), BuildDropPayloadTuikBcZzxkYzb(reqCtx, pair), true)
	if err != nil {
		return domain.DropResult{}, err
	}
	if resp.Status == http.StatusOK {
		if res, ok := parseDropCode(resp.Text()); ok {
			logger.Info("drop submitted",
				slog.String("course_id", pair.CourseID),
				slog.String("teaching_class_id", pair.TeachingClassID),
				slog.String("code", res.Code))
			return res, nil
		}
	}

	logger.Warn("primary drop endpoint unusable, trying legacy endpoint", slog.Int("status", resp.Status))
	resp, err = o.post(ctx, client, op, o.endpoints.DropLegacy(), BuildDropLegacyPayload(reqCtx, pair), false)
	if err != nil {
		return domain.DropResult{}, err
	}
	er := ParseEnrollResult(resp.Body)
	logger.Info("legacy drop submitted",
		slog.String("course_id", pair.CourseID),
		slog.String("teaching_class_id", pair.TeachingClassID),
		slog.Bool("ok", er.OK))
	return domain.DropResult{
		OK:        er.OK,
		Retryable: er.Retryable,
		Code:      er.Flag,
		Message:   er.Message,
		Legacy:    true,
	}, nil
}

// Breakdown returns the enrollment breakdown table of pair's teaching class.
func (o *Ops) Breakdown(ctx context.Context, client *httpclient.Client, sess *domain.Session, pair domain.CoursePair) (domain.Breakdown, error) {
	const op = "breakdown"
	reqCtx := sess.Context()
	if err := validPair(op, pair); err != nil {
		return domain.Breakdown{}, err
	}
	if err := requireContext(op, reqCtx); err != nil {
		return domain.Breakdown{}, err
	}

	resp, err := o.post(ctx, client, op, o.endpoints.Breakdown(), BuildBreakdownPayload(reqCtx, pair), false)
	if err != nil {
		return domain.Breakdown{}, err
	}
	doc := scrape.Parse(resp.Text())
	out := domain.Breakdown{Headers: doc.TableHeaders(), Rows: doc.TableRows()}
	if out.Headers == nil {
		out.Headers = []string{}
	}
	if out.Rows == nil {
		out.Rows = [][]string{}
	}
	return out, nil
}

// SelectedCourses lists the student's current selection.
func (o *Ops) SelectedCourses(ctx context.Context, client *httpclient.Client, sess *domain.Session) ([]domain.SelectedCourse, error) {
	const op = "selected courses"
	reqCtx := sess.Context()
	if err := requireContext(op, reqCtx); err != nil {
		return nil, err
	}

	form := url.Values{}
	overlay(form, reqCtx)
	resp, err := o.post(ctx, client, op, o.endpoints.Selected(), form, false)
	if err != nil {
		return nil, err
	}
	rows, err := jwxt.DecodeRows(resp.Body)
	if err != nil {
		return nil, &domain.Error{Code: domain.CodeBadResponse, Op: op, URL: o.endpoints.Selected(), Err: err}
	}

	out := make([]domain.SelectedCourse, 0, len(rows))
	for _, r := range rows {
		id := r["jxb_id"]
		if id == "" {
			continue
		}
		out = append(out, domain.SelectedCourse{
			CourseID:        cmp.Or(r["kch_id"], r["kch"]),
			CourseName:      r["kcmc"],
			TeachingClassID: id,
			EnrollID:        r["do_jxb_id"],
			Credit:          r["xf"],
			TeachingClass:   r["jxbmc"],
		})
	}
	return out, nil
}
