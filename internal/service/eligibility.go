package service

import (
	"context"

	"jwxt-agent/internal/domain"
)

// EligibilityResolver decides whether a student may enroll in a course group.
// The group key is the kklxdm of the session's current round.
type EligibilityResolver interface {
	Resolve(ctx context.Context, groupKey string) (domain.Eligibility, error)
}

// AlwaysEligible admits every group.
type AlwaysEligible struct{}

func (AlwaysEligible) Resolve(context.Context, string) (domain.Eligibility, error) {
	return domain.Eligibility{Eligible: true}, nil
}

// EligibilityFunc adapts a function to EligibilityResolver.
type EligibilityFunc func(ctx context.Context, groupKey string) (domain.Eligibility, error)

func (f EligibilityFunc) Resolve(ctx context.Context, groupKey string) (domain.Eligibility, error) {
	return f(ctx, groupKey)
}
