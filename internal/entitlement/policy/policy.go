// Package policy derives access decisions from a validated entitlement
// record. Nothing here performs I/O or consults the cache.
package policy

import (
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

const (
	ReasonAllowed          = "allowed"
	ReasonInactive         = "inactive"
	ReasonPlanTooLow       = "plan_too_low"
	ReasonNoCredits        = "no_credits"
	ReasonUnavailable      = "entitlement_unavailable"
	ReasonUnknownPlan      = "unknown_plan"
	DefaultViewSource      = "default_view"
	defaultViewRecordIDTag = "default:"
)

// Decision is the outcome of an access check.
type Decision = domain.AccessDecision

// IsActive reports whether the record's status grants usage.
func IsActive(r domain.Record) bool {
	return r.Status == domain.StatusActive || r.Status == domain.StatusTrial
}

// HasMinimumPlan compares plans in the order FREE < BASIC < PREMIUM < ENTERPRISE.
// Unknown plans never satisfy a requirement and are never satisfied.
func HasMinimumPlan(have, need domain.Plan) bool {
	haveRank, ok := have.Rank()
	if !ok {
		return false
	}
	needRank, ok := need.Rank()
	if !ok {
		return false
	}
	return haveRank >= needRank
}

// RemainingCredits is credits minus consumption, clamped at zero.
func RemainingCredits(r domain.Record) int64 {
	remaining := r.Credits - r.TokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AvailableCredits is RemainingCredits for usable records and zero otherwise.
func AvailableCredits(r domain.Record) int64 {
	if !IsActive(r) {
		return 0
	}
	return RemainingCredits(r)
}

// CanConsume reports whether amount units can be spent right now.
func CanConsume(r domain.Record, amount int64) bool {
	if amount <= 0 {
		return false
	}
	return AvailableCredits(r) >= amount
}

// Decide grants access when the record is usable and at least need.
func Decide(r domain.Record, need domain.Plan) Decision {
	if !need.Valid() {
		return Deny(ReasonUnknownPlan)
	}
	if !IsActive(r) {
		return Deny(ReasonInactive)
	}
	if !HasMinimumPlan(r.Plan, need) {
		return Deny(ReasonPlanTooLow)
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// Deny builds a negative decision. Access checks that cannot load a record
// use it with ReasonUnavailable.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// DefaultView is the free-tier record shown to UI reads when the real record
// cannot be loaded. It is never written to the cache.
func DefaultView(userID string, now time.Time) domain.Record {
	return domain.Record{
		ID:         defaultViewRecordIDTag + userID,
		UserID:     userID,
		Credits:    0,
		TokensUsed: 0,
		Plan:       domain.PlanFree,
		Status:     domain.StatusInactive,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   &domain.Metadata{Source: DefaultViewSource},
	}
}
