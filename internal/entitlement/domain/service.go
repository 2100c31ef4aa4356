package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type BillingEventType string

const (
	EventSubscriptionCreated  BillingEventType = "subscription.created"
	EventSubscriptionRenewed  BillingEventType = "subscription.renewed"
	EventSubscriptionUpdated  BillingEventType = "subscription.updated"
	EventSubscriptionCanceled BillingEventType = "subscription.canceled"
)

func (t BillingEventType) Valid() bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionRenewed, EventSubscriptionUpdated, EventSubscriptionCanceled:
		return true
	default:
		return false
	}
}

// BillingEvent is a subscription change pushed by the billing system. Nil
// fields leave the stored value untouched.
type BillingEvent struct {
	ID                string           `json:"id"`
	Type              BillingEventType `json:"type" validate:"required,event_type"`
	UserID            string           `json:"user_id" validate:"required"`
	Plan              *Plan            `json:"plan,omitempty" validate:"omitempty,plan"`
	Status            *Status          `json:"status,omitempty" validate:"omitempty,status"`
	Credits           *int64           `json:"credits,omitempty" validate:"omitempty,gte=0"`
	TokensUsed        *int64           `json:"tokens_used,omitempty" validate:"omitempty,gte=0"`
	CancelAtPeriodEnd *bool            `json:"cancel_at_period_end,omitempty"`
	ExpirationDate    *time.Time       `json:"expiration_date,omitempty"`
	Attributes        map[string]any   `json:"attributes,omitempty"`
	OccurredAt        *time.Time       `json:"occurred_at,omitempty"`
}

// View is the fail-open read model for UI surfaces.
type View struct {
	Entitlement      Record `json:"entitlement"`
	Active           bool   `json:"active"`
	RemainingCredits int64  `json:"remaining_credits"`
	Degraded         bool   `json:"degraded"`
}

type ConsumeRequest struct {
	UserID string `json:"-"`
	Amount int64  `json:"amount"`
}

type ReconcileRequest struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"-"`
	Claims    json.RawMessage `json:"claims"`
}

type ReconcileResponse struct {
	SessionID   string `json:"session_id"`
	Decision    string `json:"decision"`
	NeedsSync   bool   `json:"needs_sync"`
	Requested   bool   `json:"requested"`
	Entitlement Record `json:"entitlement"`

	CreditsDelta    int64 `json:"credits_delta"`
	TokensUsedDelta int64 `json:"tokens_used_delta"`
	PlanMismatch    bool  `json:"plan_mismatch"`
	StatusMismatch  bool  `json:"status_mismatch"`
}

// AccessDecision is the outcome of an access check.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

type Service interface {
	Get(ctx context.Context, userID string) (Record, error)
	View(ctx context.Context, userID string) (View, error)
	CheckAccess(ctx context.Context, userID string, need Plan) (AccessDecision, error)
	ConsumeCredits(ctx context.Context, req ConsumeRequest) (Record, error)
	ApplyBillingEvent(ctx context.Context, evt BillingEvent) error
	ReconcileSession(ctx context.Context, req ReconcileRequest) (ReconcileResponse, error)
}

// NormalizeUserID trims surrounding whitespace; the cache does the same.
func NormalizeUserID(userID string) string {
	return strings.TrimSpace(userID)
}
