// Package domain contains the entitlement record, its validator, and the
// persistence model backing it.
package domain

import (
	"time"
)

// Plan is a subscription tier. The set is closed and ordered.
type Plan string

const (
	PlanFree       Plan = "FREE"
	PlanBasic      Plan = "BASIC"
	PlanPremium    Plan = "PREMIUM"
	PlanEnterprise Plan = "ENTERPRISE"
)

var planRank = map[Plan]int{
	PlanFree:       0,
	PlanBasic:      1,
	PlanPremium:    2,
	PlanEnterprise: 3,
}

// Rank returns the position of p in FREE < BASIC < PREMIUM < ENTERPRISE.
func (p Plan) Rank() (int, bool) {
	rank, ok := planRank[p]
	return rank, ok
}

func (p Plan) Valid() bool {
	_, ok := planRank[p]
	return ok
}

// Status is the lifecycle state of an entitlement.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusCanceled Status = "CANCELED"
	StatusTrial    Status = "TRIAL"
	StatusPastDue  Status = "PAST_DUE"
	StatusExpired  Status = "EXPIRED"
)

var knownStatuses = map[Status]struct{}{
	StatusActive:   {},
	StatusInactive: {},
	StatusCanceled: {},
	StatusTrial:    {},
	StatusPastDue:  {},
	StatusExpired:  {},
}

func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// Metadata carries provenance for diagnostics only.
type Metadata struct {
	Source        string         `json:"source,omitempty" mapstructure:"source"`
	CorrelationID string         `json:"correlationId,omitempty" mapstructure:"correlationId"`
	Attributes    map[string]any `json:"attributes,omitempty" mapstructure:"attributes"`
}

// Record is one user's current billing/feature entitlement. Values reaching
// the cache have always passed ValidateRecord.
type Record struct {
	ID                string     `json:"id" mapstructure:"id" validate:"required"`
	UserID            string     `json:"userId" mapstructure:"userId" validate:"required"`
	Credits           int64      `json:"credits" mapstructure:"credits"`
	TokensUsed        int64      `json:"tokensUsed" mapstructure:"tokensUsed"`
	Plan              Plan       `json:"plan" mapstructure:"plan" validate:"required,plan"`
	Status            Status     `json:"status" mapstructure:"status" validate:"required,status"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd" mapstructure:"cancelAtPeriodEnd"`
	ExpirationDate    *time.Time `json:"expirationDate,omitempty" mapstructure:"expirationDate"`
	CreatedAt         time.Time  `json:"createdAt" mapstructure:"createdAt" validate:"required"`
	UpdatedAt         time.Time  `json:"updatedAt" mapstructure:"updatedAt" validate:"required"`
	Metadata          *Metadata  `json:"metadata,omitempty" mapstructure:"metadata"`
}

// Clone returns a deep copy so callers never share pointers with the cache.
func (r Record) Clone() Record {
	out := r
	if r.ExpirationDate != nil {
		exp := *r.ExpirationDate
		out.ExpirationDate = &exp
	}
	if r.Metadata != nil {
		md := *r.Metadata
		if r.Metadata.Attributes != nil {
			md.Attributes = make(map[string]any, len(r.Metadata.Attributes))
			for k, v := range r.Metadata.Attributes {
				md.Attributes[k] = v
			}
		}
		out.Metadata = &md
	}
	return out
}
