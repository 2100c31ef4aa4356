package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Entitlement is the durable row backing a Record.
type Entitlement struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	UserID            string            `gorm:"type:varchar(191);not null;uniqueIndex"`
	Plan              Plan              `gorm:"type:varchar(32);not null"`
	Status            Status            `gorm:"type:varchar(32);not null"`
	Credits           int64             `gorm:"not null;default:0"`
	TokensUsed        int64             `gorm:"not null;default:0"`
	CancelAtPeriodEnd bool              `gorm:"not null;default:false"`
	ExpirationDate    *time.Time        `gorm:""`
	Metadata          datatypes.JSONMap `gorm:""`
	LastEventAt       *time.Time        `gorm:""`
	CreatedAt         time.Time         `gorm:"not null"`
	UpdatedAt         time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Entitlement) TableName() string { return "entitlements" }

// ProcessedEvent marks a billing delivery as applied. Its primary key is the
// provider's event id.
type ProcessedEvent struct {
	EventID     string           `gorm:"primaryKey;type:varchar(191)"`
	UserID      string           `gorm:"type:varchar(191);not null;index"`
	Type        BillingEventType `gorm:"type:varchar(64);not null"`
	OccurredAt  *time.Time       `gorm:""`
	ProcessedAt time.Time        `gorm:"not null"`
}

// TableName sets the database table name.
func (ProcessedEvent) TableName() string { return "billing_events" }

// ToRecord converts the row into the cached representation. The result has
// not been validated.
func (e Entitlement) ToRecord() Record {
	r := Record{
		ID:                e.ID.String(),
		UserID:            e.UserID,
		Credits:           e.Credits,
		TokensUsed:        e.TokensUsed,
		Plan:              e.Plan,
		Status:            e.Status,
		CancelAtPeriodEnd: e.CancelAtPeriodEnd,
		CreatedAt:         e.CreatedAt.UTC(),
		UpdatedAt:         e.UpdatedAt.UTC(),
		Metadata:          metadataFromJSON(e.Metadata),
	}
	if e.ExpirationDate != nil {
		exp := e.ExpirationDate.UTC()
		r.ExpirationDate = &exp
	}
	return r
}

// MetadataJSON renders m for storage.
func MetadataJSON(m *Metadata) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	out := datatypes.JSONMap{}
	if m.Source != "" {
		out["source"] = m.Source
	}
	if m.CorrelationID != "" {
		out["correlationId"] = m.CorrelationID
	}
	if len(m.Attributes) > 0 {
		attrs := make(map[string]any, len(m.Attributes))
		for k, v := range m.Attributes {
			attrs[k] = v
		}
		out["attributes"] = attrs
	}
	return out
}

func metadataFromJSON(raw datatypes.JSONMap) *Metadata {
	if len(raw) == 0 {
		return nil
	}
	m := &Metadata{}
	m.Source, _ = raw["source"].(string)
	m.CorrelationID, _ = raw["correlationId"].(string)
	if attrs, ok := raw["attributes"].(map[string]any); ok && len(attrs) > 0 {
		m.Attributes = attrs
	}
	return m
}
