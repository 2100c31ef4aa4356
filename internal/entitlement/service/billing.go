package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	"github.com/smallbiznis/entitlements/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const billingSourcePrefix = "billing:"

// ApplyBillingEvent writes a subscription change to the primary store and
// then brings the cache in line with it. A delivery whose id was already
// applied returns ErrEventAlreadyProcessed, and one that occurred before the
// last applied event returns ErrStaleEvent. Neither changes state.
func (s *Service) ApplyBillingEvent(ctx context.Context, evt domain.BillingEvent) error {
	evt.UserID = domain.NormalizeUserID(evt.UserID)
	evt.ID = strings.TrimSpace(evt.ID)
	if err := domain.ValidateBillingEvent(evt); err != nil {
		return err
	}

	ctx, cid := correlation.EnsureCorrelationID(ctx, evt.ID)
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("event_type", string(evt.Type)),
		zap.String("event_id", evt.ID),
		zap.String("correlation_id", cid),
	)

	var fresh *domain.Entitlement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.claimEvent(ctx, tx, evt); err != nil {
			return err
		}

		existing, err := s.repo.FindByUserID(ctx, tx, evt.UserID)
		if err != nil {
			return err
		}
		if isStale(existing, evt) {
			return domain.ErrStaleEvent
		}

		if evt.Type == domain.EventSubscriptionCanceled && !cancelsAtPeriodEnd(evt) {
			return s.cancel(ctx, tx, existing, evt)
		}
		fresh, err = s.upsertFromEvent(ctx, tx, existing, evt, cid)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrEventAlreadyProcessed), errors.Is(err, domain.ErrStaleEvent):
		log.Info("billing event skipped", zap.String("reason", err.Error()))
		return err
	case errors.Is(err, domain.ErrEntitlementNotFound):
		s.cache.InvalidateUser(evt.UserID)
		log.Warn("billing event not applied", zap.Error(err))
		return err
	case err != nil:
		log.Warn("billing event not applied", zap.Error(err))
		return err
	}

	s.syncCache(ctx, evt.UserID, fresh)
	s.metrics.RecordBillingEvent(ctx, string(evt.Type))
	log.Info("billing event applied")
	return nil
}

// claimEvent records evt.ID inside the applying transaction, so a rollback
// releases the claim. Events without an id are not deduplicated.
func (s *Service) claimEvent(ctx context.Context, tx *gorm.DB, evt domain.BillingEvent) error {
	if evt.ID == "" {
		return nil
	}
	recorded, err := s.repo.RecordEvent(ctx, tx, &domain.ProcessedEvent{
		EventID:     evt.ID,
		UserID:      evt.UserID,
		Type:        evt.Type,
		OccurredAt:  utcPtr(evt.OccurredAt),
		ProcessedAt: s.clock.Now(),
	})
	if err != nil {
		return err
	}
	if !recorded {
		return domain.ErrEventAlreadyProcessed
	}
	return nil
}

// isStale reports whether evt happened strictly before the last event
// applied to the row. Undated events are never stale.
func isStale(existing *domain.Entitlement, evt domain.BillingEvent) bool {
	if existing == nil || existing.LastEventAt == nil || evt.OccurredAt == nil {
		return false
	}
	return evt.OccurredAt.Before(*existing.LastEventAt)
}

func (s *Service) cancel(ctx context.Context, tx *gorm.DB, existing *domain.Entitlement, evt domain.BillingEvent) error {
	if existing == nil {
		return domain.ErrEntitlementNotFound
	}
	ok, err := s.repo.UpdateStatus(ctx, tx, evt.UserID, domain.StatusCanceled, s.clock.Now(), utcPtr(evt.OccurredAt))
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrEntitlementNotFound
	}
	return nil
}

func (s *Service) upsertFromEvent(ctx context.Context, tx *gorm.DB, existing *domain.Entitlement, evt domain.BillingEvent, cid string) (*domain.Entitlement, error) {
	ent, err := s.mergeEvent(existing, evt, cid, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateRecord(ent.ToRecord()); err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, tx, ent); err != nil {
		return nil, err
	}
	return s.repo.FindByUserID(ctx, tx, evt.UserID)
}

// syncCache caches the committed row, or drops the user when there is none
// to cache.
func (s *Service) syncCache(ctx context.Context, userID string, fresh *domain.Entitlement) {
	if fresh == nil {
		s.cache.InvalidateUser(userID)
		return
	}
	if err := s.cache.SetSubscription(userID, fresh.ToRecord()); err != nil {
		// Leave no stale value behind if the write was refused.
		s.cache.InvalidateUser(userID)
		obslogger.WithContext(ctx, s.log).Warn("billing update not cached", zap.Error(err))
	}
}

// mergeEvent applies evt on top of existing. Creation needs a plan; renewal
// reactivates and resets consumption unless the event says otherwise.
func (s *Service) mergeEvent(existing *domain.Entitlement, evt domain.BillingEvent, cid string, now time.Time) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	switch {
	case existing != nil:
		ent = *existing
	case evt.Type == domain.EventSubscriptionUpdated || evt.Type == domain.EventSubscriptionCanceled:
		return nil, domain.ErrEntitlementNotFound
	case evt.Plan == nil:
		return nil, domain.NewValidationError("plan", domain.ErrMissingField, "plan is required for a new entitlement")
	default:
		ent = domain.Entitlement{
			ID:        s.genID.Generate(),
			UserID:    evt.UserID,
			Status:    domain.StatusActive,
			CreatedAt: now,
		}
	}

	if evt.Type == domain.EventSubscriptionRenewed {
		ent.Status = domain.StatusActive
		ent.TokensUsed = 0
		ent.CancelAtPeriodEnd = false
	}
	if evt.Type == domain.EventSubscriptionCanceled {
		ent.CancelAtPeriodEnd = true
	}

	if evt.Plan != nil {
		ent.Plan = *evt.Plan
	}
	if evt.Status != nil {
		ent.Status = *evt.Status
	}
	if evt.Credits != nil {
		ent.Credits = *evt.Credits
	}
	if evt.TokensUsed != nil {
		ent.TokensUsed = *evt.TokensUsed
	}
	if evt.CancelAtPeriodEnd != nil {
		ent.CancelAtPeriodEnd = *evt.CancelAtPeriodEnd
	}
	if evt.ExpirationDate != nil {
		ent.ExpirationDate = utcPtr(evt.ExpirationDate)
	}
	if evt.OccurredAt != nil {
		ent.LastEventAt = utcPtr(evt.OccurredAt)
	}

	md := &domain.Metadata{
		Source:        billingSourcePrefix + string(evt.Type),
		CorrelationID: cid,
		Attributes:    evt.Attributes,
	}
	if md.Attributes == nil && existing != nil {
		if prev := existing.ToRecord().Metadata; prev != nil {
			md.Attributes = prev.Attributes
		}
	}
	ent.Metadata = domain.MetadataJSON(md)
	ent.UpdatedAt = now
	return &ent, nil
}

func cancelsAtPeriodEnd(evt domain.BillingEvent) bool {
	return evt.CancelAtPeriodEnd != nil && *evt.CancelAtPeriodEnd
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
