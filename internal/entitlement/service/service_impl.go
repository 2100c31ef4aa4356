package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/observability/tracing"
	"github.com/smallbiznis/entitlements/internal/reconcile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	cache      *cache.SubscriptionCache
	reconciler *reconcile.Reconciler
	metrics    *obsmetrics.Metrics
	tracer     trace.Tracer
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Cache      *cache.SubscriptionCache
	Reconciler *reconcile.Reconciler
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("entitlement.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		cache:      p.Cache,
		reconciler: p.Reconciler,
		metrics:    p.Metrics,
		tracer:     otel.Tracer("entitlements/service"),
	}
}

// Get serves userID from the cache, falling back to the primary store on a
// miss. Failed fetches are returned as *domain.FetchError and never cached.
func (s *Service) Get(ctx context.Context, userID string) (domain.Record, error) {
	userID = domain.NormalizeUserID(userID)
	if userID == "" {
		return domain.Record{}, domain.ErrInvalidUser
	}
	if record, ok := s.cache.GetSubscription(userID); ok {
		return record, nil
	}
	return s.fetch(ctx, userID)
}

func (s *Service) fetch(ctx context.Context, userID string) (domain.Record, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.fetch")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return domain.Record{}, s.fetchFailed(ctx, span, userID, err)
	}

	ent, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return domain.Record{}, s.fetchFailed(ctx, span, userID, err)
	}
	if ent == nil {
		s.metrics.RecordFetch(ctx, obsmetrics.FetchOutcomeNotFound)
		span.SetAttributes(attribute.String("fetch.outcome", obsmetrics.FetchOutcomeNotFound))
		return domain.Record{}, &domain.FetchError{UserID: userID, Err: domain.ErrEntitlementNotFound}
	}

	record := ent.ToRecord()
	if err := domain.ValidateRecord(record); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("stored entitlement failed validation", zap.Error(err))
		return domain.Record{}, s.fetchFailed(ctx, span, userID, err)
	}

	if err := s.cache.SetSubscription(userID, record); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("fetched entitlement not cached", zap.Error(err))
	}
	s.metrics.RecordFetch(ctx, obsmetrics.FetchOutcomeFound)
	span.SetAttributes(
		attribute.String("fetch.outcome", obsmetrics.FetchOutcomeFound),
		attribute.String("entitlement.plan", string(record.Plan)),
	)
	return record, nil
}

func (s *Service) fetchFailed(ctx context.Context, span trace.Span, userID string, err error) error {
	outcome := obsmetrics.ClassifyFetchError(err)
	s.metrics.RecordFetch(ctx, outcome)
	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, outcome)
	obslogger.WithContext(ctx, s.log).Warn("entitlement fetch failed",
		zap.String("outcome", outcome),
		zap.Bool("retryable", obsmetrics.IsRetryableFetchError(err)),
		zap.Error(err),
	)
	return &domain.FetchError{UserID: userID, Err: err}
}

// View never fails for a well-formed user id. When the record cannot be
// loaded the free-tier default is returned, flagged Degraded unless the
// user simply has no entitlement.
func (s *Service) View(ctx context.Context, userID string) (domain.View, error) {
	record, err := s.Get(ctx, userID)
	if err == nil {
		return domain.View{
			Entitlement:      record,
			Active:           policy.IsActive(record),
			RemainingCredits: policy.AvailableCredits(record),
		}, nil
	}
	if errors.Is(err, domain.ErrInvalidUser) {
		return domain.View{}, err
	}

	return domain.View{
		Entitlement: policy.DefaultView(domain.NormalizeUserID(userID), s.clock.Now()),
		Degraded:    !errors.Is(err, domain.ErrEntitlementNotFound),
	}, nil
}

// CheckAccess fails closed: anything short of a loaded, usable record at or
// above need is a denial.
func (s *Service) CheckAccess(ctx context.Context, userID string, need domain.Plan) (domain.AccessDecision, error) {
	if !need.Valid() {
		decision := policy.Deny(policy.ReasonUnknownPlan)
		s.metrics.RecordAccessDecision(ctx, false, decision.Reason)
		return decision, nil
	}

	record, err := s.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidUser) {
			return domain.AccessDecision{}, err
		}
		decision := policy.Deny(policy.ReasonUnavailable)
		s.metrics.RecordAccessDecision(ctx, false, decision.Reason)
		return decision, nil
	}

	decision := policy.Decide(record, need)
	s.metrics.RecordAccessDecision(ctx, decision.Allowed, decision.Reason)
	return decision, nil
}

// ConsumeCredits spends amount in the primary store and refreshes the cache
// from it.
func (s *Service) ConsumeCredits(ctx context.Context, req domain.ConsumeRequest) (domain.Record, error) {
	userID := domain.NormalizeUserID(req.UserID)
	if userID == "" {
		return domain.Record{}, domain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return domain.Record{}, domain.ErrInvalidAmount
	}

	ok, err := s.repo.ConsumeCredits(ctx, s.db, userID, req.Amount, s.clock.Now())
	if err != nil {
		return domain.Record{}, fmt.Errorf("consume credits: %w", err)
	}
	s.cache.InvalidateUser(userID)

	record, err := s.Get(ctx, userID)
	if !ok {
		if err != nil {
			return domain.Record{}, err
		}
		return domain.Record{}, domain.ErrInsufficientCredits
	}
	if err != nil {
		return domain.Record{}, err
	}

	s.metrics.RecordCreditsConsumed(ctx, string(record.Plan), req.Amount)
	return record, nil
}
