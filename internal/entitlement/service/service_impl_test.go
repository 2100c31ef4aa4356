package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	"github.com/smallbiznis/entitlements/internal/entitlement/repository"
	"github.com/smallbiznis/entitlements/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	svc   domain.Service
	db    *gorm.DB
	cache *cache.SubscriptionCache
	clock *clock.FakeClock
	rec   *reconcile.Reconciler
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.Entitlement{}, &domain.ProcessedEvent{}))
	return db
}

func newHarness(t *testing.T, repo domain.Repository) *harness {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	c, err := cache.NewSubscriptionCache(cache.Options{MaxSize: 10, DefaultTTL: time.Minute, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	rec, err := reconcile.NewReconciler(reconcile.Options{Cooldown: 30 * time.Second, Clock: clk})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	if repo == nil {
		repo = repository.Provide()
	}
	db := setupTestDB(t)
	svc := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Repo:       repo,
		Cache:      c,
		Reconciler: rec,
	})
	return &harness{svc: svc, db: db, cache: c, clock: clk, rec: rec}
}

func ptr[T any](v T) *T { return &v }

func (h *harness) create(t *testing.T, userID string, plan domain.Plan, credits int64) {
	t.Helper()
	require.NoError(t, h.svc.ApplyBillingEvent(context.Background(), domain.BillingEvent{
		ID:      "evt_" + userID,
		Type:    domain.EventSubscriptionCreated,
		UserID:  userID,
		Plan:    ptr(plan),
		Credits: ptr(credits),
	}))
}

type repoMock struct {
	mock.Mock
}

func (m *repoMock) FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*domain.Entitlement, error) {
	args := m.Called(ctx, db, userID)
	ent, _ := args.Get(0).(*domain.Entitlement)
	return ent, args.Error(1)
}

func (m *repoMock) Upsert(ctx context.Context, db *gorm.DB, e *domain.Entitlement) error {
	return m.Called(ctx, db, e).Error(0)
}

func (m *repoMock) UpdateStatus(ctx context.Context, db *gorm.DB, userID string, status domain.Status, at time.Time, eventAt *time.Time) (bool, error) {
	args := m.Called(ctx, db, userID, status, at, eventAt)
	return args.Bool(0), args.Error(1)
}

func (m *repoMock) RecordEvent(ctx context.Context, db *gorm.DB, e *domain.ProcessedEvent) (bool, error) {
	args := m.Called(ctx, db, e)
	return args.Bool(0), args.Error(1)
}

func (m *repoMock) ConsumeCredits(ctx context.Context, db *gorm.DB, userID string, amount int64, at time.Time) (bool, error) {
	args := m.Called(ctx, db, userID, amount, at)
	return args.Bool(0), args.Error(1)
}

func TestGetReadsThroughAndCaches(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, "user_1", domain.PlanPremium, 100)
	h.cache.InvalidateAll()

	rec, err := h.svc.Get(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPremium, rec.Plan)
	require.NotNil(t, rec.Metadata)
	assert.Equal(t, "evt_user_1", rec.Metadata.CorrelationID)

	cached, ok := h.cache.GetSubscription("user_1")
	require.True(t, ok)
	assert.Equal(t, rec.ID, cached.ID)
}

func TestGetServesCacheWithoutTouchingStore(t *testing.T) {
	repo := &repoMock{}
	h := newHarness(t, repo)
	at := h.clock.Now()
	require.NoError(t, h.cache.SetSubscription("user_1", domain.Record{
		ID: "1", UserID: "user_1", Plan: domain.PlanBasic, Status: domain.StatusActive,
		CreatedAt: at, UpdatedAt: at,
	}))

	rec, err := h.svc.Get(context.Background(), " user_1 ")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanBasic, rec.Plan)
	repo.AssertNotCalled(t, "FindByUserID", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetFetchErrorIsNeverCached(t *testing.T) {
	repo := &repoMock{}
	boom := errors.New("connection refused")
	repo.On("FindByUserID", mock.Anything, mock.Anything, "user_1").Return(nil, boom).Twice()
	h := newHarness(t, repo)

	for i := 0; i < 2; i++ {
		_, err := h.svc.Get(context.Background(), "user_1")
		var fetchErr *domain.FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "user_1", fetchErr.UserID)
	}

	assert.Equal(t, 0, h.cache.Stats().Size)
	repo.AssertExpectations(t)
}

func TestGetNotFound(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)

	_, err = h.svc.Get(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}

func TestGetHonoursCanceledContext(t *testing.T) {
	repo := &repoMock{}
	h := newHarness(t, repo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Get(ctx, "user_1")
	assert.ErrorIs(t, err, context.Canceled)
	repo.AssertNotCalled(t, "FindByUserID", mock.Anything, mock.Anything, mock.Anything)
}

func TestViewFailsOpen(t *testing.T) {
	repo := &repoMock{}
	repo.On("FindByUserID", mock.Anything, mock.Anything, "user_1").Return(nil, errors.New("db down"))
	h := newHarness(t, repo)

	view, err := h.svc.View(context.Background(), "user_1")
	require.NoError(t, err)
	assert.True(t, view.Degraded)
	assert.Equal(t, domain.PlanFree, view.Entitlement.Plan)
	assert.Equal(t, policy.DefaultViewSource, view.Entitlement.Metadata.Source)
	assert.False(t, view.Active)
	assert.Equal(t, 0, h.cache.Stats().Size)
}

func TestViewForUnknownUserIsNotDegraded(t *testing.T) {
	h := newHarness(t, nil)

	view, err := h.svc.View(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, view.Degraded)
	assert.Equal(t, domain.StatusInactive, view.Entitlement.Status)
}

func TestViewReportsRemainingCredits(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, "user_1", domain.PlanBasic, 40)

	view, err := h.svc.View(context.Background(), "user_1")
	require.NoError(t, err)
	assert.True(t, view.Active)
	assert.EqualValues(t, 40, view.RemainingCredits)
}

func TestCheckAccessFailsClosed(t *testing.T) {
	repo := &repoMock{}
	repo.On("FindByUserID", mock.Anything, mock.Anything, "user_1").Return(nil, errors.New("db down"))
	h := newHarness(t, repo)

	decision, err := h.svc.CheckAccess(context.Background(), "user_1", domain.PlanFree)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, policy.ReasonUnavailable, decision.Reason)
}

func TestCheckAccess(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, "user_1", domain.PlanPremium, 10)

	decision, err := h.svc.CheckAccess(context.Background(), "user_1", domain.PlanBasic)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = h.svc.CheckAccess(context.Background(), "user_1", domain.PlanEnterprise)
	require.NoError(t, err)
	assert.Equal(t, policy.ReasonPlanTooLow, decision.Reason)

	decision, err = h.svc.CheckAccess(context.Background(), "user_1", domain.Plan("GOLD"))
	require.NoError(t, err)
	assert.Equal(t, policy.ReasonUnknownPlan, decision.Reason)
}

func TestConsumeCredits(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, "user_1", domain.PlanBasic, 10)
	ctx := context.Background()

	rec, err := h.svc.ConsumeCredits(ctx, domain.ConsumeRequest{UserID: "user_1", Amount: 7})
	require.NoError(t, err)
	assert.EqualValues(t, 7, rec.TokensUsed)
	assert.EqualValues(t, 3, policy.RemainingCredits(rec))

	_, err = h.svc.ConsumeCredits(ctx, domain.ConsumeRequest{UserID: "user_1", Amount: 4})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	_, err = h.svc.ConsumeCredits(ctx, domain.ConsumeRequest{UserID: "user_1", Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.svc.ConsumeCredits(ctx, domain.ConsumeRequest{UserID: "ghost", Amount: 1})
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)
}

func TestApplyBillingEventLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "user_1", domain.PlanBasic, 10)

	_, err := h.svc.ConsumeCredits(ctx, domain.ConsumeRequest{UserID: "user_1", Amount: 5})
	require.NoError(t, err)

	require.NoError(t, h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{
		Type:   domain.EventSubscriptionUpdated,
		UserID: "user_1",
		Plan:   ptr(domain.PlanEnterprise),
	}))
	cached, ok := h.cache.GetSubscription("user_1")
	require.True(t, ok)
	assert.Equal(t, domain.PlanEnterprise, cached.Plan)
	assert.EqualValues(t, 5, cached.TokensUsed)
	assert.NotEmpty(t, cached.Metadata.CorrelationID)

	require.NoError(t, h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{
		Type:   domain.EventSubscriptionRenewed,
		UserID: "user_1",
	}))
	cached, ok = h.cache.GetSubscription("user_1")
	require.True(t, ok)
	assert.EqualValues(t, 0, cached.TokensUsed)
	assert.Equal(t, domain.StatusActive, cached.Status)

	require.NoError(t, h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{
		Type:   domain.EventSubscriptionCanceled,
		UserID: "user_1",
	}))
	_, ok = h.cache.GetSubscription("user_1")
	assert.False(t, ok, "cancel invalidates the cached record")

	rec, err := h.svc.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, rec.Status)
}

func TestApplyBillingEventCancelAtPeriodEndKeepsAccess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "user_1", domain.PlanPremium, 10)

	require.NoError(t, h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{
		Type:              domain.EventSubscriptionCanceled,
		UserID:            "user_1",
		CancelAtPeriodEnd: ptr(true),
	}))

	rec, err := h.svc.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, rec.CancelAtPeriodEnd)
	assert.Equal(t, domain.StatusActive, rec.Status)
}

func TestApplyBillingEventRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{Type: domain.EventSubscriptionCreated, UserID: "user_1"})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	err = h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{Type: domain.EventSubscriptionUpdated, UserID: "user_1", Plan: ptr(domain.PlanBasic)})
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)

	err = h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{Type: domain.EventSubscriptionCanceled, UserID: "user_1"})
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)

	err = h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{Type: "invoice.paid", UserID: "user_1"})
	assert.ErrorIs(t, err, domain.ErrInvalidEventType)
}

func TestApplyBillingEventRedeliveryIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "user_1", domain.PlanBasic, 10)

	renewal := domain.BillingEvent{ID: "evt_renew_1", Type: domain.EventSubscriptionRenewed, UserID: "user_1"}
	require.NoError(t, h.svc.ApplyBillingEvent(ctx, renewal))

	_, err := h.svc.ConsumeCredits(ctx, domain.ConsumeRequest{UserID: "user_1", Amount: 3})
	require.NoError(t, err)

	err = h.svc.ApplyBillingEvent(ctx, renewal)
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)

	rec, err := h.svc.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.TokensUsed, "a redelivered renewal must not reset usage again")

	err = h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{ID: "evt_user_1", Type: domain.EventSubscriptionCreated, UserID: "user_1", Plan: ptr(domain.PlanBasic)})
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)
}

func TestApplyBillingEventReplayAfterCancelKeepsCanceled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "user_1", domain.PlanPremium, 10)

	renewal := domain.BillingEvent{ID: "evt_renew_1", Type: domain.EventSubscriptionRenewed, UserID: "user_1"}
	require.NoError(t, h.svc.ApplyBillingEvent(ctx, renewal))
	require.NoError(t, h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{
		ID: "evt_cancel_1", Type: domain.EventSubscriptionCanceled, UserID: "user_1",
	}))

	err := h.svc.ApplyBillingEvent(ctx, renewal)
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)

	rec, err := h.svc.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, rec.Status)
}

func TestApplyBillingEventRejectsOutOfOrderDelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{
		ID: "evt_create", Type: domain.EventSubscriptionCreated, UserID: "user_1",
		Plan: ptr(domain.PlanPremium), Credits: ptr(int64(10)), OccurredAt: ptr(t0),
	}))
	require.NoError(t, h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{
		ID: "evt_cancel", Type: domain.EventSubscriptionCanceled, UserID: "user_1",
		OccurredAt: ptr(t0.Add(2 * time.Hour)),
	}))

	late := domain.BillingEvent{
		ID: "evt_renew_late", Type: domain.EventSubscriptionRenewed, UserID: "user_1",
		OccurredAt: ptr(t0.Add(time.Hour)),
	}
	err := h.svc.ApplyBillingEvent(ctx, late)
	assert.ErrorIs(t, err, domain.ErrStaleEvent)

	rec, err := h.svc.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, rec.Status)

	var recorded int64
	require.NoError(t, h.db.Model(&domain.ProcessedEvent{}).Where("event_id = ?", late.ID).Count(&recorded).Error)
	assert.Zero(t, recorded, "a rejected event leaves no claim behind")

	require.NoError(t, h.svc.ApplyBillingEvent(ctx, domain.BillingEvent{
		ID: "evt_renew_next", Type: domain.EventSubscriptionRenewed, UserID: "user_1",
		OccurredAt: ptr(t0.Add(3 * time.Hour)),
	}))
	rec, err = h.svc.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, rec.Status)
}

func TestApplyBillingEventFailureReleasesEventID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	update := domain.BillingEvent{ID: "evt_update", Type: domain.EventSubscriptionUpdated, UserID: "user_1", Plan: ptr(domain.PlanEnterprise)}
	err := h.svc.ApplyBillingEvent(ctx, update)
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)

	h.create(t, "user_1", domain.PlanBasic, 10)
	require.NoError(t, h.svc.ApplyBillingEvent(ctx, update))

	rec, err := h.svc.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanEnterprise, rec.Plan)
}

func claimsFor(t *testing.T, rec domain.Record) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	return raw
}

func TestReconcileSessionRequestsResyncOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "user_1", domain.PlanPremium, 100)

	rec, err := h.svc.Get(ctx, "user_1")
	require.NoError(t, err)
	stale := rec
	stale.Plan = domain.PlanBasic

	req := domain.ReconcileRequest{SessionID: "sess_1", UserID: "user_1", Claims: claimsFor(t, stale)}
	first, err := h.svc.ReconcileSession(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Requested)
	assert.True(t, first.PlanMismatch)
	assert.Equal(t, domain.PlanPremium, first.Entitlement.Plan)

	snap, ok := h.rec.Snapshot("sess_1")
	require.True(t, ok)
	assert.Equal(t, reconcile.StateIdle, snap.State)

	h.clock.Advance(5 * time.Second)
	second, err := h.svc.ReconcileSession(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Requested)
	assert.Equal(t, string(reconcile.DecisionSuppressedCooldown), second.Decision)
}

func TestReconcileSessionInSync(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "user_1", domain.PlanBasic, 10)
	rec, err := h.svc.Get(ctx, "user_1")
	require.NoError(t, err)

	resp, err := h.svc.ReconcileSession(ctx, domain.ReconcileRequest{SessionID: "s", UserID: "user_1", Claims: claimsFor(t, rec)})
	require.NoError(t, err)
	assert.False(t, resp.NeedsSync)
	assert.Equal(t, string(reconcile.DecisionInSync), resp.Decision)
}

func TestReconcileSessionRejectsBadClaims(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.ReconcileSession(ctx, domain.ReconcileRequest{UserID: "user_1"})
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	_, err = h.svc.ReconcileSession(ctx, domain.ReconcileRequest{SessionID: "s", UserID: "user_1", Claims: json.RawMessage(`{"id":"1"}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)

	at := h.clock.Now()
	other := domain.Record{ID: "1", UserID: "user_2", Plan: domain.PlanFree, Status: domain.StatusActive, CreatedAt: at, UpdatedAt: at}
	_, err = h.svc.ReconcileSession(ctx, domain.ReconcileRequest{SessionID: "s", UserID: "user_1", Claims: claimsFor(t, other)})
	assert.ErrorIs(t, err, domain.ErrUserMismatch)
}
