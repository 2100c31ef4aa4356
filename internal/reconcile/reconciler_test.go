package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recorderStub struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *recorderStub) RecordResync(_ context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

type guardMock struct {
	mock.Mock
}

func (m *guardMock) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, sessionID, ttl)
	return args.Bool(0), args.Error(1)
}

func record(plan domain.Plan, status domain.Status, credits int64) domain.Record {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Record{
		ID:        "ent_1",
		UserID:    "user_1",
		Credits:   credits,
		Plan:      plan,
		Status:    status,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func newTestReconciler(t *testing.T, opts Options) (*Reconciler, *clock.FakeClock, *recorderStub) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorderStub{}
	opts.Clock = clk
	opts.Recorder = rec
	if opts.Cooldown == 0 {
		opts.Cooldown = 30 * time.Second
	}
	r, err := NewReconciler(opts)
	require.NoError(t, err)
	return r, clk, rec
}

func TestCompare(t *testing.T) {
	base := record(domain.PlanBasic, domain.StatusActive, 100)

	cases := []struct {
		name      string
		secondary domain.Record
		tolerance int64
		needsSync bool
	}{
		{name: "identical", secondary: base, needsSync: false},
		{name: "credits_within_tolerance", secondary: record(domain.PlanBasic, domain.StatusActive, 98), tolerance: 2, needsSync: false},
		{name: "credits_beyond_tolerance", secondary: record(domain.PlanBasic, domain.StatusActive, 97), tolerance: 2, needsSync: true},
		{name: "plan_mismatch", secondary: record(domain.PlanPremium, domain.StatusActive, 100), needsSync: true},
		{name: "status_mismatch", secondary: record(domain.PlanBasic, domain.StatusCanceled, 100), needsSync: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compare(base, tc.secondary, tc.tolerance)
			assert.Equal(t, tc.needsSync, got.NeedsSync)
		})
	}

	drifted := base
	drifted.TokensUsed = 5
	got := Compare(base, drifted, 0)
	assert.True(t, got.NeedsSync)
	assert.Equal(t, int64(-5), got.Diff.TokensUsedDelta)
	assert.Equal(t, int64(0), got.Diff.CreditsDelta)
}

func TestReconcileTwoDivergencesWithinCooldownRequestOnce(t *testing.T) {
	r, clk, rec := newTestReconciler(t, Options{Cooldown: 30 * time.Second})
	ctx := context.Background()
	primary := record(domain.PlanPremium, domain.StatusActive, 100)
	secondary := record(domain.PlanBasic, domain.StatusActive, 100)

	first, err := r.Reconcile(ctx, "sess_1", primary, secondary)
	require.NoError(t, err)
	assert.True(t, first.Requested())
	assert.True(t, first.Diff.PlanMismatch)

	clk.Advance(10 * time.Second)
	second, err := r.Reconcile(ctx, "sess_1", primary, secondary)
	require.NoError(t, err)
	assert.False(t, second.Requested())
	assert.Equal(t, DecisionSuppressedPending, second.Decision)

	snap, ok := r.Snapshot("sess_1")
	require.True(t, ok)
	assert.Equal(t, StateResyncRequested, snap.State)
	assert.Equal(t, 1, snap.Resyncs)
	assert.Equal(t, 1, snap.Suppressed)
	assert.Equal(t, 1, rec.outcomes[string(DecisionResyncRequested)])
}

func TestReconcileCompleteThenCooldown(t *testing.T) {
	r, clk, _ := newTestReconciler(t, Options{Cooldown: 30 * time.Second})
	ctx := context.Background()
	primary := record(domain.PlanPremium, domain.StatusActive, 100)
	secondary := record(domain.PlanBasic, domain.StatusActive, 100)

	out, err := r.Reconcile(ctx, "sess_1", primary, secondary)
	require.NoError(t, err)
	require.True(t, out.Requested())
	assert.True(t, r.Complete("sess_1"))
	assert.False(t, r.Complete("sess_1"))

	clk.Advance(5 * time.Second)
	out, err = r.Reconcile(ctx, "sess_1", primary, secondary)
	require.NoError(t, err)
	assert.Equal(t, DecisionSuppressedCooldown, out.Decision)

	clk.Advance(30 * time.Second)
	out, err = r.Reconcile(ctx, "sess_1", primary, secondary)
	require.NoError(t, err)
	assert.True(t, out.Requested())
}

func TestReconcileStalePendingRequestIsRetried(t *testing.T) {
	r, clk, _ := newTestReconciler(t, Options{Cooldown: 30 * time.Second})
	ctx := context.Background()
	primary := record(domain.PlanPremium, domain.StatusActive, 100)
	secondary := record(domain.PlanBasic, domain.StatusActive, 100)

	_, err := r.Reconcile(ctx, "sess_1", primary, secondary)
	require.NoError(t, err)

	clk.Advance(31 * time.Second)
	out, err := r.Reconcile(ctx, "sess_1", primary, secondary)
	require.NoError(t, err)
	assert.True(t, out.Requested())

	snap, _ := r.Snapshot("sess_1")
	assert.Equal(t, 2, snap.Resyncs)
}

func TestReconcileCapsResyncsPerSession(t *testing.T) {
	r, clk, rec := newTestReconciler(t, Options{Cooldown: time.Second, MaxResyncs: 2})
	ctx := context.Background()
	primary := record(domain.PlanPremium, domain.StatusActive, 100)
	secondary := record(domain.PlanBasic, domain.StatusActive, 100)

	for i := 0; i < 2; i++ {
		out, err := r.Reconcile(ctx, "sess_1", primary, secondary)
		require.NoError(t, err)
		require.True(t, out.Requested())
		r.Complete("sess_1")
		clk.Advance(2 * time.Second)
	}

	out, err := r.Reconcile(ctx, "sess_1", primary, secondary)
	require.NoError(t, err)
	assert.Equal(t, DecisionSuppressedCap, out.Decision)
	assert.Equal(t, 1, rec.outcomes[string(DecisionSuppressedCap)])

	other, err := r.Reconcile(ctx, "sess_2", primary, secondary)
	require.NoError(t, err)
	assert.True(t, other.Requested())
}

func TestReconcileInSyncLeavesStateAlone(t *testing.T) {
	r, _, rec := newTestReconciler(t, Options{})
	primary := record(domain.PlanBasic, domain.StatusActive, 100)

	out, err := r.Reconcile(context.Background(), "sess_1", primary, primary)
	require.NoError(t, err)
	assert.Equal(t, DecisionInSync, out.Decision)
	assert.False(t, out.NeedsSync)
	_, ok := r.Snapshot("sess_1")
	assert.False(t, ok)
	assert.Empty(t, rec.outcomes)
}

func TestReconcileRejectsBadInput(t *testing.T) {
	r, _, _ := newTestReconciler(t, Options{})
	primary := record(domain.PlanBasic, domain.StatusActive, 100)

	_, err := r.Reconcile(context.Background(), "  ", primary, primary)
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	other := primary
	other.UserID = "user_2"
	_, err = r.Reconcile(context.Background(), "sess_1", primary, other)
	assert.ErrorIs(t, err, domain.ErrUserMismatch)
}

func TestReconcileGuardDeniedRollsBack(t *testing.T) {
	guard := &guardMock{}
	guard.On("Acquire", mock.Anything, "sess_1", 30*time.Second).Return(false, nil).Once()
	r, _, _ := newTestReconciler(t, Options{Cooldown: 30 * time.Second, Guard: guard})
	primary := record(domain.PlanPremium, domain.StatusActive, 100)
	secondary := record(domain.PlanBasic, domain.StatusActive, 100)

	out, err := r.Reconcile(context.Background(), "sess_1", primary, secondary)
	require.NoError(t, err)
	assert.Equal(t, DecisionSuppressedGuard, out.Decision)
	assert.True(t, out.Decision.Suppressed())

	snap, ok := r.Snapshot("sess_1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0, snap.Resyncs)
	assert.True(t, snap.LastRequestedAt.IsZero())
	guard.AssertExpectations(t)
}

func TestReconcileGuardErrorFailsOpen(t *testing.T) {
	guard := &guardMock{}
	guard.On("Acquire", mock.Anything, "sess_1", mock.Anything).Return(false, errors.New("redis down"))
	r, _, _ := newTestReconciler(t, Options{Guard: guard})
	primary := record(domain.PlanPremium, domain.StatusActive, 100)
	secondary := record(domain.PlanBasic, domain.StatusActive, 100)

	out, err := r.Reconcile(context.Background(), "sess_1", primary, secondary)
	require.NoError(t, err)
	assert.True(t, out.Requested())
}

func TestApplyTuningShrinksSessions(t *testing.T) {
	r, _, _ := newTestReconciler(t, Options{MaxSessions: 10})
	primary := record(domain.PlanPremium, domain.StatusActive, 100)
	secondary := record(domain.PlanBasic, domain.StatusActive, 100)

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Reconcile(context.Background(), id, primary, secondary)
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.Len())

	r.ApplyTuning(config.Tuning{Reconcile: config.ReconcileSettings{
		Cooldown:    time.Minute,
		MaxResyncs:  1,
		MaxSessions: 1,
	}})
	assert.Equal(t, 1, r.Len())
	_, ok := r.Snapshot("c")
	assert.True(t, ok)
}

func TestRedisGuardRequiresClient(t *testing.T) {
	assert.Nil(t, NewRedisGuard(nil, ""))

	var g *RedisGuard
	_, err := g.Acquire(context.Background(), "sess", time.Second)
	assert.Error(t, err)
}
