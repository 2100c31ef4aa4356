package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/zap"
)

// State is where a session sits in Idle -> ResyncRequested -> Idle.
type State int

const (
	StateIdle State = iota
	StateResyncRequested
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResyncRequested:
		return "resync_requested"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decision is what Reconcile did with a comparison.
type Decision string

const (
	DecisionInSync             Decision = "in_sync"
	DecisionResyncRequested    Decision = "resync_requested"
	DecisionSuppressedPending  Decision = "suppressed_pending"
	DecisionSuppressedCooldown Decision = "suppressed_cooldown"
	DecisionSuppressedCap      Decision = "suppressed_cap"
	DecisionSuppressedGuard    Decision = "suppressed_guard"
)

// Suppressed reports whether a divergence was recorded without a request.
func (d Decision) Suppressed() bool {
	return strings.HasPrefix(string(d), "suppressed_")
}

// Outcome is the result of one Reconcile call.
type Outcome struct {
	Result
	Decision Decision `json:"decision"`
}

// Requested reports whether the caller must perform a resync.
func (o Outcome) Requested() bool {
	return o.Decision == DecisionResyncRequested
}

// Session is the per-session bookkeeping exposed for diagnostics.
type Session struct {
	State           State     `json:"state"`
	LastRequestedAt time.Time `json:"lastRequestedAt"`
	LastDivergence  time.Time `json:"lastDivergence"`
	Resyncs         int       `json:"resyncs"`
	Suppressed      int       `json:"suppressed"`
}

// Guard lets replicas agree that only one of them asks a session to resync
// within a window.
type Guard interface {
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
}

// Recorder receives one call per non-trivial outcome.
type Recorder interface {
	RecordResync(ctx context.Context, outcome string)
}

type Options struct {
	Cooldown    time.Duration
	MaxResyncs  int
	Tolerance   int64
	MaxSessions int
	Clock       clock.Clock
	Log         *zap.Logger
	Guard       Guard
	Recorder    Recorder
}

// Reconciler compares views and rate-limits the resync requests it emits.
type Reconciler struct {
	mu         sync.Mutex
	sessions   *simplelru.LRU[string, *Session]
	cooldown   time.Duration
	maxResyncs int
	tolerance  int64

	clock    clock.Clock
	log      *zap.Logger
	guard    Guard
	recorder Recorder
}

func NewReconciler(opts Options) (*Reconciler, error) {
	settings := config.ReconcileSettings{
		Cooldown:        opts.Cooldown,
		MaxResyncs:      opts.MaxResyncs,
		CreditTolerance: opts.Tolerance,
		MaxSessions:     opts.MaxSessions,
	}.WithDefaults()

	sessions, err := simplelru.NewLRU[string, *Session](settings.MaxSessions, nil)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		sessions:   sessions,
		cooldown:   settings.Cooldown,
		maxResyncs: settings.MaxResyncs,
		tolerance:  settings.CreditTolerance,
		clock:      clk,
		log:        log.Named("reconciler"),
		guard:      opts.Guard,
		recorder:   opts.Recorder,
	}, nil
}

// Reconcile compares primary against secondary for sessionID. At most one
// resync is requested per session while one is pending, within the
// cooldown, and up to the per-session cap.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, primary, secondary domain.Record) (Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Outcome{}, domain.ErrInvalidSession
	}
	if primary.UserID != secondary.UserID {
		return Outcome{}, domain.ErrUserMismatch
	}

	r.mu.Lock()
	result := Compare(primary, secondary, r.tolerance)
	if !result.NeedsSync {
		r.mu.Unlock()
		return Outcome{Result: result, Decision: DecisionInSync}, nil
	}

	now := r.clock.Now()
	s := r.session(sessionID)
	s.LastDivergence = now
	if decision, suppressed := r.suppression(s, now); suppressed {
		s.Suppressed++
		cooldown := r.cooldown
		r.mu.Unlock()
		r.suppressed(ctx, sessionID, decision, cooldown)
		return Outcome{Result: result, Decision: decision}, nil
	}

	prev := *s
	s.State = StateResyncRequested
	s.LastRequestedAt = now
	s.Resyncs++
	cooldown := r.cooldown
	r.mu.Unlock()

	if r.guard != nil {
		acquired, err := r.guard.Acquire(ctx, sessionID, cooldown)
		switch {
		case err != nil:
			// Guard outage must not block resyncs on this replica.
			r.log.Warn("resync guard unavailable", zap.String("session_id", sessionID), zap.Error(err))
		case !acquired:
			r.mu.Lock()
			if cur, ok := r.sessions.Peek(sessionID); ok && cur == s {
				s.State = prev.State
				s.LastRequestedAt = prev.LastRequestedAt
				s.Resyncs = prev.Resyncs
				s.Suppressed++
			}
			r.mu.Unlock()
			r.suppressed(ctx, sessionID, DecisionSuppressedGuard, cooldown)
			return Outcome{Result: result, Decision: DecisionSuppressedGuard}, nil
		}
	}

	r.log.Info("resync requested",
		zap.String("session_id", sessionID),
		zap.Int64("credits_delta", result.Diff.CreditsDelta),
		zap.Int64("tokens_used_delta", result.Diff.TokensUsedDelta),
		zap.Bool("plan_mismatch", result.Diff.PlanMismatch),
		zap.Bool("status_mismatch", result.Diff.StatusMismatch),
	)
	r.record(ctx, DecisionResyncRequested)
	return Outcome{Result: result, Decision: DecisionResyncRequested}, nil
}

// Complete returns sessionID to Idle. It reports whether a resync was
// pending.
func (r *Reconciler) Complete(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions.Peek(strings.TrimSpace(sessionID))
	if !ok || s.State != StateResyncRequested {
		return false
	}
	s.State = StateIdle
	return true
}

// Snapshot returns a copy of the session state.
func (r *Reconciler) Snapshot(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions.Peek(strings.TrimSpace(sessionID))
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Forget drops all state for sessionID.
func (r *Reconciler) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.Remove(strings.TrimSpace(sessionID))
}

// Len is the number of tracked sessions.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions.Len()
}

// ApplyTuning swaps limits in place. Shrinking MaxSessions evicts the least
// recently seen sessions.
func (r *Reconciler) ApplyTuning(t config.Tuning) {
	settings := t.Reconcile.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown = settings.Cooldown
	r.maxResyncs = settings.MaxResyncs
	r.tolerance = settings.CreditTolerance
	if evicted := r.sessions.Resize(settings.MaxSessions); evicted > 0 {
		r.log.Debug("reconcile sessions evicted on resize", zap.Int("evicted", evicted))
	}
}

// Caller must hold r.mu.
func (r *Reconciler) session(sessionID string) *Session {
	if s, ok := r.sessions.Get(sessionID); ok {
		return s
	}
	s := &Session{State: StateIdle}
	r.sessions.Add(sessionID, s)
	return s
}

// Caller must hold r.mu. A request left pending longer than the cooldown is
// treated as lost and no longer blocks a new one.
func (r *Reconciler) suppression(s *Session, now time.Time) (Decision, bool) {
	withinCooldown := !s.LastRequestedAt.IsZero() && now.Sub(s.LastRequestedAt) < r.cooldown
	switch {
	case s.State == StateResyncRequested && withinCooldown:
		return DecisionSuppressedPending, true
	case withinCooldown:
		return DecisionSuppressedCooldown, true
	case r.maxResyncs > 0 && s.Resyncs >= r.maxResyncs:
		return DecisionSuppressedCap, true
	default:
		return "", false
	}
}

func (r *Reconciler) suppressed(ctx context.Context, sessionID string, decision Decision, cooldown time.Duration) {
	r.log.Debug("divergence suppressed",
		zap.String("session_id", sessionID),
		zap.String("decision", string(decision)),
		zap.Duration("cooldown", cooldown),
	)
	r.record(ctx, decision)
}

func (r *Reconciler) record(ctx context.Context, decision Decision) {
	if r.recorder != nil {
		r.recorder.RecordResync(ctx, string(decision))
	}
}
