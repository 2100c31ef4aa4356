package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	"go.uber.org/zap"
)

// ReconcileSession compares the claims a session was issued with against the
// current record. When a resync is granted the cached value is dropped and
// reloaded before the session is marked complete.
func (s *Service) ReconcileSession(ctx context.Context, req domain.ReconcileRequest) (domain.ReconcileResponse, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return domain.ReconcileResponse{}, domain.ErrInvalidSession
	}
	userID := domain.NormalizeUserID(req.UserID)
	if userID == "" {
		return domain.ReconcileResponse{}, domain.ErrInvalidUser
	}
	ctx = obscontext.WithSessionID(ctx, sessionID)

	claims, err := domain.Validate(req.Claims)
	if err != nil {
		return domain.ReconcileResponse{}, err
	}
	if claims.UserID != userID {
		return domain.ReconcileResponse{}, domain.ErrUserMismatch
	}

	primary, err := s.Get(ctx, userID)
	if err != nil {
		return domain.ReconcileResponse{}, err
	}

	outcome, err := s.reconciler.Reconcile(ctx, sessionID, primary, claims)
	if err != nil {
		return domain.ReconcileResponse{}, err
	}

	if outcome.Requested() {
		s.cache.InvalidateUser(userID)
		fresh, err := s.Get(ctx, userID)
		if err != nil {
			// The session stays pending and becomes eligible again after the cooldown.
			obslogger.WithContext(ctx, s.log).Warn("resync fetch failed", zap.Error(err))
			return domain.ReconcileResponse{}, err
		}
		s.reconciler.Complete(sessionID)
		primary = fresh
	}

	return domain.ReconcileResponse{
		SessionID:       sessionID,
		Decision:        string(outcome.Decision),
		NeedsSync:       outcome.NeedsSync,
		Requested:       outcome.Requested(),
		Entitlement:     primary,
		CreditsDelta:    outcome.Diff.CreditsDelta,
		TokensUsedDelta: outcome.Diff.TokensUsedDelta,
		PlanMismatch:    outcome.Diff.PlanMismatch,
		StatusMismatch:  outcome.Diff.StatusMismatch,
	}, nil
}
