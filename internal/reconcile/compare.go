package reconcile

import (
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

// Diff is primary minus secondary for the tracked fields.
type Diff struct {
	CreditsDelta    int64 `json:"creditsDelta"`
	TokensUsedDelta int64 `json:"tokensUsedDelta"`
	PlanMismatch    bool  `json:"planMismatch"`
	StatusMismatch  bool  `json:"statusMismatch"`
}

// Result classifies a pair of views.
type Result struct {
	NeedsSync bool `json:"needsSync"`
	Diff      Diff `json:"diff"`
}

// Compare reports drift between two views of the same user. Counters may
// differ by up to tolerance; plan and status must match exactly.
func Compare(primary, secondary domain.Record, tolerance int64) Result {
	if tolerance < 0 {
		tolerance = 0
	}
	diff := Diff{
		CreditsDelta:    primary.Credits - secondary.Credits,
		TokensUsedDelta: primary.TokensUsed - secondary.TokensUsed,
		PlanMismatch:    primary.Plan != secondary.Plan,
		StatusMismatch:  primary.Status != secondary.Status,
	}
	needsSync := diff.PlanMismatch ||
		diff.StatusMismatch ||
		abs(diff.CreditsDelta) > tolerance ||
		abs(diff.TokensUsedDelta) > tolerance
	return Result{NeedsSync: needsSync, Diff: diff}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
