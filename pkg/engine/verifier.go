package engine

import (
	"context"
	"fmt"

	"github.com/openconverge/openconverge/pkg/telemetry"
)

// VerificationReport is the result of a post-execute verification pass.
type VerificationReport struct {
	// Converged is true when every item is EXISTS (present) or ABSENT
	// (absent) against the freshly fetched state.
	Converged bool `json:"converged"`

	// Mismatches lists the items whose recomputed action is still a
	// mutation, with the action the fresh plan assigned.
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Mismatch is one unconverged item found during verification.
type Mismatch struct {
	Key    string `json:"key"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Verify re-reads the current state and recomputes the plan with it. All
// reads happen after every write of the prior execute phase. Any recomputed
// action other than EXISTS or ABSENT is a convergence failure that promotes
// the run status to failed, regardless of what execution reported.
func Verify(ctx context.Context, client Client, adapter Adapter, want []ResourceItem, state State, log *telemetry.Logger) (*VerificationReport, error) {
	log = log.NewComponentLogger("verifier").WithFamily(adapter.Family())

	have, err := FetchHave(ctx, client, adapter, want, log)
	if err != nil {
		return nil, NewPermanentError("verification fetch failed", err).WithCode(CodeVerifyMismatch)
	}

	plan, err := BuildPlan(adapter, want, have, state)
	if err != nil {
		return nil, err
	}

	report := &VerificationReport{Converged: true}
	for _, step := range plan.Items {
		if step.Action == ActionExists || step.Action == ActionAbsent {
			continue
		}
		report.Converged = false
		report.Mismatches = append(report.Mismatches, Mismatch{
			Key:    step.Item.Key,
			Action: step.Action,
			Reason: step.Rationale,
		})
	}

	if !report.Converged {
		log.Warnf("verification found %d unconverged items", len(report.Mismatches))
	} else {
		log.Debug("verification passed")
	}
	return report, nil
}

// MismatchDetail renders a mismatch for outcome details and messages.
func (m Mismatch) String() string {
	return fmt.Sprintf("%s still requires %s (%s)", m.Key, m.Action, m.Reason)
}
