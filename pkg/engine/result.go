package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AssembleResult builds the final structured RunResult from outcomes. The
// aggregation is deterministic and the message format is stable for machine
// parsing: created/updated/deleted first, already-present/already-absent
// second, failures with reasons last. Resource lists are sorted by identity
// key.
//
// Invariants: changed is true iff at least one mutating action succeeded;
// status is failed when failures occurred without any successful mutation
// (or verification failed), partial when both exist, success otherwise.
func AssembleResult(runID string, outcomes []Outcome, verification *VerificationReport, duration time.Duration) RunResult {
	result := RunResult{
		RunID:    runID,
		Outcomes: outcomes,
		Duration: duration,
	}

	var failures []string
	for _, outcome := range outcomes {
		switch {
		case outcome.Status == OutcomeFailed:
			result.Resources.Failed = append(result.Resources.Failed, outcome.Key)
			failures = append(failures, fmt.Sprintf("%s (%s)", outcome.Key, outcome.Detail))
		case outcome.Mutated():
			result.Changed = true
			switch outcome.Action {
			case ActionCreate:
				result.Resources.Created = append(result.Resources.Created, outcome.Key)
			case ActionUpdate:
				result.Resources.Updated = append(result.Resources.Updated, outcome.Key)
			case ActionDelete:
				result.Resources.Deleted = append(result.Resources.Deleted, outcome.Key)
			case ActionAssign:
				result.Resources.Assigned = append(result.Resources.Assigned, outcome.Key)
			}
		case outcome.Action == ActionExists:
			result.Resources.AlreadyPresent = append(result.Resources.AlreadyPresent, outcome.Key)
		case outcome.Action == ActionAbsent:
			result.Resources.AlreadyAbsent = append(result.Resources.AlreadyAbsent, outcome.Key)
		}
	}

	for _, list := range []*[]string{
		&result.Resources.Created, &result.Resources.Updated,
		&result.Resources.Deleted, &result.Resources.Assigned,
		&result.Resources.AlreadyPresent, &result.Resources.AlreadyAbsent,
		&result.Resources.Failed,
	} {
		sort.Strings(*list)
	}
	sort.Strings(failures)

	switch {
	case verification != nil && !verification.Converged:
		result.Status = RunFailed
	case len(result.Resources.Failed) == 0:
		result.Status = RunSuccess
	case result.Changed:
		result.Status = RunPartial
	default:
		result.Status = RunFailed
	}

	result.Message = buildMessage(&result, failures, verification)
	return result
}

func buildMessage(result *RunResult, failures []string, verification *VerificationReport) string {
	var sections []string

	mutations := make([]string, 0, 4)
	if len(result.Resources.Created) > 0 {
		mutations = append(mutations, fmt.Sprintf("%s created", strings.Join(result.Resources.Created, ", ")))
	}
	if len(result.Resources.Updated) > 0 {
		mutations = append(mutations, fmt.Sprintf("%s updated", strings.Join(result.Resources.Updated, ", ")))
	}
	if len(result.Resources.Deleted) > 0 {
		mutations = append(mutations, fmt.Sprintf("%s deleted", strings.Join(result.Resources.Deleted, ", ")))
	}
	if len(result.Resources.Assigned) > 0 {
		mutations = append(mutations, fmt.Sprintf("%s assigned", strings.Join(result.Resources.Assigned, ", ")))
	}
	if len(mutations) > 0 {
		sections = append(sections, strings.Join(mutations, "; "))
	}

	unchanged := make([]string, 0, 2)
	if len(result.Resources.AlreadyPresent) > 0 {
		unchanged = append(unchanged, fmt.Sprintf("%s already present", strings.Join(result.Resources.AlreadyPresent, ", ")))
	}
	if len(result.Resources.AlreadyAbsent) > 0 {
		unchanged = append(unchanged, fmt.Sprintf("%s already absent", strings.Join(result.Resources.AlreadyAbsent, ", ")))
	}
	if len(unchanged) > 0 {
		sections = append(sections, strings.Join(unchanged, "; "))
	}

	if len(failures) > 0 {
		sections = append(sections, fmt.Sprintf("failed: %s", strings.Join(failures, "; ")))
	}

	if verification != nil && !verification.Converged {
		details := make([]string, 0, len(verification.Mismatches))
		for _, m := range verification.Mismatches {
			details = append(details, m.String())
		}
		sort.Strings(details)
		sections = append(sections, fmt.Sprintf("verification failed: %s", strings.Join(details, "; ")))
	}

	if len(sections) == 0 {
		return "nothing to do"
	}
	return strings.Join(sections, "; ")
}
