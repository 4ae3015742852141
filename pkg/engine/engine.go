package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openconverge/openconverge/pkg/telemetry"
)

// Document is the desired-state intent: an ordered list of config blocks.
// Blocks are processed in input order; within a block, section order follows
// the engine's adapter registration order.
type Document struct {
	Blocks []Block
}

// Block is one config block: a disposition plus resource sections.
type Block struct {
	// State applies to every resource section in the block.
	State State

	// Sections maps section name (= adapter family) to raw section content.
	Sections map[string]map[string]interface{}
}

// Options are the per-invocation engine parameters.
type Options struct {
	// TaskTimeout is the total wall-clock budget for a single task.
	TaskTimeout time.Duration

	// Verify runs the verification pass after execution.
	Verify bool

	// ControllerVersion gates adapters whose endpoints require a minimum
	// controller version.
	ControllerVersion string
}

// Engine drives a full convergence run: validate, fetch, plan, execute,
// verify, assemble. One Engine value serves one invocation; no state
// survives across runs.
type Engine struct {
	client   Client
	adapters []Adapter
	opts     Options
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
}

// New creates an engine over the given adapters. Adapter order defines the
// section processing order within each block.
func New(client Client, adapters []Adapter, opts Options, log *telemetry.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		client:   client,
		adapters: adapters,
		opts:     opts,
		log:      log.NewComponentLogger("engine"),
		metrics:  metrics,
	}
}

// section pairs an adapter with its validated want set for one block.
type section struct {
	adapter Adapter
	state   State
	want    []ResourceItem
}

// Run executes the full convergence flow for one document and returns the
// structured result. Schema failures abort before any network I/O with a
// failed result; per-item failures during execution never abort the run
// unless classified unauthorized.
func (e *Engine) Run(ctx context.Context, doc *Document) (RunResult, error) {
	if doc == nil {
		return RunResult{}, NewPermanentError("document is nil", nil)
	}
	return e.run(ctx, doc)
}

// Validate runs schema validation only and returns the accumulated
// validation errors, empty when the document is well formed.
func (e *Engine) Validate(doc *Document) []string {
	_, errs := e.validate(doc)
	return errs
}

// PlanDocument validates the document and computes plans without executing
// anything; the backing store for the converge CLI's dry-run mode.
func (e *Engine) PlanDocument(ctx context.Context, doc *Document) ([]*Plan, []string, error) {
	sections, verrs := e.validate(doc)
	if len(verrs) > 0 {
		return nil, verrs, nil
	}

	var plans []*Plan
	for _, sec := range sections {
		secLog := e.log.WithFamily(sec.adapter.Family())
		have, err := FetchHave(ctx, e.client, sec.adapter, sec.want, secLog)
		if err != nil {
			return nil, nil, err
		}
		plan, err := BuildPlan(sec.adapter, sec.want, have, sec.state)
		if err != nil {
			return nil, nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil, nil
}

func (e *Engine) run(ctx context.Context, doc *Document) (RunResult, error) {
	runID := uuid.New().String()
	started := time.Now()
	log := e.log.WithRunID(runID)
	e.metrics.RecordRunStarted()

	sections, verrs := e.validate(doc)
	if len(verrs) > 0 {
		result := failedValidationResult(runID, verrs, time.Since(started))
		e.metrics.RecordRunCompleted(string(result.Status), result.Duration)
		log.Errorf("validation failed: %s", result.Message)
		return result, nil
	}

	var outcomes []Outcome
	var executed []section
	fatal := false

	for _, sec := range sections {
		if fatal {
			outcomes = append(outcomes, abortedOutcomes(sec, CodeRunAborted, "run aborted")...)
			continue
		}

		secLog := log.WithFamily(sec.adapter.Family())
		have, err := FetchHave(ctx, e.client, sec.adapter, sec.want, secLog)
		if err != nil {
			e.metrics.RecordError(string(ClassOf(err)))
			outcomes = append(outcomes, abortedOutcomes(sec, codeOf(err), err.Error())...)
			if IsUnauthorized(err) || ctx.Err() != nil {
				fatal = true
			}
			secLog.WithError(err).Error("state fetch failed")
			continue
		}

		plan, err := BuildPlan(sec.adapter, sec.want, have, sec.state)
		if err != nil {
			outcomes = append(outcomes, abortedOutcomes(sec, codeOf(err), err.Error())...)
			secLog.WithError(err).Error("planning failed")
			continue
		}
		secLog.Infof("plan: %d items, %d mutations", len(plan.Items), plan.MutationCount())

		executor := NewExecutor(e.client, sec.adapter, e.opts.TaskTimeout, log, e.metrics)
		secOutcomes := executor.Execute(ctx, plan, have)
		outcomes = append(outcomes, secOutcomes...)
		executed = append(executed, sec)

		for _, o := range secOutcomes {
			if o.Status == OutcomeFailed && (o.Code == CodeUnauthorized || ctx.Err() != nil) {
				fatal = true
			}
		}
	}

	var verification *VerificationReport
	if e.opts.Verify && !fatal {
		verification = e.verifyAll(ctx, executed, log)
	}

	result := AssembleResult(runID, outcomes, verification, time.Since(started))
	e.metrics.RecordRunCompleted(string(result.Status), result.Duration)
	log.Infof("run finished: status=%s changed=%t", result.Status, result.Changed)
	return result, nil
}

// validate performs every structural check before any network I/O,
// accumulating all errors across the whole document in one pass.
func (e *Engine) validate(doc *Document) ([]section, []string) {
	var errs []string
	var sections []section

	if doc == nil || len(doc.Blocks) == 0 {
		return nil, []string{"schema.empty_document: document has no config blocks"}
	}

	known := make(map[string]Adapter, len(e.adapters))
	for _, a := range e.adapters {
		known[a.Family()] = a
	}

	for bi, block := range doc.Blocks {
		if err := block.State.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("blocks[%d].state: %v", bi, err))
			continue
		}
		if len(block.Sections) == 0 {
			errs = append(errs, fmt.Sprintf("blocks[%d]: schema.empty_document: block has no resource sections", bi))
			continue
		}

		for name := range block.Sections {
			if _, ok := known[name]; !ok {
				errs = append(errs, fmt.Sprintf("blocks[%d].%s: schema.unknown_field: no adapter for section", bi, name))
			}
		}

		// Adapter registration order defines section order within a block.
		for _, adapter := range e.adapters {
			raw, ok := block.Sections[adapter.Family()]
			if !ok {
				continue
			}

			if min := adapter.MinControllerVersion(); min != "" && e.opts.ControllerVersion != "" {
				if versionLess(e.opts.ControllerVersion, min) {
					errs = append(errs, fmt.Sprintf("blocks[%d].%s: %s: controller %s is older than required %s",
						bi, adapter.Family(), CodeVersionGate, e.opts.ControllerVersion, min))
					continue
				}
			}

			normalised, serrs := adapter.Schema().Validate(raw)
			if len(serrs) > 0 {
				for _, se := range serrs {
					errs = append(errs, fmt.Sprintf("blocks[%d].%s.%s", bi, adapter.Family(), se.Error()))
				}
				continue
			}

			want, err := adapter.Items(normalised, block.State)
			if err != nil {
				errs = append(errs, fmt.Sprintf("blocks[%d].%s: %v", bi, adapter.Family(), err))
				continue
			}
			sections = append(sections, section{adapter: adapter, state: block.State, want: want})
		}
	}

	return sections, errs
}

func (e *Engine) verifyAll(ctx context.Context, executed []section, log *telemetry.Logger) *VerificationReport {
	report := &VerificationReport{Converged: true}
	for _, sec := range executed {
		secReport, err := Verify(ctx, e.client, sec.adapter, sec.want, sec.state, log)
		if err != nil {
			report.Converged = false
			report.Mismatches = append(report.Mismatches, Mismatch{
				Key:    sec.adapter.Family(),
				Action: ActionUpdate,
				Reason: err.Error(),
			})
			continue
		}
		if !secReport.Converged {
			report.Converged = false
			report.Mismatches = append(report.Mismatches, secReport.Mismatches...)
		}
	}
	return report
}

// abortedOutcomes fails every item of a section that never reached
// execution, carrying the code of the error that stopped it.
func abortedOutcomes(sec section, code, detail string) []Outcome {
	outcomes := make([]Outcome, 0, len(sec.want))
	for _, item := range sec.want {
		outcomes = append(outcomes, Outcome{
			Key:    item.Key,
			Family: item.Family,
			Action: actionForState(sec.state, false),
			Status: OutcomeFailed,
			Code:   code,
			Detail: detail,
		})
	}
	return outcomes
}

// codeOf extracts an error's taxonomy code, falling back to its class.
func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return string(ClassOf(err))
}

func failedValidationResult(runID string, errs []string, duration time.Duration) RunResult {
	return RunResult{
		RunID:    runID,
		Changed:  false,
		Status:   RunFailed,
		Message:  "validation failed: " + strings.Join(errs, "; "),
		Duration: duration,
	}
}

// versionLess compares dotted controller versions ("2.2.3.3") numerically,
// segment by segment. Missing segments count as zero; non-numeric segments
// fall back to string comparison.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := segment(as, i), segment(bs, i)
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				return an < bn
			}
			continue
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func segment(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return "0"
}
