// Package policy evaluates run admission with OPA.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/wyn/collab/internal/domain"
)

// Decisions returned by the admission policy.
const (
	DecisionAllow          = "allow"
	DecisionAlreadyRunning = "already_running"
	DecisionTooManyRuns    = "too_many_runs"
)

// ErrTooManyRuns is returned when a job asks for more runs than allowed.
var ErrTooManyRuns = errors.New("too many runs requested")

// Limits are passed to the policy with every evaluation. Zero means unbounded.
type Limits struct {
	MaxActiveRuns int
	MaxNumberRuns int
}

// Engine is the OPA policy engine.
type Engine struct {
	query  rego.PreparedEvalQuery
	limits Limits
}

// NewEngine creates a policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string, limits Limits) (*Engine, error) {
	r := rego.New(
		rego.Query("data.collab.admission.decision"),
		rego.Module("admission.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query, limits: limits}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string, limits Limits) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		content = string(b)
	}
	return NewEngine(ctx, content, limits)
}

// Evaluate returns the policy decision for starting job with outstanding
// runs already in flight.
func (e *Engine) Evaluate(ctx context.Context, outstanding int, job domain.JobSpec) (string, error) {
	input := map[string]interface{}{
		"outstanding":     outstanding,
		"number_runs":     job.NumberRuns,
		"portfolio":       job.Portfolio,
		"max_active_runs": e.limits.MaxActiveRuns,
		"max_number_runs": e.limits.MaxNumberRuns,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy is expected to define a default.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected policy result %v", results[0].Expressions[0].Value)
	}
	return s, nil
}

// Admit implements session.Admitter.
func (e *Engine) Admit(ctx context.Context, outstanding int, job domain.JobSpec) error {
	decision, err := e.Evaluate(ctx, outstanding, job)
	if err != nil {
		return err
	}

	switch decision {
	case DecisionAllow:
		return nil
	case DecisionAlreadyRunning:
		return &domain.PolicyRejection{
			Kind:   domain.AlreadyRunning,
			Reason: fmt.Sprintf("%d of %d runs outstanding", outstanding, e.limits.MaxActiveRuns),
		}
	case DecisionTooManyRuns:
		return fmt.Errorf("%w: %d exceeds %d", ErrTooManyRuns, job.NumberRuns, e.limits.MaxNumberRuns)
	}
	return fmt.Errorf("unknown policy decision %q", decision)
}

// DefaultPolicy bounds the number of runs per job and, when configured, the
// number of runs in flight.
const DefaultPolicy = `
package collab.admission

default decision = "allow"

decision = "too_many_runs" {
	input.max_number_runs > 0
	input.number_runs > input.max_number_runs
} else = "already_running" {
	input.max_active_runs > 0
	input.outstanding >= input.max_active_runs
}
`
