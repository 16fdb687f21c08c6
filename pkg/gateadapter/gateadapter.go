// Package gateadapter runs the two fixed quality-gate tasks (:quick and
// :test) against a workspace directory, fail-fast: :test never runs if
// :quick fails. Grounded on the queue worker's moon-gate shell adapter —
// "run <runner> run <task>, collect stdout/stderr/exit code, exit 0 means
// pass" — generalized from a hardcoded "moon" binary to a configurable
// runner name.
package gateadapter

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"

	"github.com/cuemby/mergequeue/pkg/metrics"
)

// Gate identifies one of the two fixed quality gates.
type Gate string

const (
	Quick Gate = "quick"
	Test  Gate = "test"
)

// GateResult is the outcome of running one gate.
type GateResult struct {
	Gate     Gate
	Passed   bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// OutcomeStatus classifies a combined gate run.
type OutcomeStatus string

const (
	AllPassed   OutcomeStatus = "AllPassed"
	QuickFailed OutcomeStatus = "QuickFailed"
	TestFailed  OutcomeStatus = "TestFailed"
)

// GatesOutcome is the combined result of a fail-fast gate run. Test is nil
// iff Quick failed.
type GatesOutcome struct {
	Status OutcomeStatus
	Quick  GateResult
	Test   *GateResult
}

// Runner executes gates against a workspace using an external command-line
// task runner (e.g. "moon").
type Runner struct {
	binary string
}

// New returns a Runner invoking binary as "<binary> run <task>".
func New(binary string) *Runner {
	return &Runner{binary: binary}
}

// RunAll executes :quick, then :test iff :quick passed, combining the
// results into one GatesOutcome.
func (r *Runner) RunAll(ctx context.Context, workingDir string) (*GatesOutcome, error) {
	quick, err := r.run(ctx, Quick, workingDir)
	if err != nil {
		return nil, err
	}
	if !quick.Passed {
		return &GatesOutcome{Status: QuickFailed, Quick: quick}, nil
	}

	test, err := r.run(ctx, Test, workingDir)
	if err != nil {
		return nil, err
	}
	if !test.Passed {
		return &GatesOutcome{Status: TestFailed, Quick: quick, Test: &test}, nil
	}
	return &GatesOutcome{Status: AllPassed, Quick: quick, Test: &test}, nil
}

func (r *Runner) run(ctx context.Context, gate Gate, workingDir string) (GateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GateRunDuration, string(gate))

	task := ":" + string(gate)
	cmd := exec.CommandContext(ctx, r.binary, "run", task)
	cmd.Dir = workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return GateResult{}, runErr
		}
	}

	passed := classifyExitCode(exitCode)
	metrics.GateOutcomesTotal.WithLabelValues(string(gate), strconv.FormatBool(passed)).Inc()

	return GateResult{
		Gate:     gate,
		Passed:   passed,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// classifyExitCode applies the fixed contract: exit code 0 passes, any
// other code fails.
func classifyExitCode(code int) bool { return code == 0 }

// FormatFailureMessage builds a human-readable summary of a failing
// outcome, used as the error_message argument to transition_to_failed.
func FormatFailureMessage(outcome *GatesOutcome) string {
	switch outcome.Status {
	case QuickFailed:
		return "quality gate :quick failed (exit " + strconv.Itoa(outcome.Quick.ExitCode) + ")"
	case TestFailed:
		return "quality gate :test failed (exit " + strconv.Itoa(outcome.Test.ExitCode) + ")"
	default:
		return ""
	}
}
