package scheduler

import (
	"fmt"
	"time"

	"github.com/kestrelsec/kestrel/wire"
)

// StepKind is the outcome of one transition decision.
type StepKind int

const (
	// Stay leaves the task where it is.
	Stay StepKind = iota
	// Advance moves the task forward along the lifecycle.
	Advance
	// Fail moves the task to a failure sink.
	Fail
)

// Step is one decided transition.
type Step struct {
	Kind   StepKind
	Next   wire.TaskState
	Reason string
}

func stay() Step { return Step{Kind: Stay} }

func advance(s wire.TaskState, why string) Step {
	return Step{Kind: Advance, Next: s, Reason: why}
}

func fail(s wire.TaskState, why string) Step {
	return Step{Kind: Fail, Next: s, Reason: why}
}

// Facts are the observations one decision runs on. They are gathered
// before deciding, so Decide itself is pure and order-independent.
type Facts struct {
	Now time.Time

	// Fuzzer build outcomes recorded so far.
	FuzzerBuildsOK      int
	FuzzerBuildsErrored int
	// SanitizersRequested is how many fuzzer builds the task asked for.
	SanitizersRequested int

	Vulnerabilities int
	Ledgers         []wire.SubmissionEntry

	GCAcks       int
	RequiredAcks int
}

// stateRank orders the lifecycle DAG. A transition may only move to a
// strictly higher rank; terminal states rank above every live state.
var stateRank = map[wire.TaskState]int{
	wire.TaskStatePending:         0,
	wire.TaskStateDownloading:     1,
	wire.TaskStateReady:           2,
	wire.TaskStateFuzzing:         3,
	wire.TaskStateVulnerabilities: 4,
	wire.TaskStatePatchWait:       5,
	wire.TaskStatePatchBuild:      6,
	wire.TaskStatePatchValidate:   7,
	wire.TaskStateSubmitting:      8,
	wire.TaskStateSucceeded:       9,
	wire.TaskStateFailed:          9,
	wire.TaskStateErrored:         9,
	wire.TaskStateCancelled:       9,
}

// Monotonic reports whether moving |from| to |to| goes forward along the
// lifecycle. Every applied transition must satisfy it.
func Monotonic(from, to wire.TaskState) bool {
	if from.Terminal() {
		return false
	}
	return stateRank[to] > stateRank[from]
}

// Decide picks the next transition of a task from observed facts.
func Decide(task *wire.Task, f Facts) Step {
	if task.State.Terminal() {
		return stay()
	}

	// Cancellation preempts everything, but only completes once every
	// fleet has acknowledged teardown.
	if task.Cancelled {
		if f.GCAcks >= f.RequiredAcks {
			return advance(wire.TaskStateCancelled, "all fleets acknowledged teardown")
		}
		return stay()
	}

	// At the deadline the task is judged by its ledgers.
	if !f.Now.Before(task.Deadline()) {
		if anyBundle(f.Ledgers) {
			return advance(wire.TaskStateSucceeded, "bundled submission at deadline")
		}
		return fail(wire.TaskStateFailed, "deadline without a bundled submission")
	}

	switch task.State {
	case wire.TaskStatePending, wire.TaskStateDownloading:
		// The downloader owns these.
		return stay()

	case wire.TaskStateReady:
		if f.FuzzerBuildsOK > 0 {
			return advance(wire.TaskStateFuzzing, "first fuzzer build succeeded")
		}
		if f.SanitizersRequested > 0 && f.FuzzerBuildsErrored >= f.SanitizersRequested {
			return fail(wire.TaskStateErrored,
				fmt.Sprintf("all %d fuzzer builds errored", f.SanitizersRequested))
		}
		return stay()

	case wire.TaskStateFuzzing:
		if f.Vulnerabilities > 0 {
			return advance(wire.TaskStateVulnerabilities, "first vulnerability confirmed")
		}
		return stay()

	case wire.TaskStateVulnerabilities:
		if len(f.Ledgers) > 0 {
			return advance(wire.TaskStatePatchWait, "submission ledger opened")
		}
		return stay()

	case wire.TaskStatePatchWait:
		if anyPatches(f.Ledgers) {
			return advance(wire.TaskStatePatchBuild, "candidate patch arrived")
		}
		return stay()

	case wire.TaskStatePatchBuild:
		if anyPatchBuilds(f.Ledgers) {
			return advance(wire.TaskStatePatchValidate, "patch builds recorded")
		}
		return stay()

	case wire.TaskStatePatchValidate:
		if anyValidated(f.Ledgers) {
			return advance(wire.TaskStateSubmitting, "candidate passed reproduction checks")
		}
		return stay()

	case wire.TaskStateSubmitting:
		if anyBundle(f.Ledgers) {
			return advance(wire.TaskStateSucceeded, "bundled submission")
		}
		return stay()
	}
	return stay()
}

func anyPatches(ledgers []wire.SubmissionEntry) bool {
	for i := range ledgers {
		if len(ledgers[i].Patches) > 0 {
			return true
		}
	}
	return false
}

func anyPatchBuilds(ledgers []wire.SubmissionEntry) bool {
	for i := range ledgers {
		for j := range ledgers[i].Patches {
			if len(ledgers[i].Patches[j].BuildOutputs) > 0 {
				return true
			}
		}
	}
	return false
}

func anyValidated(ledgers []wire.SubmissionEntry) bool {
	for i := range ledgers {
		for j := range ledgers[i].Patches {
			if ledgers[i].Patches[j].PovPassing() {
				return true
			}
		}
	}
	return false
}

func anyBundle(ledgers []wire.SubmissionEntry) bool {
	for i := range ledgers {
		if len(ledgers[i].Bundles) > 0 {
			return true
		}
	}
	return false
}
