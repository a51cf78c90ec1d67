// Package router turns confirmed vulnerabilities into patch requests,
// pairs returned candidate patches with per-sanitizer patch builds, and
// accounts PoV reproduction checks on the submission ledger. A candidate
// whose checks fail is retried with a fresh patch request, up to
// MaxPatchAttempts per vulnerability.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// MaxPatchAttempts bounds candidate patches requested per vulnerability.
const MaxPatchAttempts = 3

// DefaultFreezeWindow stops new patch requests this long before the task
// deadline: a patch requested later could not finish building, validating,
// and submitting in time anyway.
const DefaultFreezeWindow = 10 * time.Minute

// Router consumes confirmed_vulnerability_queue, patch_result_queue,
// build_output_queue (patch builds), and pov_reproduce_response_queue.
type Router struct {
	Registry *registry.Client
	Fabric   *queue.Fabric

	// FreezeWindow defaults to DefaultFreezeWindow.
	FreezeWindow time.Duration
}

// HandleConfirmedVuln opens the submission ledger of a vulnerability and
// requests its first candidate patch. Records may arrive from the promoter
// or from SARIF assessment; both are upserted identically, so redelivery
// and double-production converge on one ledger entry.
func (r *Router) HandleConfirmedVuln(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var vuln = rec.(*wire.ConfirmedVulnerability)

	if _, err := r.Registry.UpdateVulnerability(ctx, vuln.InternalPatchID,
		func(v *wire.ConfirmedVulnerability, exists bool) error {
			if exists {
				return registry.ErrUnchanged
			}
			*v = *vuln
			return nil
		}); err != nil {
		return err
	}

	var opened = false
	if _, err := r.Registry.UpdateSubmission(ctx, vuln.InternalPatchID,
		func(e *wire.SubmissionEntry, exists bool) error {
			if exists {
				return registry.ErrUnchanged
			}
			e.InternalPatchID = vuln.InternalPatchID
			e.TaskID = vuln.TaskID
			e.Crashes = []wire.CrashSubmission{{Crash: vuln.Crashes[0].Crash}}
			e.PatchAttempts = 1
			opened = true
			return nil
		}); err != nil {
		return err
	}
	if !opened {
		return nil // Redelivery: the first patch request is already out.
	}

	log.WithFields(log.Fields{
		"task": vuln.TaskID, "ipid": vuln.InternalPatchID,
	}).Info("opened submission ledger")

	return r.requestPatch(ctx, vuln.TaskID, vuln.InternalPatchID, &vuln.Crashes[0], 1)
}

// HandlePatchResult appends a returned candidate to the ledger and kicks
// off one patch build per sanitizer the task fuzzes under.
func (r *Router) HandlePatchResult(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var patch = rec.(*wire.Patch)

	var vuln = new(wire.ConfirmedVulnerability)
	if _, err := r.Registry.Get(ctx, vuln, registry.CatVulns, patch.InternalPatchID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ops.Terminal(fmt.Errorf("patch for unknown vulnerability %s", patch.InternalPatchID))
		}
		return err
	}

	var idx = int64(-1)
	var entry, err = r.Registry.UpdateSubmission(ctx, patch.InternalPatchID,
		func(e *wire.SubmissionEntry, exists bool) error {
			if !exists {
				return ops.Validation(fmt.Errorf("no ledger for %s", patch.InternalPatchID))
			}
			// Attempt is the candidate's identity: a retried attempt may
			// legitimately return the same diff text again.
			for i := range e.Patches {
				if e.Patches[i].Patch.Attempt == patch.Attempt {
					return registry.ErrUnchanged // Redelivered result.
				}
			}
			e.Patches = append(e.Patches, wire.PatchSubmission{
				Patch:       *patch,
				ChecksTotal: int64(len(vuln.Crashes)),
			})
			idx = int64(len(e.Patches)) - 1
			e.PatchIdx = idx
			return nil
		})
	if err != nil {
		return err
	}
	if idx < 0 {
		return nil
	}

	var sanitizers, serr = r.taskSanitizers(ctx, entry.TaskID)
	if serr != nil {
		return serr
	}
	for _, s := range sanitizers {
		var req = wire.BuildRequest{
			TaskID:    patch.TaskID,
			Type:      wire.BuildTypePatch,
			Sanitizer: s,
			// The candidate key keeps retried candidates of one
			// vulnerability from sharing a build identity.
			InternalPatchID: candidateKey(patch.InternalPatchID, idx),
			Patch:           patch.Diff,
		}
		if _, err = r.Fabric.Push(ctx, wire.QueueBuildRequest, &req); err != nil {
			return err
		}
	}
	return nil
}

// candidateKey discriminates the builds of candidate |idx| of a
// vulnerability. The builder treats it opaquely.
func candidateKey(ipid string, idx int64) string {
	return fmt.Sprintf("%s.%d", ipid, idx)
}

// splitCandidateKey is the inverse of candidateKey.
func splitCandidateKey(key string) (string, int64, error) {
	var dot = strings.LastIndexByte(key, '.')
	if dot < 0 {
		return "", 0, fmt.Errorf("malformed candidate key %q", key)
	}
	var idx, err = strconv.ParseInt(key[dot+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed candidate key %q: %w", key, err)
	}
	return key[:dot], idx, nil
}

// HandleBuildOutput reacts to completed patch builds: successful builds fan
// out PoV reproduce checks for the vulnerability's crashes of the matching
// sanitizer; an errored build fails the candidate outright.
func (r *Router) HandleBuildOutput(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var out = rec.(*wire.BuildOutput)
	if out.Type != wire.BuildTypePatch {
		return nil
	}

	var ipid, idx, err = splitCandidateKey(out.InternalPatchID)
	if err != nil {
		return ops.Validation(err)
	}

	var present = false
	if _, err = r.Registry.UpdateSubmission(ctx, ipid,
		func(e *wire.SubmissionEntry, exists bool) error {
			if !exists || int(idx) >= len(e.Patches) {
				return registry.ErrUnchanged
			}
			present = true
			var p = &e.Patches[idx]
			for i := range p.BuildOutputs {
				if p.BuildOutputs[i].Sanitizer == out.Sanitizer {
					return registry.ErrUnchanged // Redelivered output.
				}
			}
			p.BuildOutputs = append(p.BuildOutputs, *out)
			return nil
		}); err != nil {
		return err
	}
	if !present {
		return nil // Ledger purged (task teardown) while the build ran.
	}

	if out.Outcome == wire.BuildErrored {
		log.WithFields(log.Fields{
			"ipid": ipid, "sanitizer": out.Sanitizer,
		}).Warn("candidate patch failed to build")
		return r.failCandidate(ctx, out.TaskID, ipid, idx)
	}
	return r.fanOutChecks(ctx, ipid, out, idx)
}

// fanOutChecks emits one PoV reproduce request per vulnerability crash that
// fired under this build's sanitizer.
func (r *Router) fanOutChecks(ctx context.Context, ipid string, out *wire.BuildOutput, idx int64) error {
	var vuln = new(wire.ConfirmedVulnerability)
	if _, err := r.Registry.Get(ctx, vuln, registry.CatVulns, ipid); err != nil {
		return err
	}

	for i := range vuln.Crashes {
		var crash = &vuln.Crashes[i].Crash
		if crash.Target.Sanitizer != out.Sanitizer {
			continue
		}
		var req = wire.POVReproduceRequest{
			TaskID:          out.TaskID,
			InternalPatchID: ipid,
			CrashID:         crash.CrashID,
			PatchIdx:        idx,
			Sanitizer:       out.Sanitizer,
			HarnessName:     crash.HarnessName,
			InputPath:       crash.InputPath,
			PatchedDir:      out.TaskDir,
			BaseDir:         crash.Target.TaskDir,
		}
		if _, err := r.Fabric.Push(ctx, wire.QueuePOVReproduceRequest, &req); err != nil {
			return err
		}
	}
	return nil
}

// HandlePOVResponse accounts one reproduce check. When the candidate's
// checks all resolve, a failing candidate triggers the next patch request
// (or exhaustion); a passing one is left for the submitter to pick up.
func (r *Router) HandlePOVResponse(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var resp = rec.(*wire.POVReproduceResponse)

	var resolvedFailed = false
	var _, err = r.Registry.UpdateSubmission(ctx, resp.InternalPatchID,
		func(e *wire.SubmissionEntry, exists bool) error {
			if !exists || int(resp.PatchIdx) >= len(e.Patches) {
				return registry.ErrUnchanged
			}
			var p = &e.Patches[resp.PatchIdx]
			if p.CheckResolved(resp.CrashID) {
				return registry.ErrUnchanged // Redelivered response.
			}
			if p.Validated() {
				return registry.ErrUnchanged // All checks already counted.
			}
			p.ChecksResolved = append(p.ChecksResolved, resp.CrashID)
			if resp.Passed() {
				p.ChecksPassed++
			} else {
				p.ChecksFailed++
			}
			resolvedFailed = p.Validated() && !p.PovPassing()
			return nil
		})
	if err != nil {
		return err
	}

	if resolvedFailed {
		return r.failCandidate(ctx, resp.TaskID, resp.InternalPatchID, resp.PatchIdx)
	}
	return nil
}

// failCandidate requests the next candidate patch, or logs exhaustion once
// MaxPatchAttempts candidates have failed.
func (r *Router) failCandidate(ctx context.Context, taskID, ipid string, idx int64) error {
	var request = false
	var attempt int64
	var _, err = r.Registry.UpdateSubmission(ctx, ipid,
		func(e *wire.SubmissionEntry, exists bool) error {
			if !exists || e.Stop || int(idx) >= len(e.Patches) {
				return registry.ErrUnchanged
			}
			e.Patches[idx].Result = wire.ResultFailed
			if e.PatchAttempts >= MaxPatchAttempts {
				e.Stop = true // Exhausted: no further candidates or submissions.
				return nil
			}
			e.PatchAttempts++
			attempt = e.PatchAttempts
			request = true
			return nil
		})
	if err != nil {
		return err
	}

	if !request {
		log.WithFields(log.Fields{"task": taskID, "ipid": ipid}).
			Warn("patch attempts exhausted")
		return nil
	}

	var vuln = new(wire.ConfirmedVulnerability)
	if _, err = r.Registry.Get(ctx, vuln, registry.CatVulns, ipid); err != nil {
		return err
	}
	return r.requestPatch(ctx, taskID, ipid, &vuln.Crashes[0], attempt)
}

func (r *Router) requestPatch(ctx context.Context, taskID, ipid string, crash *wire.TracedCrash, attempt int64) error {
	var task, _, err = r.Registry.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	var window = r.FreezeWindow
	if window == 0 {
		window = DefaultFreezeWindow
	}
	if task.Cancelled || task.State.Terminal() || time.Until(task.Deadline()) < window {
		log.WithFields(log.Fields{"task": taskID, "ipid": ipid}).
			Info("patch window closed; not requesting another candidate")
		return nil
	}

	var req = wire.PatchRequest{
		TaskID:          taskID,
		InternalPatchID: ipid,
		Crash:           *crash,
		Attempt:         attempt,
	}
	_, err = r.Fabric.Push(ctx, wire.QueuePatchRequest, &req)
	return err
}

// taskSanitizers lists the sanitizers the task has fuzzer builds for.
func (r *Router) taskSanitizers(ctx context.Context, taskID string) ([]string, error) {
	var builds, err = r.Registry.ScanBuilds(ctx, taskID, wire.BuildTypeFuzzer)
	if err != nil {
		return nil, err
	}
	var seen = map[string]bool{}
	var out []string
	for i := range builds {
		if builds[i].Outcome != wire.BuildOK || seen[builds[i].Sanitizer] {
			continue
		}
		seen[builds[i].Sanitizer] = true
		out = append(out, builds[i].Sanitizer)
	}
	if len(out) == 0 {
		return nil, ops.Transient(fmt.Errorf("task %s has no fuzzer builds yet", taskID))
	}
	return out, nil
}
