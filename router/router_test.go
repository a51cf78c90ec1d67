package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"
)

func testRouter(t *testing.T) (*Router, *queue.Fabric) {
	var reg, err = registry.NewClient(etcdtest.TestClient(), "/kestrel.test")
	require.NoError(t, err)
	fabric, err := queue.NewFabric(etcdtest.TestClient(), "/kestrel.test", time.Minute, 0)
	require.NoError(t, err)
	return &Router{Registry: reg, Fabric: fabric}, fabric
}

func registerTask(t *testing.T, r *Router, taskID string, deadline time.Time) {
	var _, err = r.Registry.UpdateTask(context.Background(), taskID,
		func(task *wire.Task, exists bool) error {
			task.TaskID = taskID
			task.Kind = wire.TaskKindFull
			task.ProjectName = "zlib"
			task.DeadlineMS = deadline.UnixMilli()
			task.MessageMS = deadline.Add(-24 * time.Hour).UnixMilli()
			task.Sources = []wire.SourceDetail{
				{SHA256: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
					Type: wire.SourceTypeRepo, URL: "https://example/repo"},
				{SHA256: "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100",
					Type: wire.SourceTypeFuzzTooling, URL: "https://example/tooling"},
			}
			task.State = wire.TaskStateFuzzing
			return nil
		})
	require.NoError(t, err)
}

func fuzzerBuild(taskID, sanitizer string) wire.BuildOutput {
	return wire.BuildOutput{
		TaskID:    taskID,
		Type:      wire.BuildTypeFuzzer,
		Sanitizer: sanitizer,
		TaskDir:   fmt.Sprintf("/scratch/%s/build-fuzzer-%s", taskID, sanitizer),
		Outcome:   wire.BuildOK,
		Harnesses: []string{"fuzz_one"},
	}
}

func insertFuzzerBuilds(t *testing.T, r *Router, taskID string, sanitizers ...string) {
	for _, s := range sanitizers {
		var out = fuzzerBuild(taskID, s)
		var _, err = r.Registry.Insert(context.Background(), &out, registry.CatBuilds,
			registry.BuildParts(taskID, wire.BuildTypeFuzzer, s, "")...)
		require.NoError(t, err)
	}
}

func tracedCrash(taskID, sanitizer, id string) wire.TracedCrash {
	return wire.TracedCrash{
		Crash: wire.Crash{
			CrashID:     id,
			TaskID:      taskID,
			Target:      fuzzerBuild(taskID, sanitizer),
			HarnessName: "fuzz_one",
			InputPath:   "/scratch/" + taskID + "/crashes/" + id,
			Stacktrace:  "    #0 0x55f1a2b4c7d0 in inflate_fast /src/zlib/inffast.c:88:5",
			CrashToken:  "deadbeefdeadbeef",
		},
		TracerStacktrace: "    #0 0x7f1200000000 in inflate_fast /src/zlib/inffast.c:88:5",
	}
}

func confirmedVuln(taskID, ipid string, crashes ...wire.TracedCrash) *wire.ConfirmedVulnerability {
	return &wire.ConfirmedVulnerability{
		InternalPatchID: ipid,
		TaskID:          taskID,
		Crashes:         crashes,
	}
}

func peekCount(t *testing.T, fabric *queue.Fabric, q string) int {
	var msgs, err = fabric.Peek(context.Background(), q, 100)
	require.NoError(t, err)
	return len(msgs)
}

func TestVulnerabilityToValidatedPatch(t *testing.T) {
	defer etcdtest.Cleanup()
	var r, fabric = testRouter(t)
	var ctx = context.Background()
	registerTask(t, r, "t-v", time.Now().Add(time.Hour))
	insertFuzzerBuilds(t, r, "t-v", "address", "undefined")

	var vuln = confirmedVuln("t-v", "ipid-1",
		tracedCrash("t-v", "address", "c-1"),
		tracedCrash("t-v", "undefined", "c-2"))

	require.NoError(t, r.HandleConfirmedVuln(ctx, vuln, queue.Message{}))
	require.Equal(t, 1, peekCount(t, fabric, wire.QueuePatchRequest))

	// Redelivery does not re-request.
	require.NoError(t, r.HandleConfirmedVuln(ctx, vuln, queue.Message{}))
	require.Equal(t, 1, peekCount(t, fabric, wire.QueuePatchRequest))

	// A candidate patch arrives: one patch build per task sanitizer.
	var patch = &wire.Patch{TaskID: "t-v", InternalPatchID: "ipid-1", Diff: "--- a\n+++ b\n", Attempt: 1}
	require.NoError(t, r.HandlePatchResult(ctx, patch, queue.Message{}))
	require.Equal(t, 2, peekCount(t, fabric, wire.QueueBuildRequest))

	// A redelivered result does not re-trigger builds.
	require.NoError(t, r.HandlePatchResult(ctx, patch, queue.Message{}))
	require.Equal(t, 2, peekCount(t, fabric, wire.QueueBuildRequest))

	msgs, err := fabric.Peek(ctx, wire.QueueBuildRequest, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		rec, err := m.Decode(wire.QueueBuildRequest)
		require.NoError(t, err)
		require.Equal(t, "ipid-1.0", rec.(*wire.BuildRequest).InternalPatchID)
	}

	// Patch builds complete: one reproduce check per matching crash.
	for _, s := range []string{"address", "undefined"} {
		var out = &wire.BuildOutput{
			TaskID: "t-v", Type: wire.BuildTypePatch, Sanitizer: s,
			InternalPatchID: "ipid-1.0",
			TaskDir:         "/scratch/t-v/build-patch-" + s + "-ipid-1.0",
			Outcome:         wire.BuildOK,
		}
		require.NoError(t, r.HandleBuildOutput(ctx, out, queue.Message{}))
	}
	require.Equal(t, 2, peekCount(t, fabric, wire.QueuePOVReproduceRequest))

	// Both checks pass: the candidate is validated, no further request.
	for _, c := range []string{"c-1", "c-2"} {
		var resp = &wire.POVReproduceResponse{
			TaskID: "t-v", InternalPatchID: "ipid-1", CrashID: c,
			PatchIdx: 0, CrashedPatched: false, CrashedBase: true,
		}
		require.NoError(t, r.HandlePOVResponse(ctx, resp, queue.Message{}))
	}

	entry, _, err := r.Registry.GetSubmission(ctx, "ipid-1")
	require.NoError(t, err)
	require.Len(t, entry.Patches, 1)
	require.True(t, entry.Patches[0].PovPassing())
	require.Len(t, entry.Patches[0].BuildOutputs, 2)
	require.Equal(t, 1, peekCount(t, fabric, wire.QueuePatchRequest))
}

func TestFailedChecksExhaustPatchAttempts(t *testing.T) {
	defer etcdtest.Cleanup()
	var r, fabric = testRouter(t)
	var ctx = context.Background()
	registerTask(t, r, "t-x", time.Now().Add(time.Hour))
	insertFuzzerBuilds(t, r, "t-x", "address")

	var vuln = confirmedVuln("t-x", "ipid-x", tracedCrash("t-x", "address", "c-1"))
	require.NoError(t, r.HandleConfirmedVuln(ctx, vuln, queue.Message{}))

	for attempt := 0; attempt != MaxPatchAttempts; attempt++ {
		// Every attempt returns the same diff text: attempts, not diffs,
		// identify candidates.
		var patch = &wire.Patch{
			TaskID: "t-x", InternalPatchID: "ipid-x",
			Diff: "--- candidate\n", Attempt: int64(attempt + 1),
		}
		require.NoError(t, r.HandlePatchResult(ctx, patch, queue.Message{}))

		var out = &wire.BuildOutput{
			TaskID: "t-x", Type: wire.BuildTypePatch, Sanitizer: "address",
			InternalPatchID: fmt.Sprintf("ipid-x.%d", attempt),
			TaskDir:         "/scratch/t-x/patch", Outcome: wire.BuildOK,
		}
		require.NoError(t, r.HandleBuildOutput(ctx, out, queue.Message{}))

		// The patched build still crashes: the check fails.
		var resp = &wire.POVReproduceResponse{
			TaskID: "t-x", InternalPatchID: "ipid-x", CrashID: "c-1",
			PatchIdx: int64(attempt), CrashedPatched: true, CrashedBase: true,
		}
		require.NoError(t, r.HandlePOVResponse(ctx, resp, queue.Message{}))
	}

	// Three requests went out in total; exhaustion stops the fourth.
	require.Equal(t, MaxPatchAttempts, peekCount(t, fabric, wire.QueuePatchRequest))

	entry, _, err := r.Registry.GetSubmission(ctx, "ipid-x")
	require.NoError(t, err)
	require.Equal(t, int64(MaxPatchAttempts), entry.PatchAttempts)
	require.Len(t, entry.Patches, MaxPatchAttempts)
	for _, p := range entry.Patches {
		require.Equal(t, wire.ResultFailed, p.Result)
	}
	require.True(t, entry.Stop)
}

func TestDuplicateCheckDeliveriesCountOnce(t *testing.T) {
	defer etcdtest.Cleanup()
	var r, fabric = testRouter(t)
	var ctx = context.Background()
	registerTask(t, r, "t-d", time.Now().Add(time.Hour))
	insertFuzzerBuilds(t, r, "t-d", "address", "undefined")

	var vuln = confirmedVuln("t-d", "ipid-d",
		tracedCrash("t-d", "address", "c-1"),
		tracedCrash("t-d", "undefined", "c-2"))
	require.NoError(t, r.HandleConfirmedVuln(ctx, vuln, queue.Message{}))

	var patch = &wire.Patch{TaskID: "t-d", InternalPatchID: "ipid-d", Diff: "--- a\n", Attempt: 1}
	require.NoError(t, r.HandlePatchResult(ctx, patch, queue.Message{}))
	for _, s := range []string{"address", "undefined"} {
		var out = &wire.BuildOutput{
			TaskID: "t-d", Type: wire.BuildTypePatch, Sanitizer: s,
			InternalPatchID: "ipid-d.0",
			TaskDir:         "/scratch/t-d/patch-" + s, Outcome: wire.BuildOK,
		}
		require.NoError(t, r.HandleBuildOutput(ctx, out, queue.Message{}))
	}

	// c-1's passing check delivered twice counts once: the candidate is not
	// validated while c-2's check is still out.
	var resp = &wire.POVReproduceResponse{
		TaskID: "t-d", InternalPatchID: "ipid-d", CrashID: "c-1",
		PatchIdx: 0, CrashedPatched: false, CrashedBase: true,
	}
	require.NoError(t, r.HandlePOVResponse(ctx, resp, queue.Message{}))
	require.NoError(t, r.HandlePOVResponse(ctx, resp, queue.Message{}))

	entry, _, err := r.Registry.GetSubmission(ctx, "ipid-d")
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Patches[0].ChecksPassed)
	require.False(t, entry.Patches[0].Validated())

	// c-2's check resolves it.
	resp = &wire.POVReproduceResponse{
		TaskID: "t-d", InternalPatchID: "ipid-d", CrashID: "c-2",
		PatchIdx: 0, CrashedPatched: false, CrashedBase: true,
	}
	require.NoError(t, r.HandlePOVResponse(ctx, resp, queue.Message{}))

	entry, _, err = r.Registry.GetSubmission(ctx, "ipid-d")
	require.NoError(t, err)
	require.True(t, entry.Patches[0].Validated())
	require.True(t, entry.Patches[0].PovPassing())
	require.Equal(t, 1, peekCount(t, fabric, wire.QueuePatchRequest))
}

func TestErroredPatchBuildFailsCandidate(t *testing.T) {
	defer etcdtest.Cleanup()
	var r, fabric = testRouter(t)
	var ctx = context.Background()
	registerTask(t, r, "t-e", time.Now().Add(time.Hour))
	insertFuzzerBuilds(t, r, "t-e", "address")

	var vuln = confirmedVuln("t-e", "ipid-e", tracedCrash("t-e", "address", "c-1"))
	require.NoError(t, r.HandleConfirmedVuln(ctx, vuln, queue.Message{}))

	var patch = &wire.Patch{TaskID: "t-e", InternalPatchID: "ipid-e", Diff: "--- broken\n", Attempt: 1}
	require.NoError(t, r.HandlePatchResult(ctx, patch, queue.Message{}))

	var out = &wire.BuildOutput{
		TaskID: "t-e", Type: wire.BuildTypePatch, Sanitizer: "address",
		InternalPatchID: "ipid-e.0", Outcome: wire.BuildErrored,
		Error: "patch does not apply",
	}
	require.NoError(t, r.HandleBuildOutput(ctx, out, queue.Message{}))

	// No reproduce checks; a replacement candidate was requested.
	require.Equal(t, 0, peekCount(t, fabric, wire.QueuePOVReproduceRequest))
	require.Equal(t, 2, peekCount(t, fabric, wire.QueuePatchRequest))

	entry, _, err := r.Registry.GetSubmission(ctx, "ipid-e")
	require.NoError(t, err)
	require.Equal(t, wire.ResultFailed, entry.Patches[0].Result)
	require.Equal(t, int64(2), entry.PatchAttempts)
}

func TestFreezeWindowStopsNewPatchRequests(t *testing.T) {
	defer etcdtest.Cleanup()
	var r, fabric = testRouter(t)
	var ctx = context.Background()

	// The deadline is inside the freeze window.
	registerTask(t, r, "t-f", time.Now().Add(5*time.Minute))
	insertFuzzerBuilds(t, r, "t-f", "address")

	var vuln = confirmedVuln("t-f", "ipid-f", tracedCrash("t-f", "address", "c-1"))
	require.NoError(t, r.HandleConfirmedVuln(ctx, vuln, queue.Message{}))
	require.Equal(t, 0, peekCount(t, fabric, wire.QueuePatchRequest))

	// The ledger still opened, so already-arrived patches can proceed.
	var _, _, err = r.Registry.GetSubmission(ctx, "ipid-f")
	require.NoError(t, err)
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
