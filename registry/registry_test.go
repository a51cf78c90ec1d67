package registry

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/kestrelsec/kestrel/wire"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"
)

func testClient(t *testing.T) *Client {
	var c, err = NewClient(etcdtest.TestClient(), "/kestrel.test")
	require.NoError(t, err)
	return c
}

func testTask(id string) wire.Task {
	return wire.Task{
		TaskID:      id,
		Kind:        wire.TaskKindFull,
		ProjectName: "zlib",
		DeadlineMS:  2_000_000_000_000,
		MessageMS:   1_000_000_000_000,
		Sources: []wire.SourceDetail{
			{SHA256: strings.Repeat("1", 64), Type: wire.SourceTypeRepo, URL: "https://host/r"},
			{SHA256: strings.Repeat("2", 64), Type: wire.SourceTypeFuzzTooling, URL: "https://host/f"},
		},
	}
}

func TestInsertGetDeleteCycle(t *testing.T) {
	defer etcdtest.Cleanup()
	var c, ctx = testClient(t), context.Background()

	var task = testTask("t-cycle")
	var rev, err = c.Insert(ctx, &task, CatTasks, task.TaskID)
	require.NoError(t, err)
	require.NotZero(t, rev)

	// A second insert of the same key conflicts.
	_, err = c.Insert(ctx, &task, CatTasks, task.TaskID)
	require.ErrorIs(t, err, ErrConflict)

	got, gotRev, err := c.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, task, *got)

	// Delete at a stale revision fails; at the current revision succeeds.
	require.ErrorIs(t, c.Delete(ctx, gotRev+1, CatTasks, task.TaskID), ErrConflict)
	require.NoError(t, c.Delete(ctx, gotRev, CatTasks, task.TaskID))

	_, _, err = c.GetTask(ctx, task.TaskID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRetriesUnderContention(t *testing.T) {
	defer etcdtest.Cleanup()
	var c, ctx = testClient(t), context.Background()

	var task = testTask("t-contend")
	var _, err = c.Insert(ctx, &task, CatTasks, task.TaskID)
	require.NoError(t, err)

	// Concurrent updaters each add one metadata key; CAS retries must
	// preserve all of them.
	var wg sync.WaitGroup
	for _, k := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			var _, err = c.UpdateTask(ctx, task.TaskID, func(t *wire.Task, exists bool) error {
				if t.Metadata == nil {
					t.Metadata = make(map[string]string)
				}
				t.Metadata[k] = k
				return nil
			})
			require.NoError(t, err)
		}(k)
	}
	wg.Wait()

	got, _, err := c.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, got.Metadata, 4)
}

func TestUpdateUnchangedSkipsWrite(t *testing.T) {
	defer etcdtest.Cleanup()
	var c, ctx = testClient(t), context.Background()

	var task = testTask("t-unchanged")
	var rev, err = c.Insert(ctx, &task, CatTasks, task.TaskID)
	require.NoError(t, err)

	_, err = c.UpdateTask(ctx, task.TaskID, func(*wire.Task, bool) error {
		return ErrUnchanged
	})
	require.NoError(t, err)

	_, gotRev, err := c.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, rev, gotRev)
}

func TestCrashInsertDeduplicates(t *testing.T) {
	defer etcdtest.Cleanup()
	var c, ctx = testClient(t), context.Background()

	var crash = wire.Crash{
		CrashID: "c-1",
		TaskID:  "t-dedup",
		Target: wire.BuildOutput{
			TaskID: "t-dedup", Type: wire.BuildTypeFuzzer,
			Sanitizer: "address", TaskDir: "/x", Outcome: wire.BuildOK,
		},
		HarnessName: "h", InputPath: "/in", Stacktrace: "s", CrashToken: "tok",
	}
	require.NoError(t, c.InsertCrash(ctx, &crash))

	var dup = crash
	dup.CrashID = "c-2"
	require.ErrorIs(t, c.InsertCrash(ctx, &dup), ErrConflict)

	crashes, err := c.ScanCrashes(ctx, "t-dedup")
	require.NoError(t, err)
	require.Len(t, crashes, 1)
	require.Equal(t, "c-1", crashes[0].CrashID)
}

func TestScanAndPurgeByPrefix(t *testing.T) {
	defer etcdtest.Cleanup()
	var c, ctx = testClient(t), context.Background()

	for _, h := range []string{"h1", "h2", "h3"} {
		var w = wire.WeightedHarness{TaskID: "t-scan", Package: "pkg", Harness: h, Weight: 1}
		var err = c.Update(ctx, &w, func(bool) error { return nil },
			CatHarnessWeights, "t-scan", "pkg", h)
		require.NoError(t, err)
	}
	var other = wire.WeightedHarness{TaskID: "t-other", Package: "pkg", Harness: "h", Weight: 1}
	require.NoError(t, c.Update(ctx, &other, func(bool) error { return nil },
		CatHarnessWeights, "t-other", "pkg", "h"))

	entries, err := c.Scan(ctx, CatHarnessWeights, "t-scan")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "t-scan/pkg/h1", entries[0].Key)

	n, err := c.PurgePrefix(ctx, CatHarnessWeights, "t-scan")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	entries, err = c.Scan(ctx, CatHarnessWeights)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWaitForObservesUpdates(t *testing.T) {
	defer etcdtest.Cleanup()
	var c = testClient(t)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var pending = wire.BuildOutput{
		TaskID: "t-wait", Type: wire.BuildTypeFuzzer, Sanitizer: "address",
		Outcome: wire.BuildPending,
	}
	var rev, err = c.Insert(context.Background(), &pending, CatBuilds, "t-wait", "fuzzer", "address")
	require.NoError(t, err)

	var done = make(chan error, 1)
	go func() {
		var out wire.BuildOutput
		done <- c.WaitFor(ctx, &out, func(exists bool) bool {
			return exists && out.Outcome != wire.BuildPending
		}, CatBuilds, "t-wait", "fuzzer", "address")
	}()

	pending.Outcome, pending.TaskDir = wire.BuildOK, "/scratch/t-wait/build-fuzzer-address"
	require.NoError(t, c.PutRev(context.Background(), &pending, rev, CatBuilds, "t-wait", "fuzzer", "address"))

	require.NoError(t, <-done)
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
