package dedup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"
)

func testFixtures(t *testing.T) (*registry.Client, *queue.Fabric, string) {
	var reg, err = registry.NewClient(etcdtest.TestClient(), "/kestrel.test")
	require.NoError(t, err)
	fabric, err := queue.NewFabric(etcdtest.TestClient(), "/kestrel.test", time.Minute, 0)
	require.NoError(t, err)
	return reg, fabric, t.TempDir()
}

func fuzzerTarget(taskID string) wire.BuildOutput {
	return wire.BuildOutput{
		TaskID:    taskID,
		Type:      wire.BuildTypeFuzzer,
		Sanitizer: "address",
		TaskDir:   "/scratch/" + taskID + "/build-fuzzer-address",
		Outcome:   wire.BuildOK,
		Harnesses: []string{"fuzz_png"},
	}
}

// rawCrash varies addresses by |seed| while keeping symbols fixed, the way
// ASLR varies repeat reports of one defect.
func rawCrash(taskID string, seed int) *wire.Crash {
	return &wire.Crash{
		TaskID:      taskID,
		Target:      fuzzerTarget(taskID),
		HarnessName: "fuzz_png",
		InputPath:   fmt.Sprintf("/scratch/%s/crashes/input-%04d", taskID, seed),
		Stacktrace: fmt.Sprintf(`==%d==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x60200000%04x
    #0 0x55f1a2b4%04x in png_read_filter_row /src/libpng/pngrutil.c:4244:18
    #1 0x55f1a2b3%04x in png_read_row /src/libpng/pngread.c:543:9`,
			1000+seed, seed, seed, seed),
	}
}

func TestMergeCollapsesDuplicateCrashes(t *testing.T) {
	defer etcdtest.Cleanup()
	var reg, fabric, scratch = testFixtures(t)
	var m, err = NewMerger(reg, fabric, scratch)
	require.NoError(t, err)
	var ctx = context.Background()

	for i := 0; i != 100; i++ {
		require.NoError(t, m.Handle(ctx, rawCrash("t-dup", i), queue.Message{}))
	}

	// One canonical crash, one tracer dispatch.
	crashes, err := reg.ScanCrashes(ctx, "t-dup")
	require.NoError(t, err)
	require.Len(t, crashes, 1)
	require.NotEmpty(t, crashes[0].CrashToken)
	require.NotEmpty(t, crashes[0].CrashID)

	msgs, err := fabric.Peek(ctx, wire.QueueTracer, 200)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// The 99 duplicates landed in the forensic bag.
	bag, err := os.ReadFile(filepath.Join(scratch, "t-dup", "forensics", "duplicates.log"))
	require.NoError(t, err)
	require.Equal(t, 99, strings.Count(string(bag), "\n"))
	require.Contains(t, string(bag), crashes[0].CrashToken)
}

func TestMergeSurvivesCacheLoss(t *testing.T) {
	defer etcdtest.Cleanup()
	var reg, fabric, scratch = testFixtures(t)
	var ctx = context.Background()

	var m1, err = NewMerger(reg, fabric, scratch)
	require.NoError(t, err)
	require.NoError(t, m1.Handle(ctx, rawCrash("t-restart", 0), queue.Message{}))

	// A fresh merger (cold cache, e.g. after restart) still dedups via the
	// crashes catalogue.
	m2, err := NewMerger(reg, fabric, scratch)
	require.NoError(t, err)
	require.NoError(t, m2.Handle(ctx, rawCrash("t-restart", 1), queue.Message{}))

	crashes, err := reg.ScanCrashes(ctx, "t-restart")
	require.NoError(t, err)
	require.Len(t, crashes, 1)

	msgs, err := fabric.Peek(ctx, wire.QueueTracer, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestMergeKeepsDistinctDefectsApart(t *testing.T) {
	defer etcdtest.Cleanup()
	var reg, fabric, scratch = testFixtures(t)
	var m, err = NewMerger(reg, fabric, scratch)
	require.NoError(t, err)
	var ctx = context.Background()

	var other = rawCrash("t-two", 0)
	other.Stacktrace = `==3==ERROR: AddressSanitizer: SEGV on unknown address 0x000000000000
    #0 0x55f1a2b4aaaa in inflate_fast /src/zlib/inffast.c:88:5
    #1 0x55f1a2b3bbbb in inflate /src/zlib/inflate.c:1023:9`

	require.NoError(t, m.Handle(ctx, rawCrash("t-two", 0), queue.Message{}))
	require.NoError(t, m.Handle(ctx, other, queue.Message{}))

	crashes, err := reg.ScanCrashes(ctx, "t-two")
	require.NoError(t, err)
	require.Len(t, crashes, 2)
	require.NotEqual(t, crashes[0].CrashToken, crashes[1].CrashToken)
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
