package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelsec/kestrel/wire"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"
)

func testFabric(t *testing.T, visibility time.Duration) *Fabric {
	var f, err = NewFabric(etcdtest.TestClient(), "/kestrel.test", visibility, 0)
	require.NoError(t, err)
	return f
}

func pushReady(t *testing.T, f *Fabric, queue string, taskIDs ...string) []uint64 {
	var ids []uint64
	for _, id := range taskIDs {
		var msgID, err = f.Push(context.Background(), queue, &wire.TaskReady{TaskID: id})
		require.NoError(t, err)
		ids = append(ids, msgID)
	}
	return ids
}

func TestPushReserveAckOrdering(t *testing.T) {
	defer etcdtest.Cleanup()
	var f, ctx = testFabric(t, time.Minute), context.Background()

	var ids = pushReady(t, f, wire.QueueTaskReady, "t1", "t2", "t3")
	require.Equal(t, []uint64{1, 2, 3}, ids)

	msgs, err := f.Reserve(ctx, wire.QueueTaskReady, "sched", "c1", 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Delivery respects push order.
	for i, want := range []string{"t1", "t2"} {
		rec, err := msgs[i].Decode(wire.QueueTaskReady)
		require.NoError(t, err)
		require.Equal(t, want, rec.(*wire.TaskReady).TaskID)
	}

	// Reserved messages are invisible to a sibling consumer of the group.
	more, err := f.Reserve(ctx, wire.QueueTaskReady, "sched", "c2", 10, 0)
	require.NoError(t, err)
	require.Len(t, more, 1)
	rec, err := more[0].Decode(wire.QueueTaskReady)
	require.NoError(t, err)
	require.Equal(t, "t3", rec.(*wire.TaskReady).TaskID)

	// A second group sees the full stream independently.
	other, err := f.Reserve(ctx, wire.QueueTaskReady, "audit", "a1", 10, 0)
	require.NoError(t, err)
	require.Len(t, other, 3)

	for _, m := range msgs {
		require.NoError(t, f.Ack(ctx, wire.QueueTaskReady, "sched", m.ID))
	}
	// Ack is idempotent.
	require.NoError(t, f.Ack(ctx, wire.QueueTaskReady, "sched", msgs[0].ID))
}

func TestReserveBlocksForPush(t *testing.T) {
	defer etcdtest.Cleanup()
	var f, ctx = testFabric(t, time.Minute), context.Background()

	var done = make(chan []Message, 1)
	go func() {
		var msgs, err = f.Reserve(ctx, wire.QueueTaskReady, "sched", "c1", 1, 5*time.Second)
		require.NoError(t, err)
		done <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	pushReady(t, f, wire.QueueTaskReady, "t-block")

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked reserve never observed the push")
	}
}

func TestReclaimRedeliversOrphans(t *testing.T) {
	defer etcdtest.Cleanup()
	// Tiny visibility so orphaned reservations become reclaimable at once.
	var f, ctx = testFabric(t, time.Millisecond), context.Background()

	pushReady(t, f, wire.QueueTaskReady, "t-orphan")

	// Consumer c1 reserves and dies without ack.
	msgs, err := f.Reserve(ctx, wire.QueueTaskReady, "sched", "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(10 * time.Millisecond)

	reclaimed, err := f.Reclaim(ctx, wire.QueueTaskReady, "sched", "c2", 0)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, msgs[0].ID, reclaimed[0].ID)
	require.Equal(t, msgs[0].Frame, reclaimed[0].Frame)

	// The replacement consumer acks; nothing remains to reclaim.
	require.NoError(t, f.Ack(ctx, wire.QueueTaskReady, "sched", reclaimed[0].ID))
	time.Sleep(10 * time.Millisecond)

	reclaimed, err = f.Reclaim(ctx, wire.QueueTaskReady, "sched", "c3", 0)
	require.NoError(t, err)
	require.Empty(t, reclaimed)
}

func TestReclaimHonoursIdleThreshold(t *testing.T) {
	defer etcdtest.Cleanup()
	var f, ctx = testFabric(t, time.Minute), context.Background()

	pushReady(t, f, wire.QueueTaskReady, "t-fresh")
	var _, err = f.Reserve(ctx, wire.QueueTaskReady, "sched", "c1", 1, 0)
	require.NoError(t, err)

	// The reservation is fresh: an hour-idle threshold reclaims nothing.
	reclaimed, err := f.Reclaim(ctx, wire.QueueTaskReady, "sched", "c2", time.Hour)
	require.NoError(t, err)
	require.Empty(t, reclaimed)
}

func TestPeekIsNonDestructive(t *testing.T) {
	defer etcdtest.Cleanup()
	var f, ctx = testFabric(t, time.Minute), context.Background()

	pushReady(t, f, wire.QueueTaskReady, "t1", "t2")

	for i := 0; i < 2; i++ {
		var msgs, err = f.Peek(ctx, wire.QueueTaskReady, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
	}

	depth, err := f.Depth(ctx, wire.QueueTaskReady)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}

func TestPurgeTaskFiltersByOwner(t *testing.T) {
	defer etcdtest.Cleanup()
	var f, ctx = testFabric(t, time.Minute), context.Background()

	pushReady(t, f, wire.QueueTaskReady, "t-keep", "t-gone", "t-keep", "t-gone")

	n, err := f.PurgeTask(ctx, wire.QueueTaskReady, "t-gone")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	msgs, err := f.Peek(ctx, wire.QueueTaskReady, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		rec, err := m.Decode(wire.QueueTaskReady)
		require.NoError(t, err)
		require.Equal(t, "t-keep", rec.(*wire.TaskReady).TaskID)
	}
}

func TestSweepRemovesFullyConsumedMessages(t *testing.T) {
	defer etcdtest.Cleanup()
	var f, ctx = testFabric(t, time.Minute), context.Background()

	pushReady(t, f, wire.QueueTaskReady, "t1", "t2", "t3")

	// No groups: sweep must not destroy an unconsumed stream.
	n, err := f.Sweep(ctx, wire.QueueTaskReady)
	require.NoError(t, err)
	require.Zero(t, n)

	msgs, err := f.Reserve(ctx, wire.QueueTaskReady, "sched", "c1", 2, 0)
	require.NoError(t, err)
	require.NoError(t, f.Ack(ctx, wire.QueueTaskReady, "sched", msgs[0].ID))

	// Message 1 is acked and below the cursor; message 2 is still pending.
	n, err = f.Sweep(ctx, wire.QueueTaskReady)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	depth, err := f.Depth(ctx, wire.QueueTaskReady)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}

func TestHighWaterMarker(t *testing.T) {
	defer etcdtest.Cleanup()
	var ctx = context.Background()
	var f, err = NewFabric(etcdtest.TestClient(), "/kestrel.test", time.Minute, 2)
	require.NoError(t, err)

	full, err := f.SyncFull(ctx, wire.QueueRawCrash)
	require.NoError(t, err)
	require.False(t, full)

	for i := 0; i < 3; i++ {
		var crash = wire.Crash{
			CrashID: "c", TaskID: "t", HarnessName: "h", InputPath: "/in", Stacktrace: "s",
			Target: wire.BuildOutput{
				TaskID: "t", Type: wire.BuildTypeFuzzer, Sanitizer: "address",
				TaskDir: "/x", Outcome: wire.BuildOK,
			},
		}
		var _, err = f.Push(ctx, wire.QueueRawCrash, &crash)
		require.NoError(t, err)
	}

	full, err = f.SyncFull(ctx, wire.QueueRawCrash)
	require.NoError(t, err)
	require.True(t, full)

	full, err = f.Full(ctx, wire.QueueRawCrash)
	require.NoError(t, err)
	require.True(t, full)
}

func TestListAndDeleteQueues(t *testing.T) {
	defer etcdtest.Cleanup()
	var f, ctx = testFabric(t, time.Minute), context.Background()

	pushReady(t, f, wire.QueueTaskReady, "t1")
	var _, err2 = f.Push(ctx, wire.QueueTaskDelete, &wire.TaskDelete{TaskID: "t1"})
	require.NoError(t, err2)

	queues, err := f.ListQueues(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{wire.QueueTaskReady, wire.QueueTaskDelete}, queues)

	require.NoError(t, f.DeleteQueue(ctx, wire.QueueTaskDelete))
	queues, err = f.ListQueues(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{wire.QueueTaskReady}, queues)
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
