// Package queue implements Kestrel's typed FIFO queue fabric over etcd:
// named streams with consumer groups, at-least-once delivery, explicit
// acknowledgement, visibility timeouts, and reclaim of orphaned deliveries.
//
// Layout under the fabric root:
//
//	<root>/queues/<name>/seq                              monotonic counter
//	<root>/queues/<name>/msgs/<%020d seq>                 framed record
//	<root>/queues/<name>/groups/<group>/cursor            next seq to deliver
//	<root>/queues/<name>/groups/<group>/pending/<%020d>   PendingEntry
//	<root>/queues/<name>/full                             advisory high-water marker
//
// Within a consumer group, records are delivered in push order while a
// single consumer holds them: cursor advancement is CAS-serialised on the
// cursor's revision. Cross-queue and cross-task ordering is not guaranteed.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/wire"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultVisibility is the reservation visibility timeout: an un-acked
// delivery becomes reclaimable this long after reservation.
const DefaultVisibility = 10 * time.Minute

const pushRetries = 16

// Message is one delivered (or peeked) queue record.
type Message struct {
	// ID is the message's monotonic sequence number within its queue.
	ID uint64
	// Frame is the versioned record frame.
	Frame []byte
}

// Decode unframes the message per its queue's schema.
func (m Message) Decode(queue string) (wire.Record, error) {
	var rec, err = wire.NewRecord(queue)
	if err != nil {
		return nil, err
	}
	if err = wire.Unframe(m.Frame, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Fabric is a handle on the queue fabric.
type Fabric struct {
	etcd       *clientv3.Client
	root       string
	visibility time.Duration
	highWater  int64
}

// NewFabric builds a Fabric rooted at the |root| etcd prefix. A
// |visibility| of zero selects DefaultVisibility; |highWater| of zero
// disables the advisory high-water mark.
func NewFabric(etcd *clientv3.Client, root string, visibility time.Duration, highWater int64) (*Fabric, error) {
	if root == "" || strings.HasSuffix(root, "/") {
		return nil, fmt.Errorf("root %q must be non-empty without trailing slash", root)
	}
	if visibility == 0 {
		visibility = DefaultVisibility
	}
	return &Fabric{etcd: etcd, root: root, visibility: visibility, highWater: highWater}, nil
}

func (f *Fabric) queueRoot(queue string) string { return f.root + "/queues/" + queue }
func (f *Fabric) seqKey(queue string) string    { return f.queueRoot(queue) + "/seq" }
func (f *Fabric) fullKey(queue string) string   { return f.queueRoot(queue) + "/full" }

func (f *Fabric) msgKey(queue string, seq uint64) string {
	return fmt.Sprintf("%s/msgs/%020d", f.queueRoot(queue), seq)
}
func (f *Fabric) msgPrefix(queue string) string { return f.queueRoot(queue) + "/msgs/" }

func (f *Fabric) cursorKey(queue, group string) string {
	return fmt.Sprintf("%s/groups/%s/cursor", f.queueRoot(queue), group)
}
func (f *Fabric) pendingKey(queue, group string, seq uint64) string {
	return fmt.Sprintf("%s/groups/%s/pending/%020d", f.queueRoot(queue), group, seq)
}
func (f *Fabric) pendingPrefix(queue, group string) string {
	return fmt.Sprintf("%s/groups/%s/pending/", f.queueRoot(queue), group)
}
func (f *Fabric) groupsPrefix(queue string) string { return f.queueRoot(queue) + "/groups/" }

func seqOfKey(key string) (uint64, error) {
	var idx = strings.LastIndexByte(key, '/')
	return strconv.ParseUint(key[idx+1:], 10, 64)
}

// Push appends a framed record, returning its monotonic message id.
func (f *Fabric) Push(ctx context.Context, queue string, rec wire.Record) (uint64, error) {
	var frame, err = wire.Frame(rec)
	if err != nil {
		return 0, ops.Validation(err)
	}
	return f.PushFrame(ctx, queue, frame)
}

// PushFrame appends an already-framed record. Used by the CLI and by
// dead-letter forwarding, where the frame is passed through verbatim.
func (f *Fabric) PushFrame(ctx context.Context, queue string, frame []byte) (uint64, error) {
	var seqKey = f.seqKey(queue)

	for attempt := 0; attempt < pushRetries; attempt++ {
		if err := ops.Sleep(ctx, ops.Backoff(attempt)); err != nil {
			return 0, err
		}

		var resp, err = f.etcd.Get(ctx, seqKey)
		if err != nil {
			return 0, ops.Transient(fmt.Errorf("read %s: %w", seqKey, err))
		}
		var cur uint64
		var rev int64
		if len(resp.Kvs) != 0 {
			if cur, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64); err != nil {
				return 0, ops.Validation(fmt.Errorf("corrupt sequence key %s: %w", seqKey, err))
			}
			rev = resp.Kvs[0].ModRevision
		}
		var next = cur + 1

		txn, err := f.etcd.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(seqKey), "=", rev)).
			Then(
				clientv3.OpPut(seqKey, strconv.FormatUint(next, 10)),
				clientv3.OpPut(f.msgKey(queue, next), string(frame)),
			).
			Commit()
		if err != nil {
			return 0, ops.Transient(fmt.Errorf("push %s: %w", queue, err))
		} else if !txn.Succeeded {
			continue // Sequence contention; retry.
		}

		ops.QueuePushed.WithLabelValues(queue).Inc()
		return next, nil
	}
	return 0, ops.Transient(fmt.Errorf("push %s: sequence contention persisted", queue))
}

// Reserve delivers up to |n| records to |consumer| under |group|, blocking
// up to |block| for the first record. Reserved records are invisible to
// other consumers of the group until acked or until the visibility timeout
// lapses.
func (f *Fabric) Reserve(ctx context.Context, queue, group, consumer string, n int, block time.Duration) ([]Message, error) {
	var deadline = time.Now().Add(block)

	for attempt := 0; ; attempt++ {
		var msgs, watchRev, raced, err = f.tryReserve(ctx, queue, group, consumer, n)
		if err != nil {
			return nil, err
		} else if len(msgs) != 0 {
			return msgs, nil
		} else if raced {
			// Lost the cursor race to a sibling consumer; back off and retry.
			if err = ops.Sleep(ctx, ops.Backoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		var remain = time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		if err = f.awaitPush(ctx, queue, watchRev, remain); err != nil {
			return nil, err
		}
	}
}

// tryReserve attempts one non-blocking reservation pass. On an empty queue
// it returns the revision from which a watch should begin; on a lost
// cursor race it reports raced=true.
func (f *Fabric) tryReserve(ctx context.Context, queue, group, consumer string, n int) ([]Message, int64, bool, error) {
	var cursorKey = f.cursorKey(queue, group)

	var resp, err = f.etcd.Get(ctx, cursorKey)
	if err != nil {
		return nil, 0, false, ops.Transient(fmt.Errorf("read %s: %w", cursorKey, err))
	}
	var cursor uint64 = 1
	var cursorRev int64
	if len(resp.Kvs) != 0 {
		if cursor, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64); err != nil {
			return nil, 0, false, ops.Validation(fmt.Errorf("corrupt cursor %s: %w", cursorKey, err))
		}
		cursorRev = resp.Kvs[0].ModRevision
	}

	msgResp, err := f.etcd.Get(ctx, f.msgKey(queue, cursor),
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(f.msgPrefix(queue))),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithLimit(int64(n)))
	if err != nil {
		return nil, 0, false, ops.Transient(fmt.Errorf("range %s: %w", queue, err))
	} else if len(msgResp.Kvs) == 0 {
		return nil, msgResp.Header.Revision, false, nil
	}

	var msgs []Message
	var pending = wire.PendingEntry{
		Consumer:   consumer,
		DeadlineMS: time.Now().Add(f.visibility).UnixMilli(),
		Deliveries: 1,
	}
	var pendingFrame = wire.MustFrame(&pending)

	var ifOps = []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(cursorKey), "=", cursorRev)}
	var thenOps []clientv3.Op
	var last uint64

	for _, kv := range msgResp.Kvs {
		var seq, err = seqOfKey(string(kv.Key))
		if err != nil {
			return nil, 0, false, ops.Validation(fmt.Errorf("corrupt message key %q: %w", kv.Key, err))
		}
		msgs = append(msgs, Message{ID: seq, Frame: kv.Value})
		thenOps = append(thenOps, clientv3.OpPut(f.pendingKey(queue, group, seq), string(pendingFrame)))
		last = seq
	}
	thenOps = append(thenOps, clientv3.OpPut(cursorKey, strconv.FormatUint(last+1, 10)))

	txn, err := f.etcd.Txn(ctx).If(ifOps...).Then(thenOps...).Commit()
	if err != nil {
		return nil, 0, false, ops.Transient(fmt.Errorf("reserve %s/%s: %w", queue, group, err))
	} else if !txn.Succeeded {
		return nil, 0, true, nil
	}
	return msgs, 0, false, nil
}

// awaitPush blocks until a message lands on |queue| after |rev|, or |block|
// elapses, or |ctx| is done.
func (f *Fabric) awaitPush(ctx context.Context, queue string, rev int64, block time.Duration) error {
	var wctx, cancel = context.WithTimeout(ctx, block)
	defer cancel()

	var watch = f.etcd.Watch(wctx, f.msgPrefix(queue),
		clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for wr := range watch {
		if wr.Err() != nil {
			return ops.Transient(fmt.Errorf("watch %s: %w", queue, wr.Err()))
		}
		for _, ev := range wr.Events {
			if ev.Type == clientv3.EventTypePut {
				return nil
			}
		}
	}
	// Watch closed: block elapsed, or the surrounding context is done.
	return ctx.Err()
}

// Ack acknowledges a delivery, removing it from the group's pending set.
// Acking an already-acked or reclaimed-away message is a no-op: consumers
// are idempotent and the fabric is at-least-once.
func (f *Fabric) Ack(ctx context.Context, queue, group string, id uint64) error {
	var _, err = f.etcd.Delete(ctx, f.pendingKey(queue, group, id))
	if err != nil {
		return ops.Transient(fmt.Errorf("ack %s/%s/%d: %w", queue, group, id, err))
	}
	ops.QueueAcked.WithLabelValues(queue, group).Inc()
	return nil
}

// Reclaim reassigns to |consumer| the group's pending deliveries which have
// been idle for at least |idle|, returning them for reprocessing. Used for
// crash recovery of consumers which died between reserve and ack.
func (f *Fabric) Reclaim(ctx context.Context, queue, group, consumer string, idle time.Duration) ([]Message, error) {
	var resp, err = f.etcd.Get(ctx, f.pendingPrefix(queue, group), clientv3.WithPrefix())
	if err != nil {
		return nil, ops.Transient(fmt.Errorf("scan pending %s/%s: %w", queue, group, err))
	}

	var now = time.Now()
	var out []Message
	for _, kv := range resp.Kvs {
		var entry wire.PendingEntry
		if err = wire.Unframe(kv.Value, &entry); err != nil {
			return nil, ops.Validation(fmt.Errorf("corrupt pending entry %q: %w", kv.Key, err))
		}
		// A reservation is reclaimable only once its visibility deadline has
		// lapsed, and then only if it has been idle at least |idle|.
		if now.UnixMilli() <= entry.DeadlineMS {
			continue
		}
		var reservedAt = time.UnixMilli(entry.DeadlineMS).Add(-f.visibility)
		if now.Sub(reservedAt) < idle {
			continue
		}
		seq, err := seqOfKey(string(kv.Key))
		if err != nil {
			return nil, ops.Validation(err)
		}

		var next = wire.PendingEntry{
			Consumer:   consumer,
			DeadlineMS: now.Add(f.visibility).UnixMilli(),
			Deliveries: entry.Deliveries + 1,
		}
		txn, err := f.etcd.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpPut(string(kv.Key), string(wire.MustFrame(&next)))).
			Commit()
		if err != nil {
			return nil, ops.Transient(fmt.Errorf("reclaim %s/%s/%d: %w", queue, group, seq, err))
		} else if !txn.Succeeded {
			continue // Acked or reclaimed by another consumer meanwhile.
		}

		msgResp, err := f.etcd.Get(ctx, f.msgKey(queue, seq))
		if err != nil {
			return nil, ops.Transient(err)
		} else if len(msgResp.Kvs) == 0 {
			// Message purged under the reservation (task GC); drop the claim.
			_, _ = f.etcd.Delete(ctx, string(kv.Key))
			continue
		}
		out = append(out, Message{ID: seq, Frame: msgResp.Kvs[0].Value})
		ops.QueueReclaimed.WithLabelValues(queue, group).Inc()
	}
	return out, nil
}

// Peek returns up to |max| records from the head of the stream without
// affecting any group. For observability only.
func (f *Fabric) Peek(ctx context.Context, queue string, max int) ([]Message, error) {
	var resp, err = f.etcd.Get(ctx, f.msgPrefix(queue), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithLimit(int64(max)))
	if err != nil {
		return nil, ops.Transient(fmt.Errorf("peek %s: %w", queue, err))
	}
	var out = make([]Message, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var seq, err = seqOfKey(string(kv.Key))
		if err != nil {
			return nil, ops.Validation(err)
		}
		out = append(out, Message{ID: seq, Frame: kv.Value})
	}
	return out, nil
}

// Depth returns the number of retained messages of the queue.
func (f *Fabric) Depth(ctx context.Context, queue string) (int64, error) {
	var resp, err = f.etcd.Get(ctx, f.msgPrefix(queue), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, ops.Transient(fmt.Errorf("count %s: %w", queue, err))
	}
	return resp.Count, nil
}

// Full reports the queue's advisory high-water marker. Producers of
// raw_crash_queue and the seed queues pause while it is set.
func (f *Fabric) Full(ctx context.Context, queue string) (bool, error) {
	var resp, err = f.etcd.Get(ctx, f.fullKey(queue))
	if err != nil {
		return false, ops.Transient(err)
	}
	return len(resp.Kvs) != 0, nil
}

// SyncFull maintains the advisory marker from the queue's current depth
// against the configured high-water mark. Returns the marker's new state.
func (f *Fabric) SyncFull(ctx context.Context, queue string) (bool, error) {
	if f.highWater <= 0 {
		return false, nil
	}
	var depth, err = f.Depth(ctx, queue)
	if err != nil {
		return false, err
	}
	if depth >= f.highWater {
		if _, err = f.etcd.Put(ctx, f.fullKey(queue), "1"); err != nil {
			return false, ops.Transient(err)
		}
		return true, nil
	}
	if _, err = f.etcd.Delete(ctx, f.fullKey(queue)); err != nil {
		return false, ops.Transient(err)
	}
	return false, nil
}

// ListQueues returns the names of all queues present in the fabric.
func (f *Fabric) ListQueues(ctx context.Context) ([]string, error) {
	var prefix = f.root + "/queues/"
	var resp, err = f.etcd.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, ops.Transient(err)
	}
	var seen = make(map[string]struct{})
	var out []string
	for _, kv := range resp.Kvs {
		var rest = strings.TrimPrefix(string(kv.Key), prefix)
		var name, _, _ = strings.Cut(rest, "/")
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out, nil
}

// DeleteQueue removes a queue and all of its group state.
func (f *Fabric) DeleteQueue(ctx context.Context, queue string) error {
	var _, err = f.etcd.Delete(ctx, f.queueRoot(queue)+"/", clientv3.WithPrefix())
	if err != nil {
		return ops.Transient(fmt.Errorf("delete queue %s: %w", queue, err))
	}
	return nil
}

// PurgeTask removes every retained message of |queue| owned by |taskID|,
// along with any pending entries referencing them. Part of task GC.
func (f *Fabric) PurgeTask(ctx context.Context, queue, taskID string) (int, error) {
	var resp, err = f.etcd.Get(ctx, f.msgPrefix(queue), clientv3.WithPrefix())
	if err != nil {
		return 0, ops.Transient(fmt.Errorf("scan %s: %w", queue, err))
	}

	var groups, gerr = f.listGroups(ctx, queue)
	if gerr != nil {
		return 0, gerr
	}

	var purged int
	for _, kv := range resp.Kvs {
		var msg = Message{Frame: kv.Value}
		var rec, err = msg.Decode(queue)
		if err != nil {
			continue // Undecodable messages are the dead-letter loop's problem.
		}
		scoped, ok := rec.(wire.TaskScoped)
		if !ok || scoped.TaskRef() != taskID {
			continue
		}
		seq, err := seqOfKey(string(kv.Key))
		if err != nil {
			return purged, ops.Validation(err)
		}

		var delOps = []clientv3.Op{clientv3.OpDelete(string(kv.Key))}
		for _, g := range groups {
			delOps = append(delOps, clientv3.OpDelete(f.pendingKey(queue, g, seq)))
		}
		if _, err = f.etcd.Txn(ctx).Then(delOps...).Commit(); err != nil {
			return purged, ops.Transient(fmt.Errorf("purge %s/%d: %w", queue, seq, err))
		}
		purged++
	}
	return purged, nil
}

// Sweep deletes messages already consumed by every group: those below the
// minimum group cursor with no pending entry. Queues with no groups are
// left intact.
func (f *Fabric) Sweep(ctx context.Context, queue string) (int, error) {
	var groups, err = f.listGroups(ctx, queue)
	if err != nil || len(groups) == 0 {
		return 0, err
	}

	var min uint64 = ^uint64(0)
	for _, g := range groups {
		var resp, err = f.etcd.Get(ctx, f.cursorKey(queue, g))
		if err != nil {
			return 0, ops.Transient(err)
		}
		var cursor uint64 = 1
		if len(resp.Kvs) != 0 {
			if cursor, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64); err != nil {
				return 0, ops.Validation(err)
			}
		}
		if cursor < min {
			min = cursor
		}
	}

	var pending = make(map[uint64]struct{})
	for _, g := range groups {
		var resp, err = f.etcd.Get(ctx, f.pendingPrefix(queue, g), clientv3.WithPrefix(), clientv3.WithKeysOnly())
		if err != nil {
			return 0, ops.Transient(err)
		}
		for _, kv := range resp.Kvs {
			if seq, err := seqOfKey(string(kv.Key)); err == nil {
				pending[seq] = struct{}{}
			}
		}
	}

	resp, err := f.etcd.Get(ctx, f.msgPrefix(queue), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return 0, ops.Transient(err)
	}
	var swept int
	for _, kv := range resp.Kvs {
		var seq, err = seqOfKey(string(kv.Key))
		if err != nil || seq >= min {
			continue
		}
		if _, ok := pending[seq]; ok {
			continue
		}
		if _, err = f.etcd.Delete(ctx, string(kv.Key)); err != nil {
			return swept, ops.Transient(err)
		}
		swept++
	}
	return swept, nil
}

func (f *Fabric) listGroups(ctx context.Context, queue string) ([]string, error) {
	var prefix = f.groupsPrefix(queue)
	var resp, err = f.etcd.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, ops.Transient(err)
	}
	var seen = make(map[string]struct{})
	var out []string
	for _, kv := range resp.Kvs {
		var rest = strings.TrimPrefix(string(kv.Key), prefix)
		var name, _, ok = strings.Cut(rest, "/")
		if !ok {
			continue
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out, nil
}
