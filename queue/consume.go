package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// Handler processes one decoded record. Errors are classified at this
// boundary: validation failures dead-letter the message, terminal failures
// drop it, and transient or exhaustion failures leave it un-acked for
// redelivery after the visibility timeout. Handlers must therefore be
// idempotent in their side effects.
type Handler func(ctx context.Context, rec wire.Record, msg Message) error

// Consumer runs the standard worker loop of one fleet over one queue.
type Consumer struct {
	Fabric    Queues
	Queue     string
	Group     string
	Component string
	Handler   Handler

	// Name identifies this consumer within its group. Defaults to a UUID.
	Name string
	// Batch is the max records per reservation. Defaults to 8.
	Batch int
	// Block is the reserve long-poll interval. Defaults to 5s.
	Block time.Duration
	// ReclaimEvery is the orphan-reclaim cadence. Defaults to 1m.
	ReclaimEvery time.Duration
}

// Queues is the Fabric interface Consumer needs; it is satisfied by
// *Fabric and by test fakes.
type Queues interface {
	Reserve(ctx context.Context, queue, group, consumer string, n int, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, queue, group string, id uint64) error
	Reclaim(ctx context.Context, queue, group, consumer string, idle time.Duration) ([]Message, error)
	Push(ctx context.Context, queue string, rec wire.Record) (uint64, error)
}

// Run consumes until |ctx| is done. It never returns a non-context error:
// failures are classified, logged, and retried.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Name == "" {
		c.Name = c.Component + "-" + uuid.NewString()[:8]
	}
	if c.Batch <= 0 {
		c.Batch = 8
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = time.Minute
	}

	var lastReclaim time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastReclaim) >= c.ReclaimEvery {
			lastReclaim = time.Now()
			var msgs, err = c.Fabric.Reclaim(ctx, c.Queue, c.Group, c.Name, 0)
			if err != nil {
				ops.LogBoundary("", c.Component, err)
			}
			c.process(ctx, msgs)
		}

		var msgs, err = c.Fabric.Reserve(ctx, c.Queue, c.Group, c.Name, c.Batch, c.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ops.LogBoundary("", c.Component, err)
			_ = ops.Sleep(ctx, ops.Backoff(1))
			continue
		}
		c.process(ctx, msgs)
	}
}

func (c *Consumer) process(ctx context.Context, msgs []Message) {
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}

		var rec, err = msg.Decode(c.Queue)
		if err != nil {
			c.deadLetter(ctx, msg, err.Error())
			continue
		}

		err = c.Handler(ctx, rec, msg)
		var taskID string
		if scoped, ok := rec.(wire.TaskScoped); ok {
			taskID = scoped.TaskRef()
		}

		switch kind := ops.Classify(err); kind {
		case ops.KindNone:
			c.ack(ctx, msg)
		case ops.KindValidation:
			ops.LogBoundary(taskID, c.Component, err)
			c.deadLetter(ctx, msg, err.Error())
		case ops.KindTerminal, ops.KindExternal:
			// Business-terminal for this record: drop it.
			ops.LogBoundary(taskID, c.Component, err)
			c.ack(ctx, msg)
		default:
			// Transient or exhaustion: leave un-acked; the visibility
			// timeout redelivers it here or to a sibling.
			ops.LogBoundary(taskID, c.Component, err)
			_ = ops.Sleep(ctx, ops.Backoff(2))
		}
	}
}

func (c *Consumer) ack(ctx context.Context, msg Message) {
	if err := c.Fabric.Ack(ctx, c.Queue, c.Group, msg.ID); err != nil {
		log.WithFields(log.Fields{"queue": c.Queue, "id": msg.ID, "err": err}).
			Warn("failed to ack (will redeliver)")
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg Message, reason string) {
	var dl = wire.DeadLetter{Queue: c.Queue, Reason: reason, Frame: msg.Frame}
	if _, err := c.Fabric.Push(ctx, wire.QueueDeadLetter, &dl); err != nil {
		log.WithFields(log.Fields{"queue": c.Queue, "id": msg.ID, "err": err}).
			Error("failed to dead-letter record")
		return
	}
	ops.DeadLetters.WithLabelValues(c.Queue, "decode_or_validation").Inc()
	c.ack(ctx, msg)
}
