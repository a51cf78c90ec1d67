package gc

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

const (
	// FleetCore is the ack identity of the core's own collector. External
	// fleets (builder, fuzzer, tracer, patcher) ack under their own names.
	FleetCore = "core"

	// DefaultReapDelay is how long after a terminal task's deadline its
	// registry remnants are kept for inspection.
	DefaultReapDelay = 15 * time.Minute

	// DefaultSweepInterval paces the reaper.
	DefaultSweepInterval = time.Minute
)

// Collector tears tasks down. It consumes task_delete_queue under its fleet's
// consumer group, scrubbing queues, catalogues, and scratch; a periodic
// reaper then removes the registry remnants of expired terminal tasks.
type Collector struct {
	Registry *registry.Client
	Fabric   *queue.Fabric
	Scratch  string

	Fleet         string
	ReapDelay     time.Duration
	SweepInterval time.Duration
}

func New(reg *registry.Client, fabric *queue.Fabric, scratch string) *Collector {
	return &Collector{
		Registry:      reg,
		Fabric:        fabric,
		Scratch:       scratch,
		Fleet:         FleetCore,
		ReapDelay:     DefaultReapDelay,
		SweepInterval: DefaultSweepInterval,
	}
}

// HandleTaskDelete processes one teardown broadcast.
func (c *Collector) HandleTaskDelete(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var del = rec.(*wire.TaskDelete)
	if del.All {
		return c.cancelAll(ctx)
	}
	return c.teardown(ctx, del.TaskID)
}

// cancelAll flags every live task cancelled and re-broadcasts a per-task
// delete, so each fleet's consumer group tears them down individually. The
// cross-task blob cache survives.
func (c *Collector) cancelAll(ctx context.Context) error {
	var tasks, err = c.Registry.ScanTasks(ctx)
	if err != nil {
		return err
	}
	for i := range tasks {
		var task = &tasks[i]
		if task.State.Terminal() {
			continue
		}
		if _, err = c.Registry.UpdateTask(ctx, task.TaskID,
			func(t *wire.Task, exists bool) error {
				if !exists || t.Cancelled {
					return registry.ErrUnchanged
				}
				t.Cancelled = true
				return nil
			}); err != nil {
			return err
		}
		if _, err = c.Fabric.Push(ctx, wire.QueueTaskDelete, &wire.TaskDelete{TaskID: task.TaskID}); err != nil {
			return err
		}
		log.WithField("task", task.TaskID).Info("cancelled by delete-all")
	}
	return nil
}

// teardown scrubs one task: queued messages, task-scoped catalogues, and the
// task's scratch directory. Idempotent; acks completion under the fleet name.
func (c *Collector) teardown(ctx context.Context, taskID string) error {
	var purged int
	for _, q := range wire.Queues() {
		// The delete broadcast itself must survive for other groups, and
		// dead letters are kept as diagnostics.
		if q == wire.QueueTaskDelete || q == wire.QueueDeadLetter {
			continue
		}
		var n, err = c.Fabric.PurgeTask(ctx, q, taskID)
		if err != nil {
			return err
		}
		purged += n
	}

	for _, cat := range []string{
		registry.CatDownloaded, registry.CatBuilds,
		registry.CatHarnessWeights, registry.CatCrashes,
		registry.CatVulnTokens,
	} {
		if _, err := c.Registry.PurgePrefix(ctx, cat, taskID); err != nil {
			return err
		}
	}

	// Scratch holds the task's sources, builds, and corpus under one
	// directory; the shared blob cache lives beside it and is kept.
	if err := os.RemoveAll(filepath.Join(c.Scratch, taskID)); err != nil {
		return err
	}

	if err := c.Registry.PutGCAck(ctx, &wire.GCAck{
		TaskID:  taskID,
		Fleet:   c.Fleet,
		AckedMS: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"task": taskID, "fleet": c.Fleet, "purgedMessages": purged,
	}).Info("task torn down")
	return nil
}

// Run reaps expired terminal tasks until the context is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	var ticker = time.NewTicker(c.SweepInterval)
	defer ticker.Stop()

	for {
		if err := c.ReapExpired(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("gc reap failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReapExpired removes the registry remnants of tasks that are terminal and
// past their deadline by ReapDelay: the task record, its teardown acks, and
// its vulnerabilities and submission ledgers.
func (c *Collector) ReapExpired(ctx context.Context) error {
	var tasks, err = c.Registry.ScanTasks(ctx)
	if err != nil {
		return err
	}
	var cutoff = time.Now().Add(-c.ReapDelay)

	for i := range tasks {
		var task = &tasks[i]
		if !task.State.Terminal() || task.Deadline().After(cutoff) {
			continue
		}
		if err = c.reapTask(ctx, task.TaskID); err != nil {
			ops.LogBoundary(task.TaskID, "gc", err)
		}
	}
	return nil
}

func (c *Collector) reapTask(ctx context.Context, taskID string) error {
	var vulns, err = c.Registry.ScanVulnerabilitiesByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for i := range vulns {
		if err = c.Registry.Delete(ctx, -1, registry.CatVulns, vulns[i].InternalPatchID); err != nil {
			return err
		}
	}

	ledgers, err := c.Registry.ScanSubmissionsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for i := range ledgers {
		if err = c.Registry.Delete(ctx, -1, registry.CatSubmissions, ledgers[i].InternalPatchID); err != nil {
			return err
		}
	}

	if _, err = c.Registry.PurgePrefix(ctx, registry.CatGCAcks, taskID); err != nil {
		return err
	}
	if err = c.Registry.Delete(ctx, -1, registry.CatTasks, taskID); err != nil {
		return err
	}

	log.WithField("task", taskID).Info("reaped expired task")
	return nil
}
