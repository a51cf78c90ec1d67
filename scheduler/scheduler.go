package scheduler

import (
	"context"
	"hash/fnv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTick is the sweep interval.
	DefaultTick = 5 * time.Second
	// DefaultRequiredAcks is how many fleet teardown acks complete a
	// cancellation: builder, fuzzer, tracer, patcher, and the core's gc.
	DefaultRequiredAcks = 5
)

// Scheduler drives each task through its lifecycle. All state lives in the
// registry, so any number of replicas may sweep concurrently; transitions
// are CAS-applied and monotone, and shard ownership only avoids wasted work.
type Scheduler struct {
	Registry *registry.Client
	Fabric   *queue.Fabric
	Scratch  string

	Tick         time.Duration
	RequiredAcks int

	// Shard/Shards split tasks across replicas. Shards == 0 means "own
	// everything".
	Shard, Shards int
}

func New(reg *registry.Client, fabric *queue.Fabric, scratch string) *Scheduler {
	return &Scheduler{
		Registry:     reg,
		Fabric:       fabric,
		Scratch:      scratch,
		Tick:         DefaultTick,
		RequiredAcks: DefaultRequiredAcks,
	}
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var ticker = time.NewTicker(s.Tick)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("scheduler sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep decides and applies one transition per live task, and refreshes the
// task-state gauge.
func (s *Scheduler) Sweep(ctx context.Context) error {
	var tasks, err = s.Registry.ScanTasks(ctx)
	if err != nil {
		return err
	}

	var byState = make(map[wire.TaskState]int)
	for i := range tasks {
		var task = &tasks[i]
		byState[task.State]++

		if task.State.Terminal() || !s.owns(task.TaskID) {
			continue
		}
		if err := s.step(ctx, task); err != nil {
			ops.LogBoundary(task.TaskID, "scheduler", err)
		}
	}

	ops.TaskStates.Reset()
	for state, n := range byState {
		ops.TaskStates.WithLabelValues(state.String()).Set(float64(n))
	}
	return nil
}

func (s *Scheduler) owns(taskID string) bool {
	if s.Shards <= 1 {
		return true
	}
	var h = fnv.New32a()
	h.Write([]byte(taskID))
	return int(h.Sum32())%s.Shards == s.Shard
}

func (s *Scheduler) step(ctx context.Context, task *wire.Task) error {
	var facts, err = s.gather(ctx, task)
	if err != nil {
		return err
	}

	var step = Decide(task, facts)
	if step.Kind == Stay {
		return nil
	}
	var _, applyErr = s.apply(ctx, task.TaskID, step)
	return applyErr
}

func (s *Scheduler) gather(ctx context.Context, task *wire.Task) (Facts, error) {
	var f = Facts{Now: time.Now()}

	var builds, err = s.Registry.ScanBuilds(ctx, task.TaskID, wire.BuildTypeFuzzer)
	if err != nil {
		return f, err
	}
	for i := range builds {
		switch builds[i].Outcome {
		case wire.BuildOK:
			f.FuzzerBuildsOK++
		case wire.BuildErrored:
			f.FuzzerBuildsErrored++
		}
	}
	f.SanitizersRequested = len(taskSanitizers(task))

	vulns, err := s.Registry.ScanVulnerabilitiesByTask(ctx, task.TaskID)
	if err != nil {
		return f, err
	}
	f.Vulnerabilities = len(vulns)

	if f.Ledgers, err = s.Registry.ScanSubmissionsByTask(ctx, task.TaskID); err != nil {
		return f, err
	}

	if task.Cancelled {
		if f.GCAcks, err = s.Registry.CountGCAcks(ctx, task.TaskID); err != nil {
			return f, err
		}
		f.RequiredAcks = s.RequiredAcks
	}
	return f, nil
}

// apply CAS-commits a decided transition, reporting whether it took effect.
// The monotonicity check repeats against the freshly-read state: a
// concurrent replica may have advanced the task since the facts were
// gathered.
func (s *Scheduler) apply(ctx context.Context, taskID string, step Step) (bool, error) {
	var from wire.TaskState
	var applied bool
	var _, err = s.Registry.UpdateTask(ctx, taskID,
		func(task *wire.Task, exists bool) error {
			if !exists {
				return registry.ErrUnchanged
			}
			if !Monotonic(task.State, step.Next) {
				return registry.ErrUnchanged
			}
			from, applied = task.State, true
			task.State = step.Next
			return nil
		})
	if err != nil || !applied {
		return false, err
	}

	log.WithFields(log.Fields{
		"task": taskID, "from": from.String(), "to": step.Next.String(),
		"reason": step.Reason,
	}).Info("task transition")

	// Entering a terminal state triggers teardown of the task's remnants.
	// Cancellation already broadcast its own TaskDelete.
	if step.Next.Terminal() && step.Next != wire.TaskStateCancelled {
		if _, err = s.Fabric.Push(ctx, wire.QueueTaskDelete, &wire.TaskDelete{TaskID: taskID}); err != nil {
			return true, err
		}
	}
	return true, nil
}

// taskSanitizers reads the sanitizer list a task declares in its metadata.
func taskSanitizers(task *wire.Task) []string {
	var out []string
	for _, s := range strings.Split(task.Metadata["sanitizers"], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []string{"address"}
	}
	return out
}

func taskEngine(task *wire.Task) string {
	if e := task.Metadata["engine"]; e != "" {
		return e
	}
	return "libfuzzer"
}
