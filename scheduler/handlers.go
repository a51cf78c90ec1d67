package scheduler

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// HandleTaskReady processes one TaskReady announcement: the task's sources
// are unpacked on scratch, so kick off its builds. Idempotent on redelivery:
// the Ready transition is CAS-guarded and the builder deduplicates requests
// by build identity.
func (s *Scheduler) HandleTaskReady(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var ready = rec.(*wire.TaskReady)

	var task, _, err = s.Registry.GetTask(ctx, ready.TaskID)
	if errors.Is(err, registry.ErrNotFound) {
		log.WithField("task", ready.TaskID).Warn("task_ready for unknown task")
		return nil
	} else if err != nil {
		return err
	}
	if task.Cancelled || task.State.Terminal() {
		return nil
	}

	if _, err = s.apply(ctx, task.TaskID, advance(wire.TaskStateReady, "sources unpacked")); err != nil {
		return err
	}

	var engine = taskEngine(task)
	for _, sanitizer := range taskSanitizers(task) {
		var req = &wire.BuildRequest{
			TaskID:    task.TaskID,
			Type:      wire.BuildTypeFuzzer,
			Sanitizer: sanitizer,
			Engine:    engine,
		}
		if _, err = s.Fabric.Push(ctx, wire.QueueBuildRequest, req); err != nil {
			return err
		}
	}

	// One coverage build supports seed feedback loops.
	if _, err = s.Fabric.Push(ctx, wire.QueueBuildRequest, &wire.BuildRequest{
		TaskID:    task.TaskID,
		Type:      wire.BuildTypeCoverage,
		Sanitizer: "none",
		Engine:    engine,
	}); err != nil {
		return err
	}

	// Delta tasks also build the pre-diff tree, so the tracer can tell
	// whether a crash is introduced by the diff.
	if task.Kind == wire.TaskKindDelta {
		if _, err = s.Fabric.Push(ctx, wire.QueueBuildRequest, &wire.BuildRequest{
			TaskID:    task.TaskID,
			Type:      wire.BuildTypeTracerNoDiff,
			Sanitizer: taskSanitizers(task)[0],
			Engine:    engine,
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleBuildOutput reacts to completed builds under the scheduler's own
// consumer group: the first successful fuzzer build moves the task to
// Fuzzing and seeds an initial analysis request per discovered harness.
func (s *Scheduler) HandleBuildOutput(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var out = rec.(*wire.BuildOutput)
	if out.Type != wire.BuildTypeFuzzer || out.Outcome != wire.BuildOK {
		return nil
	}

	var task, _, err = s.Registry.GetTask(ctx, out.TaskID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if task.Cancelled || task.State.Terminal() {
		return nil
	}

	advanced, err := s.apply(ctx, task.TaskID, advance(wire.TaskStateFuzzing, "fuzzer build succeeded"))
	if err != nil {
		return err
	}
	if !advanced {
		// A sibling sanitizer's build already moved the task and seeded
		// its harnesses.
		return nil
	}

	for _, harness := range out.Harnesses {
		var req = &wire.AnalysisRequest{
			TaskID:    task.TaskID,
			Package:   task.ProjectName,
			Harness:   harness,
			CorpusDir: filepath.Join(s.Scratch, task.TaskID, "corpus", harness),
		}
		if _, err = s.Fabric.Push(ctx, wire.QueueSeedInit, req); err != nil {
			return err
		}
	}
	return nil
}
