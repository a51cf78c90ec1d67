// Package weights maintains the harness-weight catalogue that biases
// fuzzing effort across the harnesses of a task. Weights begin at 1.0 when
// a fuzzer build declares its harnesses, are rescaled multiplicatively by
// analysis feedback or operators, and are clamped to [0, MaxWeight]. A zero
// weight suspends the harness until raised.
package weights

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// MaxWeight caps a harness weight. Rescales saturate rather than error.
const MaxWeight = 1000.0

// InitialWeight is assigned when a harness is first declared.
const InitialWeight = 1.0

// Allocator consumes build_output_queue (group "weights") to seed the
// catalogue, and serves rescale and sampling requests.
type Allocator struct {
	Registry *registry.Client
}

// HandleBuildOutput initializes weights for the harnesses declared by a
// successful fuzzer build. Initialization is insert-only: a rebuild of the
// same task never resets weights that analysis has since adjusted.
func (a *Allocator) HandleBuildOutput(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var out = rec.(*wire.BuildOutput)
	if out.Type != wire.BuildTypeFuzzer || out.Outcome != wire.BuildOK {
		return nil
	}

	var task, _, err = a.Registry.GetTask(ctx, out.TaskID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil // Task already torn down; its weights go with it.
	} else if err != nil {
		return err
	}

	for _, harness := range out.Harnesses {
		var wh = wire.WeightedHarness{
			TaskID:  out.TaskID,
			Package: task.ProjectName,
			Harness: harness,
			Weight:  InitialWeight,
		}
		_, err = a.Registry.Insert(ctx, &wh, registry.CatHarnessWeights,
			out.TaskID, wh.Package, harness)
		if errors.Is(err, registry.ErrConflict) {
			continue
		} else if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"task": out.TaskID, "harness": harness, "sanitizer": out.Sanitizer,
		}).Info("initialized harness weight")
	}
	return nil
}

// Set upserts a harness weight outright, as the operator CLI does.
func (a *Allocator) Set(ctx context.Context, wh wire.WeightedHarness) error {
	if wh.Weight < 0 || wh.Weight > MaxWeight {
		return fmt.Errorf("weight %v outside [0, %v]", wh.Weight, MaxWeight)
	}
	var cur wire.WeightedHarness
	return a.Registry.Update(ctx, &cur, func(bool) error {
		cur = wh
		return nil
	}, registry.CatHarnessWeights, wh.TaskID, wh.Package, wh.Harness)
}

// Scale multiplies a harness weight by |factor|, clamping into
// [0, MaxWeight]. Scaling an unknown harness is an error: weights exist
// only for declared harnesses.
func (a *Allocator) Scale(ctx context.Context, taskID, pkg, harness string, factor float64) (float64, error) {
	if factor < 0 {
		return 0, fmt.Errorf("negative scale factor %v", factor)
	}
	var wh wire.WeightedHarness
	var err = a.Registry.Update(ctx, &wh, func(exists bool) error {
		if !exists {
			return fmt.Errorf("harness %s/%s/%s is not declared", taskID, pkg, harness)
		}
		wh.Weight *= factor
		if wh.Weight > MaxWeight {
			wh.Weight = MaxWeight
		}
		return nil
	}, registry.CatHarnessWeights, taskID, pkg, harness)
	return wh.Weight, err
}

// List returns the weighted harnesses of a task.
func (a *Allocator) List(ctx context.Context, taskID string) ([]wire.WeightedHarness, error) {
	var entries, err = a.Registry.Scan(ctx, registry.CatHarnessWeights, taskID)
	if err != nil {
		return nil, err
	}
	var out = make([]wire.WeightedHarness, 0, len(entries))
	for _, e := range entries {
		var wh wire.WeightedHarness
		if err = wire.Unframe(e.Value, &wh); err != nil {
			return nil, fmt.Errorf("decode harness weight %s: %w", e.Key, err)
		}
		out = append(out, wh)
	}
	return out, nil
}

// Sample draws one harness with probability proportional to its weight.
// Suspended (zero-weight) harnesses are never drawn; if every harness is
// suspended, ok is false.
func Sample(rng *rand.Rand, harnesses []wire.WeightedHarness) (wire.WeightedHarness, bool) {
	var total float64
	for _, wh := range harnesses {
		total += wh.Weight
	}
	if total <= 0 {
		return wire.WeightedHarness{}, false
	}

	var at = rng.Float64() * total
	for _, wh := range harnesses {
		if at -= wh.Weight; at < 0 && wh.Weight > 0 {
			return wh, true
		}
	}
	// Float accumulation can land exactly on the boundary; take the last
	// schedulable harness.
	for i := len(harnesses) - 1; i >= 0; i-- {
		if harnesses[i].Weight > 0 {
			return harnesses[i], true
		}
	}
	return wire.WeightedHarness{}, false
}
