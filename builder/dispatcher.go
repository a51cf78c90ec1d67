// Package builder consumes build requests and drives the external build
// tool, enforcing at-most-one concurrent build per identity
// (task, build_type, sanitizer, internal_patch_id?) through a CAS-inserted
// placeholder in the builds catalogue. Duplicate requests join on the
// placeholder and receive the same eventual output.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// DefaultJoinTimeout bounds how long a duplicate request waits on another
// dispatcher's in-flight build before taking the identity over. Takeover
// is how builds orphaned by a dispatcher crash eventually complete.
const DefaultJoinTimeout = 15 * time.Minute

// Dispatcher consumes build_request_queue.
type Dispatcher struct {
	Registry *registry.Client
	Fabric   *queue.Fabric
	Scratch  string

	// Tool is the external build tool binary.
	Tool string
	// LLMProxy, when set, is exported to the tool as KESTREL_LLM_PROXY.
	LLMProxy string
	// JoinTimeout defaults to DefaultJoinTimeout.
	JoinTimeout time.Duration
}

// Handle processes one BuildRequest.
func (d *Dispatcher) Handle(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var req = rec.(*wire.BuildRequest)
	var parts = registry.BuildParts(req.TaskID, req.Type, req.Sanitizer, req.InternalPatchID)

	var placeholder = wire.BuildOutput{
		TaskID:          req.TaskID,
		Type:            req.Type,
		Sanitizer:       req.Sanitizer,
		InternalPatchID: req.InternalPatchID,
		Engine:          req.Engine,
		Outcome:         wire.BuildPending,
	}

	var rev, err = d.Registry.Insert(ctx, &placeholder, registry.CatBuilds, parts...)
	if errors.Is(err, registry.ErrConflict) {
		return d.join(ctx, req, parts)
	} else if err != nil {
		return err
	}

	return d.build(ctx, req, parts, rev)
}

// join waits on an identity owned by another dispatcher. If the build
// resolves, its output is re-announced; if it stays pending past the join
// timeout the identity is taken over at its current revision.
func (d *Dispatcher) join(ctx context.Context, req *wire.BuildRequest, parts []string) error {
	var timeout = d.JoinTimeout
	if timeout == 0 {
		timeout = DefaultJoinTimeout
	}
	var wctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	var out wire.BuildOutput
	var err = d.Registry.WaitFor(wctx, &out, func(exists bool) bool {
		return !exists || out.Outcome != wire.BuildPending
	}, registry.CatBuilds, parts...)

	if err == nil && out.Outcome != wire.BuildPending {
		return d.announce(ctx, &out)
	}
	if wctx.Err() == nil || ctx.Err() != nil {
		return err
	}

	// Join timed out: the owning dispatcher likely crashed mid-build.
	// Take the identity over by CAS on the stale placeholder.
	out = wire.BuildOutput{}
	rev, err := d.Registry.Get(ctx, &out, registry.CatBuilds, parts...)
	if errors.Is(err, registry.ErrNotFound) {
		return ops.Transient(fmt.Errorf("build %v vanished while joining", parts))
	} else if err != nil {
		return err
	} else if out.Outcome != wire.BuildPending {
		return d.announce(ctx, &out)
	}

	log.WithFields(log.Fields{"task": req.TaskID, "build": strings.Join(parts, "/")}).
		Warn("taking over stale in-flight build")
	return d.build(ctx, req, parts, rev)
}

// build runs the external tool and resolves the identity at |rev|.
func (d *Dispatcher) build(ctx context.Context, req *wire.BuildRequest, parts []string, rev int64) error {
	ops.BuildsStarted.WithLabelValues(req.Type.String(), req.Sanitizer).Inc()

	var out, err = d.runTool(ctx, req)
	if err != nil {
		// The tool could not be run at all (as opposed to failing): leave
		// the placeholder for takeover and retry delivery.
		return ops.Transient(err)
	}

	if err = d.Registry.PutRev(ctx, out, rev, registry.CatBuilds, parts...); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			// The identity was taken over under us; the winner announces.
			return nil
		}
		return err
	}
	return d.announce(ctx, out)
}

func (d *Dispatcher) announce(ctx context.Context, out *wire.BuildOutput) error {
	var _, err = d.Fabric.Push(ctx, wire.QueueBuildOutput, out)
	return err
}

// runTool invokes the build tool. A non-zero exit is an errored outcome
// (recorded, for the scheduler to judge), not an error.
func (d *Dispatcher) runTool(ctx context.Context, req *wire.BuildRequest) (*wire.BuildOutput, error) {
	var outDir = buildDir(d.Scratch, req)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	var out = &wire.BuildOutput{
		TaskID:          req.TaskID,
		Type:            req.Type,
		Sanitizer:       req.Sanitizer,
		InternalPatchID: req.InternalPatchID,
		Engine:          req.Engine,
		TaskDir:         outDir,
		ApplyDiff:       req.Type != wire.BuildTypeTracerNoDiff,
	}

	var args = []string{
		"--task", req.TaskID,
		"--type", req.Type.String(),
		"--sanitizer", req.Sanitizer,
		"--source", filepath.Join(d.Scratch, req.TaskID, "sources"),
		"--out", outDir,
	}
	if !out.ApplyDiff {
		args = append(args, "--no-diff")
	}

	if req.Type == wire.BuildTypePatch {
		var patchFile = filepath.Join(outDir, "candidate.patch")
		if err := os.WriteFile(patchFile, []byte(req.Patch), 0o644); err != nil {
			return nil, err
		}
		args = append(args, "--patch-file", patchFile)
	}

	var env []string
	if d.LLMProxy != "" {
		env = append(env, "KESTREL_LLM_PROXY="+d.LLMProxy)
	}

	var stderr, err = runCommand(ctx, d.Tool, args, env)
	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			out.Outcome = wire.BuildErrored
			out.Error = stderr
			return out, nil
		}
		return nil, fmt.Errorf("invoking build tool: %w", err)
	}

	out.Outcome = wire.BuildOK
	if out.Harnesses, err = discoverHarnesses(outDir); err != nil {
		return nil, err
	}
	return out, nil
}

func buildDir(scratch string, req *wire.BuildRequest) string {
	var name = fmt.Sprintf("build-%s-%s", req.Type, req.Sanitizer)
	if req.InternalPatchID != "" {
		name += "-" + req.InternalPatchID
	}
	return filepath.Join(scratch, req.TaskID, name)
}

// discoverHarnesses lists executable regular files of the artifact root:
// the build tool emits one binary per fuzzing entry point.
func discoverHarnesses(dir string) ([]string, error) {
	var entries, err = os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == "candidate.patch" {
			continue
		}
		var info, err = e.Info()
		if err != nil {
			return nil, err
		}
		if info.Mode()&0o111 != 0 {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
