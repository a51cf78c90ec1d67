package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/kestrelsec/kestrel/wire"
)

// Typed accessors over the catalogues. Key layouts:
//
//	tasks:<task_id>
//	downloaded:<task_id>/<sha256>
//	builds:<task_id>/<build_type>/<sanitizer>[/<internal_patch_id>]
//	harness_weights:<task_id>/<package>/<harness>
//	crashes:<task_id>/<crash_token>
//	vulnerabilities:<internal_patch_id>
//	vuln_tokens:<task_id>/<token>
//	submissions:<internal_patch_id>

// BuildParts composes the key parts of a build identity.
func BuildParts(taskID string, bt wire.BuildType, sanitizer, internalPatchID string) []string {
	var parts = []string{taskID, bt.String(), sanitizer}
	if internalPatchID != "" {
		parts = append(parts, internalPatchID)
	}
	return parts
}

// GetTask reads a task and its revision.
func (c *Client) GetTask(ctx context.Context, taskID string) (*wire.Task, int64, error) {
	var task = new(wire.Task)
	var rev, err = c.Get(ctx, task, CatTasks, taskID)
	if err != nil {
		return nil, 0, err
	}
	return task, rev, nil
}

// UpdateTask applies an atomic read-modify-write to a task.
func (c *Client) UpdateTask(ctx context.Context, taskID string, mutate func(task *wire.Task, exists bool) error) (*wire.Task, error) {
	var task = new(wire.Task)
	var err = c.Update(ctx, task, func(exists bool) error {
		return mutate(task, exists)
	}, CatTasks, taskID)
	return task, err
}

// ScanTasks lists all live tasks.
func (c *Client) ScanTasks(ctx context.Context) ([]wire.Task, error) {
	var entries, err = c.Scan(ctx, CatTasks)
	if err != nil {
		return nil, err
	}
	var out = make([]wire.Task, 0, len(entries))
	for _, e := range entries {
		var t wire.Task
		if err = wire.Unframe(e.Value, &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", e.Key, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// PutDownloaded records a fetched source of a task.
func (c *Client) PutDownloaded(ctx context.Context, taskID string, src *wire.SourceDetail) error {
	var err = c.Update(ctx, src, func(bool) error { return nil },
		CatDownloaded, taskID, src.SHA256)
	return err
}

// GetDownloaded lists the downloaded sources of a task.
func (c *Client) GetDownloaded(ctx context.Context, taskID string) ([]wire.SourceDetail, error) {
	var entries, err = c.Scan(ctx, CatDownloaded, taskID)
	if err != nil {
		return nil, err
	}
	var out = make([]wire.SourceDetail, 0, len(entries))
	for _, e := range entries {
		var s wire.SourceDetail
		if err = wire.Unframe(e.Value, &s); err != nil {
			return nil, fmt.Errorf("decode source %s: %w", e.Key, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// GetBuild reads a build output by identity.
func (c *Client) GetBuild(ctx context.Context, taskID string, bt wire.BuildType, sanitizer, internalPatchID string) (*wire.BuildOutput, int64, error) {
	var out = new(wire.BuildOutput)
	var rev, err = c.Get(ctx, out, CatBuilds, BuildParts(taskID, bt, sanitizer, internalPatchID)...)
	if err != nil {
		return nil, 0, err
	}
	return out, rev, nil
}

// ScanBuilds lists build outputs of a task, optionally filtered by type.
func (c *Client) ScanBuilds(ctx context.Context, taskID string, bt wire.BuildType) ([]wire.BuildOutput, error) {
	var parts = []string{taskID}
	if bt != wire.BuildTypeInvalid {
		parts = append(parts, bt.String())
	}
	var entries, err = c.Scan(ctx, CatBuilds, parts...)
	if err != nil {
		return nil, err
	}
	var out = make([]wire.BuildOutput, 0, len(entries))
	for _, e := range entries {
		var b wire.BuildOutput
		if err = wire.Unframe(e.Value, &b); err != nil {
			return nil, fmt.Errorf("decode build %s: %w", e.Key, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// InsertCrash CAS-inserts a crash under its (task_id, crash_token) key.
// ErrConflict means the token is already recorded for this task.
func (c *Client) InsertCrash(ctx context.Context, crash *wire.Crash) error {
	var _, err = c.Insert(ctx, crash, CatCrashes, crash.TaskID, crash.CrashToken)
	return err
}

// ScanCrashes lists the deduplicated crashes of a task.
func (c *Client) ScanCrashes(ctx context.Context, taskID string) ([]wire.Crash, error) {
	var entries, err = c.Scan(ctx, CatCrashes, taskID)
	if err != nil {
		return nil, err
	}
	var out = make([]wire.Crash, 0, len(entries))
	for _, e := range entries {
		var cr wire.Crash
		if err = wire.Unframe(e.Value, &cr); err != nil {
			return nil, fmt.Errorf("decode crash %s: %w", e.Key, err)
		}
		out = append(out, cr)
	}
	return out, nil
}

// UpdateVulnerability applies an atomic read-modify-write to a confirmed
// vulnerability.
func (c *Client) UpdateVulnerability(ctx context.Context, internalPatchID string, mutate func(v *wire.ConfirmedVulnerability, exists bool) error) (*wire.ConfirmedVulnerability, error) {
	var v = new(wire.ConfirmedVulnerability)
	var err = c.Update(ctx, v, func(exists bool) error {
		return mutate(v, exists)
	}, CatVulns, internalPatchID)
	return v, err
}

// ClaimVulnToken CAS-inserts a (task, token) claim, serializing concurrent
// promoters of one root cause. It returns the owning internal patch id and
// whether this claim won the insert.
func (c *Client) ClaimVulnToken(ctx context.Context, claim *wire.VulnToken) (string, bool, error) {
	var _, err = c.Insert(ctx, claim, CatVulnTokens, claim.TaskID, claim.Token)
	if err == nil {
		return claim.InternalPatchID, true, nil
	} else if !errors.Is(err, ErrConflict) {
		return "", false, err
	}

	var existing = new(wire.VulnToken)
	if _, err = c.Get(ctx, existing, CatVulnTokens, claim.TaskID, claim.Token); err != nil {
		return "", false, err
	}
	return existing.InternalPatchID, false, nil
}

// GetSubmission reads a submission ledger entry.
func (c *Client) GetSubmission(ctx context.Context, internalPatchID string) (*wire.SubmissionEntry, int64, error) {
	var entry = new(wire.SubmissionEntry)
	var rev, err = c.Get(ctx, entry, CatSubmissions, internalPatchID)
	if err != nil {
		return nil, 0, err
	}
	return entry, rev, nil
}

// UpdateSubmission applies an atomic read-modify-write to a submission
// ledger entry.
func (c *Client) UpdateSubmission(ctx context.Context, internalPatchID string, mutate func(e *wire.SubmissionEntry, exists bool) error) (*wire.SubmissionEntry, error) {
	var entry = new(wire.SubmissionEntry)
	var err = c.Update(ctx, entry, func(exists bool) error {
		return mutate(entry, exists)
	}, CatSubmissions, internalPatchID)
	return entry, err
}

// ScanSubmissionsByTask lists the ledger entries of one task.
func (c *Client) ScanSubmissionsByTask(ctx context.Context, taskID string) ([]wire.SubmissionEntry, error) {
	var entries, err = c.Scan(ctx, CatSubmissions)
	if err != nil {
		return nil, err
	}
	var out []wire.SubmissionEntry
	for _, e := range entries {
		var s wire.SubmissionEntry
		if err = wire.Unframe(e.Value, &s); err != nil {
			return nil, fmt.Errorf("decode submission %s: %w", e.Key, err)
		}
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ScanVulnerabilitiesByTask lists the confirmed vulnerabilities of one task.
func (c *Client) ScanVulnerabilitiesByTask(ctx context.Context, taskID string) ([]wire.ConfirmedVulnerability, error) {
	var entries, err = c.Scan(ctx, CatVulns)
	if err != nil {
		return nil, err
	}
	var out []wire.ConfirmedVulnerability
	for _, e := range entries {
		var v wire.ConfirmedVulnerability
		if err = wire.Unframe(e.Value, &v); err != nil {
			return nil, fmt.Errorf("decode vulnerability %s: %w", e.Key, err)
		}
		if v.TaskID == taskID {
			out = append(out, v)
		}
	}
	return out, nil
}

// PutGCAck records that |fleet| finished tearing down |taskID|. Idempotent.
func (c *Client) PutGCAck(ctx context.Context, ack *wire.GCAck) error {
	return c.Update(ctx, ack, func(bool) error { return nil },
		CatGCAcks, ack.TaskID, ack.Fleet)
}

// CountGCAcks reports how many fleets have acknowledged teardown of a task.
func (c *Client) CountGCAcks(ctx context.Context, taskID string) (int, error) {
	var entries, err = c.Scan(ctx, CatGCAcks, taskID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
