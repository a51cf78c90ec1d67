package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
)

// unframeFile decodes a framed record file into |rec|.
func unframeFile(path string, rec wire.Record) error {
	var b, err = os.ReadFile(path)
	if err != nil {
		return ops.Validation(fmt.Errorf("reading %s: %w", path, err))
	}
	if err = wire.Unframe(b, rec); err != nil {
		return ops.Validation(fmt.Errorf("decoding %s: %w", path, err))
	}
	return nil
}

type cmdAddHarness struct {
	ctlConfig
	Args struct {
		File string `positional-arg-name:"file" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdAddHarness) Execute(_ []string) error {
	var wh wire.WeightedHarness
	if err := unframeFile(cmd.Args.File, &wh); err != nil {
		return err
	}
	etcd, reg, _, err := cmd.dial()
	if err != nil {
		return err
	}
	defer etcd.Close()

	if _, err = reg.Insert(context.Background(), &wh,
		registry.CatHarnessWeights, wh.TaskID, wh.Package, wh.Harness); err != nil {
		return err
	}
	fmt.Printf("added %s/%s/%s weight=%g\n", wh.TaskID, wh.Package, wh.Harness, wh.Weight)
	return nil
}

type cmdAddBuild struct {
	ctlConfig
	Args struct {
		File string `positional-arg-name:"file" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdAddBuild) Execute(_ []string) error {
	var out wire.BuildOutput
	if err := unframeFile(cmd.Args.File, &out); err != nil {
		return err
	}
	etcd, reg, _, err := cmd.dial()
	if err != nil {
		return err
	}
	defer etcd.Close()

	var parts = registry.BuildParts(out.TaskID, out.Type, out.Sanitizer, out.InternalPatchID)
	if _, err = reg.Insert(context.Background(), &out, registry.CatBuilds, parts...); err != nil {
		return err
	}
	fmt.Printf("added build %s/%s/%s\n", out.TaskID, out.Type, out.Sanitizer)
	return nil
}

type cmdReadHarnesses struct {
	ctlConfig
	Task string `long:"task" description:"Restrict to one task"`
}

func (cmd *cmdReadHarnesses) Execute(_ []string) error {
	var etcd, reg, _, err = cmd.dial()
	if err != nil {
		return err
	}
	defer etcd.Close()

	var parts []string
	if cmd.Task != "" {
		parts = []string{cmd.Task}
	}
	entries, err := reg.Scan(context.Background(), registry.CatHarnessWeights, parts...)
	if err != nil {
		return err
	}

	headerColor.Printf("%-24s %-16s %-24s %s\n", "TASK", "PACKAGE", "HARNESS", "WEIGHT")
	for _, e := range entries {
		var wh wire.WeightedHarness
		if err = wire.Unframe(e.Value, &wh); err != nil {
			return ops.Validation(fmt.Errorf("decoding %s: %w", e.Key, err))
		}
		fmt.Printf("%-24s %-16s %-24s %g\n", wh.TaskID, wh.Package, wh.Harness, wh.Weight)
	}
	return nil
}

type cmdReadBuilds struct {
	ctlConfig
	Args struct {
		TaskID    string `positional-arg-name:"task_id" required:"true"`
		BuildType string `positional-arg-name:"build_type"`
	} `positional-args:"true"`
}

func (cmd *cmdReadBuilds) Execute(_ []string) error {
	var bt = wire.BuildTypeInvalid
	if cmd.Args.BuildType != "" {
		var err error
		if bt, err = wire.ParseBuildType(cmd.Args.BuildType); err != nil {
			return ops.Validation(err)
		}
	}
	etcd, reg, _, err := cmd.dial()
	if err != nil {
		return err
	}
	defer etcd.Close()

	builds, err := reg.ScanBuilds(context.Background(), cmd.Args.TaskID, bt)
	if err != nil {
		return err
	}
	for i := range builds {
		if err = printRecord(&builds[i]); err != nil {
			return err
		}
	}
	return nil
}
