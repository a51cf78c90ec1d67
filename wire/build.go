package wire

import "fmt"

// BuildType discriminates the flavors of build the dispatcher runs.
type BuildType int32

const (
	BuildTypeInvalid  BuildType = 0
	BuildTypeFuzzer   BuildType = 1
	BuildTypeCoverage BuildType = 2
	// BuildTypePatch applies a candidate patch before building.
	BuildTypePatch BuildType = 3
	// BuildTypeTracerNoDiff builds the pre-diff tree of a delta task for
	// differential analysis.
	BuildTypeTracerNoDiff BuildType = 4
)

var buildTypeNames = map[BuildType]string{
	BuildTypeFuzzer:       "fuzzer",
	BuildTypeCoverage:     "coverage",
	BuildTypePatch:        "patch",
	BuildTypeTracerNoDiff: "tracer_no_diff",
}

func (t BuildType) String() string {
	if n, ok := buildTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("BuildType(%d)", t)
}

// ParseBuildType maps a build-type name to its enum, as used by the CLI.
func ParseBuildType(s string) (BuildType, error) {
	for t, n := range buildTypeNames {
		if n == s {
			return t, nil
		}
	}
	return BuildTypeInvalid, fmt.Errorf("unknown build type %q", s)
}

// BuildOutcome is the result of one build identity.
type BuildOutcome int32

const (
	// BuildPending marks the dispatcher's placeholder: the build is running
	// (or queued) and duplicate requests join on it.
	BuildPending BuildOutcome = 0
	BuildOK      BuildOutcome = 1
	BuildErrored BuildOutcome = 2
)

func (o BuildOutcome) String() string {
	switch o {
	case BuildPending:
		return "pending"
	case BuildOK:
		return "ok"
	case BuildErrored:
		return "errored"
	default:
		return fmt.Sprintf("BuildOutcome(%d)", o)
	}
}

// BuildRequest asks the dispatcher for a build of the identity
// (task, build_type, sanitizer, internal_patch_id?).
type BuildRequest struct {
	TaskID          string    // Field 1.
	Type            BuildType // Field 2.
	Sanitizer       string    // Field 3.
	InternalPatchID string    // Field 4. Set for patch builds only.
	Patch           string    // Field 5. Candidate patch text for patch builds.
	Engine          string    // Field 6. Fuzzing engine, e.g. "libfuzzer".
}

func (m *BuildRequest) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.varint(2, uint64(m.Type))
	w.string_(3, m.Sanitizer)
	w.string_(4, m.InternalPatchID)
	w.string_(5, m.Patch)
	w.string_(6, m.Engine)
	return w.b, nil
}

func (m *BuildRequest) Unmarshal(b []byte) error {
	*m = BuildRequest{}
	var it = iter{b: b}
	for {
		field, ok, err := it.next()
		if err != nil {
			return err
		} else if !ok {
			return nil
		}
		switch field {
		case 1:
			m.TaskID, err = it.string_()
		case 2:
			var v uint64
			v, err = it.varint()
			m.Type = BuildType(v)
		case 3:
			m.Sanitizer, err = it.string_()
		case 4:
			m.InternalPatchID, err = it.string_()
		case 5:
			m.Patch, err = it.string_()
		case 6:
			m.Engine, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *BuildRequest) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if _, ok := buildTypeNames[m.Type]; !ok {
		return fmt.Errorf("invalid build type %d", m.Type)
	} else if m.Sanitizer == "" {
		return fmt.Errorf("missing sanitizer")
	} else if m.Type == BuildTypePatch && m.InternalPatchID == "" {
		return fmt.Errorf("patch build requires internal_patch_id")
	} else if m.Type != BuildTypePatch && m.Patch != "" {
		return fmt.Errorf("%s build cannot carry a patch", m.Type)
	}
	return nil
}

// BuildOutput is the recorded artifact of a build identity. For a given
// identity the artifact is content-addressed under TaskDir; rebuilds
// replace it atomically.
type BuildOutput struct {
	TaskID          string       // Field 1.
	Type            BuildType    // Field 2.
	Sanitizer       string       // Field 3.
	InternalPatchID string       // Field 4.
	Engine          string       // Field 5.
	TaskDir         string       // Field 6. Artifact directory on scratch.
	ApplyDiff       bool         // Field 7. Whether the task diff was applied.
	Outcome         BuildOutcome // Field 8.
	Error           string       // Field 9. Build-tool stderr tail on error.
	Harnesses       []string     // Field 10. Harness binaries discovered in the artifact.
}

func (m *BuildOutput) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.varint(2, uint64(m.Type))
	w.string_(3, m.Sanitizer)
	w.string_(4, m.InternalPatchID)
	w.string_(5, m.Engine)
	w.string_(6, m.TaskDir)
	w.bool_(7, m.ApplyDiff)
	w.varint(8, uint64(m.Outcome))
	w.string_(9, m.Error)
	for _, h := range m.Harnesses {
		w.string_(10, h)
	}
	return w.b, nil
}

func (m *BuildOutput) Unmarshal(b []byte) error {
	*m = BuildOutput{}
	var it = iter{b: b}
	for {
		field, ok, err := it.next()
		if err != nil {
			return err
		} else if !ok {
			return nil
		}
		switch field {
		case 1:
			m.TaskID, err = it.string_()
		case 2:
			var v uint64
			v, err = it.varint()
			m.Type = BuildType(v)
		case 3:
			m.Sanitizer, err = it.string_()
		case 4:
			m.InternalPatchID, err = it.string_()
		case 5:
			m.Engine, err = it.string_()
		case 6:
			m.TaskDir, err = it.string_()
		case 7:
			m.ApplyDiff, err = it.bool_()
		case 8:
			var v uint64
			v, err = it.varint()
			m.Outcome = BuildOutcome(v)
		case 9:
			m.Error, err = it.string_()
		case 10:
			var h string
			if h, err = it.string_(); err == nil {
				m.Harnesses = append(m.Harnesses, h)
			}
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *BuildOutput) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if _, ok := buildTypeNames[m.Type]; !ok {
		return fmt.Errorf("invalid build type %d", m.Type)
	} else if m.Sanitizer == "" {
		return fmt.Errorf("missing sanitizer")
	} else if m.Outcome == BuildOK && m.TaskDir == "" {
		return fmt.Errorf("ok build requires task_dir")
	}
	return nil
}

// WeightedHarness is the fuzzing effort bias of one harness of a task.
// Zero weight suspends scheduling of the harness until raised.
type WeightedHarness struct {
	TaskID  string  // Field 1.
	Package string  // Field 2.
	Harness string  // Field 3.
	Weight  float64 // Field 4.
}

func (m *WeightedHarness) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.string_(2, m.Package)
	w.string_(3, m.Harness)
	w.double(4, m.Weight)
	return w.b, nil
}

func (m *WeightedHarness) Unmarshal(b []byte) error {
	*m = WeightedHarness{}
	var it = iter{b: b}
	for {
		field, ok, err := it.next()
		if err != nil {
			return err
		} else if !ok {
			return nil
		}
		switch field {
		case 1:
			m.TaskID, err = it.string_()
		case 2:
			m.Package, err = it.string_()
		case 3:
			m.Harness, err = it.string_()
		case 4:
			m.Weight, err = it.double()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *WeightedHarness) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.Harness == "" {
		return fmt.Errorf("missing harness")
	} else if m.Weight < 0 {
		return fmt.Errorf("negative weight %v", m.Weight)
	}
	return nil
}

// AnalysisRequest asks an external LLM fleet for seed or vulnerability
// analysis of a harness. Carried by seed_init_queue, seed_explore_queue,
// and vuln_discovery_queue.
type AnalysisRequest struct {
	TaskID    string // Field 1.
	Package   string // Field 2.
	Harness   string // Field 3.
	CorpusDir string // Field 4.
	Hint      string // Field 5. Optional focus hint (diff hunk, SARIF note).
}

func (m *AnalysisRequest) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.string_(2, m.Package)
	w.string_(3, m.Harness)
	w.string_(4, m.CorpusDir)
	w.string_(5, m.Hint)
	return w.b, nil
}

func (m *AnalysisRequest) Unmarshal(b []byte) error {
	*m = AnalysisRequest{}
	var it = iter{b: b}
	for {
		field, ok, err := it.next()
		if err != nil {
			return err
		} else if !ok {
			return nil
		}
		switch field {
		case 1:
			m.TaskID, err = it.string_()
		case 2:
			m.Package, err = it.string_()
		case 3:
			m.Harness, err = it.string_()
		case 4:
			m.CorpusDir, err = it.string_()
		case 5:
			m.Hint, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *AnalysisRequest) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.Harness == "" {
		return fmt.Errorf("missing harness")
	}
	return nil
}
