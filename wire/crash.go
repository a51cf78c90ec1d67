package wire

import "fmt"

// Crash is a raw crashing input reported by a fuzzer worker. CrashToken is
// assigned by the merge/dedup stage; uniqueness is enforced within
// (task_id, crash_token).
type Crash struct {
	CrashID     string      // Field 1. Synthetic id.
	TaskID      string      // Field 2.
	Target      BuildOutput // Field 3. Build under which the crash fired.
	HarnessName string      // Field 4.
	InputPath   string      // Field 5. Crash input blob on scratch.
	Stacktrace  string      // Field 6. Raw sanitizer report.
	CrashToken  string      // Field 7. Deterministic dedup fingerprint.
}

func (m *Crash) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.CrashID)
	w.string_(2, m.TaskID)
	if err := w.message(3, &m.Target); err != nil {
		return nil, err
	}
	w.string_(4, m.HarnessName)
	w.string_(5, m.InputPath)
	w.string_(6, m.Stacktrace)
	w.string_(7, m.CrashToken)
	return w.b, nil
}

func (m *Crash) Unmarshal(b []byte) error {
	*m = Crash{}
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
			m.CrashID, err = it.string_()
		case 2:
			m.TaskID, err = it.string_()
		case 3:
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				err = m.Target.Unmarshal(raw)
			}
		case 4:
			m.HarnessName, err = it.string_()
		case 5:
			m.InputPath, err = it.string_()
		case 6:
			m.Stacktrace, err = it.string_()
		case 7:
			m.CrashToken, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *Crash) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.HarnessName == "" {
		return fmt.Errorf("missing harness_name")
	} else if m.InputPath == "" {
		return fmt.Errorf("missing crash input path")
	} else if m.Stacktrace == "" {
		return fmt.Errorf("missing stacktrace")
	} else if err := m.Target.Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	return nil
}

// TracedCrash is a Crash enriched by the tracer build. Its presence means
// the crash reproduces under the tracer.
type TracedCrash struct {
	Crash            Crash  // Field 1.
	TracerStacktrace string // Field 2.
}

func (m *TracedCrash) Marshal() ([]byte, error) {
	var w buffer
	if err := w.message(1, &m.Crash); err != nil {
		return nil, err
	}
	w.string_(2, m.TracerStacktrace)
	return w.b, nil
}

func (m *TracedCrash) Unmarshal(b []byte) error {
	*m = TracedCrash{}
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
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				err = m.Crash.Unmarshal(raw)
			}
		case 2:
			m.TracerStacktrace, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *TracedCrash) Validate() error {
	if err := m.Crash.Validate(); err != nil {
		return err
	} else if m.TracerStacktrace == "" {
		return fmt.Errorf("missing tracer_stacktrace")
	}
	return nil
}

// ConfirmedVulnerability groups traced crashes which share a root cause
// under one internal patch id.
type ConfirmedVulnerability struct {
	InternalPatchID string        // Field 1.
	TaskID          string        // Field 2.
	Crashes         []TracedCrash // Field 3. At least one.
	Worker          string        // Field 4. Assigned patch worker, if any.
}

func (m *ConfirmedVulnerability) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.InternalPatchID)
	w.string_(2, m.TaskID)
	for i := range m.Crashes {
		if err := w.message(3, &m.Crashes[i]); err != nil {
			return nil, err
		}
	}
	w.string_(4, m.Worker)
	return w.b, nil
}

func (m *ConfirmedVulnerability) Unmarshal(b []byte) error {
	*m = ConfirmedVulnerability{}
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
			m.InternalPatchID, err = it.string_()
		case 2:
			m.TaskID, err = it.string_()
		case 3:
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				var tc TracedCrash
				if err = tc.Unmarshal(raw); err == nil {
					m.Crashes = append(m.Crashes, tc)
				}
			}
		case 4:
			m.Worker, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *ConfirmedVulnerability) Validate() error {
	if m.InternalPatchID == "" {
		return fmt.Errorf("missing internal_patch_id")
	} else if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if len(m.Crashes) == 0 {
		return fmt.Errorf("requires at least one crash")
	}
	for i := range m.Crashes {
		if err := m.Crashes[i].Validate(); err != nil {
			return fmt.Errorf("crashes[%d]: %w", i, err)
		}
	}
	return nil
}

// VulnToken claims one tracer-side group token for one vulnerability. The
// claim is CAS-inserted before the vulnerability itself, so concurrent
// promoters of the same root cause serialize on it: the first writer owns
// the internal patch id and losers subsume into it.
type VulnToken struct {
	TaskID          string // Field 1.
	Token           string // Field 2.
	InternalPatchID string // Field 3.
}

func (m *VulnToken) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.string_(2, m.Token)
	w.string_(3, m.InternalPatchID)
	return w.b, nil
}

func (m *VulnToken) Unmarshal(b []byte) error {
	*m = VulnToken{}
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
			m.Token, err = it.string_()
		case 3:
			m.InternalPatchID, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *VulnToken) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.Token == "" {
		return fmt.Errorf("missing token")
	} else if m.InternalPatchID == "" {
		return fmt.Errorf("missing internal_patch_id")
	}
	return nil
}

// PatchRequest asks a patch worker for a candidate patch of a confirmed
// vulnerability.
type PatchRequest struct {
	TaskID          string      // Field 1.
	InternalPatchID string      // Field 2.
	Crash           TracedCrash // Field 3. Representative crash.
	Attempt         int64       // Field 4. Patch submission attempt ordinal.
}

func (m *PatchRequest) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.string_(2, m.InternalPatchID)
	if err := w.message(3, &m.Crash); err != nil {
		return nil, err
	}
	w.int64(4, m.Attempt)
	return w.b, nil
}

func (m *PatchRequest) Unmarshal(b []byte) error {
	*m = PatchRequest{}
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
			m.InternalPatchID, err = it.string_()
		case 3:
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				err = m.Crash.Unmarshal(raw)
			}
		case 4:
			m.Attempt, err = it.int64()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *PatchRequest) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.InternalPatchID == "" {
		return fmt.Errorf("missing internal_patch_id")
	}
	return m.Crash.Validate()
}

// Patch is a candidate source patch returned by a patch worker. Attempt
// echoes the PatchRequest ordinal it answers, and is the candidate's
// identity under redelivery: two attempts may legitimately carry the same
// diff text.
type Patch struct {
	TaskID          string // Field 1.
	InternalPatchID string // Field 2.
	Diff            string // Field 3. Unified diff text.
	Attempt         int64  // Field 4.
}

func (m *Patch) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.string_(2, m.InternalPatchID)
	w.string_(3, m.Diff)
	w.int64(4, m.Attempt)
	return w.b, nil
}

func (m *Patch) Unmarshal(b []byte) error {
	*m = Patch{}
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
			m.InternalPatchID, err = it.string_()
		case 3:
			m.Diff, err = it.string_()
		case 4:
			m.Attempt, err = it.int64()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *Patch) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.InternalPatchID == "" {
		return fmt.Errorf("missing internal_patch_id")
	} else if m.Diff == "" {
		return fmt.Errorf("missing diff")
	}
	return nil
}

// POVReproduceRequest asks a reproducer worker to run one crash input
// against a patched build and against the matching un-patched base build.
type POVReproduceRequest struct {
	TaskID          string // Field 1.
	InternalPatchID string // Field 2.
	CrashID         string // Field 3.
	PatchIdx        int64  // Field 4. Index into the ledger's patches[].
	Sanitizer       string // Field 5.
	HarnessName     string // Field 6.
	InputPath       string // Field 7.
	PatchedDir      string // Field 8. Patched build artifact.
	BaseDir         string // Field 9. Un-patched build artifact.
}

func (m *POVReproduceRequest) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.string_(2, m.InternalPatchID)
	w.string_(3, m.CrashID)
	w.int64(4, m.PatchIdx)
	w.string_(5, m.Sanitizer)
	w.string_(6, m.HarnessName)
	w.string_(7, m.InputPath)
	w.string_(8, m.PatchedDir)
	w.string_(9, m.BaseDir)
	return w.b, nil
}

func (m *POVReproduceRequest) Unmarshal(b []byte) error {
	*m = POVReproduceRequest{}
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
			m.InternalPatchID, err = it.string_()
		case 3:
			m.CrashID, err = it.string_()
		case 4:
			m.PatchIdx, err = it.int64()
		case 5:
			m.Sanitizer, err = it.string_()
		case 6:
			m.HarnessName, err = it.string_()
		case 7:
			m.InputPath, err = it.string_()
		case 8:
			m.PatchedDir, err = it.string_()
		case 9:
			m.BaseDir, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *POVReproduceRequest) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.InternalPatchID == "" {
		return fmt.Errorf("missing internal_patch_id")
	} else if m.CrashID == "" {
		return fmt.Errorf("missing crash_id")
	} else if m.Sanitizer == "" {
		return fmt.Errorf("missing sanitizer")
	} else if m.InputPath == "" {
		return fmt.Errorf("missing input path")
	}
	return nil
}

// POVReproduceResponse reports reproduction results. A patch passes a check
// iff the input does not crash the patched build but still crashes the base
// build; a base build which no longer crashes marks a sanitizer blind spot
// and invalidates the patch.
type POVReproduceResponse struct {
	TaskID          string // Field 1.
	InternalPatchID string // Field 2.
	CrashID         string // Field 3.
	PatchIdx        int64  // Field 4.
	Sanitizer       string // Field 5.
	CrashedPatched  bool   // Field 6.
	CrashedBase     bool   // Field 7.
}

func (m *POVReproduceResponse) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.string_(2, m.InternalPatchID)
	w.string_(3, m.CrashID)
	w.int64(4, m.PatchIdx)
	w.string_(5, m.Sanitizer)
	w.bool_(6, m.CrashedPatched)
	w.bool_(7, m.CrashedBase)
	return w.b, nil
}

func (m *POVReproduceResponse) Unmarshal(b []byte) error {
	*m = POVReproduceResponse{}
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
			m.InternalPatchID, err = it.string_()
		case 3:
			m.CrashID, err = it.string_()
		case 4:
			m.PatchIdx, err = it.int64()
		case 5:
			m.Sanitizer, err = it.string_()
		case 6:
			m.CrashedPatched, err = it.bool_()
		case 7:
			m.CrashedBase, err = it.bool_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *POVReproduceResponse) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.InternalPatchID == "" {
		return fmt.Errorf("missing internal_patch_id")
	} else if m.CrashID == "" {
		return fmt.Errorf("missing crash_id")
	}
	return nil
}

// Passed is true iff this check supports the patch.
func (m *POVReproduceResponse) Passed() bool { return !m.CrashedPatched && m.CrashedBase }
