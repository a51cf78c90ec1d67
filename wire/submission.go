package wire

import "fmt"

// SubmissionResult is the status enum of the external competition API.
type SubmissionResult int32

const (
	ResultNone             SubmissionResult = 0
	ResultAccepted         SubmissionResult = 1
	ResultPassed           SubmissionResult = 2
	ResultFailed           SubmissionResult = 3
	ResultErrored          SubmissionResult = 4
	ResultInconclusive     SubmissionResult = 5
	ResultDeadlineExceeded SubmissionResult = 6
)

var resultNames = map[SubmissionResult]string{
	ResultNone:             "none",
	ResultAccepted:         "accepted",
	ResultPassed:           "passed",
	ResultFailed:           "failed",
	ResultErrored:          "errored",
	ResultInconclusive:     "inconclusive",
	ResultDeadlineExceeded: "deadline_exceeded",
}

func (r SubmissionResult) String() string {
	if n, ok := resultNames[r]; ok {
		return n
	}
	return fmt.Sprintf("SubmissionResult(%d)", r)
}

// ParseSubmissionResult maps an API status string to its enum. Unknown
// statuses map to ResultNone with an error, so a server-side enum addition
// surfaces as a validation failure rather than silent progress.
func ParseSubmissionResult(s string) (SubmissionResult, error) {
	for r, n := range resultNames {
		if n == s {
			return r, nil
		}
	}
	return ResultNone, fmt.Errorf("unknown submission status %q", s)
}

// Terminal is true once the external API will not change the result again.
func (r SubmissionResult) Terminal() bool {
	switch r {
	case ResultPassed, ResultFailed, ResultErrored, ResultDeadlineExceeded, ResultInconclusive:
		return true
	}
	return false
}

// CrashSubmission tracks one PoV through the external API.
type CrashSubmission struct {
	Crash            Crash            // Field 1.
	CompetitionPOVID string           // Field 2. Server-minted id, or a pre-write marker.
	Result           SubmissionResult // Field 3.
	RefKey           string           // Field 4. Client reference nonce, set before first POST.
}

func (m *CrashSubmission) Marshal() ([]byte, error) {
	var w buffer
	if err := w.message(1, &m.Crash); err != nil {
		return nil, err
	}
	w.string_(2, m.CompetitionPOVID)
	w.varint(3, uint64(m.Result))
	w.string_(4, m.RefKey)
	return w.b, nil
}

func (m *CrashSubmission) Unmarshal(b []byte) error {
	*m = CrashSubmission{}
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
			m.CompetitionPOVID, err = it.string_()
		case 3:
			var v uint64
			v, err = it.varint()
			m.Result = SubmissionResult(v)
		case 4:
			m.RefKey, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *CrashSubmission) Validate() error { return m.Crash.Validate() }

// PatchSubmission tracks one candidate patch: its builds, its PoV
// reproduction checks, and its trip through the external API.
type PatchSubmission struct {
	Patch              Patch            // Field 1.
	CompetitionPatchID string           // Field 2.
	Result             SubmissionResult // Field 3.
	RefKey             string           // Field 4.
	BuildOutputs       []BuildOutput    // Field 5. One per task sanitizer.
	ChecksTotal        int64            // Field 6. PoV reproduce checks required.
	ChecksPassed       int64            // Field 7.
	ChecksFailed       int64            // Field 8.
	ChecksResolved     []string         // Field 9. CrashIDs already counted.
}

func (m *PatchSubmission) Marshal() ([]byte, error) {
	var w buffer
	if err := w.message(1, &m.Patch); err != nil {
		return nil, err
	}
	w.string_(2, m.CompetitionPatchID)
	w.varint(3, uint64(m.Result))
	w.string_(4, m.RefKey)
	for i := range m.BuildOutputs {
		if err := w.message(5, &m.BuildOutputs[i]); err != nil {
			return nil, err
		}
	}
	w.int64(6, m.ChecksTotal)
	w.int64(7, m.ChecksPassed)
	w.int64(8, m.ChecksFailed)
	for _, id := range m.ChecksResolved {
		w.string_(9, id)
	}
	return w.b, nil
}

func (m *PatchSubmission) Unmarshal(b []byte) error {
	*m = PatchSubmission{}
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
				err = m.Patch.Unmarshal(raw)
			}
		case 2:
			m.CompetitionPatchID, err = it.string_()
		case 3:
			var v uint64
			v, err = it.varint()
			m.Result = SubmissionResult(v)
		case 4:
			m.RefKey, err = it.string_()
		case 5:
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				var bo BuildOutput
				if err = bo.Unmarshal(raw); err == nil {
					m.BuildOutputs = append(m.BuildOutputs, bo)
				}
			}
		case 6:
			m.ChecksTotal, err = it.int64()
		case 7:
			m.ChecksPassed, err = it.int64()
		case 8:
			m.ChecksFailed, err = it.int64()
		case 9:
			var id string
			if id, err = it.string_(); err == nil {
				m.ChecksResolved = append(m.ChecksResolved, id)
			}
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *PatchSubmission) Validate() error { return m.Patch.Validate() }

// CheckResolved reports whether |crashID|'s reproduce check was already
// counted against this candidate.
func (m *PatchSubmission) CheckResolved(crashID string) bool {
	for _, id := range m.ChecksResolved {
		if id == crashID {
			return true
		}
	}
	return false
}

// Validated is true once every PoV reproduce check of this patch resolved.
func (m *PatchSubmission) Validated() bool {
	return m.ChecksTotal > 0 && m.ChecksPassed+m.ChecksFailed == m.ChecksTotal
}

// PovPassing is true iff every resolved check supported the patch.
func (m *PatchSubmission) PovPassing() bool {
	return m.Validated() && m.ChecksFailed == 0
}

// BundleSubmission links a passed PoV, a passed patch, and optional SARIF
// evidence. The bundle id is minted by the external API on first POST;
// sibling artifacts are attached later via PATCH.
type BundleSubmission struct {
	BundleID           string // Field 1.
	CompetitionPOVID   string // Field 2.
	CompetitionPatchID string // Field 3.
	CompetitionSARIFID string // Field 4. Optional.
}

func (m *BundleSubmission) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.BundleID)
	w.string_(2, m.CompetitionPOVID)
	w.string_(3, m.CompetitionPatchID)
	w.string_(4, m.CompetitionSARIFID)
	return w.b, nil
}

func (m *BundleSubmission) Unmarshal(b []byte) error {
	*m = BundleSubmission{}
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
			m.BundleID, err = it.string_()
		case 2:
			m.CompetitionPOVID, err = it.string_()
		case 3:
			m.CompetitionPatchID, err = it.string_()
		case 4:
			m.CompetitionSARIFID, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *BundleSubmission) Validate() error {
	if m.CompetitionPOVID == "" {
		return fmt.Errorf("missing competition_pov_id")
	} else if m.CompetitionPatchID == "" {
		return fmt.Errorf("missing competition_patch_id")
	}
	return nil
}

// SubmissionEntry is the submitter's ledger of one internal patch id: its
// PoVs, candidate patches, and bundles, with at most one in-flight external
// submission at a time. PatchIdx is monotonic; Stop forbids new submissions.
type SubmissionEntry struct {
	InternalPatchID string             // Field 1.
	TaskID          string             // Field 2.
	Crashes         []CrashSubmission  // Field 3.
	Patches         []PatchSubmission  // Field 4.
	Bundles         []BundleSubmission // Field 5.
	PatchIdx        int64              // Field 6.
	PatchAttempts   int64              // Field 7. Patch submission attempts.
	Stop            bool               // Field 8.
}

func (m *SubmissionEntry) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.InternalPatchID)
	w.string_(2, m.TaskID)
	for i := range m.Crashes {
		if err := w.message(3, &m.Crashes[i]); err != nil {
			return nil, err
		}
	}
	for i := range m.Patches {
		if err := w.message(4, &m.Patches[i]); err != nil {
			return nil, err
		}
	}
	for i := range m.Bundles {
		if err := w.message(5, &m.Bundles[i]); err != nil {
			return nil, err
		}
	}
	w.int64(6, m.PatchIdx)
	w.int64(7, m.PatchAttempts)
	w.bool_(8, m.Stop)
	return w.b, nil
}

func (m *SubmissionEntry) Unmarshal(b []byte) error {
	*m = SubmissionEntry{}
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
				var cs CrashSubmission
				if err = cs.Unmarshal(raw); err == nil {
					m.Crashes = append(m.Crashes, cs)
				}
			}
		case 4:
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				var ps PatchSubmission
				if err = ps.Unmarshal(raw); err == nil {
					m.Patches = append(m.Patches, ps)
				}
			}
		case 5:
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				var bs BundleSubmission
				if err = bs.Unmarshal(raw); err == nil {
					m.Bundles = append(m.Bundles, bs)
				}
			}
		case 6:
			m.PatchIdx, err = it.int64()
		case 7:
			m.PatchAttempts, err = it.int64()
		case 8:
			m.Stop, err = it.bool_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *SubmissionEntry) Validate() error {
	if m.InternalPatchID == "" {
		return fmt.Errorf("missing internal_patch_id")
	} else if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.PatchIdx < 0 || m.PatchIdx > int64(len(m.Patches)) {
		return fmt.Errorf("patch_idx %d out of range [0, %d]", m.PatchIdx, len(m.Patches))
	}
	return nil
}

// PassedPOV returns the first passed PoV of the ledger, if any.
func (m *SubmissionEntry) PassedPOV() (CrashSubmission, bool) {
	for i := range m.Crashes {
		if m.Crashes[i].Result == ResultPassed {
			return m.Crashes[i], true
		}
	}
	return CrashSubmission{}, false
}

// PassedPatch returns the first passed patch of the ledger, if any.
func (m *SubmissionEntry) PassedPatch() (PatchSubmission, bool) {
	for i := range m.Patches {
		if m.Patches[i].Result == ResultPassed {
			return m.Patches[i], true
		}
	}
	return PatchSubmission{}, false
}

// PendingEntry is the fabric's record of one reserved, un-acknowledged
// message delivery.
type PendingEntry struct {
	Consumer   string // Field 1.
	DeadlineMS int64  // Field 2. Visibility deadline, epoch milliseconds.
	Deliveries int64  // Field 3.
}

func (m *PendingEntry) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.Consumer)
	w.int64(2, m.DeadlineMS)
	w.int64(3, m.Deliveries)
	return w.b, nil
}

func (m *PendingEntry) Unmarshal(b []byte) error {
	*m = PendingEntry{}
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
			m.Consumer, err = it.string_()
		case 2:
			m.DeadlineMS, err = it.int64()
		case 3:
			m.Deliveries, err = it.int64()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *PendingEntry) Validate() error {
	if m.Consumer == "" {
		return fmt.Errorf("missing consumer")
	}
	return nil
}

// DeadLetter wraps a rejected frame with its source queue and reason code.
type DeadLetter struct {
	Queue  string // Field 1.
	Reason string // Field 2.
	Frame  []byte // Field 3. The rejected frame, verbatim.
}

func (m *DeadLetter) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.Queue)
	w.string_(2, m.Reason)
	w.bytes(3, m.Frame)
	return w.b, nil
}

func (m *DeadLetter) Unmarshal(b []byte) error {
	*m = DeadLetter{}
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
			m.Queue, err = it.string_()
		case 2:
			m.Reason, err = it.string_()
		case 3:
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				m.Frame = append([]byte(nil), raw...)
			}
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *DeadLetter) Validate() error {
	if m.Queue == "" {
		return fmt.Errorf("missing queue")
	} else if m.Reason == "" {
		return fmt.Errorf("missing reason")
	}
	return nil
}
