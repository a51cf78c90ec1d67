package wire

import (
	"fmt"
	"time"
)

// TaskKind discriminates full-tree tasks from delta (diff-scoped) tasks.
type TaskKind int32

const (
	TaskKindInvalid TaskKind = 0
	TaskKindFull    TaskKind = 1
	TaskKindDelta   TaskKind = 2
)

func (k TaskKind) String() string {
	switch k {
	case TaskKindFull:
		return "full"
	case TaskKindDelta:
		return "delta"
	default:
		return fmt.Sprintf("TaskKind(%d)", k)
	}
}

// SourceType discriminates the roles of a task's sources.
type SourceType int32

const (
	SourceTypeInvalid     SourceType = 0
	SourceTypeRepo        SourceType = 1
	SourceTypeFuzzTooling SourceType = 2
	SourceTypeDiff        SourceType = 3
)

func (s SourceType) String() string {
	switch s {
	case SourceTypeRepo:
		return "repo"
	case SourceTypeFuzzTooling:
		return "fuzz-tooling"
	case SourceTypeDiff:
		return "diff"
	default:
		return fmt.Sprintf("SourceType(%d)", s)
	}
}

// TaskState is the scheduler's per-task state. Transitions follow the
// lifecycle DAG only; a terminal state never changes.
type TaskState int32

const (
	TaskStatePending TaskState = iota
	TaskStateDownloading
	TaskStateReady
	TaskStateFuzzing
	TaskStateVulnerabilities
	TaskStatePatchWait
	TaskStatePatchBuild
	TaskStatePatchValidate
	TaskStateSubmitting
	TaskStateSucceeded
	TaskStateFailed
	TaskStateErrored
	TaskStateCancelled
)

var taskStateNames = map[TaskState]string{
	TaskStatePending:         "pending",
	TaskStateDownloading:     "downloading",
	TaskStateReady:           "ready",
	TaskStateFuzzing:         "fuzzing",
	TaskStateVulnerabilities: "vulnerabilities",
	TaskStatePatchWait:       "patch-wait",
	TaskStatePatchBuild:      "patch-build",
	TaskStatePatchValidate:   "patch-validate",
	TaskStateSubmitting:      "submitting",
	TaskStateSucceeded:       "succeeded",
	TaskStateFailed:          "failed",
	TaskStateErrored:         "errored",
	TaskStateCancelled:       "cancelled",
}

func (s TaskState) String() string {
	if n, ok := taskStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("TaskState(%d)", s)
}

// Terminal is true of the four sink states of the lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateErrored, TaskStateCancelled:
		return true
	}
	return false
}

// SourceDetail is one source of a task: the repository, the fuzz tooling,
// or (for delta tasks) the diff under analysis.
type SourceDetail struct {
	SHA256    string     // Field 1.
	Type      SourceType // Field 2.
	URL       string     // Field 3.
	LocalPath string     // Field 4. Populated by the downloader.
}

func (m *SourceDetail) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.SHA256)
	w.varint(2, uint64(m.Type))
	w.string_(3, m.URL)
	w.string_(4, m.LocalPath)
	return w.b, nil
}

func (m *SourceDetail) Unmarshal(b []byte) error {
	*m = SourceDetail{}
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
			m.SHA256, err = it.string_()
		case 2:
			var v uint64
			v, err = it.varint()
			m.Type = SourceType(v)
		case 3:
			m.URL, err = it.string_()
		case 4:
			m.LocalPath, err = it.string_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *SourceDetail) Validate() error {
	if m.SHA256 == "" {
		return fmt.Errorf("missing sha256")
	} else if len(m.SHA256) != 64 {
		return fmt.Errorf("sha256 %q is not 64 hex characters", m.SHA256)
	} else if m.Type < SourceTypeRepo || m.Type > SourceTypeDiff {
		return fmt.Errorf("invalid source type %d", m.Type)
	} else if m.URL == "" {
		return fmt.Errorf("missing url")
	}
	return nil
}

// Task is a single time-bounded challenge. Immutable after creation except
// for Cancelled (which may only become true), Deadline (which may only be
// reduced externally), and State (owned by the scheduler).
type Task struct {
	TaskID      string            // Field 1.
	Kind        TaskKind          // Field 2.
	ProjectName string            // Field 3.
	Focus       string            // Field 4.
	DeadlineMS  int64             // Field 5. Epoch milliseconds.
	Sources     []SourceDetail    // Field 6.
	Metadata    map[string]string // Field 7.
	Cancelled   bool              // Field 8.
	MessageMS   int64             // Field 9. Creation epoch milliseconds.
	State       TaskState         // Field 10.
}

func (m *Task) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.varint(2, uint64(m.Kind))
	w.string_(3, m.ProjectName)
	w.string_(4, m.Focus)
	w.int64(5, m.DeadlineMS)
	for i := range m.Sources {
		if err := w.message(6, &m.Sources[i]); err != nil {
			return nil, err
		}
	}
	w.stringMap(7, m.Metadata)
	w.bool_(8, m.Cancelled)
	w.int64(9, m.MessageMS)
	w.varint(10, uint64(m.State))
	return w.b, nil
}

func (m *Task) Unmarshal(b []byte) error {
	*m = Task{}
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
			m.Kind = TaskKind(v)
		case 3:
			m.ProjectName, err = it.string_()
		case 4:
			m.Focus, err = it.string_()
		case 5:
			m.DeadlineMS, err = it.int64()
		case 6:
			var raw []byte
			if raw, err = it.bytes(); err == nil {
				var s SourceDetail
				if err = s.Unmarshal(raw); err == nil {
					m.Sources = append(m.Sources, s)
				}
			}
		case 7:
			if m.Metadata == nil {
				m.Metadata = make(map[string]string)
			}
			err = it.stringMapEntry(m.Metadata)
		case 8:
			m.Cancelled, err = it.bool_()
		case 9:
			m.MessageMS, err = it.int64()
		case 10:
			var v uint64
			v, err = it.varint()
			m.State = TaskState(v)
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *Task) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.Kind != TaskKindFull && m.Kind != TaskKindDelta {
		return fmt.Errorf("invalid task kind %d", m.Kind)
	} else if m.ProjectName == "" {
		return fmt.Errorf("missing project_name")
	} else if m.DeadlineMS <= m.MessageMS {
		return fmt.Errorf("deadline %d is not after message time %d", m.DeadlineMS, m.MessageMS)
	}

	var repos, tooling, diffs int
	for i := range m.Sources {
		if err := m.Sources[i].Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		switch m.Sources[i].Type {
		case SourceTypeRepo:
			repos++
		case SourceTypeFuzzTooling:
			tooling++
		case SourceTypeDiff:
			diffs++
		}
	}
	if repos != 1 {
		return fmt.Errorf("task requires exactly one repo source, has %d", repos)
	} else if tooling != 1 {
		return fmt.Errorf("task requires exactly one fuzz-tooling source, has %d", tooling)
	} else if diffs > 1 {
		return fmt.Errorf("task allows at most one diff source, has %d", diffs)
	} else if m.Kind == TaskKindDelta && diffs == 0 {
		return fmt.Errorf("delta task requires a diff source")
	}
	return nil
}

// Deadline returns the task deadline as a time.Time.
func (m *Task) Deadline() time.Time { return time.UnixMilli(m.DeadlineMS) }

// TaskDownload requests that a task's sources be fetched.
type TaskDownload struct {
	Task Task // Field 1.
}

func (m *TaskDownload) Marshal() ([]byte, error) {
	var w buffer
	if err := w.message(1, &m.Task); err != nil {
		return nil, err
	}
	return w.b, nil
}

func (m *TaskDownload) Unmarshal(b []byte) error {
	*m = TaskDownload{}
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
				err = m.Task.Unmarshal(raw)
			}
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *TaskDownload) Validate() error { return m.Task.Validate() }

// TaskReady announces that a task's sources are unpacked on scratch.
type TaskReady struct {
	TaskID string // Field 1.
}

func (m *TaskReady) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	return w.b, nil
}

func (m *TaskReady) Unmarshal(b []byte) error {
	*m = TaskReady{}
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
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *TaskReady) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	}
	return nil
}

// TaskDelete broadcasts cancellation and teardown of a task (or, with All,
// of every live task). Every worker fleet observes it through its own
// consumer group.
type TaskDelete struct {
	TaskID string // Field 1.
	All    bool   // Field 2.
}

func (m *TaskDelete) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.bool_(2, m.All)
	return w.b, nil
}

func (m *TaskDelete) Unmarshal(b []byte) error {
	*m = TaskDelete{}
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
			m.All, err = it.bool_()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *TaskDelete) Validate() error {
	if m.TaskID == "" && !m.All {
		return fmt.Errorf("missing task_id")
	}
	return nil
}

// GCAck records that one worker fleet finished tearing down a task. The
// scheduler counts acks before declaring the task cancelled.
type GCAck struct {
	TaskID  string // Field 1.
	Fleet   string // Field 2.
	AckedMS int64  // Field 3. Epoch milliseconds.
}

func (m *GCAck) Marshal() ([]byte, error) {
	var w buffer
	w.string_(1, m.TaskID)
	w.string_(2, m.Fleet)
	w.int64(3, m.AckedMS)
	return w.b, nil
}

func (m *GCAck) Unmarshal(b []byte) error {
	*m = GCAck{}
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
			m.Fleet, err = it.string_()
		case 3:
			m.AckedMS, err = it.int64()
		default:
			err = it.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (m *GCAck) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("missing task_id")
	} else if m.Fleet == "" {
		return fmt.Errorf("missing fleet")
	}
	return nil
}
