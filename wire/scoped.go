package wire

// TaskScoped is implemented by records owned by a single task. Queue purges
// filter retained messages through it during task GC.
type TaskScoped interface {
	TaskRef() string
}

func (m *TaskDownload) TaskRef() string           { return m.Task.TaskID }
func (m *TaskReady) TaskRef() string              { return m.TaskID }
func (m *BuildRequest) TaskRef() string           { return m.TaskID }
func (m *BuildOutput) TaskRef() string            { return m.TaskID }
func (m *WeightedHarness) TaskRef() string        { return m.TaskID }
func (m *AnalysisRequest) TaskRef() string        { return m.TaskID }
func (m *Crash) TaskRef() string                  { return m.TaskID }
func (m *TracedCrash) TaskRef() string            { return m.Crash.TaskID }
func (m *ConfirmedVulnerability) TaskRef() string { return m.TaskID }
func (m *PatchRequest) TaskRef() string           { return m.TaskID }
func (m *Patch) TaskRef() string                  { return m.TaskID }
func (m *POVReproduceRequest) TaskRef() string    { return m.TaskID }
func (m *POVReproduceResponse) TaskRef() string   { return m.TaskID }

// TaskDelete is deliberately not TaskScoped: delete broadcasts must survive
// the purge they trigger.
