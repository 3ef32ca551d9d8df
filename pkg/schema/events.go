// pkg/schema/events.go
package schema

// JobRequested is published when a process record is submitted and consumed by workers.
type JobRequested struct {
	Identifier string `json:"identifier"`
	JobType    string `json:"job_type"`
	OwnerID    string `json:"owner_id"`
	HappenedAt int64  `json:"happened_at"`
}

type ProcessingStage string

const (
	StageQueued    ProcessingStage = "queued"
	StageRunning   ProcessingStage = "running"
	StageSaving    ProcessingStage = "saving"
	StageCompleted ProcessingStage = "completed"
	StageFailed    ProcessingStage = "failed"
)

type FailureType string

const (
	// FailureTypeJob is an expected failure signalled by the handler; the message is shown as-is.
	FailureTypeJob FailureType = "job"
	// FailureTypeUnexpected covers defects; users see a generic message.
	FailureTypeUnexpected FailureType = "unexpected"
	// FailureTypeLease is set by the reaper when a worker vanished mid-job.
	FailureTypeLease FailureType = "lease"
)

type ProcessLifecycleEvent struct {
	Identifier  string          `json:"identifier"`
	JobType     string          `json:"job_type"`
	OwnerID     string          `json:"owner_id"`
	Stage       ProcessingStage `json:"stage"`
	Progress    string          `json:"progress,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailureType FailureType     `json:"failure_type,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	HappenedAt  int64           `json:"happened_at"`
}

// ProcessView is the polling projection of a process record.
type ProcessView struct {
	Identifier        string   `json:"identifier"`
	Created           float64  `json:"created"`
	Status            string   `json:"status"`
	TerminalTimestamp *float64 `json:"terminal_timestamp"`
	FailureMessage    *string  `json:"failure_message"`
	ViewURL           *string  `json:"view_url"`
}

// ProcessDetail extends ProcessView with log text and output group linkage.
type ProcessDetail struct {
	ProcessView
	Progress  string  `json:"progress"`
	Logs      string  `json:"logs"`
	GroupName *string `json:"group_name"`
	GroupURL  *string `json:"group_url"`
}

type StatusResponse struct {
	Timestamp float64       `json:"timestamp"`
	Processes []ProcessView `json:"processes"`
}

type PipelineFlag struct {
	Default  bool   `json:"default"`
	LongName string `json:"long_name"`
}

type PipelinesResponse struct {
	Names []string                           `json:"pipeline_names"`
	Flags map[string]map[string]PipelineFlag `json:"pipeline_flags"`
}

type SubmitRequest struct {
	Pipeline string          `json:"pipeline"`
	Products []int64         `json:"products"`
	Flags    map[string]bool `json:"flags"`
}

type SubmitResponse struct {
	OK         bool   `json:"ok"`
	Identifier string `json:"identifier"`
}

type TargetDetail struct {
	Target     string          `json:"target"`
	Timelapses []ProcessDetail `json:"timelapses"`
}
