package model

import "encoding/json"

// Inbound message types accepted over the duplex connection.
const (
	MsgCreateJob     = "create_job"
	MsgGetStatus     = "get_status"
	MsgCancelJob     = "cancel_job"
	MsgGetClientJobs = "get_client_jobs"
)

// Outbound message types.
const (
	MsgJobStatus   = "job_status"
	MsgJobProgress = "job_progress"
	MsgClientJobs  = "client_jobs"
	MsgError       = "error"
)

// Inbound is the envelope for every client request.
type Inbound struct {
	Type      string          `json:"type"`
	TaskType  TaskType        `json:"task_type,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Outbound is implemented by every server-to-client message. WithRequestID
// returns a copy carrying the given correlation token, so a broadcast can be
// tailored per subscriber without mutating the shared message.
type Outbound interface {
	WithRequestID(id string) Outbound
}

// Progress mirrors the per-step progress reported by the generation
// pipeline. Elapsed and Remaining are "m:ss" strings, Speed is "N.NNs/it".
type Progress struct {
	Stage       string `json:"stage"`
	Percentage  int    `json:"percentage"`
	CurrentStep int    `json:"current_step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
	Elapsed     string `json:"elapsed,omitempty"`
	Remaining   string `json:"remaining,omitempty"`
	Speed       string `json:"speed,omitempty"`
}

// StatusMessage reports a job's status, either as a direct reply or as a
// broadcast on a transition.
type StatusMessage struct {
	Type      string  `json:"type"`
	JobID     string  `json:"job_id"`
	Status    Status  `json:"status"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
}

// NewStatusMessage builds the wire representation of a job's current state.
// The result payload is attached once it exists; the error message only for
// failed jobs.
func NewStatusMessage(j Job) StatusMessage {
	m := StatusMessage{
		Type:   MsgJobStatus,
		JobID:  j.ID,
		Status: j.Status,
	}

	if j.Result != nil && (j.Status == StatusGenerated || j.Status == StatusCompleted) {
		m.Result = j.Result
	}
	if j.Status == StatusFailed {
		m.Error = j.Error
	}

	return m
}

func (m StatusMessage) WithRequestID(id string) Outbound {
	if id != "" {
		m.RequestID = id
	}
	return m
}

// ProgressMessage forwards a pipeline progress callback verbatim to
// subscribers. It never alters the job's status.
type ProgressMessage struct {
	Type      string   `json:"type"`
	JobID     string   `json:"job_id"`
	Progress  Progress `json:"progress"`
	RequestID string   `json:"request_id,omitempty"`
}

func NewProgressMessage(jobID string, p Progress) ProgressMessage {
	return ProgressMessage{Type: MsgJobProgress, JobID: jobID, Progress: p}
}

func (m ProgressMessage) WithRequestID(id string) Outbound {
	if id != "" {
		m.RequestID = id
	}
	return m
}

// JobSummary is the per-job entry of a client_jobs response.
type JobSummary struct {
	JobID     string   `json:"job_id"`
	TaskType  TaskType `json:"task_type"`
	Status    Status   `json:"status"`
	CreatedAt int64    `json:"created_at"`
	Result    *Result  `json:"result,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ClientJobsMessage lists every job owned by the requesting client.
type ClientJobsMessage struct {
	Type      string       `json:"type"`
	Jobs      []JobSummary `json:"jobs"`
	RequestID string       `json:"request_id,omitempty"`
}

func (m ClientJobsMessage) WithRequestID(id string) Outbound {
	if id != "" {
		m.RequestID = id
	}
	return m
}

// ErrorMessage reports a request-level problem (malformed message, unknown
// job, unknown task type). Execution-level failures travel as job_status
// with status "failed" instead.
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func NewErrorMessage(msg, requestID string) ErrorMessage {
	return ErrorMessage{Type: MsgError, Message: msg, RequestID: requestID}
}

func (m ErrorMessage) WithRequestID(id string) Outbound {
	if id != "" {
		m.RequestID = id
	}
	return m
}
