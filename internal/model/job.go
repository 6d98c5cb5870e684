package model

import "time"

// TaskType identifies the kind of work a job performs.
type TaskType string

const (
	// TaskTypeTextToImage generates an image from a text prompt.
	TaskTypeTextToImage TaskType = "text_to_image"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusGenerated  Status = "generated"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions holds the allowed status transitions. A job never leaves a
// terminal status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusGenerated, StatusCancelled, StatusFailed},
	StatusGenerated:  {StatusCompleted, StatusFailed},
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a job may move from s to the given status.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}

	return false
}

// Result holds the artifacts produced by a completed generation.
// UpscaledFilename stays nil when upscaling was skipped because the base
// image was already large enough.
type Result struct {
	Filename         string  `json:"filename"`
	Path             string  `json:"path"`
	UpscaledFilename *string `json:"upscaled_filename"`
}

// Job is one tracked unit of generation work. Its ID is derived
// deterministically from the normalized parameters and doubles as the
// deduplication token: at most one record exists per ID.
type Job struct {
	ID            string     `json:"id"`
	TaskType      TaskType   `json:"task_type"`
	Params        Params     `json:"params"`
	Status        Status     `json:"status"`
	Result        *Result    `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	OwnerClientID string     `json:"owner_client_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
