package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue and job names used by the sequence subsystem.
const (
	QueueSequences = "email-sequences"

	JobSendSequenceEmail = "send-sequence-email"
	JobEnrollContact     = "enroll-contact"
)

// Job is a typed, durable queue entry. Name is the dispatch discriminant;
// Data carries the job-specific payload.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"_jobName"`
	Data       json.RawMessage `json:"data"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	NotBefore  time.Time       `json:"not_before,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewJob creates a job with the given name and payload. The payload must be
// JSON-marshalable; a marshal failure is a programming error and panics.
func NewJob(name string, payload interface{}) *Job {
	data, err := json.Marshal(payload)
	if err != nil {
		panic("queue: unmarshalable job payload: " + err.Error())
	}
	return &Job{
		ID:         uuid.New().String(),
		Name:       name,
		Data:       data,
		EnqueuedAt: time.Now().UTC(),
	}
}

// SendSequenceEmailPayload is the payload of a send-sequence-email job.
// An enroll-contact job carries a serialized trigger event instead; the
// sequence package owns that type.
type SendSequenceEmailPayload struct {
	SequenceID   uuid.UUID `json:"sequence_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepIndex    int       `json:"step_index"`
}
