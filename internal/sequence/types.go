// Package sequence implements drip sequence definitions, per-contact
// enrollments and the state machine that advances an enrollment one step at a
// time through the job queue.
package sequence

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefinitionStatus is the lifecycle state of a sequence definition.
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionPaused   DefinitionStatus = "paused"
	DefinitionArchived DefinitionStatus = "archived"
)

// EnrollmentStatus is the lifecycle state of one contact's progress through a
// sequence.
type EnrollmentStatus string

const (
	EnrollmentActive       EnrollmentStatus = "active"
	EnrollmentCompleted    EnrollmentStatus = "completed"
	EnrollmentFailed       EnrollmentStatus = "failed"
	EnrollmentUnsubscribed EnrollmentStatus = "unsubscribed"
	EnrollmentPaused       EnrollmentStatus = "paused"
)

// Terminal reports whether no further jobs may be enqueued for an enrollment
// in this status.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentFailed, EnrollmentUnsubscribed:
		return true
	}
	return false
}

// DelayUnit is the unit of a step's inter-step delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// Step is one email within a sequence definition.
type Step struct {
	ID          uuid.UUID `json:"id"`
	Order       int       `json:"order"`
	Subject     string    `json:"subject"`
	Content     string    `json:"content"`
	DelayAmount int       `json:"delay_amount"`
	DelayUnit   DelayUnit `json:"delay_unit"`
}

// Delay converts the step's delay to a duration. Unknown units behave as
// minutes; validation rejects them before a definition is stored.
func (s Step) Delay() time.Duration {
	switch s.DelayUnit {
	case DelayHours:
		return time.Duration(s.DelayAmount) * time.Hour
	case DelayDays:
		return time.Duration(s.DelayAmount) * 24 * time.Hour
	default:
		return time.Duration(s.DelayAmount) * time.Minute
	}
}

// ValidateSteps checks that orders are contiguous and unique starting at 0
// and that delay units are known.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("sequence needs at least one step")
	}
	seen := make(map[int]bool, len(steps))
	for _, st := range steps {
		if st.Order < 0 || st.Order >= len(steps) {
			return fmt.Errorf("step order %d out of range [0,%d)", st.Order, len(steps))
		}
		if seen[st.Order] {
			return fmt.Errorf("duplicate step order %d", st.Order)
		}
		seen[st.Order] = true
		if st.DelayAmount < 0 {
			return fmt.Errorf("step %d: negative delay", st.Order)
		}
		switch st.DelayUnit {
		case DelayMinutes, DelayHours, DelayDays:
		default:
			return fmt.Errorf("step %d: unknown delay unit %q", st.Order, st.DelayUnit)
		}
	}
	return nil
}

// Definition is a brand-owned drip sequence: ordered steps, a trigger, and
// the sending identity.
type Definition struct {
	ID          uuid.UUID        `json:"id"`
	BrandID     uuid.UUID        `json:"brand_id"`
	Name        string           `json:"name"`
	Steps       []Step           `json:"steps"`
	TriggerType TriggerType      `json:"trigger_type"`
	Trigger     TriggerConfig    `json:"trigger_config"`
	Status      DefinitionStatus `json:"status"`
	FromName    string           `json:"from_name"`
	FromEmail   string           `json:"from_email"`
	ReplyTo     string           `json:"reply_to"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Enrollment is the progress record of one contact through one sequence.
// (sequence_id, contact_id) is unique; duplicate triggers are no-ops.
type Enrollment struct {
	ID               uuid.UUID              `json:"id"`
	SequenceID       uuid.UUID              `json:"sequence_id"`
	ContactID        uuid.UUID              `json:"contact_id"`
	Email            string                 `json:"email"`
	Status           EnrollmentStatus       `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"` // -1 before the first send
	NextSendAt       *time.Time             `json:"next_send_at"`
	Fields           map[string]interface{} `json:"fields,omitempty"` // merge variables captured at trigger time
	EnrolledAt       time.Time              `json:"enrolled_at"`
	CompletedAt      *time.Time             `json:"completed_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}
