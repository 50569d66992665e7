package sequence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrStepsImmutable is returned when an update would rewrite a step some
// enrollment has already progressed past. Sent history must stay what it was.
var ErrStepsImmutable = errors.New("cannot modify steps already sent to enrollments")

// Store handles persistence for sequences and sequence_enrollments.
type Store struct {
	db *sql.DB
}

// NewStore creates a sequence store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateDefinition validates and inserts a definition.
func (s *Store) CreateDefinition(ctx context.Context, d *Definition) error {
	if err := ValidateSteps(d.Steps); err != nil {
		return err
	}
	if err := d.Trigger.Validate(d.TriggerType); err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DefinitionDraft
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	stepsJSON, _ := json.Marshal(d.Steps)
	triggerJSON, _ := json.Marshal(d.Trigger)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequences (id, brand_id, name, steps, trigger_type, trigger_config, status, from_name, from_email, reply_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.BrandID, d.Name, stepsJSON, string(d.TriggerType), triggerJSON,
		string(d.Status), d.FromName, d.FromEmail, d.ReplyTo, d.CreatedAt, d.UpdatedAt)
	return err
}

const definitionColumns = `id, brand_id, name, steps, trigger_type, trigger_config, status, from_name, from_email, reply_to, created_at, updated_at`

func scanDefinition(row interface{ Scan(...interface{}) error }) (*Definition, error) {
	var d Definition
	var stepsJSON, triggerJSON []byte
	err := row.Scan(&d.ID, &d.BrandID, &d.Name, &stepsJSON, &d.TriggerType, &triggerJSON,
		&d.Status, &d.FromName, &d.FromEmail, &d.ReplyTo, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal(stepsJSON, &d.Steps)
	json.Unmarshal(triggerJSON, &d.Trigger)
	return &d, nil
}

// GetDefinition returns a definition by id, or (nil, nil) when unknown.
func (s *Store) GetDefinition(ctx context.Context, id uuid.UUID) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM sequences WHERE id = $1`, id)
	d, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListActiveDefinitions returns all active definitions with the given
// trigger type. Trigger matching against a concrete event happens in Go.
func (s *Store) ListActiveDefinitions(ctx context.Context, t TriggerType) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM sequences WHERE trigger_type = $1 AND status = 'active'`,
		string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

// SetDefinitionStatus transitions a definition's lifecycle state.
func (s *Store) SetDefinitionStatus(ctx context.Context, id uuid.UUID, status DefinitionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sequences SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	return err
}

// UpdateSteps replaces a definition's steps. Steps at or below the furthest
// step any enrollment has been sent are immutable: edits there would
// retroactively change already-sent history, so they are rejected.
func (s *Store) UpdateSteps(ctx context.Context, id uuid.UUID, steps []Step) error {
	if err := ValidateSteps(steps); err != nil {
		return err
	}

	existing, err := s.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("sequence %s not found", id)
	}

	var frontier int
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(current_step_index), -1) FROM sequence_enrollments WHERE sequence_id = $1`,
		id).Scan(&frontier)
	if err != nil {
		return err
	}

	for _, st := range steps {
		if st.Order > frontier {
			continue
		}
		old, ok := stepAt(existing.Steps, st.Order)
		if !ok || old.Subject != st.Subject || old.Content != st.Content ||
			old.DelayAmount != st.DelayAmount || old.DelayUnit != st.DelayUnit {
			return ErrStepsImmutable
		}
	}
	if frontier >= len(steps) {
		return ErrStepsImmutable
	}

	stepsJSON, _ := json.Marshal(steps)
	_, err = s.db.ExecContext(ctx,
		`UPDATE sequences SET steps = $1, updated_at = NOW() WHERE id = $2`, stepsJSON, id)
	return err
}

func stepAt(steps []Step, order int) (Step, bool) {
	for _, st := range steps {
		if st.Order == order {
			return st, true
		}
	}
	return Step{}, false
}

// CreateEnrollment inserts an enrollment, relying on the unique
// (sequence_id, contact_id) constraint for idempotent trigger handling.
// Returns false when the contact was already enrolled.
func (s *Store) CreateEnrollment(ctx context.Context, e *Enrollment) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = EnrollmentActive
	}
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = time.Now().UTC()
	}
	fieldsJSON, _ := json.Marshal(e.Fields)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sequence_enrollments (id, sequence_id, contact_id, email, status, current_step_index, next_send_at, fields, enrolled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (sequence_id, contact_id) DO NOTHING`,
		e.ID, e.SequenceID, e.ContactID, e.Email, string(e.Status),
		e.CurrentStepIndex, e.NextSendAt, fieldsJSON, e.EnrolledAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetEnrollment returns an enrollment by id, or (nil, nil) when unknown.
func (s *Store) GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	var e Enrollment
	var fieldsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, contact_id, email, status, current_step_index, next_send_at, fields, enrolled_at, completed_at, updated_at
		FROM sequence_enrollments WHERE id = $1`, id,
	).Scan(&e.ID, &e.SequenceID, &e.ContactID, &e.Email, &e.Status,
		&e.CurrentStepIndex, &e.NextSendAt, &fieldsJSON, &e.EnrolledAt, &e.CompletedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(fieldsJSON) > 0 {
		json.Unmarshal(fieldsJSON, &e.Fields)
	}
	return &e, nil
}

// UpdateEnrollment persists the mutable enrollment fields.
func (s *Store) UpdateEnrollment(ctx context.Context, e *Enrollment) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = $1, current_step_index = $2, next_send_at = $3, completed_at = $4, updated_at = NOW()
		WHERE id = $5`,
		string(e.Status), e.CurrentStepIndex, e.NextSendAt, e.CompletedAt, e.ID)
	return err
}

// UnsubscribeContactBrand marks all of a contact's active enrollments in any
// sequence of the brand as unsubscribed. Queued jobs for them become no-ops
// when the processor re-checks status. Returns the number of enrollments
// transitioned.
func (s *Store) UnsubscribeContactBrand(ctx context.Context, contactID, brandID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_enrollments e
		SET status = 'unsubscribed', next_send_at = NULL, updated_at = NOW()
		FROM sequences s
		WHERE e.sequence_id = s.id AND e.contact_id = $1 AND s.brand_id = $2 AND e.status = 'active'`,
		contactID, brandID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FailContactEnrollments fails every active enrollment of a contact, used
// when a hard bounce proves the address undeliverable.
func (s *Store) FailContactEnrollments(ctx context.Context, contactID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = 'failed', next_send_at = NULL, updated_at = NOW()
		WHERE contact_id = $1 AND status = 'active'`, contactID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
