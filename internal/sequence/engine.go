package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailforge/platform/internal/events"
	"github.com/mailforge/platform/internal/mailer"
	"github.com/mailforge/platform/internal/pkg/logger"
	"github.com/mailforge/platform/internal/queue"
)

// EnrollmentStore is the persistence surface the engine needs. *Store
// implements it; tests substitute an in-memory fake.
type EnrollmentStore interface {
	ListActiveDefinitions(ctx context.Context, t TriggerType) ([]Definition, error)
	GetDefinition(ctx context.Context, id uuid.UUID) (*Definition, error)
	CreateEnrollment(ctx context.Context, e *Enrollment) (bool, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error)
	UpdateEnrollment(ctx context.Context, e *Enrollment) error
	UnsubscribeContactBrand(ctx context.Context, contactID, brandID uuid.UUID) (int64, error)
	FailContactEnrollments(ctx context.Context, contactID uuid.UUID) (int64, error)
}

// JobQueue is the slice of the queue the engine pushes to.
type JobQueue interface {
	Push(ctx context.Context, name string, job *queue.Job, notBefore time.Time) error
}

// EventRecorder appends tracking events.
type EventRecorder interface {
	Record(ctx context.Context, evt *events.Event) error
}

// Decorator rewrites outgoing HTML with tracking links and supplies the
// List-Unsubscribe header. Implemented by the tracking package.
type Decorator interface {
	Decorate(html string, campaignID, contactID uuid.UUID, email string) string
	UnsubscribeHeaders(contactID, campaignID, brandID uuid.UUID) map[string]string
}

// Engine owns enrollment creation and step advancement. All state
// transitions are idempotent and re-checkable: the queue's atomic pop is the
// only concurrency primitive relied on.
type Engine struct {
	store    EnrollmentStore
	jobs     JobQueue
	mail     mailer.Mailer
	renderer *mailer.Renderer
	recorder EventRecorder
	deco     Decorator
}

// NewEngine wires an engine from its collaborators.
func NewEngine(store EnrollmentStore, jobs JobQueue, mail mailer.Mailer, renderer *mailer.Renderer, recorder EventRecorder, deco Decorator) *Engine {
	return &Engine{store: store, jobs: jobs, mail: mail, renderer: renderer, recorder: recorder, deco: deco}
}

// HandleTrigger resolves the definitions matching evt and enrolls the
// contact into each. Already-enrolled contacts are skipped silently; a
// duplicate trigger event is a no-op.
func (en *Engine) HandleTrigger(ctx context.Context, evt TriggerEvent) error {
	defs, err := en.store.ListActiveDefinitions(ctx, evt.Type)
	if err != nil {
		return fmt.Errorf("resolve %s trigger: %w", evt.Type, err)
	}

	for _, def := range defs {
		if !def.Trigger.Matches(def.TriggerType, def.ID, evt) {
			continue
		}
		if len(def.Steps) == 0 {
			continue
		}
		if err := en.enroll(ctx, &def, evt); err != nil {
			logger.Error("enrollment failed", "sequence", def.ID.String(), "contact", evt.ContactID.String(), "error", err)
			// One bad definition must not block the others.
		}
	}
	return nil
}

func (en *Engine) enroll(ctx context.Context, def *Definition, evt TriggerEvent) error {
	now := time.Now().UTC()
	step0, _ := stepAt(def.Steps, 0)
	due := now
	if step0.DelayAmount > 0 {
		due = now.Add(step0.Delay())
	}

	enr := &Enrollment{
		SequenceID:       def.ID,
		ContactID:        evt.ContactID,
		Email:            evt.Email,
		Status:           EnrollmentActive,
		CurrentStepIndex: -1,
		NextSendAt:       &due,
		Fields:           evt.Fields,
		EnrolledAt:       now,
	}
	created, err := en.store.CreateEnrollment(ctx, enr)
	if err != nil {
		return err
	}
	if !created {
		logger.Debug("contact already enrolled", "sequence", def.ID.String(), "contact", evt.ContactID.String())
		return nil
	}

	job := queue.NewJob(queue.JobSendSequenceEmail, queue.SendSequenceEmailPayload{
		SequenceID:   def.ID,
		EnrollmentID: enr.ID,
		StepIndex:    0,
	})
	if err := en.jobs.Push(ctx, queue.QueueSequences, job, due); err != nil {
		return fmt.Errorf("enqueue step 0: %w", err)
	}

	logger.Info("contact enrolled", "sequence", def.ID.String(), "contact", evt.ContactID.String(), "next_send_at", due.Format(time.RFC3339))
	return nil
}

// ProcessSendJob sends one step of one enrollment and advances the state
// machine. Stale or duplicate jobs (wrong step, terminal enrollment,
// missing rows) are discarded as successful no-ops. A transient mailer
// failure is returned so the worker's retry policy requeues the job; a
// permanent failure fails the enrollment and stops the sequence for this
// contact only.
func (en *Engine) ProcessSendJob(ctx context.Context, p queue.SendSequenceEmailPayload) error {
	enr, err := en.store.GetEnrollment(ctx, p.EnrollmentID)
	if err != nil {
		return fmt.Errorf("load enrollment %s: %w", p.EnrollmentID, err)
	}
	if enr == nil {
		logger.Warn("job for unknown enrollment", "enrollment", p.EnrollmentID.String())
		return nil
	}
	if enr.Status != EnrollmentActive {
		// Unsubscribed/completed/failed/paused between enqueue and pop.
		return nil
	}
	if p.StepIndex != enr.CurrentStepIndex+1 {
		logger.Debug("stale step job discarded",
			"enrollment", enr.ID.String(), "job_step", fmt.Sprint(p.StepIndex), "current", fmt.Sprint(enr.CurrentStepIndex))
		return nil
	}

	def, err := en.store.GetDefinition(ctx, enr.SequenceID)
	if err != nil {
		return fmt.Errorf("load sequence %s: %w", enr.SequenceID, err)
	}
	if def == nil || p.StepIndex >= len(def.Steps) {
		enr.Status = EnrollmentFailed
		en.store.UpdateEnrollment(ctx, enr)
		logger.Warn("enrollment failed: sequence missing or step out of range",
			"enrollment", enr.ID.String(), "sequence", enr.SequenceID.String())
		return nil
	}
	if def.Status != DefinitionActive {
		// Paused or archived after the job was queued; drop quietly.
		return nil
	}

	step, ok := stepAt(def.Steps, p.StepIndex)
	if !ok {
		enr.Status = EnrollmentFailed
		en.store.UpdateEnrollment(ctx, enr)
		return nil
	}

	if err := en.sendStep(ctx, def, enr, step); err != nil {
		if mailer.IsPermanent(err) {
			enr.Status = EnrollmentFailed
			enr.NextSendAt = nil
			if uerr := en.store.UpdateEnrollment(ctx, enr); uerr != nil {
				return fmt.Errorf("mark enrollment failed: %w", uerr)
			}
			logger.Warn("enrollment failed permanently", "enrollment", enr.ID.String(), "error", err)
			return nil
		}
		return err
	}

	en.recordDelivery(ctx, def, enr)
	return en.advance(ctx, def, enr, step.Order)
}

func (en *Engine) sendStep(ctx context.Context, def *Definition, enr *Enrollment, step Step) error {
	bindings := map[string]interface{}{"email": enr.Email}
	for k, v := range enr.Fields {
		bindings[k] = v
	}

	subject, err := en.renderer.Render(step.Subject, bindings)
	if err != nil {
		return mailer.Permanent(fmt.Errorf("subject template: %w", err))
	}
	html, err := en.renderer.Render(step.Content, bindings)
	if err != nil {
		return mailer.Permanent(fmt.Errorf("content template: %w", err))
	}

	if en.deco != nil {
		html = en.deco.Decorate(html, def.ID, enr.ContactID, enr.Email)
	}

	msg := &mailer.Message{
		To:         enr.Email,
		Subject:    subject,
		HTML:       html,
		FromName:   def.FromName,
		FromEmail:  def.FromEmail,
		ReplyTo:    def.ReplyTo,
		CampaignID: def.ID.String(),
		ContactID:  enr.ContactID.String(),
	}
	if en.deco != nil {
		msg.Headers = en.deco.UnsubscribeHeaders(enr.ContactID, def.ID, def.BrandID)
	}

	_, err = en.mail.Send(ctx, msg)
	return err
}

func (en *Engine) recordDelivery(ctx context.Context, def *Definition, enr *Enrollment) {
	err := en.recorder.Record(ctx, &events.Event{
		ContactID:  enr.ContactID,
		CampaignID: def.ID,
		Email:      enr.Email,
		Type:       events.TypeDelivery,
	})
	if err != nil {
		// The send already happened; losing the delivery event is preferable
		// to double-sending on retry.
		logger.Warn("delivery event not recorded", "enrollment", enr.ID.String(), "error", err)
	}
}

// advance moves the enrollment past the just-sent step. Delays compound from
// processing time, not from the enrollment anchor.
func (en *Engine) advance(ctx context.Context, def *Definition, enr *Enrollment, sentOrder int) error {
	now := time.Now().UTC()
	enr.CurrentStepIndex = sentOrder

	next, ok := stepAt(def.Steps, sentOrder+1)
	if !ok {
		enr.Status = EnrollmentCompleted
		enr.NextSendAt = nil
		enr.CompletedAt = &now
		if err := en.store.UpdateEnrollment(ctx, enr); err != nil {
			return fmt.Errorf("complete enrollment: %w", err)
		}
		logger.Info("enrollment completed", "enrollment", enr.ID.String(), "sequence", def.ID.String())
		return nil
	}

	due := now.Add(next.Delay())
	enr.NextSendAt = &due
	if err := en.store.UpdateEnrollment(ctx, enr); err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}

	job := queue.NewJob(queue.JobSendSequenceEmail, queue.SendSequenceEmailPayload{
		SequenceID:   def.ID,
		EnrollmentID: enr.ID,
		StepIndex:    next.Order,
	})
	if err := en.jobs.Push(ctx, queue.QueueSequences, job, due); err != nil {
		// The enrollment already advanced; retrying this job would hit the
		// stale-step guard. Surface loudly instead of wedging the chain.
		logger.Error("next step not enqueued", "enrollment", enr.ID.String(), "step", fmt.Sprint(next.Order), "error", err)
		return nil
	}
	return nil
}

// Unsubscribe transitions every active enrollment of the contact across the
// brand's sequences to unsubscribed. Queued jobs become no-ops.
func (en *Engine) Unsubscribe(ctx context.Context, contactID, brandID uuid.UUID) error {
	n, err := en.store.UnsubscribeContactBrand(ctx, contactID, brandID)
	if err != nil {
		return fmt.Errorf("unsubscribe contact %s: %w", contactID, err)
	}
	if n > 0 {
		logger.Info("enrollments unsubscribed", "contact", contactID.String(), "count", fmt.Sprint(n))
	}
	return nil
}

// HardBounce fails a contact's active enrollments after an undeliverable
// address report.
func (en *Engine) HardBounce(ctx context.Context, contactID uuid.UUID) error {
	n, err := en.store.FailContactEnrollments(ctx, contactID)
	if err != nil {
		return fmt.Errorf("fail enrollments for %s: %w", contactID, err)
	}
	if n > 0 {
		logger.Info("enrollments failed on hard bounce", "contact", contactID.String(), "count", fmt.Sprint(n))
	}
	return nil
}
