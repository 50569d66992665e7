package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailforge/platform/internal/pkg/logger"
)

// Recorder appends tracking events and folds them into the per-campaign
// counters. One tracking_events table holds every campaign's events; there
// are no per-campaign tables.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a Recorder over the given database.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends the event and best-effort bumps the matching campaign
// counter. The counter update is advisory: a failure there is logged and the
// event still counts as recorded, since counters are re-derivable from the
// log. The append itself failing is returned to the caller.
func (r *Recorder) Record(ctx context.Context, evt *Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracking_events (id, contact_id, campaign_id, email, event_type, link_url, metadata, ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		evt.ID, evt.ContactID, evt.CampaignID, evt.Email, string(evt.Type),
		evt.LinkURL, evt.Metadata, evt.IPAddress, evt.UserAgent, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("record %s event: %w", evt.Type, err)
	}

	if col, ok := counterColumn[evt.Type]; ok {
		_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO campaign_stats (campaign_id, %[1]s, updated_at)
			VALUES ($1, 1, NOW())
			ON CONFLICT (campaign_id) DO UPDATE SET %[1]s = campaign_stats.%[1]s + 1, updated_at = NOW()`, col),
			evt.CampaignID)
		if err != nil {
			logger.Warn("counter update failed", "campaign", evt.CampaignID.String(), "type", string(evt.Type), "error", err)
		}
	}

	return nil
}
