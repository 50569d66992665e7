package events

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// CampaignStats are totals plus derived rates for one campaign or template.
type CampaignStats struct {
	CampaignID       uuid.UUID `json:"campaign_id"`
	SentCount        int64     `json:"sent_count"`
	OpenCount        int64     `json:"open_count"`
	ClickCount       int64     `json:"click_count"`
	BounceCount      int64     `json:"bounce_count"`
	ComplaintCount   int64     `json:"complaint_count"`
	UnsubscribeCount int64     `json:"unsubscribe_count"`

	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
}

// DayStats is one day of a template's event history.
type DayStats struct {
	Day       string  `json:"day"`
	Sent      int64   `json:"sent"`
	Opens     int64   `json:"opens"`
	Clicks    int64   `json:"clicks"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}

// Rate returns count/sent as a percentage rounded to one decimal place.
// A zero sent total yields 0, never NaN.
func Rate(count, sent int64) float64 {
	if sent == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(sent)*1000) / 10
}

// Stats serves campaign and template statistics. The fast path reads the
// denormalized counters; the daily breakdown rescans tracking_events.
type Stats struct {
	db *sql.DB
}

// NewStats creates a Stats service over the given database.
func NewStats(db *sql.DB) *Stats {
	return &Stats{db: db}
}

// Campaign returns counter-backed stats for a campaign. Unknown campaigns
// return zeroed stats rather than an error.
func (s *Stats) Campaign(ctx context.Context, campaignID uuid.UUID) (*CampaignStats, error) {
	st := &CampaignStats{CampaignID: campaignID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(sent_count,0), COALESCE(open_count,0), COALESCE(click_count,0),
			COALESCE(bounce_count,0), COALESCE(complaint_count,0), COALESCE(unsubscribe_count,0)
		FROM campaign_stats WHERE campaign_id = $1`, campaignID,
	).Scan(&st.SentCount, &st.OpenCount, &st.ClickCount, &st.BounceCount, &st.ComplaintCount, &st.UnsubscribeCount)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("campaign stats %s: %w", campaignID, err)
	}

	st.OpenRate = Rate(st.OpenCount, st.SentCount)
	st.ClickRate = Rate(st.ClickCount, st.SentCount)
	st.BounceRate = Rate(st.BounceCount, st.SentCount)
	st.UnsubscribeRate = Rate(st.UnsubscribeCount, st.SentCount)
	return st, nil
}

// Template returns a per-day breakdown for a transactional template over the
// last `days` days, derived from the event log (slow path).
func (s *Stats) Template(ctx context.Context, templateID uuid.UUID, days int) ([]DayStats, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(occurred_at, 'YYYY-MM-DD') AS day,
			COUNT(*) FILTER (WHERE event_type = 'delivery'),
			COUNT(*) FILTER (WHERE event_type = 'open'),
			COUNT(*) FILTER (WHERE event_type = 'click')
		FROM tracking_events
		WHERE campaign_id = $1 AND occurred_at >= $2
		GROUP BY day ORDER BY day`, templateID, since)
	if err != nil {
		return nil, fmt.Errorf("template stats %s: %w", templateID, err)
	}
	defer rows.Close()

	var out []DayStats
	for rows.Next() {
		var d DayStats
		if err := rows.Scan(&d.Day, &d.Sent, &d.Opens, &d.Clicks); err != nil {
			return nil, err
		}
		d.OpenRate = Rate(d.Opens, d.Sent)
		d.ClickRate = Rate(d.Clicks, d.Sent)
		out = append(out, d)
	}
	return out, rows.Err()
}
