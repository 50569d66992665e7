// Package events owns the append-only tracking event log and the stat
// rollups derived from it. Events are never updated or deleted; the
// denormalized per-campaign counters exist only for fast dashboard reads and
// can always be rebuilt by rescanning the log.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the kind of tracking event.
type Type string

const (
	TypeDelivery    Type = "delivery"
	TypeOpen        Type = "open"
	TypeClick       Type = "click"
	TypeBounce      Type = "bounce"
	TypeComplaint   Type = "complaint"
	TypeUnsubscribe Type = "unsubscribe"
)

// counterColumn maps an event type to its campaign_stats column. Only
// whitelisted column names ever reach SQL.
var counterColumn = map[Type]string{
	TypeDelivery:    "sent_count",
	TypeOpen:        "open_count",
	TypeClick:       "click_count",
	TypeBounce:      "bounce_count",
	TypeComplaint:   "complaint_count",
	TypeUnsubscribe: "unsubscribe_count",
}

// Event is one immutable tracking record tied to a contact and a campaign
// (or transactional template).
type Event struct {
	ID         uuid.UUID `json:"id"`
	ContactID  uuid.UUID `json:"contact_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Email      string    `json:"email"`
	Type       Type      `json:"event_type"`
	LinkURL    string    `json:"link_url,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
