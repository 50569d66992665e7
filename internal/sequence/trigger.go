package sequence

import (
	"fmt"

	"github.com/google/uuid"
)

// TriggerType discriminates how contacts enter a sequence.
type TriggerType string

const (
	TriggerContactList TriggerType = "contact_list"
	TriggerIntegration TriggerType = "integration"
	TriggerWebhook     TriggerType = "webhook"
	TriggerManual      TriggerType = "manual"
)

// TriggerConfig is a tagged union keyed by the definition's TriggerType.
// Exactly the variant named by the type is populated; Validate enforces it.
type TriggerConfig struct {
	ContactList *ContactListTrigger `json:"contact_list,omitempty"`
	Integration *IntegrationTrigger `json:"integration,omitempty"`
	Webhook     *WebhookTrigger     `json:"webhook,omitempty"`
	Manual      *ManualTrigger      `json:"manual,omitempty"`
}

// ContactListTrigger enrolls contacts added to any of the watched lists
// (OR across list ids).
type ContactListTrigger struct {
	ListIDs []uuid.UUID `json:"list_ids"`
}

// IntegrationTrigger enrolls contacts synced from a third-party source.
type IntegrationTrigger struct {
	Provider string `json:"provider"`
	SourceID string `json:"source_id,omitempty"` // empty matches any source of the provider
}

// WebhookTrigger enrolls contacts posted to a named inbound webhook.
type WebhookTrigger struct {
	Slug string `json:"slug"`
}

// ManualTrigger enrolls only contacts explicitly pointed at this sequence.
type ManualTrigger struct{}

// TriggerEvent is one external occurrence that may enroll a contact.
type TriggerEvent struct {
	Type      TriggerType            `json:"type"`
	ContactID uuid.UUID              `json:"contact_id"`
	Email     string                 `json:"email"`
	BrandID   uuid.UUID              `json:"brand_id"`
	ListID    uuid.UUID              `json:"list_id,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	SourceID  string                 `json:"source_id,omitempty"`
	Slug      string                 `json:"slug,omitempty"`
	// SequenceID targets one definition directly (manual triggers).
	SequenceID uuid.UUID             `json:"sequence_id,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Validate checks that exactly the variant named by t is set.
func (c TriggerConfig) Validate(t TriggerType) error {
	switch t {
	case TriggerContactList:
		if c.ContactList == nil || len(c.ContactList.ListIDs) == 0 {
			return fmt.Errorf("contact_list trigger requires watched list ids")
		}
	case TriggerIntegration:
		if c.Integration == nil || c.Integration.Provider == "" {
			return fmt.Errorf("integration trigger requires a provider")
		}
	case TriggerWebhook:
		if c.Webhook == nil || c.Webhook.Slug == "" {
			return fmt.Errorf("webhook trigger requires a slug")
		}
	case TriggerManual:
		// ManualTrigger carries no config.
	default:
		return fmt.Errorf("unknown trigger type %q", t)
	}
	return nil
}

// Matches reports whether evt should enroll into a definition with this
// trigger config. The switch is exhaustive over TriggerType.
func (c TriggerConfig) Matches(t TriggerType, defID uuid.UUID, evt TriggerEvent) bool {
	if t != evt.Type {
		return false
	}
	switch t {
	case TriggerContactList:
		if c.ContactList == nil {
			return false
		}
		for _, id := range c.ContactList.ListIDs {
			if id == evt.ListID {
				return true
			}
		}
		return false
	case TriggerIntegration:
		if c.Integration == nil || c.Integration.Provider != evt.Provider {
			return false
		}
		return c.Integration.SourceID == "" || c.Integration.SourceID == evt.SourceID
	case TriggerWebhook:
		return c.Webhook != nil && c.Webhook.Slug == evt.Slug
	case TriggerManual:
		return defID == evt.SequenceID
	default:
		return false
	}
}
