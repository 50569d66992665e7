// Package mailer defines the outbound email collaborator used by the
// sequence engine and provides the AWS SES implementation plus the Liquid
// step renderer.
package mailer

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks a send failure that will never succeed on retry, such as
// a structurally invalid recipient. The worker fails the enrollment instead
// of requeuing.
var ErrPermanent = errors.New("permanent send failure")

// Permanent wraps err so errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsPermanent reports whether err is a permanent send failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Message is one outbound email.
type Message struct {
	To        string
	Subject   string
	HTML      string
	Text      string
	FromName  string
	FromEmail string
	ReplyTo   string

	// Identity tags for downstream event attribution.
	CampaignID string
	ContactID  string

	// Extra SMTP headers (List-Unsubscribe and friends).
	Headers map[string]string
}

// Result reports a successful delivery handoff.
type Result struct {
	MessageID string
	Provider  string
}

// Mailer delivers a single message. Implementations must bound their own
// network timeouts; a stuck send would otherwise eat the worker batch quota.
type Mailer interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}
