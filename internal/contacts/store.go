// Package contacts is the thin persistence slice of the external contact
// system the core needs: opt-out flagging and address lookup. Contact CRUD
// itself lives outside this service.
package contacts

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Store reads and flags contacts.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// MarkUnsubscribed flags the contact as opted out. Idempotent: repeating the
// update leaves the original unsubscribe time in place.
func (s *Store) MarkUnsubscribed(ctx context.Context, contactID uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET unsubscribed = TRUE,
		    unsubscribe_reason = $1,
		    unsubscribed_at = COALESCE(unsubscribed_at, $2)
		WHERE id = $3`,
		reason, time.Now().UTC(), contactID)
	return err
}

// FindByEmail resolves a contact id from an address. Returns ok=false when
// the address is unknown.
func (s *Store) FindByEmail(ctx context.Context, email string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM contacts WHERE LOWER(email) = LOWER($1)`, email).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}
