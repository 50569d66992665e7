package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
)

// ErrInvalidToken is returned for any token that cannot be decoded or fails
// its integrity check. Callers map it to a 400; no detail is leaked.
var ErrInvalidToken = errors.New("invalid unsubscribe token")

// UnsubscribePayload is the identity recovered from an unsubscribe token.
type UnsubscribePayload struct {
	ContactID  uuid.UUID `json:"c"`
	CampaignID uuid.UUID `json:"m"`
	BrandID    uuid.UUID `json:"b"`
}

// UnsubscribeCodec encodes the payload with AES-256-GCM. Unlike tracking
// signatures, the unsubscribe handler must recover the identity from the
// token alone, so a one-way digest is not enough.
type UnsubscribeCodec struct {
	aead cipher.AEAD
}

// NewUnsubscribeCodec creates a codec from a 32-byte key.
func NewUnsubscribeCodec(key []byte) (*UnsubscribeCodec, error) {
	if len(key) != 32 {
		return nil, errors.New("unsubscribe codec requires a 32-byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &UnsubscribeCodec{aead: aead}, nil
}

// Encode produces an opaque URL-safe token carrying the payload.
func (c *UnsubscribeCodec) Encode(p UnsubscribePayload) (string, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode recovers the payload from a token. Tampered, truncated or otherwise
// malformed tokens return ErrInvalidToken; Decode never panics.
func (c *UnsubscribeCodec) Decode(tok string) (*UnsubscribePayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return nil, ErrInvalidToken
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return nil, ErrInvalidToken
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var p UnsubscribePayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, ErrInvalidToken
	}
	return &p, nil
}
