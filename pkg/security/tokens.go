package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// GeneratedToken is a freshly minted enrollment or agent token. Plaintext
// is shown to the operator once; only Hash is persisted.
type GeneratedToken struct {
	Plaintext string
	Hash      string
	ExpiresAt time.Time
}

// GenerateEnrollmentToken creates a one-shot token an operator embeds in
// the agent installation command. It is valid for ttl and single-use: the
// caller must mark the owning Server's token consumed on first agent
// call-in.
func GenerateEnrollmentToken(ttl time.Duration) (*GeneratedToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash token: %w", err)
	}

	return &GeneratedToken{
		Plaintext: plaintext,
		Hash:      string(hashed),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// ValidateToken reports whether plaintext matches hash and has not
// expired. It does not check single-use consumption; callers check that
// against the Server row's TokenConsumed field.
func ValidateToken(plaintext, hash string, expiresAt time.Time) error {
	if time.Now().After(expiresAt) {
		return fmt.Errorf("token expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// ValidateAgentToken checks plaintext against hash with no expiry: once a
// server has consumed its one-shot enrollment token (TokenConsumed=true),
// the same secret becomes its permanent per-server credential for every
// subsequent /agent/* call and heartbeat signature.
func ValidateAgentToken(plaintext, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		return fmt.Errorf("invalid agent token")
	}
	return nil
}
