package track

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenSigner issues and verifies sender tokens: short-lived HMAC proofs
// that a pixel fetch originates from the message's own sender, so the
// sender re-viewing their sent mail never counts as an open.
//
// Token format is "timestamp:hexSignature" where the signature is
// HMAC-SHA256 over "senderEmail:trackID:timestamp" with a process-wide
// key. Losing or rotating the key invalidates outstanding tokens, which
// is fine at a one-hour lifetime.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner creates a signer with the given shared key
func NewTokenSigner(key string) *TokenSigner {
	return &TokenSigner{key: []byte(key)}
}

// Issue creates a sender token bound to the sender, track id and timestamp
func (s *TokenSigner) Issue(senderEmail string, trackID uuid.UUID, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("%d:%s", unix, s.sign(senderEmail, trackID, unix))
}

// Verify checks a token against the expected sender and track id.
// It returns false for malformed tokens, expired timestamps, and
// signature mismatches (constant-time comparison).
func (s *TokenSigner) Verify(token, expectedSenderEmail string, trackID uuid.UUID, maxAge time.Duration) bool {
	return s.verifyAt(token, expectedSenderEmail, trackID, maxAge, time.Now())
}

func (s *TokenSigner) verifyAt(token, expectedSenderEmail string, trackID uuid.UUID, maxAge time.Duration, now time.Time) bool {
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return false
	}

	unix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}
	if now.Unix()-unix > int64(maxAge.Seconds()) {
		return false
	}

	expected := s.sign(expectedSenderEmail, trackID, unix)
	return hmac.Equal([]byte(expected), []byte(parts[1]))
}

func (s *TokenSigner) sign(senderEmail string, trackID uuid.UUID, unix int64) string {
	h := hmac.New(sha256.New, s.key)
	fmt.Fprintf(h, "%s:%s:%d", senderEmail, trackID, unix)
	return hex.EncodeToString(h.Sum(nil))
}
