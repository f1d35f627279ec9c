package domain

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MuxNamePrefix prefixes every multiplexer session the daemon owns.
const MuxNamePrefix = "tc-"

// NewSessionID returns a fresh opaque session identifier: 128 random bits
// rendered as 32 lowercase hex characters. The value carries no structure;
// callers must not parse it.
func NewSessionID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// MuxNameFor derives the multiplexer session name from a session id. The
// name is recorded at creation and later compared against the attested
// Multiplexer-Session header, so it must be a pure function of the id.
func MuxNameFor(sessionID string) string {
	if len(sessionID) < 12 {
		return MuxNamePrefix + sessionID
	}
	return MuxNamePrefix + sessionID[:12]
}

// NewEnvelopeID returns a time-ordered ULID for an event envelope. ULIDs
// sort lexicographically by creation time, which keeps the envelope log
// scannable by id range.
func NewEnvelopeID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
