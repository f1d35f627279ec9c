package controlplane

import (
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"teleclaude/internal/domain"
)

// Identity headers.Verified callers carry both: the session id claimed by
// the process, and the multiplexer session name observed by its launcher.
const (
	HeaderCallerSession = "Caller-Session-Id"
	HeaderMuxSession    = "Multiplexer-Session"
)

// identityCacheTTL bounds how stale a cached identity may be. Role or state
// changes take effect within this window.
const identityCacheTTL = 30 * time.Second

var (
	// ErrMissingIdentity means the request carried no Caller-Session-Id.
	ErrMissingIdentity = errors.New("missing Caller-Session-Id header")
	// ErrUnknownCaller means the claimed session id resolved to nothing.
	ErrUnknownCaller = errors.New("unknown caller session")
)

// SessionLookup is the store slice the verifier reads.
// *sqlite.SessionRepository satisfies it.
type SessionLookup interface {
	GetBySessionID(sessionID string) (*domain.Session, error)
}

// Identity is a verified caller.
type Identity struct {
	SessionID  string
	Computer   string
	MuxName    string
	SystemRole domain.SystemRole
	HumanRole  domain.HumanRole
}

// Verifier resolves the dual-factor caller identity: the claimed session id
// must exist, and when the caller attests a multiplexer session it must be
// the one recorded at creation. Lookups are cached for a short TTL since
// agent sessions hit the control plane in bursts.
type Verifier struct {
	sessions SessionLookup
	cache    *gocache.Cache
	notFound error
}

// NewVerifier builds a verifier over the session store. notFound is the
// store's sentinel for a missing session (sqlite.ErrSessionNotFound).
func NewVerifier(sessions SessionLookup, notFound error) *Verifier {
	return &Verifier{
		sessions: sessions,
		cache:    gocache.New(identityCacheTTL, time.Minute),
		notFound: notFound,
	}
}

// Verify checks both identity factors. An empty attestedMux skips the
// cross-check: local callers (CLI, cron) have no pane to attest.
func (v *Verifier) Verify(claimedSessionID, attestedMux string) (*Identity, error) {
	if claimedSessionID == "" {
		return nil, ErrMissingIdentity
	}

	id, err := v.lookup(claimedSessionID)
	if err != nil {
		return nil, err
	}

	if attestedMux != "" && attestedMux != id.MuxName {
		return nil, &domain.IdentityError{Claimed: claimedSessionID, Attested: attestedMux}
	}
	return id, nil
}

// Invalidate drops a cached identity, for when a session's roles or state
// change and the caller must see it immediately.
func (v *Verifier) Invalidate(sessionID string) {
	v.cache.Delete(sessionID)
}

func (v *Verifier) lookup(sessionID string) (*Identity, error) {
	if cached, hit := v.cache.Get(sessionID); hit {
		return cached.(*Identity), nil
	}

	sess, err := v.sessions.GetBySessionID(sessionID)
	if err != nil {
		if v.notFound != nil && errors.Is(err, v.notFound) {
			return nil, ErrUnknownCaller
		}
		return nil, domain.Transient("identity lookup", err)
	}

	id := &Identity{
		SessionID:  sess.SessionID,
		Computer:   sess.Computer,
		MuxName:    sess.MuxName,
		SystemRole: sess.SystemRole,
		HumanRole:  sess.HumanRole,
	}
	v.cache.SetDefault(sessionID, id)
	return id, nil
}
