package sessions

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teleclaude/internal/domain"
	"teleclaude/internal/infrastructure/sqlite"
	"teleclaude/internal/testutil"
)

var testNow = time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)

func seedSession(t *testing.T, repo *sqlite.SessionRepository, sessionID string, state domain.SessionState) *domain.Session {
	t.Helper()
	s := &domain.Session{
		SessionID:      sessionID,
		Computer:       "workstation",
		ProjectPath:    "/home/user/projects/demo",
		MuxName:        domain.MuxNameFor(sessionID),
		OriginAdapter:  "api",
		Title:          "demo",
		SystemRole:     domain.SystemRoleWorker,
		HumanRole:      domain.HumanRoleMember,
		State:          state,
		CreatedAt:      testNow,
		LastActivityAt: testNow,
	}
	require.NoError(t, repo.Save(s))
	return s
}

func TestRegistry_Hydrate_LoadsLiveSessionsOnly(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	a := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateActive)
	b := seedSession(t, repo, domain.NewSessionID(), domain.SessionStatePaused)
	closed := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateClosed)

	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())

	live := reg.Live()
	require.ElementsMatch(t, []string{a.SessionID, b.SessionID}, live)

	// Closed sessions stay reachable through the store.
	got, err := reg.Get(closed.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateClosed, got.State)
}

func TestRegistry_Get_ServesFromMap(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	s := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateActive)

	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())

	// A write behind the registry is invisible to Get but visible to Fresh.
	require.NoError(t, repo.UpdateState(s.SessionID, domain.SessionStatePaused, testNow))

	cached, err := reg.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateActive, cached.State)

	fresh, err := reg.Fresh(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatePaused, fresh.State)

	// Fresh refreshed the map.
	cached, err = reg.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatePaused, cached.State)
}

func TestRegistry_Get_MissPopulatesMap(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())

	s := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateActive)

	got, err := reg.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, s.SessionID, got.SessionID)
	require.Contains(t, reg.Live(), s.SessionID)
}

func TestRegistry_Get_Unknown(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	reg := NewRegistry(repo)

	_, err := reg.Get("no-such-session")
	require.ErrorIs(t, err, sqlite.ErrSessionNotFound)
}

func TestRegistry_WritesRefreshTheMap(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	s := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateActive)

	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())

	require.NoError(t, reg.UpdateState(s.SessionID, domain.SessionStatePaused, testNow))
	got, err := reg.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatePaused, got.State)

	require.NoError(t, reg.UpdateActivity(s.SessionID, "telegram", testNow.Add(time.Minute)))
	got, err = reg.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, "telegram", got.LastInputOrigin)
	require.Equal(t, testNow.Add(time.Minute), got.LastActivityAt)

	require.NoError(t, reg.TouchMessageSent(s.SessionID, testNow.Add(2*time.Minute)))
	got, err = reg.Get(s.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageSent)
	require.Equal(t, testNow.Add(2*time.Minute), *got.LastMessageSent)
}

func TestRegistry_CloseEvictsFromMap(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	s := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateActive)

	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())
	require.Contains(t, reg.Live(), s.SessionID)

	require.NoError(t, reg.UpdateState(s.SessionID, domain.SessionStateClosed, testNow))
	require.NotContains(t, reg.Live(), s.SessionID, "closed sessions must leave the live map")

	got, err := reg.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateClosed, got.State)
}

func TestRegistry_GetByMuxName(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	s := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateActive)

	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())

	got, err := reg.GetByMuxName("workstation", s.MuxName)
	require.NoError(t, err)
	require.Equal(t, s.SessionID, got.SessionID)

	// Wrong computer falls through to the store and misses.
	_, err = reg.GetByMuxName("laptop", s.MuxName)
	require.ErrorIs(t, err, sqlite.ErrSessionNotFound)
}

func TestRegistry_GetByMuxName_StoreFallback(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())

	// Seeded after hydration, so only the store knows it.
	s := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateActive)

	got, err := reg.GetByMuxName("workstation", s.MuxName)
	require.NoError(t, err)
	require.Equal(t, s.SessionID, got.SessionID)
	require.Contains(t, reg.Live(), s.SessionID)
}

func TestRegistry_UpdateAdapterMetadata(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	s := seedSession(t, repo, domain.NewSessionID(), domain.SessionStateActive)

	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())

	meta := json.RawMessage(`{"message_id":1234}`)
	require.NoError(t, reg.UpdateAdapterMetadata(s.SessionID, "telegram", meta, testNow))

	got, err := reg.Get(s.SessionID)
	require.NoError(t, err)
	require.JSONEq(t, string(meta), string(got.MetadataFor("telegram")))
}

func TestRegistry_Save_NewSession(t *testing.T) {
	repo := testutil.NewTestDB(t).Sessions()
	reg := NewRegistry(repo)

	id := domain.NewSessionID()
	s := &domain.Session{
		SessionID:      id,
		Computer:       "workstation",
		ProjectPath:    "/home/user/projects/demo",
		MuxName:        domain.MuxNameFor(id),
		OriginAdapter:  "api",
		Title:          "demo",
		SystemRole:     domain.SystemRoleOrchestrator,
		HumanRole:      domain.HumanRoleAdmin,
		State:          domain.SessionStateInitializing,
		CreatedAt:      testNow,
		LastActivityAt: testNow,
	}
	require.NoError(t, reg.Save(s))

	got, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateInitializing, got.State)
	require.Contains(t, reg.Live(), id)
}
