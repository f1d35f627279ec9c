package sqlite

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"teleclaude/internal/domain"
)

func testSession(sessionID, computer string) *domain.Session {
	return &domain.Session{
		SessionID:      sessionID,
		Computer:       computer,
		ProjectPath:    "/home/user/projects/demo",
		MuxName:        domain.MuxNameFor(sessionID),
		OriginAdapter:  "telegram",
		Title:          "demo session",
		SystemRole:     domain.SystemRoleWorker,
		HumanRole:      domain.HumanRoleMember,
		State:          domain.SessionStateInitializing,
		CreatedAt:      testNow,
		LastActivityAt: testNow,
	}
}

func TestSessionRepository_Save_Insert(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))
	require.Greater(t, s.ID, int64(0), "Save should assign the row id")

	got, err := repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, s.SessionID, got.SessionID)
	require.Equal(t, "workstation", got.Computer)
	require.Equal(t, domain.SessionStateInitializing, got.State)
	require.Equal(t, domain.SystemRoleWorker, got.SystemRole)
	require.False(t, got.Headless)
	require.NotNil(t, got.AdapterMetadata)
}

func TestSessionRepository_Save_Update(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))

	s.Title = "renamed"
	s.State = domain.SessionStateActive
	s.Headless = true
	require.NoError(t, repo.Save(s))

	got, err := repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Title)
	require.Equal(t, domain.SessionStateActive, got.State)
	require.True(t, got.Headless)
	require.Equal(t, testNow, got.CreatedAt, "Updates must not touch created_at")
}

func TestSessionRepository_Save_DuplicateSessionID(t *testing.T) {
	repo := newTestDB(t).Sessions()

	id := domain.NewSessionID()
	require.NoError(t, repo.Save(testSession(id, "workstation")))

	err := repo.Save(testSession(id, "laptop"))
	require.Error(t, err, "session_id is unique across computers")
}

func TestSessionRepository_Save_DuplicateMuxNameOnComputer(t *testing.T) {
	repo := newTestDB(t).Sessions()

	a := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(a))

	b := testSession(domain.NewSessionID(), "workstation")
	b.MuxName = a.MuxName
	require.Error(t, repo.Save(b), "mux name is unique per computer")

	c := testSession(domain.NewSessionID(), "laptop")
	c.MuxName = a.MuxName
	require.NoError(t, repo.Save(c), "The same mux name is fine on another computer")
}

func TestSessionRepository_GetBySessionID_NotFound(t *testing.T) {
	repo := newTestDB(t).Sessions()

	_, err := repo.GetBySessionID("deadbeefdeadbeefdeadbeefdeadbeef")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionRepository_GetByMuxName(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))

	got, err := repo.GetByMuxName("workstation", s.MuxName)
	require.NoError(t, err)
	require.Equal(t, s.SessionID, got.SessionID)

	_, err = repo.GetByMuxName("laptop", s.MuxName)
	require.ErrorIs(t, err, ErrSessionNotFound, "Lookup is scoped to the computer")
}

func TestSessionRepository_List_ExcludesClosedByDefault(t *testing.T) {
	repo := newTestDB(t).Sessions()

	open := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(open))

	closed := testSession(domain.NewSessionID(), "workstation")
	closed.State = domain.SessionStateClosed
	require.NoError(t, repo.Save(closed))

	got, err := repo.List(SessionFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, open.SessionID, got[0].SessionID)

	got, err = repo.List(SessionFilter{IncludeClosed: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestSessionRepository_List_FilterByComputerAndState(t *testing.T) {
	repo := newTestDB(t).Sessions()

	a := testSession(domain.NewSessionID(), "workstation")
	a.State = domain.SessionStateActive
	require.NoError(t, repo.Save(a))

	b := testSession(domain.NewSessionID(), "laptop")
	b.State = domain.SessionStateActive
	require.NoError(t, repo.Save(b))

	c := testSession(domain.NewSessionID(), "workstation")
	c.State = domain.SessionStatePaused
	require.NoError(t, repo.Save(c))

	got, err := repo.List(SessionFilter{Computer: "workstation", State: domain.SessionStateActive})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, a.SessionID, got[0].SessionID)
}

func TestSessionRepository_List_Limit(t *testing.T) {
	repo := newTestDB(t).Sessions()

	for i := 0; i < 5; i++ {
		s := testSession(domain.NewSessionID(), "workstation")
		s.CreatedAt = testNow.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Save(s))
	}

	got, err := repo.List(SessionFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].CreatedAt.After(got[1].CreatedAt), "Newest sessions come first")
}

func TestSessionRepository_UpdateState(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))

	later := testNow.Add(time.Minute)
	require.NoError(t, repo.UpdateState(s.SessionID, domain.SessionStateActive, later))

	got, err := repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateActive, got.State)
	require.Equal(t, later, got.LastActivityAt)
}

func TestSessionRepository_UpdateState_Invalid(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))

	require.Error(t, repo.UpdateState(s.SessionID, domain.SessionState("bogus"), testNow))
}

func TestSessionRepository_UpdateState_NotFound(t *testing.T) {
	repo := newTestDB(t).Sessions()

	err := repo.UpdateState("deadbeefdeadbeefdeadbeefdeadbeef", domain.SessionStateActive, testNow)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionRepository_UpdateActivity(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))

	later := testNow.Add(time.Minute)
	require.NoError(t, repo.UpdateActivity(s.SessionID, "discord", later))

	got, err := repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, "discord", got.LastInputOrigin)
	require.Equal(t, later, got.LastActivityAt)
}

func TestSessionRepository_TouchMessageSent(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))

	got, err := repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.Nil(t, got.LastMessageSent)

	later := testNow.Add(time.Minute)
	require.NoError(t, repo.TouchMessageSent(s.SessionID, later))

	got, err = repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageSent)
	require.Equal(t, later, *got.LastMessageSent)
}

func TestSessionRepository_UpdateAdapterMetadata_IsolatesAdapters(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))

	tg := json.RawMessage(`{"chat_id":123,"message_id":456}`)
	require.NoError(t, repo.UpdateAdapterMetadata(s.SessionID, "telegram", tg, testNow))

	dc := json.RawMessage(`{"channel_id":"789"}`)
	require.NoError(t, repo.UpdateAdapterMetadata(s.SessionID, "discord", dc, testNow))

	got, err := repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.JSONEq(t, string(tg), string(got.MetadataFor("telegram")))
	require.JSONEq(t, string(dc), string(got.MetadataFor("discord")))

	// Overwriting one adapter's slice leaves the other untouched.
	tg2 := json.RawMessage(`{"chat_id":123,"message_id":999}`)
	require.NoError(t, repo.UpdateAdapterMetadata(s.SessionID, "telegram", tg2, testNow))

	got, err = repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.JSONEq(t, string(tg2), string(got.MetadataFor("telegram")))
	require.JSONEq(t, string(dc), string(got.MetadataFor("discord")))
}

func TestSessionRepository_UpdateAdapterMetadata_NilDeletes(t *testing.T) {
	repo := newTestDB(t).Sessions()

	s := testSession(domain.NewSessionID(), "workstation")
	require.NoError(t, repo.Save(s))

	require.NoError(t, repo.UpdateAdapterMetadata(s.SessionID, "telegram", json.RawMessage(`{"chat_id":1}`), testNow))
	require.NoError(t, repo.UpdateAdapterMetadata(s.SessionID, "telegram", nil, testNow))

	got, err := repo.GetBySessionID(s.SessionID)
	require.NoError(t, err)
	require.Nil(t, got.MetadataFor("telegram"))
}

// TestSessionRepository_ListProperty verifies that List with a computer filter
// returns exactly the sessions saved for that computer.
func TestSessionRepository_ListProperty(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		repo := newTestDB(t).Sessions()

		numComputers := rapid.IntRange(1, 3).Draw(r, "numComputers")
		numSessions := rapid.IntRange(1, 10).Draw(r, "numSessions")

		counts := make(map[string]int)
		for i := 0; i < numSessions; i++ {
			computer := fmt.Sprintf("host-%d", rapid.IntRange(0, numComputers-1).Draw(r, "computer"))
			s := testSession(domain.NewSessionID(), computer)
			if err := repo.Save(s); err != nil {
				r.Fatalf("save failed: %v", err)
			}
			counts[computer]++
		}

		for computer, want := range counts {
			got, err := repo.List(SessionFilter{Computer: computer})
			if err != nil {
				r.Fatalf("list failed: %v", err)
			}
			if len(got) != want {
				r.Fatalf("computer %s: got %d sessions, want %d", computer, len(got), want)
			}
			for _, s := range got {
				if s.Computer != computer {
					r.Fatalf("computer %s: list returned session on %s", computer, s.Computer)
				}
			}
		}
	})
}
