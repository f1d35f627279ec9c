package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teleclaude/internal/domain"
)

func TestEnvelopeRepository_Insert_RoundTrip(t *testing.T) {
	repo := newTestDB(t).Envelopes()

	env := testEnvelope(t, domain.EventSessionOutput, testNow).
		WithGroup("sess-1").
		WithProducer("daemon")
	require.NoError(t, repo.Insert(env))
	require.Greater(t, env.ID, int64(0))

	got, err := repo.GetByEnvelopeID(env.EnvelopeID)
	require.NoError(t, err)
	require.Equal(t, domain.EventSessionOutput, got.Type)
	require.Equal(t, "sess-1", got.GroupKey)
	require.Equal(t, "daemon", got.ProducerID)
	require.Equal(t, testNow, got.ProducedAt)
	require.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestEnvelopeRepository_GetByEnvelopeID_NotFound(t *testing.T) {
	repo := newTestDB(t).Envelopes()

	_, err := repo.GetByEnvelopeID("01HX0000000000000000000000")
	require.ErrorIs(t, err, ErrEnvelopeNotFound)
}

func TestEnvelopeRepository_SeenIdempotencyKey(t *testing.T) {
	repo := newTestDB(t).Envelopes()

	env := testEnvelope(t, domain.EventTodoPlanWritten, testNow).WithIdempotency("plan-v1")
	require.NoError(t, repo.Insert(env))

	// The envelope being checked is already logged, so it must not count
	// as its own duplicate.
	seen, err := repo.SeenIdempotencyKey("plan-v1", env.EnvelopeID)
	require.NoError(t, err)
	require.False(t, seen)

	// A later envelope carrying the same key does see the first one.
	later := testEnvelope(t, domain.EventTodoPlanWritten, testNow.Add(time.Second)).WithIdempotency("plan-v1")
	require.NoError(t, repo.Insert(later))

	seen, err = repo.SeenIdempotencyKey("plan-v1", later.EnvelopeID)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestEnvelopeRepository_SeenIdempotencyKey_EmptyKey(t *testing.T) {
	repo := newTestDB(t).Envelopes()

	env := testEnvelope(t, domain.EventSessionOutput, testNow)
	require.NoError(t, repo.Insert(env))

	seen, err := repo.SeenIdempotencyKey("", "01HX0000000000000000000000")
	require.NoError(t, err)
	require.False(t, seen, "Empty keys never dedup")
}

func TestEnvelopeRepository_Query_TypePrefix(t *testing.T) {
	repo := newTestDB(t).Envelopes()

	require.NoError(t, repo.Insert(testEnvelope(t, domain.EventSessionCreated, testNow)))
	require.NoError(t, repo.Insert(testEnvelope(t, domain.EventSessionClosed, testNow)))
	require.NoError(t, repo.Insert(testEnvelope(t, domain.EventTodoPlanWritten, testNow)))

	got, err := repo.Query("domain.session.", testNow.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = repo.Query("", testNow.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestEnvelopeRepository_Query_NewestFirstWithLimit(t *testing.T) {
	repo := newTestDB(t).Envelopes()

	var last string
	for i := 0; i < 5; i++ {
		env := testEnvelope(t, domain.EventSessionOutput, testNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, repo.Insert(env))
		last = env.EnvelopeID
	}

	got, err := repo.Query("", testNow, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, last, got[0].EnvelopeID)
}

func TestEnvelopeRepository_Query_SinceExcludesOlder(t *testing.T) {
	repo := newTestDB(t).Envelopes()

	require.NoError(t, repo.Insert(testEnvelope(t, domain.EventSessionOutput, testNow.Add(-time.Hour))))
	require.NoError(t, repo.Insert(testEnvelope(t, domain.EventSessionOutput, testNow)))

	got, err := repo.Query("", testNow, 0)
	require.NoError(t, err)
	require.Len(t, got, 1, "Envelopes produced before since are excluded")
}

func TestEnvelopeRepository_DeleteBefore(t *testing.T) {
	repo := newTestDB(t).Envelopes()

	require.NoError(t, repo.Insert(testEnvelope(t, domain.EventSessionOutput, testNow.Add(-80*time.Hour))))
	require.NoError(t, repo.Insert(testEnvelope(t, domain.EventSessionOutput, testNow)))

	n, err := repo.DeleteBefore(testNow.Add(-72 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := repo.Query("", testNow.Add(-100*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestEnvelopeRepository_DeleteBefore_KeepsUnresolvedNotificationRefs(t *testing.T) {
	db := newTestDB(t)
	repo := db.Envelopes()
	notifications := db.Notifications()

	old := testEnvelope(t, domain.EventAgentEscalated, testNow.Add(-80*time.Hour))
	require.NoError(t, repo.Insert(old))
	created, err := notifications.Project(old, "escalation pending", testNow.Add(-80*time.Hour))
	require.NoError(t, err)
	require.True(t, created)

	unreferenced := testEnvelope(t, domain.EventSessionOutput, testNow.Add(-80*time.Hour))
	require.NoError(t, repo.Insert(unreferenced))

	n, err := repo.DeleteBefore(testNow.Add(-72 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// The envelope behind the open notification survives the cutoff.
	_, err = repo.GetByEnvelopeID(old.EnvelopeID)
	require.NoError(t, err)

	// Once resolved, the next sweep reclaims it.
	require.NoError(t, notifications.Resolve(old.EnvelopeID, "operator", testNow))
	n, err = repo.DeleteBefore(testNow.Add(-72 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
