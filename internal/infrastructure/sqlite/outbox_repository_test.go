package sqlite

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teleclaude/internal/domain"
)

func testOutboxRow(envelopeID, adapter string) *domain.OutboxRow {
	return &domain.OutboxRow{
		EnvelopeID:    envelopeID,
		TargetAdapter: adapter,
		Payload:       json.RawMessage(`{"session_id":"sess-1","text":"hi"}`),
	}
}

func TestOutboxRepository_Insert_AssignsIDs(t *testing.T) {
	repo := newTestDB(t).Outbox()

	rows := []*domain.OutboxRow{
		testOutboxRow("01HX0000000000000000000001", "telegram"),
		testOutboxRow("01HX0000000000000000000001", "discord"),
	}
	require.NoError(t, repo.Insert(rows, testNow))
	require.Greater(t, rows[0].ID, int64(0))
	require.Greater(t, rows[1].ID, rows[0].ID)

	got, err := repo.Get(rows[0].ID)
	require.NoError(t, err)
	require.Equal(t, "telegram", got.TargetAdapter)
	require.Equal(t, domain.MessageStatusPending, got.Status)
	require.Equal(t, 0, got.Attempts)
}

func TestOutboxRepository_Insert_Empty(t *testing.T) {
	repo := newTestDB(t).Outbox()
	require.NoError(t, repo.Insert(nil, testNow))
}

func TestOutboxRepository_FetchPending_PerAdapterLanes(t *testing.T) {
	repo := newTestDB(t).Outbox()

	rows := []*domain.OutboxRow{
		testOutboxRow("01HX0000000000000000000001", "telegram"),
		testOutboxRow("01HX0000000000000000000001", "discord"),
		testOutboxRow("01HX0000000000000000000002", "telegram"),
	}
	require.NoError(t, repo.Insert(rows, testNow))

	tg, err := repo.FetchPending("telegram", 10, testNow, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, tg, 2)
	require.Equal(t, "01HX0000000000000000000001", tg[0].EnvelopeID)
	require.Equal(t, "01HX0000000000000000000002", tg[1].EnvelopeID)

	dc, err := repo.FetchPending("discord", 10, testNow, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, dc, 1)
}

func TestOutboxRepository_Claim_CompareAndSet(t *testing.T) {
	repo := newTestDB(t).Outbox()

	rows := []*domain.OutboxRow{testOutboxRow("01HX0000000000000000000001", "telegram")}
	require.NoError(t, repo.Insert(rows, testNow))
	id := rows[0].ID

	claimed, err := repo.Claim(id, testNow, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = repo.Claim(id, testNow.Add(time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)

	claimed, err = repo.Claim(id, testNow.Add(6*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed, "Stale locks are reclaimable")
}

func TestOutboxRepository_RetryLifecycle(t *testing.T) {
	repo := newTestDB(t).Outbox()

	rows := []*domain.OutboxRow{testOutboxRow("01HX0000000000000000000001", "telegram")}
	require.NoError(t, repo.Insert(rows, testNow))
	id := rows[0].ID

	require.NoError(t, repo.MarkFailed(id, "transient: telegram 502", testNow, time.Minute))

	got, err := repo.Get(id)
	require.NoError(t, err)
	require.Equal(t, domain.MessageStatusFailed, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, testNow.Add(time.Minute), *got.NextRetryAt)
	require.Nil(t, got.ProcessedAt)

	// Invisible during backoff, due again once it elapses.
	pending, err := repo.FetchPending("telegram", 10, testNow.Add(30*time.Second), 5*time.Minute)
	require.NoError(t, err)
	require.Empty(t, pending)

	pending, err = repo.FetchPending("telegram", 10, testNow.Add(time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)

	claimed, err := repo.Claim(id, testNow.Add(time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, repo.MarkFailed(id, "transient: telegram 502", testNow.Add(time.Minute), 2*time.Minute))
	got, err = repo.Get(id)
	require.NoError(t, err)
	require.Equal(t, domain.MessageStatusFailed, got.Status)
	require.Equal(t, 2, got.Attempts)
}

func TestOutboxRepository_MarkDelivered(t *testing.T) {
	repo := newTestDB(t).Outbox()

	rows := []*domain.OutboxRow{testOutboxRow("01HX0000000000000000000001", "telegram")}
	require.NoError(t, repo.Insert(rows, testNow))

	require.NoError(t, repo.MarkDelivered(rows[0].ID, testNow))

	got, err := repo.Get(rows[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessageStatusDelivered, got.Status)
	require.Nil(t, got.LockedAt)
	require.Equal(t, testNow, *got.ProcessedAt)

	pending, err := repo.FetchPending("telegram", 10, testNow.Add(time.Hour), 5*time.Minute)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOutboxRepository_MarkExpired(t *testing.T) {
	repo := newTestDB(t).Outbox()

	rows := []*domain.OutboxRow{testOutboxRow("01HX0000000000000000000001", "webui")}
	require.NoError(t, repo.Insert(rows, testNow))

	require.NoError(t, repo.MarkExpired(rows[0].ID, "adapter disabled", testNow))

	got, err := repo.Get(rows[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessageStatusExpired, got.Status)
	require.Equal(t, "adapter disabled", got.LastError)
}

func TestOutboxRepository_AdaptersWithPending(t *testing.T) {
	repo := newTestDB(t).Outbox()

	rows := []*domain.OutboxRow{
		testOutboxRow("01HX0000000000000000000001", "telegram"),
		testOutboxRow("01HX0000000000000000000001", "discord"),
		testOutboxRow("01HX0000000000000000000001", "webui"),
		testOutboxRow("01HX0000000000000000000002", "telegram"),
	}
	require.NoError(t, repo.Insert(rows, testNow))
	require.NoError(t, repo.MarkDelivered(rows[1].ID, testNow))
	require.NoError(t, repo.MarkFailed(rows[2].ID, "transient: socket closed", testNow, time.Minute))

	adapters, err := repo.AdaptersWithPending()
	require.NoError(t, err)
	require.Equal(t, []string{"telegram", "webui"}, adapters,
		"Adapters mid-retry still need a worker")
}

func TestOutboxRepository_DeleteTerminalBefore(t *testing.T) {
	repo := newTestDB(t).Outbox()

	old := testNow.Add(-80 * time.Hour)
	oldRows := []*domain.OutboxRow{
		testOutboxRow("01HX0000000000000000000001", "telegram"),
		testOutboxRow("01HX0000000000000000000002", "telegram"),
	}
	require.NoError(t, repo.Insert(oldRows, old))
	require.NoError(t, repo.MarkDelivered(oldRows[0].ID, old))

	fresh := []*domain.OutboxRow{testOutboxRow("01HX0000000000000000000003", "telegram")}
	require.NoError(t, repo.Insert(fresh, testNow))
	require.NoError(t, repo.MarkDelivered(fresh[0].ID, testNow))

	n, err := repo.DeleteTerminalBefore(testNow.Add(-72 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "Old pending rows and fresh terminal rows both survive")

	_, err = repo.Get(oldRows[0].ID)
	require.ErrorIs(t, err, ErrMessageNotFound)
	_, err = repo.Get(oldRows[1].ID)
	require.NoError(t, err)
}

func TestOutboxRepository_FIFOWithinAdapter(t *testing.T) {
	repo := newTestDB(t).Outbox()

	var want []string
	for i := 0; i < 5; i++ {
		env := fmt.Sprintf("01HX000000000000000000000%d", i)
		require.NoError(t, repo.Insert([]*domain.OutboxRow{testOutboxRow(env, "telegram")}, testNow))
		want = append(want, env)
	}

	got, err := repo.FetchPending("telegram", 10, testNow, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, row := range got {
		require.Equal(t, want[i], row.EnvelopeID)
	}
}
