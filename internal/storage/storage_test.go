package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/storage"
	"github.com/ashita-ai/kanshi/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc, err := testutil.StartPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping storage integration tests: %v\n", err)
		os.Exit(0)
	}

	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestAuditAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	agent := "devops-" + uuid.NewString()[:8]

	risk := model.RiskMedium
	confirm := true
	require.NoError(t, testDB.Append(ctx, model.AuditEntry{
		Agent: agent, EndpointID: "deploy.restart", Method: "POST", Path: "/restart",
		Status: model.AuditAllowed, RiskLevel: &risk, RequireConfirmation: &confirm,
	}))
	require.NoError(t, testDB.Append(ctx, model.AuditEntry{
		Agent: agent, EndpointID: "deploy.rollback", Status: model.AuditDenied, Reason: "No permission rule found",
	}))
	require.NoError(t, testDB.Append(ctx, model.AuditEntry{
		Agent: "other", EndpointID: "x", Status: model.AuditDenied,
	}))

	entries, err := testDB.Query(ctx, model.AuditFilter{Agent: agent})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "deploy.rollback", entries[0].EndpointID, "most recent first")
	assert.Nil(t, entries[0].RiskLevel)
	assert.Nil(t, entries[0].RequireConfirmation)
	require.NotNil(t, entries[1].RiskLevel)
	assert.Equal(t, model.RiskMedium, *entries[1].RiskLevel)
	require.NotNil(t, entries[1].RequireConfirmation)
	assert.True(t, *entries[1].RequireConfirmation)

	denied, err := testDB.Query(ctx, model.AuditFilter{Agent: agent, Status: model.AuditDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "No permission rule found", denied[0].Reason)

	limited, err := testDB.Query(ctx, model.AuditFilter{Agent: agent, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	got, err := testDB.GetAuditEntry(ctx, entries[1].ID.String())
	require.NoError(t, err)
	assert.Equal(t, "/restart", got.Path)

	_, err = testDB.GetAuditEntry(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessagesHistoryByStructuredKey(t *testing.T) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()[:8]
	turn1, turn2 := uuid.New(), uuid.New()
	now := time.Now().UTC()

	save := func(turn uuid.UUID, sender model.AgentID, typ model.MessageType, content string, to ...model.AgentID) {
		t.Helper()
		require.NoError(t, testDB.SaveMessage(ctx, model.Message{
			ConversationID: model.NewConversationID(user, now),
			UserID:         user,
			TurnID:         turn,
			Sender:         sender,
			Content:        content,
			Type:           typ,
			Recipients:     to,
			CreatedAt:      now,
		}))
	}

	save(turn1, model.SenderUser, model.MessageUser, "deploy?", model.AgentDevOps)
	save(turn1, model.SenderCoordinator, model.MessageDelegation, "deploy?", model.AgentDevOps)
	save(turn1, model.AgentDevOps, model.MessageResponse, "deployed", model.SenderCoordinator)
	save(turn2, model.SenderCoordinator, model.MessageDelegation, "report?", model.AgentAnalytics)
	save(turn2, model.AgentAnalytics, model.MessageResponse, "report", model.SenderCoordinator)

	hist, err := testDB.LoadHistory(ctx, model.ConversationKey{UserID: user, AgentID: model.AgentDevOps}, 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, model.MessageUser, hist[0].Type, "oldest first")
	assert.Equal(t, "deployed", hist[2].Content)
	assert.Equal(t, []model.AgentID{model.SenderCoordinator}, hist[2].Recipients)

	last, err := testDB.LoadHistory(ctx, model.ConversationKey{UserID: user, AgentID: model.AgentDevOps}, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "deployed", last[0].Content)

	byTurn, err := testDB.LoadHistory(ctx, model.ConversationKey{UserID: user, AgentID: model.AgentAnalytics, TurnID: turn1}, 10)
	require.NoError(t, err)
	assert.Empty(t, byTurn)

	// A user id that is a substring of another must not match.
	none, err := testDB.LoadHistory(ctx, model.ConversationKey{UserID: user[:5], AgentID: model.AgentDevOps}, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRunMigrationsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), os.DirFS("../../migrations")))
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	err := storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	plain := errors.New("syntax error")
	err = storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		attempts++
		return plain
	})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, attempts, "non-retriable errors return immediately")

	attempts = 0
	err = storage.WithRetry(ctx, 2, time.Millisecond, func() error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40P01", pgErr.Code)
	assert.Equal(t, 3, attempts, "deadlocks are retried until tries run out")
}
