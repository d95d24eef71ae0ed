package db

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/null-create/mdt-mcp/pkg/codec"
	"github.com/null-create/mdt-mcp/pkg/ticket"
)

// newTestStore connects to the database named by MDT_TEST_MONGO_URI. Each
// test gets its own database, dropped afterwards.
func newTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MDT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MDT_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	dbName := "mdt_test_" + uuid.NewString()[:8]
	store, err := NewMongoStore(ctx, uri, dbName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.client.Database(dbName).Drop(ctx)
		_ = store.Close(ctx)
	})
	return store
}

func TestMongoTicketLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, ticket.NewTicket{Project: "mdt", Title: "First", Type: "Bug Fix", Content: "## Description\nx"})
	require.NoError(t, err)
	assert.Equal(t, "MDT-001", a.Key)
	b, err := store.Create(ctx, ticket.NewTicket{Project: "MDT", Title: "Second"})
	require.NoError(t, err)
	assert.Equal(t, "MDT-002", b.Key)

	got, err := store.Get(ctx, "mdt-1")
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
	assert.Equal(t, "## Description\nx", got.Content)

	list, err := store.List(ctx, "MDT", ticket.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Empty(t, list[0].Content)

	projects, err := store.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ticket.Project{{Code: "MDT", Tickets: 2}}, projects)

	updated, err := store.UpdateStatus(ctx, "MDT-002", ticket.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusApproved, updated.Status)

	require.NoError(t, store.Delete(ctx, "MDT-001"))
	_, err = store.Get(ctx, "MDT-001")
	assert.ErrorIs(t, err, ticket.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "MDT-001"), ticket.ErrNotFound)
	_, err = store.UpdateStatus(ctx, "MDT-001", ticket.StatusApproved)
	assert.ErrorIs(t, err, ticket.ErrNotFound)
}

func TestMongoRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Record(ctx, codec.Invocation{
		SessionID: "s1",
		RequestID: "1",
		Tool:      "get_cr",
		Params:    json.RawMessage(`{"key":"MDT-001"}`),
		Outcome:   codec.OutcomeOK,
		StartedAt: time.Now(),
		Duration:  3 * time.Millisecond,
	})
	require.NoError(t, err)

	records, err := store.FindInvocationsByTool(ctx, "get_cr")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].SessionID)
	assert.Equal(t, "MDT-001", records[0].Params["key"])
}
