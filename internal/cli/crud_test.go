package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powersync-ja/powersync-sqlite-core/internal/store"
)

func TestCrudListText(t *testing.T) {
	path, clientID := seedDatabase(t)

	out, err := execute("crud", "list", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, clientID)
	assert.Contains(t, out, "PUT todos/t2")
}

func TestCrudListJSON(t *testing.T) {
	path, clientID := seedDatabase(t)

	out, err := execute("--format", "json", "crud", "list", "--db", path)
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   []CrudEntryReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, clientID, resp.Data[0].ClientID)
	assert.Equal(t, "todos", resp.Data[0].Table)
	assert.Equal(t, "t2", resp.Data[0].RowID)
	assert.Equal(t, "PUT", resp.Data[0].Op)
}

func TestCrudListEmpty(t *testing.T) {
	path, clientID := seedDatabase(t)
	_, err := execute("crud", "ack", "--db", path, clientID)
	require.NoError(t, err)

	out, err := execute("crud", "list", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No pending writes.")
}

func TestCrudAck(t *testing.T) {
	path, clientID := seedDatabase(t)

	out, err := execute("crud", "ack", "--db", path, clientID)
	require.NoError(t, err)
	assert.Contains(t, out, "Acknowledged "+clientID)

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	pending, err := st.HasPendingWrites(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestCrudAckUnknownID(t *testing.T) {
	path, _ := seedDatabase(t)

	_, err := execute("crud", "ack", "--db", path, "no-such-id")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no pending write")
}

func TestCrudReject(t *testing.T) {
	path, clientID := seedDatabase(t)

	out, err := execute("crud", "reject", "--db", path, clientID, "--reason", "schema violation")
	require.NoError(t, err)
	assert.Contains(t, out, "Rejected "+clientID)
	assert.Contains(t, out, "schema violation")

	// The rejected write's optimistic row is rolled back.
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	row, err := st.ReadRow(context.Background(), "todos", "t2")
	require.NoError(t, err)
	assert.Nil(t, row)
}
