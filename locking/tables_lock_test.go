package locking

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"
)

// emulateTableClient keeps entities in a map and answers with the table
// service's error codes.
type emulateTableClient struct {
	tableExists bool
	entities    map[string][]byte
}

func newEmulateTableClient() *emulateTableClient {
	return &emulateTableClient{entities: make(map[string][]byte)}
}

func tableError(code string, statusCode int) error {
	return &azcore.ResponseError{ErrorCode: code, StatusCode: statusCode}
}

func entityKey(partitionKey, rowKey string) string {
	return partitionKey + "/" + rowKey
}

func (m *emulateTableClient) CreateTable(context.Context, *aztables.CreateTableOptions) (aztables.CreateTableResponse, error) {
	if m.tableExists {
		return aztables.CreateTableResponse{}, tableError(tableErrTableAlreadyExists, 409)
	}
	m.tableExists = true
	return aztables.CreateTableResponse{}, nil
}

func (m *emulateTableClient) AddEntity(_ context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	var parsed aztables.EDMEntity
	if err := json.Unmarshal(entity, &parsed); err != nil {
		return aztables.AddEntityResponse{}, err
	}
	key := entityKey(parsed.PartitionKey, parsed.RowKey)
	if _, ok := m.entities[key]; ok {
		return aztables.AddEntityResponse{}, tableError(tableErrEntityAlreadyExists, 409)
	}
	m.entities[key] = entity
	return aztables.AddEntityResponse{}, nil
}

func (m *emulateTableClient) DeleteEntity(_ context.Context, partitionKey, rowKey string, _ *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	key := entityKey(partitionKey, rowKey)
	if _, ok := m.entities[key]; !ok {
		return aztables.DeleteEntityResponse{}, tableError(tableErrResourceNotFound, 404)
	}
	delete(m.entities, key)
	return aztables.DeleteEntityResponse{}, nil
}

func (m *emulateTableClient) GetEntity(_ context.Context, partitionKey, rowKey string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	entity, ok := m.entities[entityKey(partitionKey, rowKey)]
	if !ok {
		return aztables.GetEntityResponse{}, tableError(tableErrResourceNotFound, 404)
	}
	return aztables.GetEntityResponse{Value: entity}, nil
}

func TestTableLockRoundTrip(t *testing.T) {
	lock := &TableLock{Table: newEmulateTableClient()}
	ctx := context.Background()

	locked, err := lock.Lock(ctx, 100, "project-a")
	require.NoError(t, err)
	assert.Equal(t, true, locked)

	holder, err := lock.GetLock(ctx, "project-a")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, 100, *holder)

	unlocked, err := lock.Unlock(ctx, "project-a")
	require.NoError(t, err)
	assert.Equal(t, true, unlocked)

	holder, err = lock.GetLock(ctx, "project-a")
	require.NoError(t, err)
	assert.Assert(t, holder == nil)
}

func TestTableLockContention(t *testing.T) {
	client := newEmulateTableClient()
	lock := &TableLock{Table: client}
	ctx := context.Background()

	locked, err := lock.Lock(ctx, 1, "project-b")
	require.NoError(t, err)
	assert.Equal(t, true, locked)

	locked, err = lock.Lock(ctx, 2, "project-b")
	require.NoError(t, err)
	assert.Equal(t, false, locked)

	holder, err := lock.GetLock(ctx, "project-b")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, 1, *holder)
}

func TestTableLockUnlockAbsentEntity(t *testing.T) {
	lock := &TableLock{Table: newEmulateTableClient()}

	unlocked, err := lock.Unlock(context.Background(), "never-locked")
	require.NoError(t, err)
	assert.Equal(t, false, unlocked)
}

func TestTableLockCreateTableOnlyOnce(t *testing.T) {
	client := newEmulateTableClient()
	lock := &TableLock{Table: client}
	ctx := context.Background()

	_, err := lock.Lock(ctx, 1, "a")
	require.NoError(t, err)

	// Second acquire hits the already-exists path.
	_, err = lock.Lock(ctx, 2, "b")
	require.NoError(t, err)
	assert.Equal(t, true, client.tableExists)
}
