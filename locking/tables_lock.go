package locking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

const tablePartitionKey = "blobmutex"

// Table service error codes the lock cares about.
const (
	tableErrEntityAlreadyExists = "EntityAlreadyExists"
	tableErrTableAlreadyExists  = "TableAlreadyExists"
	tableErrResourceNotFound    = "ResourceNotFound"
	tableErrEntityNotFound      = "EntityNotFound"
)

// TableClient is the slice of the table API the lock drives, narrowed
// for mocking.
type TableClient interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
}

// TableLock keeps one table entity per locked resource. Exclusivity
// comes from the table service's insert semantics: inserting an entity
// that already exists is rejected atomically.
type TableLock struct {
	Table TableClient
}

func (t *TableLock) Lock(ctx context.Context, transactionID int, resource string) (bool, error) {
	if err := t.createTableIfNotExists(ctx); err != nil {
		return false, err
	}

	entity := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: tablePartitionKey,
			RowKey:       resource,
		},
		Properties: map[string]any{
			metadataKeyTransactionID: transactionID,
		},
	}
	marshalled, err := json.Marshal(entity)
	if err != nil {
		return false, fmt.Errorf("could not marshal lock entity: %v", err)
	}

	_, err = t.Table.AddEntity(ctx, marshalled, nil)
	if err != nil {
		if hasTableErrorCode(err, tableErrEntityAlreadyExists) {
			slog.Debug("Lock entity already exists", "resource", resource)
			return false, nil
		}
		slog.Error("Failed to add lock entity", "resource", resource, "error", err)
		return false, fmt.Errorf("could not add lock entity: %v", err)
	}

	slog.Info("Lock acquired", "resource", resource, "transactionId", transactionID)
	return true, nil
}

func (t *TableLock) Unlock(ctx context.Context, resource string) (bool, error) {
	_, err := t.Table.DeleteEntity(ctx, tablePartitionKey, resource, nil)
	if err != nil {
		if hasTableErrorCode(err, tableErrResourceNotFound, tableErrEntityNotFound) {
			slog.Debug("No lock entity to delete", "resource", resource)
			return false, nil
		}
		slog.Error("Failed to delete lock entity", "resource", resource, "error", err)
		return false, fmt.Errorf("could not delete lock entity: %v", err)
	}

	slog.Info("Lock released", "resource", resource)
	return true, nil
}

func (t *TableLock) GetLock(ctx context.Context, resource string) (*int, error) {
	resp, err := t.Table.GetEntity(ctx, tablePartitionKey, resource, nil)
	if err != nil {
		if hasTableErrorCode(err, tableErrResourceNotFound, tableErrEntityNotFound) {
			return nil, nil
		}
		slog.Error("Failed to read lock entity", "resource", resource, "error", err)
		return nil, fmt.Errorf("could not retrieve lock entity: %v", err)
	}

	var entity aztables.EDMEntity
	if err := json.Unmarshal(resp.Value, &entity); err != nil {
		return nil, fmt.Errorf("could not unmarshal lock entity: %v", err)
	}

	transactionID, ok := transactionIDProperty(entity.Properties[metadataKeyTransactionID])
	if !ok {
		slog.Error("Lock entity has no usable transaction id",
			"resource", resource,
			"raw", entity.Properties[metadataKeyTransactionID])
		return nil, fmt.Errorf("lock entity for %q has no usable transaction id", resource)
	}
	return &transactionID, nil
}

func (t *TableLock) createTableIfNotExists(ctx context.Context) error {
	_, err := t.Table.CreateTable(ctx, nil)
	if err != nil && !hasTableErrorCode(err, tableErrTableAlreadyExists) {
		slog.Error("Failed to create lock table", "error", err)
		return fmt.Errorf("could not create lock table: %v", err)
	}
	return nil
}

// The table service hands numbers back with a type that depends on the
// EDM annotation the entity was stored with.
func transactionIDProperty(raw any) (int, bool) {
	switch v := raw.(type) {
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func hasTableErrorCode(err error, codes ...string) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	for _, code := range codes {
		if respErr.ErrorCode == code {
			return true
		}
	}
	return false
}
