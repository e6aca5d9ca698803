// Package locking layers resource-keyed lock management over the lock
// blob adapter: take a lock by name, hand it back, inspect who holds it.
// Backends are pluggable; the blob-lease backend is the default, with a
// table-entity backend and test doubles alongside.
package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lockplane/blobmutex/azure"
	"github.com/lockplane/blobmutex/lease"
	"github.com/lockplane/blobmutex/lockblob"
)

// Lock is the backend contract: acquire a resource for a transaction,
// release it, and report the transaction currently holding it (nil when
// unheld). Acquiring an already-held resource reports false, not an
// error.
type Lock interface {
	Lock(ctx context.Context, transactionID int, resource string) (bool, error)
	Unlock(ctx context.Context, resource string) (bool, error)
	GetLock(ctx context.Context, resource string) (*int, error)
}

const (
	metadataKeyTransactionID = "transaction_id"
	metadataKeyCreatedAt     = "created_at"
)

// BlobLeaseLock holds each resource as a leased lock blob: the blob
// records which transaction created it, the lease is the exclusivity.
// One BlobLeaseLock instance tracks the leases it acquired; releasing a
// lock taken by another instance requires breaking the lease out of
// band.
type BlobLeaseLock struct {
	// Refs builds the lock-blob reference for a resource name.
	Refs func(resource string) *lockblob.Ref

	// TTL is the lease duration; zero or negative means infinite.
	TTL time.Duration

	mu   sync.Mutex
	held map[string]*heldLease
}

type heldLease struct {
	handle        *lease.Handle
	transactionID int
}

func (l *BlobLeaseLock) Lock(ctx context.Context, transactionID int, resource string) (bool, error) {
	l.mu.Lock()
	if existing, ok := l.held[resource]; ok {
		l.mu.Unlock()
		if existing.transactionID == transactionID {
			return true, nil
		}
		slog.Debug("Resource already locked by this process",
			"resource", resource,
			"holder", existing.transactionID,
			"requested", transactionID)
		return false, nil
	}
	l.mu.Unlock()

	adapter := lockblob.New(l.Refs(resource))

	created, err := adapter.CreateIfNotExists(ctx, map[string]string{
		metadataKeyTransactionID: strconv.Itoa(transactionID),
		metadataKeyCreatedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Error("Failed to ensure lock blob", "resource", resource, "error", err)
		return false, err
	}
	if !created {
		slog.Debug("Lock blob already present, proceeding to lease", "resource", resource)
	}

	handle := adapter.NewLeaseHandle()
	ttl := l.TTL
	if ttl <= 0 {
		ttl = lease.Infinite
	}
	if err := handle.Acquire(ctx, ttl); err != nil {
		if errors.Is(err, lease.ErrHeld) {
			slog.Debug("Lock held by another client", "resource", resource, "transactionId", transactionID)
			return false, nil
		}
		slog.Error("Failed to acquire lock lease", "resource", resource, "error", err)
		return false, err
	}

	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*heldLease)
	}
	l.held[resource] = &heldLease{handle: handle, transactionID: transactionID}
	l.mu.Unlock()

	slog.Info("Lock acquired", "resource", resource, "transactionId", transactionID)
	return true, nil
}

func (l *BlobLeaseLock) Unlock(ctx context.Context, resource string) (bool, error) {
	l.mu.Lock()
	existing, ok := l.held[resource]
	l.mu.Unlock()

	if !ok {
		slog.Debug("No lock held by this process", "resource", resource)
		return false, nil
	}

	// Deleting under the lease removes the blob and the lease together.
	// The held entry is only dropped once the delete goes through, so a
	// failed release keeps the token and can be retried.
	if err := adapterFor(l, resource).DeleteIfExists(ctx, existing.handle.Token()); err != nil {
		slog.Error("Failed to delete lock blob", "resource", resource, "error", err)
		return false, err
	}

	l.mu.Lock()
	delete(l.held, resource)
	l.mu.Unlock()

	slog.Info("Lock released", "resource", resource, "transactionId", existing.transactionID)
	return true, nil
}

func (l *BlobLeaseLock) GetLock(ctx context.Context, resource string) (*int, error) {
	metadata, err := adapterFor(l, resource).Metadata(ctx, "")
	if err != nil {
		if errors.Is(err, lockblob.ErrNotFound) {
			return nil, nil
		}
		slog.Error("Failed to read lock blob", "resource", resource, "error", err)
		return nil, err
	}

	transactionID, err := strconv.Atoi(metadata[metadataKeyTransactionID])
	if err != nil {
		slog.Error("Failed to parse transaction id in lock metadata",
			"resource", resource,
			"raw", metadata[metadataKeyTransactionID],
			"error", err)
		return nil, err
	}
	return &transactionID, nil
}

func adapterFor(l *BlobLeaseLock, resource string) *lockblob.Adapter {
	return lockblob.New(l.Refs(resource))
}

// NoOpLock grants everything. Used when locking is disabled.
type NoOpLock struct{}

func (*NoOpLock) Lock(context.Context, int, string) (bool, error) {
	return true, nil
}

func (*NoOpLock) Unlock(context.Context, string) (bool, error) {
	return true, nil
}

func (*NoOpLock) GetLock(context.Context, string) (*int, error) {
	return nil, nil
}

// GetLock picks a backend from the environment: LOCK_PROVIDER is "blob"
// (default) or "table"; DISABLE_LOCKING=true short-circuits to NoOpLock.
func GetLock() (Lock, error) {
	if strings.ToLower(os.Getenv("DISABLE_LOCKING")) == "true" {
		slog.Info("Locking disabled, using no-op lock provider")
		return &NoOpLock{}, nil
	}

	cfg, err := azure.LoadConfig()
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(os.Getenv("LOCK_PROVIDER"))
	switch provider {
	case "", "blob":
		slog.Info("Using blob lease lock provider", "container", cfg.Container)
		client, err := azure.NewBlobClient(cfg)
		if err != nil {
			return nil, err
		}
		return &BlobLeaseLock{
			Refs: azure.RefFactory(client, cfg.Container, lockblob.KindBlock),
		}, nil
	case "table":
		slog.Info("Using table lock provider", "table", cfg.Table)
		client, err := azure.NewTableClient(cfg)
		if err != nil {
			return nil, err
		}
		return &TableLock{Table: client}, nil
	}

	slog.Error("Unknown lock provider", "provider", provider)
	return nil, fmt.Errorf("unsupported lock provider: %q", provider)
}
