// Package lease wraps the blob lease API behind a small handle with a
// client-chosen lease ID. A handle is bound to one blob; its token is the
// opaque string the storage service checks on lease-conditioned calls.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	azlease "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/google/uuid"

	"github.com/lockplane/blobmutex/execmode"
)

var (
	// ErrHeld is returned by Acquire when another client holds the lease.
	ErrHeld = errors.New("lease already held by another client")

	// ErrNotHeld is returned by Renew and Release when the service no
	// longer recognizes this handle's lease.
	ErrNotHeld = errors.New("lease not held by this client")
)

// Infinite acquires a lease with no expiry; it stays held until released
// or broken.
const Infinite = -1 * time.Second

// Client is the slice of the SDK lease API a handle drives.
type Client interface {
	AcquireLease(ctx context.Context, duration int32, o *azlease.BlobAcquireOptions) (azlease.BlobAcquireResponse, error)
	RenewLease(ctx context.Context, o *azlease.BlobRenewOptions) (azlease.BlobRenewResponse, error)
	ReleaseLease(ctx context.Context, o *azlease.BlobReleaseOptions) (azlease.BlobReleaseResponse, error)
	BreakLease(ctx context.Context, o *azlease.BlobBreakOptions) (azlease.BlobBreakResponse, error)
}

// ClientFactory builds a lease client bound to the given lease ID.
type ClientFactory func(leaseID string) (Client, error)

// Handle is a lease-capable handle for one blob. Construction is pure:
// no I/O happens before Acquire. A handle is meant for a single caller
// and is not safe for concurrent use.
type Handle struct {
	name    string
	id      string
	factory ClientFactory
	client  Client
}

// NewHandle builds a handle with a fresh lease ID. It does not contact
// the store.
func NewHandle(name string, factory ClientFactory) *Handle {
	return RestoreHandle(name, uuid.NewString(), factory)
}

// RestoreHandle rebuilds a handle around a previously issued token, so a
// lease acquired in one process can be renewed or released in another.
func RestoreHandle(name, token string, factory ClientFactory) *Handle {
	return &Handle{
		name:    name,
		id:      token,
		factory: factory,
	}
}

// Name returns the name of the blob the handle is bound to.
func (h *Handle) Name() string {
	return h.name
}

// Token returns the lease ID this handle presents to the service. It is
// only meaningful for the blob the handle was constructed for.
func (h *Handle) Token() string {
	return h.id
}

func (h *Handle) ensureClient() (Client, error) {
	if h.client != nil {
		return h.client, nil
	}
	c, err := h.factory(h.id)
	if err != nil {
		return nil, fmt.Errorf("building lease client for %q: %w", h.name, err)
	}
	h.client = c
	return c, nil
}

// Acquire takes the lease for the given duration, or Infinite. The
// service accepts durations between 15 and 60 seconds.
func (h *Handle) Acquire(ctx context.Context, ttl time.Duration) error {
	c, err := h.ensureClient()
	if err != nil {
		return err
	}

	seconds := int32(-1)
	if ttl > 0 {
		seconds = int32(ttl / time.Second)
	}

	slog.Debug("Acquiring blob lease", "blob", h.name, "ttlSeconds", seconds)

	_, err = execmode.Invoke(ctx, func(ctx context.Context) (azlease.BlobAcquireResponse, error) {
		return c.AcquireLease(ctx, seconds, nil)
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			slog.Debug("Blob lease held elsewhere", "blob", h.name)
			return fmt.Errorf("%w: %v", ErrHeld, err)
		}
		slog.Error("Failed to acquire blob lease", "blob", h.name, "error", err)
		return err
	}

	slog.Info("Blob lease acquired", "blob", h.name)
	return nil
}

// Renew extends the lease for another full duration.
func (h *Handle) Renew(ctx context.Context) error {
	c, err := h.ensureClient()
	if err != nil {
		return err
	}

	_, err = execmode.Invoke(ctx, func(ctx context.Context) (azlease.BlobRenewResponse, error) {
		return c.RenewLease(ctx, nil)
	})
	if err != nil {
		if isNotHeld(err) {
			return fmt.Errorf("%w: %v", ErrNotHeld, err)
		}
		slog.Error("Failed to renew blob lease", "blob", h.name, "error", err)
		return err
	}
	return nil
}

// Release gives the lease up. The blob stays in place.
func (h *Handle) Release(ctx context.Context) error {
	c, err := h.ensureClient()
	if err != nil {
		return err
	}

	_, err = execmode.Invoke(ctx, func(ctx context.Context) (azlease.BlobReleaseResponse, error) {
		return c.ReleaseLease(ctx, nil)
	})
	if err != nil {
		if isNotHeld(err) {
			return fmt.Errorf("%w: %v", ErrNotHeld, err)
		}
		slog.Error("Failed to release blob lease", "blob", h.name, "error", err)
		return err
	}

	slog.Info("Blob lease released", "blob", h.name)
	return nil
}

// Break force-ends whatever lease is active on the blob, no matter who
// holds it. Recovery escape hatch: the next Acquire on any handle can
// then succeed.
func (h *Handle) Break(ctx context.Context) error {
	c, err := h.ensureClient()
	if err != nil {
		return err
	}

	_, err = execmode.Invoke(ctx, func(ctx context.Context) (azlease.BlobBreakResponse, error) {
		return c.BreakLease(ctx, nil)
	})
	if err != nil {
		slog.Error("Failed to break blob lease", "blob", h.name, "error", err)
		return err
	}

	slog.Info("Blob lease broken", "blob", h.name)
	return nil
}

func isNotHeld(err error) bool {
	return bloberror.HasCode(err,
		bloberror.LeaseIDMismatchWithLeaseOperation,
		bloberror.LeaseNotPresentWithLeaseOperation,
		bloberror.LeaseLost,
	)
}
