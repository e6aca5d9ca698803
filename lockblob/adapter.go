package lockblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/pageblob"
	"github.com/samber/lo"

	"github.com/lockplane/blobmutex/execmode"
	"github.com/lockplane/blobmutex/lease"
)

var (
	// ErrNotFound reports that the lock blob is absent where an
	// operation required it to exist.
	ErrNotFound = errors.New("lock blob not found")

	// ErrLeaseLost reports that the service rejected a lease condition:
	// the lease expired, was broken, or is held by someone else.
	ErrLeaseLost = errors.New("blob lease lost or held by another client")

	// ErrUnsupported reports a creation attempt through a reference of
	// unknown concrete kind.
	ErrUnsupported = errors.New("blob kind does not support creation")
)

type createFunc func(ctx context.Context, metadata map[string]*string) error

// Adapter exposes the lock-blob lifecycle over one Ref. Every operation
// is a single round trip reported synchronously; the adapter never
// retries, loops, or runs anything in the background. All mutation
// safety comes from the service's conditional-write and lease checks,
// not from client-side locking.
type Adapter struct {
	ref    *Ref
	create createFunc
}

// New builds an adapter for the given reference. The creation strategy
// is picked once, by the reference's kind.
func New(ref *Ref) *Adapter {
	a := &Adapter{ref: ref}
	switch ref.kind {
	case KindFlat:
		a.create = a.createFlat
	case KindBlock:
		a.create = a.createBlock
	case KindPage:
		a.create = a.createPage
	case KindAppend:
		a.create = a.createAppend
	}
	return a
}

// Name returns the lock blob's name. No I/O.
func (a *Adapter) Name() string {
	return a.ref.name
}

// Kind returns the reference's concrete kind. No I/O.
func (a *Adapter) Kind() Kind {
	return a.ref.kind
}

// NewLeaseHandle builds a lease-capable handle bound to this blob. Pure
// construction; only the returned handle's own calls contact the store.
func (a *Adapter) NewLeaseHandle() *lease.Handle {
	return lease.NewHandle(a.ref.name, a.ref.leases)
}

// Metadata fetches the blob's current metadata in one read round trip.
// A non-empty leaseToken makes the read conditional on that lease still
// being active; an empty token reads unconditionally. Returns
// ErrLeaseLost when the lease condition is rejected and ErrNotFound when
// the blob is gone.
func (a *Adapter) Metadata(ctx context.Context, leaseToken string) (map[string]string, error) {
	opts := &blob.GetPropertiesOptions{}
	if leaseToken != "" {
		opts.AccessConditions = &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: to.Ptr(leaseToken)},
		}
	}

	slog.Debug("Reading lock blob metadata", "blob", a.ref.name, "leased", leaseToken != "")

	resp, err := execmode.Invoke(ctx, func(ctx context.Context) (blob.GetPropertiesResponse, error) {
		return a.ref.blob.GetProperties(ctx, opts)
	})
	if err != nil {
		return nil, a.classify("read metadata of", err)
	}

	return fromWireMetadata(resp.Metadata), nil
}

// CreateIfNotExists writes the lock blob with the given metadata and
// zero-length content, guarded so the write is rejected if the blob
// already has any version. Exactly one of any number of concurrent
// callers racing on the same name gets true; the rest get false and the
// existing blob's state is left untouched. A cancelled call may still
// have created the blob; treat cancellation as outcome unknown.
func (a *Adapter) CreateIfNotExists(ctx context.Context, metadata map[string]string) (bool, error) {
	if a.create == nil {
		return false, fmt.Errorf("%w: cannot create %q through a reference of unknown kind", ErrUnsupported, a.ref.name)
	}

	slog.Debug("Creating lock blob", "blob", a.ref.name, "kind", a.ref.kind)

	err := a.create(ctx, toWireMetadata(metadata))
	if err != nil {
		// The create race is expected, not exceptional. Only the
		// service's dedicated already-exists code is downgraded;
		// ConditionNotMet and every other conflict still propagate.
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists) {
			slog.Debug("Lock blob already exists", "blob", a.ref.name)
			return false, nil
		}
		slog.Error("Failed to create lock blob", "blob", a.ref.name, "kind", a.ref.kind, "error", err)
		return false, err
	}

	slog.Info("Lock blob created", "blob", a.ref.name, "kind", a.ref.kind)
	return true, nil
}

// DeleteIfExists removes the lock blob in one delete round trip. With a
// non-empty leaseToken the delete is conditional on that lease; with an
// empty token it carries no lease condition (the service still protects
// an actively leased blob). Deleting an absent blob is a no-op.
func (a *Adapter) DeleteIfExists(ctx context.Context, leaseToken string) error {
	opts := &blob.DeleteOptions{}
	if leaseToken != "" {
		opts.AccessConditions = &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: to.Ptr(leaseToken)},
		}
	}

	slog.Debug("Deleting lock blob", "blob", a.ref.name, "leased", leaseToken != "")

	_, err := execmode.Invoke(ctx, func(ctx context.Context) (blob.DeleteResponse, error) {
		return a.ref.blob.Delete(ctx, opts)
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			slog.Debug("Lock blob already absent", "blob", a.ref.name)
			return nil
		}
		return a.classify("delete", err)
	}

	slog.Info("Lock blob deleted", "blob", a.ref.name)
	return nil
}

func (a *Adapter) createFlat(ctx context.Context, metadata map[string]*string) error {
	opts := &blockblob.UploadBufferOptions{
		Metadata:         metadata,
		AccessConditions: ifAbsent(),
	}
	_, err := execmode.Invoke(ctx, func(ctx context.Context) (blockblob.UploadBufferResponse, error) {
		return a.ref.flat.UploadBuffer(ctx, nil, opts)
	})
	return err
}

func (a *Adapter) createBlock(ctx context.Context, metadata map[string]*string) error {
	opts := &blockblob.UploadOptions{
		Metadata:         metadata,
		AccessConditions: ifAbsent(),
	}
	_, err := execmode.Invoke(ctx, func(ctx context.Context) (blockblob.UploadResponse, error) {
		return a.ref.block.Upload(ctx, streaming.NopCloser(bytes.NewReader(nil)), opts)
	})
	return err
}

func (a *Adapter) createPage(ctx context.Context, metadata map[string]*string) error {
	opts := &pageblob.CreateOptions{
		Metadata:         metadata,
		AccessConditions: ifAbsent(),
	}
	_, err := execmode.Invoke(ctx, func(ctx context.Context) (pageblob.CreateResponse, error) {
		return a.ref.page.Create(ctx, 0, opts)
	})
	return err
}

func (a *Adapter) createAppend(ctx context.Context, metadata map[string]*string) error {
	opts := &appendblob.CreateOptions{
		Metadata:         metadata,
		AccessConditions: ifAbsent(),
	}
	_, err := execmode.Invoke(ctx, func(ctx context.Context) (appendblob.CreateResponse, error) {
		return a.ref.app.Create(ctx, opts)
	})
	return err
}

// classify maps service error codes onto the adapter's sentinels.
// Anything unclassified (auth, quota, transport, cancellation) is
// propagated as-is.
func (a *Adapter) classify(op string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		slog.Debug("Lock blob not found", "blob", a.ref.name, "op", op)
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case bloberror.HasCode(err,
		bloberror.LeaseIDMismatchWithBlobOperation,
		bloberror.LeaseNotPresentWithBlobOperation,
		bloberror.LeaseIDMissing,
		bloberror.LeaseLost,
	):
		slog.Debug("Lease condition rejected", "blob", a.ref.name, "op", op)
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	slog.Error("Lock blob operation failed", "blob", a.ref.name, "op", op, "error", err)
	return err
}

// ifAbsent is the universal existence guard: match no existing version,
// so the service rejects the write if the blob exists at all.
func ifAbsent() *blob.AccessConditions {
	return &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{
			IfNoneMatch: to.Ptr(azcore.ETagAny),
		},
	}
}

func toWireMetadata(metadata map[string]string) map[string]*string {
	return lo.MapValues(metadata, func(v string, _ string) *string {
		return to.Ptr(v)
	})
}

func fromWireMetadata(metadata map[string]*string) map[string]string {
	return lo.MapValues(metadata, func(v *string, _ string) string {
		return lo.FromPtr(v)
	})
}
