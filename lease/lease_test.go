package lease

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	azlease "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLeaseClient tracks one blob's lease state, rejecting calls with the
// service's lease error codes.
type fakeLeaseClient struct {
	id     string
	holder *string // shared between clients of the same blob
}

func leaseErr(code bloberror.Code) error {
	return &azcore.ResponseError{ErrorCode: string(code), StatusCode: 409}
}

func (f *fakeLeaseClient) AcquireLease(_ context.Context, _ int32, _ *azlease.BlobAcquireOptions) (azlease.BlobAcquireResponse, error) {
	if *f.holder != "" && *f.holder != f.id {
		return azlease.BlobAcquireResponse{}, leaseErr(bloberror.LeaseAlreadyPresent)
	}
	*f.holder = f.id
	return azlease.BlobAcquireResponse{LeaseID: to.Ptr(f.id)}, nil
}

func (f *fakeLeaseClient) RenewLease(_ context.Context, _ *azlease.BlobRenewOptions) (azlease.BlobRenewResponse, error) {
	if *f.holder != f.id {
		return azlease.BlobRenewResponse{}, leaseErr(bloberror.LeaseIDMismatchWithLeaseOperation)
	}
	return azlease.BlobRenewResponse{}, nil
}

func (f *fakeLeaseClient) ReleaseLease(_ context.Context, _ *azlease.BlobReleaseOptions) (azlease.BlobReleaseResponse, error) {
	if *f.holder != f.id {
		return azlease.BlobReleaseResponse{}, leaseErr(bloberror.LeaseIDMismatchWithLeaseOperation)
	}
	*f.holder = ""
	return azlease.BlobReleaseResponse{}, nil
}

func (f *fakeLeaseClient) BreakLease(_ context.Context, _ *azlease.BlobBreakOptions) (azlease.BlobBreakResponse, error) {
	if *f.holder == "" {
		return azlease.BlobBreakResponse{}, leaseErr(bloberror.LeaseNotPresentWithLeaseOperation)
	}
	*f.holder = ""
	return azlease.BlobBreakResponse{}, nil
}

func fakeFactory(holder *string) ClientFactory {
	return func(leaseID string) (Client, error) {
		return &fakeLeaseClient{id: leaseID, holder: holder}, nil
	}
}

func TestHandleConstructionIsPure(t *testing.T) {
	called := false
	h := NewHandle("lock-1", func(string) (Client, error) {
		called = true
		return nil, nil
	})

	assert.Equal(t, "lock-1", h.Name())
	assert.NotEmpty(t, h.Token())
	assert.False(t, called, "construction must not build the client")
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	holder := ""
	h := NewHandle("lock-2", fakeFactory(&holder))

	require.NoError(t, h.Acquire(context.Background(), 30*time.Second))
	assert.Equal(t, h.Token(), holder)

	require.NoError(t, h.Renew(context.Background()))

	require.NoError(t, h.Release(context.Background()))
	assert.Empty(t, holder)
}

func TestAcquireContended(t *testing.T) {
	holder := ""
	first := NewHandle("lock-3", fakeFactory(&holder))
	second := NewHandle("lock-3", fakeFactory(&holder))

	require.NoError(t, first.Acquire(context.Background(), Infinite))

	err := second.Acquire(context.Background(), Infinite)
	assert.ErrorIs(t, err, ErrHeld)
	assert.Equal(t, first.Token(), holder, "losing acquire must not steal the lease")
}

func TestRenewAndReleaseAfterLoss(t *testing.T) {
	holder := ""
	h := NewHandle("lock-4", fakeFactory(&holder))
	require.NoError(t, h.Acquire(context.Background(), Infinite))

	// Somebody broke the lease and took it over.
	holder = "other-lease-id"

	assert.ErrorIs(t, h.Renew(context.Background()), ErrNotHeld)
	assert.ErrorIs(t, h.Release(context.Background()), ErrNotHeld)
}

func TestBreakEndsForeignLease(t *testing.T) {
	holder := "other-lease-id"
	h := NewHandle("lock-5", fakeFactory(&holder))

	require.NoError(t, h.Break(context.Background()))
	assert.Empty(t, holder)
}

func TestRestoreHandleReleasesForeignAcquire(t *testing.T) {
	holder := ""
	original := NewHandle("lock-7", fakeFactory(&holder))
	require.NoError(t, original.Acquire(context.Background(), Infinite))

	restored := RestoreHandle("lock-7", original.Token(), fakeFactory(&holder))
	assert.Equal(t, original.Token(), restored.Token())

	require.NoError(t, restored.Release(context.Background()))
	assert.Empty(t, holder)
}

func TestFactoryErrorSurfacesOnFirstUse(t *testing.T) {
	h := NewHandle("lock-6", func(string) (Client, error) {
		return nil, errors.New("credential misconfigured")
	})

	err := h.Acquire(context.Background(), Infinite)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential misconfigured")
}
