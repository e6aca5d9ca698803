package lockblob

import (
	"context"
	"io"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	azlease "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/pageblob"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/lockplane/blobmutex/lease"
)

// MemoryService is an in-process blob service for tests and local
// development. It enforces the same existence-guard and lease rules the
// real service does and reports failures with the same error codes, so
// adapter behavior against it matches production classification.
type MemoryService struct {
	mu    sync.Mutex
	blobs map[string]*memBlob
}

type memBlob struct {
	metadata map[string]*string
	etag     azcore.ETag
	leaseID  string
}

func NewMemoryService() *MemoryService {
	return &MemoryService{blobs: make(map[string]*memBlob)}
}

// Ref builds a reference of the given kind backed by this service.
func (s *MemoryService) Ref(name string, kind Kind) *Ref {
	switch kind {
	case KindFlat:
		return NewFlatRef(name, &memFlatClient{memClient{svc: s, name: name}}, s.LeaseFactory(name))
	case KindBlock:
		return NewBlockRef(name, &memBlockClient{memClient{svc: s, name: name}}, s.LeaseFactory(name))
	case KindPage:
		return NewPageRef(name, &memPageClient{memClient{svc: s, name: name}}, s.LeaseFactory(name))
	case KindAppend:
		return NewAppendRef(name, &memAppendClient{memClient{svc: s, name: name}}, s.LeaseFactory(name))
	}
	return NewUntypedRef(name, &memClient{svc: s, name: name}, s.LeaseFactory(name))
}

// LeaseFactory returns a lease client factory for the named blob.
func (s *MemoryService) LeaseFactory(name string) lease.ClientFactory {
	return func(leaseID string) (lease.Client, error) {
		return &memLeaseClient{svc: s, name: name, id: leaseID}, nil
	}
}

// Exists reports whether the named blob is present.
func (s *MemoryService) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[name]
	return ok
}

// StoredMetadata returns a copy of the named blob's metadata, or nil if
// the blob is absent.
func (s *MemoryService) StoredMetadata(name string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[name]
	if !ok {
		return nil
	}
	return fromWireMetadata(b.metadata)
}

// LeaseID returns the active lease ID on the named blob, or "" if the
// blob is absent or unleased.
func (s *MemoryService) LeaseID(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[name]
	if !ok {
		return ""
	}
	return b.leaseID
}

func svcError(code bloberror.Code, statusCode int) error {
	return &azcore.ResponseError{ErrorCode: string(code), StatusCode: statusCode}
}

func leaseIDFrom(ac *blob.AccessConditions) string {
	if ac == nil || ac.LeaseAccessConditions == nil {
		return lo.Empty[string]()
	}
	return lo.FromPtr(ac.LeaseAccessConditions.LeaseID)
}

func guardedIfAbsent(ac *blob.AccessConditions) bool {
	return ac != nil &&
		ac.ModifiedAccessConditions != nil &&
		ac.ModifiedAccessConditions.IfNoneMatch != nil &&
		*ac.ModifiedAccessConditions.IfNoneMatch == azcore.ETagAny
}

// create applies the service's Put semantics: the existence guard wins
// over everything, then lease protection on overwrites.
func (s *MemoryService) create(ctx context.Context, name string, metadata map[string]*string, ac *blob.AccessConditions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.blobs[name]
	if ok && guardedIfAbsent(ac) {
		return svcError(bloberror.BlobAlreadyExists, 409)
	}
	if ok && existing.leaseID != "" {
		switch leaseIDFrom(ac) {
		case existing.leaseID:
		case "":
			return svcError(bloberror.LeaseIDMissing, 412)
		default:
			return svcError(bloberror.LeaseIDMismatchWithBlobOperation, 412)
		}
	}

	b := &memBlob{
		metadata: lo.MapValues(metadata, func(v *string, _ string) *string { return to.Ptr(lo.FromPtr(v)) }),
		etag:     azcore.ETag(uuid.NewString()),
	}
	if ok {
		b.leaseID = existing.leaseID
	}
	s.blobs[name] = b
	return nil
}

// memClient implements BlobClient; the kind-specific clients embed it.
type memClient struct {
	svc  *MemoryService
	name string
}

func (c *memClient) GetProperties(ctx context.Context, o *blob.GetPropertiesOptions) (blob.GetPropertiesResponse, error) {
	if err := ctx.Err(); err != nil {
		return blob.GetPropertiesResponse{}, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	b, ok := c.svc.blobs[c.name]
	if !ok {
		return blob.GetPropertiesResponse{}, svcError(bloberror.BlobNotFound, 404)
	}

	var conditions *blob.AccessConditions
	if o != nil {
		conditions = o.AccessConditions
	}
	if token := leaseIDFrom(conditions); token != "" {
		if b.leaseID == "" {
			return blob.GetPropertiesResponse{}, svcError(bloberror.LeaseNotPresentWithBlobOperation, 412)
		}
		if b.leaseID != token {
			return blob.GetPropertiesResponse{}, svcError(bloberror.LeaseIDMismatchWithBlobOperation, 412)
		}
	}

	return blob.GetPropertiesResponse{
		Metadata:      lo.MapValues(b.metadata, func(v *string, _ string) *string { return to.Ptr(lo.FromPtr(v)) }),
		ETag:          to.Ptr(b.etag),
		ContentLength: to.Ptr(int64(0)),
	}, nil
}

func (c *memClient) Delete(ctx context.Context, o *blob.DeleteOptions) (blob.DeleteResponse, error) {
	if err := ctx.Err(); err != nil {
		return blob.DeleteResponse{}, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	b, ok := c.svc.blobs[c.name]
	if !ok {
		return blob.DeleteResponse{}, svcError(bloberror.BlobNotFound, 404)
	}

	var conditions *blob.AccessConditions
	if o != nil {
		conditions = o.AccessConditions
	}
	token := leaseIDFrom(conditions)
	if b.leaseID != "" {
		if token == "" {
			return blob.DeleteResponse{}, svcError(bloberror.LeaseIDMissing, 412)
		}
		if token != b.leaseID {
			return blob.DeleteResponse{}, svcError(bloberror.LeaseIDMismatchWithBlobOperation, 412)
		}
	} else if token != "" {
		return blob.DeleteResponse{}, svcError(bloberror.LeaseNotPresentWithBlobOperation, 412)
	}

	delete(c.svc.blobs, c.name)
	return blob.DeleteResponse{}, nil
}

type memFlatClient struct{ memClient }

func (c *memFlatClient) UploadBuffer(ctx context.Context, _ []byte, o *blockblob.UploadBufferOptions) (blockblob.UploadBufferResponse, error) {
	var metadata map[string]*string
	var conditions *blob.AccessConditions
	if o != nil {
		metadata = o.Metadata
		conditions = o.AccessConditions
	}
	if err := c.svc.create(ctx, c.name, metadata, conditions); err != nil {
		return blockblob.UploadBufferResponse{}, err
	}
	return blockblob.UploadBufferResponse{}, nil
}

type memBlockClient struct{ memClient }

func (c *memBlockClient) Upload(ctx context.Context, _ io.ReadSeekCloser, o *blockblob.UploadOptions) (blockblob.UploadResponse, error) {
	var metadata map[string]*string
	var conditions *blob.AccessConditions
	if o != nil {
		metadata = o.Metadata
		conditions = o.AccessConditions
	}
	if err := c.svc.create(ctx, c.name, metadata, conditions); err != nil {
		return blockblob.UploadResponse{}, err
	}
	return blockblob.UploadResponse{}, nil
}

type memPageClient struct{ memClient }

func (c *memPageClient) Create(ctx context.Context, _ int64, o *pageblob.CreateOptions) (pageblob.CreateResponse, error) {
	var metadata map[string]*string
	var conditions *blob.AccessConditions
	if o != nil {
		metadata = o.Metadata
		conditions = o.AccessConditions
	}
	if err := c.svc.create(ctx, c.name, metadata, conditions); err != nil {
		return pageblob.CreateResponse{}, err
	}
	return pageblob.CreateResponse{}, nil
}

type memAppendClient struct{ memClient }

func (c *memAppendClient) Create(ctx context.Context, o *appendblob.CreateOptions) (appendblob.CreateResponse, error) {
	var metadata map[string]*string
	var conditions *blob.AccessConditions
	if o != nil {
		metadata = o.Metadata
		conditions = o.AccessConditions
	}
	if err := c.svc.create(ctx, c.name, metadata, conditions); err != nil {
		return appendblob.CreateResponse{}, err
	}
	return appendblob.CreateResponse{}, nil
}

type memLeaseClient struct {
	svc  *MemoryService
	name string
	id   string
}

func (c *memLeaseClient) AcquireLease(ctx context.Context, _ int32, _ *azlease.BlobAcquireOptions) (azlease.BlobAcquireResponse, error) {
	if err := ctx.Err(); err != nil {
		return azlease.BlobAcquireResponse{}, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	b, ok := c.svc.blobs[c.name]
	if !ok {
		return azlease.BlobAcquireResponse{}, svcError(bloberror.BlobNotFound, 404)
	}
	if b.leaseID != "" && b.leaseID != c.id {
		return azlease.BlobAcquireResponse{}, svcError(bloberror.LeaseAlreadyPresent, 409)
	}

	b.leaseID = c.id
	return azlease.BlobAcquireResponse{LeaseID: to.Ptr(c.id)}, nil
}

func (c *memLeaseClient) RenewLease(ctx context.Context, _ *azlease.BlobRenewOptions) (azlease.BlobRenewResponse, error) {
	if err := ctx.Err(); err != nil {
		return azlease.BlobRenewResponse{}, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	b, ok := c.svc.blobs[c.name]
	if !ok {
		return azlease.BlobRenewResponse{}, svcError(bloberror.BlobNotFound, 404)
	}
	if b.leaseID == "" {
		return azlease.BlobRenewResponse{}, svcError(bloberror.LeaseNotPresentWithLeaseOperation, 409)
	}
	if b.leaseID != c.id {
		return azlease.BlobRenewResponse{}, svcError(bloberror.LeaseIDMismatchWithLeaseOperation, 409)
	}
	return azlease.BlobRenewResponse{LeaseID: to.Ptr(c.id)}, nil
}

func (c *memLeaseClient) ReleaseLease(ctx context.Context, _ *azlease.BlobReleaseOptions) (azlease.BlobReleaseResponse, error) {
	if err := ctx.Err(); err != nil {
		return azlease.BlobReleaseResponse{}, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	b, ok := c.svc.blobs[c.name]
	if !ok {
		return azlease.BlobReleaseResponse{}, svcError(bloberror.BlobNotFound, 404)
	}
	if b.leaseID == "" {
		return azlease.BlobReleaseResponse{}, svcError(bloberror.LeaseNotPresentWithLeaseOperation, 409)
	}
	if b.leaseID != c.id {
		return azlease.BlobReleaseResponse{}, svcError(bloberror.LeaseIDMismatchWithLeaseOperation, 409)
	}

	b.leaseID = ""
	return azlease.BlobReleaseResponse{}, nil
}

func (c *memLeaseClient) BreakLease(ctx context.Context, _ *azlease.BlobBreakOptions) (azlease.BlobBreakResponse, error) {
	if err := ctx.Err(); err != nil {
		return azlease.BlobBreakResponse{}, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	b, ok := c.svc.blobs[c.name]
	if !ok {
		return azlease.BlobBreakResponse{}, svcError(bloberror.BlobNotFound, 404)
	}
	if b.leaseID == "" {
		return azlease.BlobBreakResponse{}, svcError(bloberror.LeaseNotPresentWithLeaseOperation, 409)
	}

	b.leaseID = ""
	return azlease.BlobBreakResponse{}, nil
}
