// Package lockblob adapts the storage SDK's blob client family into one
// uniform lifecycle contract for a lock blob: the single named blob whose
// existence and lease state represent a distributed lock.
package lockblob

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/pageblob"

	"github.com/lockplane/blobmutex/lease"
)

// Kind is the concrete blob flavour a reference was constructed with. It
// decides which creation call the adapter issues and is immutable for the
// lifetime of the reference.
type Kind string

const (
	KindUnknown Kind = "unknown"
	KindFlat    Kind = "flat"
	KindBlock   Kind = "block"
	KindPage    Kind = "page"
	KindAppend  Kind = "append"
)

// BlobClient is the slice of the SDK blob API shared by every kind:
// lease-conditioned property reads and conditional deletes.
type BlobClient interface {
	GetProperties(ctx context.Context, o *blob.GetPropertiesOptions) (blob.GetPropertiesResponse, error)
	Delete(ctx context.Context, o *blob.DeleteOptions) (blob.DeleteResponse, error)
}

// FlatBlobClient is a blob written in a single replace-style upload.
type FlatBlobClient interface {
	BlobClient
	UploadBuffer(ctx context.Context, buffer []byte, o *blockblob.UploadBufferOptions) (blockblob.UploadBufferResponse, error)
}

// BlockBlobClient is a block-structured blob with its own upload call.
type BlockBlobClient interface {
	BlobClient
	Upload(ctx context.Context, body io.ReadSeekCloser, o *blockblob.UploadOptions) (blockblob.UploadResponse, error)
}

// PageBlobClient is a page-structured blob; creation takes an explicit
// content length.
type PageBlobClient interface {
	BlobClient
	Create(ctx context.Context, size int64, o *pageblob.CreateOptions) (pageblob.CreateResponse, error)
}

// AppendBlobClient is an append-only blob; creation takes no length.
type AppendBlobClient interface {
	BlobClient
	Create(ctx context.Context, o *appendblob.CreateOptions) (appendblob.CreateResponse, error)
}

// Ref identifies one lock blob: its store-unique name, its kind, and the
// clients that reach it. The adapter holds it by reference and never
// mutates it, so a Ref is safe for concurrent read-only sharing between
// adapters.
type Ref struct {
	name   string
	kind   Kind
	blob   BlobClient
	flat   FlatBlobClient
	block  BlockBlobClient
	page   PageBlobClient
	app    AppendBlobClient
	leases lease.ClientFactory
}

func NewFlatRef(name string, client FlatBlobClient, leases lease.ClientFactory) *Ref {
	return &Ref{name: name, kind: KindFlat, blob: client, flat: client, leases: leases}
}

func NewBlockRef(name string, client BlockBlobClient, leases lease.ClientFactory) *Ref {
	return &Ref{name: name, kind: KindBlock, blob: client, block: client, leases: leases}
}

func NewPageRef(name string, client PageBlobClient, leases lease.ClientFactory) *Ref {
	return &Ref{name: name, kind: KindPage, blob: client, page: client, leases: leases}
}

func NewAppendRef(name string, client AppendBlobClient, leases lease.ClientFactory) *Ref {
	return &Ref{name: name, kind: KindAppend, blob: client, app: client, leases: leases}
}

// NewUntypedRef builds a reference to a blob whose concrete kind is not
// known. Such a reference supports every operation except creation; the
// blob must be provisioned out of band.
func NewUntypedRef(name string, client BlobClient, leases lease.ClientFactory) *Ref {
	return &Ref{name: name, kind: KindUnknown, blob: client, leases: leases}
}

func (r *Ref) Name() string {
	return r.name
}

func (r *Ref) Kind() Kind {
	return r.kind
}

// LeaseFactory exposes the reference's lease client factory, so a lease
// token issued elsewhere can be restored into a handle for this blob.
func (r *Ref) LeaseFactory() lease.ClientFactory {
	return r.leases
}

// ParseKind maps a configuration string to a Kind. Unrecognized values
// (including the empty string) map to KindUnknown.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindFlat, KindBlock, KindPage, KindAppend:
		return Kind(s)
	}
	return KindUnknown
}
