// Package azure builds the storage clients the lock packages run on:
// blob service clients for lock blobs, table clients for the table lock
// backend, and lock-blob references wired with real lease clients.
package azure

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	azlease "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/lockplane/blobmutex/lease"
	"github.com/lockplane/blobmutex/lockblob"
)

// Config selects the storage account, the credential source, and where
// lock state lives. Credential sources are tried in a fixed order:
// shared key, connection string, client secret, then the ambient default
// credential chain.
type Config struct {
	AccountName      string `env:"AZURE_STORAGE_ACCOUNT_NAME"`
	SharedKey        string `env:"AZURE_STORAGE_SHARED_KEY"`
	ConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	TenantID         string `env:"AZURE_TENANT_ID"`
	ClientID         string `env:"AZURE_CLIENT_ID"`
	ClientSecret     string `env:"AZURE_CLIENT_SECRET"`
	Container        string `env:"AZURE_STORAGE_CONTAINER" envDefault:"locks"`
	Table            string `env:"AZURE_LOCK_TABLE" envDefault:"blobmutexlock"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, errors.Wrap(err, "parsing storage configuration from environment")
	}
	return cfg, nil
}

func (c Config) blobServiceURL() string {
	return fmt.Sprintf("https://%s.blob.core.windows.net", c.AccountName)
}

func (c Config) tableServiceURL() string {
	return fmt.Sprintf("https://%s.table.core.windows.net", c.AccountName)
}

// NewBlobClient builds a blob service client using the first credential
// source the configuration provides.
func NewBlobClient(cfg Config) (*azblob.Client, error) {
	switch {
	case cfg.SharedKey != "":
		if cfg.AccountName == "" {
			return nil, errors.New("AZURE_STORAGE_ACCOUNT_NAME must be set when using shared key authentication")
		}
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.SharedKey)
		if err != nil {
			return nil, errors.Wrap(err, "creating shared key credential")
		}
		slog.Debug("Using shared key authentication for blob service", "account", cfg.AccountName)
		return azblob.NewClientWithSharedKeyCredential(cfg.blobServiceURL(), cred, nil)

	case cfg.ConnectionString != "":
		slog.Debug("Using connection string authentication for blob service")
		return azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)

	case cfg.TenantID != "":
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set when using client secret authentication")
		}
		if cfg.AccountName == "" {
			return nil, errors.New("AZURE_STORAGE_ACCOUNT_NAME must be set when using client secret authentication")
		}
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, errors.Wrap(err, "creating client secret credential")
		}
		slog.Debug("Using client secret authentication for blob service", "account", cfg.AccountName, "tenant", cfg.TenantID)
		return azblob.NewClient(cfg.blobServiceURL(), cred, nil)

	default:
		if cfg.AccountName == "" {
			return nil, errors.New("AZURE_STORAGE_ACCOUNT_NAME must be set")
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, errors.Wrap(err, "creating default credential")
		}
		slog.Debug("Using default credential chain for blob service", "account", cfg.AccountName)
		return azblob.NewClient(cfg.blobServiceURL(), cred, nil)
	}
}

// NewTableClient builds a client for the configured lock table.
func NewTableClient(cfg Config) (*aztables.Client, error) {
	svc, err := newTableServiceClient(cfg)
	if err != nil {
		return nil, err
	}
	return svc.NewClient(cfg.Table), nil
}

func newTableServiceClient(cfg Config) (*aztables.ServiceClient, error) {
	switch {
	case cfg.SharedKey != "":
		if cfg.AccountName == "" {
			return nil, errors.New("AZURE_STORAGE_ACCOUNT_NAME must be set when using shared key authentication")
		}
		cred, err := aztables.NewSharedKeyCredential(cfg.AccountName, cfg.SharedKey)
		if err != nil {
			return nil, errors.Wrap(err, "creating shared key credential")
		}
		return aztables.NewServiceClientWithSharedKey(cfg.tableServiceURL(), cred, nil)

	case cfg.ConnectionString != "":
		return aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, nil)

	case cfg.TenantID != "":
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set when using client secret authentication")
		}
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, errors.Wrap(err, "creating client secret credential")
		}
		return aztables.NewServiceClient(cfg.tableServiceURL(), cred, nil)

	default:
		if cfg.AccountName == "" {
			return nil, errors.New("AZURE_STORAGE_ACCOUNT_NAME must be set")
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, errors.Wrap(err, "creating default credential")
		}
		return aztables.NewServiceClient(cfg.tableServiceURL(), cred, nil)
	}
}

// EnsureContainer creates the lock container if it is missing. Already
// existing is not a failure.
func EnsureContainer(ctx context.Context, client *azblob.Client, container string) error {
	_, err := client.CreateContainer(ctx, container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return errors.Wrapf(err, "creating container %q", container)
	}
	return nil
}

// NewRef builds a lock-blob reference of the given kind inside the given
// container, wired with a real lease client factory.
func NewRef(client *azblob.Client, containerName, blobName string, kind lockblob.Kind) *lockblob.Ref {
	container := client.ServiceClient().NewContainerClient(containerName)
	blobClient := container.NewBlobClient(blobName)

	factory := lease.ClientFactory(func(leaseID string) (lease.Client, error) {
		return azlease.NewBlobClient(blobClient, &azlease.BlobClientOptions{LeaseID: to.Ptr(leaseID)})
	})

	switch kind {
	case lockblob.KindFlat:
		return lockblob.NewFlatRef(blobName, container.NewBlockBlobClient(blobName), factory)
	case lockblob.KindBlock:
		return lockblob.NewBlockRef(blobName, container.NewBlockBlobClient(blobName), factory)
	case lockblob.KindPage:
		return lockblob.NewPageRef(blobName, container.NewPageBlobClient(blobName), factory)
	case lockblob.KindAppend:
		return lockblob.NewAppendRef(blobName, container.NewAppendBlobClient(blobName), factory)
	}
	return lockblob.NewUntypedRef(blobName, blobClient, factory)
}

// RefFactory returns a per-resource reference builder for the lock
// manager, all references sharing one service client and kind.
func RefFactory(client *azblob.Client, containerName string, kind lockblob.Kind) func(string) *lockblob.Ref {
	return func(blobName string) *lockblob.Ref {
		return NewRef(client, containerName, blobName, kind)
	}
}
