package azure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockplane/blobmutex/lockblob"
)

const testConnectionString = "DefaultEndpointsProtocol=https;AccountName=testaccount;AccountKey=dGVzdGtleQ==;EndpointSuffix=core.windows.net"

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "testaccount")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "testaccount", cfg.AccountName)
	assert.Equal(t, "locks", cfg.Container)
	assert.Equal(t, "blobmutexlock", cfg.Table)
}

func TestNewBlobClientSharedKeyNeedsAccountName(t *testing.T) {
	_, err := NewBlobClient(Config{SharedKey: "dGVzdGtleQ=="})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AZURE_STORAGE_ACCOUNT_NAME")
}

func TestNewBlobClientClientSecretNeedsIDAndSecret(t *testing.T) {
	_, err := NewBlobClient(Config{TenantID: "tenant", AccountName: "testaccount"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AZURE_CLIENT_ID")
}

func TestNewBlobClientNoCredentialSourceNeedsAccountName(t *testing.T) {
	_, err := NewBlobClient(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AZURE_STORAGE_ACCOUNT_NAME")
}

func TestNewBlobClientFromConnectionString(t *testing.T) {
	client, err := NewBlobClient(Config{ConnectionString: testConnectionString})
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestNewBlobClientSharedKey(t *testing.T) {
	client, err := NewBlobClient(Config{AccountName: "testaccount", SharedKey: "dGVzdGtleQ=="})
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestNewTableClientFromConnectionString(t *testing.T) {
	client, err := NewTableClient(Config{ConnectionString: testConnectionString, Table: "locktable"})
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestNewRefKindDispatch(t *testing.T) {
	client, err := NewBlobClient(Config{ConnectionString: testConnectionString})
	require.NoError(t, err)

	for _, kind := range []lockblob.Kind{
		lockblob.KindFlat,
		lockblob.KindBlock,
		lockblob.KindPage,
		lockblob.KindAppend,
		lockblob.KindUnknown,
	} {
		ref := NewRef(client, "locks", "lock-1", kind)
		require.NotNil(t, ref, "kind %s", kind)
		assert.Equal(t, "lock-1", ref.Name())
		assert.Equal(t, kind, ref.Kind())
	}
}

func TestRefFactorySharesContainerAndKind(t *testing.T) {
	client, err := NewBlobClient(Config{ConnectionString: testConnectionString})
	require.NoError(t, err)

	refs := RefFactory(client, "locks", lockblob.KindBlock)
	assert.Equal(t, "lock-a", refs("lock-a").Name())
	assert.Equal(t, lockblob.KindBlock, refs("lock-b").Kind())
}
