package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureConfig configures the Azure Blob Storage backend.
type AzureConfig struct {
	// ConnectionString is the storage account connection string.
	ConnectionString string
	// ContainerName is the container holding overflow prompt content.
	ContainerName string
}

// AzureStore is a Store backed by Azure Blob Storage.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates an Azure-backed store. It validates the
// connection string and creates the client but does not contact the
// service until EnsureContainer or the first operation.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &AzureStore{client: client, container: cfg.ContainerName}, nil
}

// EnsureContainer creates the container if it does not already exist.
func (a *AzureStore) EnsureContainer(ctx context.Context) error {
	_, err := a.client.CreateContainer(ctx, a.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", a.container, err)
	}
	return nil
}

// Put implements Store.
func (a *AzureStore) Put(ctx context.Context, key string, content []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := a.client.UploadStream(ctx, a.container, key, bytes.NewReader(content), nil)
	if err != nil {
		return fmt.Errorf("upload blob %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (a *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download blob %s: %w", key, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return content, nil
}

// Delete implements Store.
func (a *AzureStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// Exists implements Store.
func (a *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	blobClient := a.client.
		ServiceClient().
		NewContainerClient(a.container).
		NewBlobClient(key)

	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check blob existence %s: %w", key, err)
	}
	return true, nil
}
