package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureProvider stores recordings in an Azure Blob Storage container.
type AzureProvider struct {
	Container string
	client    *azblob.Client
}

// NewAzureProvider prefers a connection string and falls back to an account
// name and shared key.
func NewAzureProvider(cfg AzureConfig) (*AzureProvider, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("%w: azure container is required", ErrMissingConfig)
	}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("invalid azure shared key: %w", credErr)
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	default:
		return nil, fmt.Errorf("%w: azure connection string or account name and key are required", ErrMissingConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}
	return &AzureProvider{Container: cfg.Container, client: client}, nil
}

func (a *AzureProvider) Name() string { return "azure" }

func (a *AzureProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := requireArgs(localPath, remotePath); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	if _, err := a.client.UploadFile(ctx, a.Container, remotePath, f, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", remotePath, err)
	}
	return nil
}

func (a *AzureProvider) Download(ctx context.Context, remotePath, localPath string) error {
	if err := requireArgs(localPath, remotePath); err != nil {
		return err
	}
	resp, err := a.client.DownloadStream(ctx, a.Container, remotePath, nil)
	if err != nil {
		return fmt.Errorf("azure download %s: %w", remotePath, err)
	}
	defer resp.Body.Close()
	return writeLocal(localPath, resp.Body)
}

func (a *AzureProvider) List(ctx context.Context, prefix string) ([]string, error) {
	pager := a.client.NewListBlobsFlatPager(a.Container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

func (a *AzureProvider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errors.New("remote path is required")
	}
	_, err := a.client.DeleteBlob(ctx, a.Container, remotePath, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", remotePath, err)
	}
	return nil
}
