package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type azureConnector struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureBlobConnector() (Connector, error) {
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	container := os.Getenv("AZURE_BLOB_CONTAINER")
	if account == "" || key == "" || container == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY/AZURE_BLOB_CONTAINER required for azure archive")
	}
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	url := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(url, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &azureConnector{
		client:    client,
		container: container,
		prefix:    os.Getenv("AZURE_BLOB_PREFIX"),
	}, nil
}

func (a *azureConnector) Name() string {
	return "azure"
}

func (a *azureConnector) StoreProposal(ctx context.Context, submissionID string, content io.ReadSeeker, _ int64) error {
	blobName := objectKey(a.prefix, submissionID)
	if _, err := a.client.UploadStream(ctx, a.container, blobName, content, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", blobName, err)
	}
	return nil
}
