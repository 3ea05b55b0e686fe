package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/wehubfusion/Dispatch/pkg/codec"
	"go.uber.org/zap"
)

// BlobUploader is the subset of the blob client the sink needs.
type BlobUploader interface {
	Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) error
}

// BlobSink writes each entry as one blob under <prefix>/<node_id>/<date>/<entry_id>.
type BlobSink struct {
	uploader BlobUploader
	codec    codec.Codec
	prefix   string
}

// NewBlobSink creates a sink writing through uploader with the given codec.
func NewBlobSink(uploader BlobUploader, c codec.Codec, prefix string) *BlobSink {
	if c == nil {
		c = codec.JSON{}
	}
	if prefix == "" {
		prefix = "deadletter"
	}
	return &BlobSink{uploader: uploader, codec: c, prefix: strings.Trim(prefix, "/")}
}

// Write implements Sink.
func (s *BlobSink) Write(ctx context.Context, entry Entry) error {
	data, err := s.codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter entry: %w", err)
	}
	metadata := map[string]string{
		"node_id": entry.NodeID,
		"item_id": entry.ItemID,
		"code":    entry.Code,
		"codec":   s.codec.Name(),
	}
	return s.uploader.Upload(ctx, s.Path(entry), data, s.codec.ContentType(), metadata)
}

// Path returns the blob path of entry.
func (s *BlobSink) Path(entry Entry) string {
	return fmt.Sprintf("%s/%s/%s/%s.%s",
		s.prefix,
		entry.NodeID,
		entry.RecordedAt.UTC().Format("2006-01-02"),
		entry.ID,
		s.codec.Name())
}

// AzureBlobClient uploads blobs to Azure Blob Storage with a shared key. It
// also works against Azurite over plain HTTP.
type AzureBlobClient struct {
	client        *azblob.Client
	containerName string
	logger        *zap.Logger

	mu            sync.Mutex
	containerInit bool
}

// NewAzureBlobClient creates a client from a standard connection string.
func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobClient{
		client:        client,
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Upload implements BlobUploader.
func (a *AzureBlobClient) Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) error {
	if err := a.ensureContainer(ctx); err != nil {
		return err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.containerName).NewBlockBlobClient(blobPath)
	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	})
	if err != nil {
		a.logger.Error("Failed to upload dead-letter blob",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Debug("Uploaded dead-letter blob",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			a.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
}

func parseConnectionString(connectionString string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(connectionString, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		params[key] = value
	}
	return params
}
