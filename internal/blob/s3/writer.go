package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// partSize is the S3 multipart minimum. Bodies smaller than one part go up
// as a single PutObject; the upload manager decides.
const partSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter on the client's bucket. Every object
// is tagged with the agent that wrote it.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
	agentID  string
}

func NewWriter(c *Client, agentID string) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.S3(), func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = 2
		}),
		bucket:  c.Bucket(),
		agentID: agentID,
	}
}

func (w *Writer) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if w.agentID != "" {
		in.Metadata = map[string]string{"agent-id": w.agentID}
	}
	if _, err := w.uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
