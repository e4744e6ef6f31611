package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver uploads export files to an S3-compatible bucket so bridge
// operators keep an off-host copy of their (still encrypted) key material.
type Archiver struct {
	client *minio.Client
	bucket string
}

// NewArchiver connects to the object store and ensures the bucket exists.
func NewArchiver(endpoint, accessKey, secretKey, bucket string, secure bool) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

// Archive uploads one export file and returns its object name.
func (a *Archiver) Archive(ctx context.Context, data []byte) (string, error) {
	objectName := fmt.Sprintf("export-%s-%s.txt", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
	_, err := a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}
	return objectName, nil
}

// Fetch downloads an archived export file.
func (a *Archiver) Fetch(ctx context.Context, objectName string) ([]byte, error) {
	object, err := a.client.GetObject(ctx, a.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch export: %w", err)
	}
	defer object.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(object); err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return buf.Bytes(), nil
}
