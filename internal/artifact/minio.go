package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/loomworks/loom-go/internal/domain"
)

// MinioStore keeps artifacts in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewMinioStore(client *minio.Client, bucket string, now func() time.Time) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if now == nil {
		now = time.Now
	}
	return &MinioStore{client: client, bucket: bucket, now: now}, nil
}

func (s *MinioStore) Put(ctx context.Context, tenantID, runID, stepName, mediaType string, data []byte) (domain.ArtifactRef, error) {
	if s == nil || s.client == nil {
		return domain.ArtifactRef{}, errors.New("artifact store not initialized")
	}
	ref := newRef(tenantID, runID, stepName, mediaType, data, s.now())
	if err := ref.Validate(); err != nil {
		return domain.ArtifactRef{}, err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, ref.Key, minio.StatObjectOptions{}); err == nil {
		return ref, nil
	}
	opts := minio.PutObjectOptions{ContentType: mediaType}
	if _, err := s.client.PutObject(ctx, s.bucket, ref.Key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("put %s: %w", ref.Key, err)
	}
	return ref, nil
}

func (s *MinioStore) Get(ctx context.Context, tenantID string, ref domain.ArtifactRef) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("artifact store not initialized")
	}
	if err := guardRead(tenantID, ref); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref.Key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMissingObject(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", ref.Key, err)
	}
	if err := verifyContent(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *MinioStore) Exists(ctx context.Context, tenantID string, ref domain.ArtifactRef) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("artifact store not initialized")
	}
	if err := guardRead(tenantID, ref); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.bucket, ref.Key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMissingObject(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", ref.Key, err)
}

func isMissingObject(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
