package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore implements Store on MinIO or any S3-compatible service.
// Objects live under <prefix>/jobs/<jobID>/, mirroring FSStore. A PUT of a
// whole object is atomic, so no temp object is needed.
type ObjectStore struct {
	client  *minio.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

// NewObjectStore wraps an existing client.
func NewObjectStore(client *minio.Client, bucket, prefix string) *ObjectStore {
	return &ObjectStore{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		timeout: 30 * time.Second,
	}
}

// ObjectStoreConfig describes how to reach an S3-compatible service
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// DialObjectStore connects to the service and creates the bucket if needed.
func DialObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("Created checkpoint bucket", "bucket", cfg.Bucket)
	}
	return NewObjectStore(client, cfg.Bucket, cfg.Prefix), nil
}

func (s *ObjectStore) jobPrefix(jobID string) string {
	return path.Join(s.prefix, "jobs", jobID) + "/"
}

func (s *ObjectStore) checkpointKey(jobID string) string {
	return path.Join(s.prefix, "jobs", jobID, checkpointFile)
}

func (s *ObjectStore) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// SaveCheckpoint implements Store
func (s *ObjectStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	key := s.checkpointKey(jobID)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to upload checkpoint: %w", err)
	}

	slog.Debug("Checkpoint saved", "jobID", jobID, "bucket", s.bucket, "key", key)
	return nil
}

// LoadCheckpoint implements Store
func (s *ObjectStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	obj, err := s.client.GetObject(ctx, s.bucket, s.checkpointKey(jobID), minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("failed to fetch checkpoint: %w", err)
	}
	defer obj.Close()

	var checkpoint Checkpoint
	// GetObject is lazy; a missing key surfaces on the first read
	if err := json.NewDecoder(obj).Decode(&checkpoint); err != nil {
		if isNoSuchKey(err) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// ListCheckpoints implements Store
func (s *ObjectStore) ListCheckpoints() ([]CheckpointInfo, error) {
	ctx, cancel := s.requestContext()
	defer cancel()

	infos := []CheckpointInfo{}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    path.Join(s.prefix, "jobs") + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", obj.Err)
		}
		if path.Base(obj.Key) != checkpointFile {
			continue
		}
		jobID := path.Base(path.Dir(obj.Key))
		checkpoint, err := s.LoadCheckpoint(jobID)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "jobID", jobID, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}
	return infos, nil
}

// DeleteCheckpoint implements Store
func (s *ObjectStore) DeleteCheckpoint(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	removed := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.jobPrefix(jobID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list job objects: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
			return fmt.Errorf("failed to remove %s: %w", obj.Key, err)
		}
		removed++
	}
	if removed == 0 {
		return &NotFoundError{JobID: jobID}
	}

	slog.Debug("Checkpoint deleted", "jobID", jobID, "bucket", s.bucket, "objects", removed)
	return nil
}
