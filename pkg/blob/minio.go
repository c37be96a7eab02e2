package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lexisub/lexisub/pkg/log"
)

// MinioStore implements Store on any S3-compatible object store
type MinioStore struct {
	client *minio.Client
	bucket string
}

// MinioConfig holds connection settings for the object store
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStore connects to the object store and ensures the bucket
// exists. Bucket creation races are tolerated: if another process wins
// the race the "already owned" error is swallowed.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &MinioStore{client: client, bucket: cfg.Bucket}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !exists {
		err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			resp := minio.ToErrorResponse(err)
			if resp.Code != "BucketAlreadyOwnedByYou" && resp.Code != "BucketAlreadyExists" {
				return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
			}
		} else {
			log.WithComponent("blob").Info().Str("bucket", cfg.Bucket).Msg("Created bucket")
		}
	}

	return s, nil
}

// Put uploads data under key
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return s.translate(err)
	}
	return nil
}

// PutFile uploads a local file under key
func (s *MinioStore) PutFile(ctx context.Context, key, localPath, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return s.translate(err)
	}
	return nil
}

// Get reads the whole object at key
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translate(err)
	}
	return data, nil
}

// Exists probes for the object without reading it
func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		translated := s.translate(err)
		if errors.Is(translated, ErrNotFound) {
			return false, nil
		}
		return false, translated
	}
	return true, nil
}

// DownloadTo fetches the object into localPath
func (s *MinioStore) DownloadTo(ctx context.Context, key, localPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return s.translate(err)
	}
	return nil
}

// PresignGet returns a time-limited direct download URL
func (s *MinioStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", s.translate(err)
	}
	return u.String(), nil
}

// translate maps S3 error codes onto the package sentinels
func (s *MinioStore) translate(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Key)
	case "AccessDenied":
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case "":
		// Not an S3 error response, most likely a network failure
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
