package blob

import (
	"context"
	"errors"
	"os"
	"time"
)

var (
	// ErrNotFound is returned when the key has no object
	ErrNotFound = errors.New("blob not found")

	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("blob store unavailable")

	// ErrPermissionDenied is returned on authorization failures
	ErrPermissionDenied = errors.New("blob store permission denied")
)

// Store defines the blob store gateway. Keys are application-chosen
// paths; the bucket is created idempotently on first use.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PutFile(ctx context.Context, key, localPath, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	DownloadTo(ctx context.Context, key, localPath string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Resolve materializes a reference that may be either a blob key or a
// local filesystem path, probing the blob store first. It returns a
// local path to read from and whether that path is a temporary copy
// the caller should remove. This dual addressing is an explicit
// contract inherited from local-only deployments.
func Resolve(ctx context.Context, store Store, ref, tmpDir string) (string, bool, error) {
	ok, err := store.Exists(ctx, ref)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		return "", false, err
	}
	if ok {
		tmp, err := os.CreateTemp(tmpDir, "blob-*"+sanitizeExt(ref))
		if err != nil {
			return "", false, err
		}
		tmpPath := tmp.Name()
		tmp.Close()
		if err := store.DownloadTo(ctx, ref, tmpPath); err != nil {
			os.Remove(tmpPath)
			return "", false, err
		}
		return tmpPath, true, nil
	}

	if _, err := os.Stat(ref); err == nil {
		return ref, false, nil
	}
	return "", false, ErrNotFound
}

func sanitizeExt(ref string) string {
	for i := len(ref) - 1; i >= 0 && len(ref)-i <= 8; i-- {
		if ref[i] == '.' {
			return ref[i:]
		}
		if ref[i] == '/' {
			break
		}
	}
	return ""
}
