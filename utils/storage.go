package utils

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	StorageProviderLocal = "local"
	StorageProviderGCS   = "gcs"
)

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderLocal
	}
	return provider
}

func localUploadsDir() string {
	dir := strings.TrimSpace(os.Getenv("UPLOADS_DIR"))
	if dir == "" {
		dir = "./storage/uploads"
	}
	return dir
}

// GetGCSClient initializes a Google Cloud Storage client.
// Prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS);
// set GCS_CREDENTIALS_JSON to provide explicit JSON locally.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// SaveUpload stores an uploaded file under objectKey and returns the storage path
// recorded on the owning record. Local disk by default, GCS when configured.
func SaveUpload(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	if strings.Contains(objectKey, "..") || strings.HasPrefix(objectKey, "/") {
		return "", errors.New("invalid object key")
	}

	if GetStorageProvider() == StorageProviderGCS {
		if err := uploadBytesToGCS(ctx, objectKey, data, contentType); err != nil {
			return "", err
		}
		return "gcs://" + objectKey, nil
	}

	fullPath := filepath.Join(localUploadsDir(), filepath.FromSlash(objectKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", err
	}
	return fullPath, nil
}

// OpenUpload opens a previously stored upload by the path SaveUpload returned.
func OpenUpload(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	if key, ok := strings.CutPrefix(storagePath, "gcs://"); ok {
		client, err := GetGCSClient(ctx)
		if err != nil {
			return nil, err
		}
		bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
		if bucket == "" {
			return nil, errors.New("GCS_BUCKET is required")
		}
		reader, err := client.Bucket(bucket).Object(key).NewReader(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &gcsUploadReader{ReadCloser: reader, client: client}, nil
	}
	return os.Open(storagePath)
}

type gcsUploadReader struct {
	io.ReadCloser
	client *storage.Client
}

func (r *gcsUploadReader) Close() error {
	err := r.ReadCloser.Close()
	_ = r.client.Close()
	return err
}

func uploadBytesToGCS(ctx context.Context, objectKey string, data []byte, contentType string) error {
	client, err := GetGCSClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return errors.New("GCS_BUCKET is required")
	}

	w := client.Bucket(bucket).Object(objectKey).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
