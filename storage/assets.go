package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	maxPortraitBytes int64 = 5 * 1024 * 1024
	maxBundleBytes   int64 = 50 * 1024 * 1024
)

// AssetStore keeps card portraits and imported preset bundles in MinIO/S3.
type AssetStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewAssetStoreFromEnv initialises AssetStore using MINIO_* environment
// variables. It returns (nil, nil) when object storage is not configured so
// callers can treat it as optional.
func NewAssetStoreFromEnv() (*AssetStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &AssetStore{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Enabled reports whether the store is backed by a live client.
func (s *AssetStore) Enabled() bool {
	return s != nil && s.client != nil
}

// SavePortrait stores a character portrait image and returns its public URL.
// The object key is portraits/<segments...>/<uuid>.<ext>.
func (s *AssetStore) SavePortrait(ctx context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("storage: asset store not configured")
	}
	if fileHeader == nil {
		return "", errors.New("storage: portrait file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxPortraitBytes {
		return "", fmt.Errorf("storage: portrait size exceeds %d bytes", maxPortraitBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("storage: open portrait: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, maxPortraitBytes+1))
	if err != nil {
		return "", fmt.Errorf("storage: read portrait: %w", err)
	}
	if written > maxPortraitBytes {
		return "", fmt.Errorf("storage: portrait size exceeds %d bytes", maxPortraitBytes)
	}

	data := buffer.Bytes()
	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !isAllowedImageContent(contentType) {
		return "", fmt.Errorf("storage: unsupported portrait content type %q", contentType)
	}

	segments := []string{"portraits"}
	for _, segment := range pathSegments {
		trimmed := strings.Trim(segment, "/")
		if trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	objectName := path.Join(append(segments, uuid.NewString()+imageExtension(fileHeader.Filename, contentType))...)

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := s.client.PutObject(uploadCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=604800",
	}); err != nil {
		return "", fmt.Errorf("storage: upload portrait: %w", err)
	}

	return s.buildPublicURL(objectName), nil
}

// SaveBundle archives the raw bytes of an imported preset bundle under
// bundles/<uuid>-<name> and returns the object key. The copy is for audit
// only; import never reads it back.
func (s *AssetStore) SaveBundle(ctx context.Context, name string, reader io.Reader, size int64, contentType string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("storage: asset store not configured")
	}
	if reader == nil {
		return "", errors.New("storage: bundle reader not provided")
	}
	if size > maxBundleBytes {
		return "", fmt.Errorf("storage: bundle size exceeds %d bytes", maxBundleBytes)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	base := strings.Trim(path.Base(strings.ReplaceAll(name, "\\", "/")), "/")
	if base == "" || base == "." {
		base = "bundle"
	}
	objectName := path.Join("bundles", uuid.NewString()+"-"+base)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.client.PutObject(uploadCtx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("storage: upload bundle: %w", err)
	}

	return objectName, nil
}

// Remove deletes the object pointed to by the provided URL or object key.
func (s *AssetStore) Remove(ctx context.Context, assetURL string) error {
	if !s.Enabled() {
		return nil
	}
	objectName, ok := s.objectNameFromURL(assetURL)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

// PresignedURL returns a temporary URL for fetching the given asset.
func (s *AssetStore) PresignedURL(ctx context.Context, raw string, expiry time.Duration) (string, error) {
	if !s.Enabled() {
		return strings.TrimSpace(raw), nil
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	objectName, ok := s.objectNameFromURL(trimmed)
	if !ok {
		if !strings.Contains(trimmed, "://") {
			objectName = strings.TrimPrefix(trimmed, "/")
			objectName = strings.TrimPrefix(objectName, s.bucket+"/")
		}
	}
	if objectName == "" {
		return trimmed, nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	signed, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return signed.String(), nil
}

func (s *AssetStore) buildPublicURL(objectName string) string {
	base := strings.TrimSuffix(s.publicURL, "/")
	object := strings.TrimPrefix(objectName, "/")
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, object)
}

func (s *AssetStore) objectNameFromURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	base := strings.TrimSuffix(s.publicURL, "/")
	if base != "" && strings.HasPrefix(trimmed, base) {
		candidate := strings.TrimPrefix(trimmed, base)
		candidate = strings.TrimPrefix(candidate, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err == nil && baseURL.Host != "" && baseURL.Host == target.Host {
		candidate := strings.TrimPrefix(target.Path, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	if !strings.Contains(trimmed, "://") {
		candidate := strings.TrimPrefix(trimmed, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	return "", false
}

func isAllowedImageContent(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return true
	case "image/jpeg", "image/pjpeg":
		return true
	case "image/webp":
		return true
	case "image/gif":
		return true
	default:
		return false
	}
}

func imageExtension(filename, contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return ".png"
	case "image/jpeg", "image/pjpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" {
		return ".bin"
	}
	return ext
}
