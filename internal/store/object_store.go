package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MirrorConfig holds object-storage mirror configuration.
type MirrorConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// Mirror copies rendered pages and diff images into an S3-compatible
// bucket so regression artifacts outlive the run host.
type Mirror struct {
	client     *minio.Client
	bucketName string
	region     string
}

// Bucket prefixes for the mirrored artifact kinds.
const (
	PathPages = "pages"
	PathDiffs = "diffs"
)

// NewMirror creates an object-storage mirror client.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return &Mirror{client: client, bucketName: cfg.BucketName, region: cfg.Region}, nil
}

// InitBucket ensures the bucket exists and creates it if necessary.
func (m *Mirror) InitBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{Region: m.region})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Health checks object storage connectivity.
func (m *Mirror) Health(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucketName)
	return err
}

// UploadFile uploads a local file to the given object path.
func (m *Mirror) UploadFile(ctx context.Context, localPath, remotePath string) (string, error) {
	info, err := m.client.FPutObject(ctx, m.bucketName, remotePath, localPath, minio.PutObjectOptions{
		ContentType: detectContentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	return info.Key, nil
}

// Exists checks whether an object exists.
func (m *Mirror) Exists(ctx context.Context, path string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucketName, path, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// BuildPagePath returns the object path of a mirrored page image.
func BuildPagePath(hash, version string, pageNum int) string {
	return filepath.ToSlash(filepath.Join(PathPages, hash, version, fmt.Sprintf("page-%d.png", pageNum)))
}

// BuildDiffPath returns the object path of a mirrored diff image.
func BuildDiffPath(hash, refVersion, tarVersion, filename string) string {
	return filepath.ToSlash(filepath.Join(PathDiffs, hash, refVersion+"-"+tarVersion, filename))
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
