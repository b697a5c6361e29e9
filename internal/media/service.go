// Package media stores issue photo attachments in S3-compatible object
// storage.
package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"civictrack/api/internal/util"
)

const presignTTL = 15 * time.Minute

var photoExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

type Service struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Service{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the photo bucket if it does not exist yet.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// AllowedPhotoType reports whether the content type is an accepted photo
// format.
func AllowedPhotoType(contentType string) bool {
	_, ok := photoExtensions[contentType]
	return ok
}

// PhotoKey builds the object key for a new photo under its issue prefix.
func PhotoKey(issueID, contentType string) string {
	return path.Join("issues", issueID, util.NewID("ph")+photoExtensions[contentType])
}

// UploadPhoto stores one photo for an issue and returns its object key.
func (s *Service) UploadPhoto(ctx context.Context, issueID, contentType string, body io.Reader, size int64) (string, error) {
	if !AllowedPhotoType(contentType) {
		return "", fmt.Errorf("unsupported photo content type %q", contentType)
	}
	key := PhotoKey(issueID, contentType)
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload photo %s: %w", key, err)
	}
	return key, nil
}

// ListPhotoURLs returns presigned download URLs for every photo attached to
// the issue.
func (s *Service) ListPhotoURLs(ctx context.Context, issueID string) ([]string, error) {
	prefix := path.Join("issues", issueID) + "/"
	urls := make([]string, 0)

	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list photos for %s: %w", issueID, object.Err)
		}
		signed, err := s.client.PresignedGetObject(ctx, s.bucket, object.Key, presignTTL, url.Values{})
		if err != nil {
			return nil, fmt.Errorf("presign photo %s: %w", object.Key, err)
		}
		urls = append(urls, signed.String())
	}
	return urls, nil
}
