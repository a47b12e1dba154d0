// internal/blob/blob.go
package blob

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/config"
)

// Client uploads cached map files to S3-compatible storage. Objects are
// public-read; game clients download them directly.
type Client struct {
	mc     *minio.Client
	bucket string
	log    *logrus.Logger
}

// New builds a client from .storage-host creds. The service URL may carry
// an http or https scheme; anything else is treated as a bare host.
func New(creds config.BlobCreds, log *logrus.Logger) (*Client, error) {
	endpoint := creds.ServiceURL
	secure := true
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimPrefix(endpoint, "https://")
	} else if strings.HasPrefix(endpoint, "http://") {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		secure = false
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client for %s: %w", endpoint, err)
	}
	return &Client{mc: mc, bucket: creds.BucketName, log: log}, nil
}

// MapKey is the object key for a cached map file.
func MapKey(trackID int64) string {
	return fmt.Sprintf("%d.Map.Gbx", trackID)
}

// Exists reports whether the object is already uploaded.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s/%s: %w", c.bucket, key, err)
	}
	return true, nil
}

// ListTrackIDs scans the bucket for cached map files and returns their
// track ids. Keys that aren't {id}.Map.Gbx are ignored.
func (c *Client) ListTrackIDs(ctx context.Context) (map[int64]bool, error) {
	ids := make(map[int64]bool)
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", c.bucket, obj.Err)
		}
		name := strings.TrimSuffix(obj.Key, ".Map.Gbx")
		if name == obj.Key {
			continue
		}
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			c.log.Warnf("unparseable object key in bucket: %s", obj.Key)
			continue
		}
		ids[id] = true
	}
	return ids, nil
}

// PutPublic uploads data under key with a public-read ACL.
func (c *Client) PutPublic(ctx context.Context, key string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"x-amz-acl": "public-read"},
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", c.bucket, key, err)
	}
	c.log.WithFields(logrus.Fields{"key": key, "bytes": len(data)}).Debug("uploaded object")
	return nil
}
