package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// UploadKey is where the source for an upload is written.
func UploadKey(uploadID string) string {
	return "uploads/" + uploadID + "/source"
}

func ObjectURL(bucket, objectKey string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(objectKey, "/")
}

// ParseObjectURL splits s3://bucket/key.
func ParseObjectURL(objectURL string) (bucket, objectKey string, err error) {
	u, err := url.Parse(strings.TrimSpace(objectURL))
	if err != nil {
		return "", "", fmt.Errorf("parse object url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("object url must use the s3 scheme, got %q", u.Scheme)
	}
	objectKey = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || objectKey == "" {
		return "", "", errors.New("object url must be s3://bucket/key")
	}
	return u.Host, objectKey, nil
}
