package s3

import (
	"fmt"
	"strings"
)

// MinIOSettings returns settings for a MinIO server. MinIO needs path-style
// addressing and ignores the region.
func MinIOSettings(endpoint, bucket, accessKeyID, secretAccessKey string, useSSL bool) (Settings, error) {
	base, err := ParseMinIOEndpoint(endpoint, useSSL)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Endpoint:        base,
		Region:          "us-east-1",
		Bucket:          bucket,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		UsePathStyle:    true,
	}, nil
}

// ParseMinIOEndpoint adds a scheme when missing and strips a trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}
