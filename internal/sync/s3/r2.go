package s3

import (
	"fmt"
	"strings"
)

// R2Settings returns settings for a Cloudflare R2 bucket.
func R2Settings(accountID, bucket, accessKeyID, secretAccessKey string) (Settings, error) {
	if accountID == "" {
		return Settings{}, fmt.Errorf("r2 account id is required")
	}
	if !IsValidR2AccountID(accountID) {
		return Settings{}, fmt.Errorf("r2 account id %q is not 32 hex characters", accountID)
	}
	return Settings{
		Endpoint:        "https://" + R2EndpointForAccount(accountID),
		Region:          "auto",
		Bucket:          bucket,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}, nil
}

// R2EndpointForAccount returns the R2 S3 API host of an account.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare
// account id (32 hex characters).
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
