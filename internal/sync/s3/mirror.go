// Package s3 reads template assets from an S3-compatible mirror bucket.
// AWS S3, MinIO and Cloudflare R2 are supported through endpoint presets.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kimhsiao/scanvault/backend/internal/config"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
)

// Settings is a resolved mirror connection.
type Settings struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Validate checks that the settings are usable.
func (s Settings) Validate() error {
	if s.Bucket == "" {
		return errors.New("s3 mirror: bucket is required")
	}
	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return errors.New("s3 mirror: access key id and secret access key are required")
	}
	return nil
}

// SettingsFromConfig resolves the configured provider preset.
func SettingsFromConfig(cfg config.MirrorConfig) (Settings, error) {
	var (
		s   Settings
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "aws":
		s = AWSSettings(cfg.Bucket, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
		if cfg.Endpoint != "" {
			s.Endpoint = cfg.Endpoint
		} else if _, regionErr := AWSEndpointForRegion(s.Region); regionErr != nil {
			err = fmt.Errorf("s3 mirror: region %q has no known endpoint (set mirror.endpoint or use one of %s)",
				s.Region, strings.Join(SupportedAWSRegions(), ", "))
		}
	case "minio":
		s, err = MinIOSettings(cfg.Endpoint, cfg.Bucket, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.UseSSL)
	case "r2":
		s, err = R2Settings(cfg.AccountID, cfg.Bucket, cfg.AccessKeyID, cfg.SecretAccessKey)
	default:
		return Settings{}, apperrors.Newf(apperrors.ErrConfig, "unknown mirror provider %q", cfg.Provider)
	}
	if err != nil {
		return Settings{}, apperrors.Wrap(apperrors.ErrConfig, "invalid mirror configuration", err)
	}
	s.Prefix = cfg.Prefix
	if err := s.Validate(); err != nil {
		return Settings{}, apperrors.Wrap(apperrors.ErrConfig, "invalid mirror configuration", err)
	}
	return s, nil
}

// API is the subset of the S3 client the mirror uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Mirror fetches template assets stored under {prefix}/{templateID}.
type Mirror struct {
	api    API
	bucket string
	prefix string
}

// New creates a mirror client with static credentials.
func New(ctx context.Context, s Settings) (*Mirror, error) {
	if err := s.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid mirror settings", err)
	}
	region := s.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.AccessKeyID,
			s.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to load s3 config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.UsePathStyle
	})
	return NewWithAPI(client, s.Bucket, s.Prefix), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, bucket, prefix string) *Mirror {
	return &Mirror{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of a template asset.
func (m *Mirror) Key(templateID string) string {
	if m.prefix == "" {
		return templateID
	}
	return path.Join(m.prefix, templateID)
}

// Get downloads the asset of templateID, reading at most limit bytes.
func (m *Mirror) Get(ctx context.Context, templateID string, limit int64) ([]byte, error) {
	key := m.Key(templateID)
	out, err := m.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(ctx, err, fmt.Sprintf("get s3://%s/%s", m.bucket, key))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, classify(ctx, err, "read mirror object")
	}
	if int64(len(data)) > limit {
		return nil, apperrors.Newf(apperrors.ErrRemote, "mirror object %s exceeds %d bytes", key, limit)
	}
	return data, nil
}

// Check verifies the bucket is reachable with the configured credentials.
func (m *Mirror) Check(ctx context.Context) error {
	if _, err := m.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)}); err != nil {
		return classify(ctx, err, "head bucket "+m.bucket)
	}
	return nil
}

// String identifies the mirror in logs.
func (m *Mirror) String() string {
	return "s3://" + path.Join(m.bucket, m.prefix)
}

func classify(ctx context.Context, err error, op string) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return apperrors.Wrap(apperrors.ErrNotFound, op+": not found", err)
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() == context.DeadlineExceeded:
		return apperrors.Wrap(apperrors.ErrNetworkTimeout, op+": timed out", err)
	default:
		return apperrors.Wrap(apperrors.ErrNetwork, op+" failed", err)
	}
}
