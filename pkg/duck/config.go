package duck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LoadS3ConfigFromEnv loads S3 configuration from environment variables.
// Supports AWS S3 and MinIO, including IAM-role credentials (leave both key
// variables unset to use the default credential chain).
//
// Environment variables:
//   - S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID
//   - S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY
//   - S3_ENDPOINT or AWS_ENDPOINT_URL (MinIO: "http://localhost:9000")
//   - S3_REGION or AWS_REGION (defaults to "us-east-1")
//   - S3_USE_SSL ("true"/"false", auto-detected from the endpoint)
//   - S3_URL_STYLE ("path" or "virtual")
func LoadS3ConfigFromEnv() (*S3Config, error) {
	accessKeyID := os.Getenv("S3_ACCESS_KEY_ID")
	if accessKeyID == "" {
		accessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}

	secretAccessKey := os.Getenv("S3_SECRET_ACCESS_KEY")
	if secretAccessKey == "" {
		secretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	// Neither set: not configured, use the default AWS credential chain.
	if accessKeyID == "" && secretAccessKey == "" {
		return nil, nil
	}

	if accessKeyID == "" && secretAccessKey != "" {
		return nil, fmt.Errorf("S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is set but S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is missing")
	}
	if accessKeyID != "" && secretAccessKey == "" {
		return nil, fmt.Errorf("S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is set but S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is missing (for IAM-role credentials, leave both unset)")
	}

	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("AWS_ENDPOINT_URL")
	}

	region := os.Getenv("S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	isMinIO := endpoint != "" && !strings.Contains(endpoint, "amazonaws.com")

	var useSSL bool
	urlStyle := "path"
	if isMinIO {
		useSSL = false
	} else {
		useSSL = true
	}

	if useSSLStr := os.Getenv("S3_USE_SSL"); useSSLStr != "" {
		useSSL = useSSLStr == "true" || useSSLStr == "1"
	}
	if urlStyleEnv := os.Getenv("S3_URL_STYLE"); urlStyleEnv != "" {
		urlStyle = urlStyleEnv
	}

	return &S3Config{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Endpoint:        endpoint,
		Region:          region,
		UseSSL:          useSSL,
		URLStyle:        urlStyle,
	}, nil
}

// NewS3Client builds an AWS SDK S3 client for the given configuration.
// Used for localhost MinIO bucket bootstrap and for fetching s3:// archives.
func NewS3Client(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(creds))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpointURL := cfg.Endpoint
			if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
				endpointURL = "http://" + endpointURL
			}
			o.BaseEndpoint = &endpointURL
			o.UsePathStyle = true
		}
	}), nil
}

// EnsureMinIOBucket creates the storage bucket when the endpoint is a
// localhost MinIO; a missing bucket would otherwise fail the first ATTACH.
func EnsureMinIOBucket(ctx context.Context, log *slog.Logger, storageURI string, s3cfg *S3Config) error {
	if s3cfg == nil || s3cfg.Endpoint == "" {
		return nil
	}

	endpoint := s3cfg.Endpoint
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	if !strings.HasPrefix(endpoint, "localhost") && !strings.HasPrefix(endpoint, "127.0.0.1") && !strings.Contains(endpoint, "host.docker.internal") {
		return nil
	}

	if !strings.HasPrefix(storageURI, "s3://") {
		return nil
	}

	path := strings.TrimPrefix(storageURI, "s3://")
	parts := strings.SplitN(path, "/", 2)
	bucketName := parts[0]
	if bucketName == "" {
		return nil
	}

	if s3cfg.AccessKeyID == "" || s3cfg.SecretAccessKey == "" {
		return fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set")
	}

	s3Client, err := NewS3Client(ctx, s3cfg)
	if err != nil {
		return err
	}

	_, err = s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &bucketName,
	})
	if err == nil {
		return nil
	}

	log.Info("creating MinIO bucket", "bucket", bucketName, "endpoint", s3cfg.Endpoint)
	_, err = s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: &bucketName,
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}

	log.Info("created MinIO bucket", "bucket", bucketName)
	return nil
}

// PrepareS3ConfigForStorageURI loads S3 configuration from the environment
// when storageURI uses s3:// and ensures a localhost MinIO bucket exists.
// Returns nil when file:// storage is used.
func PrepareS3ConfigForStorageURI(ctx context.Context, log *slog.Logger, storageURI string) (*S3Config, error) {
	if !strings.HasPrefix(storageURI, "s3://") {
		return nil, nil
	}

	s3cfg, err := LoadS3ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}
	if s3cfg == nil {
		region := os.Getenv("S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		s3cfg = &S3Config{
			Region:   region,
			UseSSL:   true,
			URLStyle: "path",
		}
	}

	isMinIO := s3cfg.Endpoint != "" && !strings.Contains(s3cfg.Endpoint, "amazonaws.com")
	if isMinIO {
		if s3cfg.AccessKeyID == "" || s3cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set (endpoint: %s)", s3cfg.Endpoint)
		}
	}

	if err := EnsureMinIOBucket(ctx, log, storageURI, s3cfg); err != nil {
		return nil, fmt.Errorf("failed to ensure MinIO bucket exists: %w", err)
	}

	return s3cfg, nil
}
