package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzhttp"

	"github.com/kbolake/kbolake/pkg/duck"
)

const (
	fetchTimeout     = 10 * time.Minute
	fetchMaxAttempts = 5
)

// Fetch retrieves an archive's raw bytes from a source reference:
// an s3://bucket/key object, an http(s):// URL, or a local file path
// (optionally file:// prefixed).
func Fetch(ctx context.Context, log *slog.Logger, source string) ([]byte, error) {
	switch {
	case strings.HasPrefix(source, "s3://"):
		return fetchS3(ctx, log, source)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return fetchHTTP(ctx, log, source)
	default:
		path := strings.TrimPrefix(source, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive file: %w", err)
		}
		return data, nil
	}
}

func fetchHTTP(ctx context.Context, log *slog.Logger, url string) ([]byte, error) {
	client := &http.Client{
		Transport: gzhttp.Transport(http.DefaultTransport),
		Timeout:   fetchTimeout,
	}

	var data []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("fetch failed: %s", resp.Status))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch failed: %s", resp.Status)
		}

		data, err = io.ReadAll(resp.Body)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fetchMaxAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn("archive fetch failed, retrying", "url", url, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	return data, nil
}

func fetchS3(ctx context.Context, log *slog.Logger, source string) ([]byte, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(source, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 source %q, want s3://bucket/key", source)
	}

	cfg, err := duck.LoadS3ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &duck.S3Config{Region: "us-east-1"}
	}
	client, err := duck.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	log.Debug("fetching archive from s3", "bucket", bucket, "key", key)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}
