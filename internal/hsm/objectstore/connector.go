// Package objectstore provides a connector that archives files as
// whole objects in an S3-compatible store, attaching an Object Lock
// retention date at write time.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/dverbeek/tierstore/internal/hsm"
	"github.com/dverbeek/tierstore/internal/storage"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
	KeyRetention       = "retention"
	KeyRetentionMode   = "retention_mode"
)

const metaTransferID = "transfer-id"

func init() {
	hsm.Register("objectstore", NewFactory, Defaults)
}

// Defaults returns the default configuration for the objectstore connector.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:         "us-east-1",
		KeyForcePathStyle: "false",
		KeyRetentionMode:  "COMPLIANCE",
	}
}

// NewFactory creates an objectstore connector from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (hsm.Connector, error) {
	bucket := storage.GetString(config, KeyBucket, "")
	if bucket == "" {
		return nil, storage.NewConfigError("objectstore", KeyBucket, "cannot be empty")
	}

	region := storage.GetString(config, KeyRegion, "us-east-1")
	endpoint := storage.GetString(config, KeyEndpoint, "")
	accessKeyID := storage.GetString(config, KeyAccessKeyID, "")
	secretAccessKey := storage.GetString(config, KeySecretAccessKey, "")

	forcePathStyle, err := storage.GetBool(config, KeyForcePathStyle, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("objectstore", KeyForcePathStyle, config[KeyForcePathStyle], err.Error())
	}

	retention, err := storage.GetDuration(config, KeyRetention, 0)
	if err != nil {
		return nil, err
	}

	mode := types.ObjectLockRetentionMode(storage.GetString(config, KeyRetentionMode, "COMPLIANCE"))
	switch mode {
	case types.ObjectLockRetentionModeCompliance, types.ObjectLockRetentionModeGovernance:
	default:
		return nil, storage.NewConfigErrorWithValue("objectstore", KeyRetentionMode, string(mode),
			"must be COMPLIANCE or GOVERNANCE")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("objectstore", "", "failed to load AWS config", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if forcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	// Fail fast: verify bucket access.
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, storage.NewConfigErrorWithCause("objectstore", KeyBucket, "bucket not accessible", err)
	}

	slog.Info("objectstore connector initialized", "bucket", bucket, "region", region,
		"retention", retention.String())

	return &Connector{
		client:    client,
		bucket:    bucket,
		prefix:    storage.GetString(config, KeyPrefix, ""),
		retention: retention,
		mode:      mode,
	}, nil
}

// Connector archives files as whole objects. Keys are derived from the
// file reference so a later status query needs no side table.
type Connector struct {
	client    *s3.Client
	bucket    string
	prefix    string
	retention time.Duration
	mode      types.ObjectLockRetentionMode
}

func (c *Connector) key(ref hsm.FileRef) string {
	return path.Join(c.prefix, ref.FilesystemID, path.Clean("/"+ref.Path))
}

// Prepare returns the file's own path as the staging location.
func (c *Connector) Prepare(_ context.Context, ref hsm.FileRef) (string, error) {
	return ref.Path, nil
}

// Store uploads the staged file as one object. With a retention
// configured the object carries a do-not-delete-before date applied by
// the store itself at write time.
func (c *Connector) Store(ctx context.Context, staging string, ref hsm.FileRef) (string, error) {
	f, err := os.Open(staging)
	if err != nil {
		return "", fmt.Errorf("objectstore: open staging: %w", err)
	}
	defer f.Close()

	key := c.key(ref)
	input := &s3.PutObjectInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		Body:     f,
		Metadata: map[string]string{metaTransferID: uuid.NewString()},
	}
	if c.retention > 0 {
		input.ObjectLockMode = types.ObjectLockMode(c.mode)
		input.ObjectLockRetainUntilDate = aws.Time(time.Now().Add(c.retention))
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return key, nil
}

// QueryStatus performs a metadata HEAD against the object, reporting
// absent for a missing object and an error for transport failures.
func (c *Connector) QueryStatus(ctx context.Context, ref hsm.FileRef) (hsm.Status, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(ref)),
	})
	if err != nil {
		if isNotFound(err) {
			return hsm.StatusAbsent, nil
		}
		return hsm.StatusAbsent, fmt.Errorf("objectstore: head %s: %w", c.key(ref), err)
	}
	return hsm.StatusArchived, nil
}

// Fetch downloads the object to a temporary local file.
func (c *Connector) Fetch(ctx context.Context, ref hsm.FileRef) (string, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(ref)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("objectstore: fetch %s: %w", c.key(ref), hsm.ErrMountUnavailable)
		}
		return "", fmt.Errorf("objectstore: get %s: %w", c.key(ref), err)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp("", "hsm-fetch-*")
	if err != nil {
		return "", fmt.Errorf("objectstore: create fetch target: %w", err)
	}
	local := tmp.Name()

	if _, err := io.Copy(tmp, out.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(local)
		return "", fmt.Errorf("objectstore: download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(local)
		return "", fmt.Errorf("objectstore: close fetch target: %w", err)
	}
	return local, nil
}

// FetchFinished removes the temporary local copy.
func (c *Connector) FetchFinished(_ context.Context, _ hsm.FileRef, local string) error {
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: remove fetched copy: %w", err)
	}
	return nil
}

// Failed deletes a partial object left by an unconfirmed Store.
// Deleting an absent object is already idempotent on the S3 side.
func (c *Connector) Failed(ctx context.Context, ref hsm.FileRef) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(ref)),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete partial %s: %w", c.key(ref), err)
	}
	return nil
}

// Close is a no-op; the S3 SDK client needs no cleanup.
func (c *Connector) Close() error { return nil }

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	// HeadObject returns a generic error with status 404.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
