package lock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// S3Client is the subset of the S3 API used by S3Mutex.
type S3Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Options configures the S3 client of an S3Mutex.
type S3Options struct {
	Region          string
	Endpoint        string // custom endpoint for MinIO, Localstack, etc.
	AccessKeyID     string
	SecretAccessKey string
	MaxRetries      int
}

// NewS3Client builds an S3 client. Without static credentials the default
// AWS credential chain is used.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var configOptions []func(*awsconfig.LoadOptions) error

	if opts.Region != "" {
		configOptions = append(configOptions, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		configOptions = append(configOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	configOptions = append(configOptions, awsconfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3MutexConfig contains configuration for an S3 mutex.
type S3MutexConfig struct {
	Client       S3Client
	Bucket       string
	Prefix       string        // key prefix for lock objects
	Owner        string        // node name recorded in the lease
	PollInterval time.Duration // delay between acquisition attempts (default: 250ms)
	Logger       zerolog.Logger
}

// s3Lease is the body of a lock object.
type s3Lease struct {
	Owner   string    `json:"owner"`
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// S3Mutex is a Mutex whose locks are objects in an S3 bucket. Acquisition is
// a conditional create (If-None-Match: *); release and takeover of expired
// leases are conditional deletes on the lease's ETag.
type S3Mutex struct {
	client       S3Client
	bucket       string
	prefix       string
	owner        string
	pollInterval time.Duration
	logger       zerolog.Logger

	mu   sync.Mutex
	held map[string]string // name -> ETag of our lease object
}

// NewS3Mutex creates a new S3 mutex.
func NewS3Mutex(config S3MutexConfig) *S3Mutex {
	if config.PollInterval == 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	return &S3Mutex{
		client:       config.Client,
		bucket:       config.Bucket,
		prefix:       config.Prefix,
		owner:        config.Owner,
		pollInterval: config.PollInterval,
		logger:       config.Logger.With().Str("component", "s3-mutex").Logger(),
		held:         make(map[string]string),
	}
}

// TryLock implements Mutex.
func (m *S3Mutex) TryLock(ctx context.Context, name string, timeout, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	deadline := time.Now().Add(timeout)

	for {
		ok, err := m.tryAcquire(ctx, name, lease)
		if err != nil || ok {
			return ok, err
		}

		wait := m.pollInterval
		if remaining := time.Until(deadline); remaining <= 0 {
			return false, nil
		} else if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		}
	}
}

func (m *S3Mutex) tryAcquire(ctx context.Context, name string, lease time.Duration) (bool, error) {
	key := m.key(name)
	body, err := json.Marshal(s3Lease{
		Owner:   m.owner,
		Token:   uuid.NewString(),
		Expires: time.Now().Add(lease).UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}

	out, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		m.mu.Lock()
		m.held[name] = aws.ToString(out.ETag)
		m.mu.Unlock()
		return true, nil
	}
	if !isPreconditionFailed(err) {
		return false, fmt.Errorf("put lock object %s: %w", key, err)
	}

	// Held by someone. Take it over if the lease expired.
	current, etag, err := m.read(ctx, key)
	switch {
	case isNotFound(err):
		return false, nil // released meanwhile, retry on next poll
	case err != nil:
		return false, err
	case time.Now().Before(current.Expires):
		return false, nil
	}

	m.logger.Info().
		Str("lock", name).
		Str("previous_owner", current.Owner).
		Time("expired", current.Expires).
		Msg("removing expired lease")
	_, err = m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(m.bucket),
		Key:     aws.String(key),
		IfMatch: aws.String(etag),
	})
	if err != nil && !isPreconditionFailed(err) && !isNotFound(err) {
		return false, fmt.Errorf("delete expired lock object %s: %w", key, err)
	}
	return false, nil
}

func (m *S3Mutex) read(ctx context.Context, key string) (s3Lease, string, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Lease{}, "", err
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return s3Lease{}, "", fmt.Errorf("read lock object %s: %w", key, err)
	}
	var l s3Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return s3Lease{}, "", fmt.Errorf("decode lock object %s: %w", key, err)
	}
	return l, aws.ToString(out.ETag), nil
}

// Unlock implements Mutex.
func (m *S3Mutex) Unlock(ctx context.Context, name string) error {
	m.mu.Lock()
	etag, ok := m.held[name]
	delete(m.held, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotHeld)
	}

	key := m.key(name)
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(m.bucket),
		Key:     aws.String(key),
		IfMatch: aws.String(etag),
	})
	switch {
	case err == nil:
		return nil
	case isPreconditionFailed(err), isNotFound(err):
		return fmt.Errorf("%s: %w", name, ErrLeaseLost)
	default:
		return fmt.Errorf("delete lock object %s: %w", key, err)
	}
}

// key hashes name so that arbitrary paths map onto flat object keys.
func (m *S3Mutex) key(name string) string {
	sum := sha256.Sum256([]byte(name))
	return path.Join(m.prefix, hex.EncodeToString(sum[:])+".lock")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
