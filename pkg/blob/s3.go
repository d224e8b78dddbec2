package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sony/gobreaker"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
)

// S3Config configures the S3 blob backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing. Required by most
	// S3-compatible providers.
	UsePathStyle bool
}

// S3Store implements Store against S3 or an S3-compatible provider. Calls go
// through a circuit breaker; when the backend is down the breaker opens and
// calls fail fast with DEPENDENCY_UNAVAILABLE instead of piling up.
type S3Store struct {
	client  *s3.Client
	bucket  string
	prefix  string
	breaker *gobreaker.CircuitBreaker
}

// NewS3Store builds the S3 client from the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob store requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "blob-s3",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Missing keys are a normal outcome, not a backend failure.
			IsSuccessful: func(err error) bool {
				return err == nil || apierr.Is(err, apierr.TypeNotFound)
			},
		}),
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// retryBackoff is the wait before the single retry of a failed call.
const retryBackoff = 250 * time.Millisecond

// execute runs op through the breaker, retrying transient failures once,
// then translating what remains into DEPENDENCY_UNAVAILABLE. NOT_FOUND
// passes through without tripping the breaker.
func (s *S3Store) execute(op func() (interface{}, error)) (interface{}, error) {
	out, err := s.breaker.Execute(op)
	if err != nil && !apierr.Is(err, apierr.TypeNotFound) && !errors.Is(err, gobreaker.ErrOpenState) {
		time.Sleep(retryBackoff)
		out, err = s.breaker.Execute(op)
	}
	if err == nil {
		return out, nil
	}
	if apierr.Is(err, apierr.TypeNotFound) {
		return nil, err
	}
	return nil, apierr.Dependency(err, "blob store")
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.execute(func() (interface{}, error) {
		return s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.fullKey(key)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
	})
	return err
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.execute(func() (interface{}, error) {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			var noKey *s3types.NoSuchKey
			if errors.As(err, &noKey) {
				return nil, apierr.NotFound("blob", key)
			}
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return getResult{data: data, contentType: aws.ToString(resp.ContentType)}, nil
	})
	if err != nil {
		return nil, "", err
	}
	res := out.(getResult)
	return res.data, res.contentType, nil
}

type getResult struct {
	data        []byte
	contentType string
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.execute(func() (interface{}, error) {
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
	})
	return err
}

func (s *S3Store) List(ctx context.Context, prefix, startAfter string, limit int) ([]string, bool, error) {
	out, err := s.execute(func() (interface{}, error) {
		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			Prefix:  aws.String(s.fullKey(prefix)),
			MaxKeys: aws.Int32(int32(limit)),
		}
		if startAfter != "" {
			input.StartAfter = aws.String(s.fullKey(startAfter))
		}
		return s.client.ListObjectsV2(ctx, input)
	})
	if err != nil {
		return nil, false, err
	}

	resp := out.(*s3.ListObjectsV2Output)
	keys := make([]string, 0, len(resp.Contents))
	strip := 0
	if s.prefix != "" {
		strip = len(s.prefix) + 1
	}
	for _, obj := range resp.Contents {
		keys = append(keys, aws.ToString(obj.Key)[strip:])
	}
	return keys, aws.ToBool(resp.IsTruncated), nil
}

var _ Store = (*S3Store)(nil)
