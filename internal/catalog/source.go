package catalog

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Source yields the raw catalog document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads the catalog from the local filesystem.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", f.Path, err)
	}
	return data, nil
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the catalog from an S3 (or S3-compatible) object.
type S3Source struct {
	client objectGetter
	Bucket string
	Key    string
}

// NewS3Source wraps an existing client.
func NewS3Source(client objectGetter, bucket, key string) *S3Source {
	return &S3Source{client: client, Bucket: bucket, Key: key}
}

func (s *S3Source) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get catalog s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read catalog s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	return data, nil
}

// S3Options configures the client built for s3:// locations.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewSource picks a source for location: "s3://bucket/key" or a file path.
func NewSource(ctx context.Context, location string, opts S3Options) (Source, error) {
	if !strings.HasPrefix(location, "s3://") {
		if location == "" {
			return nil, fmt.Errorf("catalog location not set")
		}
		return FileSource{Path: location}, nil
	}
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return nil, err
	}
	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewS3Source(client, bucket, key), nil
}

func parseS3Location(location string) (string, string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("parse catalog location: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("catalog location %q: want s3://bucket/key", location)
	}
	return u.Host, key, nil
}

func newS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// Load fetches and parses the catalog from src.
func Load(ctx context.Context, src Source) (*Catalog, error) {
	data, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
