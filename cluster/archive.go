package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/izavyalov-dev/delta-report/analysis"
)

// Archiver stores a copy of a clustering result and returns its location.
type Archiver interface {
	Archive(ctx context.Context, data analysis.ClusterData) (string, error)
}

// NoopArchiver discards results.
type NoopArchiver struct{}

func (NoopArchiver) Archive(ctx context.Context, data analysis.ClusterData) (string, error) {
	return "", nil
}

// S3Config configures the S3 archiver.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes clustering results as JSON objects to AWS S3.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archiver loads AWS config and prepares an archiver.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Archive uploads the result under projects/<id>/launches/<id>/clusters.json
// and returns a s3:// URI.
func (a *S3Archiver) Archive(ctx context.Context, data analysis.ClusterData) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	key := a.objectKey("projects", strconv.FormatInt(data.ProjectID, 10), "launches", strconv.FormatInt(data.LaunchID, 10), "clusters.json")

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: ptr("application/json"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *S3Archiver) objectKey(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}
