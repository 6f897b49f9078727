package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

const defaultS3Region = "us-east-1"

// S3API is the subset of the S3 client used by S3Sink.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink stores artifacts under s3://<Bucket>/<Prefix>/<name>/.
type S3Sink struct {
	Client S3API
	Bucket string
	Prefix string
}

func newS3SinkFromConfig(ctx context.Context, cfg core.Config) (Sink, error) {
	sc := cfg.Artifact.Sink.S3
	client, err := NewS3Client(ctx, sc.Region, sc.Endpoint, sc.AccessKeyID, sc.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: %w", err)
	}
	return &S3Sink{Client: client, Bucket: sc.Bucket, Prefix: sc.Prefix}, nil
}

// NewS3Client builds an S3 client. A custom endpoint switches to path-style
// addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, region, endpoint, accessKey, secretKey string) (*s3.Client, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = defaultS3Region
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) key(file, name string) string {
	return path.Join(s.Prefix, name, file)
}

func (s *S3Sink) Upload(ctx context.Context, m api.ArtifactManifest, archivePath string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := s.key(ArchiveName(m.Name, m.Version), m.Name)
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(m.Size),
		ContentType:   aws.String("application/gzip"),
		Metadata: map[string]string{
			"sha256": m.Checksum,
			"commit": m.Commit,
			"run-id": m.RunID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 sink: put %s: %w", key, err)
	}

	body, err := encodeManifest(m)
	if err != nil {
		return "", err
	}
	mkey := s.key(ManifestName(m.Name, m.Version), m.Name)
	if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(mkey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return "", fmt.Errorf("s3 sink: put %s: %w", mkey, err)
	}
	return "s3://" + s.Bucket + "/" + key, nil
}
