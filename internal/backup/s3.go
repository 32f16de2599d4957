package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// descriptionKey is the user metadata key holding the object description.
// S3 returns metadata keys lower-cased.
const descriptionKey = "description"

// S3Config holds connection parameters for an S3-compatible bucket.
type S3Config struct {
	BucketURL    string // s3://bucket/prefix (prefix optional)
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool

	// Tag is the description given to objects created when Update finds
	// its handle gone.
	Tag string
}

// s3API is the subset of the S3 client used by S3Repository.
type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Repository stores the backup envelope as a JSON object in a bucket.
// The handle is the object key; the description lives in object metadata.
type S3Repository struct {
	client    s3API
	bucket    string
	keyPrefix string
	tag       string
}

var _ Repository = (*S3Repository)(nil)

// NewS3Repository builds a repository from a bucket URL and static credentials.
func NewS3Repository(ctx context.Context, cfg S3Config) (*S3Repository, error) {
	bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("s3: access key and secret key are required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Repository(client, bucket, prefix, cfg.Tag), nil
}

func newS3Repository(client s3API, bucket, prefix, tag string) *S3Repository {
	return &S3Repository{client: client, bucket: bucket, keyPrefix: prefix, tag: tag}
}

// Probe checks that the bucket is reachable with the configured credentials.
func (r *S3Repository) Probe(ctx context.Context) error {
	_, err := r.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(r.bucket)})
	if err != nil {
		return fmt.Errorf("%w: head bucket %s: %v", ErrRemoteUnavailable, r.bucket, err)
	}
	return nil
}

func (r *S3Repository) Exists(ctx context.Context, h Handle) (bool, error) {
	_, err := r.head(ctx, h)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *S3Repository) Fetch(ctx context.Context, h Handle) (*Envelope, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(string(h)),
	})
	if err != nil {
		return nil, classifyS3Error("get "+string(h), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrRemoteUnavailable, h, err)
	}
	return UnmarshalEnvelope(data)
}

func (r *S3Repository) Create(ctx context.Context, tag string, env *Envelope) (Handle, error) {
	key := "catalog-backup-" + uuid.NewString() + ".json"
	if r.keyPrefix != "" {
		key = path.Join(r.keyPrefix, key)
	}
	h := Handle(key)
	if err := r.put(ctx, h, tag, env); err != nil {
		return "", err
	}
	return h, nil
}

func (r *S3Repository) Update(ctx context.Context, h Handle, env *Envelope) (Handle, error) {
	head, err := r.head(ctx, h)
	if errors.Is(err, ErrNotFound) {
		return r.Create(ctx, r.tag, env)
	}
	if err != nil {
		return "", err
	}
	// Keep the description so the object stays discoverable.
	if err := r.put(ctx, h, head.Metadata[descriptionKey], env); err != nil {
		return "", err
	}
	return h, nil
}

func (r *S3Repository) Discover(ctx context.Context, tag string) (Handle, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(r.bucket)}
	if r.keyPrefix != "" {
		in.Prefix = aws.String(r.keyPrefix + "/")
	}

	var keys []string
	p := s3.NewListObjectsV2Paginator(r.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return "", classifyS3Error("list objects", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	slices.Sort(keys)

	for _, key := range keys {
		head, err := r.head(ctx, Handle(key))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if strings.Contains(head.Metadata[descriptionKey], tag) {
			return Handle(key), nil
		}
	}
	return "", ErrNotFound
}

func (r *S3Repository) head(ctx context.Context, h Handle) (*s3.HeadObjectOutput, error) {
	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(string(h)),
	})
	if err != nil {
		return nil, classifyS3Error("head "+string(h), err)
	}
	return out, nil
}

func (r *S3Repository) put(ctx context.Context, h Handle, description string, env *Envelope) error {
	body, err := MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(string(h)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{descriptionKey: description},
	})
	if err != nil {
		return classifyS3Error("put "+string(h), err)
	}
	return nil
}

func classifyS3Error(op string, err error) error {
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		apiErr   smithy.APIError
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey"):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, op, err)
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}
	return scheme + endpoint
}

func parseS3BucketURL(raw string) (bucket string, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: bucket-url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("s3: bucket-url missing bucket name")
	}

	prefix = strings.Trim(strings.TrimSpace(u.Path), "/")
	return u.Host, prefix, nil
}
