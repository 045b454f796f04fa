package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/config"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/eventstore"
)

// API is the subset of the S3 client the backend uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ eventstore.Backend = (*Backend)(nil)

// Backend keeps one object per record under <prefix>/<RecordKey>, the same
// layout the file backend uses on disk.
type Backend struct {
	client API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewClient builds an S3 client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewBackend creates a backend over client.
func NewBackend(client API, bucket, prefix string, logger *zap.Logger) *Backend {
	return &Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("s3"),
	}
}

// OpenEventStore returns a ledger whose records live in the bucket.
func OpenEventStore(ctx context.Context, client API, cfg config.S3Config, logger *zap.Logger, opts ...eventstore.Option) (*eventstore.Store, error) {
	return eventstore.Open(ctx, NewBackend(client, cfg.Bucket, cfg.Prefix, logger), opts...)
}

func (b *Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

// Persist uploads the record, refusing to overwrite an existing object.
func (b *Backend) Persist(ctx context.Context, r events.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	key := b.objectKey(eventstore.RecordKey(r))
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	b.logger.Debug("record stored", zap.String("key", key), zap.Int64("sequence", r.Sequence))
	return nil
}

// Load lists every record object under the prefix and decodes it.
func (b *Backend) Load(ctx context.Context) ([]events.Record, error) {
	listPrefix := ""
	if b.prefix != "" {
		listPrefix = b.prefix + "/"
	}

	var records []events.Record
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list records: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !eventstore.IsRecordKey(strings.TrimPrefix(key, listPrefix)) {
				continue
			}
			r, err := b.get(ctx, key)
			if err != nil {
				return nil, err
			}
			records = append(records, r)
		}
	}

	b.logger.Info("records loaded", zap.String("bucket", b.bucket), zap.Int("count", len(records)))
	return records, nil
}

func (b *Backend) get(ctx context.Context, key string) (events.Record, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return events.Record{}, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return events.Record{}, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var r events.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return events.Record{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return r, nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }
