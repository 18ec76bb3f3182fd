package archive

import (
	"bytes"
	"context"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/example/caption-demo/internal/config"
	"github.com/example/caption-demo/internal/logging"
)

// ObjectPutter is the subset of the S3 client used by the archive.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive stores every selected file in a bucket.
type S3Archive struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *zap.Logger
	now    func() time.Time
}

// NewS3Archive builds an S3 client from cfg. A non-empty endpoint selects a
// path-style S3 compatible server such as MinIO.
func NewS3Archive(ctx context.Context, cfg config.ArchiveConfig, log *zap.Logger) (*S3Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
				Source:            aws.EndpointSourceCustom,
			}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, logging.NewOperationError("archive.load_aws_config", "", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	log.Info("image archive enabled",
		zap.String("bucket", cfg.BucketName),
		zap.String("prefix", cfg.Prefix))

	return NewWithClient(client, cfg.BucketName, cfg.Prefix, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectPutter, bucket, prefix string, log *zap.Logger) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.Named("archive"),
		now:    time.Now,
	}
}

// Archive uploads data and returns the object key.
func (a *S3Archive) Archive(ctx context.Context, sessionID, name, mimeType string, data []byte) (string, error) {
	key := ObjectKey(a.prefix, sessionID, name, mimeType, a.now())

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		a.log.Error("failed to archive image",
			zap.String("key", key),
			zap.Error(err))
		return "", logging.NewOperationError("archive.put_object", sessionID, err)
	}

	a.log.Info("image archived",
		zap.String("key", key),
		zap.Int("size", len(data)))
	return key, nil
}

// ObjectKey names an archived file "<prefix><session>/file_YYYYMMDD_HHMMSS<ext>".
// The extension comes from the original file name, then the MIME type.
func ObjectKey(prefix, sessionID, name, mimeType string, at time.Time) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	if ext == "" {
		ext = ".bin"
	}
	return prefix + path.Join(sessionID, "file_"+at.UTC().Format("20060102_150405")+ext)
}
