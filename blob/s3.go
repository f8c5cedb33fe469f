package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 is an object-store backed Store. Keys are the same slash-separated
// paths the path helpers produce, prefixed with an optional key prefix.
type S3 struct {
	client *s3.Client
	up     *manager.Uploader
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3 builds an S3 store from the ambient AWS config (env vars,
// shared credentials file, instance role).
func NewS3(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("blob: s3 bucket required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &S3{
		client: cli,
		up:     manager.NewUploader(cli),
		bucket: bucket,
		prefix: prefix,
		log:    logger,
	}, nil
}

func (s *S3) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

// Put streams r to the bucket. The uploader consumes the reader once, so
// the hash is computed on the way through with a tee.
func (s *S3) Put(ctx context.Context, p string, r io.Reader) (string, int64, error) {
	if err := validatePath(p); err != nil {
		return "", 0, err
	}
	h := sha256.New()
	counted := &countingReader{r: io.TeeReader(r, h)}

	_, err := s.up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
		Body:   counted,
	})
	if err != nil {
		return "", 0, fmt.Errorf("blob: s3 upload %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), counted.n, nil
}

// Open fetches the object body. Transient fetch failures are retried a
// few times before giving up.
func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	var body io.ReadCloser
	err := retry.Do(
		func() error {
			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(p)),
			})
			if err != nil {
				var nsk *s3types.NoSuchKey
				if errors.As(err, &nsk) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return err
			}
			body = out.Body
			return nil
		},
		retry.Attempts(3),
		retry.Context(ctx),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: s3 get %s: %w", p, err)
	}
	return body, nil
}

// Delete removes one object. S3 deletes are idempotent so a missing key
// is not an error.
func (s *S3) Delete(ctx context.Context, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return fmt.Errorf("blob: s3 delete %s: %w", p, err)
	}
	return nil
}

// DeletePrefix lists and removes every object under prefix in batches.
func (s *S3) DeletePrefix(ctx context.Context, prefix string) error {
	pag := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for pag.HasMorePages() {
		page, err := pag.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("blob: s3 list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objs := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, o := range page.Contents {
			objs = append(objs, s3types.ObjectIdentifier{Key: o.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objs, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("blob: s3 delete batch %s: %w", prefix, err)
		}
		s.log.Debug("deleted blob batch", "prefix", prefix, "count", len(objs))
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
