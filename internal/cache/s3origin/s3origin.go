// Package s3origin serves cache chunks from an S3-compatible object store
// (MinIO, AWS S3) using github.com/minio/minio-go/v7. Each request maps to one
// object key rendered from a template.
package s3origin

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/cache"
)

// DefaultKeyTemplate lays objects out like the local cache.
const DefaultKeyTemplate = "{source}/{yyyy}/{start}_{end}.{format}"

// Config selects the endpoint, bucket and key layout.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	Bucket          string
	KeyTemplate     string
}

// getter is the slice of the object store the origin needs.
type getter interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Origin implements cache.Origin against a bucket.
type Origin struct {
	store  getter
	bucket string
	tmpl   string
}

// New dials the endpoint. An http(s):// scheme on Endpoint selects SSL.
func New(cfg Config) (*Origin, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3origin: bucket is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("s3origin: endpoint is required")
	}
	endpoint, useSSL := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = useSSL || u.Scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3origin: create client")
	}
	return newOrigin(minioStore{client: client}, cfg.Bucket, cfg.KeyTemplate), nil
}

func newOrigin(store getter, bucket, tmpl string) *Origin {
	if tmpl == "" {
		tmpl = DefaultKeyTemplate
	}
	return &Origin{store: store, bucket: bucket, tmpl: tmpl}
}

// KeyFor renders the object key for r.
func (o *Origin) KeyFor(r cache.Request) string {
	s, e := r.Start.UTC(), r.End.UTC()
	return strings.NewReplacer(
		"{source}", r.Source,
		"{format}", strings.ToLower(r.Format),
		"{yyyy}", s.Format("2006"),
		"{start}", s.Format("20060102T150405Z"),
		"{end}", e.Format("20060102T150405Z"),
		"{start_date}", s.Format(time.DateOnly),
		"{end_date}", e.Format(time.DateOnly),
	).Replace(o.tmpl)
}

// Open implements cache.Origin.
func (o *Origin) Open(ctx context.Context, r cache.Request) (io.ReadCloser, error) {
	key := o.KeyFor(r)
	rc, err := o.store.Get(ctx, o.bucket, key)
	if err != nil {
		return nil, classify(r, o.bucket, key, err)
	}
	return rc, nil
}

// classify maps S3 error codes onto cache errors.
func classify(r cache.Request, bucket, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return errors.Wrapf(cache.ErrNotFound, "s3://%s/%s", bucket, key)
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return &cache.FetchError{Code: cache.CodeOriginFailed, Request: r, Err: errors.Wrapf(err, "s3://%s/%s", bucket, key)}
	}
	return errors.Wrapf(err, "s3://%s/%s", bucket, key)
}

type minioStore struct {
	client *minio.Client
}

// Get opens the object and stats it so a missing key fails here rather than
// on the first read.
func (s minioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}
	return obj, nil
}
