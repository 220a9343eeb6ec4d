package source

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"gigavox/internal/brick"
)

// ObjectConfig holds the S3-compatible endpoint settings.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectReader reads s3://bucket/key sources with ranged GETs.
type ObjectReader struct {
	client *minio.Client
}

func NewObjectReader(cfg ObjectConfig) (*ObjectReader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object client: %w", err)
	}
	return NewObjectReaderWithClient(client), nil
}

func NewObjectReaderWithClient(client *minio.Client) *ObjectReader {
	return &ObjectReader{client: client}
}

func (r *ObjectReader) Read(ctx context.Context, d *brick.Descriptor) (Payload, error) {
	bucket, key, err := splitObjectURI(d.Source.URI)
	if err != nil {
		return Payload{}, err
	}

	opts := minio.GetObjectOptions{}
	if err := setRange(&opts, d.Source.Offset, d.Source.Length); err != nil {
		return Payload{}, err
	}

	obj, err := r.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return Payload{}, objectError(d.Source.URI, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return Payload{}, objectError(d.Source.URI, err)
	}
	if d.Source.Length > 0 && int64(len(data)) != d.Source.Length {
		return Payload{}, fmt.Errorf("%w: %s got %d of %d bytes", ErrShortRead, d.Source.URI, len(data), d.Source.Length)
	}
	return Payload{Data: data, Encoding: d.Encoding}, nil
}

func setRange(opts *minio.GetObjectOptions, offset, length int64) error {
	switch {
	case length > 0:
		return opts.SetRange(offset, offset+length-1)
	case offset > 0:
		return opts.SetRange(offset, 0)
	default:
		return nil
	}
}

func objectError(uri string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.Code == "NotFound" {
		return fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	return fmt.Errorf("failed to read %s: %w", uri, err)
}
