package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSOptions configures GCS client initialization.
type GCSOptions struct {
	// Client is used as is when set; ClientOptions are ignored then.
	Client        *gcs.Client
	ClientOptions []option.ClientOption
}

// GCS implements Storage on one Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
}

func NewGCS(ctx context.Context, bucket string, opts GCSOptions) (*GCS, error) {
	client := opts.Client
	if client == nil {
		c, err := gcs.NewClient(ctx, opts.ClientOptions...)
		if err != nil {
			return nil, fmt.Errorf("storage: gcs client: %w", err)
		}
		client = c
	}
	return &GCS{client: client, bucket: client.Bucket(bucket)}, nil
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (ObjectInfo, error) {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return ObjectInfo{}, fmt.Errorf("storage: gcs put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: gcs put %s: %w", key, err)
	}

	if attrs := w.Attrs(); attrs != nil {
		return gcsInfo(attrs), nil
	}
	return ObjectInfo{Key: key, Size: opts.Size, ContentType: opts.ContentType, Metadata: opts.Metadata}, nil
}

func (g *GCS) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj := g.bucket.Object(key)

	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("storage: gcs attrs %s: %w", key, err)
	}

	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("storage: gcs get %s: %w", key, err)
	}
	return reader, gcsInfo(attrs), nil
}

func (g *GCS) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})

	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: gcs list %s: %w", prefix, err)
		}
		objects = append(objects, gcsInfo(attrs))
		if reachedLimit(len(objects), limit) {
			break
		}
	}
	return objects, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func gcsInfo(attrs *gcs.ObjectAttrs) ObjectInfo {
	return ObjectInfo{
		Key:         attrs.Name,
		Size:        attrs.Size,
		ETag:        attrs.Etag,
		ContentType: attrs.ContentType,
		Metadata:    attrs.Metadata,
		UpdatedAt:   attrs.Updated,
	}
}
