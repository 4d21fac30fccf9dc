package main

import (
	"context"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
)

const gcsScheme = "gs://"

// Uploader archives a rider table once it has been imported.
type Uploader interface {
	Upload(ctx context.Context, bucket string, prefix string, filename string, content []byte) error
}

// GcsStorage reads and writes objects in Google Cloud Storage.
type GcsStorage struct {
	client *storage.Client
}

func NewGcsStorage(ctx context.Context) (*GcsStorage, error) {
	// TODO: allow auth with explicit credentials instead of application defaults
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCS client")
	}

	return &GcsStorage{
		client: client,
	}, nil
}

func (g *GcsStorage) Upload(ctx context.Context, bucket string, prefix string, filename string, content []byte) error {
	obj := g.client.Bucket(bucket).Object(path.Join(prefix, filename))
	w := obj.NewWriter(ctx)
	w.ContentType = "text/csv"

	if _, err := w.Write(content); err != nil {
		w.Close()
		return errors.Wrapf(err, "failed to write gs://%s/%s", bucket, obj.ObjectName())
	}

	// The object is only committed once the writer closes cleanly.
	return errors.Wrapf(w.Close(), "failed to upload gs://%s/%s", bucket, obj.ObjectName())
}

// Fetch reads a gs://bucket/object location.
func (g *GcsStorage) Fetch(ctx context.Context, location string) ([]byte, error) {
	bucket, object, err := splitGcsLocation(location)
	if err != nil {
		return nil, err
	}

	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", location)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	return b, errors.Wrapf(err, "failed to read %s", location)
}

func (g *GcsStorage) Close() error {
	return g.client.Close()
}

func splitGcsLocation(location string) (string, string, error) {
	rest, ok := strings.CutPrefix(location, gcsScheme)
	if !ok {
		return "", "", errors.Errorf("not a GCS location: %s", location)
	}

	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", errors.Errorf("GCS location must look like gs://bucket/object: %s", location)
	}
	return bucket, object, nil
}

type FakeUploader struct {
	files map[string][]byte
}

func NewFakeUploader() *FakeUploader {
	return &FakeUploader{}
}

func (u *FakeUploader) Upload(ctx context.Context, bucket string, prefix string, filename string, content []byte) error {
	if u.files == nil {
		u.files = make(map[string][]byte)
	}

	u.files[path.Join(bucket, prefix, filename)] = content

	return nil
}

func (u *FakeUploader) Has(name string) bool {
	if u.files == nil {
		return false
	}

	_, ok := u.files[name]
	return ok
}
