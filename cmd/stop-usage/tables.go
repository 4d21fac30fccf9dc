package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// TableSource fetches the raw bytes of a rider or stops table.
type TableSource interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Tables reads tables from local files, GCS objects or HTTP endpoints.
type Tables struct {
	gcs    *GcsStorage
	client *http.Client
	auth   SourceAuthentication
}

func NewTables(gcs *GcsStorage, auth SourceAuthentication) *Tables {
	return &Tables{
		gcs:    gcs,
		client: &http.Client{},
		auth:   auth,
	}
}

func (t *Tables) Fetch(ctx context.Context, location string) ([]byte, error) {
	switch {
	case strings.HasPrefix(location, gcsScheme):
		if t.gcs == nil {
			return nil, errors.Errorf("no GCS client configured to read %s", location)
		}
		return t.gcs.Fetch(ctx, location)
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return t.download(ctx, location)
	default:
		b, err := os.ReadFile(location)
		return b, errors.Wrap(err, "failed to read table")
	}
}

// download fetches a report export, adding any configured auth headers and query parameters.
func (t *Tables) download(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build table request")
	}

	for k, v := range t.auth.Headers {
		req.Header.Set(k, v)
	}

	if len(t.auth.Parameters) > 0 {
		q := req.URL.Query()
		for k, v := range t.auth.Parameters {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	res, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download %s", location)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to download %s: %s", location, res.Status)
	}

	body, err := io.ReadAll(res.Body)
	return body, errors.Wrap(err, "failed to read table download")
}

type FakeTables struct {
	files map[string][]byte
}

func NewFakeTables() *FakeTables {
	return &FakeTables{files: make(map[string][]byte)}
}

func (t *FakeTables) Put(location string, content string) {
	t.files[location] = []byte(content)
}

func (t *FakeTables) Fetch(ctx context.Context, location string) ([]byte, error) {
	b, ok := t.files[location]
	if !ok {
		return nil, errors.Wrap(os.ErrNotExist, location)
	}
	return b, nil
}
