package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSProvider stores recordings in a Google Cloud Storage bucket.
type GCSProvider struct {
	Bucket string
	client *gcs.Client
}

// NewGCSProvider uses the credentials file when set, otherwise application
// default credentials.
func NewGCSProvider(ctx context.Context, cfg GCSConfig) (*GCSProvider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: gcs bucket is required", ErrMissingConfig)
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	return &GCSProvider{Bucket: cfg.Bucket, client: client}, nil
}

func (g *GCSProvider) Name() string { return "gcs" }

func (g *GCSProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := requireArgs(localPath, remotePath); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	w := g.client.Bucket(g.Bucket).Object(remotePath).NewWriter(ctx)
	w.ContentType = contentType(remotePath)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	return nil
}

func (g *GCSProvider) Download(ctx context.Context, remotePath, localPath string) error {
	if err := requireArgs(localPath, remotePath); err != nil {
		return err
	}
	r, err := g.client.Bucket(g.Bucket).Object(remotePath).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("gcs download %s: %w", remotePath, err)
	}
	defer r.Close()
	return writeLocal(localPath, r)
}

func (g *GCSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.Bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *GCSProvider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errors.New("remote path is required")
	}
	err := g.client.Bucket(g.Bucket).Object(remotePath).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", remotePath, err)
	}
	return nil
}

// writeLocal streams r into a new file at path, removing it on failure.
func writeLocal(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	_, err = io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
