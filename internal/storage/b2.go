package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider stores recordings in a Backblaze B2 bucket.
type B2Provider struct {
	bucket *b2.Bucket
}

func NewB2Provider(ctx context.Context, cfg B2Config) (*B2Provider, error) {
	if cfg.Bucket == "" || cfg.AccountID == "" || cfg.AppKey == "" {
		return nil, fmt.Errorf("%w: b2 bucket, account_id and application_key are required", ErrMissingConfig)
	}
	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.AppKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open b2 bucket %s: %w", cfg.Bucket, err)
	}
	return &B2Provider{bucket: bucket}, nil
}

func (b *B2Provider) Name() string { return "b2" }

func (b *B2Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := requireArgs(localPath, remotePath); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	w := b.bucket.Object(remotePath).NewWriter(ctx, b2.WithAttrsOption(&b2.Attrs{
		ContentType: contentType(remotePath),
	}))
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	return nil
}

func (b *B2Provider) Download(ctx context.Context, remotePath, localPath string) error {
	if err := requireArgs(localPath, remotePath); err != nil {
		return err
	}
	r := b.bucket.Object(remotePath).NewReader(ctx)
	defer r.Close()
	return writeLocal(localPath, r)
}

func (b *B2Provider) List(ctx context.Context, prefix string) ([]string, error) {
	iter := b.bucket.List(ctx, b2.ListPrefix(prefix))
	var keys []string
	for iter.Next() {
		keys = append(keys, iter.Object().Name())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("b2 list %s: %w", prefix, err)
	}
	return keys, nil
}

func (b *B2Provider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errors.New("remote path is required")
	}
	if err := b.bucket.Object(remotePath).Delete(ctx); err != nil && !b2.IsNotExist(err) {
		return fmt.Errorf("b2 delete %s: %w", remotePath, err)
	}
	return nil
}
