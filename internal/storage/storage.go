// Package storage uploads finished recordings to a configured backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/boardcast/recorder/internal/logging"
)

var log = logging.L("storage")

var (
	ErrUnknownProvider = errors.New("storage: unknown provider")
	ErrMissingConfig   = errors.New("storage: provider configuration incomplete")
)

// Provider is a destination for recording files.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, remotePath string) error
}

type Config struct {
	Provider  string      `mapstructure:"provider" yaml:"provider"`
	Prefix    string      `mapstructure:"prefix" yaml:"prefix"`
	LocalPath string      `mapstructure:"local_path" yaml:"local_path"`
	S3        S3Config    `mapstructure:"s3" yaml:"s3"`
	GCS       GCSConfig   `mapstructure:"gcs" yaml:"gcs"`
	Azure     AzureConfig `mapstructure:"azure" yaml:"azure"`
	B2        B2Config    `mapstructure:"b2" yaml:"b2"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token,omitempty"`
	PathStyle       bool   `mapstructure:"path_style" yaml:"path_style"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`
}

type AzureConfig struct {
	Container        string `mapstructure:"container" yaml:"container"`
	AccountName      string `mapstructure:"account_name" yaml:"account_name,omitempty"`
	AccountKey       string `mapstructure:"account_key" yaml:"account_key,omitempty"`
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string,omitempty"`
}

type B2Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccountID string `mapstructure:"account_id" yaml:"account_id,omitempty"`
	AppKey    string `mapstructure:"application_key" yaml:"application_key,omitempty"`
}

// Providers lists the accepted values of Config.Provider.
var Providers = []string{"local", "s3", "gcs", "azure", "b2"}

// New builds the provider named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		if cfg.LocalPath == "" {
			return nil, fmt.Errorf("%w: local_path is required", ErrMissingConfig)
		}
		return NewLocalProvider(cfg.LocalPath), nil
	case "s3":
		return NewS3Provider(ctx, cfg.S3)
	case "gcs":
		return NewGCSProvider(ctx, cfg.GCS)
	case "azure":
		return NewAzureProvider(cfg.Azure)
	case "b2":
		return NewB2Provider(ctx, cfg.B2)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

func requireArgs(local, remote string) error {
	if local == "" {
		return errors.New("local path is required")
	}
	if remote == "" {
		return errors.New("remote path is required")
	}
	return nil
}

func contentType(remotePath string) string {
	if strings.HasSuffix(strings.ToLower(remotePath), ".webm") {
		return "video/webm"
	}
	return "application/octet-stream"
}
