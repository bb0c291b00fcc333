package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/boardcast/recorder/internal/ingest"
	"github.com/boardcast/recorder/internal/storage"
)

const envPrefix = "BOARDCAST"

type Config struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	APIToken   string `mapstructure:"api_token" yaml:"api_token,omitempty"`

	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	SpoolDir        string `mapstructure:"spool_dir" yaml:"spool_dir"`
	MinFreeSpaceMB  int    `mapstructure:"min_free_space_mb" yaml:"min_free_space_mb"`
	UploadWorkers   int    `mapstructure:"upload_workers" yaml:"upload_workers"`
	UploadQueueSize int    `mapstructure:"upload_queue_size" yaml:"upload_queue_size"`

	ICEServers []ingest.ICEServerConfig `mapstructure:"ice_servers" yaml:"ice_servers,omitempty"`

	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Storage   storage.Config  `mapstructure:"storage" yaml:"storage"`
	BoardAPI  BoardAPIConfig  `mapstructure:"board_api" yaml:"board_api"`
}

type RecordingConfig struct {
	TimesliceMs             int `mapstructure:"timeslice_ms" yaml:"timeslice_ms"`
	DefaultWidth            int `mapstructure:"default_width" yaml:"default_width"`
	DefaultHeight           int `mapstructure:"default_height" yaml:"default_height"`
	KeyframeIntervalSeconds int `mapstructure:"keyframe_interval_seconds" yaml:"keyframe_interval_seconds"`
	TrackIdleTimeoutSeconds int `mapstructure:"track_idle_timeout_seconds" yaml:"track_idle_timeout_seconds"`
	ReadyTimeoutSeconds     int `mapstructure:"ready_timeout_seconds" yaml:"ready_timeout_seconds"`
	StopTimeoutSeconds      int `mapstructure:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
}

// BoardAPIConfig points at the board application that stores recording
// sessions. An empty URL disables registration.
type BoardAPIConfig struct {
	URL   string `mapstructure:"url" yaml:"url,omitempty"`
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

func Default() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8787",
		LogFormat:       "text",
		LogLevel:        "info",
		LogMaxSizeMB:    50,
		LogMaxBackups:   3,
		SpoolDir:        filepath.Join(dataDir(), "spool"),
		MinFreeSpaceMB:  512,
		UploadWorkers:   2,
		UploadQueueSize: 32,
		Recording: RecordingConfig{
			TimesliceMs:             100,
			DefaultWidth:            1920,
			DefaultHeight:           1080,
			KeyframeIntervalSeconds: 3,
			TrackIdleTimeoutSeconds: 5,
			ReadyTimeoutSeconds:     10,
			StopTimeoutSeconds:      15,
		},
		Storage: storage.Config{
			Provider:  "local",
			LocalPath: filepath.Join(dataDir(), "recordings"),
		},
	}
}

// setDefaults registers every key so env overrides apply to nested values
// that never appear in the config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("api_token", cfg.APIToken)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("spool_dir", cfg.SpoolDir)
	v.SetDefault("min_free_space_mb", cfg.MinFreeSpaceMB)
	v.SetDefault("upload_workers", cfg.UploadWorkers)
	v.SetDefault("upload_queue_size", cfg.UploadQueueSize)

	r := cfg.Recording
	v.SetDefault("recording.timeslice_ms", r.TimesliceMs)
	v.SetDefault("recording.default_width", r.DefaultWidth)
	v.SetDefault("recording.default_height", r.DefaultHeight)
	v.SetDefault("recording.keyframe_interval_seconds", r.KeyframeIntervalSeconds)
	v.SetDefault("recording.track_idle_timeout_seconds", r.TrackIdleTimeoutSeconds)
	v.SetDefault("recording.ready_timeout_seconds", r.ReadyTimeoutSeconds)
	v.SetDefault("recording.stop_timeout_seconds", r.StopTimeoutSeconds)

	s := cfg.Storage
	v.SetDefault("storage.provider", s.Provider)
	v.SetDefault("storage.prefix", s.Prefix)
	v.SetDefault("storage.local_path", s.LocalPath)
	v.SetDefault("storage.s3.bucket", s.S3.Bucket)
	v.SetDefault("storage.s3.region", s.S3.Region)
	v.SetDefault("storage.s3.endpoint", s.S3.Endpoint)
	v.SetDefault("storage.s3.access_key_id", s.S3.AccessKeyID)
	v.SetDefault("storage.s3.secret_access_key", s.S3.SecretAccessKey)
	v.SetDefault("storage.s3.session_token", s.S3.SessionToken)
	v.SetDefault("storage.s3.path_style", s.S3.PathStyle)
	v.SetDefault("storage.gcs.bucket", s.GCS.Bucket)
	v.SetDefault("storage.gcs.credentials_file", s.GCS.CredentialsFile)
	v.SetDefault("storage.azure.container", s.Azure.Container)
	v.SetDefault("storage.azure.account_name", s.Azure.AccountName)
	v.SetDefault("storage.azure.account_key", s.Azure.AccountKey)
	v.SetDefault("storage.azure.connection_string", s.Azure.ConnectionString)
	v.SetDefault("storage.b2.bucket", s.B2.Bucket)
	v.SetDefault("storage.b2.account_id", s.B2.AccountID)
	v.SetDefault("storage.b2.application_key", s.B2.AppKey)

	v.SetDefault("board_api.url", cfg.BoardAPI.URL)
	v.SetDefault("board_api.token", cfg.BoardAPI.Token)
}

// Load reads cfgFile (or recorder.yaml from the config dir or working
// directory) and applies BOARDCAST_* environment overrides. A missing
// default config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("recorder")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Redacted returns a copy of cfg with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.ICEServers = make([]ingest.ICEServerConfig, len(c.ICEServers))
	copy(out.ICEServers, c.ICEServers)
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&out.APIToken)
	mask(&out.BoardAPI.Token)
	mask(&out.Storage.S3.SecretAccessKey)
	mask(&out.Storage.S3.SessionToken)
	mask(&out.Storage.Azure.AccountKey)
	mask(&out.Storage.Azure.ConnectionString)
	mask(&out.Storage.B2.AppKey)
	for i := range out.ICEServers {
		mask(&out.ICEServers[i].Credential)
	}
	return &out
}

// SaveTo writes cfg as YAML to cfgFile, or to recorder.yaml in the
// platform config dir when cfgFile is empty.
func SaveTo(cfg *Config, cfgFile string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), "recorder.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(cfgPath, 0600)
}

func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Boardcast")
	case "darwin":
		return "/Library/Application Support/Boardcast"
	default:
		return "/etc/boardcast"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Boardcast", "data")
	case "darwin":
		return "/Library/Application Support/Boardcast/data"
	default:
		return "/var/lib/boardcast"
	}
}
