package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/boardcast/recorder/internal/config"
	"github.com/boardcast/recorder/internal/health"
	"github.com/boardcast/recorder/internal/logging"
	"github.com/boardcast/recorder/internal/recording"
	"github.com/boardcast/recorder/internal/server"
	"github.com/boardcast/recorder/internal/storage"
	"github.com/boardcast/recorder/pkg/api"
)

var log = logging.L("main")

var (
	version     = "0.1.0"
	cfgFile     string
	listenAddr  string
	showSecrets bool
)

const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "boardcast-recorder",
	Short: "Boardcast screen recorder",
	Long:  `Boardcast Recorder - receives screen and camera captures from the board app over WebRTC and stores them as WebM recordings`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recorder service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check configuration, disk space and storage reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkStatus(cmd.OutOrStdout())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if !showSecrets {
			cfg = cfg.Redacted()
		}
		out, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List recording sessions registered with the board app",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRecordings(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Boardcast Recorder v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is recorder.yaml in the platform config dir)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address, overrides listen_addr")
	configCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print tokens and keys unmasked")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(recordingsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", res.Err())
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) (io.Closer, error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		return io.NopCloser(nil), nil
	}
	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, io.MultiWriter(os.Stderr, rw))
	return rw, nil
}

// boardClient returns nil when no board API is configured.
func boardClient(cfg *config.Config) *api.Client {
	if cfg.BoardAPI.URL == "" {
		return nil
	}
	return api.NewClient(cfg.BoardAPI.URL, cfg.BoardAPI.Token)
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := initLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to configure storage: %w", err)
	}

	mon := health.NewMonitor()
	deps := recording.Deps{Storage: provider, Health: mon}
	if board := boardClient(cfg); board != nil {
		deps.Board = board
	}
	ctrl, err := recording.New(recording.OptionsFromConfig(cfg), deps)
	if err != nil {
		return err
	}
	if _, err := ctrl.RecoverSpool(); err != nil {
		log.Warn("could not scan spool dir", "path", cfg.SpoolDir, logging.KeyError, err)
	}
	if _, _, err := ctrl.CheckDisk(); err != nil {
		log.Warn("disk space check failed", logging.KeyError, err)
	}

	srv := server.New(ctrl, mon, server.WithToken(cfg.APIToken))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.ListenAddr) }()

	log.Info("recorder started",
		"version", version,
		"addr", cfg.ListenAddr,
		"storage", provider.Name(),
		"boardApi", cfg.BoardAPI.URL != "",
	)
	if cfg.APIToken == "" {
		log.Warn("api_token is empty, the HTTP API is unauthenticated")
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error("server stopped", logging.KeyError, serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("http shutdown", logging.KeyError, err)
	}
	ctrl.Close(shutdownCtx)
	log.Info("recorder stopped")
	return serveErr
}

func checkStatus(w io.Writer) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(w, "Status: Not configured")
		return err
	}

	res := cfg.ValidateTiered()
	for _, e := range res.Fatals {
		fmt.Fprintf(w, "Config error: %v\n", e)
	}
	for _, e := range res.Warnings {
		fmt.Fprintf(w, "Config warning: %v\n", e)
	}
	fmt.Fprintf(w, "Listen: %s\n", cfg.ListenAddr)
	fmt.Fprintf(w, "Spool: %s\n", cfg.SpoolDir)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	provider, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(w, "Storage: %s (misconfigured: %v)\n", cfg.Storage.Provider, err)
		return err
	}

	ctrl, err := recording.New(recording.OptionsFromConfig(cfg), recording.Deps{Storage: provider})
	if err != nil {
		return err
	}
	defer ctrl.Close(ctx)

	if free, ok, err := ctrl.CheckDisk(); err != nil {
		fmt.Fprintf(w, "Disk: unknown (%v)\n", err)
	} else {
		state := "ok"
		if !ok {
			state = fmt.Sprintf("LOW, need %d MB", cfg.MinFreeSpaceMB)
		}
		fmt.Fprintf(w, "Disk: %s free (%s)\n", recording.FormatSize(int64(free)), state)
	}

	if keys, err := ctrl.List(ctx); err != nil {
		fmt.Fprintf(w, "Storage: %s unreachable (%v)\n", provider.Name(), err)
	} else {
		fmt.Fprintf(w, "Storage: %s reachable, %d recordings\n", provider.Name(), len(keys))
	}

	if board := boardClient(cfg); board != nil {
		if _, err := board.ListRecordings(ctx); err != nil {
			fmt.Fprintf(w, "Board API: %s unreachable (%v)\n", cfg.BoardAPI.URL, err)
		} else {
			fmt.Fprintf(w, "Board API: %s reachable\n", cfg.BoardAPI.URL)
		}
	} else {
		fmt.Fprintln(w, "Board API: not configured")
	}
	return nil
}

func listRecordings(w io.Writer) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	board := boardClient(cfg)
	if board == nil {
		return fmt.Errorf("board_api.url is not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions, err := board.ListRecordings(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No recordings yet")
		return nil
	}
	for _, s := range sessions {
		where := "Personal"
		if s.Workspace != nil {
			where = s.Workspace.Name
		}
		if s.Board != nil {
			where += " / " + s.Board.Title
		}
		fmt.Fprintf(w, "%s  %-30s  %-8s  %s\n",
			s.CreatedAt.Local().Format("Jan 2, 2006 15:04"), s.Title, formatDuration(s.DurationSec), where)
	}
	return nil
}

// formatDuration renders a stored duration as "Xm Ys", or "Unknown".
func formatDuration(sec *int) string {
	if sec == nil || *sec == 0 {
		return "Unknown"
	}
	mins, secs := *sec/60, *sec%60
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
