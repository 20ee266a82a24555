package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getreqmod/reqmod/pkg/api"
	"github.com/getreqmod/reqmod/pkg/config"
	"github.com/getreqmod/reqmod/pkg/engine"
	"github.com/getreqmod/reqmod/pkg/intercept"
	"github.com/getreqmod/reqmod/pkg/kvstore"
	"github.com/getreqmod/reqmod/pkg/logging"
	"github.com/getreqmod/reqmod/pkg/modify"
	"github.com/getreqmod/reqmod/pkg/requestlog"
)

var (
	serveConfigPath string
	serveListen     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the interception server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		return runServer(cmd.Context(), cfg, rootCmd.Version)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Configuration file (JSON or YAML)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Admin API address, overrides the config file")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	if serveConfigPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(serveConfigPath)
}

func buildStore(cfg *config.Config, log *slog.Logger) (kvstore.Store, func() error, error) {
	opts := kvstore.Options{
		Quota:             cfg.Storage.QuotaBytes,
		EvictThreshold:    cfg.Storage.EvictThreshold,
		EvictFraction:     cfg.Storage.EvictFraction,
		CompressThreshold: cfg.Storage.CompressThreshold,
		Logger:            log,
	}
	if cfg.Storage.Compression == "gzip" {
		opts.Compressor = kvstore.Gzip{}
	}

	switch cfg.Storage.Backend {
	case "file":
		f, err := kvstore.NewFile(cfg.Storage.Path, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open store %s: %w", cfg.Storage.Path, err)
		}
		return f, f.Close, nil
	default:
		return kvstore.NewMemory(opts), func() error { return nil }, nil
	}
}

func runServer(ctx context.Context, cfg *config.Config, version string) error {
	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
	})

	store, closeStore, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	rules := engine.New(store, engine.WithLogger(log))
	logs := requestlog.New(store,
		requestlog.WithMaxEntries(cfg.Logs.MaxEntries),
		requestlog.WithLogger(log))

	precedence, err := cfg.Modify.ParsePrecedence()
	if err != nil {
		return err
	}
	modifier := modify.NewEngine(
		modify.WithPrecedence(modify.Precedence(precedence)),
		modify.WithTimeout(time.Duration(cfg.Modify.TimeoutMs)*time.Millisecond))

	proc := intercept.New(rules, modifier, logs, intercept.WithLogger(log))

	if cfg.RulesDir != "" {
		if err := seedRules(ctx, cfg.RulesDir, rules, log); err != nil {
			return err
		}
	}

	adminAPI := api.New(rules, logs, store, modifier,
		api.WithProcessor(proc),
		api.WithLogger(log),
		api.WithVersion(version))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go adminAPI.Run(ctx)
	if cfg.Logs.RetentionDays > 0 {
		go retentionLoop(ctx, logs, store, cfg.Logs.RetentionDays, log)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           adminAPI.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("admin API listening", "addr", cfg.Listen, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// seedRules merges the rules directory into the store at startup.
func seedRules(ctx context.Context, dir string, rules *engine.Engine, log *slog.Logger) error {
	result, err := config.LoadRulesFromDir(dir)
	if err != nil {
		return err
	}
	for _, le := range result.Errors {
		log.Warn("rule file skipped", "path", le.Path, "error", le.Err)
	}
	for _, r := range result.Rules {
		if _, err := rules.SaveRule(ctx, r); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}
	log.Info("rules loaded", "dir", dir, "files", result.FileCount, "rules", len(result.Rules))
	return nil
}

// retentionLoop removes aged request logs once a day.
func retentionLoop(ctx context.Context, logs *requestlog.Logger, store kvstore.Store, days int, log *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := logs.CleanOldData(ctx, days); err != nil {
				log.Warn("request log retention failed", "error", err)
			} else if n > 0 {
				log.Info("request log retention", "removed", n)
			}
			if n, err := store.CleanOldData(ctx, days); err != nil {
				log.Warn("store retention failed", "error", err)
			} else if n > 0 {
				log.Info("store retention", "removed", n)
			}
		}
	}
}
