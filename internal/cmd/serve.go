package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhalm/admit/gateway"
	"github.com/nhalm/admit/internal/docstore"
	"github.com/nhalm/admit/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the document API behind admission control",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync() // nolint:errcheck // best-effort flush

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := newBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close() // nolint:errcheck // best-effort cleanup

		docs, err := docstore.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer docs.Close() // nolint:errcheck // best-effort cleanup

		gw := gateway.New(b.Limiter,
			gateway.WithLogger(logger),
			gateway.WithDefaultLimit(cfg.Limit()),
			gateway.WithDefaultPolicy(b.Policy))

		srv := server.New(server.Config{
			Addr:      cfg.ListenAddr,
			Gateway:   gw,
			Docs:      docs,
			Policy:    b.Policy,
			Limit:     cfg.Limit(),
			ReadLimit: cfg.ReadLimit(),
			Health:    b.Health,
			Logger:    logger,
		})

		logger.Info("admitd starting",
			zap.String("version", versionInfo.Version),
			zap.String("backend", cfg.RateLimitBackend),
			zap.Bool("fail_open", cfg.RateLimitFailOpen),
			zap.Int64("limit", cfg.RateLimitMaxRequests),
			zap.Int64("read_limit", cfg.RateLimitReadMaxRequests),
			zap.Int("window_seconds", cfg.RateLimitWindowSeconds))

		return srv.Run(ctx)
	},
}
