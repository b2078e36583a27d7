package cli

import (
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"semgate/internal/app"
)

func newServeCmd() *cobra.Command {
	var (
		listen      string
		adminListen string
		modelStore  string
		warehouse   string
		logLevel    string
		drain       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PG wire listener, admin server and catalog refresher",
		Long: "Run the gateway until SIGINT or SIGTERM. Flags override the\n" +
			"corresponding environment variables.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.PGListenAddr = listen
			}
			if flags.Changed("admin-listen") {
				cfg.AdminListenAddr = adminListen
			}
			if flags.Changed("model-store") {
				cfg.ModelStore = modelStore
			}
			if flags.Changed("warehouse") {
				cfg.WarehouseDSN = warehouse
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			logger := app.NewLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			a, err := app.New(ctx, app.Deps{Cfg: cfg, Logger: logger})
			if err != nil {
				return err
			}
			logger.Info("semgate starting",
				"version", version,
				"database", cfg.DatabaseName,
				"model_store", cfg.ModelStore,
				"auth_mode", cfg.Auth.Mode)
			return a.Run(ctx, drain)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "PG wire listen address (PG_LISTEN_ADDR)")
	cmd.Flags().StringVar(&adminListen, "admin-listen", "", "admin HTTP listen address, empty disables it (ADMIN_LISTEN_ADDR)")
	cmd.Flags().StringVar(&modelStore, "model-store", "", "model store URI (MODEL_STORE)")
	cmd.Flags().StringVar(&warehouse, "warehouse", "", "warehouse DSN (WAREHOUSE_DSN)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (LOG_LEVEL)")
	cmd.Flags().DurationVar(&drain, "drain-timeout", 30*time.Second, "how long shutdown waits for running statements")
	return cmd
}
