package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"semgate/internal/admin"
	"semgate/internal/app"
	"semgate/internal/catalog"
	"semgate/internal/config"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the virtual catalog built from the model store",
	}
	cmd.AddCommand(newCatalogListCmd())
	cmd.AddCommand(newCatalogInvalidateCmd())
	return cmd
}

func newCatalogListCmd() *cobra.Command {
	var modelStore string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List virtual schemas, tables and columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := offlineConfig(cmd, modelStore)
			if err != nil {
				return err
			}
			cat, closeStore, err := openCatalog(cmd.Context(), cfg, cmd)
			if err != nil {
				return err
			}
			defer closeStore() //nolint:errcheck

			snap, err := cat.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			view := admin.DescribeCatalog(snap, time.Now())

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), view)
			}
			var rows [][]string
			for _, s := range view.Schemas {
				for _, t := range s.Tables {
					for _, c := range t.Columns {
						rows = append(rows, []string{s.Name, t.Name, c.Name, c.Type, c.Element})
					}
				}
			}
			return printTable(cmd.OutOrStdout(), []string{"schema", "table", "column", "type", "element"}, rows)
		},
	}

	cmd.Flags().StringVar(&modelStore, "model-store", "", "model store URI (MODEL_STORE)")
	return cmd
}

// offlineConfig loads the configuration for commands that never listen,
// applying a --model-store override.
func offlineConfig(cmd *cobra.Command, modelStore string) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("model-store") {
		cfg.ModelStore = modelStore
	}
	return cfg, nil
}

// openCatalog builds a catalog over the configured model store. Logs go to
// stderr at warn level so they never mix with command output.
func openCatalog(ctx context.Context, cfg *config.Config, cmd *cobra.Command) (*catalog.Catalog, func() error, error) {
	store, closeStore, err := app.OpenModelStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	cat := catalog.New(store, catalog.Options{Database: cfg.DatabaseName, Logger: logger})
	return cat, func() error {
		cat.Stop()
		if err := closeStore(); err != nil {
			return fmt.Errorf("close model store: %w", err)
		}
		return nil
	}, nil
}

func newCatalogInvalidateCmd() *cobra.Command {
	var (
		adminAddr string
		token     string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Ask a running gateway to rebuild its catalog now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("admin-addr") {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				adminAddr = cfg.AdminListenAddr
			}
			if adminAddr == "" {
				return fmt.Errorf("admin server address is empty; set --admin-addr or ADMIN_LISTEN_ADDR")
			}
			if !strings.Contains(adminAddr, "://") {
				adminAddr = "http://" + adminAddr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				strings.TrimRight(adminAddr, "/")+"/v1/catalog/invalidate", nil)
			if err != nil {
				return err
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("invalidate catalog: %w", err)
			}
			defer resp.Body.Close() //nolint:errcheck
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				var apiErr struct {
					Message string `json:"message"`
				}
				if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
					return fmt.Errorf("invalidate catalog: %s (HTTP %d)", apiErr.Message, resp.StatusCode)
				}
				return fmt.Errorf("invalidate catalog: HTTP %d", resp.StatusCode)
			}

			var view admin.CatalogView
			if err := json.Unmarshal(body, &view); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), view)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "catalog version %d, %d schemas\n", view.Version, len(view.Schemas))
			return err
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin server address (defaults to ADMIN_LISTEN_ADDR)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token when the admin API requires one")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}
