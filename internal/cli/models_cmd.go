package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	internaldb "semgate/internal/db"
	"semgate/internal/db/repository"
	"semgate/internal/modelstore"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Validate model files and manage the SQLite model store",
	}
	cmd.AddCommand(newModelsValidateCmd())
	cmd.AddCommand(newModelsImportCmd())
	cmd.AddCommand(newModelsExportCmd())
	return cmd
}

func newModelsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Decode and validate every model file in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := modelstore.LoadDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				docs := make([]*modelstore.ModelDoc, 0, len(models))
				for _, m := range models {
					docs = append(docs, modelstore.DocOf(m))
				}
				return printJSON(cmd.OutOrStdout(), docs)
			}
			rows := make([][]string, 0, len(models))
			for _, m := range models {
				rows = append(rows, []string{
					m.Name,
					m.BaseTable,
					strconv.Itoa(len(m.Dimensions)),
					strconv.Itoa(len(m.Measures)),
					strconv.Itoa(len(m.Metrics)),
				})
			}
			return printTable(cmd.OutOrStdout(), []string{"model", "base_table", "dimensions", "measures", "metrics"}, rows)
		},
	}
}

func newModelsImportCmd() *cobra.Command {
	var (
		sqlitePath string
		prune      bool
	)

	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Validate model files and upsert them into a SQLite model store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			models, err := modelstore.LoadDir(ctx, args[0])
			if err != nil {
				return err
			}

			db, err := internaldb.OpenSQLite(ctx, sqlitePath, internaldb.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck
			if err := internaldb.RunMigrations(ctx, db); err != nil {
				return err
			}
			repo := repository.NewSemanticModelRepo(db)

			var rows [][]string
			imported := make([]string, 0, len(models))
			for _, m := range models {
				created, err := repo.Upsert(ctx, m)
				if err != nil {
					return fmt.Errorf("import %s: %w", m.Name, err)
				}
				action := "updated"
				if created {
					action = "created"
				}
				rows = append(rows, []string{m.Name, action})
				imported = append(imported, m.Name)
			}

			if prune {
				stored, err := repo.ListModels(ctx)
				if err != nil {
					return err
				}
				for _, name := range stored {
					if slices.Contains(imported, name) {
						continue
					}
					if err := repo.Delete(ctx, name); err != nil {
						return fmt.Errorf("prune %s: %w", name, err)
					}
					rows = append(rows, []string{name, "deleted"})
				}
			}

			if getOutputFormat(cmd) == "json" {
				out := make([]map[string]string, 0, len(rows))
				for _, r := range rows {
					out = append(out, map[string]string{"model": r[0], "action": r[1]})
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			return printTable(cmd.OutOrStdout(), []string{"model", "action"}, rows)
		},
	}

	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "SQLite model store path")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete stored models that are not in the directory")
	_ = cmd.MarkFlagRequired("sqlite")
	return cmd
}

func newModelsExportCmd() *cobra.Command {
	var sqlitePath string

	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Write every model in a SQLite model store as a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := args[0]
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}

			db, err := internaldb.OpenSQLite(ctx, sqlitePath, internaldb.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck
			repo := repository.NewSemanticModelRepo(db)

			names, err := repo.ListModels(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				m, err := repo.GetModel(ctx, name)
				if err != nil {
					return err
				}
				path := filepath.Join(dir, name+".yaml")
				f, err := os.Create(path) //nolint:gosec // path is built from a validated model name
				if err != nil {
					return fmt.Errorf("create %s: %w", path, err)
				}
				if err := modelstore.Encode(f, m); err != nil {
					_ = f.Close()
					return fmt.Errorf("write %s: %w", path, err)
				}
				if err := f.Close(); err != nil {
					return err
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), path); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "SQLite model store path")
	_ = cmd.MarkFlagRequired("sqlite")
	return cmd
}
