package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"semgate/internal/analyzer"
	"semgate/internal/engine"
	"semgate/internal/pgwire"
	"semgate/internal/service/semantic"
)

type explainColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
	OID  uint32 `json:"oid"`
}

type explainView struct {
	SQL        string          `json:"sql"`
	Schema     string          `json:"schema"`
	Model      string          `json:"model"`
	BaseTable  string          `json:"base_table"`
	Version    uint64          `json:"catalog_version"`
	Columns    []explainColumn `json:"columns"`
	Dimensions []string        `json:"dimensions"`
	Measures   []string        `json:"measures"`
	Metrics    []string        `json:"metrics"`
}

func newExplainCmd() *cobra.Command {
	var (
		modelStore string
		searchPath string
		user       string
	)

	cmd := &cobra.Command{
		Use:   "explain <sql>",
		Short: "Print the warehouse SQL a query compiles to",
		Long: "Parse, analyze and translate a query against the model store\n" +
			"without connecting to the warehouse.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := offlineConfig(cmd, modelStore)
			if err != nil {
				return err
			}
			cat, closeStore, err := openCatalog(cmd.Context(), cfg, cmd)
			if err != nil {
				return err
			}
			defer closeStore() //nolint:errcheck

			svc := semantic.NewService(cat, nil, engine.NewInformationSchemaProvider(pgwire.DefaultServerVersion), nil)
			plan, err := svc.Explain(cmd.Context(), args[0], analyzer.Scope{
				SearchPath: splitSearchPath(searchPath),
				Database:   cfg.DatabaseName,
				User:       user,
			})
			if err != nil {
				return err
			}

			view := explainView{
				SQL:        plan.SQL,
				Schema:     plan.Schema,
				Model:      plan.Model,
				BaseTable:  plan.BaseTable,
				Version:    plan.Version,
				Dimensions: plan.Dimensions,
				Measures:   plan.Measures,
				Metrics:    plan.Metrics,
			}
			for _, c := range plan.Columns {
				view.Columns = append(view.Columns, explainColumn{Name: c.Name, Type: c.Type.Name, OID: c.Type.OID})
			}

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return printJSON(out, view)
			}
			if _, err := fmt.Fprintf(out, "%s\n\n", plan.SQL); err != nil {
				return err
			}
			rows := make([][]string, 0, len(view.Columns))
			for _, c := range view.Columns {
				rows = append(rows, []string{c.Name, c.Type})
			}
			return printTable(out, []string{"column", "type"}, rows)
		},
	}

	cmd.Flags().StringVar(&modelStore, "model-store", "", "model store URI (MODEL_STORE)")
	cmd.Flags().StringVar(&searchPath, "search-path", "public", "comma-separated search_path")
	cmd.Flags().StringVar(&user, "user", "semgate", "session user for current_user")
	return cmd
}

func splitSearchPath(s string) []string {
	var path []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			path = append(path, p)
		}
	}
	return path
}
