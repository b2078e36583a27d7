// Package engine holds the warehouse executors and the in-memory answerer
// for system catalog queries.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2" // registers the duckdb driver

	"semgate/internal/pgsql"
)

var extensionRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// OpenDuckDB opens a DuckDB database file. An empty path opens an in-memory
// database shared by every connection of the returned pool.
func OpenDuckDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}

// InstallExtensions installs and loads DuckDB extensions, such as httpfs
// for base tables read from object storage.
func InstallExtensions(ctx context.Context, db *sql.DB, names []string) error {
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if !extensionRe.MatchString(name) {
			return fmt.Errorf("invalid extension name %q", name)
		}
		stmt := fmt.Sprintf("INSTALL %s; LOAD %s;", name, name)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("extension setup (%s): %w", name, err)
		}
	}
	return nil
}

// S3Secret holds credentials for a DuckDB S3 secret.
type S3Secret struct {
	Name     string
	KeyID    string
	Secret   string
	Region   string
	Endpoint string
	URLStyle string
}

// CreateS3Secret creates or replaces a DuckDB secret so the warehouse can
// read s3:// paths.
func CreateS3Secret(ctx context.Context, db *sql.DB, s S3Secret) error {
	if !extensionRe.MatchString(s.Name) {
		return fmt.Errorf("invalid secret name %q", s.Name)
	}
	opts := []string{"TYPE S3"}
	add := func(key, value string) {
		if value != "" {
			opts = append(opts, key+" "+pgsql.QuoteString(value))
		}
	}
	add("KEY_ID", s.KeyID)
	add("SECRET", s.Secret)
	add("REGION", s.Region)
	add("ENDPOINT", s.Endpoint)
	add("URL_STYLE", s.URLStyle)
	stmt := fmt.Sprintf("CREATE OR REPLACE SECRET %s (%s)", s.Name, strings.Join(opts, ", "))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create S3 secret %q: %w", s.Name, err)
	}
	return nil
}

// RunInitSQL executes a script of ;-separated statements, typically views
// or attached databases that model base tables refer to.
func RunInitSQL(ctx context.Context, db *sql.DB, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	if _, err := db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("run warehouse init script: %w", err)
	}
	return nil
}
