package architecture_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "semgate"

type layerRule struct {
	pkg     string
	allowed []string
	hint    string
}

// Packages not listed here (app, cli, testutil) may import anything.
var rules = []layerRule{
	{pkg: "internal/pgsql", hint: "the parser is self-contained"},
	{pkg: "internal/config", hint: "config is read by everyone and imports no one"},
	{pkg: "internal/db", hint: "db owns the SQLite handle and migrations only"},
	{pkg: "internal/domain", allowed: []string{"internal/pgsql"}, hint: "domain may only import the parser"},
	{pkg: "internal/catalog", allowed: []string{"internal/domain"}, hint: "catalog is built from domain models"},
	{pkg: "internal/auth", allowed: []string{"internal/domain"}, hint: "auth returns domain errors"},
	{pkg: "internal/db/repository", allowed: []string{"internal/domain"}, hint: "repositories map rows to domain models"},
	{pkg: "internal/modelstore", allowed: []string{"internal/domain", "internal/config"}, hint: "model stores map objects to domain models"},
	{pkg: "internal/metrics", allowed: []string{"internal/catalog"}, hint: "metrics observe catalog refreshes"},
	{
		pkg:     "internal/analyzer",
		allowed: []string{"internal/pgsql", "internal/domain", "internal/catalog"},
		hint:    "analysis resolves parse trees against the catalog",
	},
	{
		pkg:     "internal/engine",
		allowed: []string{"internal/pgsql", "internal/domain", "internal/catalog", "internal/analyzer"},
		hint:    "engine executes analyzed statements",
	},
	{
		pkg:     "internal/service/semantic",
		allowed: []string{"internal/pgsql", "internal/domain", "internal/catalog", "internal/analyzer", "internal/engine"},
		hint:    "the semantic service must not know about the wire protocol",
	},
	{
		pkg: "internal/pgwire",
		allowed: []string{
			"internal/pgsql", "internal/domain", "internal/catalog", "internal/analyzer",
			"internal/engine", "internal/auth", "internal/service/semantic",
		},
		hint: "the listener talks to the semantic service, never to stores",
	},
	{pkg: "internal/admin", allowed: []string{"internal/auth", "internal/catalog"}, hint: "admin reads the catalog through an interface"},
}

func TestImportBoundaries(t *testing.T) {
	t.Parallel()

	root := repoRootDir()
	files, err := collectGoFiles(filepath.Join(root, "internal"))
	require.NoError(t, err)

	violations := make([]string, 0)
	fset := token.NewFileSet()

	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}
		rel, err := filepath.Rel(root, filepath.Dir(file))
		require.NoError(t, err)
		pkg := filepath.ToSlash(rel)
		rule, ok := findRule(pkg)
		if !ok {
			continue
		}

		parsed, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		require.NoErrorf(t, err, "parse imports for %s", file)

		for _, imp := range parsed.Imports {
			importPath := strings.Trim(imp.Path.Value, "\"")
			target, ok := strings.CutPrefix(importPath, modulePath+"/")
			if !ok {
				continue
			}
			if !contains(rule.allowed, target) {
				violations = append(violations, pkg+" imports "+target+" via "+filepath.Base(file)+"; "+rule.hint)
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("%s", strings.Join(violations, "\n"))
	}
}

func TestRulesNameExistingPackages(t *testing.T) {
	t.Parallel()

	root := repoRootDir()
	for _, rule := range rules {
		matches, err := filepath.Glob(filepath.Join(root, rule.pkg, "*.go"))
		require.NoError(t, err)
		require.NotEmptyf(t, matches, "rule for %s names a package with no Go files", rule.pkg)
	}
}

func findRule(pkg string) (layerRule, bool) {
	for _, rule := range rules {
		if rule.pkg == pkg {
			return rule, true
		}
	}
	return layerRule{}, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func collectGoFiles(root string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".go") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func repoRootDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
