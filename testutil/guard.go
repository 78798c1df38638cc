// Package testutil provides helpers for enforcing package layering across the
// repository from tests.
package testutil

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// ModulePath is the import path prefix of this repository.
const ModulePath = "relkeeper"

// AssertNoDirectImports scans the non-test .go files in dir and fails if any
// import path satisfies forbidden. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfViolations(t, "forbidden direct imports detected", reason, viols)
}

// AssertNoTransitiveDependency loads pattern with its full dependency graph
// and fails if any reachable package satisfies forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	deps, err := loadDeps(pattern)
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var viols []string
	for _, p := range deps {
		if forbidden(p) {
			viols = append(viols, p)
		}
	}
	failIfViolations(t, "forbidden transitive dependency detected", reason, viols)
}

// LayerRule forbids packages under From from importing packages under any of
// the Forbidden prefixes. Packages under Except are skipped. Prefixes are
// relative to ModulePath; an empty From covers the whole module.
type LayerRule struct {
	From      string
	Forbidden []string
	Except    []string
}

func (r LayerRule) applies(pkgPath string) bool {
	from := ModulePath
	if r.From != "" {
		from += "/" + r.From
	}
	if !underPrefix(pkgPath, from) {
		return false
	}
	for _, e := range r.Except {
		if underPrefix(pkgPath, ModulePath+"/"+e) {
			return false
		}
	}
	return true
}

// AssertLayering checks every package of the module against rules using
// direct imports, test files included.
func AssertLayering(t testing.TB, rules ...LayerRule) {
	t.Helper()
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, ModulePath+"/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		for _, rule := range rules {
			if !rule.applies(pkg.PkgPath) {
				continue
			}
			for imp := range pkg.Imports {
				for _, f := range rule.Forbidden {
					if underPrefix(imp, ModulePath+"/"+f) {
						seen[fmt.Sprintf("%s imports %s", pkg.PkgPath, imp)] = struct{}{}
					}
				}
			}
		}
	}
	viols := make([]string, 0, len(seen))
	for v := range seen {
		viols = append(viols, v)
	}
	sort.Strings(viols)
	failIfViolations(t, "layering violation", "see LayerRule", viols)
}

// DomainImportForbidden matches import paths of a pkg/domain package.
func DomainImportForbidden(path string) bool {
	return strings.HasSuffix(path, "/pkg/domain") || strings.Contains(path, "/pkg/domain@")
}

// InternalImportForbidden matches any import path containing /internal/.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/")
}

// ThirdPartyImport matches module paths outside the standard library.
func ThirdPartyImport(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return strings.Contains(first, ".")
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

var loadDeps = func(pattern string) ([]string, error) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	roots, err := packages.Load(cfg, pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	packages.Visit(roots, nil, func(p *packages.Package) {
		out = append(out, p.PkgPath)
	})
	sort.Strings(out)
	return out, nil
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		fileAst, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range fileAst.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, what, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("%s (%s):\n%s", what, reason, strings.Join(viols, "\n"))
	}
}
