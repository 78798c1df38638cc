package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recorder struct{ msg string }

func (r *recorder) Fatalf(format string, args ...any) {
	r.msg = format
	if len(args) > 0 {
		r.msg = strings.Join([]string{format, args[len(args)-1].(string)}, "|")
	}
}

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		name string
		fn   func(string) bool
		in   string
		want bool
	}{
		{"domain", DomainImportForbidden, "relkeeper/pkg/domain", true},
		{"domain version", DomainImportForbidden, "example.com/pkg/domain@v1.2.3", true},
		{"domain sub", DomainImportForbidden, "example.com/pkg/domain/sub", false},
		{"internal", InternalImportForbidden, "relkeeper/internal/core", true},
		{"not internal", InternalImportForbidden, "relkeeper/pkg/domain", false},
		{"third party", ThirdPartyImport, "github.com/rs/zerolog", true},
		{"stdlib", ThirdPartyImport, "encoding/json", false},
		{"module", ThirdPartyImport, "relkeeper/internal/core", false},
	}
	for _, c := range cases {
		if got := c.fn(c.in); got != c.want {
			t.Fatalf("%s: %q = %v, want %v", c.name, c.in, got, c.want)
		}
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package tmp\nimport (\n\t\"fmt\"\n\t\"relkeeper/internal/core\"\n)\nvar _ = fmt.Sprint\nvar _ core.Status\n")
	writeFile(t, dir, "a_test.go", "package tmp\nimport \"relkeeper/internal/blob\"\n")
	writeFile(t, dir, "notes.txt", "import \"relkeeper/internal/x\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "relkeeper/internal/core (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}
	AssertNoDirectImports(t, dir, ThirdPartyImport, "no third-party imports")

	if _, err := directImportViolations(filepath.Join(dir, "missing"), InternalImportForbidden); err == nil {
		t.Fatalf("missing directory must fail")
	}
	writeFile(t, dir, "broken.go", "package")
	if _, err := directImportViolations(dir, InternalImportForbidden); err == nil {
		t.Fatalf("unparsable file must fail")
	}
}

func TestFailIfViolations(t *testing.T) {
	r := &recorder{}
	failIfViolations(r, "bad", "reason", nil)
	if r.msg != "" {
		t.Fatalf("no violations must not fail")
	}
	failIfViolations(r, "bad", "reason", []string{"a", "b"})
	if !strings.Contains(r.msg, "a\nb") {
		t.Fatalf("violations must be listed, got %q", r.msg)
	}
}

func TestAssertNoTransitiveDependencyUsesLoader(t *testing.T) {
	orig := loadDeps
	defer func() { loadDeps = orig }()
	var pattern string
	loadDeps = func(p string) ([]string, error) {
		pattern = p
		return []string{"fmt", "relkeeper/pkg/domain"}, nil
	}
	AssertNoTransitiveDependency(t, "./pkg/...", InternalImportForbidden, "domain only")
	if pattern != "./pkg/..." {
		t.Fatalf("pattern must reach the loader, got %q", pattern)
	}
}

func TestModuleDependenciesResolve(t *testing.T) {
	AssertNoTransitiveDependency(t, ModulePath+"/pkg/domain", func(p string) bool {
		return underPrefix(p, ModulePath+"/internal")
	}, "domain must not reach engine packages")
}

func TestLayerRuleApplies(t *testing.T) {
	rule := LayerRule{Forbidden: []string{"internal/infra/blob"}, Except: []string{"internal/blob"}}
	cases := map[string]bool{
		"relkeeper/internal/core":      true,
		"relkeeper/internal/blob":      false,
		"relkeeper/internal/blob/core": false,
		"relkeeper/internal/blobby":    true,
		"example.com/other":            false,
	}
	for path, want := range cases {
		if got := rule.applies(path); got != want {
			t.Fatalf("applies(%q) = %v, want %v", path, got, want)
		}
	}
	scoped := LayerRule{From: "pkg", Forbidden: []string{"internal"}}
	if !scoped.applies("relkeeper/pkg/domain") || scoped.applies("relkeeper/internal/core") {
		t.Fatalf("From must scope the rule")
	}
}
