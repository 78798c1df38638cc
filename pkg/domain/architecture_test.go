package domain

import (
	"strings"
	"testing"

	"relkeeper/testutil"
)

// TestDomainDoesNotImportInternal keeps the domain layer free of engine and
// provider implementation packages.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain must stay implementation agnostic")
}

// TestDomainImportsOnlyApprovedModules restricts third-party imports to the
// identifier generator.
func TestDomainImportsOnlyApprovedModules(t *testing.T) {
	allowed := map[string]bool{"github.com/google/uuid": true}
	testutil.AssertNoDirectImports(t, ".", func(path string) bool {
		if !strings.Contains(path, ".") {
			return false
		}
		return !allowed[path]
	}, "domain may only depend on the standard library and approved modules")
}
