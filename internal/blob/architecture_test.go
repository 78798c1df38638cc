package blob

import (
	"testing"

	"relkeeper/testutil"
)

// TestOnlyBlobPackageImportsInfra keeps the concrete backends behind the
// blob.Store facade.
func TestOnlyBlobPackageImportsInfra(t *testing.T) {
	testutil.AssertLayering(t, testutil.LayerRule{
		Forbidden: []string{"internal/infra/blob"},
		Except:    []string{"internal/blob", "internal/infra/blob"},
	})
}
