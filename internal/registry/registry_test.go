package registry

import (
	"testing"
)

// Registry is a thin pgxpool wrapper over hand-written SQL; there is no
// in-pack Postgres fake to drive it against (unlike Redis, where miniredis
// covers idempotency and currentvalue). Register/GetByName/List/Update are
// not exercised by any test in this repository.
func TestRegister_RequiresLivePostgres(t *testing.T) {
	t.Skip("requires a live Postgres instance - integration test needed")
}

func TestList_KeysetPagination_RequiresLivePostgres(t *testing.T) {
	t.Skip("requires a live Postgres instance - integration test needed")
}
