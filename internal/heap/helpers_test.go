package heap

import (
	"testing"

	"polyvm/internal/types"
	"polyvm/internal/vmpool"
)

func mustPool(t *testing.T) *vmpool.Pool {
	t.Helper()
	p, err := vmpool.Global()
	if err != nil {
		t.Fatalf("vmpool.Global: %v", err)
	}
	return p
}

func newReadyResource(t *testing.T, name string, size, align int) *types.TypeResource {
	t.Helper()
	r := types.Define(name)
	if err := r.Upload(types.Native(size, align)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := r.ToReadyState(); err != nil {
		t.Fatalf("ToReadyState: %v", err)
	}
	return r
}

func newDefinedOnlyResource(t *testing.T, name string) *types.TypeResource {
	t.Helper()
	return types.Define(name)
}
