package ram

import (
	"testing"

	"github.com/obhv/obhv/internal/pagetables"
)

func TestBuilderStagesKernelAndPageTables(t *testing.T) {
	bs := blockSizeFor()
	g, err := New(bs, 64*bs, &recordingMapper{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b := NewBuilder(g)

	kernel, err := b.AllocKernel(0x100000, bs, 0)
	if err != nil {
		t.Fatalf("AllocKernel: %v", err)
	}
	copy(kernel, []byte("boot"))

	root, err := b.BuildPageTables(pagetables.ArchAMD64, 0, nil)
	if err != nil {
		t.Fatalf("BuildPageTables: %v", err)
	}

	if len(b.Allocs()) != 1 {
		t.Fatalf("expected 1 staged alloc, got %d", len(b.Allocs()))
	}
	if b.Allocs()[0].VAddr != 0x100000 {
		t.Fatalf("unexpected staged VAddr: 0x%x", b.Allocs()[0].VAddr)
	}

	// The root table itself was allocated after the kernel region, so it
	// must live at a higher guest-physical address.
	if root < bs {
		t.Fatalf("expected page table root beyond the kernel region, got pa=0x%x", root)
	}
}
