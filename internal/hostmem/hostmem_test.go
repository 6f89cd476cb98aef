package hostmem

import "testing"

func TestReserveCommitDecommit(t *testing.T) {
	ps := PageSize()
	if ps == 0 {
		t.Fatalf("PageSize returned 0")
	}

	region, err := Reserve(4 * ps)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer region.Release()

	if region.Len() != 4*ps {
		t.Fatalf("Len() = %d, want %d", region.Len(), 4*ps)
	}

	if err := region.Commit(ps, 2*ps); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	buf := region.Bytes(ps, 2*ps)
	if len(buf) != int(2*ps) {
		t.Fatalf("Bytes length = %d, want %d", len(buf), 2*ps)
	}
	buf[0] = 0xAB
	buf[len(buf)-1] = 0xCD

	readBack := region.Bytes(ps, 2*ps)
	if readBack[0] != 0xAB || readBack[len(readBack)-1] != 0xCD {
		t.Fatalf("committed range did not retain writes")
	}

	if err := region.Decommit(ps, 2*ps); err != nil {
		t.Fatalf("Decommit: %v", err)
	}

	if err := region.Commit(ps, 2*ps); err != nil {
		t.Fatalf("re-Commit after Decommit: %v", err)
	}
	fresh := region.Bytes(ps, 2*ps)
	if fresh[0] != 0 {
		t.Fatalf("recommitted range was not zeroed, got %#x", fresh[0])
	}
}

func TestProtect(t *testing.T) {
	ps := PageSize()
	region, err := Reserve(ps)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer region.Release()

	if err := region.Commit(0, ps); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := region.Protect(0, ps, ProtRead); err != nil {
		t.Fatalf("Protect(ProtRead): %v", err)
	}
	if err := region.Protect(0, ps, ProtRead|ProtWrite); err != nil {
		t.Fatalf("Protect(ProtRead|ProtWrite): %v", err)
	}
}
