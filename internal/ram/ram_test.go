package ram

import (
	"sync"
	"testing"
	"time"

	"github.com/obhv/obhv/internal/hostmem"
)

type recordingMapper struct {
	mu     sync.Mutex
	mapped []mapCall
	fail   bool
}

type mapCall struct {
	hostAddr uintptr
	guestPA  uint64
	length   uint64
}

func (m *recordingMapper) Map(hostAddr uintptr, guestPA uint64, length uint64) error {
	if m.fail {
		return &Error{Kind: ErrMap}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapped = append(m.mapped, mapCall{hostAddr, guestPA, length})
	return nil
}

func blockSizeFor() uint64 {
	ps := uint64(hostmem.PageSize())
	return ps
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	bs := blockSizeFor()
	mapper := &recordingMapper{}
	g, err := New(bs, 16*bs, mapper)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm, err := g.Alloc(0, 4*bs)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(mapper.mapped) != 1 {
		t.Fatalf("expected 1 Map call, got %d", len(mapper.mapped))
	}
	if mapper.mapped[0].guestPA != 0 || mapper.mapped[0].length != 4*bs {
		t.Fatalf("unexpected map call: %+v", mapper.mapped[0])
	}

	buf := lm.Bytes()
	buf[0] = 0x42
	if lm.Bytes()[0] != 0x42 {
		t.Fatalf("write through LockedMem.Bytes did not persist")
	}

	lm.Close()

	if err := g.Dealloc(0, 4*bs); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}

	// Same range can be allocated again once freed.
	lm2, err := g.Alloc(0, 4*bs)
	if err != nil {
		t.Fatalf("re-Alloc after Dealloc: %v", err)
	}
	lm2.Close()
}

func TestAllocAlreadyAllocated(t *testing.T) {
	bs := blockSizeFor()
	g, err := New(bs, 16*bs, &recordingMapper{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm, err := g.Alloc(0, 2*bs)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer lm.Close()

	_, err = g.Alloc(bs, 2*bs)
	if err == nil {
		t.Fatalf("expected overlapping Alloc to fail")
	}
	re, ok := err.(*Error)
	if !ok || re.Kind != ErrAlreadyAllocated {
		t.Fatalf("expected ErrAlreadyAllocated, got %v", err)
	}
}

func TestAllocMapFailureRollsBackCommit(t *testing.T) {
	bs := blockSizeFor()
	mapper := &recordingMapper{fail: true}
	g, err := New(bs, 16*bs, mapper)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = g.Alloc(0, 2*bs)
	if err == nil {
		t.Fatalf("expected Alloc to fail when mapper rejects")
	}
	re, ok := err.(*Error)
	if !ok || re.Kind != ErrMap {
		t.Fatalf("expected ErrMap, got %v", err)
	}

	// Since the commit was rolled back, the range should be available
	// to allocate again with a mapper that succeeds.
	g.mapper = &recordingMapper{}
	lm, err := g.Alloc(0, 2*bs)
	if err != nil {
		t.Fatalf("Alloc after rollback: %v", err)
	}
	lm.Close()
}

func TestDeallocWaitsForLock(t *testing.T) {
	bs := blockSizeFor()
	g, err := New(bs, 16*bs, &recordingMapper{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm, err := g.Alloc(0, 2*bs)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Dealloc(0, 2*bs)
	}()

	select {
	case <-done:
		t.Fatalf("Dealloc returned before the lock was released")
	case <-time.After(50 * time.Millisecond):
	}

	lm.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dealloc: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dealloc did not unblock after Close")
	}
}

func TestDeallocSkipsGaps(t *testing.T) {
	bs := blockSizeFor()
	g, err := New(bs, 16*bs, &recordingMapper{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm, err := g.Alloc(2*bs, 2*bs)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	lm.Close()

	// [0, 8*bs) covers the allocated [2*bs, 4*bs) plus unallocated gaps
	// on either side; Dealloc must not error on the gaps.
	if err := g.Dealloc(0, 8*bs); err != nil {
		t.Fatalf("Dealloc across gaps: %v", err)
	}
}

func TestLockDetectsUnallocatedRange(t *testing.T) {
	bs := blockSizeFor()
	g, err := New(bs, 16*bs, &recordingMapper{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm, err := g.Alloc(0, 2*bs)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	// Alloc's LockedMem pins the range and Lock waits on pinned blocks,
	// so release it before probing Lock.
	lm.Close()

	if got := g.Lock(0, 3*bs); got != nil {
		t.Fatalf("expected Lock to fail on a range extending past the allocation, got %+v", got)
	}

	// The rollback from the failed attempt must not leave the already
	// allocated blocks stuck in a locked state.
	if locked := g.Lock(0, bs); locked == nil {
		t.Fatalf("expected Lock to succeed on the fully allocated sub-range after rollback")
	} else {
		locked.Close()
	}
}

func TestRegionsCoalescesAdjacentBlocks(t *testing.T) {
	bs := blockSizeFor()
	g, err := New(bs, 16*bs, &recordingMapper{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm1, err := g.Alloc(0, 3*bs)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer lm1.Close()

	// Leave a gap at [3*bs, 5*bs) so this exercises two separate runs.
	lm2, err := g.Alloc(5*bs, 2*bs)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer lm2.Close()

	regions := g.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions, got %d: %+v", len(regions), regions)
	}

	if regions[0].GuestPA != 0 || regions[0].Len != 3*bs {
		t.Fatalf("unexpected first region: %+v", regions[0])
	}
	if regions[0].HostAddr != g.hostAddr(0) {
		t.Fatalf("unexpected first region HostAddr: got 0x%x, want 0x%x", regions[0].HostAddr, g.hostAddr(0))
	}

	if regions[1].GuestPA != 5*bs || regions[1].Len != 2*bs {
		t.Fatalf("unexpected second region: %+v", regions[1])
	}
	if regions[1].HostAddr != g.hostAddr(5*bs) {
		t.Fatalf("unexpected second region HostAddr: got 0x%x, want 0x%x", regions[1].HostAddr, g.hostAddr(5*bs))
	}
}

func TestNewRejectsMisalignedLength(t *testing.T) {
	bs := blockSizeFor()
	_, err := New(bs, bs+1, &recordingMapper{})
	if err == nil {
		t.Fatalf("expected New to reject a length that isn't block aligned")
	}
}
