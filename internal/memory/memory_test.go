package memory

import "testing"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(0, 16*PageSize, 16*PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	m := newTestManager(t)

	base, ok := m.AllocateBlock(2 * PageSize)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	if base != 0 {
		t.Fatalf("expected first allocation at 0, got %#x", base)
	}
	if got := m.FramesInUse(); got != 2 {
		t.Fatalf("expected 2 frames in use, got %d", got)
	}

	if err := m.ReleaseBlock(base, 2*PageSize); err != nil {
		t.Fatalf("ReleaseBlock: %v", err)
	}
	if got := m.FramesInUse(); got != 0 {
		t.Fatalf("expected 0 frames in use after release, got %d", got)
	}
}

func TestAllocateFindsFirstFit(t *testing.T) {
	m := newTestManager(t)

	a, _ := m.AllocateBlock(PageSize)
	b, _ := m.AllocateBlock(PageSize)
	if err := m.ReleaseBlock(a, PageSize); err != nil {
		t.Fatalf("release a: %v", err)
	}

	c, ok := m.AllocateBlock(PageSize)
	if !ok {
		t.Fatalf("expected reallocation to succeed")
	}
	if c != a {
		t.Fatalf("expected first-fit to reuse freed frame %#x, got %#x", a, c)
	}
	_ = b
}

func TestAllocateExhaustion(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.AllocateBlock(16 * PageSize); !ok {
		t.Fatalf("expected full allocation to succeed")
	}
	if _, ok := m.AllocateBlock(PageSize); ok {
		t.Fatalf("expected allocation to fail once exhausted")
	}
}

func TestReleaseRejectsMisalignedOrDoubleFree(t *testing.T) {
	m := newTestManager(t)
	base, _ := m.AllocateBlock(PageSize)

	if err := m.ReleaseBlock(base+1, PageSize); err == nil {
		t.Fatalf("expected misaligned release to fail")
	}
	if err := m.ReleaseBlock(base, PageSize); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.ReleaseBlock(base, PageSize); err == nil {
		t.Fatalf("expected double free to be rejected")
	}
}

func TestAllocationAndFreeCountersTrackInUse(t *testing.T) {
	m := newTestManager(t)
	a, _ := m.AllocateBlock(3 * PageSize)
	allocs, frees := m.Stats()
	if allocs != 3 || frees != 0 {
		t.Fatalf("unexpected stats after alloc: allocs=%d frees=%d", allocs, frees)
	}
	if err := m.ReleaseBlock(a, 3*PageSize); err != nil {
		t.Fatalf("release: %v", err)
	}
	allocs, frees = m.Stats()
	if allocs != 3 || frees != 3 {
		t.Fatalf("unexpected stats after free: allocs=%d frees=%d", allocs, frees)
	}
	if m.allocs-m.frees != m.FramesInUse() {
		t.Fatalf("invariant violated: allocs-frees != inUse")
	}
}
