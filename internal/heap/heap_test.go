package heap

import "testing"

func TestMaskPageFullReturnsNoSpace(t *testing.T) {
	p := newMaskPage(0x1000, 64, 4)
	for i := 0; i < 4; i++ {
		if _, ok := p.alloc(); !ok {
			t.Fatalf("alloc %d should have succeeded", i)
		}
	}
	if _, ok := p.alloc(); ok {
		t.Fatal("alloc on a full mask page should report no space, not a stale pointer")
	}
}

func TestMaskPageAllocUnsizedContiguous(t *testing.T) {
	p := newMaskPage(0x2000, 16, 8)
	// Take cell 0 so a 3-cell run can't start there.
	if _, ok := p.alloc(); !ok {
		t.Fatal("expected first alloc to succeed")
	}
	addr, ok := p.allocUnsized(3)
	if !ok {
		t.Fatal("expected a 3-cell contiguous run to be found")
	}
	if addr != 0x2000+16 {
		t.Fatalf("addr = %#x, want %#x", addr, 0x2000+16)
	}
}

func TestMaskPageFreeSingleCellOnly(t *testing.T) {
	p := newMaskPage(0x3000, 8, 8)
	addr, _ := p.allocUnsized(3)
	p.free_(addr)
	// Only the first cell of the run should be back; cells 1 and 2
	// remain allocated (spec §4.3's single-point-ownership rule).
	if bitsFree := p.free; bitsFree&0b111 != 0b001 {
		t.Fatalf("free mask = %b, want only bit 0 set", bitsFree&0b111)
	}
}

func TestLinkedListPageSplitAndFree(t *testing.T) {
	p := newLinkedListPage(0x4000, 32, 10)
	a, ok := p.allocCell(4)
	if !ok || a != 0x4000 {
		t.Fatalf("first allocCell(4) = %#x,%v", a, ok)
	}
	b, ok := p.allocCell(4)
	if !ok || b != 0x4000+4*32 {
		t.Fatalf("second allocCell(4) = %#x,%v", b, ok)
	}
	if p.isFull() {
		t.Fatal("page has 2 cells left, should not report full")
	}
	p.free_(a, 4)
	c, ok := p.allocCell(4)
	if !ok || c != a {
		t.Fatalf("expected freed run to be reused, got %#x,%v", c, ok)
	}
}

func TestUseMaskAllocatorThreshold(t *testing.T) {
	if !useMaskAllocator(PageSize) {
		t.Fatal("a cell as big as a whole page must use the mask allocator")
	}
	if useMaskAllocator(8) {
		t.Fatal("an 8-byte cell leaves room for thousands per page; should use the free list")
	}
}

func TestGlobalHeapAllocSmallReusesPage(t *testing.T) {
	r := newReadyResource(t, "small-heap-test", 8, 8)
	g := &GlobalHeap{vm: mustPool(t), freeCache: make(map[int][]*Page)}

	a, err := g.Alloc(r)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Alloc(r)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two live allocations must not alias")
	}
	p := g.poolFor(r)
	if n := len(p.smallAllocable) + len(p.smallFull); n != 1 {
		t.Fatalf("two small allocations used %d pages, want 1 reused page", n)
	}
}

func TestGlobalHeapAllocRejectsNotReady(t *testing.T) {
	r := newDefinedOnlyResource(t, "not-ready")
	g := &GlobalHeap{vm: mustPool(t), freeCache: make(map[int][]*Page)}
	if _, err := g.Alloc(r); err == nil {
		t.Fatal("expected Alloc on a non-Ready resource to fail")
	}
}
