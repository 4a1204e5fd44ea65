package vmpool

import "testing"

// TestAllocRoundsUpToPowerOfTwoOrder checks the buddy allocator's size
// rounding (spec §8 scenario 4): a request is rounded up to a multiple
// of MinimumAllocationUnit, then up again to the next power of two, so
// two different requests inside the same order land on equal-size
// spans.
func TestAllocRoundsUpToPowerOfTwoOrder(t *testing.T) {
	p, err := newPool(1 << 24) // 16 MiB, small enough for a fast test pool
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}

	vm, err := p.Alloc(1) // smaller than one unit
	if err != nil {
		t.Fatalf("alloc(1): %v", err)
	}
	if vm.Len != MinimumAllocationUnit {
		t.Fatalf("alloc(1).Len = %d, want %d (rounds up to one unit)", vm.Len, MinimumAllocationUnit)
	}

	vm2, err := p.Alloc(MinimumAllocationUnit + 1)
	if err != nil {
		t.Fatalf("alloc(unit+1): %v", err)
	}
	if vm2.Len != 2*MinimumAllocationUnit {
		t.Fatalf("alloc(unit+1).Len = %d, want %d (rounds up to next power of two)", vm2.Len, 2*MinimumAllocationUnit)
	}

	if vm.Ptr == vm2.Ptr {
		t.Fatal("two live allocations must not overlap")
	}
}

// TestFreeCoalescesBuddies checks that freeing both halves of a split
// block merges them back into a single block of the parent order,
// available to satisfy a request for the parent's size.
func TestFreeCoalescesBuddies(t *testing.T) {
	p, err := newPool(1 << 24)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}

	a, err := p.Alloc(MinimumAllocationUnit)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := p.Alloc(MinimumAllocationUnit)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	a.Free()
	b.Free()

	big, err := p.Alloc(2 * MinimumAllocationUnit)
	if err != nil {
		t.Fatalf("alloc after coalesce: %v", err)
	}
	if big.Len != 2*MinimumAllocationUnit {
		t.Fatalf("big.Len = %d, want %d", big.Len, 2*MinimumAllocationUnit)
	}
}

// TestBackingOffsetUniquePerSpan checks that two live VM spans carry
// distinct BackingOffset values, the invariant internal/heap relies on
// to map each page's own backing without colliding with another page's.
func TestBackingOffsetUniquePerSpan(t *testing.T) {
	p, err := newPool(1 << 24)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	a, err := p.Alloc(MinimumAllocationUnit)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := p.Alloc(MinimumAllocationUnit)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	if a.BackingOffset() == b.BackingOffset() {
		t.Fatalf("distinct spans got the same backing offset %d", a.BackingOffset())
	}
}

// TestSharedMemoryAliasesWrites checks that two VM spans mapped from
// the same SharedMemory see each other's writes -- the "tire" aliasing
// property (spec §4.2/§4.3) internal/heap.attachTires depends on.
func TestSharedMemoryAliasesWrites(t *testing.T) {
	p, err := newPool(1 << 24)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}

	vmA, err := p.Alloc(MinimumAllocationUnit)
	if err != nil {
		t.Fatalf("alloc vmA: %v", err)
	}
	vmB, err := p.Alloc(MinimumAllocationUnit)
	if err != nil {
		t.Fatalf("alloc vmB: %v", err)
	}

	shmem := p.CreateSharedMemory(vmA.BackingOffset(), vmA.Len)
	mappedA, err := shmem.Map(vmA)
	if err != nil {
		t.Fatalf("map vmA: %v", err)
	}
	defer mappedA.Unmap()
	mappedB, err := shmem.Map(vmB)
	if err != nil {
		t.Fatalf("map vmB: %v", err)
	}
	defer mappedB.Unmap()

	mappedA.Bytes[0] = 0x42
	if mappedB.Bytes[0] != 0x42 {
		t.Fatalf("write through vmA not visible through vmB: got %#x", mappedB.Bytes[0])
	}
}
