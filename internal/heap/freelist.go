package heap

// freeNode is one run of contiguous free cells inside a
// LinkedListAllocator page.
type freeNode struct {
	next          *freeNode
	availableCell int // length of the run, in cells
	addr          uintptr
}

// linkedListPage is the free-list allocator used for cells fine
// enough that a page holds far more than 64 of them (spec §4.3).
type linkedListPage struct {
	head     *freeNode
	cellSize int
	base     uintptr
	cells    int
	used     int
}

func newLinkedListPage(base uintptr, cellSize, cells int) *linkedListPage {
	return &linkedListPage{
		head:     &freeNode{availableCell: cells, addr: base},
		cellSize: cellSize,
		base:     base,
		cells:    cells,
	}
}

// allocCell walks the list, splitting or removing the first node with
// at least `count` contiguous cells.
func (p *linkedListPage) allocCell(count int) (uintptr, bool) {
	var prev *freeNode
	for n := p.head; n != nil; n = n.next {
		if n.availableCell >= count {
			addr := n.addr
			if n.availableCell == count {
				if prev == nil {
					p.head = n.next
				} else {
					prev.next = n.next
				}
			} else {
				n.addr += uintptr(count * p.cellSize)
				n.availableCell -= count
			}
			p.used += count
			return addr, true
		}
		prev = n
	}
	return 0, false
}

// free_ returns a run of `count` cells starting at addr to the free
// list. It is pushed at the head rather than merged with adjacent
// runs; coalescing is left to a future compaction pass (none is
// specified for this layer -- spec.md scopes GC out entirely).
func (p *linkedListPage) free_(addr uintptr, count int) {
	p.head = &freeNode{next: p.head, availableCell: count, addr: addr}
	p.used -= count
}

func (p *linkedListPage) isFull() bool { return p.used >= p.cells }
