// Package heap implements the L2 typed heap allocator (MMMU, spec
// §4.3): a per-TypeResource segmented heap choosing a Large,
// SmallUnsized or Small strategy at upload time, with Mask and
// LinkedList allocators per page and a process-wide/per-type/
// per-caller pool hierarchy.
package heap

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/maps"

	"polyvm/internal/errs"
	"polyvm/internal/types"
	"polyvm/internal/vmpool"
)

// PageSize is the size of one Small/SmallUnsized heap page. Must match
// types.HeapPageSize.
const PageSize = types.HeapPageSize

// VMAllocRetry bounds growth attempts, mirroring vmpool's own retry
// budget (spec §4.3 "Failure").
const VMAllocRetry = vmpool.VMAllocRetry

// Page is one heap page: either a Mask or a LinkedList allocator over
// cells of a single TypeResource's layout, backed by a VM reservation
// and (when the resource carries metadata tires) one aliased
// SharedMemory mapping per tire.
type Page struct {
	resource *types.TypeResource
	mask     *maskPage
	list     *linkedListPage
	vm       *vmpool.VM
	backing  *vmpool.MappedVM // the real PROT_READ|PROT_WRITE mapping backing vm
	tires    []*vmpool.MappedVM
}

func (p *Page) alloc() (uintptr, bool) {
	if p.mask != nil {
		return p.mask.alloc()
	}
	return p.list.allocCell(1)
}

func (p *Page) allocUnsized(cellCount int) (uintptr, bool) {
	if p.mask != nil {
		return p.mask.allocUnsized(cellCount)
	}
	return p.list.allocCell(cellCount)
}

func (p *Page) free(addr uintptr) {
	if p.mask != nil {
		p.mask.free_(addr)
		return
	}
	p.list.free_(addr, 1)
}

func (p *Page) isFull() bool {
	if p.mask != nil {
		return p.mask.isFull()
	}
	return p.list.isFull()
}

// Scan walks every live cell in p, invoking cb with each occupied
// cell's address. lenOffset is not read: every occupied cell is
// reported on its own, so an object spanning several cells is reported
// once per cell.
func (p *Page) Scan(cb func(addr uintptr), lenOffset *int) {
	cellSize := p.cellSize()
	if p.mask != nil {
		for i := 0; i < p.mask.cells; i++ {
			bit := uint64(1) << uint(i)
			if p.mask.free&bit == 0 {
				cb(p.mask.base + uintptr(i*cellSize))
			}
		}
		return
	}
	// LinkedList pages only track free runs; live cells are whatever a
	// free run doesn't cover. Build the free set, then scan the gaps.
	freeSet := make(map[int]bool)
	for n := p.list.head; n != nil; n = n.next {
		start := int(n.addr-p.list.base) / cellSize
		for i := 0; i < n.availableCell; i++ {
			freeSet[start+i] = true
		}
	}
	for i := 0; i < p.list.cells; i++ {
		if !freeSet[i] {
			cb(p.list.base + uintptr(i*cellSize))
		}
	}
}

func (p *Page) cellSize() int {
	if p.mask != nil {
		return p.mask.cellSize
	}
	return p.list.cellSize
}

// singleTypePool is the per-type pool: Small/Large x allocable/full
// page lists, each under its own mutex (spec §4.3 "Pool hierarchy").
type singleTypePool struct {
	mu sync.Mutex

	smallAllocable []*Page
	smallFull      []*Page
	largeAllocable []*Page
	largeFull      []*Page

	resource *types.TypeResource
}

// GlobalHeap is the process-wide typed heap: a concurrent map from
// TypeResource to its singleTypePool, a free-page cache keyed by tire
// count, and the vmpool.Pool every segment is carved from.
type GlobalHeap struct {
	vm    *vmpool.Pool
	pools sync.Map // *types.TypeResource -> *singleTypePool

	freeCacheMu sync.Mutex
	freeCache   map[int][]*Page // tire -> reusable empty pages
}

func NewGlobalHeap() (*GlobalHeap, error) {
	pool, err := vmpool.Global()
	if err != nil {
		return nil, fmt.Errorf("heap: %w", err)
	}
	return &GlobalHeap{vm: pool, freeCache: make(map[int][]*Page)}, nil
}

func (g *GlobalHeap) poolFor(r *types.TypeResource) *singleTypePool {
	if v, ok := g.pools.Load(r); ok {
		return v.(*singleTypePool)
	}
	p := &singleTypePool{resource: r}
	actual, _ := g.pools.LoadOrStore(r, p)
	return actual.(*singleTypePool)
}

// Stats reports a human-readable summary of live segment counts,
// matching the diagnostic String() methods referenced in SPEC_FULL.md.
type Stats struct {
	Types       int
	SmallPages  int
	LargePages  int
	ReservedVM  uintptr
}

func (s Stats) String() string {
	return fmt.Sprintf("heap: %d types, %d small pages, %d large pages, %s reserved",
		s.Types, s.SmallPages, s.LargePages, humanize.Bytes(uint64(s.ReservedVM)))
}

func (g *GlobalHeap) Stats() Stats {
	var s Stats
	keys := maps.Keys(mapSnapshot(&g.pools))
	s.Types = len(keys)
	for _, r := range keys {
		p := g.poolFor(r)
		p.mu.Lock()
		s.SmallPages += len(p.smallAllocable) + len(p.smallFull)
		s.LargePages += len(p.largeAllocable) + len(p.largeFull)
		for _, pages := range [][]*Page{p.smallAllocable, p.smallFull, p.largeAllocable, p.largeFull} {
			for _, pg := range pages {
				s.ReservedVM += pg.vm.Len * uintptr(1+len(pg.tires))
			}
		}
		p.mu.Unlock()
	}
	return s
}

func mapSnapshot(m *sync.Map) map[*types.TypeResource]struct{} {
	out := make(map[*types.TypeResource]struct{})
	m.Range(func(k, _ interface{}) bool {
		out[k.(*types.TypeResource)] = struct{}{}
		return true
	})
	return out
}

// Alloc returns a pointer to a freshly allocated, correctly aligned
// instance of r. The strategy recorded on r (spec §4.3) selects
// between a Large segment-per-object path and the Small/SmallUnsized
// page-pool path.
func (g *GlobalHeap) Alloc(r *types.TypeResource) (uintptr, error) {
	return g.allocImpl(r, 0)
}

// AllocUnsized is Alloc for a SmallUnsized-strategy resource whose
// trailing array has `length` elements.
func (g *GlobalHeap) AllocUnsized(r *types.TypeResource, length int) (uintptr, error) {
	return g.allocImpl(r, length)
}

func (g *GlobalHeap) allocImpl(r *types.TypeResource, length int) (uintptr, error) {
	if r.State() != types.StateReady {
		return 0, errs.NewResourceError(errs.NotLoaded, r.Name())
	}
	layout := r.Layout()

	switch r.Strategy() {
	case types.StrategyLarge:
		return g.allocLarge(r, layout)
	default:
		cellSize := layout.Size
		cellCount := 1
		if r.Strategy() == types.StrategySmallUnsized {
			cellSize = maxInt(layout.Size, 1)
			if layout.FlexibleSize > 0 && length > 0 {
				total := layout.Size + layout.FlexibleSize*length
				cellCount = (total + cellSize - 1) / cellSize
				if cellCount < 1 {
					cellCount = 1
				}
			}
		}
		return g.allocSmall(r, layout, cellSize, cellCount)
	}
}

func (g *GlobalHeap) allocLarge(r *types.TypeResource, layout types.TypeLayout) (uintptr, error) {
	var lastErrs []error
	for attempt := 0; attempt < VMAllocRetry; attempt++ {
		vm, err := g.vm.Alloc(uintptr(maxInt(layout.Size, PageSize)))
		if err != nil {
			lastErrs = append(lastErrs, err)
			continue
		}
		backing, err := g.vm.CreateSharedMemory(vm.BackingOffset(), vm.Len).Map(vm)
		if err != nil {
			vm.Free()
			lastErrs = append(lastErrs, err)
			continue
		}
		page := &Page{resource: r, vm: vm, backing: backing, mask: newMaskPage(vm.Ptr, maxInt(layout.Size, 1), 1)}
		g.attachTires(page, layout.Tire, vm)

		pool := g.poolFor(r)
		pool.mu.Lock()
		pool.largeAllocable = append(pool.largeAllocable, page)
		pool.mu.Unlock()

		addr, ok := page.alloc()
		if !ok {
			return 0, errs.NewAllocError(errs.HeapFrameAllocFailed)
		}
		return addr, nil
	}
	return 0, errs.NewAllRetryFailed(lastErrs)
}

func (g *GlobalHeap) allocSmall(r *types.TypeResource, layout types.TypeLayout, cellSize, cellCount int) (uintptr, error) {
	pool := g.poolFor(r)

	pool.mu.Lock()
	for i := len(pool.smallAllocable) - 1; i >= 0; i-- {
		page := pool.smallAllocable[i]
		if addr, ok := page.allocUnsized(cellCount); ok {
			if page.isFull() {
				pool.smallAllocable = append(pool.smallAllocable[:i], pool.smallAllocable[i+1:]...)
				pool.smallFull = append(pool.smallFull, page)
			}
			pool.mu.Unlock()
			return addr, nil
		}
	}
	pool.mu.Unlock()

	page, err := g.newSmallPage(r, layout, cellSize)
	if err != nil {
		return 0, err
	}
	addr, ok := page.allocUnsized(cellCount)
	if !ok {
		return 0, errs.NewAllocError(errs.HeapFrameAllocFailed)
	}
	pool.mu.Lock()
	if page.isFull() {
		pool.smallFull = append(pool.smallFull, page)
	} else {
		pool.smallAllocable = append(pool.smallAllocable, page)
	}
	pool.mu.Unlock()
	return addr, nil
}

func (g *GlobalHeap) newSmallPage(r *types.TypeResource, layout types.TypeLayout, cellSize int) (*Page, error) {
	var lastErrs []error
	for attempt := 0; attempt < VMAllocRetry; attempt++ {
		vm, err := g.vm.Alloc(PageSize)
		if err != nil {
			lastErrs = append(lastErrs, err)
			continue
		}
		backing, err := g.vm.CreateSharedMemory(vm.BackingOffset(), vm.Len).Map(vm)
		if err != nil {
			vm.Free()
			lastErrs = append(lastErrs, err)
			continue
		}
		cells := PageSize / maxInt(cellSize, 1)
		page := &Page{resource: r, vm: vm, backing: backing}
		if useMaskAllocator(maxInt(layout.Align, layout.Size)) {
			page.mask = newMaskPage(vm.Ptr, cellSize, minInt(cells, 64))
		} else {
			page.list = newLinkedListPage(vm.Ptr, cellSize, cells)
		}
		g.attachTires(page, layout.Tire, vm)
		return page, nil
	}
	return nil, errs.NewAllRetryFailed(lastErrs)
}

// attachTires gives page `tire` additional aliased views of its own
// backing region (spec §4.2/§4.3's "tire" aliasing): one SharedMemory,
// built from vm's own backing offset, mapped at `tire` distinct VM
// spans, so a write through any one view -- the page's own vm or any
// tire span -- is visible through all of them, since every mapping
// shares the same memfd bytes.
func (g *GlobalHeap) attachTires(page *Page, tire int, vm *vmpool.VM) {
	if tire <= 0 {
		return
	}
	shmem := g.vm.CreateSharedMemory(vm.BackingOffset(), vm.Len)
	for i := 0; i < tire; i++ {
		tireVM, err := g.vm.Alloc(vm.Len)
		if err != nil {
			continue
		}
		mapped, err := shmem.Map(tireVM)
		if err != nil {
			tireVM.Free()
			continue
		}
		page.tires = append(page.tires, mapped)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
