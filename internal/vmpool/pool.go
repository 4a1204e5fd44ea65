// Package vmpool implements the L0 virtual memory pool: a single
// process-wide reservation backed by a memfd, buddy-allocated in
// naturally aligned chunks, with a SharedMemory/MappedVM layer used to
// alias one physical segment at several virtual addresses.
package vmpool

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

const (
	// MinimumAllocationUnit is the smallest granule the buddy
	// allocator hands out; all requests are rounded up to a multiple
	// of it.
	MinimumAllocationUnit = 4 * 1024

	// TotalVM is the size of the address range reserved at process
	// start. Chosen small enough for a memfd-backed demo process but
	// large enough to exercise every allocation strategy in internal/heap.
	TotalVM = 1 << 30 // 1 GiB

	// VMAllocRetry bounds the number of growth attempts before alloc
	// reports NoSpaceLeft.
	VMAllocRetry = 64
)

// VM is a reserved, page-aligned span of address space. It does not by
// itself map any pages; SharedMemory.Map installs the backing.
type VM struct {
	pool *Pool
	Ptr  uintptr
	Len  uintptr
}

func (v *VM) String() string {
	return fmt.Sprintf("VM{ptr=0x%x len=%s}", v.Ptr, humanize.Bytes(uint64(v.Len)))
}

// Free returns the span to the buddy allocator. Safe to call once.
func (v *VM) Free() {
	if v == nil || v.pool == nil {
		return
	}
	v.pool.free(v.Ptr, v.Len)
	v.pool = nil
}

// BackingOffset returns v's offset into the pool's shared memfd. The
// buddy allocator hands out address-space spans 1:1 against a memfd of
// the same total size (newPool sizes both from TotalVM), so a span's
// own address-space offset doubles as a naturally unique, non-
// colliding file-backing region for it -- CreateSharedMemory(
// v.BackingOffset(), v.Len).Map(v) backs v with real pages at the same
// span the buddy allocator already reserved.
func (v *VM) BackingOffset() int64 {
	return int64(v.Ptr - v.pool.base)
}

// SharedMemory names a region inside the pool's shared memfd.
type SharedMemory struct {
	pool   *Pool
	Offset int64
	Len    uintptr
}

// MappedVM is a SharedMemory region mapped at a fixed VM address.
type MappedVM struct {
	vm    *VM
	shmem *SharedMemory
	Bytes []byte
}

func (m *MappedVM) Unmap() error {
	if m == nil || m.Bytes == nil {
		return nil
	}
	err := unix.Munmap(m.Bytes)
	m.Bytes = nil
	return err
}

// Pool owns the single process-wide memfd and the buddy free lists
// over TotalVM bytes of reserved address space.
type Pool struct {
	mu       sync.Mutex
	fd       int
	fileLen  int64
	freeList map[int][]uintptr // order -> list of block base offsets within the pool
	base     uintptr
	reserved []byte // the one real mmap reservation backing every VM.Ptr value
}

var (
	global     *Pool
	globalOnce sync.Once
	globalErr  error
)

// Global returns the process-wide pool, creating it (and its memfd) on
// first use. The fd and the reservation live for the process
// lifetime, per spec's "Shared resources" section.
func Global() (*Pool, error) {
	globalOnce.Do(func() {
		global, globalErr = newPool(TotalVM)
	})
	return global, globalErr
}

func newPool(size uintptr) (*Pool, error) {
	fd, err := unix.MemfdCreate("polyvm-heap", 0)
	if err != nil {
		return nil, fmt.Errorf("vmpool: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vmpool: ftruncate: %w", err)
	}
	// Reserve the address range up front with PROT_NONE; SharedMemory.Map
	// later re-maps sub-ranges MAP_FIXED with the real protection.
	reserved, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vmpool: reserve mmap: %w", err)
	}

	order := orderOf(size)
	p := &Pool{
		fd:       fd,
		fileLen:  int64(size),
		freeList: map[int][]uintptr{order: {0}},
		base:     uintptr(unsafe.Pointer(&reserved[0])),
		reserved: reserved,
	}
	return p, nil
}

// Alloc reserves a naturally aligned span of at least minSize bytes.
// No pages are mapped; the caller installs a SharedMemory.Map on top.
func (p *Pool) Alloc(minSize uintptr) (*VM, error) {
	size := roundUpPow2(roundUp(minSize, MinimumAllocationUnit))
	order := orderOf(size)

	var lastErr error
	for attempt := 0; attempt < VMAllocRetry; attempt++ {
		p.mu.Lock()
		off, ok := p.allocBlock(order)
		p.mu.Unlock()
		if ok {
			return &VM{pool: p, Ptr: p.base + off, Len: size}, nil
		}
		lastErr = fmt.Errorf("vmpool: no block of order %d available", order)
	}
	return nil, fmt.Errorf("vmpool: NoSpaceLeft after %d attempts: %w", VMAllocRetry, lastErr)
}

// allocBlock finds (splitting larger blocks as needed) a free block of
// the requested order. Caller holds p.mu.
func (p *Pool) allocBlock(order int) (uintptr, bool) {
	if blocks := p.freeList[order]; len(blocks) > 0 {
		off := blocks[len(blocks)-1]
		p.freeList[order] = blocks[:len(blocks)-1]
		return off, true
	}
	maxOrder := orderOf(uintptr(len(p.reserved)))
	if order >= maxOrder {
		return 0, false
	}
	parentOff, ok := p.allocBlock(order + 1)
	if !ok {
		return 0, false
	}
	buddyOff := parentOff + (uintptr(MinimumAllocationUnit) << uint(order))
	p.freeList[order] = append(p.freeList[order], buddyOff)
	return parentOff, true
}

func (p *Pool) free(ptr, size uintptr) {
	order := orderOf(size)
	off := ptr - p.base

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		buddy := off ^ (uintptr(MinimumAllocationUnit) << uint(order))
		blocks := p.freeList[order]
		idx := indexOf(blocks, buddy)
		if idx < 0 {
			p.freeList[order] = append(blocks, off)
			return
		}
		// Coalesce with the free buddy and continue merging upward.
		p.freeList[order] = append(blocks[:idx], blocks[idx+1:]...)
		if buddy < off {
			off = buddy
		}
		order++
	}
}

// CreateSharedMemory reserves offset..offset+len inside the pool's
// backing memfd for aliasing. The caller is responsible for offset
// bookkeeping; internal/heap derives offset from VM.BackingOffset so a
// span's own address-space reservation and its file backing line up,
// and reuses one SharedMemory across every tire view of a page so they
// alias the same bytes (§4.2/§4.3's "tire" aliasing).
func (p *Pool) CreateSharedMemory(offset int64, size uintptr) *SharedMemory {
	return &SharedMemory{pool: p, Offset: offset, Len: size}
}

// Map installs a MAP_SHARED|MAP_FIXED mapping of sh at vm.Ptr.
// Mapping the same SharedMemory at several distinct VM spans produces
// aliased views: writes through one are visible through all (§4.2,
// §4.3's "tire" aliasing).
func (sh *SharedMemory) Map(vm *VM) (*MappedVM, error) {
	if vm.Len < sh.Len {
		return nil, fmt.Errorf("vmpool: VM span %d too small for shared region %d", vm.Len, sh.Len)
	}
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		vm.Ptr,
		sh.Len,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED,
		uintptr(sh.pool.fd),
		uintptr(sh.Offset),
	)
	if errno != 0 {
		return nil, fmt.Errorf("vmpool: fixed map: %w", errno)
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(sh.Len))
	return &MappedVM{vm: vm, shmem: sh, Bytes: b}, nil
}

// Release returns backing pages to the OS; a dropped MappedVM should
// call this before Unmap so the kernel can reclaim the physical pages
// immediately rather than waiting on the next memory-pressure pass.
func (p *Pool) Release(offset int64, size uintptr) error {
	return unix.Fallocate(p.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, int64(size))
}

func orderOf(size uintptr) int {
	order := 0
	units := uintptr(size) / MinimumAllocationUnit
	if units < 1 {
		units = 1
	}
	for (uintptr(1) << uint(order)) < units {
		order++
	}
	return order
}

func roundUp(v, unit uintptr) uintptr {
	if v%unit == 0 {
		return v
	}
	return (v/unit + 1) * unit
}

func roundUpPow2(v uintptr) uintptr {
	p := uintptr(1)
	for p < v {
		p <<= 1
	}
	return p
}

func indexOf(xs []uintptr, v uintptr) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}
