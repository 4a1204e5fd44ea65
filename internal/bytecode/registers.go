package bytecode

import (
	"fmt"

	"polyvm/internal/types"
)

// Variable is a dynamically-typed register handle (spec §4.4). AsRef
// asserts the caller's expected type identity against TypeID; dropping
// a still-live Variable without an explicit Free/Forget is a
// programmer error, and checkDropped panics on such a handle.
type Variable struct {
	Register uint16
	TypeID   *types.TypeResource
	live     bool
	freed    func(uint16)
}

func newVariable(reg uint16, t *types.TypeResource, freed func(uint16)) *Variable {
	return &Variable{Register: reg, TypeID: t, live: true, freed: freed}
}

// AsRef asserts this Variable holds an instance of t.
func (v *Variable) AsRef(t *types.TypeResource) (uint16, error) {
	if v.TypeID != t {
		return 0, fmt.Errorf("bytecode: variable register %d is %s, not %s", v.Register, v.TypeID.Name(), t.Name())
	}
	return v.Register, nil
}

// Forget releases the handle without returning the register to its
// pool -- the caller has taken over ownership by some other means.
func (v *Variable) Forget() { v.live = false }

// Free returns the register to its owning pool and marks the handle
// dead.
func (v *Variable) Free() {
	if !v.live {
		return
	}
	v.live = false
	if v.freed != nil {
		v.freed(v.Register)
	}
}

// checkDropped panics if v is still live. No finalizer is installed,
// so nothing calls it automatically; a caller or test that wants the
// check invokes it explicitly once the handle goes out of use.
func (v *Variable) checkDropped() {
	if v.live {
		panic(fmt.Sprintf("bytecode: variable register %d dropped while still live (call Free or Forget)", v.Register))
	}
}

// BuddyRegisterPool hands out power-of-two-sized windows within a
// [0, 2^16) register file (spec §4.4). A freed window of the needed
// order is reused first, most recently freed first (not necessarily
// the lowest); failing that, a larger free window is split, its unused
// upper halves going back on the free lists; otherwise the next
// never-issued range is taken. Freed windows are not merged with their
// buddies.
type BuddyRegisterPool struct {
	free map[int][]uint16 // order -> free window bases
	next uint16           // lowest never-yet-issued base
}

const maxRegister = 1 << 16

func NewBuddyRegisterPool() *BuddyRegisterPool {
	return &BuddyRegisterPool{free: make(map[int][]uint16)}
}

func orderForSize(n int) int {
	order := 0
	size := 1
	for size < n {
		size <<= 1
		order++
	}
	return order
}

// Alloc returns the base register of a window holding at least n
// contiguous registers.
func (p *BuddyRegisterPool) Alloc(n int) (uint16, error) {
	order := orderForSize(n)
	size := 1 << uint(order)
	for o := order; o <= 16; o++ {
		if bases := p.free[o]; len(bases) > 0 {
			base := bases[len(bases)-1]
			p.free[o] = bases[:len(bases)-1]
			for ; o > order; o-- {
				p.free[o-1] = append(p.free[o-1], base+uint16(1<<uint(o-1)))
			}
			return base, nil
		}
	}
	if int(p.next)+size > maxRegister {
		return 0, fmt.Errorf("bytecode: register file exhausted allocating window of %d", size)
	}
	base := p.next
	p.next += uint16(size)
	return base, nil
}

// Free returns a window of the given logical size to the pool.
func (p *BuddyRegisterPool) Free(base uint16, n int) {
	order := orderForSize(n)
	p.free[order] = append(p.free[order], base)
}

// LinearRegisterPool hands out exactly one fixed-size slot per
// allocation, backed by a small free list (spec §4.4): used when every
// live value has the same width, e.g. a function's local-variable
// frame.
type LinearRegisterPool struct {
	slotSize int
	next     uint16
	free     []uint16
}

func NewLinearRegisterPool(slotSize int) *LinearRegisterPool {
	return &LinearRegisterPool{slotSize: slotSize}
}

func (p *LinearRegisterPool) Alloc() (uint16, error) {
	if n := len(p.free); n > 0 {
		base := p.free[n-1]
		p.free = p.free[:n-1]
		return base, nil
	}
	if int(p.next)+p.slotSize > maxRegister {
		return 0, fmt.Errorf("bytecode: linear register pool exhausted")
	}
	base := p.next
	p.next += uint16(p.slotSize)
	return base, nil
}

func (p *LinearRegisterPool) Free(base uint16) {
	p.free = append(p.free, base)
}
