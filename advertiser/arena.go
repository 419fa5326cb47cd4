package advertiser

import (
	"fmt"
	"sort"
)

// InvalidID is the controller's "no handle" value.
const InvalidID uint8 = 0xFF

// Handle addresses an advertising set. Gen distinguishes successive
// allocations of the same controller handle so a stale Handle is rejected.
type Handle struct {
	ID  uint8
	Gen uint32
}

// InvalidHandle is returned when no handle could be allocated.
var InvalidHandle = Handle{ID: InvalidID}

func (h Handle) Valid() bool {
	return h.ID != InvalidID
}

func (h Handle) String() string {
	if !h.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%d#%d", h.ID, h.Gen)
}

type slot struct {
	gen uint32
	set *advSet
}

// arena is the handle table. Free ids are kept sorted so allocation
// always returns the lowest free controller handle.
type arena struct {
	slots []slot
	free  []uint8
}

func newArena(size int) *arena {
	if size <= 0 {
		size = 1
	}
	if size > int(InvalidID) {
		size = int(InvalidID)
	}
	a := &arena{slots: make([]slot, size), free: make([]uint8, size)}
	for i := range a.free {
		a.free[i] = uint8(i)
	}
	return a
}

func (a *arena) alloc(init func(h Handle) *advSet) (Handle, bool) {
	if len(a.free) == 0 {
		return InvalidHandle, false
	}
	id := a.free[0]
	a.free = a.free[1:]

	s := &a.slots[id]
	s.gen++
	h := Handle{ID: id, Gen: s.gen}
	s.set = init(h)
	return h, true
}

func (a *arena) get(h Handle) *advSet {
	if !h.Valid() || int(h.ID) >= len(a.slots) {
		return nil
	}
	s := a.slots[h.ID]
	if s.set == nil || s.gen != h.Gen {
		return nil
	}
	return s.set
}

// byID returns the live set on a controller handle regardless of generation.
func (a *arena) byID(id uint8) *advSet {
	if int(id) >= len(a.slots) {
		return nil
	}
	return a.slots[id].set
}

func (a *arena) release(h Handle) bool {
	if a.get(h) == nil {
		return false
	}
	a.slots[h.ID].set = nil
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i] >= h.ID })
	a.free = append(a.free, 0)
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = h.ID
	return true
}

// each visits live sets in handle order.
func (a *arena) each(fn func(s *advSet)) {
	for i := range a.slots {
		if set := a.slots[i].set; set != nil {
			fn(set)
		}
	}
}

func (a *arena) len() int {
	return len(a.slots) - len(a.free)
}
