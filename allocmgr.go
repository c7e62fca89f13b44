package memhook

import (
	"fmt"
	"sort"
	"sync"
)

const pageSize = 4096

// SubReservation is a disjoint slice of a parent OS allocation handed
// out by Reserve. It is the only unit callers ever see; the
// parent page is an implementation detail.
type SubReservation struct {
	parent     *parentAlloc
	Base       uint64
	Size       uint64
	Executable bool
}

func (s *SubReservation) Range() MemRange {
	return NewMemRange(s.Base, s.Base+s.Size-1)
}

type parentAlloc struct {
	base       uint64
	size       uint64
	executable bool
	free       []MemRange // disjoint, sorted by Start, within [base, base+size)
	liveCount  int
}

// AllocationManager subdivides OS-level parent pages into
// non-overlapping sub-reservations. Every sub-reservation it
// hands out belongs to exactly one parent and shares that parent's
// executable flag, so a reservation never straddles a page boundary
// with differing protection.
type AllocationManager struct {
	facade   osFacade
	handle   ProcessHandle
	wordSize uint64

	mu      sync.Mutex
	parents []*parentAlloc
}

func newAllocationManager(facade osFacade, handle ProcessHandle, bitness Bitness) *AllocationManager {
	ws := uint64(4)
	if bitness == Bitness64 {
		ws = 8
	}
	return &AllocationManager{facade: facade, handle: handle, wordSize: ws}
}

// Reserve hands out a sub-reservation of exactly size bytes. When
// preferredRange is non-nil,
// every byte of the returned region must lie inside it. nearAddr, if
// nonzero, drives nearest-first search order and is passed through to
// the OS facade as an allocation hint when a fresh parent is needed.
func (m *AllocationManager) Reserve(size int, executable bool, preferredRange *MemRange, nearAddr uint64) (*SubReservation, error) {
	if size <= 0 {
		return nil, &AllocationError{OSReason: fmt.Errorf("reserve size must be positive, got %d", size)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*parentAlloc, len(m.parents))
	copy(candidates, m.parents)
	sort.Slice(candidates, func(i, j int) bool {
		return distanceToParent(candidates[i], nearAddr) < distanceToParent(candidates[j], nearAddr)
	})

	for _, p := range candidates {
		if p.executable != executable {
			continue
		}
		if sub := m.tryCarve(p, size, preferredRange); sub != nil {
			return sub, nil
		}
	}

	p, err := m.allocateParent(size, executable, preferredRange, nearAddr)
	if err != nil {
		return nil, err
	}
	sub := m.tryCarve(p, size, preferredRange)
	if sub == nil {
		return nil, &AllocationError{OSReason: fmt.Errorf("freshly allocated parent at %#x cannot satisfy reservation", p.base)}
	}
	return sub, nil
}

func distanceToParent(p *parentAlloc, nearAddr uint64) uint64 {
	if nearAddr == 0 {
		return 0
	}
	if nearAddr >= p.base && nearAddr < p.base+p.size {
		return 0
	}
	if nearAddr < p.base {
		return p.base - nearAddr
	}
	return nearAddr - (p.base + p.size - 1)
}

// tryCarve takes the first free gap in p, in address order, that can
// hold size bytes once its start is aligned up to the machine word size
// (and that lies inside preferredRange, when given), and splits it off
// as a new live sub-reservation.
func (m *AllocationManager) tryCarve(p *parentAlloc, size int, preferredRange *MemRange) *SubReservation {
	need := uint64(size)
	for i, gap := range p.free {
		start := alignUp(gap.Start, m.wordSize)
		if start > gap.End {
			continue
		}
		end := start + need - 1
		if end > gap.End {
			continue
		}
		if preferredRange != nil && !preferredRange.ContainsRange(NewMemRange(start, end)) {
			continue
		}
		p.free = replaceGapWithRemainder(p.free, i, gap, start, end)
		p.liveCount++
		return &SubReservation{parent: p, Base: start, Size: need, Executable: p.executable}
	}
	return nil
}

func replaceGapWithRemainder(free []MemRange, i int, gap MemRange, carvedStart, carvedEnd uint64) []MemRange {
	out := make([]MemRange, 0, len(free)+1)
	out = append(out, free[:i]...)
	if gap.Start < carvedStart {
		out = append(out, NewMemRange(gap.Start, carvedStart-1))
	}
	if carvedEnd < gap.End {
		out = append(out, NewMemRange(carvedEnd+1, gap.End))
	}
	out = append(out, free[i+1:]...)
	return out
}

func alignUp(addr, align uint64) uint64 {
	if align == 0 {
		return addr
	}
	rem := addr % align
	if rem == 0 {
		return addr
	}
	return addr + (align - rem)
}

func (m *AllocationManager) allocateParent(minSize int, executable bool, preferredRange *MemRange, nearAddr uint64) (*parentAlloc, error) {
	parentSize := alignUp(uint64(minSize), pageSize)
	if parentSize == 0 {
		parentSize = pageSize
	}
	hint := nearAddr
	if preferredRange != nil && hint == 0 {
		hint = preferredRange.Start
	}
	base, err := m.facade.Allocate(m.handle, hint, int(parentSize), executable)
	if err != nil {
		return nil, &AllocationError{OSReason: err}
	}
	if preferredRange != nil && !preferredRange.ContainsRange(NewMemRange(base, base+parentSize-1)) {
		m.facade.Free(m.handle, base)
		return nil, &AllocationError{OSReason: fmt.Errorf("OS returned parent at %#x outside preferred range %s", base, preferredRange)}
	}
	p := &parentAlloc{
		base:       base,
		size:       parentSize,
		executable: executable,
		free:       []MemRange{NewMemRange(base, base+parentSize-1)},
	}
	m.parents = append(m.parents, p)
	return p, nil
}

// Shrink returns the trailing n bytes of sub to its parent's free
// list.
func (m *AllocationManager) Shrink(sub *SubReservation, n uint64) error {
	if n == 0 {
		return nil
	}
	if n > sub.Size {
		return fmt.Errorf("memhook: shrink(%d) exceeds reservation size %d", n, sub.Size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	trailStart := sub.Base + sub.Size - n
	sub.Size -= n
	sub.parent.free = mergeFree(sub.parent.free, NewMemRange(trailStart, trailStart+n-1))
	return nil
}

// Dispose releases sub back to its parent's free list. If the parent
// has no remaining live sub-reservations and releaseParentIfEmpty is
// set, the parent's OS-level region is freed too.
func (m *AllocationManager) Dispose(sub *SubReservation, releaseParentIfEmpty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := sub.parent
	p.free = mergeFree(p.free, sub.Range())
	p.liveCount--
	if p.liveCount == 0 && releaseParentIfEmpty {
		if err := m.facade.Free(m.handle, p.base); err != nil {
			return &AllocationError{OSReason: err}
		}
		for i, existing := range m.parents {
			if existing == p {
				m.parents = append(m.parents[:i], m.parents[i+1:]...)
				break
			}
		}
	}
	return nil
}

// mergeFree inserts r into free (sorted by Start) and coalesces
// adjacent/overlapping ranges so the free list never grows unbounded
// across repeated shrink/dispose cycles.
func mergeFree(free []MemRange, r MemRange) []MemRange {
	free = append(free, r)
	sort.Slice(free, func(i, j int) bool { return free[i].Start < free[j].Start })
	out := free[:1]
	for _, cur := range free[1:] {
		last := &out[len(out)-1]
		if cur.Start <= last.End+1 {
			if cur.End > last.End {
				last.End = cur.End
			}
			continue
		}
		out = append(out, cur)
	}
	return out
}
