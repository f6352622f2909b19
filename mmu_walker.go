// mmu_walker.go - Guest page-table walker and the MMU facade over TLB + bus

package main

import (
	"encoding/binary"
	"sync/atomic"
)

// Guest page-table entry layout, common across guest ISAs for the software
// walk (the decoders only ever see translated accesses):
//
//	bit 0    V  valid
//	bit 1    R
//	bit 2    W
//	bit 3    X
//	bit 4    U  user-accessible
//	bit 5    G  global
//	bit 6    A  accessed
//	bit 7    D  dirty
//	bit 8    M  mmio (non-cacheable, traps to device dispatcher)
//	bits 12+ PPN
const (
	PTE_V uint64 = 1 << 0
	PTE_R uint64 = 1 << 1
	PTE_W uint64 = 1 << 2
	PTE_X uint64 = 1 << 3
	PTE_U uint64 = 1 << 4
	PTE_G uint64 = 1 << 5
	PTE_A uint64 = 1 << 6
	PTE_D uint64 = 1 << 7
	PTE_M uint64 = 1 << 8

	PT_LEVELS     = 3
	PT_INDEX_BITS = 9
	PT_INDEX_MASK = (1 << PT_INDEX_BITS) - 1
)

// WalkFaultKind distinguishes why a translation failed.
type WalkFaultKind uint8

const (
	WALK_NOT_MAPPED WalkFaultKind = iota
	WALK_PERM_DENIED
	WALK_ALIGNMENT
	WALK_MISALIGNED_ATOMIC
)

// ToGuestFault maps the walk failure onto the guest-observable taxonomy.
func (k WalkFaultKind) ToGuestFault(addr, pc GuestAddr, access AccessType) *GuestFault {
	switch k {
	case WALK_ALIGNMENT:
		return newFault(FAULT_ALIGNMENT, addr, pc, access)
	case WALK_MISALIGNED_ATOMIC:
		return newFault(FAULT_MISALIGNED_ATOMIC, addr, pc, access)
	default:
		return newFault(FAULT_PAGE, addr, pc, access)
	}
}

// MMU binds the TLB, the page-table walker and the physical bus into the
// single translation surface the decoders, interpreter and compiled code use.
type MMU struct {
	tlb *MultiLevelTLB
	bus *MemBus
	log *VMLogger

	// rootPT is the active root table. Zero means identity mapping: the
	// user-level loader contract maps code flat and runs without tables.
	rootPT atomic.Uint64

	walks      atomic.Uint64
	walkFaults atomic.Uint64
}

func NewMMU(bus *MemBus, tlb *MultiLevelTLB, log *VMLogger) *MMU {
	if log == nil {
		log = nopLogger
	}
	m := &MMU{tlb: tlb, bus: bus, log: log}
	tlb.SetPrefetchResolver(func(vpn uint64, asid uint16) (*TLBEntry, bool) {
		pa, flags, fault := m.walk(GuestAddr(vpn<<GUEST_PAGE_SHIFT), ACCESS_READ, MODE_SUPERVISOR)
		if fault != nil {
			return nil, false
		}
		return &TLBEntry{VPN: vpn, PPN: uint64(pa) >> GUEST_PAGE_SHIFT, Flags: flags, ASID: asid}, true
	})
	return m
}

// SetRootPT switches the active root table. Callers flush the affected ASID
// themselves; the walker never recurses through the TLB so no other state
// changes.
func (m *MMU) SetRootPT(root GuestPhysAddr) { m.rootPT.Store(uint64(root)) }

// RootPT returns the active root table address.
func (m *MMU) RootPT() GuestPhysAddr { return GuestPhysAddr(m.rootPT.Load()) }

// TLB exposes the TLB for invalidation protocols and stats.
func (m *MMU) TLB() *MultiLevelTLB { return m.tlb }

// Bus exposes the physical bus.
func (m *MMU) Bus() *MemBus { return m.bus }

// Translate resolves va under asid for the requested access, via the TLB
// fast path and the walker on miss. On walker success the translation is
// inserted into the TLB.
func (m *MMU) Translate(va GuestAddr, asid uint16, access AccessType, mode PrivMode) (GuestPhysAddr, PageFlags, *WalkFaultKind) {
	if e, ok := m.tlb.Lookup(va.VPN(), asid, access); ok {
		return GuestPhysAddr(e.PPN<<GUEST_PAGE_SHIFT | va.PageOffset()), e.Flags, nil
	}
	pa, flags, fault := m.walk(va, access, mode)
	if fault != nil {
		m.walkFaults.Add(1)
		return 0, 0, fault
	}
	m.tlb.Insert(va.VPN(), uint64(pa)>>GUEST_PAGE_SHIFT, flags, asid)
	return GuestPhysAddr(uint64(pa) | va.PageOffset()), flags, nil
}

// walk performs the software page-table walk through raw host loads against
// guest RAM. It does not consult the TLB. Returns the page-aligned physical
// address and flags.
func (m *MMU) walk(va GuestAddr, access AccessType, mode PrivMode) (GuestPhysAddr, PageFlags, *WalkFaultKind) {
	m.walks.Add(1)
	root := m.rootPT.Load()
	if root == 0 {
		// Identity mapping for table-less user-level guests. Device windows
		// outside RAM still translate; they trap at access time.
		pa := GuestPhysAddr(uint64(va) &^ uint64(GUEST_PAGE_MASK))
		if m.bus.IsMMIO(pa) {
			return pa, PAGE_R | PAGE_W | PAGE_USER | PAGE_MMIO | PAGE_NOCACHE, nil
		}
		if uint64(pa) >= m.bus.Size() {
			f := WALK_NOT_MAPPED
			return 0, 0, &f
		}
		return pa, PAGE_R | PAGE_W | PAGE_X | PAGE_USER, nil
	}

	ram := m.bus.RAM()
	table := root
	var pte uint64
	var pteAddr uint64
	for level := PT_LEVELS - 1; level >= 0; level-- {
		idx := (uint64(va) >> (GUEST_PAGE_SHIFT + PT_INDEX_BITS*level)) & PT_INDEX_MASK
		pteAddr = table + idx*8
		if pteAddr+8 > uint64(len(ram)) {
			f := WALK_NOT_MAPPED
			return 0, 0, &f
		}
		pte = binary.LittleEndian.Uint64(ram[pteAddr:])
		if pte&PTE_V == 0 {
			f := WALK_NOT_MAPPED
			return 0, 0, &f
		}
		if pte&(PTE_R|PTE_W|PTE_X) != 0 {
			break // leaf
		}
		if level == 0 {
			f := WALK_NOT_MAPPED
			return 0, 0, &f
		}
		table = (pte >> GUEST_PAGE_SHIFT) << GUEST_PAGE_SHIFT
	}

	flags := pteToFlags(pte)
	if !flags.Permits(access) {
		f := WALK_PERM_DENIED
		return 0, 0, &f
	}
	if mode == MODE_USER && flags&PAGE_USER == 0 {
		f := WALK_PERM_DENIED
		return 0, 0, &f
	}

	// Accessed/dirty updates go through a compare-and-swap so the guest's
	// own view of its tables stays atomic.
	want := pte | PTE_A
	if access == ACCESS_WRITE {
		want |= PTE_D
	}
	if want != pte {
		if ok, err := m.bus.CompareAndSwap64(GuestPhysAddr(pteAddr), pte, want); err == nil && !ok {
			// Lost the race; the winner set at least the A bit. Re-read and
			// carry on with the fresh PTE.
			pte = binary.LittleEndian.Uint64(ram[pteAddr:])
			flags = pteToFlags(pte)
		}
	}

	pa := GuestPhysAddr((pte >> GUEST_PAGE_SHIFT) << GUEST_PAGE_SHIFT)
	return pa, flags, nil
}

func pteToFlags(pte uint64) PageFlags {
	var f PageFlags
	if pte&PTE_R != 0 {
		f |= PAGE_R
	}
	if pte&PTE_W != 0 {
		f |= PAGE_W
	}
	if pte&PTE_X != 0 {
		f |= PAGE_X
	}
	if pte&PTE_U != 0 {
		f |= PAGE_USER
	}
	if pte&PTE_G != 0 {
		f |= PAGE_GLOBAL
	}
	if pte&PTE_A != 0 {
		f |= PAGE_ACCESSED
	}
	if pte&PTE_D != 0 {
		f |= PAGE_DIRTY
	}
	if pte&PTE_M != 0 {
		f |= PAGE_MMIO | PAGE_NOCACHE
	}
	return f
}

// Load reads size bytes at va on behalf of state. Atomic accesses must be
// naturally aligned.
func (m *MMU) Load(state *VCPUState, va GuestAddr, size int, mf MemFlags) (uint64, *GuestFault) {
	if mf&MEM_ATOMIC != 0 && uint64(va)&(uint64(size)-1) != 0 {
		return 0, newFault(FAULT_MISALIGNED_ATOMIC, va, state.PC, ACCESS_READ)
	}
	if mf&MEM_ALIGNED != 0 && uint64(va)&(uint64(size)-1) != 0 {
		return 0, newFault(FAULT_ALIGNMENT, va, state.PC, ACCESS_READ)
	}
	pa, flags, wf := m.Translate(va, state.ASID, ACCESS_READ, state.Mode)
	if wf != nil {
		return 0, wf.ToGuestFault(va, state.PC, ACCESS_READ)
	}
	if flags&PAGE_MMIO != 0 {
		if dev, ok := m.bus.FindMMIO(pa); ok {
			return dev.MMIORead(pa, size), nil
		}
	}
	v, err := m.bus.Read(pa, size)
	if err != nil {
		return 0, newFault(FAULT_PAGE, va, state.PC, ACCESS_READ)
	}
	return v, nil
}

// Store writes size bytes at va on behalf of state.
func (m *MMU) Store(state *VCPUState, va GuestAddr, size int, value uint64, mf MemFlags) *GuestFault {
	if mf&MEM_ATOMIC != 0 && uint64(va)&(uint64(size)-1) != 0 {
		return newFault(FAULT_MISALIGNED_ATOMIC, va, state.PC, ACCESS_WRITE)
	}
	if mf&MEM_ALIGNED != 0 && uint64(va)&(uint64(size)-1) != 0 {
		return newFault(FAULT_ALIGNMENT, va, state.PC, ACCESS_WRITE)
	}
	pa, flags, wf := m.Translate(va, state.ASID, ACCESS_WRITE, state.Mode)
	if wf != nil {
		return wf.ToGuestFault(va, state.PC, ACCESS_WRITE)
	}
	if flags&PAGE_MMIO != 0 {
		if dev, ok := m.bus.FindMMIO(pa); ok {
			dev.MMIOWrite(pa, size, value)
			return nil
		}
	}
	if err := m.bus.Write(pa, size, value); err != nil {
		return newFault(FAULT_PAGE, va, state.PC, ACCESS_WRITE)
	}
	return nil
}

// FetchBytes reads up to n instruction bytes starting at va with exec
// permission. Fetches never cross into MMIO pages.
func (m *MMU) FetchBytes(va GuestAddr, asid uint16, mode PrivMode, n int) ([]byte, *GuestFault) {
	out := make([]byte, 0, n)
	addr := va
	for len(out) < n {
		pa, flags, wf := m.Translate(addr, asid, ACCESS_EXEC, mode)
		if wf != nil {
			if len(out) > 0 {
				return out, nil // partial fetch up to the page boundary
			}
			return nil, wf.ToGuestFault(addr, va, ACCESS_EXEC)
		}
		if flags&PAGE_MMIO != 0 {
			return nil, newFault(FAULT_PAGE, addr, va, ACCESS_EXEC)
		}
		remainInPage := GUEST_PAGE_SIZE - int(addr.PageOffset())
		take := n - len(out)
		if take > remainInPage {
			take = remainInPage
		}
		chunk, err := m.bus.ReadBytes(pa, take)
		if err != nil {
			return nil, newFault(FAULT_PAGE, addr, va, ACCESS_EXEC)
		}
		out = append(out, chunk...)
		addr += GuestAddr(take)
	}
	return out, nil
}

// WalkCount returns how many software walks have run.
func (m *MMU) WalkCount() uint64 { return m.walks.Load() }
