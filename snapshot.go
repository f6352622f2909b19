// snapshot.go - Machine state serialization for save/restore and migration

package main

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	snapshotMagic   = "CEMS"
	snapshotVersion = 1
)

// MachineSnapshot is the serializable machine state: config, per-vCPU
// architectural state, and the memory dump. The TLB and the translation
// cache are deliberately absent; both rebuild from guest memory.
type MachineSnapshot struct {
	GuestArch string
	VCPUs     []VCPUState
	Memory    []byte
}

// TakeSnapshot captures the machine. Call it only while the machine is
// stopped or at a global safepoint.
func (m *Machine) TakeSnapshot() *MachineSnapshot {
	snap := &MachineSnapshot{GuestArch: m.cfg.GuestArch}
	for _, s := range m.vcpus {
		snap.VCPUs = append(snap.VCPUs, s.Snapshot())
	}
	snap.Memory = make([]byte, len(m.bus.RAM()))
	copy(snap.Memory, m.bus.RAM())
	return snap
}

// RestoreSnapshot loads the machine from a snapshot taken with a matching
// configuration. Stale translations die with a full TLB flush and cache
// clear.
func (m *Machine) RestoreSnapshot(snap *MachineSnapshot) error {
	if snap.GuestArch != m.cfg.GuestArch {
		return fmt.Errorf("snapshot guest %q does not match machine %q", snap.GuestArch, m.cfg.GuestArch)
	}
	if len(snap.VCPUs) != len(m.vcpus) {
		return fmt.Errorf("snapshot has %d vcpus, machine has %d", len(snap.VCPUs), len(m.vcpus))
	}
	if len(snap.Memory) != len(m.bus.RAM()) {
		return fmt.Errorf("snapshot memory %d bytes, machine %d", len(snap.Memory), len(m.bus.RAM()))
	}
	for i := range snap.VCPUs {
		m.vcpus[i].Restore(&snap.VCPUs[i])
	}
	if err := m.bus.WriteBytes(0, snap.Memory); err != nil {
		return err
	}
	m.tlb.FlushAll()
	m.cache.Clear()
	m.chainer.Clear()
	return nil
}

// SerializeState encodes the snapshot: magic, version, then gzip'd payload.
func (m *Machine) SerializeState() ([]byte, error) {
	snap := m.TakeSnapshot()
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	buf.WriteByte(snapshotVersion)

	zw := gzip.NewWriter(&buf)
	w := func(v any) {
		_ = binary.Write(zw, binary.LittleEndian, v)
	}
	archBytes := []byte(snap.GuestArch)
	w(uint16(len(archBytes)))
	_, _ = zw.Write(archBytes)
	w(uint16(len(snap.VCPUs)))
	for i := range snap.VCPUs {
		s := &snap.VCPUs[i]
		w(s.Regs)
		w(uint64(s.PC))
		w(s.SP)
		w(uint8(s.Mode))
		w(s.ASID)
		w(s.Flags)
		w(uint64(s.RootPT))
		w(s.IRQMask)
		w(s.Halted)
		w(s.Spill)
	}
	w(uint64(len(snap.Memory)))
	if _, err := zw.Write(snap.Memory); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RestoreState decodes bytes produced by SerializeState and applies them.
func (m *Machine) RestoreState(data []byte) error {
	if len(data) < 5 || string(data[:4]) != snapshotMagic {
		return fmt.Errorf("not a machine snapshot")
	}
	if data[4] != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", data[4])
	}
	zr, err := gzip.NewReader(bytes.NewReader(data[5:]))
	if err != nil {
		return fmt.Errorf("snapshot payload: %w", err)
	}
	defer zr.Close()

	r := func(v any) error { return binary.Read(zr, binary.LittleEndian, v) }

	var archLen uint16
	if err := r(&archLen); err != nil {
		return err
	}
	archBytes := make([]byte, archLen)
	if _, err := io.ReadFull(zr, archBytes); err != nil {
		return err
	}
	snap := &MachineSnapshot{GuestArch: string(archBytes)}

	var nVCPU uint16
	if err := r(&nVCPU); err != nil {
		return err
	}
	for i := 0; i < int(nVCPU); i++ {
		var s VCPUState
		var pc, root uint64
		var mode uint8
		if err := r(&s.Regs); err != nil {
			return err
		}
		if err := r(&pc); err != nil {
			return err
		}
		if err := r(&s.SP); err != nil {
			return err
		}
		if err := r(&mode); err != nil {
			return err
		}
		if err := r(&s.ASID); err != nil {
			return err
		}
		if err := r(&s.Flags); err != nil {
			return err
		}
		if err := r(&root); err != nil {
			return err
		}
		if err := r(&s.IRQMask); err != nil {
			return err
		}
		if err := r(&s.Halted); err != nil {
			return err
		}
		if err := r(&s.Spill); err != nil {
			return err
		}
		s.PC = GuestAddr(pc)
		s.RootPT = GuestPhysAddr(root)
		s.Mode = PrivMode(mode)
		snap.VCPUs = append(snap.VCPUs, s)
	}

	var memLen uint64
	if err := r(&memLen); err != nil {
		return err
	}
	snap.Memory = make([]byte, memLen)
	if _, err := io.ReadFull(zr, snap.Memory); err != nil {
		return err
	}
	return m.RestoreSnapshot(snap)
}

// SaveSnapshotFile writes the serialized state to path.
func (m *Machine) SaveSnapshotFile(path string) error {
	data, err := m.SerializeState()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadSnapshotFile restores the machine from path.
func (m *Machine) LoadSnapshotFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.RestoreState(data)
}
