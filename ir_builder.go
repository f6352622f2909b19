// ir_builder.go - Append-only builder enforcing the block construction contract

package main

import "fmt"

// ImmFormat names the immediate encodings the decoders and backends agree on.
// An immediate that does not fit its declared format is a construction fault,
// caught at push time rather than at emit time.
type ImmFormat uint8

const (
	IMM_U5 ImmFormat = iota
	IMM_U12
	IMM_U16
	IMM_U20
	IMM_U32
	IMM_S12
	IMM_S16
	IMM_S20
	IMM_S32
	IMM_S64
)

// FitsImm reports whether v fits the format.
func FitsImm(v int64, f ImmFormat) bool {
	switch f {
	case IMM_U5:
		return v >= 0 && v < (1<<5)
	case IMM_U12:
		return v >= 0 && v < (1<<12)
	case IMM_U16:
		return v >= 0 && v < (1<<16)
	case IMM_U20:
		return v >= 0 && v < (1<<20)
	case IMM_U32:
		return v >= 0 && v < (1<<32)
	case IMM_S12:
		return v >= -(1<<11) && v < (1<<11)
	case IMM_S16:
		return v >= -(1<<15) && v < (1<<15)
	case IMM_S20:
		return v >= -(1<<19) && v < (1<<19)
	case IMM_S32:
		return v >= -(1<<31) && v < (1<<31)
	case IMM_S64:
		return true
	default:
		return false
	}
}

// IRBuilder assembles one IRBlock in program order. Push succeeds until a
// terminator is installed; SetTerm replaces any previously set terminator;
// Build seals the block. A builder is single-use.
type IRBuilder struct {
	block      IRBlock
	terminated bool
	built      bool
	nextTemp   VReg
	err        error
}

func NewIRBuilder(startPC GuestAddr, arch Arch) *IRBuilder {
	return &IRBuilder{
		block: IRBlock{
			StartPC:  startPC,
			Arch:     arch,
			NumVRegs: uint16(VREG_TEMP0),
			Ops:      make([]IROp, 0, 16),
		},
		nextTemp: VREG_TEMP0,
	}
}

// NewTemp allocates a fresh block-local temporary.
func (b *IRBuilder) NewTemp() VReg {
	r := b.nextTemp
	b.nextTemp++
	if uint16(b.nextTemp) > b.block.NumVRegs {
		b.block.NumVRegs = uint16(b.nextTemp)
	}
	return r
}

// Push appends op. It fails once the block is terminated or sealed, and
// records the first error for Build to report.
func (b *IRBuilder) Push(op IROp) error {
	if b.built || b.terminated {
		b.fail(ErrBlockTerminated)
		return ErrBlockTerminated
	}
	if r := maxReg(op.Dst, op.Src1, op.Src2); r != VREG_NONE && uint16(r)+1 > b.block.NumVRegs {
		b.block.NumVRegs = uint16(r) + 1
	}
	b.block.Ops = append(b.block.Ops, op)
	return nil
}

// PushImm appends an op after validating its immediate against format f.
func (b *IRBuilder) PushImm(op IROp, f ImmFormat) error {
	if !FitsImm(op.Imm, f) {
		err := fmt.Errorf("%w: %d does not fit format %d", ErrImmediateRange, op.Imm, f)
		b.fail(err)
		return err
	}
	return b.Push(op)
}

// SetTerm installs the terminator. Calling it again replaces the previous
// terminator (idempotent-replaces), matching decoder backtracking needs.
func (b *IRBuilder) SetTerm(t Terminator) {
	if b.built {
		b.fail(ErrBlockTerminated)
		return
	}
	b.block.Term = t
	b.terminated = t.Kind != TERM_NONE
}

// blockOps exposes the ops pushed so far, for decoders that template-cache
// the expansion of the instruction they just lifted.
func (b *IRBuilder) blockOps() []IROp { return b.block.Ops }

// SetGuestLen records how many raw guest bytes the block covers.
func (b *IRBuilder) SetGuestLen(n uint32) { b.block.GuestLen = n }

// Terminated reports whether a terminator has been installed.
func (b *IRBuilder) Terminated() bool { return b.terminated }

// Len returns the number of ops pushed so far.
func (b *IRBuilder) Len() int { return len(b.block.Ops) }

// Build seals and returns the block. After Build the block is immutable and
// the builder rejects further use. Building without a terminator or after a
// construction fault is an error.
func (b *IRBuilder) Build() (*IRBlock, error) {
	if b.err != nil {
		return nil, b.err
	}
	if !b.terminated {
		return nil, ErrNoTerminator
	}
	b.built = true
	blk := b.block
	return &blk, nil
}

func (b *IRBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func maxReg(regs ...VReg) VReg {
	out := VREG_NONE
	for _, r := range regs {
		if r == VREG_NONE {
			continue
		}
		if out == VREG_NONE || r > out {
			out = r
		}
	}
	return out
}
