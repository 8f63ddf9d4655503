// Package encode implements the two-pass encoder (spec §4.5): it lays out
// a session's Captured Basic Blocks into a single contiguous byte buffer at
// a caller-supplied load address, resolving every relative displacement —
// CBB-to-CBB jumps/branches and direct calls to addresses outside the
// generated function — as it goes. A forward jump whose displacement was
// optimistically assumed to fit a signed 8-bit rel8 forces a clean restart
// of the whole pass once its true distance is known to overflow: a
// reassemble-on-overflow strategy addressed by CBB index rather than a
// linked node list.
package encode

import (
	"encoding/binary"
	"fmt"

	"github.com/dbrew-go/dbrew/internal/emu"
	"github.com/dbrew-go/dbrew/internal/rwerr"
)

// encBuf is a growable byte buffer with the little-endian integer writers
// the opcode encoders need.
type encBuf struct {
	b []byte
}

func (e *encBuf) WriteByte(b byte)   { e.b = append(e.b, b) }
func (e *encBuf) Write(p []byte)     { e.b = append(e.b, p...) }
func (e *encBuf) Len() int           { return len(e.b) }
func (e *encBuf) Bytes() []byte      { return e.b }
func (e *encBuf) Reset()             { e.b = e.b[:0] }
func (e *encBuf) writeInt32(v int32) { e.writeUint32(uint32(v)) }

func (e *encBuf) writeUint16(v uint16) {
	var d [2]byte
	binary.LittleEndian.PutUint16(d[:], v)
	e.Write(d[:])
}
func (e *encBuf) writeUint32(v uint32) {
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], v)
	e.Write(d[:])
}
func (e *encBuf) writeUint64(v uint64) {
	var d [8]byte
	binary.LittleEndian.PutUint64(d[:], v)
	e.Write(d[:])
}

// edgeKind distinguishes the two shapes of deferred relative-displacement
// fixup a CBB's terminator can produce.
type edgeKind uint8

const (
	edgeJcc  edgeKind = iota // the taken-branch displacement of a residual Jcc
	edgeConn                 // an unconditional connecting jump to a successor
)

type fixupSite struct {
	cbbIdx int32
	kind   edgeKind
}

// pendingFixup is a forward reference recorded mid-pass: the jump's opcode
// was already written with a placeholder displacement, to be patched once
// the target CBB's offset becomes known later in the same pass.
type pendingFixup struct {
	site      fixupSite
	target    int32
	dispStart int // offset into e.buf.b of the first displacement byte
	short     bool
}

type encoder struct {
	cbbs    []*emu.CBB
	loadAddr uint64
	buf     *encBuf

	order       []int32
	blockOffset map[int32]int64

	shortGuess map[fixupSite]bool
	pending    []pendingFixup

	forceReassemble bool
}

// Encode lays out cbbs (indexed exactly as Emulator.CBBs) starting with
// entry, assuming the generated code will ultimately live at loadAddr, and
// returns the resulting machine code. entry is always placed first, at
// offset 0.
func Encode(cbbs []*emu.CBB, entry int32, loadAddr uint64) ([]byte, error) {
	e := &encoder{
		cbbs:       cbbs,
		loadAddr:   loadAddr,
		buf:        &encBuf{},
		order:      layout(cbbs, entry),
		shortGuess: map[fixupSite]bool{},
	}

	for pass := 0; ; pass++ {
		if pass > len(cbbs)+4 {
			return nil, fmt.Errorf("%w: jump-width resolution did not converge", rwerr.ErrEncoderReach)
		}
		e.buf.Reset()
		e.pending = e.pending[:0]
		e.blockOffset = make(map[int32]int64, len(e.order))
		e.forceReassemble = false

		if err := e.encodePass(); err != nil {
			return nil, err
		}
		if len(e.pending) != 0 {
			return nil, fmt.Errorf("%w: unresolved forward jump targets after encoding", rwerr.ErrEncoderReach)
		}
		if !e.forceReassemble {
			break
		}
	}
	return e.buf.Bytes(), nil
}

// layout orders CBBs for emission: a depth-first walk from entry along
// NextFallthrough first (so the common case — straight-line code — needs
// no connecting jump at all) and NextBranch second, followed by any CBB
// the walk never reached (dead only to this entry point, e.g. a substituted
// call's orphaned caller block), appended in index order so every CBB still
// gets encoded.
func layout(cbbs []*emu.CBB, entry int32) []int32 {
	visited := make([]bool, len(cbbs))
	var order []int32
	var walk func(idx int32)
	walk = func(idx int32) {
		if idx < 0 || idx >= int32(len(cbbs)) || visited[idx] {
			return
		}
		visited[idx] = true
		order = append(order, idx)
		cbb := cbbs[idx]
		walk(cbb.NextFallthrough)
		walk(cbb.NextBranch)
	}
	walk(entry)
	for i := range cbbs {
		walk(int32(i))
	}
	return order
}
