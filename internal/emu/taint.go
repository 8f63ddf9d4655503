// Package emu implements the Abstract CPU State and the Emulator + Capture
// Engine: it interprets decoded basic blocks, tracks which values are known
// at specialization time, and accumulates the residual instructions that
// still need to run at call time into a list of Captured Basic Blocks.
package emu

// Taint classifies a value (or a single backing byte of one) as known at
// specialization time (Static) or only known when the rewritten function is
// actually called (Dynamic).
type Taint uint8

const (
	Static Taint = iota
	Dynamic
)

// Or combines two taints the way every operation that reads more than one
// input must: the result is Static only if every input is Static.
func (t Taint) Or(o Taint) Taint {
	if t == Dynamic || o == Dynamic {
		return Dynamic
	}
	return Static
}

// allStatic reports whether every entry in bs is Static.
func allStatic(bs []Taint) bool {
	for _, b := range bs {
		if b == Dynamic {
			return false
		}
	}
	return true
}

// fillTaint sets every entry of bs to t.
func fillTaint(bs []Taint, t Taint) {
	for i := range bs {
		bs[i] = t
	}
}

// orTaint ORs src into dst element-wise (dst[i] = dst[i].Or(src[i])), used
// when a load or arithmetic result's taint depends on several sources of
// unequal origin (e.g. stack read OR'd with an index register's taint).
func orTaint(dst, src []Taint) {
	for i := range dst {
		dst[i] = dst[i].Or(src[i])
	}
}
