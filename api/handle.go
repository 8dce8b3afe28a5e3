// Package api
// Author: momentics <momentics@gmail.com>
//
// Handle is the opaque, globally-addressable reference into a persistent
// pool. It survives process restart; a zero Handle is the null sentinel.

package api

import "fmt"

// Handle addresses a region of persistent memory by pool id and byte
// offset. It carries no pointer and is safe to persist verbatim.
type Handle struct {
	PoolID uint32
	Offset uint64
}

// NullHandle is the sentinel value meaning "no object."
var NullHandle = Handle{}

// IsNull reports whether h is the null sentinel.
func (h Handle) IsNull() bool { return h == NullHandle }

// Equals reports whether h and o address the same region.
func (h Handle) Equals(o Handle) bool { return h == o }

func (h Handle) String() string {
	if h.IsNull() {
		return "Handle(nil)"
	}
	return fmt.Sprintf("Handle(pool=%d,off=%d)", h.PoolID, h.Offset)
}
