// File: node/destruct.go
// Destruct runs a target's finalizer on the object addressed by a retired
// handle. Kept as a free function rather than a Durable method because Go
// forbids a generic method type parameter beyond the receiver's own.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package node

import (
	"github.com/momentics/pmem-reclaim/api"
	"github.com/momentics/pmem-reclaim/target"
)

// Destruct dereferences h through pool and runs tgt's finalizer on it. A
// nil Destruct (the unit/no-op target) makes this a no-op. Safe to call on
// a null handle.
func Destruct[T any](pool api.Pool, h api.Handle, tgt target.Target[T]) error {
	if !tgt.HasDestructor() || h.IsNull() {
		return nil
	}
	raw, err := pool.Deref(h)
	if err != nil {
		return err
	}
	var v T
	if tgt.Decode != nil {
		v = tgt.Decode(raw)
	}
	tgt.Destruct(v)
	return nil
}
