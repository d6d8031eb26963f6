package registry

import (
	"github.com/davecgh/go-spew/spew"
)

// recordDump is the debug projection of a record.
type recordDump struct {
	Path      string
	Handle    uintptr
	Preferred uintptr
	Size      uintptr
	Kind      string
	RefCount  int
}

// Dump renders the chain for debugging, in registry order.
func (r *Registry) Dump() string {
	r.guard.lock()
	defer r.guard.unlock()

	var out []recordDump
	for d := r.head.next; d != nil; d = d.next {
		out = append(out, recordDump{
			Path:      d.FullPath,
			Handle:    uintptr(d.Handle),
			Preferred: d.PreferredBase,
			Size:      d.ImageSize,
			Kind:      d.Kind.String(),
			RefCount:  d.RefCount,
		})
	}
	return spew.Sdump(out)
}
