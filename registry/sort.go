package registry

import (
	"go.uber.org/zap"

	"github.com/wippyai/dllfork/pe"
)

// TopSort reorders the chain so every record's dependencies precede it.
// Dynamically opened records additionally keep their opening order: each is
// seeded with edges to all previously opened ones, so a fork replays them
// the way the parent opened them.
//
// Dependency edges live only for the duration of one sort. Caching them
// across sorts would need invalidation on every unload, and the sort runs
// at most a few times per process.
func (r *Registry) TopSort() {
	r.guard.lock()
	defer r.guard.unlock()

	if r.tail == nil || r.tail == &r.head {
		return
	}

	var opened []*Record
	for d := r.head.next; d != nil; d = d.next {
		if d.Kind == Loaded {
			d.deps = append(d.deps, opened...)
			opened = append(opened, d)
		}
		r.populateDeps(d)
	}

	// Unchain head and tail so the visit can rebuild the list through
	// append. Next pointers stay valid until a node is re-appended, which
	// is why the visit seeks the tail before touching anything.
	d := r.head.next
	r.head.next, r.tail = nil, nil
	r.visit(d, true)

	for d := r.head.next; d != nil; d = d.next {
		d.deps = nil
		d.state = depUnknown
	}
}

// populateDeps appends an edge for every imported module that is also in
// the registry. Imports of system modules outside it are not ours to
// order.
func (r *Registry) populateDeps(d *Record) {
	imports, err := pe.Imports(r.host.Memory(), uintptr(d.Handle))
	if err != nil {
		r.Fatal(err)
	}
	for _, name := range imports {
		if dep := r.findByBaseName(name); dep != nil {
			d.deps = append(d.deps, dep)
		}
	}
}

// visit is a recursive in-place topological sort: recurse to the end of
// the chain first (once nodes are re-appended the old next pointers are
// dead), then place each node on the unwind, dependencies first.
//
// Cycles terminate because records in progress are skipped; the resulting
// linearization is arbitrary but deterministic. The host's own system
// modules are known to contain cycles; modules under this runtime are
// expected not to, so a cycle is worth a warning but not a failure.
func (r *Registry) visit(d *Record, seekTail bool) {
	if seekTail && d.next != nil {
		r.visit(d.next, true)
	}

	if d.state != depUnknown {
		return
	}
	d.state = depPending
	for _, dep := range d.deps {
		switch dep.state {
		case depUnknown:
			r.visit(dep, false)
		case depPending:
			Logger().Warn("dependency cycle detected",
				zap.String("module", d.BaseName()),
				zap.String("dependency", dep.BaseName()))
		}
	}
	d.state = depDone
	r.append(d)
}
