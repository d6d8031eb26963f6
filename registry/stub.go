package registry

import (
	"fmt"

	"github.com/wippyai/dllfork/errors"
	"github.com/wippyai/dllfork/host"
)

// Attach is the entry stub every module calls from its startup trampoline,
// whether it was linked at build time or opened at runtime. It wires the
// module into the runtime, classifies the load, and registers it. For a
// dynamic open it also runs the module's constructors and entry function;
// a failure there becomes the dlopen result.
//
// A nil record with a nil error is the sentinel success for a runtime that
// was itself loaded into a foreign process and stays out of the way.
func (r *Registry) Attach(h host.Handle, m *Meta) (*Record, error) {
	if r.hostedDynamically {
		return nil, nil
	}

	if m.Impure != nil {
		*m.Impure = r.rt.Header().ImpurePtr
	}
	if err := r.rt.Relocate(m); err != nil {
		r.Fatal(errors.Host(errors.PhaseStartup, "pseudo-relocation", err))
	}
	r.checkSanity(h, m)

	linked := r.mode.linkedLoad()
	kind := Linked
	if !linked {
		kind = Loaded
		r.SetReplayOnFork(true)
	}

	d, err := r.Insert(h, m, kind)
	if err != nil {
		return nil, err
	}
	if !linked {
		// Linked modules wait for InitializeLinked; the rest of the
		// runtime is not ready for their entry functions yet.
		if err := d.init(r.mode); err != nil {
			return nil, errors.EntryFailed(d.BaseName(), err)
		}
	}
	return d, nil
}

// checkSanity verifies the module was built against a runtime this one can
// serve: same API major, and no newer minor than the runtime provides.
// A module that fails this check has incompatible structure layouts, and
// letting it run would corrupt the process.
func (r *Registry) checkSanity(h host.Handle, m *Meta) {
	hdr := r.rt.Header()
	if hdr.API == nil {
		return
	}
	name := fmt.Sprintf("module at %#x", uintptr(h))
	switch {
	case m.API == nil:
		r.Fatal(errors.SanityMismatch(name, "module carries no API version"))
	case m.API.Major != hdr.API.Major:
		r.Fatal(errors.SanityMismatch(name, fmt.Sprintf(
			"API major %d does not match runtime %d", m.API.Major, hdr.API.Major)))
	case m.API.Minor > hdr.API.Minor:
		r.Fatal(errors.SanityMismatch(name, fmt.Sprintf(
			"module needs API %s but runtime provides %s", m.API, hdr.API)))
	}
}
