package replay

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/dllfork/errors"
	"github.com/wippyai/dllfork/host"
	"github.com/wippyai/dllfork/registry"
)

// retryMax bounds the blockade-and-retry loop per module. A module the
// loader refuses to place six times is wedged behind conflicting
// preferred bases, which only rebasing the installation fixes.
const retryMax = 6

// Engine replays the parent's dynamic modules into this process.
type Engine struct {
	reg  *registry.Registry
	host host.Host

	// released tracks which protective reservations from step 1 are gone.
	// A record reached inside a retry frame still holds its reservation
	// and must release it on first touch, however deep the recursion.
	released map[*registry.Record]bool
}

// New creates a replay engine over the registry the fork driver copied
// into this process.
func New(reg *registry.Registry, h host.Host) *Engine {
	return &Engine{reg: reg, host: h}
}

// LoadAfterFork is steps 2 and 3: coerce every dynamic module to its
// parent address, then load each for real. ReserveAll must have run.
// The registry must already be in dependency order; the loads here then
// pull in nothing the engine does not control.
func (e *Engine) LoadAfterFork() {
	prev := e.reg.Mode()
	e.reg.SetMode(registry.ModeForkReplay)
	defer e.reg.SetMode(prev)

	e.released = make(map[*registry.Record]bool)
	e.loadAfterFork(e.reg.First(registry.FilterLoaded), 0)
}

// loadAfterFork walks the remaining records, forcing interim mappings
// toward parent addresses. Recursion keeps every ancestor frame's
// blockade alive until the whole tail of the list is placed; the deepest
// frame falls through to realization.
func (e *Engine) loadAfterFork(d *registry.Record, retries int) {
	for ; d != nil; d = d.Next(registry.FilterLoaded) {
		// A module whose parent address is its preferred base needs no
		// coaxing; the loader will put it there in step 3 because its
		// range is still under our reservation.
		if uintptr(d.Handle) == d.PreferredBase {
			continue
		}

		// First touch of this record: its target range must stop being
		// reserved, or the interim mapping could never land there.
		if !e.released[d] {
			if err := e.host.Release(uintptr(d.Handle)); err != nil {
				e.reg.Fatal(errors.Host(errors.PhaseReplay,
					fmt.Sprintf("release protective reservation for %s (%#x)",
						d.BaseName(), uintptr(d.Handle)), err))
			}
			e.released[d] = true
		}

		h, err := e.host.Load(d.FullPath, host.LoadNoResolve)
		if err != nil {
			e.reg.Fatal(errors.Host(errors.PhaseReplay,
				fmt.Sprintf("create interim mapping for %s", d.FullPath), err))
		}
		if h == d.Handle {
			continue
		}

		Logger().Debug("module loaded in wrong place",
			zap.String("module", d.BaseName()),
			zap.Uintptr("got", uintptr(h)),
			zap.Uintptr("want", uintptr(d.Handle)))
		if err := e.host.Unload(h); err != nil {
			e.reg.Fatal(errors.Host(errors.PhaseReplay,
				fmt.Sprintf("discard interim mapping of %s", d.BaseName()), err))
		}
		blockade := e.reserveAt(d.BaseName(), uintptr(h), uintptr(d.Handle), d.ImageSize)
		if blockade == 0 {
			e.reg.Fatal(errors.New(errors.PhaseReplay, errors.KindAddressConflict).
				Module(d.BaseName()).
				Got(uintptr(h)).
				Detail("unable to block off the address the loader keeps choosing").
				Build())
		}

		if retries < retryMax {
			e.loadAfterFork(d, retries+1)
		} else {
			e.reg.Fatal(errors.NewRebaseNeededError(errors.RebaseModule{
				Name:   d.BaseName(),
				Parent: uintptr(d.Handle),
			}))
		}

		// The recursion placed everything from d onward; drop this
		// frame's blockade on the way out.
		e.releaseAt(d.BaseName(), blockade)
		return
	}

	e.realize()
}

// realize is step 3: every record is now at its parent address or has its
// range held open. Load each module for real — the result must be the
// parent's handle — and repeat the load until the host's internal
// reference count matches the parent's.
func (e *Engine) realize() {
	for d := e.reg.First(registry.FilterLoaded); d != nil; d = d.Next(registry.FilterLoaded) {
		if uintptr(d.Handle) == d.PreferredBase {
			if err := e.host.Release(uintptr(d.Handle)); err != nil {
				e.reg.Fatal(errors.Host(errors.PhaseReplay,
					fmt.Sprintf("release protective reservation for %s (%#x)",
						d.BaseName(), uintptr(d.Handle)), err))
			}
		} else {
			// The interim mapping sits at the parent address; clear it
			// for the real load.
			if err := e.host.Unload(d.Handle); err != nil {
				e.reg.Fatal(errors.Host(errors.PhaseReplay,
					fmt.Sprintf("unload interim mapping of %s", d.BaseName()), err))
			}
		}

		h, err := e.host.Load(d.FullPath, host.LoadDefault)
		if err != nil {
			e.reg.Fatal(errors.Host(errors.PhaseReplay,
				fmt.Sprintf("map %s", d.FullPath), err))
		}
		if h != d.Handle {
			e.reg.Fatal(errors.HandleMismatch(errors.PhaseReplay,
				d.FullPath, uintptr(d.Handle), uintptr(h)))
		}

		// Bring the host's reference count up to the parent's.
		for n := 1; n < d.RefCount; n++ {
			if _, err := e.host.Load(d.FullPath, host.LoadDefault); err != nil {
				Logger().Warn("reference fixup load failed",
					zap.String("module", d.BaseName()), zap.Error(err))
			}
		}
	}
}
