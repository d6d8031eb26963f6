package replay

import (
	"fmt"

	"github.com/wippyai/dllfork/errors"
	"github.com/wippyai/dllfork/registry"
)

// ReserveAll is step 1: book every dynamic module's address range so the
// child's own startup allocations cannot squat on it. The parent had these
// ranges; occupied here means the child's address space already diverged.
func (e *Engine) ReserveAll() {
	for d := e.reg.First(registry.FilterLoaded); d != nil; d = d.Next(registry.FilterLoaded) {
		if err := e.host.Reserve(uintptr(d.Handle), d.ImageSize); err != nil {
			e.reg.Fatal(errors.AddressConflict(d.BaseName(), uintptr(d.Handle), d.ImageSize))
		}
	}
}

// reserveAt blockades the free region starting at here so the loader
// cannot use it on the next attempt. The target range is clipped out:
// it often overlaps the region, and covering it would defeat the retry.
// Returns the blockade base, or zero when the region is not free.
func (e *Engine) reserveAt(module string, here, targetBase, targetSize uintptr) uintptr {
	reg, err := e.host.Query(here)
	if err != nil {
		e.reg.Fatal(errors.Host(errors.PhaseReserve,
			fmt.Sprintf("examine memory at %#x while mapping %s", here, module), err))
	}
	if !reg.Free {
		return 0
	}

	end := reg.Base + reg.Size
	targetEnd := targetBase + targetSize
	switch {
	case targetBase < here && targetEnd > here:
		// The target straddles our left edge.
		here = targetEnd
	case targetBase >= here && targetBase < end:
		// The target overlaps partly or fully to our right.
		end = targetBase
	}
	if end <= here {
		return 0
	}

	if err := e.host.Reserve(here, end-here); err != nil {
		e.reg.Fatal(errors.New(errors.PhaseReserve, errors.KindAddressConflict).
			Module(module).
			Detail("blockade of %d bytes at %#x failed", end-here, here).
			Cause(err).
			Build())
	}
	return here
}

// releaseAt undoes a blockade issued by reserveAt.
func (e *Engine) releaseAt(module string, here uintptr) {
	if err := e.host.Release(here); err != nil {
		e.reg.Fatal(errors.Host(errors.PhaseReserve,
			fmt.Sprintf("release blockade at %#x for %s", here, module), err))
	}
}
