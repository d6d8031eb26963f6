package host

import (
	"github.com/wippyai/dllfork"
)

// Handle is an opaque module handle. Its value is the virtual address of
// the image base, which is what the whole replay scheme leans on.
type Handle uintptr

// LoadFlags modify how Load maps a module.
type LoadFlags uint32

const (
	// LoadDefault resolves the module's imports and runs its attach path.
	LoadDefault LoadFlags = 0

	// LoadNoResolve maps the image without resolving imports or running
	// attach callbacks. Used for interim mappings whose only purpose is to
	// discover where the loader would place the image.
	LoadNoResolve LoadFlags = 1 << iota
)

// Region describes the allocation region containing a queried address.
type Region struct {
	// AllocationBase is the base of the allocation the address belongs to;
	// for a mapped module this equals its handle.
	AllocationBase uintptr

	// Base is the start of the contiguous run of same-state pages.
	Base uintptr

	// Size is the length of that run.
	Size uintptr

	// Free reports whether the run is unreserved address space.
	Free bool
}

// Host is the operating-system surface the registry and replay engine
// consume. Every method maps to a single loader or virtual-memory call.
type Host interface {
	// ModulePath resolves a module handle to the full path of its on-disk
	// image, as the host spells it (possibly with a long-path prefix).
	ModulePath(h Handle) (string, error)

	// Query reports the allocation region containing addr.
	Query(addr uintptr) (Region, error)

	// Reserve books size bytes of address space at exactly addr without
	// committing them. Fails if any part of the range is occupied.
	Reserve(addr, size uintptr) error

	// Release frees a reservation previously made at addr.
	Release(addr uintptr) error

	// Load maps the module at path and returns its handle. With
	// LoadDefault the handle of an already-loaded module is returned and
	// the host's internal reference count incremented.
	Load(path string, flags LoadFlags) (Handle, error)

	// Unload drops one reference to the module; at zero the mapping is
	// removed and the address range becomes reusable.
	Unload(h Handle) error

	// Memory is a read view of the address space, for image inspection.
	Memory() dllfork.Memory
}
