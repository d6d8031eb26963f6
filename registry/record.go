package registry

import (
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/wippyai/dllfork/host"
)

// Kind classifies how a module entered the process.
type Kind uint8

const (
	// Linked modules were resolved by the host loader at process start.
	Linked Kind = iota

	// Loaded modules were opened explicitly at runtime.
	Loaded
)

func (k Kind) String() string {
	if k == Linked {
		return "linked"
	}
	return "loaded"
}

// Filter selects record kinds during iteration.
type Filter uint8

const (
	FilterAny Filter = iota
	FilterLinked
	FilterLoaded
)

func (f Filter) matches(k Kind) bool {
	switch f {
	case FilterLinked:
		return k == Linked
	case FilterLoaded:
		return k == Loaded
	default:
		return true
	}
}

// depState tracks a record's progress through the topological sort.
type depState uint8

const (
	depUnknown depState = iota // sort has not visited
	depPending                 // being sorted
	depDone                    // placed in the rebuilt chain
)

// Meta is the per-module metadata block a module hands to its entry stub:
// a snapshot of its constructor and destructor tables, entry function,
// data/bss extents, and the runtime slots the stub fills in.
type Meta struct {
	// Ctors and Dtors mirror the module's initializer tables. Slot 0 is
	// reserved in both, matching the layout the module's startup code
	// records; RunCtors and RunDtors never invoke it.
	Ctors []func()
	Dtors []func()

	// Entry is the module's entry function, run after its constructors on
	// a dynamic open. Nil means the module has no entry.
	Entry func() error

	// Data/bss extents, used to tell whether two images with one basename
	// are in fact the same module.
	DataStart, DataEnd uintptr
	BssStart, BssEnd   uintptr

	// Environ is the module's own pointer to the environment block; the
	// registry refreshes it whenever the runtime's environment moves.
	Environ *[]string

	// Impure receives the runtime's shared impure pointer at attach.
	Impure *uintptr

	// API is the runtime interface version the module was built against.
	API *semver.Version
}

// Record is one currently loaded module.
type Record struct {
	// FullPath is the absolute path of the on-disk image, long-path
	// prefix already stripped.
	FullPath string

	// Handle is the host module handle, equal to the image base address.
	Handle host.Handle

	// PreferredBase is the load address the image header asks for.
	PreferredBase uintptr

	// ImageSize is the mapped size of the image in bytes.
	ImageSize uintptr

	// Meta is the module's metadata snapshot. Replaced on fork replay so
	// pointers bind to the child's address space.
	Meta *Meta

	// RefCount counts outstanding opens. Maintained by the dlopen layer
	// for Loaded records; never below one while the record is chained.
	RefCount int

	Kind Kind

	// Transient sort state.
	deps  []*Record
	state depState

	prev, next *Record
}

// BaseName returns the path component past the last separator. It is a
// view of FullPath, not a separate identity.
func (d *Record) BaseName() string {
	if i := strings.LastIndexAny(d.FullPath, `\/`); i >= 0 {
		return d.FullPath[i+1:]
	}
	return d.FullPath
}

// Next returns the following record in registry order, skipping kinds the
// filter rejects.
func (d *Record) Next(f Filter) *Record {
	for n := d.next; n != nil; n = n.next {
		if f.matches(n.Kind) {
			return n
		}
	}
	return nil
}

// init runs the module's constructors and entry function. In a forked
// child both are skipped: the parent already ran them and their effects
// arrived with the copied data segments.
func (d *Record) init(mode Mode) error {
	if mode.forked() {
		return nil
	}
	d.Meta.RunCtors()
	if d.Meta.Entry != nil {
		return d.Meta.Entry()
	}
	return nil
}
