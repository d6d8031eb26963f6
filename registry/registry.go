package registry

import (
	"strings"

	"github.com/coreos/go-semver/semver"
	"go.uber.org/zap"

	"github.com/wippyai/dllfork/errors"
	"github.com/wippyai/dllfork/host"
	"github.com/wippyai/dllfork/pe"
)

// Mode is the process phase the registry classifies loads against. The
// process-init sequence and the fork driver advance it.
type Mode uint8

const (
	// ModeStartup: primary init is still assembling the linked modules.
	ModeStartup Mode = iota

	// ModeRunning: primary init has finished.
	ModeRunning

	// ModeForkInit: a forked child re-assembling its linked modules.
	ModeForkInit

	// ModeForkReplay: a forked child inside the dynamic-module replay.
	ModeForkReplay
)

// forked reports whether the process is a forked child that has not yet
// finished reconstructing itself.
func (m Mode) forked() bool {
	return m == ModeForkInit || m == ModeForkReplay
}

// linkedLoad reports whether a module attaching now is a linked module
// rather than a dynamic open.
func (m Mode) linkedLoad() bool {
	return m == ModeStartup || m == ModeForkInit
}

// Runtime is the surface of the hosting runtime the registry consumes.
type Runtime interface {
	// Finalize runs the C++ ABI finalizer for the module at h.
	Finalize(h host.Handle)

	// Relocate applies the module's pseudo-relocations.
	Relocate(m *Meta) error

	// Header describes the runtime the attaching modules must agree with.
	Header() Header
}

// Header is the runtime's own metadata, the reference point for module
// sanity checks and pointer refreshes.
type Header struct {
	// API is the runtime interface version.
	API *semver.Version

	// ImpurePtr is the shared impure pointer handed to every module.
	ImpurePtr uintptr

	// Environ is the process environment block.
	Environ []string
}

// FatalFunc receives unrecoverable errors: the child's address space is
// already partially rebuilt and there is no way back. The fork driver
// installs its abort channel here. Implementations must not return; the
// default logs and panics so tests can intercept.
type FatalFunc func(err error)

// Registry is the ordered chain of loaded-module records.
type Registry struct {
	host  host.Host
	rt    Runtime
	fatal FatalFunc

	guard guard

	// head is a zero-payload sentinel so prev is never nil; tail is nil
	// only when the chain is empty.
	head Record
	tail *Record

	loadedCount  int
	replayOnFork bool
	mode         Mode
	exiting      bool

	// hadModules records whether primary init saw any modules, gating the
	// exit-time destructor pass.
	hadModules bool

	// hostedDynamically is set when this runtime was itself dropped into a
	// foreign process; the entry stub then keeps out of the way entirely.
	hostedDynamically bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFatal installs the fork driver's abort channel.
func WithFatal(f FatalFunc) RegistryOption {
	return func(r *Registry) { r.fatal = f }
}

// WithHostedDynamically marks the runtime as loaded into a foreign process
// rather than a process it bootstrapped.
func WithHostedDynamically() RegistryOption {
	return func(r *Registry) { r.hostedDynamically = true }
}

// New creates an empty registry over the given host and runtime.
func New(h host.Host, rt Runtime, opts ...RegistryOption) *Registry {
	r := &Registry{host: h, rt: rt}
	r.fatal = func(err error) {
		Logger().Error("fatal", zap.Error(err))
		panic(err)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetMode advances the process phase. Called by the process-init sequence
// and the fork driver.
func (r *Registry) SetMode(m Mode) {
	r.guard.lock()
	defer r.guard.unlock()
	r.mode = m
}

// Mode returns the current process phase.
func (r *Registry) Mode() Mode {
	return r.mode
}

// SetExiting tells the registry process teardown has begun, so detach no
// longer runs the external finalizer.
func (r *Registry) SetExiting() {
	r.guard.lock()
	defer r.guard.unlock()
	r.exiting = true
}

// SetReplayOnFork toggles whether a fork should replay dynamic modules
// into the child. Set implicitly when the first dynamic module attaches.
func (r *Registry) SetReplayOnFork(v bool) {
	r.guard.lock()
	defer r.guard.unlock()
	r.replayOnFork = v
}

// ReplayOnFork reports whether the fork driver should run the replay.
func (r *Registry) ReplayOnFork() bool {
	return r.replayOnFork
}

// LoadedCount returns the number of dynamically opened modules.
func (r *Registry) LoadedCount() int {
	r.guard.lock()
	defer r.guard.unlock()
	return r.loadedCount
}

// Fatal routes an unrecoverable error to the installed fatal channel.
func (r *Registry) Fatal(err error) {
	r.fatal(err)
	panic(err) // unreachable when fatal honors its contract
}

// StripLongPath removes the host's long-path marker. A "\\?\UNC\" marker
// becomes a plain UNC path. Stripping an already-stripped path is a no-op.
func StripLongPath(path string) string {
	if !strings.HasPrefix(path, `\\?\`) {
		return path
	}
	path = path[4:]
	if strings.HasPrefix(path, `UNC\`) {
		return `\` + path[3:]
	}
	return path
}

// Insert records the module at h, or — during fork replay — verifies and
// refreshes the record the parent left behind. The returned record is
// chained and holds at least one reference.
func (r *Registry) Insert(h host.Handle, m *Meta, kind Kind) (*Record, error) {
	rawPath, err := r.host.ModulePath(h)
	if err != nil {
		return nil, errors.Host(errors.PhaseRegister, "resolve module path", err)
	}
	path := StripLongPath(rawPath)

	r.guard.lock()
	defer r.guard.unlock()

	var d *Record
	if kind == Linked {
		d = r.findByBaseName(baseNameOf(path))
	} else {
		d = r.findByPath(path)
	}
	if d != nil {
		// Only a forked child replaying the parent's registry gets here.
		if d.Handle != h {
			r.Fatal(errors.HandleMismatch(errors.PhaseRegister, path, uintptr(d.Handle), uintptr(h)))
		}
		if kind == Linked && !strings.EqualFold(path, d.FullPath) && !sameImage(d.Meta, m) {
			r.Fatal(errors.ImageMismatch(d.FullPath, path))
		}
		// Refresh the metadata so ABI-sensitive pointers bind to this
		// process's address space.
		d.Meta = m
		return d, nil
	}

	info, err := pe.Inspect(r.host.Memory(), uintptr(h))
	if err != nil {
		// The loader validated this image before we ever saw it; a
		// malformed header here means the process state is gone.
		r.Fatal(err)
	}

	d = &Record{
		FullPath:      path,
		Handle:        h,
		PreferredBase: info.PreferredBase,
		ImageSize:     info.ImageSize,
		Meta:          m,
		RefCount:      1,
		Kind:          kind,
	}
	r.append(d)
	if kind == Loaded {
		r.loadedCount++
	}
	debugf("registered %s %s at %#x", kind, d.BaseName(), uintptr(h))
	return d, nil
}

// sameImage decides whether two metadata snapshots describe the same
// module image despite differing paths.
func sameImage(a, b *Meta) bool {
	return a.DataStart == b.DataStart &&
		a.DataEnd == b.DataEnd &&
		a.BssStart == b.BssStart &&
		a.BssEnd == b.BssEnd &&
		len(a.Ctors) == len(b.Ctors) &&
		len(a.Dtors) == len(b.Dtors)
}

// FindByPath returns the record whose full path matches, ignoring case.
func (r *Registry) FindByPath(path string) *Record {
	r.guard.lock()
	defer r.guard.unlock()
	return r.findByPath(path)
}

func (r *Registry) findByPath(path string) *Record {
	for d := r.head.next; d != nil; d = d.next {
		if strings.EqualFold(path, d.FullPath) {
			return d
		}
	}
	return nil
}

// FindByBaseName returns the record whose base name matches, ignoring case.
func (r *Registry) FindByBaseName(name string) *Record {
	r.guard.lock()
	defer r.guard.unlock()
	return r.findByBaseName(name)
}

func (r *Registry) findByBaseName(name string) *Record {
	for d := r.head.next; d != nil; d = d.next {
		if strings.EqualFold(name, d.BaseName()) {
			return d
		}
	}
	return nil
}

// findByReturnAddress locates the record owning the allocation that
// contains addr.
func (r *Registry) findByReturnAddress(addr uintptr) *Record {
	reg, err := r.host.Query(addr)
	if err != nil || reg.Free {
		return nil
	}
	for d := r.head.next; d != nil; d = d.next {
		if uintptr(d.Handle) == reg.AllocationBase {
			return d
		}
	}
	return nil
}

// Ref adds an open reference to a record. The dlopen layer owns these.
func (r *Registry) Ref(d *Record) {
	r.guard.lock()
	defer r.guard.unlock()
	d.RefCount++
}

// Unref drops an open reference and returns the remaining count.
func (r *Registry) Unref(d *Record) int {
	r.guard.lock()
	defer r.guard.unlock()
	if d.RefCount > 0 {
		d.RefCount--
	}
	return d.RefCount
}

// Detach unloads the module containing retaddr: finalize, run destructors,
// unchain, forget. During fork processing or before primary init it is a
// no-op — a failing fork tears the child down with half-built state, and
// running destructors then would touch structures that never existed.
func (r *Registry) Detach(retaddr uintptr) {
	if r.mode == ModeStartup || r.mode.forked() {
		return
	}
	r.guard.lock()
	defer r.guard.unlock()

	d := r.findByReturnAddress(retaddr)
	if d == nil {
		return
	}
	if !r.exiting {
		r.rt.Finalize(d.Handle)
	}
	d.Meta.RunDtors()
	r.unlink(d)
	if d.Kind == Loaded {
		r.loadedCount--
	}
	debugf("detached %s from %#x", d.BaseName(), uintptr(d.Handle))
}

// InitializeLinked runs constructors and entry functions for every module
// registered during primary init, and records whether the exit pass will
// have work. Called once when process startup finishes assembling the
// chain.
func (r *Registry) InitializeLinked() {
	r.guard.lock()
	defer r.guard.unlock()
	r.hadModules = r.head.next != nil
	for d := r.head.next; d != nil; d = d.next {
		if err := d.init(r.mode); err != nil {
			Logger().Warn("module entry failed during init",
				zap.String("module", d.BaseName()), zap.Error(err))
		}
	}
}

// Shutdown runs the exit-time destructor pass: surviving records finalize
// in reverse registration order, dependents before dependencies. Skipped
// in a forked child, where reaching exit means the fork is failing and
// nothing was fully set up.
func (r *Registry) Shutdown() {
	if r.mode.forked() {
		return
	}
	recorded := r.hadModules
	r.hadModules = false
	if !recorded {
		return
	}
	for d := r.tail; d != nil && d != &r.head; d = d.prev {
		d.Meta.RunDtors()
	}
}

// SyncEnviron points every module's environment slot at the runtime's
// current environment block.
func (r *Registry) SyncEnviron() {
	env := r.rt.Header().Environ
	r.guard.lock()
	defer r.guard.unlock()
	for d := r.head.next; d != nil; d = d.next {
		if d.Meta.Environ != nil {
			*d.Meta.Environ = env
		}
	}
}

// First returns the first record the filter accepts, in registry order.
func (r *Registry) First(f Filter) *Record {
	r.guard.lock()
	defer r.guard.unlock()
	if r.head.next == nil {
		return nil
	}
	if f.matches(r.head.next.Kind) {
		return r.head.next
	}
	return r.head.next.Next(f)
}

// ForEach visits records in registry order until fn returns false.
func (r *Registry) ForEach(f Filter, fn func(*Record) bool) {
	for d := r.First(f); d != nil; d = d.Next(f) {
		if !fn(d) {
			return
		}
	}
}

// append links d at the tail of the chain.
func (r *Registry) append(d *Record) {
	if r.tail == nil {
		r.tail = &r.head
	}
	r.tail.next = d
	d.next = nil
	d.prev = r.tail
	r.tail = d
}

// unlink removes d from the chain.
func (r *Registry) unlink(d *Record) {
	d.prev.next = d.next
	if d.next != nil {
		d.next.prev = d.prev
	}
	if r.tail == d {
		r.tail = d.prev
	}
}

func baseNameOf(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
