package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseInspect  Phase = "inspect"  // image header / import walking
	PhaseRegister Phase = "register" // registry insert and lookup
	PhaseStartup  Phase = "startup"  // entry stub and primary init
	PhaseSort     Phase = "sort"     // dependency ordering
	PhaseReserve  Phase = "reserve"  // address-space reservation
	PhaseReplay   Phase = "replay"   // fork replay
	PhaseDetach   Phase = "detach"   // module unload
	PhaseHost     Phase = "host"     // host OS calls
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedImage   Kind = "malformed_image"
	KindHandleMismatch   Kind = "handle_mismatch"
	KindImageMismatch    Kind = "image_mismatch"
	KindAddressConflict  Kind = "address_conflict"
	KindRetriesExhausted Kind = "retries_exhausted"
	KindSanityMismatch   Kind = "sanity_mismatch"
	KindEntryFailed      Kind = "entry_failed"
	KindNotFound         Kind = "not_found"
	KindHostCall         Kind = "host_call"
)

// Error is the structured error type used throughout the library
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string  // base name of the module involved
	Path   string  // full on-disk path, when known
	Want   uintptr // expected address, when applicable
	Got    uintptr // actual address
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" {
		b.WriteByte(' ')
		b.WriteString(e.Module)
	} else if e.Path != "" {
		b.WriteByte(' ')
		b.WriteString(e.Path)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Want != 0 || e.Got != 0 {
		fmt.Fprintf(&b, ": want %#x, got %#x", e.Want, e.Got)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Module sets the module base name
func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

// Path sets the full on-disk path
func (b *Builder) Path(p string) *Builder {
	b.err.Path = p
	return b
}

// Want sets the expected address
func (b *Builder) Want(addr uintptr) *Builder {
	b.err.Want = addr
	return b
}

// Got sets the actual address
func (b *Builder) Got(addr uintptr) *Builder {
	b.err.Got = addr
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// MalformedImage creates a malformed-image error. The inspector reports it
// when the optional-header offset of an image falls outside its plausible
// range, or when a header or import field cannot be read.
func MalformedImage(base uintptr, detail string) *Error {
	return &Error{
		Phase:  PhaseInspect,
		Kind:   KindMalformedImage,
		Got:    base,
		Detail: detail,
	}
}

// HandleMismatch creates an error for a module that arrived at a different
// address than the parent recorded for it.
func HandleMismatch(phase Phase, path string, parent, child uintptr) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindHandleMismatch,
		Path:   path,
		Want:   parent,
		Got:    child,
		Detail: "loaded to different address: parent != child",
	}
}

// ImageMismatch creates an error for a forked child that resolved a linked
// module's basename to a different image than the parent had.
func ImageMismatch(parentPath, childPath string) *Error {
	return &Error{
		Phase: PhaseRegister,
		Kind:  KindImageMismatch,
		Path:  childPath,
		Detail: fmt.Sprintf(
			"loaded different module with same basename in forked child\n"+
				"parent loaded: %s\n"+
				" child loaded: %s\n"+
				"the images differ, so it is not safe to run the forked child; "+
				"remove the offending module and retry",
			parentPath, childPath),
	}
}

// AddressConflict creates an error for address space that should have been
// free but is occupied.
func AddressConflict(module string, base, size uintptr) *Error {
	return &Error{
		Phase:  PhaseReserve,
		Kind:   KindAddressConflict,
		Module: module,
		Want:   base,
		Detail: fmt.Sprintf("address space needed (%d bytes) is already occupied", size),
	}
}

// SanityMismatch creates an error for a module whose metadata disagrees with
// the runtime it was loaded into.
func SanityMismatch(module, detail string) *Error {
	return &Error{
		Phase:  PhaseStartup,
		Kind:   KindSanityMismatch,
		Module: module,
		Detail: detail,
	}
}

// EntryFailed creates an error for a module entry function that returned
// non-success during dlopen.
func EntryFailed(module string, cause error) *Error {
	return &Error{
		Phase:  PhaseStartup,
		Kind:   KindEntryFailed,
		Module: module,
		Detail: "module entry returned failure",
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Host wraps a failed host OS call
func Host(phase Phase, call string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindHostCall,
		Detail: call,
		Cause:  cause,
	}
}

// RebaseNeededError is returned when fork replay exhausts its retries for
// one or more modules. The remedy is operator-side: rewrite the preferred
// bases across the installation so each module has a unique slot.
type RebaseNeededError struct {
	Modules []RebaseModule
}

// RebaseModule names one module the replay engine could not remap.
type RebaseModule struct {
	Name   string
	Parent uintptr // address the module occupied in the parent
}

// NewRebaseNeededError creates an error for modules that would not remap.
func NewRebaseNeededError(mods ...RebaseModule) *RebaseNeededError {
	return &RebaseNeededError{Modules: mods}
}

func (e *RebaseNeededError) Error() string {
	if len(e.Modules) == 0 {
		return "[replay] retries_exhausted: no modules specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "unable to remap %d module(s) to the same address as the parent:\n", len(e.Modules))
	for _, m := range e.Modules {
		fmt.Fprintf(&b, "\n  %s (parent %#x)", m.Name, m.Parent)
	}
	b.WriteString("\n\ntry running the rebase utility over the installation")
	return b.String()
}

// Is reports whether target matches this error type
func (e *RebaseNeededError) Is(target error) bool {
	_, ok := target.(*RebaseNeededError)
	return ok
}
