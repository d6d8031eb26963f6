// Package pe inspects Portable Executable images that are already mapped
// into an address space.
//
// The inspector answers the two questions the registry and the fork replay
// engine ask of a module image: where does the image want to live
// (preferred base, image size), and which other modules does it import. It
// reads through the dllfork.Memory interface, so the same code serves the
// live process, the simulated host backend, and on-disk files opened with
// OpenFile (whose View translates virtual addresses through the section
// table).
//
// Build synthesizes the header portion of a loaded-layout image; the
// simulated host backend serves those bytes so the inspector sees real
// header structures in tests and demos.
//
// Images reaching the inspector have already been validated by the host
// loader; the only structural check is that the optional-header offset
// lies in a plausible range. That failure, and any header or import field
// that cannot be read, is reported as a malformed image, which aborts the
// enclosing registry operation.
package pe
