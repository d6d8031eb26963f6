// Package registry keeps the process-wide record of loaded modules and
// drives their lifecycle.
//
// # Main Types
//
//   - Record: one loaded module — identity, addresses, metadata snapshot
//   - Registry: the ordered chain of records with insert/find/detach,
//     the topological sorter, and the exit-time destructor pass
//   - Meta: the per-module metadata block a module hands to its entry stub
//   - Runtime: the runtime services the stub consumes (finalizer,
//     pseudo-relocator, runtime header)
//
// # Entry Stub
//
// Every module calls Attach from its startup trampoline, and Detach on
// unload. Attach classifies the load — linked at startup, dynamically
// opened, or fork replay — from the registry's Mode, inserts the record,
// and for dynamic opens runs the module's constructors and entry function.
//
// # Ordering
//
// TopSort reorders the chain so dependencies precede dependents, with the
// extra constraint that dynamically opened modules keep their opening
// order. The fork replay engine walks that order; the exit pass walks it
// backwards so dependents finalize before their dependencies.
//
// # Thread Safety
//
// Mutating operations run under one process-wide reentrant lock. The host
// loader calls back into Attach while the locking thread is inside a
// registry operation, so the lock must tolerate re-entry by its owner.
package registry
