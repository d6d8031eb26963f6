// Package dllfork implements the dynamic module registry and fork-replay
// engine of a POSIX-compatibility layer hosted on Windows.
//
// The host offers no copy-on-write process duplication, so fork is emulated
// by spawning a fresh process and copying the parent's heap and stack into
// it. Pointers captured by that copy (function pointers, vtables, runtime
// data segments) only stay valid if every dynamic module the parent had
// loaded ends up at exactly the same virtual address in the child. This
// library keeps the in-process registry of loaded modules and, on fork,
// replays their loads into the child at the parent's addresses.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	dllfork/             Root package with the Memory address-space view
//	├── errors/          Structured error types for diagnostics
//	├── pe/              In-memory image inspection (preferred base, image
//	│                    size, import directory) and a minimal image builder
//	├── host/            The host OS contract: path resolution, virtual
//	│                    memory reservation, module load/unload. Includes an
//	│                    in-memory simulated backend and a Win32 backend
//	├── registry/        Module records, the registry chain, constructor and
//	│                    destructor driver, topological sorter, entry stub
//	├── replay/          Address-space reservation and the fork replay engine
//	└── cmd/dllstat/     Rebase advisor and registry inspector CLI
//
// # Fork Replay
//
// At primary startup every linked module's entry stub registers it with the
// registry. Modules opened at runtime register the same way, marked Loaded.
// Before the fork driver copies the address space it topologically sorts the
// registry so dependencies precede dependents; in the child, the replay
// engine reserves every dynamic module's address range, coerces each module
// back to its parent address (retrying behind temporary blockades when the
// host loader picks a different spot), and finally loads each module for
// real:
//
//	reg.TopSort()                       // parent, pre-fork
//	eng := replay.New(reg, backend)
//	eng.ReserveAll()                    // child, step 1
//	eng.LoadAfterFork()                 // child, steps 2-3
//
// # Thread Safety
//
// All mutating registry operations run under a process-wide reentrant lock;
// the host loader re-enters the registry from module entry stubs while the
// calling thread already holds it. During replay all other threads are
// suspended by the fork driver, so the engine observes a stable registry.
//
// # Failure Model
//
// Replay-time failures are unrecoverable: the child's address space is
// already partially reconstructed and there is no way to back out. Those
// paths report through an injectable fatal channel and name the offending
// module, suggesting the rebase utility where that is the remedy. dlopen
// failures, by contrast, surface as ordinary errors to the caller.
package dllfork
