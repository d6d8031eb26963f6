// Package host defines the contract the module registry and fork replay
// engine hold against the operating system.
//
// # Main Types
//
//   - Host: path resolution, region queries, virtual memory reservation,
//     and module load/unload
//   - LocalBackend: an in-memory loader and address-space simulator
//     implementing Host, used by tests, the dllstat tool, and anything
//     else that wants to rehearse a fork replay without a real loader
//
// The Windows implementation (build tag windows) maps each Host call to its
// Win32 counterpart: GetModuleFileName, VirtualQuery, VirtualAlloc with
// MEM_RESERVE, VirtualFree, LoadLibraryEx, FreeLibrary.
//
// # Thread Safety
//
// LocalBackend is safe for concurrent use. The Windows backend is as safe
// as the underlying Win32 calls.
package host
