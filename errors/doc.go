// Package errors provides structured error types for the dllfork library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Error type includes rich context: the module involved, the
// on-disk path, and the expected/actual addresses when relevant.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseReplay, errors.KindHandleMismatch).
//		Module("cygz.dll").
//		Want(0x3f0000).
//		Got(0x5a0000).
//		Detail("loaded to different address").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.HandleMismatch(errors.PhaseRegister, path, parent, child)
//	err := errors.AddressConflict("cygz.dll", 0x3f0000, 0x61000)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
