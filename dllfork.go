package dllfork

// Memory is a byte-addressed, read-only view of a process address space.
// Addresses are absolute virtual addresses, not offsets; a view backed by
// the live process reads straight through, while simulated or file-backed
// views translate internally.
type Memory interface {
	ReadAt(addr uintptr, p []byte) error
}

// MemoryFunc adapts a plain function to the Memory interface.
type MemoryFunc func(addr uintptr, p []byte) error

func (f MemoryFunc) ReadAt(addr uintptr, p []byte) error {
	return f(addr, p)
}
