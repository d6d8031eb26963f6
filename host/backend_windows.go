//go:build windows

package host

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/wippyai/dllfork"
)

// LoadLibraryEx flag suppressing import resolution and DllMain.
const dontResolveDLLReferences = 0x00000001

// Windows implements Host directly over the Win32 loader and virtual
// memory API of the current process.
type Windows struct{}

// NewWindows returns the live-process host backend.
func NewWindows() *Windows {
	return &Windows{}
}

// ModulePath implements Host.
func (*Windows) ModulePath(h Handle) (string, error) {
	var buf [windows.MAX_LONG_PATH]uint16
	n, err := windows.GetModuleFileName(windows.Handle(h), &buf[0], uint32(len(buf)))
	if err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:n]), nil
}

// Query implements Host.
func (*Windows) Query(addr uintptr) (Region, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Region{}, err
	}
	return Region{
		AllocationBase: mbi.AllocationBase,
		Base:           mbi.BaseAddress,
		Size:           mbi.RegionSize,
		Free:           mbi.State == windows.MEM_FREE,
	}, nil
}

// Reserve implements Host.
func (*Windows) Reserve(addr, size uintptr) error {
	_, err := windows.VirtualAlloc(addr, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	return err
}

// Release implements Host.
func (*Windows) Release(addr uintptr) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

// Load implements Host.
func (*Windows) Load(path string, flags LoadFlags) (Handle, error) {
	var sysFlags uintptr
	if flags&LoadNoResolve != 0 {
		sysFlags |= dontResolveDLLReferences
	}
	h, err := windows.LoadLibraryEx(path, 0, sysFlags)
	if err != nil {
		return 0, err
	}
	return Handle(h), nil
}

// Unload implements Host.
func (*Windows) Unload(h Handle) error {
	return windows.FreeLibrary(windows.Handle(h))
}

// Memory implements Host. Reads come straight from the process address
// space; the caller only inspects ranges the loader has mapped.
func (*Windows) Memory() dllfork.Memory {
	return dllfork.MemoryFunc(func(addr uintptr, p []byte) error {
		src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p))
		copy(p, src)
		return nil
	})
}
