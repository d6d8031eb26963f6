package pe

import (
	"encoding/binary"
	"fmt"

	"github.com/wippyai/dllfork"
)

// ErrOutOfImage is wrapped by ImageMemory reads outside the mapped range.
var ErrOutOfImage = fmt.Errorf("read outside mapped image")

// Layout constants for synthesized images. Sectionless: every RVA is a
// direct offset into the produced bytes.
const (
	buildLfanew     = 0x80
	buildOptSize    = 240 // PE32+ optional header with 16 directories
	buildImportsRVA = 0x1A0
)

// ImageSpec describes a synthetic image for Build.
type ImageSpec struct {
	// PreferredBase becomes the ImageBase header field.
	PreferredBase uintptr

	// ImageSize becomes the SizeOfImage header field. Zero defaults to one
	// allocation granule (64 KiB).
	ImageSize uintptr

	// Imports lists module names for the import descriptor table.
	Imports []string
}

// Build synthesizes the header portion of a loaded-layout PE32+ image: DOS
// stub, COFF and optional headers, and an import descriptor table naming
// spec.Imports. The result is what a mapped image's first pages look like,
// which is all the inspector ever reads.
func Build(spec ImageSpec) []byte {
	size := spec.ImageSize
	if size == 0 {
		size = 64 << 10
	}

	nameOff := buildImportsRVA + (len(spec.Imports)+1)*int(importDescSize)
	total := nameOff
	for _, name := range spec.Imports {
		total += len(name) + 1
	}
	buf := make([]byte, total)

	// DOS header.
	binary.LittleEndian.PutUint16(buf[0:], dosMagic)
	binary.LittleEndian.PutUint32(buf[lfanewOffset:], buildLfanew)

	// PE signature and COFF header.
	hdr := buildLfanew
	binary.LittleEndian.PutUint32(buf[hdr:], peSignature)
	binary.LittleEndian.PutUint16(buf[hdr+4:], 0x8664)          // machine: x64
	binary.LittleEndian.PutUint16(buf[hdr+4+16:], buildOptSize) // SizeOfOptionalHeader

	// Optional header.
	opt := hdr + 4 + int(coffHeaderSize)
	binary.LittleEndian.PutUint16(buf[opt:], magicPE32Plus)
	binary.LittleEndian.PutUint64(buf[opt+24:], uint64(spec.PreferredBase))
	binary.LittleEndian.PutUint32(buf[opt+56:], uint32(size))
	binary.LittleEndian.PutUint32(buf[opt+60:], uint32(total)) // SizeOfHeaders
	binary.LittleEndian.PutUint32(buf[opt+108:], 16)           // NumberOfRvaAndSizes

	// Import directory entry.
	if len(spec.Imports) > 0 {
		dir := opt + 112 + dirImport*8
		binary.LittleEndian.PutUint32(buf[dir:], buildImportsRVA)
		binary.LittleEndian.PutUint32(buf[dir+4:], uint32((len(spec.Imports)+1)*int(importDescSize)))

		for i, name := range spec.Imports {
			desc := buildImportsRVA + i*int(importDescSize)
			binary.LittleEndian.PutUint32(buf[desc+12:], uint32(nameOff))
			copy(buf[nameOff:], name)
			nameOff += len(name) + 1
		}
		// Terminator descriptor is the zero bytes already in place.
	}

	return buf
}

// ImageMemory views data as a loaded-layout image mapped at base. Reads past
// the end of data but within size yield zeros, matching uninitialized pages
// of a sparse mapping.
func ImageMemory(data []byte, base, size uintptr) dllfork.Memory {
	return dllfork.MemoryFunc(func(addr uintptr, p []byte) error {
		if addr < base || addr+uintptr(len(p)) > base+size {
			return fmt.Errorf("%w: %#x", ErrOutOfImage, addr)
		}
		off := addr - base
		for i := range p {
			if off+uintptr(i) < uintptr(len(data)) {
				p[i] = data[off+uintptr(i)]
			} else {
				p[i] = 0
			}
		}
		return nil
	})
}
