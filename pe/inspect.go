package pe

import (
	"encoding/binary"

	"github.com/wippyai/dllfork"
	"github.com/wippyai/dllfork/errors"
)

// Info carries the placement facts an image declares about itself.
type Info struct {
	// PreferredBase is the address the image was linked to load at.
	PreferredBase uintptr

	// ImageSize is the size in bytes of the mapped image.
	ImageSize uintptr
}

// header locates the optional header of a mapped image.
type header struct {
	optBase  uintptr // address of the optional header
	magic    uint16  // magicPE32 or magicPE32Plus
	dirBase  uintptr // address of the data directory array
	dirCount uint32
}

// Inspect reads the preferred load base and image size from the image
// mapped at base.
func Inspect(mem dllfork.Memory, base uintptr) (Info, error) {
	h, err := readHeader(mem, base)
	if err != nil {
		return Info{}, err
	}

	size, err := readU32(mem, h.optBase+56)
	if err != nil {
		return Info{}, errors.MalformedImage(base, "image size unreadable")
	}

	var pref uint64
	if h.magic == magicPE32Plus {
		pref, err = readU64(mem, h.optBase+24)
	} else {
		var p32 uint32
		p32, err = readU32(mem, h.optBase+28)
		pref = uint64(p32)
	}
	if err != nil {
		return Info{}, errors.MalformedImage(base, "preferred base unreadable")
	}

	return Info{PreferredBase: uintptr(pref), ImageSize: uintptr(size)}, nil
}

// Imports walks the import descriptor table of the image mapped at base and
// returns the imported module names in table order. Images without an
// import directory yield nil.
func Imports(mem dllfork.Memory, base uintptr) ([]string, error) {
	h, err := readHeader(mem, base)
	if err != nil {
		return nil, err
	}

	if uint32(dirImport) >= h.dirCount {
		return nil, nil
	}
	dir := h.dirBase + dirImport*8
	va, err := readU32(mem, dir)
	if err != nil {
		return nil, errors.MalformedImage(base, "import directory unreadable")
	}
	size, err := readU32(mem, dir+4)
	if err != nil {
		return nil, errors.MalformedImage(base, "import directory unreadable")
	}
	if va == 0 || size == 0 {
		return nil, nil
	}

	var names []string
	for desc := base + uintptr(va); ; desc += importDescSize {
		nameRVA, err := readU32(mem, desc+12)
		if err != nil {
			return nil, errors.MalformedImage(base, "import descriptor unreadable")
		}
		if nameRVA == 0 {
			break
		}
		name, err := readCString(mem, base+uintptr(nameRVA))
		if err != nil {
			return nil, errors.MalformedImage(base, "import name unreadable")
		}
		names = append(names, name)
	}
	return names, nil
}

// readHeader validates the optional-header offset and locates the data
// directory. An out-of-range offset is the one structural check; past
// that, only fields that cannot be read are reported as malformed.
func readHeader(mem dllfork.Memory, base uintptr) (header, error) {
	lfanew, err := readU32(mem, base+lfanewOffset)
	if err != nil {
		return header{}, errors.MalformedImage(base, "DOS header unreadable")
	}
	off := uintptr(lfanew)
	if off < minHeaderOffset || off >= maxHeaderOffset {
		return header{}, errors.MalformedImage(base, "optional header offset out of range")
	}

	optBase := base + off + 4 + coffHeaderSize
	magic, err := readU16(mem, optBase)
	if err != nil {
		return header{}, errors.MalformedImage(base, "optional header unreadable")
	}

	h := header{optBase: optBase, magic: magic}
	switch magic {
	case magicPE32Plus:
		h.dirCount, err = readU32(mem, optBase+108)
		h.dirBase = optBase + 112
	default:
		h.dirCount, err = readU32(mem, optBase+92)
		h.dirBase = optBase + 96
	}
	if err != nil {
		return header{}, errors.MalformedImage(base, "data directory unreadable")
	}
	return h, nil
}

func readU16(mem dllfork.Memory, addr uintptr) (uint16, error) {
	var b [2]byte
	if err := mem.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(mem dllfork.Memory, addr uintptr) (uint32, error) {
	var b [4]byte
	if err := mem.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(mem dllfork.Memory, addr uintptr) (uint64, error) {
	var b [8]byte
	if err := mem.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readCString(mem dllfork.Memory, addr uintptr) (string, error) {
	var out []byte
	var b [1]byte
	for len(out) < maxModuleName {
		if err := mem.ReadAt(addr+uintptr(len(out)), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return string(out), nil
}
