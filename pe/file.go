package pe

import (
	"encoding/binary"
	"fmt"
	"os"
)

// View is a read-only address-space view over a PE file in on-disk layout.
// Virtual addresses are resolved relative to the image's preferred base and
// translated to file offsets through the section table, so the inspector
// works on files exactly as it does on mapped images.
type View struct {
	data          []byte
	info          Info
	sizeOfHeaders uint32
	sections      []section
}

type section struct {
	va      uint32
	vsize   uint32
	raw     uint32
	rawSize uint32
}

// OpenFile reads path and parses its headers into a View.
func OpenFile(path string) (*View, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := NewView(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// NewView parses a PE file held in memory in on-disk layout.
func NewView(data []byte) (*View, error) {
	if len(data) < int(minHeaderOffset) || binary.LittleEndian.Uint16(data) != dosMagic {
		return nil, fmt.Errorf("not a PE image")
	}

	// Headers occupy the same offsets on disk and in memory, so the mapped
	// image reader works directly over the raw bytes.
	raw := ImageMemory(data, 0, uintptr(len(data)))
	h, err := readHeader(raw, 0)
	if err != nil {
		return nil, err
	}
	sig, err := readU32(raw, h.optBase-4-coffHeaderSize)
	if err != nil || sig != peSignature {
		return nil, fmt.Errorf("missing PE signature")
	}
	info, err := Inspect(raw, 0)
	if err != nil {
		return nil, err
	}

	v := &View{data: data, info: info}
	if v.sizeOfHeaders, err = readU32(raw, h.optBase+60); err != nil {
		return nil, err
	}

	nsect, err := readU16(raw, h.optBase-coffHeaderSize+2)
	if err != nil {
		return nil, err
	}
	optSize, err := readU16(raw, h.optBase-coffHeaderSize+16)
	if err != nil {
		return nil, err
	}
	sectBase := h.optBase + uintptr(optSize)
	for i := uintptr(0); i < uintptr(nsect); i++ {
		sh := sectBase + i*40
		var s section
		if s.vsize, err = readU32(raw, sh+8); err != nil {
			return nil, err
		}
		if s.va, err = readU32(raw, sh+12); err != nil {
			return nil, err
		}
		if s.rawSize, err = readU32(raw, sh+16); err != nil {
			return nil, err
		}
		if s.raw, err = readU32(raw, sh+20); err != nil {
			return nil, err
		}
		v.sections = append(v.sections, s)
	}
	return v, nil
}

// Base returns the image's preferred base, which is also the address this
// view resolves virtual addresses against.
func (v *View) Base() uintptr {
	return v.info.PreferredBase
}

// Info returns the image's placement facts.
func (v *View) Info() Info {
	return v.info
}

// ReadAt implements dllfork.Memory over the on-disk layout.
func (v *View) ReadAt(addr uintptr, p []byte) error {
	for len(p) > 0 {
		if addr < v.info.PreferredBase {
			return fmt.Errorf("%w: %#x", ErrOutOfImage, addr)
		}
		rva := addr - v.info.PreferredBase
		n, err := v.readRVA(rva, p)
		if err != nil {
			return err
		}
		addr += uintptr(n)
		p = p[n:]
	}
	return nil
}

// readRVA reads as much of p as the region containing rva allows.
func (v *View) readRVA(rva uintptr, p []byte) (int, error) {
	if hdr := min(uintptr(v.sizeOfHeaders), uintptr(len(v.data))); rva < hdr {
		n := copy(p, v.data[rva:hdr])
		return n, nil
	}
	for _, s := range v.sections {
		span := s.vsize
		if s.rawSize > span {
			span = s.rawSize
		}
		if rva < uintptr(s.va) || rva >= uintptr(s.va)+uintptr(span) {
			continue
		}
		off := rva - uintptr(s.va)
		if off < uintptr(s.rawSize) {
			end := uintptr(s.raw) + uintptr(s.rawSize)
			if end > uintptr(len(v.data)) {
				end = uintptr(len(v.data))
			}
			n := copy(p, v.data[uintptr(s.raw)+off:end])
			if n > 0 {
				return n, nil
			}
		}
		// Zero fill between raw data end and virtual size.
		n := 0
		for n < len(p) && off+uintptr(n) < uintptr(span) {
			p[n] = 0
			n++
		}
		return n, nil
	}
	if rva < v.info.ImageSize {
		// Unmapped gap between sections.
		n := 0
		for n < len(p) && rva+uintptr(n) < v.info.ImageSize {
			p[n] = 0
			n++
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: rva %#x", ErrOutOfImage, rva)
}

// ImageBytes materializes the loaded layout of the image: headers and
// sections copied to their virtual offsets, zero-padded in between. The
// result can be registered with the simulated host backend.
func (v *View) ImageBytes() []byte {
	out := make([]byte, v.info.ImageSize)
	copy(out, v.data[:min(uintptr(v.sizeOfHeaders), uintptr(len(v.data)), v.info.ImageSize)])
	for _, s := range v.sections {
		if uintptr(s.va) >= v.info.ImageSize {
			continue
		}
		end := uintptr(s.raw) + uintptr(s.rawSize)
		if end > uintptr(len(v.data)) {
			end = uintptr(len(v.data))
		}
		if uintptr(s.raw) >= end {
			continue
		}
		copy(out[s.va:], v.data[s.raw:end])
	}
	return out
}
