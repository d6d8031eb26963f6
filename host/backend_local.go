package host

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/gopkg/lang/fastrand"
	"go.uber.org/multierr"

	"github.com/wippyai/dllfork"
	"github.com/wippyai/dllfork/pe"
)

// Allocation granularity of the simulated address space. The loader only
// ever places images on these boundaries, like its Win32 counterpart.
const granularity = 64 << 10

const (
	loadFloor  uintptr = 0x20000    // below this the loader never places
	addressTop uintptr = 1 << 40    // end of the simulated address space
	aslrWindow uint32  = 0x40000000 // placement window for ASLR mode
)

// AttachFunc runs when the simulated loader finishes a full load of a fresh
// mapping, which is the moment a real module's entry stub would run.
type AttachFunc func(h Handle, path string) error

type image struct {
	path    string
	data    []byte
	info    pe.Info
	imports []string
}

type mapping struct {
	img  *image
	base uintptr
	refs int
}

type reservation struct {
	base uintptr
	size uintptr
}

// MappingInfo is a diagnostic snapshot of one loaded module.
type MappingInfo struct {
	Path          string
	Base          uintptr
	PreferredBase uintptr
	Size          uintptr
	Refs          int
}

// LocalBackend simulates the host loader and virtual address space. Images
// are registered up front; Load places them the way the real loader would:
// at their preferred base when the range is free, elsewhere when it is not.
type LocalBackend struct {
	mu        sync.Mutex
	images    map[string]*image // keyed by folded full path
	mappings  map[uintptr]*mapping
	reserved  map[uintptr]reservation
	attach    AttachFunc
	aslr      bool
	longPaths bool
}

// Option configures a LocalBackend.
type Option func(*LocalBackend)

// WithASLR makes fallback placement try randomized slots first; when none
// of them is free, placement still scans bottom-up.
func WithASLR() Option {
	return func(b *LocalBackend) { b.aslr = true }
}

// WithLongPaths makes ModulePath answer with the \\?\ long-path prefix the
// way the real host sometimes does.
func WithLongPaths() Option {
	return func(b *LocalBackend) { b.longPaths = true }
}

// NewLocalBackend creates an empty simulated host.
func NewLocalBackend(opts ...Option) *LocalBackend {
	b := &LocalBackend{
		images:   make(map[string]*image),
		mappings: make(map[uintptr]*mapping),
		reserved: make(map[uintptr]reservation),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetAttach installs the callback invoked on full loads of fresh mappings.
func (b *LocalBackend) SetAttach(fn AttachFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attach = fn
}

// RegisterImage makes an image available to the loader under path. The data
// must be in loaded layout, such as pe.Build output or pe.View.ImageBytes.
func (b *LocalBackend) RegisterImage(path string, data []byte) error {
	view := pe.ImageMemory(data, 0, uintptr(len(data)))
	info, err := pe.Inspect(view, 0)
	if err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	imports, err := pe.Imports(view, 0)
	if err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.images[strings.ToLower(path)] = &image{
		path:    path,
		data:    data,
		info:    info,
		imports: imports,
	}
	return nil
}

// ModulePath implements Host.
func (b *LocalBackend) ModulePath(h Handle) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.mappings[uintptr(h)]
	if !ok {
		return "", fmt.Errorf("no module at %#x", uintptr(h))
	}
	if b.longPaths {
		return `\\?\` + m.img.path, nil
	}
	return m.img.path, nil
}

// Query implements Host.
func (b *LocalBackend) Query(addr uintptr) (Region, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr >= addressTop {
		return Region{}, fmt.Errorf("address %#x outside address space", addr)
	}

	for base, m := range b.mappings {
		if addr >= base && addr < base+m.img.info.ImageSize {
			return Region{AllocationBase: base, Base: base, Size: m.img.info.ImageSize}, nil
		}
	}
	for base, r := range b.reserved {
		if addr >= base && addr < base+r.size {
			return Region{AllocationBase: base, Base: base, Size: r.size}, nil
		}
	}

	lo, hi := b.gapAround(addr)
	return Region{Base: lo, Size: hi - lo, Free: true}, nil
}

// Reserve implements Host.
func (b *LocalBackend) Reserve(addr, size uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size == 0 {
		return fmt.Errorf("zero-size reservation at %#x", addr)
	}
	if b.overlaps(addr, size) {
		return fmt.Errorf("range [%#x,%#x) is occupied", addr, addr+size)
	}
	b.reserved[addr] = reservation{base: addr, size: size}
	return nil
}

// Release implements Host.
func (b *LocalBackend) Release(addr uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reserved[addr]; !ok {
		return fmt.Errorf("no reservation at %#x", addr)
	}
	delete(b.reserved, addr)
	return nil
}

// Load implements Host.
func (b *LocalBackend) Load(path string, flags LoadFlags) (Handle, error) {
	b.mu.Lock()
	img := b.lookup(path)
	if img == nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("module %q not found", path)
	}

	if m := b.mappingOf(img); m != nil {
		m.refs++
		b.mu.Unlock()
		return Handle(m.base), nil
	}

	base, ok := b.place(img)
	if !ok {
		b.mu.Unlock()
		return 0, fmt.Errorf("no address space for %q (%d bytes)", path, img.info.ImageSize)
	}
	m := &mapping{img: img, base: base, refs: 1}
	b.mappings[base] = m
	debugf("mapped %s at %#x (preferred %#x)", img.path, base, img.info.PreferredBase)

	if flags&LoadNoResolve != 0 {
		b.mu.Unlock()
		return Handle(base), nil
	}

	// Resolve imports registered with this backend; everything else is a
	// system module outside the simulation.
	var deps []string
	for _, name := range img.imports {
		if dep := b.lookup(name); dep != nil && b.mappingOf(dep) == nil {
			deps = append(deps, dep.path)
		}
	}
	attach := b.attach
	b.mu.Unlock()

	for _, dep := range deps {
		if _, err := b.Load(dep, LoadDefault); err != nil {
			b.unloadOne(base)
			return 0, fmt.Errorf("resolving %q: %w", path, err)
		}
	}
	if attach != nil {
		if err := attach(Handle(base), img.path); err != nil {
			b.unloadOne(base)
			return 0, err
		}
	}
	return Handle(base), nil
}

// Unload implements Host.
func (b *LocalBackend) Unload(h Handle) error {
	return b.unloadOne(uintptr(h))
}

func (b *LocalBackend) unloadOne(base uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.mappings[base]
	if !ok {
		return fmt.Errorf("no module at %#x", base)
	}
	m.refs--
	if m.refs <= 0 {
		delete(b.mappings, base)
		debugf("unmapped %s from %#x", m.img.path, base)
	}
	return nil
}

// Memory implements Host.
func (b *LocalBackend) Memory() dllfork.Memory {
	return dllfork.MemoryFunc(func(addr uintptr, p []byte) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		for base, m := range b.mappings {
			size := m.img.info.ImageSize
			if addr < base || addr+uintptr(len(p)) > base+size {
				continue
			}
			off := addr - base
			for i := range p {
				if off+uintptr(i) < uintptr(len(m.img.data)) {
					p[i] = m.img.data[off+uintptr(i)]
				} else {
					p[i] = 0
				}
			}
			return nil
		}
		return fmt.Errorf("read of unmapped memory at %#x", addr)
	})
}

// RefCount reports the loader's internal reference count for a handle, or
// zero when nothing is mapped there.
func (b *LocalBackend) RefCount(h Handle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.mappings[uintptr(h)]; ok {
		return m.refs
	}
	return 0
}

// Mappings returns a snapshot of the loaded modules, sorted by base.
func (b *LocalBackend) Mappings() []MappingInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]MappingInfo, 0, len(b.mappings))
	for _, m := range b.mappings {
		out = append(out, MappingInfo{
			Path:          m.img.path,
			Base:          m.base,
			PreferredBase: m.img.info.PreferredBase,
			Size:          m.img.info.ImageSize,
			Refs:          m.refs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// Reset empties the address space — mappings and reservations — while
// keeping registered images, like a freshly spawned process over the same
// filesystem. Fork rehearsals call this to stand in for the child.
func (b *LocalBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mappings = make(map[uintptr]*mapping)
	b.reserved = make(map[uintptr]reservation)
}

// RemoveImage deletes a registered image, like replacing a file on disk.
// Existing mappings of it stay valid.
func (b *LocalBackend) RemoveImage(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.images, strings.ToLower(path))
}

// Close drops all mappings and reports reservations nobody released.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for _, r := range b.reserved {
		err = multierr.Append(err, fmt.Errorf("leaked reservation at %#x (%d bytes)", r.base, r.size))
	}
	b.images = make(map[string]*image)
	b.mappings = make(map[uintptr]*mapping)
	b.reserved = make(map[uintptr]reservation)
	return err
}

// lookup finds an image by full path, or by base name when path carries no
// directory, mirroring the loader's search for linked modules.
func (b *LocalBackend) lookup(path string) *image {
	folded := strings.ToLower(path)
	if img, ok := b.images[folded]; ok {
		return img
	}
	if strings.ContainsAny(path, `\/`) {
		return nil
	}
	for _, img := range b.images {
		if strings.EqualFold(baseName(img.path), path) {
			return img
		}
	}
	return nil
}

func (b *LocalBackend) mappingOf(img *image) *mapping {
	for _, m := range b.mappings {
		if m.img == img {
			return m
		}
	}
	return nil
}

// place picks a base for img: the preferred base when free, otherwise the
// first free run (or a randomized slot in ASLR mode).
func (b *LocalBackend) place(img *image) (uintptr, bool) {
	size := img.info.ImageSize
	if pref := img.info.PreferredBase; pref != 0 && pref >= loadFloor &&
		pref%granularity == 0 && !b.overlaps(pref, size) {
		return pref, true
	}

	if b.aslr {
		for try := 0; try < 32; try++ {
			slot := uintptr(fastrand.Uint32n(aslrWindow/uint32(granularity)))
			cand := loadFloor + slot*granularity
			if cand+size <= addressTop && !b.overlaps(cand, size) {
				return cand, true
			}
		}
	}

	for cand := loadFloor; cand+size <= addressTop; cand += granularity {
		if !b.overlaps(cand, size) {
			return cand, true
		}
	}
	return 0, false
}

type interval struct{ lo, hi uintptr }

func (b *LocalBackend) intervals() []interval {
	out := make([]interval, 0, len(b.mappings)+len(b.reserved))
	for base, m := range b.mappings {
		out = append(out, interval{base, base + m.img.info.ImageSize})
	}
	for base, r := range b.reserved {
		out = append(out, interval{base, base + r.size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lo < out[j].lo })
	return out
}

func (b *LocalBackend) overlaps(addr, size uintptr) bool {
	for _, iv := range b.intervals() {
		if addr < iv.hi && iv.lo < addr+size {
			return true
		}
	}
	return false
}

// gapAround returns the bounds of the free run containing addr.
func (b *LocalBackend) gapAround(addr uintptr) (lo, hi uintptr) {
	lo, hi = 0, addressTop
	for _, iv := range b.intervals() {
		if iv.hi <= addr && iv.hi > lo {
			lo = iv.hi
		}
		if iv.lo > addr && iv.lo < hi {
			hi = iv.lo
		}
	}
	return lo, hi
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
