package registry

import (
	"strings"
	"testing"

	"github.com/coreos/go-semver/semver"

	"github.com/wippyai/dllfork/errors"
	"github.com/wippyai/dllfork/host"
	"github.com/wippyai/dllfork/pe"
)

type fakeRuntime struct {
	hdr       Header
	finalized []host.Handle
	relocated int
}

func (f *fakeRuntime) Finalize(h host.Handle) { f.finalized = append(f.finalized, h) }
func (f *fakeRuntime) Relocate(m *Meta) error { f.relocated++; return nil }
func (f *fakeRuntime) Header() Header         { return f.hdr }

// env wires a LocalBackend, a fake runtime and a registry together the way
// the process-init sequence does: the backend's attach callback is each
// module's entry stub.
type env struct {
	t     *testing.T
	be    *host.LocalBackend
	rt    *fakeRuntime
	reg   *Registry
	metas map[string]*Meta // keyed by folded base name
}

func newEnv(t *testing.T, opts ...host.Option) *env {
	t.Helper()
	e := &env{
		t:     t,
		be:    host.NewLocalBackend(opts...),
		metas: make(map[string]*Meta),
	}
	e.rt = &fakeRuntime{hdr: Header{
		API:       semver.New("3.5.0"),
		ImpurePtr: 0xfeed,
		Environ:   []string{"HOME=/home/corinna"},
	}}
	e.reg = New(e.be, e.rt)
	e.be.SetAttach(func(h host.Handle, path string) error {
		_, err := e.reg.Attach(h, e.meta(baseNameOf(path)))
		return err
	})
	return e
}

// meta returns the metadata block registered for a module, creating a
// plain compatible one on first use.
func (e *env) meta(name string) *Meta {
	key := strings.ToLower(name)
	if m, ok := e.metas[key]; ok {
		return m
	}
	m := &Meta{API: semver.New("3.5.0")}
	e.metas[key] = m
	return m
}

func (e *env) addImage(path string, pref, size uintptr, imports ...string) {
	e.t.Helper()
	img := pe.Build(pe.ImageSpec{PreferredBase: pref, ImageSize: size, Imports: imports})
	if err := e.be.RegisterImage(path, img); err != nil {
		e.t.Fatalf("RegisterImage(%s): %v", path, err)
	}
}

// open is the dlopen analog: a full host load, which fires entry stubs.
func (e *env) open(path string) *Record {
	e.t.Helper()
	if _, err := e.be.Load(path, host.LoadDefault); err != nil {
		e.t.Fatalf("Load(%s): %v", path, err)
	}
	d := e.reg.FindByPath(StripLongPath(path))
	if d == nil {
		e.t.Fatalf("no record for %s after load", path)
	}
	return d
}

func chainNames(r *Registry, f Filter) []string {
	var out []string
	r.ForEach(f, func(d *Record) bool {
		out = append(out, d.BaseName())
		return true
	})
	return out
}

// expectFatal runs fn and returns the error delivered to the fatal
// channel, failing the test if nothing fatal happened.
func expectFatal(t *testing.T, fn func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fatal error")
		}
		var ok bool
		if err, ok = r.(error); !ok {
			t.Fatalf("fatal channel got non-error %v", r)
		}
	}()
	fn()
	return nil
}

func TestStripLongPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`C:\cygwin64\bin\cygz.dll`, `C:\cygwin64\bin\cygz.dll`},
		{`\\?\C:\cygwin64\bin\cygz.dll`, `C:\cygwin64\bin\cygz.dll`},
		{`\\?\UNC\srv\share\cygz.dll`, `\\srv\share\cygz.dll`},
		{`\\srv\share\cygz.dll`, `\\srv\share\cygz.dll`},
	}
	for _, tt := range tests {
		got := StripLongPath(tt.in)
		if got != tt.want {
			t.Errorf("StripLongPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
		// Stripping is idempotent.
		if again := StripLongPath(got); again != got {
			t.Errorf("StripLongPath(%q) not idempotent: %q", got, again)
		}
	}
}

func TestAttachClassifiesByMode(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygwin1.dll`, 0x180040000, 0x50000)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)

	// During startup, loads are linked modules.
	linked := e.open(`C:\bin\cygwin1.dll`)
	if linked.Kind != Linked {
		t.Errorf("startup attach classified as %s", linked.Kind)
	}
	if e.reg.ReplayOnFork() {
		t.Error("linked module set replayOnFork")
	}

	// After init, loads are dynamic opens.
	e.reg.SetMode(ModeRunning)
	loaded := e.open(`C:\bin\cygz.dll`)
	if loaded.Kind != Loaded {
		t.Errorf("post-init attach classified as %s", loaded.Kind)
	}
	if !e.reg.ReplayOnFork() {
		t.Error("dynamic open did not set replayOnFork")
	}
	if got := e.reg.LoadedCount(); got != 1 {
		t.Errorf("LoadedCount = %d, want 1", got)
	}
}

func TestAttachFillsRuntimeSlots(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)

	var impure uintptr
	var environ []string
	m := e.meta("cygz.dll")
	m.Impure = &impure
	m.Environ = &environ

	e.open(`C:\bin\cygz.dll`)
	if impure != 0xfeed {
		t.Errorf("impure slot = %#x, want runtime's pointer", impure)
	}
	if e.rt.relocated != 1 {
		t.Errorf("pseudo-relocator ran %d times, want 1", e.rt.relocated)
	}

	environ = nil
	e.reg.SyncEnviron()
	if len(environ) != 1 || environ[0] != "HOME=/home/corinna" {
		t.Errorf("SyncEnviron left %v", environ)
	}
}

func TestAttachSanityMismatch(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.meta("cygz.dll").API = semver.New("4.0.0")

	err := expectFatal(t, func() { e.open(`C:\bin\cygz.dll`) })
	if !strings.Contains(err.Error(), "sanity_mismatch") {
		t.Errorf("fatal error = %v, want sanity mismatch", err)
	}
}

func TestAttachNewerMinorRejected(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.meta("cygz.dll").API = semver.New("3.9.0")

	expectFatal(t, func() { e.open(`C:\bin\cygz.dll`) })
}

func TestAttachEntryFailurePropagates(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.reg.SetMode(ModeRunning)

	e.meta("cygz.dll").Entry = func() error { return errTestEntry }

	_, err := e.be.Load(`C:\bin\cygz.dll`, host.LoadDefault)
	if err == nil {
		t.Fatal("dlopen succeeded despite failing entry")
	}
	// The failed load rolled the mapping back; the registry still holds
	// the record until the dlopen layer closes it, matching the caller
	// contract.
	if got := e.be.RefCount(host.Handle(0x3f0000)); got != 0 {
		t.Errorf("failed dlopen left mapping, refs=%d", got)
	}
}

func TestAttachHostedDynamically(t *testing.T) {
	be := host.NewLocalBackend()
	rt := &fakeRuntime{hdr: Header{API: semver.New("3.5.0")}}
	reg := New(be, rt, WithHostedDynamically())

	d, err := reg.Attach(host.Handle(0x10000), &Meta{})
	if err != nil || d != nil {
		t.Errorf("hosted-dynamically attach = (%v, %v), want sentinel success", d, err)
	}
}

func TestInsertIdempotentOnReplay(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.reg.SetMode(ModeRunning)
	d := e.open(`C:\bin\cygz.dll`)

	// Re-registering the same module (the fork replay situation) returns
	// the existing record with refreshed metadata and leaves ordering and
	// counts alone.
	e.reg.SetMode(ModeForkReplay)
	fresh := &Meta{API: semver.New("3.5.0")}
	again, err := e.reg.Insert(d.Handle, fresh, Loaded)
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if again != d {
		t.Error("replay insert created a second record")
	}
	if d.Meta != fresh {
		t.Error("replay insert did not refresh metadata")
	}
	if got := e.reg.LoadedCount(); got != 1 {
		t.Errorf("LoadedCount = %d after replay insert, want 1", got)
	}
}

func TestInsertHandleMismatchFatal(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.reg.SetMode(ModeRunning)
	e.open(`C:\bin\cygz.dll`)

	// Fork: the child's loader puts the module somewhere else.
	e.be.Reset()
	if err := e.be.Reserve(0x3f0000, 0x20000); err != nil {
		t.Fatal(err)
	}
	e.reg.SetMode(ModeForkReplay)

	err := expectFatal(t, func() { e.be.Load(`C:\bin\cygz.dll`, host.LoadDefault) })
	if !strings.Contains(err.Error(), "handle_mismatch") {
		t.Errorf("fatal = %v, want handle mismatch", err)
	}
}

func TestInsertImageMismatchFatal(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.meta("cygz.dll").DataStart = 0x3f1000
	e.meta("cygz.dll").DataEnd = 0x3f2000
	e.open(`C:\bin\cygz.dll`) // linked, during startup

	// Fork: same basename resolves to a different image in another
	// directory, which happens to land at the same address.
	e.be.Reset()
	e.be.RemoveImage(`C:\bin\cygz.dll`)
	e.addImage(`C:\other\cygz.dll`, 0x3f0000, 0x20000)
	e.metas["cygz.dll"] = &Meta{API: semver.New("3.5.0"), DataStart: 0x999000}
	e.reg.SetMode(ModeForkInit)

	err := expectFatal(t, func() { e.be.Load(`C:\other\cygz.dll`, host.LoadDefault) })
	msg := err.Error()
	if !strings.Contains(msg, `C:\bin\cygz.dll`) || !strings.Contains(msg, `C:\other\cygz.dll`) {
		t.Errorf("diagnostic does not name both paths: %v", msg)
	}
}

func TestLongPathStrippedOnInsert(t *testing.T) {
	e := newEnv(t, host.WithLongPaths())
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)

	d := e.open(`C:\bin\cygz.dll`)
	if strings.HasPrefix(d.FullPath, `\\?\`) {
		t.Errorf("record path kept long-path prefix: %q", d.FullPath)
	}
	if d.BaseName() != "cygz.dll" {
		t.Errorf("BaseName = %q", d.BaseName())
	}
}

func TestUniqueHandles(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygwin1.dll`, 0x180040000, 0x50000)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.open(`C:\bin\cygwin1.dll`)
	e.open(`C:\bin\cygz.dll`)

	seen := make(map[host.Handle]string)
	e.reg.ForEach(FilterAny, func(d *Record) bool {
		if prev, ok := seen[d.Handle]; ok {
			t.Errorf("handle %#x shared by %s and %s", uintptr(d.Handle), prev, d.BaseName())
		}
		seen[d.Handle] = d.BaseName()
		return true
	})
}

func TestDetach(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.reg.SetMode(ModeRunning)

	var dtorRan bool
	m := e.meta("cygz.dll")
	m.Dtors = []func(){nil, func() { dtorRan = true }}

	d := e.open(`C:\bin\cygz.dll`)
	e.reg.Detach(uintptr(d.Handle) + 0x1234)

	if !dtorRan {
		t.Error("detach did not run destructors")
	}
	if len(e.rt.finalized) != 1 || e.rt.finalized[0] != d.Handle {
		t.Errorf("finalizer calls = %v", e.rt.finalized)
	}
	if e.reg.FindByPath(`C:\bin\cygz.dll`) != nil {
		t.Error("record still chained after detach")
	}
	if got := e.reg.LoadedCount(); got != 0 {
		t.Errorf("LoadedCount = %d after detach", got)
	}
}

func TestDetachSkippedWhileForked(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.reg.SetMode(ModeRunning)

	var dtorRan bool
	e.meta("cygz.dll").Dtors = []func(){nil, func() { dtorRan = true }}
	d := e.open(`C:\bin\cygz.dll`)

	e.reg.SetMode(ModeForkInit)
	e.reg.Detach(uintptr(d.Handle))
	if dtorRan {
		t.Error("detach ran destructors during fork processing")
	}
	if e.reg.FindByPath(`C:\bin\cygz.dll`) == nil {
		t.Error("forked detach removed the record")
	}
}

func TestDetachWhileExitingSkipsFinalizer(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.reg.SetMode(ModeRunning)
	d := e.open(`C:\bin\cygz.dll`)

	e.reg.SetExiting()
	e.reg.Detach(uintptr(d.Handle))
	if len(e.rt.finalized) != 0 {
		t.Errorf("finalizer ran during exit: %v", e.rt.finalized)
	}
}

func TestRefUnref(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000)
	e.reg.SetMode(ModeRunning)
	d := e.open(`C:\bin\cygz.dll`)

	e.reg.Ref(d)
	if d.RefCount != 2 {
		t.Errorf("RefCount = %d, want 2", d.RefCount)
	}
	if left := e.reg.Unref(d); left != 1 {
		t.Errorf("Unref = %d, want 1", left)
	}
}

var errTestEntry = errors.New(errors.PhaseStartup, errors.KindEntryFailed).Detail("boom").Build()
