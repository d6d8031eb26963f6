package registry

import (
	"reflect"
	"testing"

	"github.com/wippyai/dllfork/host"
)

func TestSortImportEdge(t *testing.T) {
	// libA imports libB: after the sort, libB comes first.
	e := newEnv(t)
	e.addImage(`C:\bin\libA.dll`, 0x400000, 0x20000, "libB.dll")
	e.addImage(`C:\bin\libB.dll`, 0x500000, 0x20000)
	e.open(`C:\bin\libA.dll`) // pulls libB in as a dependency

	// Registration order is already libB (resolved first), then libA; the
	// sort must keep it. The reversed registration is covered by
	// TestSortImportEdgeReversedRegistration.
	got := chainNames(e.reg, FilterAny)
	if !reflect.DeepEqual(got, []string{"libB.dll", "libA.dll"}) {
		t.Fatalf("setup order = %v", got)
	}

	e.reg.TopSort()
	got = chainNames(e.reg, FilterAny)
	if !reflect.DeepEqual(got, []string{"libB.dll", "libA.dll"}) {
		t.Errorf("order after sort = %v, want [libB.dll libA.dll]", got)
	}
}

func TestSortImportEdgeReversedRegistration(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\libA.dll`, 0x400000, 0x20000, "libB.dll")
	e.addImage(`C:\bin\libB.dll`, 0x500000, 0x20000)

	// Register the importer first: the sort has to move libB ahead.
	if _, err := e.reg.Attach(mustLoadNoAttach(t, e, `C:\bin\libA.dll`), e.meta("libA.dll")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.reg.Attach(mustLoadNoAttach(t, e, `C:\bin\libB.dll`), e.meta("libB.dll")); err != nil {
		t.Fatal(err)
	}

	e.reg.TopSort()
	got := chainNames(e.reg, FilterAny)
	if !reflect.DeepEqual(got, []string{"libB.dll", "libA.dll"}) {
		t.Errorf("order after sort = %v, want [libB.dll libA.dll]", got)
	}
}

func TestSortPreservesOpeningOrder(t *testing.T) {
	// Three dynamic opens with no import edges keep their opening order:
	// each is chained to all previously opened ones.
	e := newEnv(t)
	e.addImage(`C:\bin\x.dll`, 0x400000, 0x10000)
	e.addImage(`C:\bin\y.dll`, 0x500000, 0x10000)
	e.addImage(`C:\bin\z.dll`, 0x600000, 0x10000)
	e.reg.SetMode(ModeRunning)
	e.open(`C:\bin\x.dll`)
	e.open(`C:\bin\y.dll`)
	e.open(`C:\bin\z.dll`)

	e.reg.TopSort()
	got := chainNames(e.reg, FilterLoaded)
	if !reflect.DeepEqual(got, []string{"x.dll", "y.dll", "z.dll"}) {
		t.Errorf("order after sort = %v, want opening order", got)
	}
}

func TestSortDiamond(t *testing.T) {
	// D -> B -> A, D -> C -> A. The sort must put A first, D last, and be
	// deterministic for a given registration order.
	e := newEnv(t)
	e.addImage(`C:\bin\a.dll`, 0x400000, 0x10000)
	e.addImage(`C:\bin\b.dll`, 0x500000, 0x10000, "a.dll")
	e.addImage(`C:\bin\c.dll`, 0x600000, 0x10000, "a.dll")
	e.addImage(`C:\bin\d.dll`, 0x700000, 0x10000, "b.dll", "c.dll")
	e.open(`C:\bin\d.dll`)

	e.reg.TopSort()
	first := chainNames(e.reg, FilterAny)

	pos := make(map[string]int)
	for i, n := range first {
		pos[n] = i
	}
	if pos["a.dll"] > pos["b.dll"] || pos["a.dll"] > pos["c.dll"] {
		t.Errorf("a.dll not before its dependents: %v", first)
	}
	if pos["d.dll"] != len(first)-1 {
		t.Errorf("d.dll not last: %v", first)
	}

	// Deterministic: sorting again reproduces the same linearization.
	e.reg.TopSort()
	if again := chainNames(e.reg, FilterAny); !reflect.DeepEqual(again, first) {
		t.Errorf("second sort gave %v, first gave %v", again, first)
	}
}

func TestSortCycleTerminates(t *testing.T) {
	// P imports Q and Q imports P. The sort must terminate with both
	// present, order deterministic.
	e := newEnv(t)
	e.addImage(`C:\bin\p.dll`, 0x400000, 0x10000, "q.dll")
	e.addImage(`C:\bin\q.dll`, 0x500000, 0x10000, "p.dll")
	e.open(`C:\bin\p.dll`)

	e.reg.TopSort()
	got := chainNames(e.reg, FilterAny)
	if len(got) != 2 {
		t.Fatalf("sort lost records: %v", got)
	}
	valid := reflect.DeepEqual(got, []string{"p.dll", "q.dll"}) ||
		reflect.DeepEqual(got, []string{"q.dll", "p.dll"})
	if !valid {
		t.Errorf("unexpected order %v", got)
	}
}

func TestSortMixedLinkedAndLoaded(t *testing.T) {
	// A linked runtime module imported by dynamic opens sorts ahead of
	// them; the opens keep their mutual order.
	e := newEnv(t)
	e.addImage(`C:\bin\cygwin1.dll`, 0x180040000, 0x50000)
	e.addImage(`C:\bin\cygz.dll`, 0x3f0000, 0x20000, "cygwin1.dll")
	e.addImage(`C:\bin\cygssl.dll`, 0x450000, 0x30000, "cygwin1.dll")
	e.open(`C:\bin\cygwin1.dll`)
	e.reg.SetMode(ModeRunning)
	e.open(`C:\bin\cygssl.dll`)
	e.open(`C:\bin\cygz.dll`)

	e.reg.TopSort()
	got := chainNames(e.reg, FilterAny)
	want := []string{"cygwin1.dll", "cygssl.dll", "cygz.dll"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order after sort = %v, want %v", got, want)
	}
}

func TestSortClearsScratchState(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\libA.dll`, 0x400000, 0x20000, "libB.dll")
	e.addImage(`C:\bin\libB.dll`, 0x500000, 0x20000)
	e.open(`C:\bin\libA.dll`)

	e.reg.TopSort()
	e.reg.ForEach(FilterAny, func(d *Record) bool {
		if d.deps != nil || d.state != depUnknown {
			t.Errorf("%s kept sort scratch: deps=%v state=%d", d.BaseName(), d.deps, d.state)
		}
		return true
	})
}

func TestSortEmptyRegistry(t *testing.T) {
	e := newEnv(t)
	e.reg.TopSort() // must not panic
	if got := chainNames(e.reg, FilterAny); len(got) != 0 {
		t.Errorf("empty registry grew records: %v", got)
	}
}

// mustLoadNoAttach maps a module without firing the attach callback, so a
// test can control registration order by hand.
func mustLoadNoAttach(t *testing.T, e *env, path string) host.Handle {
	t.Helper()
	h, err := e.be.Load(path, host.LoadNoResolve)
	if err != nil {
		t.Fatalf("Load(%s): %v", path, err)
	}
	return h
}
