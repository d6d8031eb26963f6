package registry

import (
	"reflect"
	"testing"
)

func TestRunCtorsReverseOrder(t *testing.T) {
	var ran []int
	mark := func(n int) func() { return func() { ran = append(ran, n) } }

	// Slot 0 is reserved and must never run.
	m := &Meta{Ctors: []func(){mark(0), mark(1), mark(2), mark(3)}}
	m.RunCtors()

	if !reflect.DeepEqual(ran, []int{3, 2, 1}) {
		t.Errorf("ctor order = %v, want [3 2 1]", ran)
	}
}

func TestRunCtorsStopsAtNil(t *testing.T) {
	var ran []int
	mark := func(n int) func() { return func() { ran = append(ran, n) } }

	m := &Meta{Ctors: []func(){mark(0), mark(1), mark(2), nil, mark(4)}}
	m.RunCtors()

	if !reflect.DeepEqual(ran, []int{2, 1}) {
		t.Errorf("ctor order = %v, want [2 1]", ran)
	}
}

func TestRunCtorsEmpty(t *testing.T) {
	(&Meta{}).RunCtors()
	(&Meta{Ctors: []func(){nil}}).RunCtors()
}

func TestRunDtorsForwardOrder(t *testing.T) {
	var ran []int
	mark := func(n int) func() { return func() { ran = append(ran, n) } }

	m := &Meta{Dtors: []func(){mark(0), mark(1), mark(2), nil, mark(4)}}
	m.RunDtors()

	if !reflect.DeepEqual(ran, []int{1, 2}) {
		t.Errorf("dtor order = %v, want [1 2]", ran)
	}
}

func TestInitializeLinkedRunsCtorsAndEntry(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygwin1.dll`, 0x180040000, 0x50000)

	var trace []string
	m := e.meta("cygwin1.dll")
	m.Ctors = []func(){nil, func() { trace = append(trace, "ctor") }}
	m.Entry = func() error { trace = append(trace, "entry"); return nil }

	e.open(`C:\bin\cygwin1.dll`)
	if len(trace) != 0 {
		t.Fatalf("linked module initialized at attach: %v", trace)
	}

	e.reg.InitializeLinked()
	if !reflect.DeepEqual(trace, []string{"ctor", "entry"}) {
		t.Errorf("init trace = %v, want [ctor entry]", trace)
	}
}

func TestInitSkippedInForkedChild(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\cygwin1.dll`, 0x180040000, 0x50000)

	var ran bool
	e.meta("cygwin1.dll").Ctors = []func(){nil, func() { ran = true }}

	e.reg.SetMode(ModeForkInit)
	e.open(`C:\bin\cygwin1.dll`)
	e.reg.InitializeLinked()

	if ran {
		t.Error("forked child ran constructors; the parent's side effects already arrived with the copied data")
	}
}

func TestShutdownReverseRegistrationOrder(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\one.dll`, 0x400000, 0x10000)
	e.addImage(`C:\bin\two.dll`, 0x500000, 0x10000)
	e.addImage(`C:\bin\three.dll`, 0x600000, 0x10000)

	var order []string
	for _, name := range []string{"one.dll", "two.dll", "three.dll"} {
		name := name
		e.meta(name).Dtors = []func(){nil, func() { order = append(order, name) }}
	}

	e.open(`C:\bin\one.dll`)
	e.open(`C:\bin\two.dll`)
	e.open(`C:\bin\three.dll`)
	e.reg.InitializeLinked()
	e.reg.SetMode(ModeRunning)

	e.reg.Shutdown()
	want := []string{"three.dll", "two.dll", "one.dll"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("exit dtor order = %v, want %v", order, want)
	}

	// A second pass has nothing recorded and stays quiet.
	order = nil
	e.reg.Shutdown()
	if len(order) != 0 {
		t.Errorf("second shutdown ran destructors again: %v", order)
	}
}

func TestShutdownSkippedWhenForked(t *testing.T) {
	e := newEnv(t)
	e.addImage(`C:\bin\one.dll`, 0x400000, 0x10000)

	var ran bool
	e.meta("one.dll").Dtors = []func(){nil, func() { ran = true }}
	e.open(`C:\bin\one.dll`)
	e.reg.InitializeLinked()

	e.reg.SetMode(ModeForkInit)
	e.reg.Shutdown()
	if ran {
		t.Error("forked child ran exit destructors")
	}
}

func TestShutdownWithoutModules(t *testing.T) {
	e := newEnv(t)
	e.reg.InitializeLinked()
	e.reg.SetMode(ModeRunning)
	e.reg.Shutdown() // must not panic, nothing recorded
}
