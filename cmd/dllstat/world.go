package main

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
	"go.uber.org/zap"

	"github.com/wippyai/dllfork/host"
	"github.com/wippyai/dllfork/registry"
	"github.com/wippyai/dllfork/replay"
)

// world is a simulated process built from a directory of DLLs: every
// module materialized into the in-memory host, dlopened, and registered.
type world struct {
	be  *host.LocalBackend
	reg *registry.Registry
}

// toolRuntime satisfies the registry's runtime contract with no-ops; the
// tool never executes module code.
type toolRuntime struct{}

func (toolRuntime) Finalize(h host.Handle)          {}
func (toolRuntime) Relocate(m *registry.Meta) error { return nil }
func (toolRuntime) Header() registry.Header {
	return registry.Header{API: nil}
}

// buildWorld registers the directory's DLLs with a fresh simulated host
// and dlopens each one, yielding a populated registry.
func buildWorld(dir string, log *zap.Logger) (*world, error) {
	registry.SetLogger(log)
	replay.SetLogger(log)
	host.SetLogger(log)

	mods, errs := scanDir(dir)
	if len(mods) == 0 {
		if errs != nil {
			return nil, errs
		}
		return nil, fmt.Errorf("no DLLs under %s", dir)
	}

	w := &world{be: host.NewLocalBackend()}
	w.reg = registry.New(w.be, toolRuntime{}, registry.WithFatal(func(err error) {
		panic(err)
	}))
	w.be.SetAttach(func(h host.Handle, path string) error {
		_, err := w.reg.Attach(h, &registry.Meta{API: semver.New("0.0.0")})
		return err
	})

	for _, m := range mods {
		if err := w.be.RegisterImage(m.path, m.view.ImageBytes()); err != nil {
			return nil, err
		}
	}

	// Everything is a dynamic open here; the tool has no linked phase.
	w.reg.SetMode(registry.ModeRunning)
	for _, m := range mods {
		if _, err := w.be.Load(m.path, host.LoadDefault); err != nil {
			return nil, fmt.Errorf("load %s: %w", m.path, err)
		}
	}
	return w, nil
}

// rehearse sorts the registry, forks the simulated process, and replays
// the modules into the child, reporting each module's landing address.
func (w *world) rehearse() (report []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("replay aborted: %v", r)
		}
	}()

	w.reg.TopSort()
	w.be.Reset()
	w.reg.SetMode(registry.ModeForkInit)

	eng := replay.New(w.reg, w.be)
	eng.ReserveAll()
	eng.LoadAfterFork()

	w.reg.ForEach(registry.FilterLoaded, func(d *registry.Record) bool {
		refs := w.be.RefCount(d.Handle)
		report = append(report, fmt.Sprintf("%s at %#x (refs %d)", d.BaseName(), uintptr(d.Handle), refs))
		if refs == 0 {
			err = fmt.Errorf("%s missing from child at %#x", d.BaseName(), uintptr(d.Handle))
		}
		return true
	})
	return report, err
}

func (w *world) close() {
	if err := w.be.Close(); err != nil {
		fmt.Println(dimStyle.Render(err.Error()))
	}
}
