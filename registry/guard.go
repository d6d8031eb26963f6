package registry

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// guard is a reentrant mutex. The host loader re-enters the registry from
// module entry stubs while the calling thread is already inside a registry
// operation, so a plain mutex would self-deadlock. Ownership is tracked by
// goroutine id; acquiring while owning just deepens the hold.
type guard struct {
	mu    sync.Mutex
	owner atomic.Uint64
	depth int
}

func (g *guard) lock() {
	id := goid()
	if g.owner.Load() == id {
		g.depth++
		return
	}
	g.mu.Lock()
	g.owner.Store(id)
	g.depth = 1
}

func (g *guard) unlock() {
	if g.depth--; g.depth > 0 {
		return
	}
	g.owner.Store(0)
	g.mu.Unlock()
}

// goid extracts the current goroutine's id from the runtime stack header
// ("goroutine N [running]:"). Ids start at 1, so zero is free to mean
// unowned.
func goid() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for _, c := range buf[10:n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
