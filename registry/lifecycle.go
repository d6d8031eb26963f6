package registry

// RunCtors invokes the module's global constructors. The table is walked
// backwards — last registered runs first — and slot 0 is reserved, so the
// pass covers indices n-1 down through 1.
func (m *Meta) RunCtors() {
	if len(m.Ctors) == 0 {
		return
	}
	n := len(m.Ctors)
	for i := 1; i < len(m.Ctors); i++ {
		if m.Ctors[i] == nil {
			n = i
			break
		}
	}
	for j := n - 1; j > 0; j-- {
		m.Ctors[j]()
	}
}

// RunDtors invokes the module's global destructors in table order,
// starting past the reserved slot 0 and stopping at the first nil entry.
func (m *Meta) RunDtors() {
	for i := 1; i < len(m.Dtors); i++ {
		if m.Dtors[i] == nil {
			return
		}
		m.Dtors[i]()
	}
}
