package connection

// Listener is told about every actual state change. It runs on the goroutine
// that decided the state (the worker, or the health probe in health-check
// mode) and delays its next run, so slow work belongs elsewhere.
type Listener interface {
	StateChanged(from, to State)
}

type ListenerFunc func(from, to State)

func (f ListenerFunc) StateChanged(from, to State) { f(from, to) }

// ListenerID identifies a registration for RemoveListener.
type ListenerID uint64

type registration struct {
	id       ListenerID
	listener Listener
}

// AddListener registers l. The registry is copy-on-write so notification
// never holds a lock.
func (m *Manager) AddListener(l Listener) ListenerID {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	m.nextID++
	id := m.nextID

	var current []registration
	if p := m.listeners.Load(); p != nil {
		current = *p
	}
	next := make([]registration, len(current), len(current)+1)
	copy(next, current)
	next = append(next, registration{id: id, listener: l})
	m.listeners.Store(&next)

	return id
}

// RemoveListener unregisters id and reports whether it was registered.
func (m *Manager) RemoveListener(id ListenerID) bool {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	p := m.listeners.Load()
	if p == nil {
		return false
	}
	current := *p
	for i, r := range current {
		if r.id != id {
			continue
		}
		next := make([]registration, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		m.listeners.Store(&next)
		return true
	}
	return false
}

func (m *Manager) notify(from, to State) {
	p := m.listeners.Load()
	if p == nil {
		return
	}
	for _, r := range *p {
		m.deliver(r, from, to)
	}
}

func (m *Manager) deliver(r registration, from, to State) {
	defer func() {
		if v := recover(); v != nil {
			m.logger.Error("Listener panicked",
				"manager", m.name,
				"listener", uint64(r.id),
				"panic", v)
		}
	}()
	r.listener.StateChanged(from, to)
}
