package rtclient

import (
	"encoding/json"

	"taskpulse/internal/core/domain"
)

// Subscription identifies one registered callback so it can be removed
// individually.
type Subscription struct {
	m     *Manager
	event string
	id    int
}

// Remove deregisters this callback. When it was the event's last one, the
// event's dispatcher is uninstalled.
func (s Subscription) Remove() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	set := s.m.listeners[s.event]
	delete(set, s.id)
	if len(set) == 0 {
		delete(s.m.listeners, s.event)
	}
}

// On registers a callback for an event name. The first callback for a name
// installs that name's transport dispatcher; later ones share it.
func (m *Manager) On(event string, fn Handler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[event] == nil {
		m.listeners[event] = make(map[int]Handler)
	}
	m.nextID++
	m.listeners[event][m.nextID] = fn
	return Subscription{m: m, event: event, id: m.nextID}
}

// Off removes every callback for an event and uninstalls its dispatcher.
func (m *Manager) Off(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, event)
}

// dispatch routes one inbound frame to the callbacks registered for its
// event name. A frame from a stale generation is dropped before any
// callback runs.
func (m *Manager) dispatch(gen int, raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.log.Warn("rtclient - dispatch - undecodable frame")
		return
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	set := m.listeners[env.Event]
	handlers := make([]Handler, 0, len(set))
	for _, fn := range set {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(env.Data)
	}
}

// dispatcherCount reports how many transport dispatchers are installed.
func (m *Manager) dispatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
