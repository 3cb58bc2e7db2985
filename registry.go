package testserver

import "sync"

// readyPorts records ports that reached a ready state in this process, so
// that a second Orchestrator for the same port returns at once instead of
// contending for the mutex and polling.
var readyPorts = &portRegistry{ports: make(map[int]*ServerHandle)}

type portRegistry struct {
	mu    sync.Mutex
	ports map[int]*ServerHandle
}

// lookup returns the handle that made port ready, if any
func (r *portRegistry) lookup(port int) (*ServerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.ports[port]
	return h, ok
}

// record marks port ready. An owner's entry is never replaced by a non-owner's.
func (r *portRegistry) record(h *ServerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.ports[h.port]; ok && cur.owner && !h.owner {
		return
	}
	r.ports[h.port] = h
}

// forget clears port if h is the handle that recorded it, or if h owned the
// server, since an owner's stop takes the server away for everyone.
func (r *portRegistry) forget(h *ServerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.ports[h.port]; ok && (cur == h || h.owner) {
		delete(r.ports, h.port)
	}
}
