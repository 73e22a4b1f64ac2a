package hub

import (
	"sync"
	"time"
)

type registration int

const (
	notRegistered registration = iota
	unestablished
	established
	aborted
)

// registry partitions the server's handlers into unestablished (handshake in
// progress), established and aborted (kept briefly so a reconnect can resume).
// A client id is in at most one partition; every move happens under one lock.
type registry struct {
	mu            sync.RWMutex
	unestablished map[*Handler]struct{}
	established   map[int32]*Handler
	aborted       map[int32]*Handler
}

func newRegistry() *registry {
	return &registry{
		unestablished: make(map[*Handler]struct{}),
		established:   make(map[int32]*Handler),
		aborted:       make(map[int32]*Handler),
	}
}

func (r *registry) addUnestablished(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unestablished[h] = struct{}{}
}

func (r *registry) markEstablished(h *Handler) {
	id := h.ClientID()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unestablished, h)
	delete(r.aborted, id)
	r.established[id] = h
}

// abort moves h to the aborted partition. A handler that never got a client id
// has nothing to resume and is simply dropped.
func (r *registry) abort(h *Handler) {
	id := h.ClientID()
	r.mu.Lock()
	defer r.mu.Unlock()
	_, wasUnestablished := r.unestablished[h]
	delete(r.unestablished, h)
	if cur, ok := r.established[id]; ok && cur == h {
		delete(r.established, id)
		r.aborted[id] = h
		return
	}
	if wasUnestablished && id != 0 {
		r.aborted[id] = h
	}
}

// remove forgets h entirely, as after a clean client shutdown.
func (r *registry) remove(h *Handler) {
	id := h.ClientID()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unestablished, h)
	if cur, ok := r.established[id]; ok && cur == h {
		delete(r.established, id)
	}
	if cur, ok := r.aborted[id]; ok && cur == h {
		delete(r.aborted, id)
	}
}

func (r *registry) removeAborted(h *Handler) {
	id := h.ClientID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.aborted[id]; ok && cur == h {
		delete(r.aborted, id)
	}
}

func (r *registry) lookup(clientID int32) (*Handler, registration) {
	if clientID == 0 {
		return nil, notRegistered
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.aborted[clientID]; ok {
		return h, aborted
	}
	if h, ok := r.established[clientID]; ok {
		return h, established
	}
	for h := range r.unestablished {
		if h.ClientID() == clientID {
			return h, unestablished
		}
	}
	return nil, notRegistered
}

func (r *registry) abortedHandler(clientID int32) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aborted[clientID]
}

// all returns every registered handler, in no particular order.
func (r *registry) all() []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handler, 0, len(r.unestablished)+len(r.established)+len(r.aborted))
	for h := range r.unestablished {
		out = append(out, h)
	}
	for _, h := range r.established {
		out = append(out, h)
	}
	for _, h := range r.aborted {
		out = append(out, h)
	}
	return out
}

func (r *registry) establishedHandlers() []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handler, 0, len(r.established))
	for _, h := range r.established {
		out = append(out, h)
	}
	return out
}

func (r *registry) counts() (unest, est, abrt int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.unestablished), len(r.established), len(r.aborted)
}

// evict drops handlers that never finished their handshake, and aborted
// handlers nobody came back for, once they are older than maxAge. The
// unestablished ones are returned so their sockets can be closed.
func (r *registry) evict(now time.Time, maxAge time.Duration) (stale []*Handler, purged int) {
	cutoff := now.Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	for h := range r.unestablished {
		if h.startTime.Before(cutoff) {
			delete(r.unestablished, h)
			stale = append(stale, h)
		}
	}
	for id, h := range r.aborted {
		if h.AbortTime().Before(cutoff) {
			delete(r.aborted, id)
			purged++
		}
	}
	return stale, purged
}
