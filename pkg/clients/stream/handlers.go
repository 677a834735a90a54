package stream

import (
	"sync"

	"rendernet/pkg/api/stream"
)

// Handler receives one event. A returned error is logged; it does not stop
// delivery to other handlers.
type Handler func(event stream.Event) error

// HandlerID identifies a registration. Go funcs are not comparable, so the id is
// the handler's identity for removal.
type HandlerID uint64

type registration struct {
	id      HandlerID
	handler Handler
}

// registry holds typed and wildcard handlers. Registration order is the id order.
type registry struct {
	mu     sync.RWMutex
	nextID HandlerID
	byType map[stream.EventType][]registration
	all    []registration
}

func newRegistry() *registry {
	return &registry{byType: make(map[stream.EventType][]registration)}
}

func (r *registry) add(eventType stream.EventType, h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.byType[eventType] = append(r.byType[eventType], registration{id: r.nextID, handler: h})
	return r.nextID
}

func (r *registry) addAll(h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.all = append(r.all, registration{id: r.nextID, handler: h})
	return r.nextID
}

func (r *registry) remove(eventType stream.EventType, id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs, ok := r.byType[eventType]
	if !ok {
		return false
	}
	next, removed := without(regs, id)
	if !removed {
		return false
	}
	if len(next) == 0 {
		delete(r.byType, eventType)
	} else {
		r.byType[eventType] = next
	}
	return true
}

func (r *registry) removeAll(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, removed := without(r.all, id)
	r.all = next
	return removed
}

// without returns a fresh slice so snapshots handed out earlier stay intact.
func without(regs []registration, id HandlerID) ([]registration, bool) {
	for i, reg := range regs {
		if reg.id == id {
			out := make([]registration, 0, len(regs)-1)
			out = append(out, regs[:i]...)
			return append(out, regs[i+1:]...), true
		}
	}
	return regs, false
}

// snapshot returns the handlers for eventType merged with the wildcard handlers,
// in registration order. Later changes to the registry do not affect it.
func (r *registry) snapshot(eventType stream.EventType) []registration {
	r.mu.RLock()
	typed := r.byType[eventType]
	all := r.all
	r.mu.RUnlock()

	out := make([]registration, 0, len(typed)+len(all))
	i, j := 0, 0
	for i < len(typed) && j < len(all) {
		if typed[i].id < all[j].id {
			out = append(out, typed[i])
			i++
		} else {
			out = append(out, all[j])
			j++
		}
	}
	out = append(out, typed[i:]...)
	return append(out, all[j:]...)
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.all)
	for _, regs := range r.byType {
		n += len(regs)
	}
	return n
}
