package sync

import (
	"context"
	stdsync "sync"
	"time"
)

// Handle identifies one live sync run. Cancel stops the run between
// suspension points; the checkpoint row keeps whatever was persisted.
type Handle struct {
	SyncID      string
	ChatJID     string
	MaxMessages int
	StartedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func (h *Handle) Cancel() { h.cancel() }

// Registry tracks which chats have a sync in flight. It is the sole
// duplicate-run guard: the checkpoint table is not consulted for liveness,
// only this map is.
type Registry struct {
	mu     stdsync.Mutex
	active map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Handle)}
}

// TryInsert registers h for its chat. It returns false, without replacing
// the existing handle, when the chat already has a run in flight.
func (r *Registry) TryInsert(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[h.ChatJID]; ok {
		return false
	}
	r.active[h.ChatJID] = h
	return true
}

func (r *Registry) Remove(chatJID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, chatJID)
}

func (r *Registry) Get(chatJID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[chatJID]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveJIDs returns the chats with a run in flight, in no particular order.
func (r *Registry) ActiveJIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	jids := make([]string, 0, len(r.active))
	for jid := range r.active {
		jids = append(jids, jid)
	}
	return jids
}
