package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory group channels and provides stable channel handles.
// It is intentionally minimal: persistence lives behind MessageStore/GroupStore.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]*GroupChannel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		channels: make(map[string]*GroupChannel),
	}
}

// GetOrCreate returns a stable in-memory channel handle for groupID.
func (h *Hub) GetOrCreate(groupID string) *GroupChannel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.channels[groupID]; ok {
		return c
	}

	c := NewGroupChannel(h.log, groupID)
	h.channels[groupID] = c
	return c
}

// Get returns the channel for groupID if one exists.
func (h *Hub) Get(groupID string) (*GroupChannel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.channels[groupID]
	return c, ok
}
