package engine

import (
	"container/list"
	"sync"

	"github.com/nagare-ai/nagare/internal/model"
)

// dedupCache is a bounded LRU of recently seen inbound messages. It guards
// against duplicate webhook deliveries and keeps the original message around
// so a draft can be regenerated for it later.
type dedupCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List               // front = most recent
	items map[string]*list.Element // message ID -> element holding model.InboundMessage
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 500
	}
	return &dedupCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Seen records msg and reports whether its ID was already present. A repeat
// sighting refreshes the entry's recency.
func (c *dedupCache) Seen(msg model.InboundMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[msg.ID]; ok {
		c.order.MoveToFront(el)
		return true
	}

	c.items[msg.ID] = c.order.PushFront(msg)
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(model.InboundMessage).ID)
	}
	return false
}

// Remove evicts a message by ID and returns it, allowing reprocessing.
func (c *dedupCache) Remove(id string) (model.InboundMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return model.InboundMessage{}, false
	}
	c.order.Remove(el)
	delete(c.items, id)
	return el.Value.(model.InboundMessage), true
}

// Len returns the number of cached messages.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
