package leaf

import "github.com/nerrad567/gray-logic-identity/internal/message"

// messageCache is the ordered per-device buffer of telemetry held while
// registration is pending. It is not safe for concurrent use on its own;
// the owning Record's mutex guards it.
type messageCache struct {
	items []*message.Message
	limit int // 0 means unbounded
}

func newMessageCache(limit int) *messageCache {
	if limit < 0 {
		limit = 0
	}
	return &messageCache{limit: limit}
}

// push appends msg. When the buffer is full the oldest message is evicted
// and push reports true.
func (c *messageCache) push(msg *message.Message) (evicted bool) {
	if c.limit > 0 && len(c.items) >= c.limit {
		c.items[0] = nil
		c.items = c.items[1:]
		evicted = true
	}
	c.items = append(c.items, msg)
	return evicted
}

// drain returns the buffered messages in arrival order and empties the cache.
func (c *messageCache) drain() []*message.Message {
	items := c.items
	c.items = nil
	return items
}

func (c *messageCache) len() int {
	return len(c.items)
}
