package relay

import (
	"encoding/json"

	"github.com/ent0n29/mouthpiece/internal/protocol"
)

// Stateful message types worth replaying to late joiners. Everything else is
// ephemeral and would only confuse a fresh UI.
var replayableTypes = map[protocol.MessageType]struct{}{
	protocol.TypeOperatorState:            {},
	protocol.TypeOperatorTerminalSnapshot: {},
	protocol.TypeOperatorPrompt:           {},
	protocol.TypeOperatorAck:              {},
	protocol.TypeTTSState:                 {},
}

type payloadProbe struct {
	Type      protocol.MessageType `json:"type"`
	SessionID string               `json:"session_id"`
}

// replayKey returns the "{type}:{session_id}" cache key, or "" when the
// payload type is not replayable.
func replayKey(data []byte) string {
	var probe payloadProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if _, ok := replayableTypes[probe.Type]; !ok {
		return ""
	}
	return string(probe.Type) + ":" + protocol.NormalizeSessionID(probe.SessionID)
}

// replayCache keeps the most recent payload per key, bounded to a small cap
// with insertion-order eviction. Not safe for concurrent use; the relay
// serializes access under its own lock.
type replayCache struct {
	capacity int
	entries  map[string][]byte
	order    []string
}

func newReplayCache(capacity int) *replayCache {
	if capacity < 1 {
		capacity = 64
	}
	return &replayCache{
		capacity: capacity,
		entries:  make(map[string][]byte),
	}
}

func (c *replayCache) remember(key string, payload []byte) {
	if key == "" {
		return
	}
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = payload
}

// snapshot returns cached payloads in insertion order.
func (c *replayCache) snapshot() [][]byte {
	out := make([][]byte, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.entries[key])
	}
	return out
}
