package content

import (
	"fmt"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/persistence/store"
)

// MessageSequence delivers a chain of messages one step per call: each
// call queues the first message not yet delivered once its predecessor is
// delivered or on its way.
type MessageSequence struct {
	keys []string
}

// NewMessageSequence checks every key against the message catalog. A
// sequence naming an unknown or repeated message is refused.
func NewMessageSequence(cat *catalogs.Catalogs, keys ...string) (*MessageSequence, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("content: empty message sequence")
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if _, ok := cat.Messages.ByID[k]; !ok {
			return nil, fmt.Errorf("content: message sequence names unknown message %s", k)
		}
		if seen[k] {
			return nil, fmt.Errorf("content: message sequence repeats %s", k)
		}
		seen[k] = true
	}
	return &MessageSequence{keys: keys}, nil
}

func (m *MessageSequence) Keys() []string { return append([]string(nil), m.keys...) }

// Advance queues the next message of the chain, if its turn has come.
func (m *MessageSequence) Advance(c *store.Ctx) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	for i, k := range m.keys {
		done, err := s.MessageDelivered(k)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if i > 0 {
			ready, err := s.MessageDeliveredOrQueued(m.keys[i-1])
			if err != nil || !ready {
				return err
			}
		}
		_, err = s.ScheduleMessage(k, -1)
		return err
	}
	return nil
}
