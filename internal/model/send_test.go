package model

import (
	"time"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/persistence/store"
)

type memAppender struct {
	chips []chips.Chip
}

func (m *memAppender) Append(_ *store.Ctx, userID string, action chips.Action, path []string, value map[string]any, _ time.Time, transient bool) (chips.Chip, error) {
	ch := chips.Chip{Seq: int64(len(m.chips) + 1), UserID: userID, Transient: transient, Action: action, Path: path, Value: value}
	m.chips = append(m.chips, ch)
	return ch, nil
}
