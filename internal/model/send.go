package model

import (
	"time"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/persistence/store"
)

// Pending is a chip not yet on the bus.
type Pending struct {
	Action chips.Action
	Path   []string
	Value  map[string]any
}

// Appender is the part of the chip bus the model writes to.
type Appender interface {
	Append(c *store.Ctx, userID string, action chips.Action, path []string, value map[string]any, at time.Time, transient bool) (chips.Chip, error)
}

// PendingChips lists the chips the subtree under n would emit now. An
// unloaded collection contributes only the entities added to it by hand.
func PendingChips(n Node) ([]Pending, error) {
	var out []Pending
	if err := collect(n, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func collect(n Node, out *[]Pending) error {
	b := n.Model()
	s := n.Schema()
	switch {
	case b.deleted:
		if !b.isNew {
			*out = append(*out, Pending{Action: chips.ActionDelete, Path: b.Path(), Value: map[string]any{}})
		}
		return nil
	case b.isNew:
		v, err := ToStruct(n)
		if err != nil {
			return err
		}
		*out = append(*out, Pending{Action: chips.ActionAdd, Path: b.Path(), Value: v})
		return nil
	}

	var changed []string
	for _, name := range b.Dirty() {
		if f, ok := s.Field(name); ok && f.Server {
			continue
		}
		changed = append(changed, name)
	}
	if len(changed) > 0 {
		v, err := ToStruct(n, changed...)
		if err != nil {
			return err
		}
		if s.IDField != "" {
			v[s.IDField] = b.id
		}
		*out = append(*out, Pending{Action: chips.ActionMod, Path: b.Path(), Value: v})
	}
	for _, c := range s.Children {
		if err := c.Get(n).collect(out); err != nil {
			return err
		}
	}
	return nil
}

// SendChips appends the subtree's pending chips as transient chips stamped
// at, then cleans the subtree. Chips of one batch share a time and are
// ordered by seq.
func SendChips(c *store.Ctx, app Appender, userID string, root Node, at time.Time) ([]chips.Chip, error) {
	pending, err := PendingChips(root)
	if err != nil {
		return nil, err
	}
	sent := make([]chips.Chip, 0, len(pending))
	for _, p := range pending {
		ch, err := app.Append(c, userID, p.Action, p.Path, p.Value, at, true)
		if err != nil {
			return sent, err
		}
		sent = append(sent, ch)
	}
	return sent, Clean(root)
}

// Clean forgets recorded changes under n and drops CIDs, so later chips
// address entities by id. A node still lacking an id is an invariant
// failure.
func Clean(n Node) error {
	return clean(n)
}

func clean(n Node) error {
	b := n.Model()
	if b.cid != "" && b.id == "" && !b.deleted {
		return Invariant(n.Schema().Name, "cid %s was never assigned an id", b.cid)
	}
	b.cid = ""
	b.isNew = false
	b.dirty = nil
	for _, c := range n.Schema().Children {
		if err := c.Get(n).clean(); err != nil {
			return err
		}
	}
	return nil
}
