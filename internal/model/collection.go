package model

import "fmt"

// Child is a container hanging off an entity: a keyed collection whose
// projection is a map of key to struct.
type Child interface {
	structValue() (any, error)
	collect(out *[]Pending) error
	clean() error
}

// Collection is a homogeneous keyed container of entities. Entities are
// filed under their id, or their CID until an id is assigned. Iteration
// follows insertion order.
type Collection[T Node] struct {
	parent Node
	name   string

	items []T
	index map[string]T

	loader func() ([]T, error)
	loaded bool

	removed []T
}

func NewCollection[T Node](parent Node, name string) *Collection[T] {
	return &Collection[T]{parent: parent, name: name, index: map[string]T{}, loaded: true}
}

// LoadLater records a loader run on first enumeration. Entities added
// before the loader runs are kept and the loader's copy of them is ignored.
func (c *Collection[T]) LoadLater(load func() ([]T, error)) {
	c.loader = load
	c.loaded = false
}

func (c *Collection[T]) Loaded() bool { return c.loaded }
func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) ensure() error {
	if c.loaded {
		return nil
	}
	load := c.loader
	c.loaded = true
	c.loader = nil
	items, err := load()
	if err != nil {
		c.loaded = false
		c.loader = load
		return err
	}
	for _, n := range items {
		if _, dup := c.index[n.Model().storeKey()]; dup {
			continue
		}
		c.attach(n)
	}
	return nil
}

func (c *Collection[T]) attach(n T) {
	if err := c.insert(n); err != nil {
		panic(err)
	}
}

func (c *Collection[T]) insert(n T) error {
	b := n.Model()
	if b.self == nil {
		return Invariant(c.name, "add of an uninitialised node")
	}
	key := b.storeKey()
	if key == "" {
		return Invariant(n.Schema().Name, "add of a node with neither id nor cid")
	}
	if _, dup := c.index[key]; dup {
		return &KeyError{Collection: c.name, Key: key}
	}
	b.owner = c
	c.index[key] = n
	c.items = append(c.items, n)
	return nil
}

// KeyError is an add whose key is already filed in the collection.
type KeyError struct {
	Collection string
	Key        string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("duplicate key %s in %s", e.Key, e.Collection)
}

// Add files n in the collection. A node created with isNew emits an ADD
// carrying its whole subtree on the next flush. A key clash is a wiring
// bug and panics; use Insert for keys that come from outside.
func (c *Collection[T]) Add(n T) {
	c.attach(n)
}

// Insert is Add for nodes keyed by client input. A clash with a filed key
// returns a *KeyError and leaves the collection as it was.
func (c *Collection[T]) Insert(n T) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.insert(n)
}

// AddSilent files n without emitting a chip for it.
func (c *Collection[T]) AddSilent(n T) {
	n.Model().isNew = false
	c.attach(n)
}

func (c *Collection[T]) Get(key string) (T, bool, error) {
	if n, ok := c.index[key]; ok {
		return n, true, nil
	}
	var zero T
	if err := c.ensure(); err != nil {
		return zero, false, err
	}
	n, ok := c.index[key]
	return n, ok, nil
}

// All loads the collection if needed and returns its entities.
func (c *Collection[T]) All() ([]T, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	return append([]T(nil), c.items...), nil
}

func (c *Collection[T]) Len() (int, error) {
	if err := c.ensure(); err != nil {
		return 0, err
	}
	return len(c.items), nil
}

// Find returns the first entity matching pred.
func (c *Collection[T]) Find(pred func(T) bool) (T, bool, error) {
	var zero T
	if err := c.ensure(); err != nil {
		return zero, false, err
	}
	for _, n := range c.items {
		if pred(n) {
			return n, true, nil
		}
	}
	return zero, false, nil
}

func (c *Collection[T]) childPath(n Node) []string {
	return append(c.parent.Model().Path(), c.name, n.Model().Key())
}

func (c *Collection[T]) owner() Node { return c.parent }

func (c *Collection[T]) rekey(n Node, oldKey, newKey string) {
	t, ok := c.index[oldKey]
	if !ok || Node(t) != n {
		return
	}
	if _, dup := c.index[newKey]; dup {
		panic(Invariant(n.Schema().Name, "re-key onto existing key %s in %s", newKey, c.name))
	}
	delete(c.index, oldKey)
	c.index[newKey] = t
}

func (c *Collection[T]) unlink(n Node) {
	key := n.Model().storeKey()
	t, ok := c.index[key]
	if !ok || Node(t) != n {
		panic(Invariant(n.Schema().Name, "unlink of %s not in %s", key, c.name))
	}
	delete(c.index, key)
	for i, it := range c.items {
		if Node(it) == n {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	c.removed = append(c.removed, t)
}

func (c *Collection[T]) structValue() (any, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(c.items))
	for _, n := range c.items {
		m, err := ToStruct(n)
		if err != nil {
			return nil, err
		}
		out[n.Model().Key()] = m
	}
	return out, nil
}

// collect and clean walk items even before the loader has run: anything
// there was added by hand and still owes its chips.
func (c *Collection[T]) collect(out *[]Pending) error {
	for _, n := range c.items {
		if err := collect(n, out); err != nil {
			return err
		}
	}
	for _, n := range c.removed {
		if err := collect(n, out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection[T]) clean() error {
	c.removed = nil
	for _, n := range c.items {
		if err := clean(n); err != nil {
			return err
		}
	}
	return nil
}
