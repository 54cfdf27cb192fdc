package model

import (
	"fmt"
	"sort"
)

// Node is any entity in a player's tree. Entities embed Base and declare a
// Schema; Base supplies Model().
type Node interface {
	Model() *Base
	Schema() *Schema
}

// StructModifier post-processes a client projection. It receives the map
// after fields and children are filled in and must only touch keys present.
type StructModifier interface {
	ModifyStruct(m map[string]any) error
}

type InvariantError struct {
	Entity string
	Msg    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant: %s: %s", e.Entity, e.Msg)
}

func Invariant(entity, format string, args ...any) *InvariantError {
	return &InvariantError{Entity: entity, Msg: fmt.Sprintf(format, args...)}
}

type Field struct {
	Name string
	Get  func(Node) (any, error)

	// Server fields never reach a client projection and their changes
	// emit no chips.
	Server bool
}

// F declares a client-visible field of T.
func F[T Node](name string, get func(T) any) Field {
	return Field{Name: name, Get: func(n Node) (any, error) { return get(n.(T)), nil }}
}

// ServerF declares a server-only field of T.
func ServerF[T Node](name string, get func(T) any) Field {
	f := F(name, get)
	f.Server = true
	return f
}

// LazyF declares a field whose read may hit storage.
func LazyF[T Node](name string, get func(T) (any, error)) Field {
	return Field{Name: name, Get: func(n Node) (any, error) { return get(n.(T)) }}
}

type ChildDef struct {
	Name string
	Get  func(Node) Child
}

func C[T Node](name string, get func(T) Child) ChildDef {
	return ChildDef{Name: name, Get: func(n Node) Child { return get(n.(T)) }}
}

type Schema struct {
	Name     string
	IDField  string
	Fields   []Field
	Children []ChildDef

	fields   map[string]int
	children map[string]int
}

// NewSchema indexes the field table. It panics on a malformed table since
// schemas are package-level declarations.
func NewSchema(name, idField string, fields []Field, children []ChildDef) *Schema {
	s := &Schema{
		Name:     name,
		IDField:  idField,
		Fields:   fields,
		Children: children,
		fields:   make(map[string]int, len(fields)),
		children: make(map[string]int, len(children)),
	}
	for i, f := range fields {
		if _, dup := s.fields[f.Name]; dup {
			panic(Invariant(name, "duplicate field %s", f.Name))
		}
		s.fields[f.Name] = i
	}
	for i, c := range children {
		if _, dup := s.fields[c.Name]; dup {
			panic(Invariant(name, "child %s shadows a field", c.Name))
		}
		s.children[c.Name] = i
	}
	if idField != "" {
		if _, ok := s.fields[idField]; !ok {
			panic(Invariant(name, "id field %s is not declared", idField))
		}
	}
	return s
}

func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.fields[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

func (s *Schema) Child(name string) (ChildDef, bool) {
	i, ok := s.children[name]
	if !ok {
		return ChildDef{}, false
	}
	return s.Children[i], true
}

// container owns nodes and knows where they sit in the tree.
type container interface {
	childPath(n Node) []string
	owner() Node
	rekey(n Node, oldKey, newKey string)
	unlink(n Node)
}

// Base carries the tracking state every entity shares.
type Base struct {
	self  Node
	owner container
	root  []string

	id  string
	cid string

	isNew   bool
	deleted bool
	dirty   []string
}

func (b *Base) Model() *Base { return b }

// Init binds n to its Base. New entities emit an ADD on the next flush.
func Init(n Node, id, cid string, isNew bool) {
	b := n.Model()
	b.self = n
	b.id = id
	b.cid = cid
	b.isNew = isNew
}

// InitRoot binds n as the root of a tree addressed by name.
func InitRoot(n Node, name, id string) {
	Init(n, id, "", false)
	n.Model().root = []string{name}
}

func (b *Base) ID() string    { return b.id }
func (b *Base) CID() string   { return b.cid }
func (b *Base) IsNew() bool   { return b.isNew }
func (b *Base) Deleted() bool { return b.deleted }
func (b *Base) IsRoot() bool  { return b.root != nil }

// Key is what the node is addressed by in chip paths: the CID until chips
// have been sent, the id afterwards.
func (b *Base) Key() string {
	if b.cid != "" {
		return b.cid
	}
	return b.id
}

// SetID assigns the server id. A node still addressed by CID is re-keyed in
// its collection; its chip path keeps the CID until the next flush.
func (b *Base) SetID(id string) {
	old := b.id
	if old == "" {
		old = b.cid
	}
	b.id = id
	if b.owner != nil && old != id {
		b.owner.rekey(b.self, old, id)
	}
}

// storeKey is what a collection files the node under.
func (b *Base) storeKey() string {
	if b.id != "" {
		return b.id
	}
	return b.cid
}

// Mark records field as changed. Marking a field the schema does not
// declare is a programming error.
func (b *Base) Mark(field string) {
	if b.self == nil {
		panic(Invariant("?", "mark %s on uninitialised node", field))
	}
	s := b.self.Schema()
	if _, ok := s.Field(field); !ok {
		if _, ok := s.Child(field); !ok {
			panic(Invariant(s.Name, "unknown field %s", field))
		}
	}
	for _, d := range b.dirty {
		if d == field {
			return
		}
	}
	b.dirty = append(b.dirty, field)
}

func (b *Base) Dirty() []string {
	out := append([]string(nil), b.dirty...)
	sort.Strings(out)
	return out
}

func (b *Base) Path() []string {
	if b.root != nil {
		return append([]string(nil), b.root...)
	}
	if b.owner == nil {
		return nil
	}
	return b.owner.childPath(b.self)
}

// Parent is the entity that owns this one, or nil for a root or detached node.
func (b *Base) Parent() Node {
	if b.owner == nil {
		return nil
	}
	return b.owner.owner()
}

// Set assigns v to *dst and marks field changed.
func Set[V any](n Node, field string, dst *V, v V) {
	*dst = v
	n.Model().Mark(field)
}

// SetIfChanged is Set that skips the mark when the value is unchanged.
func SetIfChanged[V comparable](n Node, field string, dst *V, v V) {
	if *dst == v {
		return
	}
	Set(n, field, dst, v)
}

// Delete unlinks n from its collection and marks it deleted so the next
// flush emits a DELETE.
func Delete(n Node) {
	b := n.Model()
	if b.owner == nil {
		panic(Invariant(n.Schema().Name, "delete of a node without a collection parent"))
	}
	b.owner.unlink(n)
	b.deleted = true
}

// Ancestor walks parents until it finds a T.
func Ancestor[T Node](n Node) (T, bool) {
	var zero T
	for p := n.Model().Parent(); p != nil; p = p.Model().Parent() {
		if t, ok := p.(T); ok {
			return t, true
		}
	}
	return zero, false
}
