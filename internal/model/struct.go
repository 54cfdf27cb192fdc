package model

// ToStruct projects n for the client. With no names every client field and
// child is included; otherwise only the named ones. Server fields are never
// included, the id field always is unless n is a root, and a
// StructModifier gets the final say.
func ToStruct(n Node, names ...string) (map[string]any, error) {
	s := n.Schema()
	b := n.Model()
	m := make(map[string]any, len(s.Fields)+len(s.Children))

	put := func(f Field) error {
		if f.Server {
			return nil
		}
		v, err := f.Get(n)
		if err != nil {
			return err
		}
		m[f.Name] = v
		return nil
	}
	putChild := func(c ChildDef) error {
		v, err := c.Get(n).structValue()
		if err != nil {
			return err
		}
		m[c.Name] = v
		return nil
	}

	if len(names) == 0 {
		for _, f := range s.Fields {
			if err := put(f); err != nil {
				return nil, err
			}
		}
		for _, c := range s.Children {
			if err := putChild(c); err != nil {
				return nil, err
			}
		}
	} else {
		for _, name := range names {
			if f, ok := s.Field(name); ok {
				if err := put(f); err != nil {
					return nil, err
				}
				continue
			}
			c, ok := s.Child(name)
			if !ok {
				return nil, Invariant(s.Name, "unknown field %s", name)
			}
			if err := putChild(c); err != nil {
				return nil, err
			}
		}
	}

	if s.IDField != "" {
		if b.IsRoot() {
			delete(m, s.IDField)
		} else {
			m[s.IDField] = b.id
		}
	}
	if sm, ok := n.(StructModifier); ok {
		if err := sm.ModifyStruct(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}
