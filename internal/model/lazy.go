package model

// Lazy is a field whose value comes from storage on first read.
type Lazy[T any] struct {
	load   func() (T, error)
	v      T
	loaded bool
}

// Loader sets the function the first Get calls.
func (l *Lazy[T]) Loader(load func() (T, error)) {
	l.load = load
	l.loaded = false
}

func (l *Lazy[T]) Loaded() bool { return l.loaded }

func (l *Lazy[T]) Get() (T, error) {
	if l.loaded || l.load == nil {
		return l.v, nil
	}
	v, err := l.load()
	if err != nil {
		var zero T
		return zero, err
	}
	l.v = v
	l.loaded = true
	return v, nil
}

// Set stores v and marks field changed on n.
func (l *Lazy[T]) Set(n Node, field string, v T) {
	l.SetSilent(v)
	n.Model().Mark(field)
}

// SetSilent stores v without recording a change.
func (l *Lazy[T]) SetSilent(v T) {
	l.v = v
	l.loaded = true
}
