package store

// RowCache holds bulk query results split by business key so lazy loaders
// can pick up their slice without another round trip. Entries are consumed
// on read.
type RowCache struct {
	m map[string]any
}

func NewRowCache() *RowCache {
	return &RowCache{m: map[string]any{}}
}

func cacheKey(query, key string) string {
	return query + "\x00" + key
}

func (r *RowCache) Put(query, key string, rows any) {
	r.m[cacheKey(query, key)] = rows
}

func (r *RowCache) Take(query, key string) (any, bool) {
	k := cacheKey(query, key)
	v, ok := r.m[k]
	if ok {
		delete(r.m, k)
	}
	return v, ok
}

func (r *RowCache) Len() int { return len(r.m) }

// PutGrouped runs query once and files its rows under key(row). Every key in
// keys gets an entry, so a missing group reads back as an empty slice
// instead of a cache miss.
func PutGrouped[T any](c *Ctx, query string, arg any, keys []string, key func(T) string) error {
	rows, err := Rows[T](c, query, arg)
	if err != nil {
		return err
	}
	groups := make(map[string][]T, len(keys))
	for _, k := range keys {
		groups[k] = nil
	}
	for _, row := range rows {
		k := key(row)
		groups[k] = append(groups[k], row)
	}
	for k, g := range groups {
		c.Cache.Put(query, k, g)
	}
	return nil
}

// Cached returns the rows filed under (query, key) by PutGrouped, or runs
// fallback when nothing was cached.
func Cached[T any](c *Ctx, query, key string, fallback func() ([]T, error)) ([]T, error) {
	if v, ok := c.Cache.Take(query, key); ok {
		if rows, ok := v.([]T); ok {
			return rows, nil
		}
	}
	return fallback()
}
