package store

import (
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed queries.yaml
var embeddedQueries []byte

// Catalog resolves named queries. Entries are either a plain SQL string or
// a map of driver name to SQL with an optional "default" key.
type Catalog struct {
	driver string
	path   string
	every  time.Duration

	mu      sync.RWMutex
	queries map[string]string
	modTime time.Time

	statGate cache.Cache[string, struct{}]
}

type querySpec map[string]string

func (q *querySpec) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*q = querySpec{"default": n.Value}
		return nil
	case yaml.MappingNode:
		m := map[string]string{}
		if err := n.Decode(&m); err != nil {
			return err
		}
		*q = m
		return nil
	}
	return fmt.Errorf("line %d: query must be a string or a driver map", n.Line)
}

func NewCatalog(driver, path string, every time.Duration) (*Catalog, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	c := &Catalog{
		driver:   driver,
		path:     path,
		every:    every,
		statGate: cache.NewCache[string, struct{}]().WithTTL(every),
	}
	if path == "" {
		qs, err := parseQueries(embeddedQueries, driver)
		if err != nil {
			return nil, errors.Wrap(err, "embedded queries.yaml")
		}
		c.queries = qs
		return c, nil
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseQueries(raw []byte, driver string) (map[string]string, error) {
	var specs map[string]querySpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(specs))
	for name, spec := range specs {
		q, ok := spec[driver]
		if !ok {
			q, ok = spec["default"]
		}
		if !ok {
			return nil, fmt.Errorf("query %s: no variant for driver %s", name, driver)
		}
		out[name] = q
	}
	return out, nil
}

func (c *Catalog) reload() error {
	st, err := os.Stat(c.path)
	if err != nil {
		return errors.WithStack(err)
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return errors.WithStack(err)
	}
	qs, err := parseQueries(raw, c.driver)
	if err != nil {
		return errors.Wrap(err, c.path)
	}
	c.mu.Lock()
	c.queries = qs
	c.modTime = st.ModTime()
	c.mu.Unlock()
	return nil
}

// refresh re-reads the file when its mtime moved. A failed reload keeps the
// previous catalog in place.
func (c *Catalog) refresh() error {
	if c.path == "" {
		return nil
	}
	if _, ok := c.statGate.Get(c.path); ok {
		return nil
	}
	c.statGate.Set(c.path, struct{}{}, c.every)

	st, err := os.Stat(c.path)
	if err != nil {
		return errors.WithStack(err)
	}
	c.mu.RLock()
	same := st.ModTime().Equal(c.modTime)
	c.mu.RUnlock()
	if same {
		return nil
	}
	return c.reload()
}

func (c *Catalog) Get(name string) (string, error) {
	if err := c.refresh(); err != nil {
		return "", err
	}
	c.mu.RLock()
	q, ok := c.queries[name]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown query %q", name)
	}
	return q, nil
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.queries))
	for name := range c.queries {
		out = append(out, name)
	}
	return out
}
