package chips

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"

	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/persistence/store"
)

type Action string

const (
	ActionAdd    Action = "ADD"
	ActionMod    Action = "MOD"
	ActionDelete Action = "DELETE"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionMod, ActionDelete:
		return true
	}
	return false
}

// Chip is one tree delta for one player. Time is integer microseconds.
type Chip struct {
	Seq       int64
	UserID    string
	Time      int64
	Transient bool
	Action    Action
	Path      []string
	Value     map[string]any
}

// Wire is the client form of a chip.
type Wire struct {
	Action    Action         `json:"action"`
	Path      []string       `json:"path"`
	Value     map[string]any `json:"value"`
	Time      int64          `json:"time"`
	Transient bool           `json:"transient"`
}

func (c Chip) Wire() Wire {
	v := c.Value
	if v == nil {
		v = map[string]any{}
	}
	return Wire{Action: c.Action, Path: c.Path, Value: v, Time: c.Time, Transient: c.Transient}
}

func WireAll(cs []Chip) []Wire {
	out := make([]Wire, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Wire())
	}
	return out
}

type content struct {
	Action Action         `json:"action"`
	Path   []string       `json:"path"`
	Value  map[string]any `json:"value"`
}

type row struct {
	Seq        int64  `db:"seq"`
	UserID     string `db:"user_id"`
	Time       int64  `db:"time"`
	Transient  bool   `db:"transient"`
	Compressed bool   `db:"compressed"`
	Content    []byte `db:"content"`
}

// Bus is the per-player chip log.
type Bus struct {
	compressAbove int

	onAppend []func(c *store.Ctx, ch Chip)
}

func NewBus(compressAbove int) *Bus {
	return &Bus{compressAbove: compressAbove}
}

// OnAppend registers a hook run for every appended chip, inside the
// appending context.
func (b *Bus) OnAppend(f func(c *store.Ctx, ch Chip)) {
	b.onAppend = append(b.onAppend, f)
}

func (b *Bus) Append(c *store.Ctx, userID string, action Action, path []string, value map[string]any, at time.Time, transient bool) (Chip, error) {
	if !action.Valid() {
		return Chip{}, fmt.Errorf("chips: bad action %q", action)
	}
	if userID == "" {
		return Chip{}, fmt.Errorf("chips: empty user id")
	}
	if value == nil {
		value = map[string]any{}
	}
	body, compressed, err := b.encode(content{Action: action, Path: path, Value: value})
	if err != nil {
		return Chip{}, err
	}
	us := clock.Micros(at)
	seq, err := store.Row[int64](c, "chip_insert", store.Args{
		"user_id":    userID,
		"time":       us,
		"transient":  store.Bool(transient),
		"compressed": store.Bool(compressed),
		"content":    body,
	})
	if err != nil {
		return Chip{}, err
	}
	ch := Chip{Seq: seq, UserID: userID, Time: us, Transient: transient, Action: action, Path: path, Value: value}
	for _, f := range b.onAppend {
		f(c, ch)
	}
	return ch, nil
}

// Fetch returns chips with since < time <= before in (time, seq) order.
func (b *Bus) Fetch(c *store.Ctx, userID string, since, before int64, includeTransient bool) ([]Chip, error) {
	rows, err := store.Rows[row](c, "chips_fetch", store.Args{
		"user_id":           userID,
		"since":             since,
		"before":            before,
		"include_transient": store.Bool(includeTransient),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Chip, 0, len(rows))
	for _, r := range rows {
		ch, err := b.decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// ActivateRange moves chips with from < time <= to onto newTime. Seq is
// untouched so relative order inside the batch survives.
func (b *Bus) ActivateRange(c *store.Ctx, userID string, from, to, newTime int64) (int64, error) {
	return c.Exec("chips_activate_range", store.Args{
		"user_id":  userID,
		"from":     from,
		"to":       to,
		"new_time": newTime,
	})
}

// Shift adds delta microseconds to every chip with time > after.
func (b *Bus) Shift(c *store.Ctx, userID string, after, delta int64) (int64, error) {
	return c.Exec("chips_shift", store.Args{
		"user_id": userID,
		"after":   after,
		"delta":   delta,
	})
}

func (b *Bus) Count(c *store.Ctx, userID string, since, before int64) (int64, error) {
	return store.Row[int64](c, "chips_count", store.Args{"user_id": userID, "since": since, "before": before})
}

// Latest is the time of the newest chip at or before before, or zero.
func (b *Bus) Latest(c *store.Ctx, userID string, before int64) (int64, error) {
	return store.Row[int64](c, "chips_latest", store.Args{"user_id": userID, "before": before})
}

func (b *Bus) encode(v content) ([]byte, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("chips: encode: %w", err)
	}
	if b.compressAbove <= 0 || len(raw) <= b.compressAbove {
		return raw, false, nil
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, fmt.Errorf("chips: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("chips: compress: %w", err)
	}
	return buf.Bytes(), true, nil
}

func (b *Bus) decode(r row) (Chip, error) {
	raw := r.Content
	if r.Compressed {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(raw))); err != nil {
			return Chip{}, fmt.Errorf("chips: seq %d: decompress: %w", r.Seq, err)
		}
		raw = buf.Bytes()
	}
	var v content
	if err := json.Unmarshal(raw, &v); err != nil {
		return Chip{}, fmt.Errorf("chips: seq %d: decode: %w", r.Seq, err)
	}
	return Chip{
		Seq:       r.Seq,
		UserID:    r.UserID,
		Time:      r.Time,
		Transient: r.Transient,
		Action:    v.Action,
		Path:      v.Path,
		Value:     v.Value,
	}, nil
}
