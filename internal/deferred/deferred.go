package deferred

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/persistence/store"
)

// Row is one pending timed action.
type Row struct {
	ID      int64  `db:"deferred_id"`
	UserID  string `db:"user_id"`
	Type    string `db:"deferred_type"`
	Subtype string `db:"subtype"`
	RunAt   int64  `db:"run_at"`
	Payload []byte `db:"payload"`
	Created int64  `db:"created"`
}

func (r Row) RunAtTime() time.Time { return clock.FromMicros(r.RunAt) }

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (r Row) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("deferred %s/%d: payload: %w", r.Type, r.ID, err)
	}
	return nil
}

// Handler runs one due row inside the player's context. The context clock
// reads the row's run_at while the handler runs.
type Handler func(c *store.Ctx, row Row) error

type Observer interface {
	Dispatched(typ string, late time.Duration)
}

type Queue struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	overshootWarn time.Duration
	logger        *log.Logger
	observer      Observer

	wake chan struct{}
}

func NewQueue(overshootWarn time.Duration, logger *log.Logger) *Queue {
	return &Queue{
		handlers:      map[string]Handler{},
		overshootWarn: overshootWarn,
		logger:        logger,
		wake:          make(chan struct{}, 1),
	}
}

func (q *Queue) SetObserver(o Observer) { q.observer = o }

// Register binds typ to h. Registering a type twice is a wiring bug.
func (q *Queue) Register(typ string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.handlers[typ]; dup {
		panic(fmt.Sprintf("deferred: handler for %s registered twice", typ))
	}
	q.handlers[typ] = h
}

func (q *Queue) handler(typ string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[typ]
	return h, ok
}

// Schedule queues typ to run delay after the context clock's now.
func (q *Queue) Schedule(c *store.Ctx, userID, typ, subtype string, delay time.Duration, payload any) (bool, error) {
	return q.ScheduleAt(c, userID, typ, subtype, c.Now().Add(delay), payload)
}

// ScheduleAt queues typ at an absolute instant. With a non-empty subtype a
// second row for the same (user, type, subtype) is a no-op and reports false.
func (q *Queue) ScheduleAt(c *store.Ctx, userID, typ, subtype string, at time.Time, payload any) (bool, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("deferred %s: payload: %w", typ, err)
		}
		body = b
	}
	n, err := c.Exec("deferred_insert", store.Args{
		"user_id":       userID,
		"deferred_type": typ,
		"subtype":       subtype,
		"run_at":        clock.Micros(at),
		"payload":       body,
		"created":       clock.Micros(c.Now()),
	})
	if err != nil {
		return false, err
	}
	if n > 0 {
		c.AfterCommit(q.Wake)
	}
	return n > 0, nil
}

// Exists reports whether (user, type, subtype) is queued.
func (q *Queue) Exists(c *store.Ctx, userID, typ, subtype string) (bool, error) {
	n, err := store.Row[int64](c, "deferred_count_subtype", store.Args{
		"user_id":       userID,
		"deferred_type": typ,
		"subtype":       subtype,
	})
	return n > 0, err
}

func (q *Queue) Pending(c *store.Ctx, userID string) ([]Row, error) {
	return store.Rows[Row](c, "deferred_for_user", store.Args{"user_id": userID})
}

// Delete removes queued rows for (user, type, subtype) without running them.
func (q *Queue) Delete(c *store.Ctx, userID, typ, subtype string) (int64, error) {
	return c.Exec("deferred_delete_subtype", store.Args{
		"user_id":       userID,
		"deferred_type": typ,
		"subtype":       subtype,
	})
}

// DeleteSubtype removes every queued row for subtype whatever its type.
func (q *Queue) DeleteSubtype(c *store.Ctx, userID, subtype string) (int64, error) {
	return c.Exec("deferred_delete_any_type", store.Args{"user_id": userID, "subtype": subtype})
}

// ProcessDue runs every row with run_at <= until in run_at order, including
// rows queued by handlers along the way. The context clock is set to each
// row's run_at before its handler runs and put back afterwards. A handler
// error stops processing and leaves its row in place.
func (q *Queue) ProcessDue(c *store.Ctx, userID string, until time.Time) (int, error) {
	saved := c.Clock.Save()
	defer c.Clock.Restore(saved)

	wall := c.Now()
	limit := clock.Micros(until)
	done := 0
	for {
		row, err := store.Row[Row](c, "deferred_next_due", store.Args{"user_id": userID, "until": limit})
		if errors.Is(err, store.ErrNotFound) {
			return done, nil
		}
		if err != nil {
			return done, err
		}
		h, ok := q.handler(row.Type)
		if !ok {
			return done, fmt.Errorf("deferred: no handler for type %s (row %d)", row.Type, row.ID)
		}

		runAt := row.RunAtTime()
		late := wall.Sub(runAt)
		if q.overshootWarn > 0 && late > q.overshootWarn {
			q.logf("warn: deferred %s/%s for user %s ran %s past its deadline", row.Type, row.Subtype, userID, late.Truncate(time.Second))
		}

		c.Clock.Freeze(runAt)
		c.Clock.RestoreTick()
		if err := h(c, row); err != nil {
			return done, fmt.Errorf("deferred %s/%d: %w", row.Type, row.ID, err)
		}
		if _, err := c.Exec("deferred_delete", store.Args{"deferred_id": row.ID}); err != nil {
			return done, err
		}
		if q.observer != nil {
			q.observer.Dispatched(row.Type, late)
		}
		done++
	}
}

// Flush deletes rows due by until without running them.
func (q *Queue) Flush(c *store.Ctx, userID string, until time.Time) (int64, error) {
	return c.Exec("deferred_flush", store.Args{"user_id": userID, "until": clock.Micros(until)})
}

// Shift adds delta to run_at of every row the player still has queued.
func (q *Queue) Shift(c *store.Ctx, userID string, delta time.Duration) (int64, error) {
	return c.Exec("deferred_shift", store.Args{"user_id": userID, "delta": delta.Microseconds()})
}

// DueUsers lists players with at least one row due by until.
func (q *Queue) DueUsers(c *store.Ctx, until time.Time) ([]string, error) {
	return store.Rows[string](c, "deferred_due_users", store.Args{"until": clock.Micros(until)})
}

// Wake nudges a running Runner to scan now.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}
