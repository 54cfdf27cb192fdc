package deferred

import (
	"context"
	"log"
	"time"

	"roverworld.ai/internal/persistence/store"
)

// ProcessFunc processes one player's due rows in a context of its own.
type ProcessFunc func(ctx context.Context, userID string) (int, error)

// Runner is the cron driver: each tick it finds players with due rows and
// hands each to process. A failing player is logged and retried next tick.
type Runner struct {
	db      *store.DB
	queue   *Queue
	process ProcessFunc
	every   time.Duration
	logger  *log.Logger
}

func NewRunner(db *store.DB, q *Queue, process ProcessFunc, every time.Duration, logger *log.Logger) *Runner {
	if every <= 0 {
		every = time.Second
	}
	return &Runner{db: db, queue: q, process: process, every: every, logger: logger}
}

// Tick runs one scan and returns how many rows were dispatched.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	var users []string
	err := r.db.Run(ctx, func(c *store.Ctx) error {
		var err error
		users, err = r.queue.DueUsers(c, c.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := r.process(ctx, userID)
		if err != nil {
			r.logf("error: deferred for user %s: %v", userID, err)
			continue
		}
		total += n
	}
	return total, nil
}

// Start blocks, ticking every interval or when the queue is woken, until
// ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-r.queue.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logf("error: deferred tick: %v", err)
		}
		timer.Reset(r.every)
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
