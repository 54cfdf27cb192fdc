package game

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/deferred"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/model"
	auditlog "roverworld.ai/internal/persistence/log"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/tuning"
)

// Observer receives operational counts. The metrics package implements it.
type Observer interface {
	TargetCreated(userCreated bool)
	TargetsDeleted(reason string, n int)
	RenderLease(outcome string)
	TimeShift(direction string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) TargetCreated(bool)              {}
func (nopObserver) TargetsDeleted(string, int)      {}
func (nopObserver) RenderLease(string)              {}
func (nopObserver) TimeShift(string, time.Duration) {}

type Auditor interface {
	WriteAudit(e auditlog.AuditEntry) error
}

type Options struct {
	DB       *store.DB
	Catalogs *catalogs.Catalogs
	Tuning   tuning.Tuning
	Events   *events.Registry
	Logger   *log.Logger
	Observer Observer
	Audit    Auditor
}

// Game binds storage, content and the engine services together. It holds
// no per-player state; that lives in a Session for the length of one
// transactional context.
type Game struct {
	db     *store.DB
	cat    *catalogs.Catalogs
	tun    tuning.Tuning
	events *events.Registry
	bus    *chips.Bus
	queue  *deferred.Queue
	logger *log.Logger
	obs    Observer
	audit  Auditor
}

func New(opts Options) *Game {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[game] ", log.LstdFlags|log.Lmicroseconds)
	}
	reg := opts.Events
	if reg == nil {
		reg = events.NewRegistry()
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	g := &Game{
		db:     opts.DB,
		cat:    opts.Catalogs,
		tun:    opts.Tuning,
		events: reg,
		bus:    chips.NewBus(opts.Tuning.ChipCompressThresholdBytes),
		queue:  deferred.NewQueue(opts.Tuning.OvershootWarn(), logger),
		logger: logger,
		obs:    obs,
		audit:  opts.Audit,
	}
	g.registerDeferred()
	return g
}

func (g *Game) DB() *store.DB                { return g.db }
func (g *Game) Bus() *chips.Bus              { return g.bus }
func (g *Game) Queue() *deferred.Queue       { return g.queue }
func (g *Game) Events() *events.Registry     { return g.events }
func (g *Game) Catalogs() *catalogs.Catalogs { return g.cat }
func (g *Game) Tuning() tuning.Tuning        { return g.tun }
func (g *Game) Logger() *log.Logger          { return g.logger }

func (g *Game) auditf(kind, userID string, fields map[string]any) {
	if g.audit == nil {
		return
	}
	e := auditlog.AuditEntry{Time: g.db.Clock().Now().UTC(), Kind: kind, UserID: userID, Fields: fields}
	if err := g.audit.WriteAudit(e); err != nil {
		g.logger.Printf("warn: audit %s: %v", kind, err)
	}
}

// Session is one player's tree inside one transactional context.
type Session struct {
	g      *Game
	c      *store.Ctx
	Player *Player

	opened time.Time
	// Set while a deferred handler runs; see stamp.
	late  bool
	floor *time.Time
}

// SessionOf returns the session bound to c by WithPlayer.
func SessionOf(c *store.Ctx) (*Session, bool) {
	if c == nil {
		return nil, false
	}
	s, ok := c.Active.(*Session)
	return s, ok
}

// WithPlayer runs fn against userID's tree in a transactional context and
// sends the chips the tree accumulated before committing. Inside an open
// context for the same player the session is reused.
func (g *Game) WithPlayer(ctx context.Context, userID string, fn func(s *Session) error) error {
	return g.db.Run(ctx, func(c *store.Ctx) error {
		if s, ok := SessionOf(c); ok {
			if s.Player.ID() != userID {
				return fmt.Errorf("game: context bound to %s, asked for %s", s.Player.ID(), userID)
			}
			return fn(s)
		}
		p, err := loadPlayer(c, g, userID)
		if err != nil {
			return err
		}
		s := &Session{g: g, c: c, Player: p, opened: c.Now()}
		p.s = s
		c.Active = s
		defer func() { c.Active = nil }()
		if err := fn(s); err != nil {
			return err
		}
		return s.Flush()
	})
}

func (s *Session) Game() *Game              { return s.g }
func (s *Session) Ctx() *store.Ctx          { return s.c }
func (s *Session) Now() time.Time           { return s.c.Now() }
func (s *Session) UserID() string           { return s.Player.ID() }
func (s *Session) EpochNow() int64          { return s.Player.EpochNowAt(s.c.Now()) }
func (s *Session) Wall(sec int64) time.Time { return s.Player.Wall(sec) }

// Flush sends the tree's pending chips, stamped with the context clock.
func (s *Session) Flush() error {
	at, err := s.stamp(s.c.Now())
	if err != nil {
		return err
	}
	_, err = model.SendChips(s.c, s.g.bus, s.UserID(), s.Player, at)
	return err
}

// stamp dates a chip made by a deferred handler. The handler's clock reads
// the row's run_at, which for a row run late can be older than chips the
// client has already fetched; such chips move up to just after the newest
// visible one, never past the instant the context opened.
func (s *Session) stamp(at time.Time) (time.Time, error) {
	if !s.late {
		return at, nil
	}
	if s.floor == nil {
		latest, err := s.g.bus.Latest(s.c, s.UserID(), clock.Micros(s.opened))
		if err != nil {
			return at, err
		}
		f := clock.FromMicros(latest + 1)
		if f.After(s.opened) {
			f = s.opened
		}
		s.floor = &f
	}
	if at.Before(*s.floor) {
		return *s.floor, nil
	}
	return at, nil
}

// chipAt appends a chip outside the tree's change tracking. Chips made this
// way are never transient: they carry state the tree was told silently.
func (s *Session) chipAt(action chips.Action, path []string, value map[string]any, at time.Time) error {
	at, err := s.stamp(at)
	if err != nil {
		return err
	}
	_, err = s.g.bus.Append(s.c, s.UserID(), action, path, value, at, false)
	return err
}

// visibleAt is the instant a chip carrying arrival-gated data may be read:
// LEEWAY before arrival, or now when that has passed.
func (s *Session) visibleAt(arrival int64) time.Time {
	at := s.Wall(arrival - int64(s.g.tun.LeewaySeconds))
	if now := s.Now(); at.Before(now) {
		return now
	}
	return at
}

func (s *Session) warnf(format string, args ...any) {
	s.g.logger.Printf("warn: user %s: "+format, append([]any{s.UserID()}, args...)...)
}

func (s *Session) errorf(format string, args ...any) {
	s.g.logger.Printf("error: user %s: "+format, append([]any{s.UserID()}, args...)...)
}

// reject logs a rule violation and returns it.
func (s *Session) reject(e *Error) *Error {
	s.errorf("%s: %s", e.Code, e.Msg)
	return e
}

// Dispatch runs the most specific callback for the event.
func (s *Session) Dispatch(scope events.Scope, disc, name string, subject any, params map[string]any) (*events.Event, error) {
	ev := &events.Event{Scope: scope, Discriminator: disc, Name: name, Subject: subject, Params: params}
	return ev, s.g.events.Dispatch(s.c, ev)
}

func (g *Game) handle(typ string, h func(s *Session, row deferred.Row) error) {
	g.queue.Register(typ, func(c *store.Ctx, row deferred.Row) error {
		s, ok := SessionOf(c)
		if !ok || s.UserID() != row.UserID {
			return errors.Errorf("deferred %s: no session for user %s", typ, row.UserID)
		}
		s.late = true
		defer func() { s.late = false }()
		if err := h(s, row); err != nil {
			return err
		}
		return s.Flush()
	})
}

// ProcessDeferred runs userID's due deferreds in one context. It is the
// cron driver's per-player step.
func (g *Game) ProcessDeferred(ctx context.Context, userID string) (int, error) {
	n := 0
	err := g.WithPlayer(ctx, userID, func(s *Session) error {
		var err error
		n, err = g.queue.ProcessDue(s.c, userID, s.Now())
		return err
	})
	if err == nil && n > 0 {
		g.auditf("deferred", userID, map[string]any{"dispatched": n})
	}
	return n, err
}
