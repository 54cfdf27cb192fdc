package game

import (
	"context"
	"time"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

// AdvanceGame runs the player's next seconds of game time now. Deferreds
// due in that window fire in order; what stays queued keeps its distance
// from the new now; chips the window would have revealed become readable
// at a single activation instant shortly after now.
func (s *Session) AdvanceGame(seconds int64) error {
	if seconds <= 0 {
		return validationf(protocol.ErrBadRequest, "advance needs a positive duration, got %d", seconds)
	}
	if err := s.Flush(); err != nil {
		return err
	}
	d := time.Duration(seconds) * time.Second
	start := s.Now()
	end := start.Add(d)

	saved := s.c.Clock.Save()
	s.c.Clock.Freeze(start)
	n, err := s.g.queue.ProcessDue(s.c, s.UserID(), end)
	if err != nil {
		s.c.Clock.Restore(saved)
		return err
	}
	if err := s.shiftQueued(-d); err != nil {
		s.c.Clock.Restore(saved)
		return err
	}
	s.c.Clock.Restore(saved)

	if err := s.setEpoch(s.Player.Epoch - d.Microseconds()); err != nil {
		return err
	}
	activation := start.Add(s.g.tun.ActivationDelay())
	if err := s.epochChip(activation); err != nil {
		return err
	}
	uid := s.UserID()
	if _, err := s.g.bus.ActivateRange(s.c, uid, clock.Micros(activation), clock.Micros(end), clock.Micros(activation)); err != nil {
		return err
	}
	if _, err := s.g.bus.Shift(s.c, uid, clock.Micros(end), -d.Microseconds()); err != nil {
		return err
	}
	s.g.obs.TimeShift("advance", d)
	s.g.auditf("advance", uid, map[string]any{"seconds": seconds, "deferred": n})
	return nil
}

// RewindGame moves the player's game time back. Nothing fires; queued
// work and unread chips move later by the same amount.
func (s *Session) RewindGame(seconds int64) error {
	if seconds <= 0 {
		return validationf(protocol.ErrBadRequest, "rewind needs a positive duration, got %d", seconds)
	}
	if err := s.Flush(); err != nil {
		return err
	}
	d := time.Duration(seconds) * time.Second
	now := s.Now()
	epoch := s.Player.Epoch + d.Microseconds()
	if epoch > clock.Micros(now) {
		return s.reject(constraintf(protocol.ErrBadRequest, "rewind by %ds would start the game in the future", seconds))
	}
	uid := s.UserID()
	if _, err := s.g.bus.Shift(s.c, uid, clock.Micros(now), d.Microseconds()); err != nil {
		return err
	}
	if err := s.shiftQueued(d); err != nil {
		return err
	}
	if err := s.setEpoch(epoch); err != nil {
		return err
	}
	if err := s.epochChip(now.Add(s.g.tun.ActivationDelay())); err != nil {
		return err
	}
	s.g.obs.TimeShift("rewind", d)
	s.g.auditf("rewind", uid, map[string]any{"seconds": seconds})
	return nil
}

// shiftQueued moves every wall-clock instant derived from the epoch:
// queued deferreds, render times and tile expiries.
func (s *Session) shiftQueued(d time.Duration) error {
	delta := d.Microseconds()
	uid := s.UserID()
	if _, err := s.g.queue.Shift(s.c, uid, d); err != nil {
		return err
	}
	arg := store.Args{"user_id": uid, "delta": delta}
	if _, err := s.c.Exec("targets_shift_render", arg); err != nil {
		return err
	}
	if _, err := s.c.Exec("tiles_shift_expiry", arg); err != nil {
		return err
	}
	if s.Player.Rovers.Loaded() {
		rovers, _ := s.Player.Rovers.All()
		for _, r := range rovers {
			if !r.Targets.Loaded() {
				continue
			}
			ts, _ := r.Targets.All()
			for _, t := range ts {
				t.RenderAt += delta
			}
		}
	}
	if s.Player.MapTiles.Loaded() {
		tiles, _ := s.Player.MapTiles.All()
		for _, t := range tiles {
			if t.ExpiryTime != nil {
				v := *t.ExpiryTime + delta
				t.ExpiryTime = &v
			}
		}
	}
	return nil
}

func (s *Session) setEpoch(epoch int64) error {
	if _, err := s.c.Exec("user_set_epoch", store.Args{"user_id": s.UserID(), "epoch": epoch}); err != nil {
		return err
	}
	s.Player.Epoch = epoch
	return nil
}

// epochChip tells the client about the new epoch just ahead of the chips
// activated with it.
func (s *Session) epochChip(activation time.Time) error {
	v := map[string]any{"user_id": s.UserID(), "epoch": s.Player.Epoch}
	return s.chipAt(chips.ActionMod, s.Player.Path(), v, activation.Add(-time.Microsecond))
}

func (g *Game) AdvanceGame(ctx context.Context, userID string, seconds int64) error {
	return g.WithPlayer(ctx, userID, func(s *Session) error { return s.AdvanceGame(seconds) })
}

func (g *Game) RewindGame(ctx context.Context, userID string, seconds int64) error {
	return g.WithPlayer(ctx, userID, func(s *Session) error { return s.RewindGame(seconds) })
}
