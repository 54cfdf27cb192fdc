package game

import (
	"context"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/model"
	"roverworld.ai/internal/persistence/store"
)

// State is the full projection a client loads before polling chips.
type State struct {
	User   map[string]any    `json:"user"`
	Config StateConfig       `json:"config"`
	URLs   map[string]string `json:"urls"`
}

type StateConfig struct {
	ServerTime        int64 `json:"server_time"`
	LastSeenChipTime  int64 `json:"last_seen_chip_time"`
	ChipFetchInterval int   `json:"chip_fetch_interval"`
	Leeway            int   `json:"leeway"`
	Epoch             int64 `json:"epoch"`
	EpochNow          int64 `json:"epoch_now"`
}

// Gamestate projects the player's tree as of now. Chips up to
// LastSeenChipTime are already reflected in it.
func (g *Game) Gamestate(ctx context.Context, userID string) (*State, error) {
	var st *State
	err := g.WithPlayer(ctx, userID, func(s *Session) error {
		if err := s.Touch(); err != nil {
			return err
		}
		if err := s.Flush(); err != nil {
			return err
		}
		now := s.Now()
		user, err := model.ToStruct(s.Player)
		if err != nil {
			return err
		}
		user["user_id"] = userID
		latest, err := g.bus.Latest(s.c, userID, clock.Micros(now))
		if err != nil {
			return err
		}
		st = &State{
			User: user,
			Config: StateConfig{
				ServerTime:        clock.Micros(now),
				LastSeenChipTime:  latest,
				ChipFetchInterval: g.tun.ChipFetchIntervalSecs,
				Leeway:            g.tun.LeewaySeconds,
				Epoch:             s.Player.Epoch,
				EpochNow:          s.EpochNow(),
			},
			URLs: map[string]string{
				"assets": g.tun.AssetBaseURL,
				"chips":  "/api/chips",
				"stream": "/api/stream",
			},
		}
		return nil
	})
	return st, err
}

// FetchChips returns the player's chips with since < time <= now.
func (g *Game) FetchChips(ctx context.Context, userID string, since int64) ([]chips.Chip, error) {
	var out []chips.Chip
	err := g.db.Run(ctx, func(c *store.Ctx) error {
		var err error
		out, err = g.bus.Fetch(c, userID, since, clock.Micros(c.Now()), true)
		return err
	})
	return out, err
}

// Act runs fn against the player's tree and returns the chips the client
// has not yet seen, fn's own included.
func (g *Game) Act(ctx context.Context, userID string, since int64, fn func(s *Session) error) ([]chips.Chip, error) {
	var out []chips.Chip
	err := g.WithPlayer(ctx, userID, func(s *Session) error {
		if err := s.Touch(); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		if err := s.Flush(); err != nil {
			return err
		}
		var err error
		out, err = g.bus.Fetch(s.c, userID, since, clock.Micros(s.Now()), true)
		return err
	})
	return out, err
}
