package game

import (
	"time"

	"github.com/pkg/errors"

	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/model"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

const (
	AuthPassword = "PASS"
	AuthFacebook = "FB"
	AuthEdmodo   = "EDMO"
)

// Notification frequencies for activity alerts.
const (
	FrequencyOff    = "OFF"
	FrequencyShort  = "SHORT"
	FrequencyDaily  = "DAILY"
	FrequencyWeekly = "WEEKLY"
)

const alertKind = "ACTIVITY_ALERT"

type userRow struct {
	UserID         string `db:"user_id"`
	Email          string `db:"email"`
	FirstName      string `db:"first_name"`
	LastName       string `db:"last_name"`
	Auth           string `db:"auth"`
	Epoch          int64  `db:"epoch"`
	Valid          bool   `db:"valid"`
	InvitesLeft    int    `db:"invites_left"`
	LastAccessed   *int64 `db:"last_accessed"`
	ViewedAlertsAt *int64 `db:"viewed_alerts_at"`
	Created        int64  `db:"created"`
}

// Player is the root of one player's tree.
type Player struct {
	model.Base
	s *Session

	Email          string
	FirstName      string
	LastName       string
	Auth           string
	Epoch          int64
	Valid          bool
	InvitesLeft    int
	LastAccessed   *int64
	ViewedAlertsAt *int64
	AlertFrequency model.Lazy[string]

	Rovers       *model.Collection[*Rover]
	Missions     *model.Collection[*Mission]
	Messages     *model.Collection[*Message]
	Species      *model.Collection[*Species]
	Regions      *model.Collection[*Region]
	Progress     *model.Collection[*Progress]
	Achievements *model.Collection[*Achievement]
	Capabilities *model.Collection[*Capability]
	Vouchers     *model.Collection[*Voucher]
	MapTiles     *model.Collection[*MapTile]
	Invitations  *model.Collection[*Invitation]
	Gifts        *model.Collection[*Gift]
}

var playerSchema = model.NewSchema("user", "user_id",
	[]model.Field{
		model.F("user_id", func(p *Player) any { return p.ID() }),
		model.F("email", func(p *Player) any { return p.Email }),
		model.F("first_name", func(p *Player) any { return p.FirstName }),
		model.F("last_name", func(p *Player) any { return p.LastName }),
		model.F("auth", func(p *Player) any { return p.Auth }),
		model.F("epoch", func(p *Player) any { return p.Epoch }),
		model.F("valid", func(p *Player) any { return p.Valid }),
		model.F("invites_left", func(p *Player) any { return p.InvitesLeft }),
		model.ServerF("last_accessed", func(p *Player) any { return p.LastAccessed }),
		model.F("viewed_alerts_at", func(p *Player) any { return p.ViewedAlertsAt }),
		model.LazyF("activity_alert_frequency", func(p *Player) (any, error) { return p.AlertFrequency.Get() }),
	},
	[]model.ChildDef{
		model.C("rovers", func(p *Player) model.Child { return p.Rovers }),
		model.C("missions", func(p *Player) model.Child { return p.Missions }),
		model.C("messages", func(p *Player) model.Child { return p.Messages }),
		model.C("species", func(p *Player) model.Child { return p.Species }),
		model.C("regions", func(p *Player) model.Child { return p.Regions }),
		model.C("progress", func(p *Player) model.Child { return p.Progress }),
		model.C("achievements", func(p *Player) model.Child { return p.Achievements }),
		model.C("capabilities", func(p *Player) model.Child { return p.Capabilities }),
		model.C("vouchers", func(p *Player) model.Child { return p.Vouchers }),
		model.C("map_tiles", func(p *Player) model.Child { return p.MapTiles }),
		model.C("invitations", func(p *Player) model.Child { return p.Invitations }),
		model.C("gifts", func(p *Player) model.Child { return p.Gifts }),
	},
)

func (p *Player) Schema() *model.Schema { return playerSchema }

// EpochNowAt is the player's game time at wall instant t in whole seconds.
func (p *Player) EpochNowAt(t time.Time) int64 {
	return clock.Seconds(clock.FromMicros(p.Epoch), t)
}

// Wall maps game seconds onto the wall clock.
func (p *Player) Wall(sec int64) time.Time {
	return clock.FromMicros(p.Epoch).Add(time.Duration(sec) * time.Second)
}

// ModifyStruct limits map tiles to the ones the client may draw now.
func (p *Player) ModifyStruct(m map[string]any) error {
	if _, ok := m["map_tiles"]; !ok || p.s == nil {
		return nil
	}
	tiles, err := p.MapTiles.All()
	if err != nil {
		return err
	}
	visible := map[string]any{}
	now := p.s.Now()
	for _, t := range tiles {
		if !t.visible(p, now, p.s.g.tun.LeewaySeconds) {
			continue
		}
		v, err := model.ToStruct(t)
		if err != nil {
			return err
		}
		visible[t.Key()] = v
	}
	m["map_tiles"] = visible
	return nil
}

func loadPlayer(c *store.Ctx, g *Game, userID string) (*Player, error) {
	row, err := store.Row[userRow](c, "user_lock", store.Args{"user_id": userID})
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundf("no player %s", userID)
	}
	if err != nil {
		return nil, err
	}
	p := &Player{
		Email:          row.Email,
		FirstName:      row.FirstName,
		LastName:       row.LastName,
		Auth:           row.Auth,
		Epoch:          row.Epoch,
		Valid:          row.Valid,
		InvitesLeft:    row.InvitesLeft,
		LastAccessed:   row.LastAccessed,
		ViewedAlertsAt: row.ViewedAlertsAt,
	}
	model.InitRoot(p, "user", row.UserID)
	p.newCollections()
	p.AlertFrequency.Loader(func() (string, error) {
		f, err := store.Row[string](c, "notification_get", store.Args{"user_id": userID, "kind": alertKind})
		if errors.Is(err, store.ErrNotFound) {
			return FrequencyDaily, nil
		}
		return f, err
	})
	attachLoaders(c, g, p)
	return p, nil
}

func (p *Player) newCollections() {
	p.Rovers = model.NewCollection[*Rover](p, "rovers")
	p.Missions = model.NewCollection[*Mission](p, "missions")
	p.Messages = model.NewCollection[*Message](p, "messages")
	p.Species = model.NewCollection[*Species](p, "species")
	p.Regions = model.NewCollection[*Region](p, "regions")
	p.Progress = model.NewCollection[*Progress](p, "progress")
	p.Achievements = model.NewCollection[*Achievement](p, "achievements")
	p.Capabilities = model.NewCollection[*Capability](p, "capabilities")
	p.Vouchers = model.NewCollection[*Voucher](p, "vouchers")
	p.MapTiles = model.NewCollection[*MapTile](p, "map_tiles")
	p.Invitations = model.NewCollection[*Invitation](p, "invitations")
	p.Gifts = model.NewCollection[*Gift](p, "gifts")
}

// Touch records a client request.
func (s *Session) Touch() error {
	now := clock.Micros(s.Now())
	if _, err := s.c.Exec("user_touch", store.Args{"user_id": s.UserID(), "now": now}); err != nil {
		return err
	}
	model.Set(s.Player, "last_accessed", &s.Player.LastAccessed, &now)
	return nil
}

func (s *Session) UpdateViewedAlertsAt() error {
	now := clock.Micros(s.Now())
	if _, err := s.c.Exec("user_viewed_alerts", store.Args{"user_id": s.UserID(), "now": now}); err != nil {
		return err
	}
	model.Set(s.Player, "viewed_alerts_at", &s.Player.ViewedAlertsAt, &now)
	return nil
}

func (s *Session) SetNotificationFrequency(freq string) error {
	switch freq {
	case FrequencyOff, FrequencyShort, FrequencyDaily, FrequencyWeekly:
	default:
		return validationf(protocol.ErrBadRequest, "unknown notification frequency %q", freq)
	}
	if _, err := s.c.Exec("notification_set", store.Args{"user_id": s.UserID(), "kind": alertKind, "frequency": freq}); err != nil {
		return err
	}
	s.Player.AlertFrequency.Set(s.Player, "activity_alert_frequency", freq)
	return nil
}
