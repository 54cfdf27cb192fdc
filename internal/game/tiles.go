package game

import (
	"strconv"
	"time"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/deferred"
	"roverworld.ai/internal/model"
	"roverworld.ai/internal/persistence/store"
)

type TileKey struct {
	Zoom int `json:"zoom"`
	X    int `json:"x"`
	Y    int `json:"y"`
}

type tileRow struct {
	Seq         int64  `db:"seq"`
	UserID      string `db:"user_id"`
	Zoom        int    `db:"zoom"`
	X           int    `db:"x"`
	Y           int    `db:"y"`
	ArrivalTime int64  `db:"arrival_time"`
	ExpiryTime  *int64 `db:"expiry_time"`
}

// MapTile is one rendered map tile. ArrivalTime is game seconds;
// ExpiryTime is wall-clock microseconds and set once a later tile for the
// same key supersedes it.
type MapTile struct {
	model.Base
	Zoom        int
	X           int
	Y           int
	ArrivalTime int64
	ExpiryTime  *int64
}

var tileSchema = model.NewSchema("map_tile", "tile_id",
	[]model.Field{
		model.F("tile_id", func(t *MapTile) any { return t.ID() }),
		model.F("zoom", func(t *MapTile) any { return t.Zoom }),
		model.F("x", func(t *MapTile) any { return t.X }),
		model.F("y", func(t *MapTile) any { return t.Y }),
		model.F("arrival_time", func(t *MapTile) any { return t.ArrivalTime }),
		model.F("expiry_time", func(t *MapTile) any { return t.ExpiryTime }),
	},
	nil,
)

func (t *MapTile) Schema() *model.Schema { return tileSchema }

func newMapTile(row tileRow, isNew bool) *MapTile {
	t := &MapTile{Zoom: row.Zoom, X: row.X, Y: row.Y, ArrivalTime: row.ArrivalTime, ExpiryTime: row.ExpiryTime}
	model.Init(t, strconv.FormatInt(row.Seq, 10), "", isNew)
	return t
}

func (t *MapTile) visible(p *Player, now time.Time, leeway int) bool {
	if t.ArrivalTime > p.EpochNowAt(now)+int64(leeway) {
		return false
	}
	return t.ExpiryTime == nil || *t.ExpiryTime > clock.Micros(now.Add(-time.Duration(leeway)*time.Second))
}

type tileArrival struct {
	TileID     string `json:"tile_id"`
	Superseded string `json:"superseded,omitempty"`
}

// AddMapTiles files the tiles a render covered. Each new tile arrives with
// the target; a same-key tile arriving earlier expires when it does, and a
// same-key tile arriving later bounds the new one's expiry. The client
// hears about a tile LEEWAY before its arrival.
func (s *Session) AddMapTiles(t *Target, keys []TileKey) error {
	for _, k := range keys {
		if err := s.addMapTile(t.ArrivalTime, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) addMapTile(arrival int64, k TileKey) error {
	args := store.Args{"user_id": s.UserID(), "zoom": k.Zoom, "x": k.X, "y": k.Y}
	existing, err := store.Rows[tileRow](s.c, "tiles_for_key", args)
	if err != nil {
		return err
	}
	row := tileRow{UserID: s.UserID(), Zoom: k.Zoom, X: k.X, Y: k.Y, ArrivalTime: arrival}
	var prev, next *tileRow
	for i := range existing {
		e := &existing[i]
		if e.ArrivalTime <= arrival {
			prev = e
		} else if next == nil {
			next = e
		}
	}
	if next != nil {
		exp := clock.Micros(s.Wall(next.ArrivalTime))
		row.ExpiryTime = &exp
	}
	row.Seq, err = store.Row[int64](s.c, "tile_insert", store.Args{
		"user_id":      row.UserID,
		"zoom":         row.Zoom,
		"x":            row.X,
		"y":            row.Y,
		"arrival_time": row.ArrivalTime,
		"expiry_time":  row.ExpiryTime,
	})
	if err != nil {
		return err
	}

	payload := tileArrival{TileID: strconv.FormatInt(row.Seq, 10)}
	if prev != nil {
		exp := clock.Micros(s.Wall(arrival))
		if _, err := s.c.Exec("tile_set_expiry", store.Args{"seq": prev.Seq, "expiry_time": exp}); err != nil {
			return err
		}
		payload.Superseded = strconv.FormatInt(prev.Seq, 10)
		if s.Player.MapTiles.Loaded() {
			if old, ok, _ := s.Player.MapTiles.Get(payload.Superseded); ok {
				old.ExpiryTime = &exp
			}
		}
	}
	s.Player.MapTiles.AddSilent(newMapTile(row, false))

	at := s.Wall(arrival - int64(s.g.tun.LeewaySeconds))
	if !at.After(s.Now()) {
		return s.announceTile(payload)
	}
	_, err = s.g.queue.ScheduleAt(s.c, s.UserID(), DeferredMaptileArrive, "tile:"+payload.TileID, at, payload)
	return err
}

// announceTile tells the client about a tile and the tile it supersedes.
func (s *Session) announceTile(a tileArrival) error {
	tile, ok, err := s.Player.MapTiles.Get(a.TileID)
	if err != nil {
		return err
	}
	if !ok {
		s.warnf("map tile %s vanished before arrival", a.TileID)
		return nil
	}
	v, err := model.ToStruct(tile)
	if err != nil {
		return err
	}
	if err := s.chipAt(chips.ActionAdd, tile.Path(), v, s.Now()); err != nil {
		return err
	}
	if a.Superseded == "" {
		return nil
	}
	old, ok, err := s.Player.MapTiles.Get(a.Superseded)
	if err != nil || !ok {
		return err
	}
	return s.chipAt(chips.ActionMod, old.Path(), map[string]any{"tile_id": old.ID(), "expiry_time": old.ExpiryTime}, s.Now())
}

func (s *Session) maptileArrive(row deferred.Row) error {
	var a tileArrival
	if err := row.Decode(&a); err != nil {
		return err
	}
	return s.announceTile(a)
}
