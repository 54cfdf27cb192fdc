package game

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bxcodec/faker/v4"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/tuning"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	g     *Game
	clock *clock.Virtual
	logs  *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := catalogs.Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	clk := clock.NewManual(testStart)
	db, err := store.Open(store.Options{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "game.db"),
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logs := &bytes.Buffer{}
	g := New(Options{
		DB:       db,
		Catalogs: cat,
		Tuning:   tuning.Defaults(),
		Events:   events.NewRegistry(),
		Logger:   log.New(logs, "", 0),
	})
	return &harness{t: t, g: g, clock: clk, logs: logs}
}

func (h *harness) ctx() context.Context { return context.Background() }

// player creates a fresh player and returns its id and its rover's id.
func (h *harness) player() (string, string) {
	h.t.Helper()
	userID, err := h.g.CreatePlayer(h.ctx(), NewPlayer{
		Email:     strings.ToLower(faker.Email()),
		FirstName: faker.FirstName(),
		LastName:  faker.LastName(),
		Password:  "hunter22",
		Valid:     true,
	})
	if err != nil {
		h.t.Fatalf("create player: %v", err)
	}
	var roverID string
	h.with(userID, func(s *Session) error {
		rovers, err := s.Player.Rovers.All()
		if err != nil {
			return err
		}
		if len(rovers) != 1 {
			h.t.Fatalf("rovers=%d", len(rovers))
		}
		roverID = rovers[0].ID()
		return nil
	})
	return userID, roverID
}

func (h *harness) with(userID string, fn func(s *Session) error) {
	h.t.Helper()
	if err := h.g.WithPlayer(h.ctx(), userID, fn); err != nil {
		h.t.Fatalf("with player: %v", err)
	}
}

func (h *harness) advance(d time.Duration) { h.clock.Advance(d) }

// target creates a user-created picture target near the lander.
func (h *harness) target(userID, roverID string, delta int64, md map[string]string) *Target {
	h.t.Helper()
	var t *Target
	h.with(userID, func(s *Session) error {
		var err error
		t, err = s.CreateTarget(roverID, TargetRequest{
			Lat:          6.2408,
			Lng:          -109.4142,
			ArrivalDelta: delta,
			Metadata:     md,
			Picture:      true,
			UserCreated:  true,
		})
		return err
	})
	return t
}

// render leases the next target and stores a result for it.
func (h *harness) render(tiles ...TileKey) *RenderJob {
	h.t.Helper()
	job, err := h.g.NextTarget(h.ctx())
	if err != nil {
		h.t.Fatalf("next target: %v", err)
	}
	if job == nil {
		h.t.Fatalf("nothing to render")
	}
	rt := job.Rovers[0].Targets[len(job.Rovers[0].Targets)-1]
	err = h.g.ProcessedTarget(h.ctx(), ProcessedRequest{
		UserID:      job.UserID,
		RoverID:     job.Rovers[0].RoverID,
		TargetID:    rt.TargetID,
		ArrivalTime: rt.ArrivalTime,
		Metadata:    rt.Metadata,
		Images: map[string]string{
			ImagePhoto:   "photo/" + rt.TargetID + ".jpg",
			ImageThumb:   "thumb/" + rt.TargetID + ".jpg",
			ImageSpecies: "species/" + rt.TargetID + ".jpg",
		},
		Tiles: tiles,
	})
	if err != nil {
		h.t.Fatalf("processed target: %v", err)
	}
	return job
}

func (h *harness) chips(userID string) []chips.Chip {
	h.t.Helper()
	cs, err := h.g.FetchChips(h.ctx(), userID, 0)
	if err != nil {
		h.t.Fatalf("fetch: %v", err)
	}
	return cs
}

func (h *harness) state(userID string) *State {
	h.t.Helper()
	st, err := h.g.Gamestate(h.ctx(), userID)
	if err != nil {
		h.t.Fatalf("gamestate: %v", err)
	}
	return st
}

// projected digs a target out of a gamestate, or nil.
func projected(st *State, roverID, targetID string) map[string]any {
	rovers, _ := st.User["rovers"].(map[string]any)
	rover, _ := rovers[roverID].(map[string]any)
	targets, _ := rover["targets"].(map[string]any)
	t, _ := targets[targetID].(map[string]any)
	return t
}

func pathEnd(ch chips.Chip) string {
	if len(ch.Path) == 0 {
		return ""
	}
	return ch.Path[len(ch.Path)-1]
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	ge, ok := AsError(err)
	if !ok {
		t.Fatalf("expected a game error, got %v", err)
	}
	return ge.Code
}
