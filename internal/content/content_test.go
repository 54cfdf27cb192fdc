package content

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
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/game"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
	"roverworld.ai/internal/tuning"
)

type world struct {
	t     *testing.T
	g     *game.Game
	cat   *catalogs.Catalogs
	clock *clock.Virtual
}

func newWorld(t *testing.T) *world {
	t.Helper()
	cat, err := catalogs.Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewManual(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	db, err := store.Open(store.Options{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "content.db"), Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	reg := events.NewRegistry()
	if err := Register(reg, cat); err != nil {
		t.Fatalf("register: %v", err)
	}
	g := game.New(game.Options{
		DB:       db,
		Catalogs: cat,
		Tuning:   tuning.Defaults(),
		Events:   reg,
		Logger:   log.New(&bytes.Buffer{}, "", 0),
	})
	return &world{t: t, g: g, cat: cat, clock: clk}
}

func (w *world) player() string {
	w.t.Helper()
	id, err := w.g.CreatePlayer(context.Background(), game.NewPlayer{
		Email:     faker.Email(),
		FirstName: faker.FirstName(),
		LastName:  faker.LastName(),
		Password:  faker.Password() + "xyz123",
	})
	if err != nil {
		w.t.Fatalf("create player: %v", err)
	}
	return id
}

func (w *world) with(userID string, fn func(s *game.Session) error) {
	w.t.Helper()
	if err := w.g.WithPlayer(context.Background(), userID, fn); err != nil {
		w.t.Fatalf("with player: %v", err)
	}
}

func mission(t *testing.T, s *game.Session, id string) *game.Mission {
	t.Helper()
	m, ok, err := s.Player.Missions.Get(id)
	if err != nil || !ok {
		t.Fatalf("mission %s: ok=%v err=%v", id, ok, err)
	}
	return m
}

func TestNewPlayerStartsTutorial(t *testing.T) {
	w := newWorld(t)
	userID := w.player()
	w.with(userID, func(s *game.Session) error {
		for _, id := range StartingRegions {
			if _, ok, _ := s.Player.Regions.Get(id); !ok {
				t.Fatalf("region %s not granted", id)
			}
		}
		for _, id := range []string{StartingMission, tutorialDrive, tutorialSpecies} {
			if m := mission(t, s, id); m.Done {
				t.Fatalf("%s already done", id)
			}
		}
		ok, err := s.MessageDelivered(WelcomeMessage)
		if !ok {
			t.Fatalf("no welcome message")
		}
		return err
	})
}

func TestArrivalsDriveTheTutorial(t *testing.T) {
	w := newWorld(t)
	userID := w.player()
	w.with(userID, func(s *game.Session) error {
		rovers, err := s.Player.Rovers.All()
		if err != nil {
			return err
		}
		for i := 0; i < tutorialArrivals; i++ {
			_, err := s.CreateTarget(rovers[0].ID(), game.TargetRequest{
				Lat:          6.2408 + float64(i)*0.0001,
				Lng:          -109.4142,
				ArrivalDelta: 3600,
				Picture:      true,
				UserCreated:  true,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	w.clock.Advance(time.Duration(tutorialArrivals) * time.Hour)
	if _, err := w.g.ProcessDeferred(context.Background(), userID); err != nil {
		t.Fatal(err)
	}
	w.with(userID, func(s *game.Session) error {
		if _, ok, _ := s.Player.Achievements.Get(achFirstTarget); !ok {
			t.Fatalf("no arrival achievement")
		}
		if !mission(t, s, tutorialDrive).Done {
			t.Fatalf("drive tutorial open after %d arrivals", tutorialArrivals)
		}
		if mission(t, s, StartingMission).Done {
			t.Fatalf("tutorial closed with a part open")
		}
		for _, k := range PhotoSequence[:2] {
			if ok, _ := s.MessageDelivered(k); !ok {
				t.Fatalf("%s not delivered", k)
			}
		}
		last := PhotoSequence[2]
		delivered, _ := s.MessageDelivered(last)
		queued, err := s.MessageDeliveredOrQueued(last)
		if delivered || !queued {
			t.Fatalf("%s delivered=%v queued=%v", last, delivered, queued)
		}
		return err
	})
}

func TestSpeciesFinishesTutorialAndOpensSurvey(t *testing.T) {
	w := newWorld(t)
	userID := w.player()
	w.with(userID, func(s *game.Session) error {
		if err := s.CompleteMission(tutorialDrive); err != nil {
			return err
		}
		_, _, err := s.IdentifySpecies("SPC_MANMADE001")
		return err
	})
	w.with(userID, func(s *game.Session) error {
		for _, id := range []string{tutorialSpecies, StartingMission} {
			if !mission(t, s, id).Done {
				t.Fatalf("%s still open", id)
			}
		}
		if mission(t, s, surveyMission).Done {
			t.Fatalf("survey done on start")
		}
		for _, a := range []string{achFirstSpecies, "ACH_TUTORIAL_DONE"} {
			if _, ok, _ := s.Player.Achievements.Get(a); !ok {
				t.Fatalf("missing achievement %s", a)
			}
		}
		_, ok, err := s.Player.Regions.Get("RGN_SURVEY_AREA")
		if !ok {
			t.Fatalf("survey region not granted")
		}
		return err
	})
}

func TestSurveyRules(t *testing.T) {
	w := newWorld(t)
	userID := w.player()
	w.with(userID, func(s *game.Session) error {
		if _, err := s.StartMission(surveyMission, ""); err != nil {
			return err
		}
		_, err := s.Dispatch(events.ScopeMission, surveyMission, events.ValidateNewTargetParams, nil, map[string]any{"lat": 6.30, "lng": -109.40})
		ge, ok := game.AsError(err)
		if !ok || ge.Code != protocol.ErrMissionVeto {
			t.Fatalf("far target not vetoed: %v", err)
		}
		if _, err := s.Dispatch(events.ScopeMission, surveyMission, events.ValidateNewTargetParams, nil, map[string]any{"lat": 6.2407, "lng": -109.4143}); err != nil {
			t.Fatalf("near target vetoed: %v", err)
		}

		outside := &game.Target{Picture: true, Lat: 6.2407, Lng: -109.4143}
		if _, err := s.Dispatch(events.ScopeMission, surveyMission, events.MissionTargetArrived, outside, nil); err != nil {
			return err
		}
		if mission(t, s, surveyMission).Done {
			t.Fatalf("survey done from outside the area")
		}
		inside := &game.Target{Picture: true, Lat: 6.2381, Lng: -109.4159}
		if _, err := s.Dispatch(events.ScopeMission, surveyMission, events.MissionTargetArrived, inside, nil); err != nil {
			return err
		}
		if !mission(t, s, surveyMission).Done {
			t.Fatalf("survey open after a photo inside the area")
		}
		return nil
	})
}

func TestMessageSequenceValidation(t *testing.T) {
	cat, err := catalogs.Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatal(err)
	}
	for name, keys := range map[string][]string{
		"empty":    nil,
		"unknown":  {"MSG_WELCOME", "MSG_NOPE"},
		"repeated": {"MSG_WELCOME", "MSG_SIGNAL", "MSG_WELCOME"},
	} {
		if _, err := NewMessageSequence(cat, keys...); err == nil {
			t.Fatalf("%s sequence accepted", name)
		}
	}
	seq, err := NewMessageSequence(cat, PhotoSequence...)
	if err != nil || len(seq.Keys()) != len(PhotoSequence) {
		t.Fatalf("seq=%v err=%v", seq, err)
	}

	area := cat.Regions.ByID[surveyArea]
	delete(cat.Regions.ByID, surveyArea)
	if err := Register(events.NewRegistry(), cat); err == nil || !strings.Contains(err.Error(), surveyArea) {
		t.Fatalf("registered against a catalog without %s: %v", surveyArea, err)
	}
	cat.Regions.ByID[surveyArea] = area

	delete(cat.Missions.ByID, surveyMission)
	if err := Register(events.NewRegistry(), cat); err == nil {
		t.Fatalf("registered against a catalog without %s", surveyMission)
	}
}

func TestMessageSequenceWaitsForPredecessor(t *testing.T) {
	w := newWorld(t)
	userID := w.player()
	seq, err := NewMessageSequence(w.cat, "MSG_SIGNAL", "MSG_SECOND_PHOTO")
	if err != nil {
		t.Fatal(err)
	}
	w.with(userID, func(s *game.Session) error {
		for i := 0; i < 2; i++ {
			if err := seq.Advance(s.Ctx()); err != nil {
				return err
			}
		}
		queued, _ := s.MessageDeliveredOrQueued("MSG_SIGNAL")
		second, err := s.MessageDeliveredOrQueued("MSG_SECOND_PHOTO")
		if !queued || second {
			t.Fatalf("signal queued=%v second queued=%v", queued, second)
		}
		return err
	})
}
