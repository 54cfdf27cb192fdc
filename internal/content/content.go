// Package content holds the story rules shipped with the game: what
// happens when a player signs up, when a rover arrives and when a mission
// wants a say over a new target.
package content

import (
	"fmt"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/game"
	"roverworld.ai/internal/persistence/store"
)

const (
	StartingMission = "MIS_TUTORIAL01"
	WelcomeMessage  = "MSG_WELCOME"

	tutorialDrive   = "MIS_TUTORIAL01a"
	tutorialSpecies = "MIS_TUTORIAL01b"
	surveyMission   = "MIS_SURVEY01"
	surveyArea      = "RGN_SURVEY_AREA"

	achFirstTarget  = "ACH_FIRST_TARGET"
	achFirstSpecies = "ACH_FIRST_SPECIES"

	// Arrivals the drive tutorial asks for.
	tutorialArrivals = 3
	// Survey targets must stay this close to the survey area's centre.
	surveyReachMeters = 2000.0
)

// StartingRegions are granted to every new player.
var StartingRegions = []string{"RGN_LANDING_ZONE", "RGN_CRATER_RIM"}

// PhotoSequence is delivered one message per photographed arrival.
var PhotoSequence = []string{"MSG_FIRST_PHOTO", "MSG_SECOND_PHOTO", "MSG_SIGNAL"}

// Register installs the shipped callback classes. It fails when the
// catalogs lack anything the rules refer to.
func Register(reg *events.Registry, cat *catalogs.Catalogs) error {
	if err := check(cat); err != nil {
		return err
	}
	photos, err := NewMessageSequence(cat, PhotoSequence...)
	if err != nil {
		return err
	}

	reg.SetDefault(events.ScopeUser, events.Class{
		events.UserCreated: userCreated,
	})
	reg.SetDefault(events.ScopeTarget, events.Class{
		events.ArrivedAtTarget: func(c *store.Ctx, ev *events.Event) error {
			if err := arrivedAtTarget(c, ev); err != nil {
				return err
			}
			t := ev.Subject.(*game.Target)
			if !t.Picture || t.Neutered {
				return nil
			}
			return photos.Advance(c)
		},
	})
	reg.SetDefault(events.ScopeSpecies, events.Class{
		events.SpeciesIdentified: speciesIdentified,
	})
	reg.Register(events.ScopeMission, StartingMission, events.Class{
		events.MissionDone: func(c *store.Ctx, _ *events.Event) error {
			s, err := session(c)
			if err != nil {
				return err
			}
			_, err = s.StartMission(surveyMission, "")
			return err
		},
	})
	reg.Register(events.ScopeMission, tutorialDrive, events.Class{
		events.MissionTargetArrived: tutorialDriveArrived,
	})
	reg.Register(events.ScopeMission, surveyMission, events.Class{
		events.ValidateNewTargetParams: surveyValidate,
		events.MissionTargetArrived:    surveyArrived,
	})
	return nil
}

func check(cat *catalogs.Catalogs) error {
	for _, id := range []string{StartingMission, tutorialDrive, tutorialSpecies, surveyMission} {
		if _, ok := cat.Missions.ByID[id]; !ok {
			return fmt.Errorf("content: mission %s is not defined", id)
		}
	}
	for _, id := range append([]string{surveyArea}, StartingRegions...) {
		if _, ok := cat.Regions.ByID[id]; !ok {
			return fmt.Errorf("content: region %s is not defined", id)
		}
	}
	for _, id := range []string{achFirstTarget, achFirstSpecies} {
		if _, ok := cat.Achievements.ByID[id]; !ok {
			return fmt.Errorf("content: achievement %s is not defined", id)
		}
	}
	if _, ok := cat.Messages.ByID[WelcomeMessage]; !ok {
		return fmt.Errorf("content: message %s is not defined", WelcomeMessage)
	}
	return nil
}

func session(c *store.Ctx) (*game.Session, error) {
	s, ok := game.SessionOf(c)
	if !ok {
		return nil, fmt.Errorf("content: callback outside a player context")
	}
	return s, nil
}

func userCreated(c *store.Ctx, _ *events.Event) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	for _, r := range StartingRegions {
		if err := s.AddRegion(r); err != nil {
			return err
		}
	}
	if _, err := s.StartMission(StartingMission, ""); err != nil {
		return err
	}
	_, err = s.DeliverMessage(WelcomeMessage)
	return err
}

// arrivedAtTarget hands the arrival to every open mission.
func arrivedAtTarget(c *store.Ctx, ev *events.Event) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	if _, err := s.AddAchievement(achFirstTarget); err != nil {
		return err
	}
	missions, err := s.Player.Missions.All()
	if err != nil {
		return err
	}
	for _, m := range missions {
		if m.Done {
			continue
		}
		if _, err := s.Dispatch(events.ScopeMission, m.ID(), events.MissionTargetArrived, ev.Subject, nil); err != nil {
			return err
		}
	}
	return nil
}

func speciesIdentified(c *store.Ctx, _ *events.Event) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	if _, err := s.AddAchievement(achFirstSpecies); err != nil {
		return err
	}
	if _, ok, err := s.Player.Missions.Get(tutorialSpecies); err != nil || !ok {
		return err
	}
	return s.CompleteMission(tutorialSpecies)
}

func tutorialDriveArrived(c *store.Ctx, _ *events.Event) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	rovers, err := s.Player.Rovers.All()
	if err != nil {
		return err
	}
	now := s.EpochNow()
	arrived := 0
	for _, r := range rovers {
		ts, err := r.Targets.All()
		if err != nil {
			return err
		}
		for _, t := range ts {
			if t.UserCreated && t.ArrivalTime <= now {
				arrived++
			}
		}
	}
	if arrived < tutorialArrivals {
		return nil
	}
	return s.CompleteMission(tutorialDrive)
}

func surveyValidate(c *store.Ctx, ev *events.Event) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	area := s.Game().Catalogs().Regions.ByID[surveyArea]
	p := catalogs.LatLng{Lat: ev.Params["lat"].(float64), Lng: ev.Params["lng"].(float64)}
	if d := game.Distance(area.Center, p); d > surveyReachMeters {
		return game.Veto("survey targets must stay within %.0fm of the basin, this one is %.0fm away", surveyReachMeters, d)
	}
	return nil
}

func surveyArrived(c *store.Ctx, ev *events.Event) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	t := ev.Subject.(*game.Target)
	area := s.Game().Catalogs().Regions.ByID[surveyArea]
	if !t.Picture || t.Neutered || !game.RegionContains(area, catalogs.LatLng{Lat: t.Lat, Lng: t.Lng}) {
		return nil
	}
	return s.CompleteMission(surveyMission)
}
