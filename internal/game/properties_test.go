package game

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

func TestChipsAreMonotonic(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	h.target(userID, roverID, 3600, map[string]string{FeaturePanorama: "1"})
	h.render(TileKey{Zoom: 12, X: 1, Y: 2})
	h.advance(time.Minute)
	second := h.target(userID, roverID, 3600, nil)
	h.with(userID, func(s *Session) error {
		_, _, err := s.IdentifySpecies("SPC_PLANT006")
		return err
	})
	h.advance(2 * time.Hour)
	if _, err := h.g.ProcessDeferred(h.ctx(), userID); err != nil {
		t.Fatal(err)
	}
	if err := h.g.AdvanceGame(h.ctx(), userID, 1800); err != nil {
		t.Fatal(err)
	}
	h.with(userID, func(s *Session) error { return s.MarkViewed(ViewTarget, second.ID()) })
	h.advance(time.Hour)

	cs := h.chips(userID)
	if len(cs) < 5 {
		t.Fatalf("only %d chips", len(cs))
	}
	for i := 1; i < len(cs); i++ {
		a, b := cs[i-1], cs[i]
		if a.Time > b.Time || (a.Time == b.Time && a.Seq >= b.Seq) {
			t.Fatalf("chip %d (%d,%d) not before chip %d (%d,%d)", i-1, a.Time, a.Seq, i, b.Time, b.Seq)
		}
	}
}

func TestFetchReturnsEachChipOnce(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	since := clock.Micros(h.clock.Now())
	h.advance(time.Second)
	at := clock.Micros(h.clock.Now())
	h.with(userID, func(s *Session) error { return s.SetNotificationFrequency(FrequencyWeekly) })

	first, err := h.g.FetchChips(h.ctx(), userID, since)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].Time != at || first[0].Value["activity_alert_frequency"] != FrequencyWeekly {
		t.Fatalf("first=%+v", first)
	}
	again, err := h.g.FetchChips(h.ctx(), userID, first[0].Time)
	if err != nil || len(again) != 0 {
		t.Fatalf("again=%+v err=%v", again, err)
	}
}

func TestScheduleIsIdempotentPerSubtype(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	h.with(userID, func(s *Session) error {
		q := h.g.Queue()
		for i, want := range []bool{true, false} {
			ok, err := q.Schedule(s.Ctx(), userID, DeferredMessageDelivery, "MSG_SIGNAL", time.Hour, nil)
			if err != nil {
				return err
			}
			if ok != want {
				t.Fatalf("schedule %d queued=%v", i, ok)
			}
		}
		rows, err := q.Pending(s.Ctx(), userID)
		if len(rows) != 1 {
			t.Fatalf("rows=%d", len(rows))
		}
		return err
	})
}

// visibleTiles counts the rows of one key live at wall instant at.
func visibleTiles(p *Player, tiles []*MapTile, at time.Time) int {
	n := 0
	for _, tl := range tiles {
		if tl.ArrivalTime > p.EpochNowAt(at) {
			continue
		}
		if tl.ExpiryTime == nil || *tl.ExpiryTime > clock.Micros(at) {
			n++
		}
	}
	return n
}

func TestMaptileSuccession(t *testing.T) {
	for _, tc := range []struct {
		name  string
		order []int64
	}{
		{"in order", []int64{3600, 7200, 10800}},
		{"out of order", []int64{10800, 3600, 7200}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			userID, _ := h.player()
			key := TileKey{Zoom: 14, X: 7, Y: 9}
			h.with(userID, func(s *Session) error {
				for _, arrival := range tc.order {
					if err := s.addMapTile(arrival, key); err != nil {
						return err
					}
				}
				return nil
			})
			h.with(userID, func(s *Session) error {
				tiles, err := s.Player.MapTiles.All()
				if err != nil {
					return err
				}
				if len(tiles) != 3 {
					t.Fatalf("tiles=%d", len(tiles))
				}
				for sec := int64(0); sec <= 14400; sec += 600 {
					at := s.Player.Wall(sec)
					want := 1
					if sec < 3600 {
						want = 0
					}
					if got := visibleTiles(s.Player, tiles, at); got != want {
						t.Fatalf("at %ds: %d live tiles, want %d", sec, got, want)
					}
				}
				return nil
			})
		})
	}
}

func TestMaptileChipsWaitForArrival(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	leeway := time.Duration(h.g.Tuning().LeewaySeconds) * time.Second
	h.with(userID, func(s *Session) error { return s.addMapTile(3600, TileKey{Zoom: 1, X: 1, Y: 1}) })
	if len(h.state(userID).User["map_tiles"].(map[string]any)) != 0 {
		t.Fatalf("tile visible before arrival")
	}
	h.advance(time.Hour - leeway)
	if n, err := h.g.ProcessDeferred(h.ctx(), userID); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	added := 0
	for _, ch := range h.chips(userID) {
		if len(ch.Path) >= 2 && ch.Path[len(ch.Path)-2] == "map_tiles" {
			added++
		}
	}
	if added != 1 || len(h.state(userID).User["map_tiles"].(map[string]any)) != 1 {
		t.Fatalf("tile chips=%d", added)
	}
}

func TestCreateTarget_Rejections(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	req := TargetRequest{Lat: 6.2408, Lng: -109.4142, ArrivalDelta: 600, UserCreated: true}

	create := func(mut func(s *Session)) error {
		return h.g.WithPlayer(h.ctx(), userID, func(s *Session) error {
			if mut != nil {
				mut(s)
			}
			_, err := s.CreateTarget(roverID, req)
			return err
		})
	}

	err := create(func(s *Session) {
		r, _, _ := s.Player.Rovers.Get(roverID)
		r.Active = false
	})
	if codeOf(t, err) != protocol.ErrRoverInactive {
		t.Fatalf("inactive: %v", err)
	}

	req.Metadata = map[string]string{"NOT_A_TARGET_KEY": "x"}
	if codeOf(t, create(nil)) != protocol.ErrBadRequest {
		t.Fatalf("bad metadata accepted")
	}
	req.Metadata = nil

	h.with(userID, func(s *Session) error {
		_, err := s.StartMission("MIS_SURVEY01", "")
		return err
	})
	h.g.Events().Register(events.ScopeMission, "MIS_SURVEY01", events.Class{
		events.ValidateNewTargetParams: func(_ *store.Ctx, ev *events.Event) error {
			if ev.Params["user_created"] == true {
				return Veto("not in my basin")
			}
			return nil
		},
	})
	if codeOf(t, create(nil)) != protocol.ErrMissionVeto {
		t.Fatalf("veto ignored")
	}
	h.with(userID, func(s *Session) error {
		r, _, _ := s.Player.Rovers.Get(roverID)
		if n, _ := r.Targets.Len(); n != 0 {
			t.Fatalf("vetoed target persisted")
		}
		return nil
	})

	req.UserCreated = false
	for i := 0; i < 5; i++ {
		if err := create(nil); err != nil {
			t.Fatalf("target %d: %v", i, err)
		}
	}
	if codeOf(t, create(nil)) != protocol.ErrTooManyTargets {
		t.Fatalf("sixth unarrived target accepted")
	}
}

func TestCreateTarget_ClampsArrival(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	tgt := h.target(userID, roverID, 10, nil)
	lo := int64(600 - h.g.Tuning().TimeGraceSeconds)
	if tgt.ArrivalTime != lo {
		t.Fatalf("arrival=%d want %d", tgt.ArrivalTime, lo)
	}
	far := h.target(userID, roverID, 10*172800, nil)
	if want := tgt.ArrivalTime + 172800 + int64(h.g.Tuning().TimeGraceSeconds); far.ArrivalTime != want {
		t.Fatalf("arrival=%d want %d", far.ArrivalTime, want)
	}
}

func TestFeatures_PanoramaBeatsInfrared(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	uses := func() map[string]int {
		out := map[string]int{}
		h.with(userID, func(s *Session) error {
			caps, err := s.Player.Capabilities.All()
			for _, c := range caps {
				out[c.ID()] = c.Uses
			}
			return err
		})
		return out
	}
	before := uses()
	tgt := h.target(userID, roverID, 3600, map[string]string{FeaturePanorama: "1", FeatureInfrared: "1", "TGT_RDR_SECRET": "x"})
	md, _ := tgt.Metadata.Get()
	if diff := cmp.Diff(map[string]string{FeaturePanorama: "1"}, md); diff != "" {
		t.Fatalf("metadata (-want +got):\n%s", diff)
	}
	after := uses()
	if after["CAP_S1_CAMERA_PANORAMA"] != before["CAP_S1_CAMERA_PANORAMA"]-1 || after["CAP_S1_CAMERA_INFRARED"] != before["CAP_S1_CAMERA_INFRARED"] {
		t.Fatalf("before=%v after=%v", before, after)
	}

	since := clock.Micros(h.clock.Now())
	h.advance(time.Second)
	cs, err := h.g.Act(h.ctx(), userID, since, func(s *Session) error {
		_, err := s.CreateTarget(roverID, TargetRequest{
			Lat: 6.2408, Lng: -109.4142, ArrivalDelta: 3600, UserCreated: true,
			Metadata: map[string]string{FeaturePanorama: "1", FeatureInfrared: "1"},
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	var touched []string
	for _, ch := range cs {
		if ch.Action == chips.ActionMod && len(ch.Path) > 1 && ch.Path[len(ch.Path)-2] == "capabilities" {
			touched = append(touched, pathEnd(ch))
		}
	}
	if diff := cmp.Diff([]string{"CAP_S1_CAMERA_PANORAMA"}, touched); diff != "" {
		t.Fatalf("capability chips (-want +got):\n%s", diff)
	}
}

func TestFeatures_ExhaustedCapabilityDropsKey(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	var initial int
	h.with(userID, func(s *Session) error {
		c, _, err := s.Player.Capabilities.Get("CAP_S1_CAMERA_INFRARED")
		initial = c.Uses
		return err
	})
	for i := 0; i < initial; i++ {
		h.target(userID, roverID, 3600, map[string]string{FeatureInfrared: "1"})
	}
	tgt := h.target(userID, roverID, 3600, map[string]string{FeatureInfrared: "1"})
	md, _ := tgt.Metadata.Get()
	if _, ok := md[FeatureInfrared]; ok {
		t.Fatalf("exhausted feature kept")
	}
}

func TestCheckSpeciesAndViewing(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	tgt := h.target(userID, roverID, 3600, nil)
	job, err := h.g.NextTarget(h.ctx())
	if err != nil || job == nil {
		t.Fatalf("lease: %v", err)
	}
	err = h.g.ProcessedTarget(h.ctx(), ProcessedRequest{
		UserID: userID, RoverID: roverID, TargetID: tgt.ID(), ArrivalTime: tgt.ArrivalTime,
		Metadata: map[string]string{SpeciesBoxPrefix + "SPC_PLANT012": "0.1,0.1,0.3,0.3"},
		Images:   map[string]string{ImagePhoto: "p", ImageThumb: "t", ImageSpecies: "s"},
		Sounds:   map[string]string{"WIND": "wind.ogg"},
	})
	if err != nil {
		t.Fatal(err)
	}

	h.with(userID, func(s *Session) error {
		_, err := s.CheckSpecies(tgt.ID(), []RectInput{{XMin: 0, YMin: 0, XMax: 0.5, YMax: 0.5}})
		if codeOf(t, err) != protocol.ErrNotArrived {
			t.Fatalf("checked before arrival: %v", err)
		}
		if codeOf(t, s.MarkViewed(ViewTarget, tgt.ID())) != protocol.ErrNotArrived {
			t.Fatalf("viewed before arrival")
		}
		return nil
	})

	h.advance(time.Hour)
	h.with(userID, func(s *Session) error {
		if _, err := s.CheckSpecies(tgt.ID(), []RectInput{{XMin: 0.5, YMin: 0.5, XMax: 0.2, YMax: 0.9}}); codeOf(t, err) != protocol.ErrBadRequest {
			t.Fatalf("inverted rect accepted: %v", err)
		}
		found, err := s.CheckSpecies(tgt.ID(), []RectInput{
			{XMin: 0, YMin: 0, XMax: 0.5, YMax: 0.5},
			{XMin: 0.6, YMin: 0.6, XMax: 0.9, YMax: 0.9},
		})
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]string{"SPC_PLANT012"}, found); diff != "" {
			t.Fatalf("found (-want +got):\n%s", diff)
		}
		if err := s.MarkViewed(ViewTarget, tgt.ID()); err != nil {
			return err
		}
		return s.MarkViewed(ViewSpecies, "SPC_PLANT012")
	})

	got := projected(h.state(userID), roverID, tgt.ID())
	if v, _ := got["viewed_at"].(*int64); v == nil {
		t.Fatalf("viewed_at unset")
	}
	if _, ok := got["metadata"].(map[string]string)[SpeciesBoxPrefix+"SPC_PLANT012"]; ok {
		t.Fatalf("renderer key leaked to the client")
	}
	if n := len(got["image_rects"].(map[string]any)); n != 2 {
		t.Fatalf("image_rects=%d", n)
	}
	if n := len(got["sounds"].(map[string]any)); n != 1 {
		t.Fatalf("sounds=%d", n)
	}
}

func TestMessages(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	var msgID string
	h.with(userID, func(s *Session) error {
		queued, err := s.ScheduleMessage("MSG_SIGNAL", -1)
		if err != nil || !queued {
			t.Fatalf("queued=%v err=%v", queued, err)
		}
		ok, err := s.MessageDeliveredOrQueued("MSG_SIGNAL")
		if err != nil || !ok {
			t.Fatalf("not queued")
		}
		delivered, _ := s.MessageDelivered("MSG_SIGNAL")
		if delivered {
			t.Fatalf("delivered early")
		}
		return nil
	})
	h.advance(10 * time.Minute)
	if n, err := h.g.ProcessDeferred(h.ctx(), userID); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	h.with(userID, func(s *Session) error {
		m, ok, err := s.messageByType("MSG_SIGNAL")
		if err != nil || !ok || !m.Locked {
			t.Fatalf("message=%+v ok=%v err=%v", m, ok, err)
		}
		msgID = m.ID()
		if _, err := s.MessageContent(msgID); codeOf(t, err) != protocol.ErrMessageLocked {
			t.Fatalf("locked content handed out: %v", err)
		}
		if err := s.MessageUnlock(msgID, "scarlet"); codeOf(t, err) != protocol.ErrBadPassword {
			t.Fatalf("wrong password accepted: %v", err)
		}
		return s.MessageUnlock(msgID, "  crimson ")
	})
	h.with(userID, func(s *Session) error {
		body, err := s.MessageContent(msgID)
		if err != nil {
			return err
		}
		if body.Body == "" || body.Sender != "Unknown" {
			t.Fatalf("body=%+v", body)
		}
		if err := s.MessageForward(msgID, "not an address"); codeOf(t, err) != protocol.ErrBadEmail {
			t.Fatalf("bad recipient accepted: %v", err)
		}
		return s.MessageForward(msgID, "Friend <friend@example.com>")
	})
	if n, err := h.g.ProcessDeferred(h.ctx(), userID); err != nil || n != 1 {
		t.Fatalf("email n=%d err=%v", n, err)
	}
	msgs := h.state(userID).User["messages"].(map[string]any)
	m := msgs[msgID].(map[string]any)
	if readAt, _ := m["read_at"].(*int64); m["locked"] != false || readAt == nil {
		t.Fatalf("message=%v", m)
	}
}

func TestMissionsAndAchievements(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	var done []string
	h.g.Events().SetDefault(events.ScopeMission, events.Class{
		events.MissionDone: func(_ *store.Ctx, ev *events.Event) error {
			done = append(done, ev.Discriminator)
			return nil
		},
	})
	h.with(userID, func(s *Session) error {
		if _, err := s.StartMission("MIS_TUTORIAL01", ""); err != nil {
			return err
		}
		if n, _ := s.Player.Missions.Len(); n != 3 {
			t.Fatalf("missions=%d", n)
		}
		if err := s.CompleteMission("MIS_TUTORIAL01a"); err != nil {
			return err
		}
		return s.CompleteMission("MIS_TUTORIAL01b")
	})
	if diff := cmp.Diff([]string{"MIS_TUTORIAL01a", "MIS_TUTORIAL01b", "MIS_TUTORIAL01"}, done); diff != "" {
		t.Fatalf("done (-want +got):\n%s", diff)
	}
	achs := h.state(userID).User["achievements"].(map[string]any)
	if _, ok := achs["ACH_TUTORIAL_DONE"]; !ok {
		t.Fatalf("achievements=%v", achs)
	}
	h.with(userID, func(s *Session) error {
		isNew, err := s.AddAchievement("ACH_TUTORIAL_DONE")
		if isNew {
			t.Fatalf("achievement awarded twice")
		}
		return err
	})
}

func TestProgress(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	h.with(userID, func(s *Session) error {
		if _, err := s.CreateProgress("", "x"); codeOf(t, err) != protocol.ErrBadRequest {
			t.Fatalf("empty key accepted")
		}
		a, err := s.CreateProgress("TUTORIAL_MAP", "1")
		if err != nil {
			return err
		}
		b, err := s.CreateProgress("TUTORIAL_MAP", "2")
		if err != nil {
			return err
		}
		if a != b || b.Value != "1" {
			t.Fatalf("progress rewritten: %+v", b)
		}
		return nil
	})
}

func TestPlayersAndLogin(t *testing.T) {
	h := newHarness(t)
	np := NewPlayer{Email: "pilot@example.com", FirstName: "Ada", LastName: "Byron", Password: "correct horse"}
	userID, err := h.g.CreatePlayer(h.ctx(), np)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.g.CreatePlayer(h.ctx(), np); codeOf(t, err) != protocol.ErrConflict {
		t.Fatalf("duplicate email: %v", err)
	}
	bad := np
	bad.Email = "nope"
	if _, err := h.g.CreatePlayer(h.ctx(), bad); codeOf(t, err) != protocol.ErrBadEmail {
		t.Fatalf("bad email: %v", err)
	}

	got, err := h.g.Authenticate(h.ctx(), np.Email, np.Password)
	if err != nil || got != userID {
		t.Fatalf("login=%q err=%v", got, err)
	}
	if _, err := h.g.Authenticate(h.ctx(), np.Email, "wrong"); codeOf(t, err) != protocol.ErrUnauthorized {
		t.Fatalf("wrong password: %v", err)
	}

	h.with(userID, func(s *Session) error { return s.ValidatePlayer() })
	if h.state(userID).User["valid"] != true {
		t.Fatalf("player not valid")
	}

	list, err := h.g.ListPlayers(h.ctx())
	if err != nil || len(list) != 1 {
		t.Fatalf("list=%v err=%v", list, err)
	}
	p := list[0]
	if p.UserID != userID || p.Name != "Ada Byron" || !p.Valid || !p.Created.Equal(testStart) {
		t.Fatalf("summary=%+v", p)
	}
}
