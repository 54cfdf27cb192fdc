package game

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/protocol"
)

func TestCreateArriveView(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	leeway := int64(h.g.Tuning().LeewaySeconds)

	tgt := h.target(userID, roverID, 21600, nil)
	if tgt.ArrivalTime != 21600 {
		t.Fatalf("arrival=%d", tgt.ArrivalTime)
	}
	h.render()

	h.advance(time.Duration(21600-leeway-1) * time.Second)
	got := projected(h.state(userID), roverID, tgt.ID())
	if got == nil {
		t.Fatalf("target missing from gamestate")
	}
	if imgs := got["images"].(map[string]string); len(imgs) != 0 {
		t.Fatalf("images visible a second early: %v", imgs)
	}
	if got["processed"] != false {
		t.Fatalf("processed visible early")
	}
	for _, ch := range h.chips(userID) {
		if ch.Action == chips.ActionMod && pathEnd(ch) == tgt.ID() && ch.Value["images"] != nil {
			t.Fatalf("reveal chip readable early at %d", ch.Time)
		}
	}

	h.advance(time.Duration(leeway+1) * time.Second)
	got = projected(h.state(userID), roverID, tgt.ID())
	imgs := got["images"].(map[string]string)
	if !strings.HasSuffix(imgs[ImagePhoto], "photo/"+tgt.ID()+".jpg") || got["processed"] != true {
		t.Fatalf("after arrival: %v", got)
	}
	want := clock.Micros(testStart.Add(time.Duration(21600-leeway) * time.Second))
	found := false
	for _, ch := range h.chips(userID) {
		if ch.Action == chips.ActionMod && pathEnd(ch) == tgt.ID() && ch.Value["images"] != nil {
			found = true
			if ch.Time != want {
				t.Fatalf("reveal chip time=%d want=%d", ch.Time, want)
			}
		}
	}
	if !found {
		t.Fatalf("no reveal chip")
	}
}

func TestCreateTarget_ClipsLongHop(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	from := catalogs.LatLng{Lat: 6.2407, Lng: -109.4143}
	req := TargetRequest{CID: "c-hop", Lat: 6.2413, Lng: -109.4136, ArrivalDelta: 3600, Picture: true, UserCreated: true}

	cs, err := h.g.Act(h.ctx(), userID, 0, func(s *Session) error {
		_, err := s.CreateTarget(roverID, req)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	var add *chips.Chip
	for i := range cs {
		if cs[i].Action == chips.ActionAdd && pathEnd(cs[i]) == "c-hop" {
			add = &cs[i]
		}
	}
	if add == nil {
		t.Fatalf("no ADD chip under the cid in %v", cs)
	}
	lat, lng := add.Value["lat"].(float64), add.Value["lng"].(float64)
	if lat == req.Lat || lng == req.Lng {
		t.Fatalf("point was not clipped: %v,%v", lat, lng)
	}
	limit := 50 + h.g.Tuning().DistanceGraceMeters
	if d := Distance(from, catalogs.LatLng{Lat: lat, Lng: lng}); d > limit {
		t.Fatalf("clipped hop is %.2fm, limit %.2fm", d, limit)
	}
	if !strings.Contains(h.logs.String(), "clipped") {
		t.Fatalf("clip was not logged: %s", h.logs.String())
	}
	if add.Value["target_id"] == "" || add.Value["target_id"] == "c-hop" {
		t.Fatalf("ADD lacks the server id: %v", add.Value)
	}

	prev := catalogs.LatLng{Lat: lat, Lng: lng}
	var far *Target
	h.with(userID, func(s *Session) error {
		var err error
		far, err = s.CreateTarget(roverID, TargetRequest{CID: "c-far", Lat: prev.Lat, Lng: prev.Lng + 179, ArrivalDelta: 3600, UserCreated: true})
		return err
	})
	if d := Distance(prev, catalogs.LatLng{Lat: far.Lat, Lng: far.Lng}); d > limit {
		t.Fatalf("long hop clipped to %.2fm, limit %.2fm", d, limit)
	}
}

func TestCreateTarget_RefusesBadOrClashingCID(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	first := h.target(userID, roverID, 3600, nil)

	for _, cid := range []string{first.ID(), roverID, "has space", "path/sep", strings.Repeat("c", 65)} {
		err := h.g.WithPlayer(h.ctx(), userID, func(s *Session) error {
			_, err := s.CreateTarget(roverID, TargetRequest{CID: cid, Lat: 6.2408, Lng: -109.4142, ArrivalDelta: 3600, UserCreated: true})
			return err
		})
		if codeOf(t, err) != protocol.ErrBadRequest {
			t.Fatalf("cid %q: %v", cid, err)
		}
	}

	err := h.g.WithPlayer(h.ctx(), userID, func(s *Session) error {
		req := TargetRequest{CID: "c-twice", Lat: 6.2408, Lng: -109.4142, ArrivalDelta: 3600, UserCreated: true}
		if _, err := s.CreateTarget(roverID, req); err != nil {
			return err
		}
		_, err := s.CreateTarget(roverID, req)
		return err
	})
	if codeOf(t, err) != protocol.ErrBadRequest {
		t.Fatalf("repeated cid in one request: %v", err)
	}
	h.with(userID, func(s *Session) error {
		r, _, _ := s.Player.Rovers.Get(roverID)
		if n, _ := r.Targets.Len(); n != 1 {
			t.Fatalf("targets=%d, want only the first", n)
		}
		return nil
	})
}

func TestCID_LaterChipsUseServerID(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	var id string
	if _, err := h.g.Act(h.ctx(), userID, 0, func(s *Session) error {
		tg, err := s.CreateTarget(roverID, TargetRequest{CID: "c-1", Lat: 6.2408, Lng: -109.4142, ArrivalDelta: 3600, UserCreated: true})
		if err == nil {
			id = tg.ID()
		}
		return err
	}); err != nil {
		t.Fatal(err)
	}
	since := clock.Micros(h.clock.Now())
	h.advance(time.Second)
	cs, err := h.g.Act(h.ctx(), userID, since, func(s *Session) error {
		tg, err := s.FindTarget(id)
		if err != nil {
			return err
		}
		return s.NeuterTarget(tg)
	})
	if err != nil {
		t.Fatal(err)
	}
	mods := 0
	for _, ch := range cs {
		if ch.Action != chips.ActionMod || len(ch.Path) < 2 || ch.Path[len(ch.Path)-2] != "targets" {
			continue
		}
		mods++
		if pathEnd(ch) != id || ch.Value["target_id"] != id {
			t.Fatalf("MOD addressed by %v value=%v", ch.Path, ch.Value)
		}
	}
	if mods != 1 {
		t.Fatalf("mods=%d in %v", mods, cs)
	}
}

func TestAbortCascadeRefunds(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	const pano = "CAP_S1_CAMERA_PANORAMA"
	var before int
	h.with(userID, func(s *Session) error {
		c, _, err := s.Player.Capabilities.Get(pano)
		before = c.Uses
		return err
	})

	t1 := h.target(userID, roverID, 3600, nil)
	t2 := h.target(userID, roverID, 3600, map[string]string{FeaturePanorama: "1"})
	t3 := h.target(userID, roverID, 3600, nil)
	h.with(userID, func(s *Session) error {
		c, _, err := s.Player.Capabilities.Get(pano)
		if c.Uses != before-1 {
			t.Fatalf("panorama uses=%d want %d", c.Uses, before-1)
		}
		return err
	})

	since := clock.Micros(h.clock.Now())
	h.advance(time.Second)
	cs, err := h.g.Act(h.ctx(), userID, since, func(s *Session) error { return s.AbortTarget(t2.ID()) })
	if err != nil {
		t.Fatal(err)
	}
	var deleted []string
	for _, ch := range cs {
		if ch.Action == chips.ActionDelete {
			deleted = append(deleted, pathEnd(ch))
		}
	}
	if diff := cmp.Diff([]string{t3.ID(), t2.ID()}, deleted); diff != "" {
		t.Fatalf("delete order (-want +got):\n%s", diff)
	}

	st := h.state(userID)
	if projected(st, roverID, t1.ID()) == nil {
		t.Fatalf("first target went with the cascade")
	}
	for _, id := range []string{t2.ID(), t3.ID()} {
		if projected(st, roverID, id) != nil {
			t.Fatalf("target %s survived the abort", id)
		}
	}
	caps := st.User["capabilities"].(map[string]any)
	if uses := caps[pano].(map[string]any)["uses"]; uses != before {
		t.Fatalf("panorama uses=%v want %d", uses, before)
	}
	h.with(userID, func(s *Session) error {
		rows, err := h.g.Queue().Pending(s.Ctx(), userID)
		for _, r := range rows {
			if r.Subtype == t2.ID() || r.Subtype == t3.ID() {
				t.Fatalf("deferred %s/%s outlived its target", r.Type, r.Subtype)
			}
		}
		return err
	})
}

func TestNeuteredTargetStaysBlankAndCanBeDeleted(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	leeway := int64(h.g.Tuning().LeewaySeconds)
	const pano = "CAP_S1_CAMERA_PANORAMA"
	var before int
	h.with(userID, func(s *Session) error {
		c, _, err := s.Player.Capabilities.Get(pano)
		before = c.Uses
		return err
	})

	t1 := h.target(userID, roverID, 3600, nil)
	t2 := h.target(userID, roverID, 3600, map[string]string{FeaturePanorama: "1"})

	since := clock.Micros(h.clock.Now())
	h.advance(time.Second)
	cs, err := h.g.Act(h.ctx(), userID, since, func(s *Session) error {
		for _, id := range []string{t1.ID(), t2.ID()} {
			tg, err := s.FindTarget(id)
			if err != nil {
				return err
			}
			if err := s.NeuterTarget(tg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range cs {
		if ch.Action == chips.ActionMod && pathEnd(ch) == t1.ID() {
			if ch.Value["neutered"] != true || ch.Value["processed"] != false {
				t.Fatalf("neuter chip leaks state: %v", ch.Value)
			}
		}
	}
	if job, err := h.g.NextTarget(h.ctx()); err != nil || job != nil {
		t.Fatalf("neutered target offered for rendering: %+v %v", job, err)
	}

	since = clock.Micros(h.clock.Now())
	h.advance(time.Second)
	cs, err = h.g.Act(h.ctx(), userID, since, func(s *Session) error {
		tg, err := s.FindTarget(t2.ID())
		if err != nil {
			return err
		}
		return s.DeleteTarget(tg)
	})
	if err != nil {
		t.Fatal(err)
	}
	var deleted []string
	for _, ch := range cs {
		if ch.Action == chips.ActionDelete {
			deleted = append(deleted, pathEnd(ch))
		}
	}
	if diff := cmp.Diff([]string{t2.ID()}, deleted); diff != "" {
		t.Fatalf("deletes (-want +got):\n%s", diff)
	}
	h.with(userID, func(s *Session) error {
		rows, err := h.g.Queue().Pending(s.Ctx(), userID)
		for _, r := range rows {
			if r.Subtype == t2.ID() {
				t.Fatalf("deferred %s outlived the deleted target", r.Type)
			}
		}
		return err
	})

	h.advance(time.Duration(3600+leeway) * time.Second)
	st := h.state(userID)
	if projected(st, roverID, t2.ID()) != nil {
		t.Fatalf("deleted target still projected")
	}
	got := projected(st, roverID, t1.ID())
	if got == nil {
		t.Fatalf("neutered target missing")
	}
	if imgs := got["images"].(map[string]string); len(imgs) != 0 || got["processed"] != false || got["classified"] != false {
		t.Fatalf("neutered target shows render state after arrival: %v", got)
	}
	caps := st.User["capabilities"].(map[string]any)
	if uses := caps[pano].(map[string]any)["uses"]; uses != before {
		t.Fatalf("panorama uses=%v want %d", uses, before)
	}
}

func TestMarkForRerenderOffersTargetAgain(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	tgt := h.target(userID, roverID, 3600, nil)
	h.render()
	if job, err := h.g.NextTarget(h.ctx()); err != nil || job != nil {
		t.Fatalf("rendered target offered again: %+v %v", job, err)
	}

	h.advance(10 * time.Minute)
	now := clock.Micros(h.clock.Now())
	since := now
	h.advance(time.Second)
	now = clock.Micros(h.clock.Now())
	cs, err := h.g.Act(h.ctx(), userID, since, func(s *Session) error {
		tg, err := s.FindTarget(tgt.ID())
		if err != nil {
			return err
		}
		if !tg.Processed {
			t.Fatalf("target not processed before rerender")
		}
		return s.MarkForRerender(tg)
	})
	if err != nil {
		t.Fatal(err)
	}
	sawMod := false
	for _, ch := range cs {
		if ch.Action == chips.ActionMod && pathEnd(ch) == tgt.ID() && ch.Value["processed"] == false {
			sawMod = true
		}
	}
	if !sawMod {
		t.Fatalf("no MOD for the rerender in %v", cs)
	}
	h.with(userID, func(s *Session) error {
		tg, err := s.FindTarget(tgt.ID())
		if err != nil {
			return err
		}
		if tg.Processed || tg.RenderAt < now || tg.RenderAt > now+1000 {
			t.Fatalf("processed=%v render_at=%d now=%d", tg.Processed, tg.RenderAt, now)
		}
		return nil
	})

	job, err := h.g.NextTarget(h.ctx())
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.TargetID != tgt.ID() {
		t.Fatalf("rerender not offered: %+v", job)
	}
}

func TestAbortWindowCloses(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	leeway := int64(h.g.Tuning().LeewaySeconds)
	h.target(userID, roverID, 3600, nil)
	second := h.target(userID, roverID, 3600, nil)
	if second.CanAbortUntil == nil || *second.CanAbortUntil != 3600-leeway {
		t.Fatalf("can_abort_until=%v", second.CanAbortUntil)
	}
	h.advance(time.Duration(3600-leeway+1) * time.Second)
	err := h.g.WithPlayer(h.ctx(), userID, func(s *Session) error { return s.AbortTarget(second.ID()) })
	if codeOf(t, err) != protocol.ErrNotAbortable {
		t.Fatalf("err=%v", err)
	}
}

func TestRenderLeaseBreak(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	tgt := h.target(userID, roverID, 3600, nil)

	first, err := h.g.NextTarget(h.ctx())
	if err != nil || first == nil || first.TargetID != tgt.ID() {
		t.Fatalf("first lease: %+v err=%v", first, err)
	}
	if again, err := h.g.NextTarget(h.ctx()); err != nil || again != nil {
		t.Fatalf("lease handed out twice: %+v err=%v", again, err)
	}

	h.advance(h.g.Tuning().RenderLockTTL() + time.Minute)
	second, err := h.g.NextTarget(h.ctx())
	if err != nil || second == nil || second.TargetID != tgt.ID() {
		t.Fatalf("second lease: %+v err=%v", second, err)
	}
	if !strings.Contains(h.logs.String(), "breaking stale render lease") {
		t.Fatalf("lease break not logged: %s", h.logs.String())
	}

	rt := second.Rovers[0].Targets[0]
	err = h.g.ProcessedTarget(h.ctx(), ProcessedRequest{
		UserID: userID, RoverID: roverID, TargetID: tgt.ID(), ArrivalTime: rt.ArrivalTime,
		Metadata: rt.Metadata,
		Images:   map[string]string{ImagePhoto: "p.jpg", ImageThumb: "t.jpg", ImageSpecies: "s.jpg"},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.with(userID, func(s *Session) error {
		got, err := s.FindTarget(tgt.ID())
		if err == nil && (got.LockedAt != nil || !got.Processed) {
			t.Fatalf("locked_at=%v processed=%v", got.LockedAt, got.Processed)
		}
		return err
	})
	if job, err := h.g.NextTarget(h.ctx()); err != nil || job != nil {
		t.Fatalf("processed target offered again: %+v err=%v", job, err)
	}
}

func TestProcessedTarget_RefusesDroppedMetadata(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	tgt := h.target(userID, roverID, 3600, map[string]string{"TGT_NOTE": "rocks"})
	job, err := h.g.NextTarget(h.ctx())
	if err != nil || job == nil {
		t.Fatalf("lease: %v", err)
	}
	err = h.g.ProcessedTarget(h.ctx(), ProcessedRequest{
		UserID: userID, RoverID: roverID, TargetID: tgt.ID(), ArrivalTime: tgt.ArrivalTime,
		Metadata: map[string]string{},
		Images:   map[string]string{ImagePhoto: "p", ImageThumb: "t", ImageSpecies: "s"},
	})
	if !IsInvariant(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestAdvanceGameActivation(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	tgt := h.target(userID, roverID, 6*3600, nil)
	h.render()

	start := h.clock.Now()
	if err := h.g.AdvanceGame(h.ctx(), userID, 6*3600); err != nil {
		t.Fatal(err)
	}
	activation := clock.Micros(start.Add(h.g.Tuning().ActivationDelay()))
	h.advance(time.Second)

	var reveal, epoch *chips.Chip
	cs := h.chips(userID)
	for i, ch := range cs {
		switch {
		case ch.Action == chips.ActionMod && pathEnd(ch) == tgt.ID() && ch.Value["images"] != nil:
			reveal = &cs[i]
		case ch.Action == chips.ActionMod && len(ch.Path) == 1 && ch.Value["epoch"] != nil:
			epoch = &cs[i]
		}
	}
	if reveal == nil || reveal.Time != activation {
		t.Fatalf("reveal chip=%+v want time %d", reveal, activation)
	}
	if epoch == nil || epoch.Time >= activation {
		t.Fatalf("epoch chip=%+v activation=%d", epoch, activation)
	}
	got := projected(h.state(userID), roverID, tgt.ID())
	if len(got["images"].(map[string]string)) == 0 {
		t.Fatalf("images hidden after advance: %v", got)
	}
	h.with(userID, func(s *Session) error {
		if now := s.EpochNow(); now < 6*3600 {
			t.Fatalf("epoch now=%d", now)
		}
		return nil
	})
}

func TestAdvanceRewindSymmetry(t *testing.T) {
	h := newHarness(t)
	userID, roverID := h.player()
	tgt := h.target(userID, roverID, 6*3600, nil)

	var epoch0, render0 int64
	h.with(userID, func(s *Session) error {
		epoch0 = s.Player.Epoch
		got, err := s.FindTarget(tgt.ID())
		if err == nil {
			render0 = got.RenderAt
		}
		return err
	})

	if err := h.g.AdvanceGame(h.ctx(), userID, 3600); err != nil {
		t.Fatal(err)
	}
	if err := h.g.RewindGame(h.ctx(), userID, 3600); err != nil {
		t.Fatal(err)
	}
	h.with(userID, func(s *Session) error {
		if s.Player.Epoch != epoch0 {
			t.Fatalf("epoch=%d want %d", s.Player.Epoch, epoch0)
		}
		got, err := s.FindTarget(tgt.ID())
		if err == nil && got.RenderAt != render0 {
			t.Fatalf("render_at=%d want %d", got.RenderAt, render0)
		}
		return err
	})
	err := h.g.RewindGame(h.ctx(), userID, 60)
	if codeOf(t, err) != protocol.ErrBadRequest {
		t.Fatalf("rewind past the start: %v", err)
	}
}

func TestDelayedSpeciesReveal(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	const plant = "SPC_PLANT006"
	def := h.g.Catalogs().Species.ByID[plant]

	h.with(userID, func(s *Session) error {
		_, isNew, err := s.IdentifySpecies(plant)
		if !isNew {
			t.Fatalf("first sighting not new")
		}
		return err
	})
	sp := h.state(userID).User["species"].(map[string]any)[plant].(map[string]any)
	if !strings.Contains(sp["name"].(string), h.g.Tuning().SpeciesPlaceholder) || sp["icon"] != h.g.Tuning().SpeciesPlaceholderIcon {
		t.Fatalf("species shown early: %v", sp)
	}
	if got := sp["available_at"].(int64) - sp["detected_at"].(int64); got != def.DelaySeconds {
		t.Fatalf("delay=%d want %d", got, def.DelaySeconds)
	}

	since := clock.Micros(h.clock.Now())
	h.advance(time.Duration(def.DelaySeconds) * time.Second)
	if n, err := h.g.ProcessDeferred(h.ctx(), userID); err != nil || n != 1 {
		t.Fatalf("deferred n=%d err=%v", n, err)
	}
	cs, err := h.g.FetchChips(h.ctx(), userID, since)
	if err != nil {
		t.Fatal(err)
	}
	var reveal []chips.Chip
	for _, ch := range cs {
		if ch.Action == chips.ActionMod && pathEnd(ch) == plant {
			reveal = append(reveal, ch)
		}
	}
	if len(reveal) != 1 {
		t.Fatalf("reveal chips=%v", reveal)
	}
	v := reveal[0].Value
	if v["name"] != def.Name || v["icon"] != def.Icon || v["science_name"] != def.ScienceName {
		t.Fatalf("reveal=%v", v)
	}

	since = clock.Micros(h.clock.Now())
	h.advance(time.Hour)
	if n, err := h.g.ProcessDeferred(h.ctx(), userID); err != nil || n != 0 {
		t.Fatalf("later deferred n=%d err=%v", n, err)
	}
	cs, _ = h.g.FetchChips(h.ctx(), userID, since)
	for _, ch := range cs {
		if pathEnd(ch) == plant {
			t.Fatalf("species changed again: %+v", ch)
		}
	}
}

func TestLateDeferredChipsFollowFetchedOnes(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	const plant = "SPC_PLANT006"
	def := h.g.Catalogs().Species.ByID[plant]
	h.with(userID, func(s *Session) error {
		_, _, err := s.IdentifySpecies(plant)
		return err
	})

	// Nothing processes the queue for a while; the client keeps polling.
	h.advance(time.Duration(def.DelaySeconds)*time.Second + 2*time.Hour)
	cs, err := h.g.Act(h.ctx(), userID, 0, func(s *Session) error { return s.UpdateViewedAlertsAt() })
	if err != nil || len(cs) == 0 {
		t.Fatalf("chips=%d err=%v", len(cs), err)
	}
	lastSeen := cs[len(cs)-1].Time

	h.advance(time.Second)
	if n, err := h.g.ProcessDeferred(h.ctx(), userID); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !strings.Contains(h.logs.String(), "past its deadline") {
		t.Fatalf("overshoot not logged: %s", h.logs.String())
	}
	cs, err = h.g.FetchChips(h.ctx(), userID, lastSeen)
	if err != nil {
		t.Fatal(err)
	}
	var reveal *chips.Chip
	for i := range cs {
		if cs[i].Action == chips.ActionMod && pathEnd(cs[i]) == plant {
			reveal = &cs[i]
		}
	}
	if reveal == nil {
		t.Fatalf("late reveal hidden behind last seen %d: %v", lastSeen, cs)
	}
	if reveal.Time <= lastSeen || reveal.Time > clock.Micros(h.clock.Now()) {
		t.Fatalf("reveal at %d, last seen %d", reveal.Time, lastSeen)
	}
}

func TestManmadeSpeciesIsImmediate(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.player()
	h.with(userID, func(s *Session) error {
		sp, _, err := s.IdentifySpecies("SPC_MANMADE001")
		if err == nil && sp.AvailableAt != sp.DetectedAt {
			t.Fatalf("manmade species delayed")
		}
		return err
	})
	sp := h.state(userID).User["species"].(map[string]any)["SPC_MANMADE001"].(map[string]any)
	if sp["name"] != "Lander Debris" {
		t.Fatalf("name=%v", sp["name"])
	}
}
