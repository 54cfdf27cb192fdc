package game

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/deferred"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/model"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

// TargetRequest carries the parameters of a new target. ArrivalDelta is
// seconds from the target's start.
type TargetRequest struct {
	CID          string
	Lat          float64
	Lng          float64
	Yaw          float64
	Pitch        float64
	ArrivalDelta int64
	Metadata     map[string]string

	Picture     bool
	UserCreated bool
}

const maxCIDLen = 64

// Veto is what a mission callback returns to refuse a new target.
func Veto(format string, args ...any) *Error {
	return constraintf(protocol.ErrMissionVeto, format, args...)
}

func (s *Session) findTarget(targetID string) (*Target, error) {
	rovers, err := s.Player.Rovers.All()
	if err != nil {
		return nil, err
	}
	for _, r := range rovers {
		t, ok, err := r.Targets.Get(targetID)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, notFoundf("no target %s", targetID)
}

// FindTarget resolves a target id in the player's tree.
func (s *Session) FindTarget(targetID string) (*Target, error) { return s.findTarget(targetID) }

// CreateTarget validates req against the rover and the player's content
// and queues the new target behind the rover's last one.
func (s *Session) CreateTarget(roverID string, req TargetRequest) (*Target, error) {
	tun := s.g.tun
	rover, ok, err := s.Player.Rovers.Get(roverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundf("no rover %s", roverID)
	}
	if !rover.Active {
		return nil, s.reject(constraintf(protocol.ErrRoverInactive, "rover %s is not active", roverID))
	}
	if err := s.checkCID(req.CID); err != nil {
		return nil, err
	}
	for k := range req.Metadata {
		if !strings.HasPrefix(k, "TGT_") {
			return nil, validationf(protocol.ErrBadRequest, "bad metadata key %q", k)
		}
	}

	now := s.EpochNow()
	unarrived, err := rover.Unarrived(now)
	if err != nil {
		return nil, err
	}
	if len(unarrived)+1 > rover.MaxUnarrivedTargets {
		return nil, s.reject(constraintf(protocol.ErrTooManyTargets, "rover %s already has %d unarrived targets", roverID, len(unarrived)))
	}

	last, err := rover.Last()
	if err != nil {
		return nil, err
	}
	start := now
	if last != nil && last.ArrivalTime > start {
		start = last.ArrivalTime
	}

	grace := int64(tun.TimeGraceSeconds)
	lo := start + rover.MinTargetSeconds - grace
	hi := start + rover.MaxTargetSeconds + grace
	arrival := start + req.ArrivalDelta
	if arrival < lo || arrival > hi {
		clamped := min(max(arrival, lo), hi)
		s.warnf("target arrival %d clamped to %d", arrival, clamped)
		arrival = clamped
	}
	if req.UserCreated && arrival < now {
		return nil, s.reject(constraintf(protocol.ErrArrivalInPast, "target would arrive in the past"))
	}

	from, err := rover.Position()
	if err != nil {
		return nil, err
	}
	point := catalogs.LatLng{Lat: req.Lat, Lng: req.Lng}
	if Distance(from, point) > rover.MaxTravelDistance+tun.DistanceGraceMeters {
		clipped, _ := clip(from, point, rover.MaxTravelDistance)
		s.warnf("target (%.6f,%.6f) clipped to (%.6f,%.6f)", point.Lat, point.Lng, clipped.Lat, clipped.Lng)
		point = clipped
	}

	regions, err := s.Player.Regions.All()
	if err != nil {
		return nil, err
	}
	for _, r := range regions {
		if !regionAllows(r.Def(), point) {
			return nil, s.reject(constraintf(protocol.ErrRegion, "target violates region %s", r.ID()))
		}
	}

	metadata, consumed, err := s.consumeFeatures(req.Metadata, req.UserCreated)
	if err != nil {
		return nil, err
	}

	missions, err := s.Player.Missions.All()
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"rover_id":     roverID,
		"lat":          point.Lat,
		"lng":          point.Lng,
		"start_time":   start,
		"arrival_time": arrival,
		"metadata":     metadata,
		"user_created": req.UserCreated,
	}
	for _, m := range missions {
		if m.Done {
			continue
		}
		if _, err := s.Dispatch(events.ScopeMission, m.ID(), events.ValidateNewTargetParams, m, params); err != nil {
			if ge, ok := AsError(err); ok {
				return nil, s.reject(ge)
			}
			return nil, err
		}
	}

	for _, c := range consumed {
		if err := s.saveCapability(c); err != nil {
			return nil, err
		}
	}

	row := targetRow{
		TargetID:    uuid.NewString(),
		UserID:      s.UserID(),
		RoverID:     roverID,
		StartTime:   start,
		ArrivalTime: arrival,
		Lat:         point.Lat,
		Lng:         point.Lng,
		Yaw:         req.Yaw,
		Pitch:       req.Pitch,
		Picture:     req.Picture,
		UserCreated: req.UserCreated,
		RenderAt:    clock.Micros(s.Wall(start)),
		Created:     clock.Micros(s.Now()),
	}
	if req.Picture && req.UserCreated {
		cau := start - int64(tun.LeewaySeconds)
		row.CanAbortUntil = &cau
	}
	ev, err := s.Dispatch(events.ScopeTarget, "", events.TargetCanAbortUntil, nil, params)
	if err != nil {
		return nil, err
	}
	if v, ok := ev.Result.(int64); ok && row.CanAbortUntil != nil {
		row.CanAbortUntil = &v
	}

	row.Seq, err = store.Row[int64](s.c, "target_insert", store.Args{
		"target_id":       row.TargetID,
		"user_id":         row.UserID,
		"rover_id":        row.RoverID,
		"start_time":      row.StartTime,
		"arrival_time":    row.ArrivalTime,
		"lat":             row.Lat,
		"lng":             row.Lng,
		"yaw":             row.Yaw,
		"pitch":           row.Pitch,
		"picture":         store.Bool(row.Picture),
		"user_created":    store.Bool(row.UserCreated),
		"can_abort_until": row.CanAbortUntil,
		"render_at":       row.RenderAt,
		"created":         row.Created,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range metadata {
		if _, err := s.c.Exec("target_metadata_set", store.Args{"target_id": row.TargetID, "key": k, "value": v}); err != nil {
			return nil, err
		}
	}

	// A client-addressed target keeps its CID in chip paths until the
	// next flush; it is filed under the server id straight away.
	id := row.TargetID
	if req.CID != "" {
		row.TargetID = ""
	}
	t := newTarget(row, req.CID, true)
	if err := rover.Targets.Insert(t); err != nil {
		var ke *model.KeyError
		if errors.As(err, &ke) {
			return nil, validationf(protocol.ErrBadRequest, "cid %q is already in use", req.CID)
		}
		return nil, err
	}
	if req.CID != "" {
		t.SetID(id)
	}
	t.Metadata.SetSilent(metadata)
	t.Images.SetSilent(map[string]string{})

	if _, err := s.Dispatch(events.ScopeTarget, "", events.TargetCreated, t, params); err != nil {
		return nil, err
	}
	if len(unarrived) == 0 {
		if _, err := s.Dispatch(events.ScopeTarget, "", events.TargetEnRoute, t, nil); err != nil {
			return nil, err
		}
	} else if _, err := s.g.queue.ScheduleAt(s.c, s.UserID(), DeferredTargetEnRoute, t.ID(), s.Wall(start), nil); err != nil {
		return nil, err
	}
	if _, err := s.g.queue.ScheduleAt(s.c, s.UserID(), DeferredTargetArrived, t.ID(), s.Wall(arrival), nil); err != nil {
		return nil, err
	}
	s.g.obs.TargetCreated(req.UserCreated)
	return t, nil
}

// checkCID refuses a client id that is malformed or already addresses
// something in the player's tree. An empty cid is a server-created target.
func (s *Session) checkCID(cid string) error {
	if cid == "" {
		return nil
	}
	if len(cid) > maxCIDLen {
		return validationf(protocol.ErrBadRequest, "cid is longer than %d bytes", maxCIDLen)
	}
	for _, r := range cid {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' || r == ':'
		if !ok {
			return validationf(protocol.ErrBadRequest, "bad cid %q", cid)
		}
	}
	rovers, err := s.Player.Rovers.All()
	if err != nil {
		return err
	}
	for _, r := range rovers {
		if r.ID() == cid {
			return validationf(protocol.ErrBadRequest, "cid %q names a rover", cid)
		}
		_, clash, err := r.Targets.Find(func(t *Target) bool { return t.ID() == cid || t.CID() == cid })
		if err != nil {
			return err
		}
		if clash {
			return validationf(protocol.ErrBadRequest, "cid %q is already in use", cid)
		}
	}
	return nil
}

// consumeFeatures takes one capability use for every feature key in md and
// drops keys whose capability is missing or spent. Panorama and infrared
// do not combine; infrared is dropped before anything is consumed.
func (s *Session) consumeFeatures(md map[string]string, userCreated bool) (map[string]string, []*Capability, error) {
	out := make(map[string]string, len(md))
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	byFeature := map[string]*Capability{}
	taken := map[*Capability]int{}
	for _, k := range keys {
		if userCreated && strings.HasPrefix(k, RendererKeyPrefix) {
			s.warnf("dropping renderer key %s from client request", k)
			continue
		}
		f, ok := s.g.cat.Features.ByKey[k]
		if !ok {
			out[k] = md[k]
			continue
		}
		c, ok, err := s.Player.Capabilities.Get(f.Capability)
		if err != nil {
			return nil, nil, err
		}
		if !ok || !c.Unlimited && c.Uses-taken[c] <= 0 {
			s.warnf("dropping %s: capability %s exhausted", k, f.Capability)
			continue
		}
		taken[c]++
		byFeature[k] = c
		out[k] = md[k]
	}
	if ir, ok := byFeature[FeatureInfrared]; ok {
		if _, pano := byFeature[FeaturePanorama]; pano {
			s.warnf("dropping %s: does not combine with %s", FeatureInfrared, FeaturePanorama)
			delete(out, FeatureInfrared)
			delete(byFeature, FeatureInfrared)
			taken[ir]--
		}
	}

	var consumed []*Capability
	for _, k := range keys {
		c, ok := byFeature[k]
		if !ok || taken[c] == 0 {
			continue
		}
		if !c.Unlimited {
			c.Uses -= taken[c]
			c.Mark("uses")
		}
		taken[c] = 0
		consumed = append(consumed, c)
	}
	return out, consumed, nil
}

func (s *Session) saveCapability(c *Capability) error {
	_, err := s.c.Exec("capability_set_uses", store.Args{"user_id": s.UserID(), "capability_key": c.ID(), "uses": c.Uses})
	return err
}

// refundFeatures hands back the capability uses t's metadata consumed.
func (s *Session) refundFeatures(t *Target) error {
	md, err := t.Metadata.Get()
	if err != nil {
		return err
	}
	for k := range md {
		f, ok := s.g.cat.Features.ByKey[k]
		if !ok {
			continue
		}
		c, ok, err := s.Player.Capabilities.Get(f.Capability)
		if err != nil {
			return err
		}
		if !ok || c.Unlimited {
			continue
		}
		model.Set(c, "uses", &c.Uses, c.Uses+1)
		if err := s.saveCapability(c); err != nil {
			return err
		}
	}
	return nil
}

// AbortTarget deletes t and every unarrived target queued behind it on the
// same rover, latest first.
func (s *Session) AbortTarget(targetID string) error {
	t, err := s.findTarget(targetID)
	if err != nil {
		return err
	}
	now := s.EpochNow()
	if t.CanAbortUntil == nil || *t.CanAbortUntil < now {
		return s.reject(constraintf(protocol.ErrNotAbortable, "target %s can no longer be aborted", targetID))
	}
	unarrived, err := t.Rover().Unarrived(now)
	if err != nil {
		return err
	}
	var doomed []*Target
	for _, u := range unarrived {
		if u == t || u.ArrivalTime > t.ArrivalTime || (u.ArrivalTime == t.ArrivalTime && u.Seq > t.Seq) {
			doomed = append(doomed, u)
		}
	}
	for i := len(doomed) - 1; i >= 0; i-- {
		if err := s.deleteTarget(doomed[i]); err != nil {
			return err
		}
	}
	s.g.obs.TargetsDeleted("abort", len(doomed))
	return nil
}

// DeleteTarget removes t without the abort window or cascade. Story logic
// uses it on neutered targets.
func (s *Session) DeleteTarget(t *Target) error {
	if err := s.deleteTarget(t); err != nil {
		return err
	}
	s.g.obs.TargetsDeleted("story", 1)
	return nil
}

func (s *Session) deleteTarget(t *Target) error {
	if _, err := s.Dispatch(events.ScopeTarget, "", events.TargetWillBeDeleted, t, nil); err != nil {
		return err
	}
	if err := s.refundFeatures(t); err != nil {
		return err
	}
	if _, err := s.g.queue.DeleteSubtype(s.c, s.UserID(), t.ID()); err != nil {
		return err
	}
	arg := store.Args{"target_id": t.ID()}
	for _, q := range []string{"target_metadata_delete", "target_images_delete", "target_sounds_delete", "target_rects_delete", "target_highlight_delete", "target_delete"} {
		if _, err := s.c.Exec(q, arg); err != nil {
			return err
		}
	}
	model.Delete(t)
	return nil
}

// NeuterTarget marks t processed without content so the renderer skips it.
func (s *Session) NeuterTarget(t *Target) error {
	if _, err := s.c.Exec("target_neuter", store.Args{"target_id": t.ID()}); err != nil {
		return err
	}
	model.Set(t, "processed", &t.Processed, true)
	model.Set(t, "neutered", &t.Neutered, true)
	t.LockedAt = nil
	return nil
}

// MarkForRerender queues t for the renderer again, no earlier than now.
func (s *Session) MarkForRerender(t *Target) error {
	renderAt := max(t.RenderAt, clock.Micros(s.Now()))
	if _, err := s.c.Exec("target_rerender", store.Args{"target_id": t.ID(), "render_at": renderAt}); err != nil {
		return err
	}
	model.Set(t, "processed", &t.Processed, false)
	model.Set(t, "render_at", &t.RenderAt, renderAt)
	return nil
}

// LockForProcessing takes the renderer lease on t. A lease younger than
// the TTL is refused; an older one is broken and reported.
func (s *Session) LockForProcessing(t *Target) (broken bool, err error) {
	now := clock.Micros(s.Now())
	if t.LockedAt != nil {
		age := now - *t.LockedAt
		if age < s.g.tun.RenderLockTTL().Microseconds() {
			return false, conflictf(protocol.ErrLeaseHeld, "target %s is locked", t.ID())
		}
		s.warnf("breaking stale render lease on target %s held for %ds", t.ID(), age/1_000_000)
		broken = true
	}
	n, err := s.c.Exec("target_lock", store.Args{"target_id": t.ID(), "now": now, "prev": t.LockedAt})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, conflictf(protocol.ErrLeaseHeld, "target %s lease changed hands", t.ID())
	}
	model.Set(t, "locked_at", &t.LockedAt, &now)
	return broken, nil
}

// Scene is a renderer's output for one target.
type Scene struct {
	Images     map[string]string
	Metadata   map[string]string
	Classified bool
	Sounds     map[string]string
	Tiles      []TileKey
}

// MarkProcessedWithScene stores a render. The client learns about it with a
// chip dated LEEWAY before arrival.
func (s *Session) MarkProcessedWithScene(t *Target, sc Scene) error {
	old, err := t.Metadata.Get()
	if err != nil {
		return err
	}
	for k := range old {
		if _, ok := sc.Metadata[k]; !ok {
			return model.Invariant("target", "render of %s drops metadata key %s", t.ID(), k)
		}
	}
	merged := make(map[string]string, len(sc.Metadata))
	for k, v := range sc.Metadata {
		merged[k] = v
		if old[k] == v {
			continue
		}
		if _, err := s.c.Exec("target_metadata_set", store.Args{"target_id": t.ID(), "key": k, "value": v}); err != nil {
			return err
		}
	}
	imgs := make(map[string]string, len(sc.Images))
	for kind, u := range sc.Images {
		imgs[kind] = u
		if _, err := s.c.Exec("target_image_set", store.Args{"target_id": t.ID(), "type": kind, "url": u}); err != nil {
			return err
		}
	}
	soundKeys := make([]string, 0, len(sc.Sounds))
	for k := range sc.Sounds {
		soundKeys = append(soundKeys, k)
	}
	sort.Strings(soundKeys)
	for _, k := range soundKeys {
		row := soundRow{SoundID: uuid.NewString(), TargetID: t.ID(), SoundKey: k, URL: sc.Sounds[k], Created: clock.Micros(s.Now())}
		if _, err := s.c.Exec("target_sound_insert", store.Args{
			"sound_id":  row.SoundID,
			"target_id": row.TargetID,
			"sound_key": row.SoundKey,
			"url":       row.URL,
			"created":   row.Created,
		}); err != nil {
			return err
		}
		t.Sounds.AddSilent(newSound(row, false))
	}
	if _, err := s.c.Exec("target_processed", store.Args{"target_id": t.ID(), "classified": store.Bool(sc.Classified)}); err != nil {
		return err
	}

	t.Processed = true
	t.Classified = sc.Classified
	t.LockedAt = nil
	t.Metadata.SetSilent(merged)
	t.Images.SetSilent(imgs)

	v, err := t.revealValue()
	if err != nil {
		return err
	}
	v["target_id"] = t.ID()
	if err := s.chipAt(chips.ActionMod, t.Path(), v, s.visibleAt(t.ArrivalTime)); err != nil {
		return err
	}
	return s.AddMapTiles(t, sc.Tiles)
}

func (s *Session) HighlightTarget(targetID string) error {
	t, err := s.findTarget(targetID)
	if err != nil {
		return err
	}
	if !t.Arrived(s.EpochNow(), s.g.tun.LeewaySeconds) {
		return s.reject(constraintf(protocol.ErrNotArrived, "target %s has not arrived", targetID))
	}
	if t.Highlighted {
		return nil
	}
	arg := store.Args{"target_id": t.ID(), "user_id": s.UserID(), "now": clock.Micros(s.Now())}
	for _, q := range []string{"target_highlight", "target_set_highlighted"} {
		if _, err := s.c.Exec(q, arg); err != nil {
			return err
		}
	}
	model.Set(t, "highlighted", &t.Highlighted, true)
	_, err = s.Dispatch(events.ScopeTarget, "", events.TargetWasHighlighted, t, nil)
	return err
}

func (s *Session) targetArrived(row deferred.Row) error {
	t, err := s.findTarget(row.Subtype)
	if ge, ok := AsError(err); ok && ge.Kind == KindNotFound {
		s.warnf("arrival for missing target %s", row.Subtype)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.Dispatch(events.ScopeTarget, "", events.ArrivedAtTarget, t, nil)
	return err
}

func (s *Session) targetEnRoute(row deferred.Row) error {
	t, err := s.findTarget(row.Subtype)
	if ge, ok := AsError(err); ok && ge.Kind == KindNotFound {
		s.warnf("en-route for missing target %s", row.Subtype)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.Dispatch(events.ScopeTarget, "", events.TargetEnRoute, t, nil)
	return err
}
