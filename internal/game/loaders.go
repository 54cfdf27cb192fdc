package game

import (
	"roverworld.ai/internal/persistence/store"
)

type kvRow struct {
	TargetID string `db:"target_id"`
	Key      string `db:"key"`
	Value    string `db:"value"`
}

type imageRow struct {
	TargetID string `db:"target_id"`
	Type     string `db:"type"`
	URL      string `db:"url"`
}

// attachLoaders gives every collection of p a loader. Targets and their
// metadata, images, sounds and rects are fetched for the whole player in
// one query each the first time any rover enumerates its targets, and
// handed out per owner through the row cache.
func attachLoaders(c *store.Ctx, g *Game, p *Player) {
	uid := store.Args{"user_id": p.ID()}

	p.Rovers.LoadLater(func() ([]*Rover, error) {
		rows, err := store.Rows[roverRow](c, "rovers_for_user", uid)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.RoverID)
		}
		if err := store.PutGrouped(c, "targets_for_user", uid, ids, func(t targetRow) string { return t.RoverID }); err != nil {
			return nil, err
		}
		tl := &targetLoader{c: c, userID: p.ID()}
		out := make([]*Rover, 0, len(rows))
		for _, row := range rows {
			r := newRover(row, false)
			roverID := row.RoverID
			r.Targets.LoadLater(func() ([]*Target, error) {
				trows, err := store.Cached(c, "targets_for_user", roverID, func() ([]targetRow, error) {
					return store.Rows[targetRow](c, "targets_for_rover", store.Args{"rover_id": roverID})
				})
				if err != nil {
					return nil, err
				}
				return tl.build(trows)
			})
			out = append(out, r)
		}
		return out, nil
	})

	p.Missions.LoadLater(func() ([]*Mission, error) {
		rows, err := store.Rows[missionRow](c, "missions_for_user", uid)
		if err != nil {
			return nil, err
		}
		out := make([]*Mission, 0, len(rows))
		for _, row := range rows {
			out = append(out, newMission(row, g.cat.Missions.ByID[row.MissionID], false))
		}
		return out, nil
	})

	p.Messages.LoadLater(func() ([]*Message, error) {
		rows, err := store.Rows[messageRow](c, "messages_for_user", uid)
		if err != nil {
			return nil, err
		}
		out := make([]*Message, 0, len(rows))
		for _, row := range rows {
			out = append(out, newMessage(row, g.cat.Messages.ByID[row.MsgType], false))
		}
		return out, nil
	})

	p.Species.LoadLater(func() ([]*Species, error) {
		rows, err := store.Rows[speciesRow](c, "species_for_user", uid)
		if err != nil {
			return nil, err
		}
		out := make([]*Species, 0, len(rows))
		for _, row := range rows {
			out = append(out, newSpecies(row, g.cat.Species.ByID[row.SpeciesID], false))
		}
		return out, nil
	})

	p.Regions.LoadLater(func() ([]*Region, error) {
		ids, err := store.Rows[string](c, "regions_for_user", uid)
		if err != nil {
			return nil, err
		}
		out := make([]*Region, 0, len(ids))
		for _, id := range ids {
			def, ok := g.cat.Regions.ByID[id]
			if !ok {
				g.logger.Printf("warn: user %s: region %s has no definition", p.ID(), id)
				continue
			}
			out = append(out, newRegion(def, false))
		}
		return out, nil
	})

	p.Progress.LoadLater(func() ([]*Progress, error) {
		rows, err := store.Rows[progressRow](c, "progress_for_user", uid)
		return mapRows(rows, err, func(r progressRow) *Progress { return newProgress(r, false) })
	})
	p.Achievements.LoadLater(func() ([]*Achievement, error) {
		rows, err := store.Rows[achievementRow](c, "achievements_for_user", uid)
		return mapRows(rows, err, func(r achievementRow) *Achievement {
			return newAchievement(r, g.cat.Achievements.ByID[r.AchievementKey], false)
		})
	})
	p.Capabilities.LoadLater(func() ([]*Capability, error) {
		rows, err := store.Rows[capabilityRow](c, "capabilities_for_user", uid)
		return mapRows(rows, err, func(r capabilityRow) *Capability { return newCapability(r, false) })
	})
	p.Vouchers.LoadLater(func() ([]*Voucher, error) {
		rows, err := store.Rows[voucherRow](c, "vouchers_for_user", uid)
		return mapRows(rows, err, func(r voucherRow) *Voucher { return newVoucher(r, false) })
	})
	p.MapTiles.LoadLater(func() ([]*MapTile, error) {
		rows, err := store.Rows[tileRow](c, "tiles_for_user", uid)
		return mapRows(rows, err, func(r tileRow) *MapTile { return newMapTile(r, false) })
	})
	p.Invitations.LoadLater(func() ([]*Invitation, error) {
		rows, err := store.Rows[invitationRow](c, "invitations_for_user", uid)
		return mapRows(rows, err, newInvitation)
	})
	p.Gifts.LoadLater(func() ([]*Gift, error) {
		rows, err := store.Rows[giftRow](c, "gifts_for_user", uid)
		return mapRows(rows, err, newGift)
	})
}

func mapRows[R any, T any](rows []R, err error, f func(R) T) ([]T, error) {
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		out = append(out, f(r))
	}
	return out, nil
}

// targetLoader prefetches per-target detail rows for the whole player the
// first time any rover's targets are built.
type targetLoader struct {
	c        *store.Ctx
	userID   string
	prefetch bool
}

func (tl *targetLoader) build(rows []targetRow) ([]*Target, error) {
	if !tl.prefetch && len(rows) > 0 {
		tl.prefetch = true
		if err := tl.prefetchDetails(); err != nil {
			return nil, err
		}
	}
	out := make([]*Target, 0, len(rows))
	for _, row := range rows {
		out = append(out, tl.target(row))
	}
	return out, nil
}

func (tl *targetLoader) prefetchDetails() error {
	c := tl.c
	uid := store.Args{"user_id": tl.userID}
	ids, err := store.Rows[string](c, "target_ids_for_user", uid)
	if err != nil {
		return err
	}
	if err := store.PutGrouped(c, "target_metadata_for_user", uid, ids, func(r kvRow) string { return r.TargetID }); err != nil {
		return err
	}
	if err := store.PutGrouped(c, "target_images_for_user", uid, ids, func(r imageRow) string { return r.TargetID }); err != nil {
		return err
	}
	if err := store.PutGrouped(c, "target_sounds_for_user", uid, ids, func(r soundRow) string { return r.TargetID }); err != nil {
		return err
	}
	return store.PutGrouped(c, "target_rects_for_user", uid, ids, func(r rectRow) string { return r.TargetID })
}

func (tl *targetLoader) target(row targetRow) *Target {
	t := newTarget(row, "", false)
	attachTargetLoaders(tl.c, t)
	return t
}

// attachTargetLoaders wires a target's lazy detail fields. A freshly
// created target has none of these rows yet, so the fallbacks cost one
// query each at most.
func attachTargetLoaders(c *store.Ctx, t *Target) {
	tid := t.ID()
	arg := store.Args{"target_id": tid}
	t.Metadata.Loader(func() (map[string]string, error) {
		rows, err := store.Cached(c, "target_metadata_for_user", tid, func() ([]kvRow, error) {
			return store.Rows[kvRow](c, "target_metadata", arg)
		})
		if err != nil {
			return nil, err
		}
		md := make(map[string]string, len(rows))
		for _, r := range rows {
			md[r.Key] = r.Value
		}
		return md, nil
	})
	t.Images.Loader(func() (map[string]string, error) {
		rows, err := store.Cached(c, "target_images_for_user", tid, func() ([]imageRow, error) {
			return store.Rows[imageRow](c, "target_images", arg)
		})
		if err != nil {
			return nil, err
		}
		imgs := make(map[string]string, len(rows))
		for _, r := range rows {
			imgs[r.Type] = r.URL
		}
		return imgs, nil
	})
	t.Sounds.LoadLater(func() ([]*Sound, error) {
		rows, err := store.Cached(c, "target_sounds_for_user", tid, func() ([]soundRow, error) {
			return store.Rows[soundRow](c, "target_sounds", arg)
		})
		return mapRows(rows, err, func(r soundRow) *Sound { return newSound(r, false) })
	})
	t.ImageRects.LoadLater(func() ([]*ImageRect, error) {
		rows, err := store.Cached(c, "target_rects_for_user", tid, func() ([]rectRow, error) {
			return store.Rows[rectRow](c, "target_rects", arg)
		})
		return mapRows(rows, err, func(r rectRow) *ImageRect { return newImageRect(r, false) })
	})
}
