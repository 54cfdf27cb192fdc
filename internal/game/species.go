package game

import (
	"sort"
	"strconv"
	"strings"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/deferred"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/model"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

// SpeciesBoxPrefix marks renderer metadata holding a species' bounding box
// in the photo as "xmin,ymin,xmax,ymax" in unit coordinates.
const SpeciesBoxPrefix = RendererKeyPrefix + "SPECIES_"

type speciesRow struct {
	SpeciesID   string `db:"species_id"`
	DetectedAt  int64  `db:"detected_at"`
	AvailableAt int64  `db:"available_at"`
	ViewedAt    *int64 `db:"viewed_at"`
}

// Species is a species the player has identified. Organic species keep
// their description hidden behind placeholders until AvailableAt.
type Species struct {
	model.Base
	def catalogs.SpeciesDef

	DetectedAt  int64
	AvailableAt int64
	ViewedAt    *int64
}

var speciesSchema = model.NewSchema("species", "species_id",
	[]model.Field{
		model.F("species_id", func(s *Species) any { return s.ID() }),
		model.F("type", func(s *Species) any { return s.def.Type }),
		model.F("name", func(s *Species) any { return s.def.Name }),
		model.F("science_name", func(s *Species) any { return s.def.ScienceName }),
		model.F("icon", func(s *Species) any { return s.def.Icon }),
		model.F("description", func(s *Species) any { return s.def.Description }),
		model.F("detected_at", func(s *Species) any { return s.DetectedAt }),
		model.F("available_at", func(s *Species) any { return s.AvailableAt }),
		model.F("viewed_at", func(s *Species) any { return s.ViewedAt }),
	},
	nil,
)

func (s *Species) Schema() *model.Schema    { return speciesSchema }
func (s *Species) Def() catalogs.SpeciesDef { return s.def }

func newSpecies(row speciesRow, def catalogs.SpeciesDef, isNew bool) *Species {
	sp := &Species{def: def, DetectedAt: row.DetectedAt, AvailableAt: row.AvailableAt, ViewedAt: row.ViewedAt}
	model.Init(sp, row.SpeciesID, "", isNew)
	return sp
}

// Available reports whether the real description may be shown at epochNow.
func (s *Species) Available(epochNow int64) bool { return epochNow >= s.AvailableAt }

func (s *Species) ModifyStruct(m map[string]any) error {
	p, _ := model.Ancestor[*Player](s)
	if p == nil || p.s == nil || s.Available(p.s.EpochNow()) {
		return nil
	}
	tun := p.s.g.tun
	hide := map[string]any{
		"name":         tun.SpeciesPlaceholder,
		"science_name": tun.SpeciesPlaceholder,
		"icon":         tun.SpeciesPlaceholderIcon,
		"description":  "",
	}
	for k, v := range hide {
		if _, ok := m[k]; ok {
			m[k] = v
		}
	}
	return nil
}

// IdentifySpecies records a first sighting of speciesID. Species with a
// delay get their description revealed by a SPECIES_AVAILABLE deferred.
func (s *Session) IdentifySpecies(speciesID string) (*Species, bool, error) {
	def, ok := s.g.cat.Species.ByID[speciesID]
	if !ok {
		return nil, false, notFoundf("no species %s", speciesID)
	}
	if sp, ok, err := s.Player.Species.Get(speciesID); err != nil || ok {
		return sp, false, err
	}
	detected := s.EpochNow()
	row := speciesRow{SpeciesID: speciesID, DetectedAt: detected, AvailableAt: detected + def.DelaySeconds}
	if _, err := s.c.Exec("species_insert", store.Args{
		"user_id":      s.UserID(),
		"species_id":   speciesID,
		"detected_at":  row.DetectedAt,
		"available_at": row.AvailableAt,
	}); err != nil {
		return nil, false, err
	}
	sp := newSpecies(row, def, true)
	s.Player.Species.Add(sp)
	if row.AvailableAt > detected {
		if _, err := s.g.queue.ScheduleAt(s.c, s.UserID(), DeferredSpeciesAvailable, speciesID, s.Wall(row.AvailableAt), nil); err != nil {
			return nil, false, err
		}
	}
	if _, err := s.Dispatch(events.ScopeSpecies, speciesID, events.SpeciesIdentified, sp, nil); err != nil {
		return nil, false, err
	}
	return sp, true, nil
}

func (s *Session) speciesAvailable(row deferred.Row) error {
	sp, ok, err := s.Player.Species.Get(row.Subtype)
	if err != nil {
		return err
	}
	if !ok {
		s.warnf("species %s became available but is gone", row.Subtype)
		return nil
	}
	for _, f := range []string{"name", "science_name", "icon", "description"} {
		sp.Mark(f)
	}
	return nil
}

// RectInput is a rectangle drawn on a target photo in unit coordinates.
type RectInput struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

func (r RectInput) valid() bool {
	return r.XMin >= 0 && r.YMin >= 0 && r.XMax <= 1 && r.YMax <= 1 && r.XMin < r.XMax && r.YMin < r.YMax
}

func (r RectInput) contains(x, y float64) bool {
	return x >= r.XMin && x <= r.XMax && y >= r.YMin && y <= r.YMax
}

// CheckSpecies records the player's rectangles on an arrived target's photo
// and identifies every species whose box centre falls inside one.
func (s *Session) CheckSpecies(targetID string, rects []RectInput) ([]string, error) {
	t, err := s.findTarget(targetID)
	if err != nil {
		return nil, err
	}
	if !t.Processed || t.Neutered || !t.Arrived(s.EpochNow(), s.g.tun.LeewaySeconds) {
		return nil, s.reject(constraintf(protocol.ErrNotArrived, "target %s has no photo yet", targetID))
	}
	for _, r := range rects {
		if !r.valid() {
			return nil, validationf(protocol.ErrBadRequest, "bad rectangle %+v", r)
		}
	}
	md, err := t.Metadata.Get()
	if err != nil {
		return nil, err
	}
	boxes := speciesBoxes(md)

	var found []string
	seen := map[string]bool{}
	for _, r := range rects {
		speciesID := ""
		for _, b := range boxes {
			if r.contains(b.cx, b.cy) {
				speciesID = b.id
				break
			}
		}
		seq, err := store.Row[int64](s.c, "rect_insert", store.Args{
			"target_id":  t.ID(),
			"species_id": speciesID,
			"xmin":       r.XMin,
			"ymin":       r.YMin,
			"xmax":       r.XMax,
			"ymax":       r.YMax,
			"created":    s.Now().UnixMicro(),
		})
		if err != nil {
			return nil, err
		}
		t.ImageRects.Add(newImageRect(rectRow{Seq: seq, SpeciesID: speciesID, XMin: r.XMin, YMin: r.YMin, XMax: r.XMax, YMax: r.YMax}, true))
		if speciesID == "" || seen[speciesID] {
			continue
		}
		seen[speciesID] = true
		if _, _, err := s.IdentifySpecies(speciesID); err != nil {
			return nil, err
		}
		found = append(found, speciesID)
	}
	return found, nil
}

type speciesBox struct {
	id     string
	cx, cy float64
}

func speciesBoxes(md map[string]string) []speciesBox {
	var out []speciesBox
	for k, v := range md {
		if !strings.HasPrefix(k, SpeciesBoxPrefix) {
			continue
		}
		parts := strings.Split(v, ",")
		if len(parts) != 4 {
			continue
		}
		var f [4]float64
		ok := true
		for i, p := range parts {
			x, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				ok = false
				break
			}
			f[i] = x
		}
		if !ok {
			continue
		}
		out = append(out, speciesBox{id: strings.TrimPrefix(k, SpeciesBoxPrefix), cx: (f[0] + f[2]) / 2, cy: (f[1] + f[3]) / 2})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
