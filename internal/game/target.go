package game

import (
	"strconv"
	"strings"

	"roverworld.ai/internal/model"
)

const (
	// Metadata keys with this prefix belong to the renderer and never reach
	// a client.
	RendererKeyPrefix = "TGT_RDR_"

	FeaturePanorama = "TGT_FEATURE_PANORAMA"
	FeatureInfrared = "TGT_FEATURE_INFRARED"
)

// Image kinds a renderer may deliver.
const (
	ImagePhoto      = "PHOTO"
	ImageThumb      = "THUMB"
	ImageSpecies    = "SPECIES"
	ImageWallpaper  = "WALLPAPER"
	ImageInfrared   = "INFRARED"
	ImageThumbLarge = "THUMB_LARGE"
)

type targetRow struct {
	Seq           int64   `db:"seq"`
	TargetID      string  `db:"target_id"`
	UserID        string  `db:"user_id"`
	RoverID       string  `db:"rover_id"`
	StartTime     int64   `db:"start_time"`
	ArrivalTime   int64   `db:"arrival_time"`
	Lat           float64 `db:"lat"`
	Lng           float64 `db:"lng"`
	Yaw           float64 `db:"yaw"`
	Pitch         float64 `db:"pitch"`
	Picture       bool    `db:"picture"`
	Processed     bool    `db:"processed"`
	Classified    bool    `db:"classified"`
	UserCreated   bool    `db:"user_created"`
	Neutered      bool    `db:"neutered"`
	Highlighted   bool    `db:"highlighted"`
	ViewedAt      *int64  `db:"viewed_at"`
	CanAbortUntil *int64  `db:"can_abort_until"`
	LockedAt      *int64  `db:"locked_at"`
	RenderAt      int64   `db:"render_at"`
	Created       int64   `db:"created"`
}

type Target struct {
	model.Base

	Seq           int64
	RoverID       string
	StartTime     int64
	ArrivalTime   int64
	Lat           float64
	Lng           float64
	Yaw           float64
	Pitch         float64
	Picture       bool
	Processed     bool
	Classified    bool
	UserCreated   bool
	Neutered      bool
	Highlighted   bool
	ViewedAt      *int64
	CanAbortUntil *int64
	LockedAt      *int64
	RenderAt      int64

	Metadata model.Lazy[map[string]string]
	Images   model.Lazy[map[string]string]

	Sounds     *model.Collection[*Sound]
	ImageRects *model.Collection[*ImageRect]

	// revealing lifts the arrival gate while building a future chip.
	revealing bool
}

var targetSchema = model.NewSchema("target", "target_id",
	[]model.Field{
		model.F("target_id", func(t *Target) any { return t.ID() }),
		model.F("rover_id", func(t *Target) any { return t.RoverID }),
		model.F("start_time", func(t *Target) any { return t.StartTime }),
		model.F("arrival_time", func(t *Target) any { return t.ArrivalTime }),
		model.F("lat", func(t *Target) any { return t.Lat }),
		model.F("lng", func(t *Target) any { return t.Lng }),
		model.F("yaw", func(t *Target) any { return t.Yaw }),
		model.F("pitch", func(t *Target) any { return t.Pitch }),
		model.F("picture", func(t *Target) any { return t.Picture }),
		model.F("processed", func(t *Target) any { return t.Processed }),
		model.F("classified", func(t *Target) any { return t.Classified }),
		model.F("user_created", func(t *Target) any { return t.UserCreated }),
		model.F("neutered", func(t *Target) any { return t.Neutered }),
		model.F("highlighted", func(t *Target) any { return t.Highlighted }),
		model.F("viewed_at", func(t *Target) any { return t.ViewedAt }),
		model.F("can_abort_until", func(t *Target) any { return t.CanAbortUntil }),
		model.ServerF("locked_at", func(t *Target) any { return t.LockedAt }),
		model.ServerF("render_at", func(t *Target) any { return t.RenderAt }),
		model.ServerF("seq", func(t *Target) any { return t.Seq }),
		model.LazyF("metadata", func(t *Target) (any, error) { return t.clientMetadata() }),
		model.LazyF("images", func(t *Target) (any, error) { return t.imageURLs() }),
	},
	[]model.ChildDef{
		model.C("sounds", func(t *Target) model.Child { return t.Sounds }),
		model.C("image_rects", func(t *Target) model.Child { return t.ImageRects }),
	},
)

func (t *Target) Schema() *model.Schema { return targetSchema }

func newTarget(row targetRow, cid string, isNew bool) *Target {
	t := &Target{
		Seq:           row.Seq,
		RoverID:       row.RoverID,
		StartTime:     row.StartTime,
		ArrivalTime:   row.ArrivalTime,
		Lat:           row.Lat,
		Lng:           row.Lng,
		Yaw:           row.Yaw,
		Pitch:         row.Pitch,
		Picture:       row.Picture,
		Processed:     row.Processed,
		Classified:    row.Classified,
		UserCreated:   row.UserCreated,
		Neutered:      row.Neutered,
		Highlighted:   row.Highlighted,
		ViewedAt:      row.ViewedAt,
		CanAbortUntil: row.CanAbortUntil,
		LockedAt:      row.LockedAt,
		RenderAt:      row.RenderAt,
	}
	model.Init(t, row.TargetID, cid, isNew)
	t.Sounds = model.NewCollection[*Sound](t, "sounds")
	t.ImageRects = model.NewCollection[*ImageRect](t, "image_rects")
	return t
}

func (t *Target) Rover() *Rover {
	r, _ := model.Ancestor[*Rover](t)
	return r
}

func (t *Target) player() *Player {
	p, _ := model.Ancestor[*Player](t)
	return p
}

func (t *Target) clientMetadata() (map[string]string, error) {
	md, err := t.Metadata.Get()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if strings.HasPrefix(k, RendererKeyPrefix) {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (t *Target) imageURLs() (map[string]string, error) {
	imgs, err := t.Images.Get()
	if err != nil {
		return nil, err
	}
	base := ""
	if p := t.player(); p != nil && p.s != nil {
		base = strings.TrimRight(p.s.g.tun.AssetBaseURL, "/")
	}
	out := make(map[string]string, len(imgs))
	for kind, u := range imgs {
		if base != "" && !strings.Contains(u, "://") && !strings.HasPrefix(u, "/") {
			u = base + "/" + u
		}
		out[kind] = u
	}
	return out, nil
}

// Arrived reports whether arrival-gated data may be shown at epochNow.
func (t *Target) Arrived(epochNow int64, leeway int) bool {
	return epochNow >= t.ArrivalTime-int64(leeway)
}

// ModifyStruct hides rendering results until the rover is about to arrive
// and always for neutered targets.
func (t *Target) ModifyStruct(m map[string]any) error {
	if t.revealing {
		return nil
	}
	p := t.player()
	if p == nil || p.s == nil {
		return nil
	}
	if !t.Neutered && t.Arrived(p.s.EpochNow(), p.s.g.tun.LeewaySeconds) {
		return nil
	}
	hide := map[string]any{
		"processed":   false,
		"classified":  false,
		"images":      map[string]string{},
		"sounds":      map[string]any{},
		"image_rects": map[string]any{},
	}
	for k, v := range hide {
		if _, ok := m[k]; ok {
			m[k] = v
		}
	}
	return nil
}

// revealValue is the MOD value a client gets once the target arrives.
func (t *Target) revealValue() (map[string]any, error) {
	t.revealing = true
	defer func() { t.revealing = false }()
	return model.ToStruct(t, "processed", "classified", "images", "metadata", "sounds", "image_rects")
}

type soundRow struct {
	SoundID  string `db:"sound_id"`
	TargetID string `db:"target_id"`
	SoundKey string `db:"sound_key"`
	URL      string `db:"url"`
	Created  int64  `db:"created"`
}

type Sound struct {
	model.Base
	SoundKey string
	URL      string
}

var soundSchema = model.NewSchema("sound", "sound_id",
	[]model.Field{
		model.F("sound_id", func(s *Sound) any { return s.ID() }),
		model.F("sound_key", func(s *Sound) any { return s.SoundKey }),
		model.F("url", func(s *Sound) any { return s.URL }),
	},
	nil,
)

func (s *Sound) Schema() *model.Schema { return soundSchema }

func newSound(row soundRow, isNew bool) *Sound {
	s := &Sound{SoundKey: row.SoundKey, URL: row.URL}
	model.Init(s, row.SoundID, "", isNew)
	return s
}

type rectRow struct {
	Seq       int64   `db:"seq"`
	TargetID  string  `db:"target_id"`
	SpeciesID string  `db:"species_id"`
	XMin      float64 `db:"xmin"`
	YMin      float64 `db:"ymin"`
	XMax      float64 `db:"xmax"`
	YMax      float64 `db:"ymax"`
	Created   int64   `db:"created"`
}

// ImageRect is a region of a target photo the player drew around a
// candidate species.
type ImageRect struct {
	model.Base
	SpeciesID string
	XMin      float64
	YMin      float64
	XMax      float64
	YMax      float64
}

var rectSchema = model.NewSchema("image_rect", "rect_id",
	[]model.Field{
		model.F("rect_id", func(r *ImageRect) any { return r.ID() }),
		model.F("species_id", func(r *ImageRect) any { return r.SpeciesID }),
		model.F("xmin", func(r *ImageRect) any { return r.XMin }),
		model.F("ymin", func(r *ImageRect) any { return r.YMin }),
		model.F("xmax", func(r *ImageRect) any { return r.XMax }),
		model.F("ymax", func(r *ImageRect) any { return r.YMax }),
	},
	nil,
)

func (r *ImageRect) Schema() *model.Schema { return rectSchema }

func newImageRect(row rectRow, isNew bool) *ImageRect {
	r := &ImageRect{SpeciesID: row.SpeciesID, XMin: row.XMin, YMin: row.YMin, XMax: row.XMax, YMax: row.YMax}
	model.Init(r, strconv.FormatInt(row.Seq, 10), "", isNew)
	return r
}
