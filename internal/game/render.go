package game

import (
	"context"

	"github.com/pkg/errors"

	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

// RenderTarget is a target as the renderer sees it, renderer metadata
// included.
type RenderTarget struct {
	TargetID    string            `json:"target_id"`
	ArrivalTime int64             `json:"arrival_time"`
	StartTime   int64             `json:"start_time"`
	Lat         float64           `json:"lat"`
	Lng         float64           `json:"lng"`
	Yaw         float64           `json:"yaw"`
	Pitch       float64           `json:"pitch"`
	Picture     bool              `json:"picture"`
	Processed   bool              `json:"processed"`
	Metadata    map[string]string `json:"metadata"`
}

type RenderRover struct {
	RoverID string         `json:"rover_id"`
	Targets []RenderTarget `json:"targets"`
}

type RenderAsset struct {
	ModelName string `json:"model_name"`
}

// RenderJob is one leased target plus the path that leads to it.
type RenderJob struct {
	UserID   string        `json:"user_id"`
	TargetID string        `json:"-"`
	Rovers   []RenderRover `json:"rovers"`
	Assets   []RenderAsset `json:"assets"`
}

// ProcessedRequest is a renderer's result for one leased target.
type ProcessedRequest struct {
	UserID      string
	RoverID     string
	TargetID    string
	ArrivalTime int64
	Classified  bool
	Metadata    map[string]string
	Images      map[string]string
	Sounds      map[string]string
	Tiles       []TileKey
}

var requiredImages = []string{ImagePhoto, ImageThumb, ImageSpecies}

type renderCandidate struct {
	UserID   string `db:"user_id"`
	TargetID string `db:"target_id"`
}

// NextTarget leases the oldest target due for rendering. It returns nil
// when nothing is due.
func (g *Game) NextTarget(ctx context.Context) (*RenderJob, error) {
	var job *RenderJob
	err := g.db.Run(ctx, func(c *store.Ctx) error {
		now := c.Now()
		cand, err := store.Row[renderCandidate](c, "render_next", store.Args{
			"now":   clock.Micros(now),
			"stale": clock.Micros(now.Add(-g.tun.RenderLockTTL())),
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return g.WithPlayer(c.Context(), cand.UserID, func(s *Session) error {
			t, err := s.findTarget(cand.TargetID)
			if err != nil {
				return err
			}
			broken, err := s.LockForProcessing(t)
			if ge, ok := AsError(err); ok && ge.Kind == KindConflict {
				g.obs.RenderLease("held")
				return nil
			}
			if err != nil {
				return err
			}
			if broken {
				g.obs.RenderLease("broken")
			} else {
				g.obs.RenderLease("acquired")
			}
			job, err = s.renderJob(t)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Session) renderJob(t *Target) (*RenderJob, error) {
	rover := t.Rover()
	all, err := rover.ByArrival()
	if err != nil {
		return nil, err
	}
	rr := RenderRover{RoverID: rover.ID()}
	for _, x := range all {
		md, err := x.Metadata.Get()
		if err != nil {
			return nil, err
		}
		rr.Targets = append(rr.Targets, RenderTarget{
			TargetID:    x.ID(),
			ArrivalTime: x.ArrivalTime,
			StartTime:   x.StartTime,
			Lat:         x.Lat,
			Lng:         x.Lng,
			Yaw:         x.Yaw,
			Pitch:       x.Pitch,
			Picture:     x.Picture,
			Processed:   x.Processed,
			Metadata:    md,
		})
		if x == t {
			break
		}
	}
	asset := rover.RoverKey
	if def, ok := s.g.cat.Chassis.ByID[rover.Chassis]; ok {
		asset = def.ModelName
	}
	return &RenderJob{
		UserID:   s.UserID(),
		TargetID: t.ID(),
		Rovers:   []RenderRover{rr},
		Assets:   []RenderAsset{{ModelName: asset}},
	}, nil
}

// ProcessedTarget stores a renderer's result. A result for a target that
// moved since it was leased is refused.
func (g *Game) ProcessedTarget(ctx context.Context, req ProcessedRequest) error {
	if !req.Classified {
		for _, kind := range requiredImages {
			if req.Images[kind] == "" {
				return validationf(protocol.ErrBadRequest, "missing %s image", kind)
			}
		}
	}
	err := g.WithPlayer(ctx, req.UserID, func(s *Session) error {
		t, err := s.findTarget(req.TargetID)
		if err != nil {
			return err
		}
		if t.RoverID != req.RoverID || t.ArrivalTime != req.ArrivalTime {
			return conflictf(protocol.ErrConflict, "target %s changed since it was leased", t.ID())
		}
		if t.Processed {
			return conflictf(protocol.ErrConflict, "target %s is already processed", t.ID())
		}
		if t.LockedAt == nil {
			s.warnf("result for target %s arrived without a lease", t.ID())
		}
		return s.MarkProcessedWithScene(t, Scene{
			Images:     req.Images,
			Metadata:   req.Metadata,
			Classified: req.Classified,
			Sounds:     req.Sounds,
			Tiles:      req.Tiles,
		})
	})
	if err != nil {
		return err
	}
	g.obs.RenderLease("processed")
	g.auditf("render", req.UserID, map[string]any{"target_id": req.TargetID, "tiles": len(req.Tiles)})
	return nil
}
