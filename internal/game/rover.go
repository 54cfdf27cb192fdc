package game

import (
	"sort"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/model"
)

type roverRow struct {
	RoverID             string  `db:"rover_id"`
	UserID              string  `db:"user_id"`
	Chassis             string  `db:"chassis"`
	RoverKey            string  `db:"rover_key"`
	ActivatedAt         int64   `db:"activated_at"`
	Active              bool    `db:"active"`
	MaxUnarrivedTargets int     `db:"max_unarrived_targets"`
	MinTargetSeconds    int64   `db:"min_target_seconds"`
	MaxTargetSeconds    int64   `db:"max_target_seconds"`
	MaxTravelDistance   float64 `db:"max_travel_distance"`
	LanderLat           float64 `db:"lander_lat"`
	LanderLng           float64 `db:"lander_lng"`
}

type Rover struct {
	model.Base

	Chassis             string
	RoverKey            string
	ActivatedAt         int64
	Active              bool
	MaxUnarrivedTargets int
	MinTargetSeconds    int64
	MaxTargetSeconds    int64
	MaxTravelDistance   float64
	Lander              catalogs.LatLng

	Targets *model.Collection[*Target]
}

var roverSchema = model.NewSchema("rover", "rover_id",
	[]model.Field{
		model.F("rover_id", func(r *Rover) any { return r.ID() }),
		model.F("chassis", func(r *Rover) any { return r.Chassis }),
		model.F("rover_key", func(r *Rover) any { return r.RoverKey }),
		model.F("activated_at", func(r *Rover) any { return r.ActivatedAt }),
		model.F("active", func(r *Rover) any { return r.Active }),
		model.F("max_unarrived_targets", func(r *Rover) any { return r.MaxUnarrivedTargets }),
		model.F("min_target_seconds", func(r *Rover) any { return r.MinTargetSeconds }),
		model.F("max_target_seconds", func(r *Rover) any { return r.MaxTargetSeconds }),
		model.F("max_travel_distance", func(r *Rover) any { return r.MaxTravelDistance }),
		model.F("lander", func(r *Rover) any { return map[string]any{"lat": r.Lander.Lat, "lng": r.Lander.Lng} }),
	},
	[]model.ChildDef{
		model.C("targets", func(r *Rover) model.Child { return r.Targets }),
	},
)

func (r *Rover) Schema() *model.Schema { return roverSchema }

func newRover(row roverRow, isNew bool) *Rover {
	r := &Rover{
		Chassis:             row.Chassis,
		RoverKey:            row.RoverKey,
		ActivatedAt:         row.ActivatedAt,
		Active:              row.Active,
		MaxUnarrivedTargets: row.MaxUnarrivedTargets,
		MinTargetSeconds:    row.MinTargetSeconds,
		MaxTargetSeconds:    row.MaxTargetSeconds,
		MaxTravelDistance:   row.MaxTravelDistance,
		Lander:              catalogs.LatLng{Lat: row.LanderLat, Lng: row.LanderLng},
	}
	model.Init(r, row.RoverID, "", isNew)
	r.Targets = model.NewCollection[*Target](r, "targets")
	return r
}

// ByArrival lists the rover's targets in arrival order.
func (r *Rover) ByArrival() ([]*Target, error) {
	all, err := r.Targets.All()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ArrivalTime != all[j].ArrivalTime {
			return all[i].ArrivalTime < all[j].ArrivalTime
		}
		return all[i].Seq < all[j].Seq
	})
	return all, nil
}

// Last is the target with the latest arrival, if any.
func (r *Rover) Last() (*Target, error) {
	all, err := r.ByArrival()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[len(all)-1], nil
}

// Unarrived lists targets arriving after epochNow, in arrival order.
func (r *Rover) Unarrived(epochNow int64) ([]*Target, error) {
	all, err := r.ByArrival()
	if err != nil {
		return nil, err
	}
	var out []*Target
	for _, t := range all {
		if t.ArrivalTime > epochNow {
			out = append(out, t)
		}
	}
	return out, nil
}

// Position is where the rover will stand after its last target, or the
// lander when it has none.
func (r *Rover) Position() (catalogs.LatLng, error) {
	last, err := r.Last()
	if err != nil {
		return catalogs.LatLng{}, err
	}
	if last == nil {
		return r.Lander, nil
	}
	return catalogs.LatLng{Lat: last.Lat, Lng: last.Lng}, nil
}
