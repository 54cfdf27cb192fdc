package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

type Catalogs struct {
	Chassis      ChassisCatalog
	Features     FeatureCatalog
	Capabilities CapabilityCatalog
	Species      SpeciesCatalog
	Regions      RegionCatalog
	Missions     MissionCatalog
	Messages     MessageCatalog
	Achievements AchievementCatalog
}

type ChassisCatalog struct {
	ByID   map[string]ChassisDef
	Digest string
}

type ChassisDef struct {
	ID                   string   `json:"id"`
	MaxUnarrivedTargets  int      `json:"max_unarrived_targets"`
	MinTargetSeconds     int64    `json:"min_target_seconds"`
	MaxTargetSeconds     int64    `json:"max_target_seconds"`
	MaxTravelDistance    float64  `json:"max_travel_distance"`
	Lander               LatLng   `json:"lander"`
	StartingCapabilities []string `json:"starting_capabilities,omitempty"`
	ModelName            string   `json:"model_name"`
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// FeatureCatalog maps a target metadata key to the capability it draws on.
type FeatureCatalog struct {
	ByKey  map[string]FeatureDef
	Digest string
}

type FeatureDef struct {
	Key        string `json:"key"`
	Capability string `json:"capability"`
}

type CapabilityCatalog struct {
	ByID   map[string]CapabilityDef
	Digest string
}

type CapabilityDef struct {
	ID          string `json:"id"`
	InitialUses int    `json:"initial_uses"`
	Unlimited   bool   `json:"unlimited,omitempty"`
}

type SpeciesCatalog struct {
	ByID   map[string]SpeciesDef
	Digest string
}

const (
	SpeciesManmade = "MANMADE"
	SpeciesPlant   = "PLANT"
	SpeciesAnimal  = "ANIMAL"
)

type SpeciesDef struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	ScienceName  string `json:"science_name"`
	Icon         string `json:"icon"`
	Description  string `json:"description,omitempty"`
	DelaySeconds int64  `json:"delay_seconds"`
}

func (d SpeciesDef) Organic() bool { return d.Type != SpeciesManmade }

type RegionCatalog struct {
	ByID   map[string]RegionDef
	Digest string
}

const (
	RestrictNone    = ""
	RestrictInside  = "INSIDE"
	RestrictOutside = "OUTSIDE"

	ShapeCircle  = "CIRCLE"
	ShapePolygon = "POLYGON"
)

type RegionDef struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Shape    string   `json:"shape"`
	Center   LatLng   `json:"center"`
	RadiusM  float64  `json:"radius_m,omitempty"`
	Points   []LatLng `json:"points,omitempty"`
	Restrict string   `json:"restrict,omitempty"`
}

type MissionCatalog struct {
	ByID   map[string]MissionDef
	Digest string
}

type MissionDef struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	Region      string   `json:"region,omitempty"`
	Parts       []string `json:"parts,omitempty"`
	Achievement string   `json:"achievement,omitempty"`
}

type MessageCatalog struct {
	ByID   map[string]MessageDef
	Digest string
}

type MessageDef struct {
	ID           string `json:"id"`
	Sender       string `json:"sender"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	Password     string `json:"password,omitempty"`
	DelaySeconds int64  `json:"delay_seconds,omitempty"`
}

type AchievementCatalog struct {
	ByID   map[string]AchievementDef
	Digest string
}

type AchievementDef struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Points      int    `json:"points"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadList(filepath.Join(configDir, "chassis.json"), &c.Chassis.Digest, &c.Chassis.ByID, func(d ChassisDef) string { return d.ID }); err != nil {
		return nil, err
	}
	if err := loadList(filepath.Join(configDir, "features.json"), &c.Features.Digest, &c.Features.ByKey, func(d FeatureDef) string { return d.Key }); err != nil {
		return nil, err
	}
	if err := loadList(filepath.Join(configDir, "capabilities.json"), &c.Capabilities.Digest, &c.Capabilities.ByID, func(d CapabilityDef) string { return d.ID }); err != nil {
		return nil, err
	}
	if err := loadList(filepath.Join(configDir, "species.json"), &c.Species.Digest, &c.Species.ByID, func(d SpeciesDef) string { return d.ID }); err != nil {
		return nil, err
	}
	if err := loadList(filepath.Join(configDir, "regions.json"), &c.Regions.Digest, &c.Regions.ByID, func(d RegionDef) string { return d.ID }); err != nil {
		return nil, err
	}
	if err := loadList(filepath.Join(configDir, "missions.json"), &c.Missions.Digest, &c.Missions.ByID, func(d MissionDef) string { return d.ID }); err != nil {
		return nil, err
	}
	if err := loadList(filepath.Join(configDir, "messages.json"), &c.Messages.Digest, &c.Messages.ByID, func(d MessageDef) string { return d.ID }); err != nil {
		return nil, err
	}
	if err := loadList(filepath.Join(configDir, "achievements.json"), &c.Achievements.Digest, &c.Achievements.ByID, func(d AchievementDef) string { return d.ID }); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Digests returns name -> sha256 of the raw definition file.
func (c *Catalogs) Digests() map[string]string {
	return map[string]string{
		"chassis":      c.Chassis.Digest,
		"features":     c.Features.Digest,
		"capabilities": c.Capabilities.Digest,
		"species":      c.Species.Digest,
		"regions":      c.Regions.Digest,
		"missions":     c.Missions.Digest,
		"messages":     c.Messages.Digest,
		"achievements": c.Achievements.Digest,
	}
}

func (c *Catalogs) validate() error {
	for key, f := range c.Features.ByKey {
		if !strings.HasPrefix(key, "TGT_") {
			return fmt.Errorf("features.json: %s: key must carry the TGT_ prefix", key)
		}
		if _, ok := c.Capabilities.ByID[f.Capability]; !ok {
			return fmt.Errorf("features.json: %s: unknown capability %s", key, f.Capability)
		}
	}
	for id, ch := range c.Chassis.ByID {
		if ch.MinTargetSeconds > ch.MaxTargetSeconds {
			return fmt.Errorf("chassis.json: %s: min_target_seconds > max_target_seconds", id)
		}
		for _, capID := range ch.StartingCapabilities {
			if _, ok := c.Capabilities.ByID[capID]; !ok {
				return fmt.Errorf("chassis.json: %s: unknown capability %s", id, capID)
			}
		}
	}
	for id, s := range c.Species.ByID {
		if s.Organic() && s.DelaySeconds <= 0 {
			return fmt.Errorf("species.json: %s: organic species need a positive delay_seconds", id)
		}
		if !s.Organic() && s.DelaySeconds != 0 {
			return fmt.Errorf("species.json: %s: manmade species must not be delayed", id)
		}
	}
	for id, r := range c.Regions.ByID {
		switch r.Shape {
		case ShapeCircle:
			if r.RadiusM <= 0 {
				return fmt.Errorf("regions.json: %s: circle needs radius_m", id)
			}
		case ShapePolygon:
			if len(r.Points) < 3 {
				return fmt.Errorf("regions.json: %s: polygon needs at least 3 points", id)
			}
		default:
			return fmt.Errorf("regions.json: %s: bad shape %q", id, r.Shape)
		}
		switch r.Restrict {
		case RestrictNone, RestrictInside, RestrictOutside:
		default:
			return fmt.Errorf("regions.json: %s: bad restrict %q", id, r.Restrict)
		}
	}
	for id, m := range c.Missions.ByID {
		if m.Region != "" {
			if _, ok := c.Regions.ByID[m.Region]; !ok {
				return fmt.Errorf("missions.json: %s: unknown region %s", id, m.Region)
			}
		}
		for _, part := range m.Parts {
			if _, ok := c.Missions.ByID[part]; !ok {
				return fmt.Errorf("missions.json: %s: unknown part %s", id, part)
			}
		}
		if m.Achievement != "" {
			if _, ok := c.Achievements.ByID[m.Achievement]; !ok {
				return fmt.Errorf("missions.json: %s: unknown achievement %s", id, m.Achievement)
			}
		}
	}
	return nil
}

// SortedIDs returns the keys of m in ascending order.
func SortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadList[D any](path string, digest *string, out *map[string]D, key func(D) string) error {
	name := filepath.Base(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	*digest = sha256Hex(raw)

	var defs []D
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	m := make(map[string]D, len(defs))
	for _, d := range defs {
		id := key(d)
		if id == "" {
			return fmt.Errorf("%s: empty id", name)
		}
		if _, dup := m[id]; dup {
			return fmt.Errorf("%s: duplicate id %s", name, id)
		}
		m[id] = d
	}
	*out = m
	return nil
}
