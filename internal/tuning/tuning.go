package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	LeewaySeconds         int     `yaml:"leeway_seconds"`
	TimeGraceSeconds      int     `yaml:"time_grace_seconds"`
	DistanceGraceMeters   float64 `yaml:"distance_grace_meters"`
	RenderLockTTLSeconds  int     `yaml:"render_lock_ttl_seconds"`
	ActivationDelayMs     int     `yaml:"activation_delay_ms"`
	ChipFetchIntervalSecs int     `yaml:"chip_fetch_interval_seconds"`

	DeferredOvershootWarnSeconds int `yaml:"deferred_overshoot_warn_seconds"`
	ChipCompressThresholdBytes   int `yaml:"chip_compress_threshold_bytes"`
	CatalogRefreshSeconds        int `yaml:"catalog_refresh_seconds"`

	SpeciesPlaceholder     string `yaml:"species_placeholder"`
	SpeciesPlaceholderIcon string `yaml:"species_placeholder_icon"`

	StartingChassis string `yaml:"starting_chassis"`
	AssetBaseURL    string `yaml:"asset_base_url"`

	RateLimits RateLimits `yaml:"rate_limits"`
}

type RateLimits struct {
	PlayerPerSecond   float64 `yaml:"player_per_second"`
	PlayerBurst       int     `yaml:"player_burst"`
	RendererPerSecond float64 `yaml:"renderer_per_second"`
	RendererBurst     int     `yaml:"renderer_burst"`
}

func Defaults() Tuning {
	return Tuning{
		LeewaySeconds:                30,
		TimeGraceSeconds:             60,
		DistanceGraceMeters:          1,
		RenderLockTTLSeconds:         600,
		ActivationDelayMs:            250,
		ChipFetchIntervalSecs:        10,
		DeferredOvershootWarnSeconds: 300,
		ChipCompressThresholdBytes:   2048,
		CatalogRefreshSeconds:        2,
		SpeciesPlaceholder:           "Unknown organism",
		SpeciesPlaceholderIcon:       "SPC_UNKNOWN",
		StartingChassis:              "RVR_S1",
		AssetBaseURL:                 "/assets",
		RateLimits: RateLimits{
			PlayerPerSecond:   10,
			PlayerBurst:       20,
			RendererPerSecond: 50,
			RendererBurst:     100,
		},
	}
}

// Load reads path over Defaults so a partial file only overrides what it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.LeewaySeconds < 0:
		return fmt.Errorf("leeway_seconds must be >= 0")
	case t.TimeGraceSeconds < 0:
		return fmt.Errorf("time_grace_seconds must be >= 0")
	case t.DistanceGraceMeters < 0:
		return fmt.Errorf("distance_grace_meters must be >= 0")
	case t.RenderLockTTLSeconds <= 0:
		return fmt.Errorf("render_lock_ttl_seconds must be > 0")
	case t.ActivationDelayMs < 0:
		return fmt.Errorf("activation_delay_ms must be >= 0")
	case t.SpeciesPlaceholder == "":
		return fmt.Errorf("species_placeholder is required")
	}
	return nil
}

func (t Tuning) Leeway() time.Duration {
	return time.Duration(t.LeewaySeconds) * time.Second
}

func (t Tuning) RenderLockTTL() time.Duration {
	return time.Duration(t.RenderLockTTLSeconds) * time.Second
}

func (t Tuning) ActivationDelay() time.Duration {
	return time.Duration(t.ActivationDelayMs) * time.Millisecond
}

func (t Tuning) OvershootWarn() time.Duration {
	return time.Duration(t.DeferredOvershootWarnSeconds) * time.Second
}

func (t Tuning) CatalogRefresh() time.Duration {
	return time.Duration(t.CatalogRefreshSeconds) * time.Second
}
