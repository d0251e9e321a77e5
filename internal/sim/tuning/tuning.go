package tuning

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed tuning.schema.json
var schemaJSON string

type Tuning struct {
	CheckIntervalTicks   int     `yaml:"check_interval_ticks" json:"check_interval_ticks"`
	CooldownTicks        int     `yaml:"cooldown_ticks" json:"cooldown_ticks"`
	MinMovement          float64 `yaml:"min_movement" json:"min_movement"`
	CacheClearIntervalMs int     `yaml:"cache_clear_interval_ms" json:"cache_clear_interval_ms"`

	Sampling Sampling `yaml:"sampling" json:"sampling"`

	CoverageThreshold float64 `yaml:"coverage_threshold" json:"coverage_threshold"`
	SearchRadius      int     `yaml:"search_radius" json:"search_radius"`
	VerticalStride    int     `yaml:"vertical_stride" json:"vertical_stride"`
	ExitClearance     float64 `yaml:"exit_clearance" json:"exit_clearance"`
	EnforceClearance  bool    `yaml:"enforce_clearance" json:"enforce_clearance"`

	Migration Migration `yaml:"migration" json:"migration"`

	NonBlockingCategories []string `yaml:"non_blocking_categories" json:"non_blocking_categories"`
	BroadcastStatus       bool     `yaml:"broadcast_status" json:"broadcast_status"`
}

type Sampling struct {
	SamplesPerFace       int  `yaml:"samples_per_face" json:"samples_per_face"`
	FaceSkipInterval     int  `yaml:"face_skip_interval" json:"face_skip_interval"`
	AlwaysCheckFrontBack bool `yaml:"always_check_front_back" json:"always_check_front_back"`
}

type Migration struct {
	CollectMargin          float64  `yaml:"collect_margin" json:"collect_margin"`
	SettleDelayMs          int      `yaml:"settle_delay_ms" json:"settle_delay_ms"`
	PlayerResyncCount      int      `yaml:"player_resync_count" json:"player_resync_count"`
	PlayerResyncDelayMs    int      `yaml:"player_resync_delay_ms" json:"player_resync_delay_ms"`
	EntityLift             float64  `yaml:"entity_lift" json:"entity_lift"`
	FixtureSearchRadius    int      `yaml:"fixture_search_radius" json:"fixture_search_radius"`
	ControlFixturePatterns []string `yaml:"control_fixture_patterns" json:"control_fixture_patterns"`
}

func Defaults() Tuning {
	return Tuning{
		CheckIntervalTicks:   50,
		CooldownTicks:        100,
		MinMovement:          0.1,
		CacheClearIntervalMs: 30000,
		Sampling: Sampling{
			SamplesPerFace:       3,
			FaceSkipInterval:     1,
			AlwaysCheckFrontBack: true,
		},
		CoverageThreshold: 0.30,
		SearchRadius:      128,
		VerticalStride:    3,
		ExitClearance:     2.5,
		Migration: Migration{
			CollectMargin:          0.5,
			SettleDelayMs:          200,
			PlayerResyncCount:      3,
			PlayerResyncDelayMs:    300,
			EntityLift:             1.0,
			FixtureSearchRadius:    5,
			ControlFixturePatterns: []string{"helm", "wheel", "controller", "pilot"},
		},
		NonBlockingCategories: []string{
			"leaves", "slab", "stairs", "fence", "wall", "pane", "chain", "iron_bars",
			"sign", "banner", "torch", "carpet", "pressure_plate", "button",
			"flower", "grass", "vine", "snow",
		},
	}
}

// Load reads a tuning file over the defaults. An empty path yields defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := validateRaw(raw); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func validateRaw(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON-native types.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	schema, err := jsonschema.CompileString("tuning.schema.json", schemaJSON)
	if err != nil {
		return err
	}
	return schema.Validate(v)
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	if t.CheckIntervalTicks <= 0 {
		t.CheckIntervalTicks = 1
	}
	if t.Sampling.SamplesPerFace <= 0 {
		t.Sampling.SamplesPerFace = 1
	}
	if t.VerticalStride <= 0 {
		t.VerticalStride = 1
	}
	if t.Migration.PlayerResyncCount <= 0 {
		t.Migration.PlayerResyncCount = 1
	}
	for i, p := range t.Migration.ControlFixturePatterns {
		t.Migration.ControlFixturePatterns[i] = strings.ToLower(strings.TrimSpace(p))
	}
	for i, c := range t.NonBlockingCategories {
		t.NonBlockingCategories[i] = strings.ToLower(strings.TrimSpace(c))
	}
}

func (t Tuning) Validate() error {
	switch {
	case t.CooldownTicks < 0:
		return fmt.Errorf("cooldown_ticks must be >= 0")
	case t.MinMovement < 0:
		return fmt.Errorf("min_movement must be >= 0")
	case t.CacheClearIntervalMs < 0:
		return fmt.Errorf("cache_clear_interval_ms must be >= 0")
	case t.Sampling.FaceSkipInterval < 0:
		return fmt.Errorf("sampling.face_skip_interval must be >= 0")
	case t.CoverageThreshold <= 0 || t.CoverageThreshold > 1:
		return fmt.Errorf("coverage_threshold must be in (0, 1]")
	case t.SearchRadius < 0:
		return fmt.Errorf("search_radius must be >= 0")
	case t.ExitClearance < 0:
		return fmt.Errorf("exit_clearance must be >= 0")
	case t.Migration.CollectMargin < 0:
		return fmt.Errorf("migration.collect_margin must be >= 0")
	case t.Migration.SettleDelayMs < 0 || t.Migration.PlayerResyncDelayMs < 0:
		return fmt.Errorf("migration delays must be >= 0")
	case t.Migration.FixtureSearchRadius < 0:
		return fmt.Errorf("migration.fixture_search_radius must be >= 0")
	}
	return nil
}

func (t Tuning) CacheClearInterval() time.Duration {
	return time.Duration(t.CacheClearIntervalMs) * time.Millisecond
}

func (t Tuning) SettleDelay() time.Duration {
	return time.Duration(t.Migration.SettleDelayMs) * time.Millisecond
}

func (t Tuning) PlayerResyncDelay() time.Duration {
	return time.Duration(t.Migration.PlayerResyncDelayMs) * time.Millisecond
}
