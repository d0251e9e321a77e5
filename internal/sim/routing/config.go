package routing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"portalskies.ai/internal/sim/host"
)

type Config struct {
	Partitions []PartitionSpec `yaml:"partitions"`
	Routes     []RouteSpec     `yaml:"routes,omitempty"`
}

type PartitionSpec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	MinY int    `yaml:"min_y"`
	MaxY int    `yaml:"max_y"`
}

// RouteSpec connects two partitions. Scale multiplies horizontal coordinates
// on the way from From to To.
type RouteSpec struct {
	From    string  `yaml:"from"`
	To      string  `yaml:"to"`
	Scale   float64 `yaml:"scale"`
	SearchY *int    `yaml:"search_y,omitempty"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("routes.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("routes.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	cfg := defaults()
	cfg.Normalize()
	return cfg
}

func defaults() Config {
	netherY := 64
	return Config{
		Partitions: []PartitionSpec{
			{ID: "overworld", Name: "Overworld", MinY: -59, MaxY: 310},
			{ID: "nether", Name: "Nether", MinY: 1, MaxY: 127},
		},
		Routes: []RouteSpec{
			{From: "overworld", To: "nether", Scale: 0.125, SearchY: &netherY},
			{From: "nether", To: "overworld", Scale: 8},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Partitions {
		c.Partitions[i].ID = strings.TrimSpace(c.Partitions[i].ID)
		if strings.TrimSpace(c.Partitions[i].Name) == "" {
			c.Partitions[i].Name = c.Partitions[i].ID
		}
	}
	for i := range c.Routes {
		if c.Routes[i].Scale == 0 {
			c.Routes[i].Scale = 1
		}
	}
	// A one-way route implies its reciprocal.
	have := map[[2]string]bool{}
	for _, r := range c.Routes {
		have[[2]string{r.From, r.To}] = true
	}
	n := len(c.Routes)
	for i := 0; i < n; i++ {
		r := c.Routes[i]
		if have[[2]string{r.To, r.From}] || r.Scale <= 0 {
			continue
		}
		c.Routes = append(c.Routes, RouteSpec{From: r.To, To: r.From, Scale: 1 / r.Scale})
		have[[2]string{r.To, r.From}] = true
	}
}

func (c Config) Validate() error {
	if len(c.Partitions) == 0 {
		return fmt.Errorf("partitions must not be empty")
	}
	seen := map[string]bool{}
	for _, p := range c.Partitions {
		if p.ID == "" {
			return fmt.Errorf("partition id must not be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate partition id: %s", p.ID)
		}
		seen[p.ID] = true
		if p.MaxY < p.MinY {
			return fmt.Errorf("partition %s max_y must be >= min_y", p.ID)
		}
	}
	pairs := map[[2]string]bool{}
	for i, r := range c.Routes {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("routes[%d] missing from/to", i)
		}
		if !seen[r.From] {
			return fmt.Errorf("routes[%d] from %q not found", i, r.From)
		}
		if !seen[r.To] {
			return fmt.Errorf("routes[%d] to %q not found", i, r.To)
		}
		if r.From == r.To {
			return fmt.Errorf("routes[%d] must connect two different partitions", i)
		}
		if r.Scale <= 0 {
			return fmt.Errorf("routes[%d] scale must be > 0", i)
		}
		k := [2]string{r.From, r.To}
		if pairs[k] {
			return fmt.Errorf("routes[%d] duplicate route %s -> %s", i, r.From, r.To)
		}
		pairs[k] = true
		if r.SearchY != nil {
			p, _ := c.PartitionByID(host.PartitionID(r.To))
			if *r.SearchY < p.MinY || *r.SearchY > p.MaxY {
				return fmt.Errorf("routes[%d] search_y %d outside %s height range", i, *r.SearchY, r.To)
			}
		}
	}
	return nil
}

func (c Config) PartitionByID(id host.PartitionID) (PartitionSpec, bool) {
	for _, p := range c.Partitions {
		if p.ID == string(id) {
			return p, true
		}
	}
	return PartitionSpec{}, false
}

// Route returns the outgoing route from a partition. A partition with several
// outgoing routes uses the one whose target id sorts first.
func (c Config) Route(from host.PartitionID) (RouteSpec, bool) {
	var out []RouteSpec
	for _, r := range c.Routes {
		if r.From == string(from) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return RouteSpec{}, false
	}
	sort.Slice(out, func(i, j int) bool { return out[i].To < out[j].To })
	return out[0], true
}

// DisplayName is the human label used in status lines.
func (c Config) DisplayName(id host.PartitionID) string {
	if p, ok := c.PartitionByID(id); ok {
		return p.Name
	}
	return string(id)
}

func (c Config) SourcePartitions() []host.PartitionID {
	seen := map[string]bool{}
	var out []host.PartitionID
	for _, r := range c.Routes {
		if seen[r.From] {
			continue
		}
		seen[r.From] = true
		out = append(out, host.PartitionID(r.From))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
