package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/portal/locator"
)

const stateVersion = 1

// State is the only cross-tick mutable data. The caller owns it and passes it
// into every Tick; nothing here is shared between engines.
type State struct {
	Tick           uint64
	Cooldowns      map[host.BodyID]int
	Cache          *locator.Cache
	LastCacheClear time.Time

	metrics map[metricKey]uint64
}

func NewState() *State {
	return &State{
		Cooldowns: map[host.BodyID]int{},
		Cache:     locator.NewCache(),
		metrics:   map[metricKey]uint64{},
	}
}

// Cooldown returns the remaining ticks for id (0 when none).
func (s *State) Cooldown(id host.BodyID) int { return s.Cooldowns[id] }

// decay lowers every counter by n and forgets those that reach zero.
func (s *State) decay(n int) {
	for id, left := range s.Cooldowns {
		left -= n
		if left <= 0 {
			delete(s.Cooldowns, id)
			continue
		}
		s.Cooldowns[id] = left
	}
}

type metricKey struct {
	From   string
	To     string
	Result string
}

// Metric counts attempts per route and outcome code.
type Metric struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Result string `json:"result"`
	Count  uint64 `json:"count"`
}

func (s *State) record(from, to host.PartitionID, result string) {
	f, t := string(from), string(to)
	if f == "" {
		f = "UNKNOWN"
	}
	if t == "" {
		t = "UNKNOWN"
	}
	if result == "" {
		result = "unknown"
	}
	if s.metrics == nil {
		s.metrics = map[metricKey]uint64{}
	}
	s.metrics[metricKey{From: f, To: t, Result: result}]++
}

// Metrics returns counters sorted by from, to, result.
func (s *State) Metrics() []Metric {
	out := make([]Metric, 0, len(s.metrics))
	for k, n := range s.metrics {
		out = append(out, Metric{From: k.From, To: k.To, Result: k.Result, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Result < out[j].Result
	})
	return out
}

type persistedCooldown struct {
	Body  int64 `json:"body"`
	Ticks int   `json:"ticks"`
}

type persistedState struct {
	Version   int                 `json:"version"`
	Tick      uint64              `json:"tick"`
	Cooldowns []persistedCooldown `json:"cooldowns,omitempty"`
	Metrics   []Metric            `json:"metrics,omitempty"`
}

// Save writes cooldowns and counters atomically. The location cache is not
// persisted; it is rebuilt on demand.
func (s *State) Save(path string) error {
	st := persistedState{Version: stateVersion, Tick: s.Tick, Metrics: s.Metrics()}
	for id, n := range s.Cooldowns {
		if n > 0 {
			st.Cooldowns = append(st.Cooldowns, persistedCooldown{Body: int64(id), Ticks: n})
		}
	}
	sort.Slice(st.Cooldowns, func(i, j int) bool { return st.Cooldowns[i].Body < st.Cooldowns[j].Body })

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadState restores a saved state. A missing file yields a fresh state.
func LoadState(path string) (*State, error) {
	s := NewState()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil {
		return s, fmt.Errorf("state %s: %w", path, err)
	}
	if st.Version != stateVersion {
		return s, fmt.Errorf("state %s: unsupported version %d", path, st.Version)
	}
	s.Tick = st.Tick
	for _, c := range st.Cooldowns {
		if c.Body == 0 || c.Ticks <= 0 {
			continue
		}
		s.Cooldowns[host.BodyID(c.Body)] = c.Ticks
	}
	for _, m := range st.Metrics {
		if m.From == "" || m.To == "" || m.Result == "" || m.Count == 0 {
			continue
		}
		s.metrics[metricKey{From: m.From, To: m.To, Result: m.Result}] = m.Count
	}
	return s, nil
}
