package protocol

type ApertureRef struct {
	Axis   string `json:"axis"`
	Min    [3]int `json:"min"`
	Max    [3]int `json:"max"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// TRANSIT (server -> observers, audit log, index)
type TransitEvent struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AttemptID       string `json:"attempt_id,omitempty"`
	Tick            uint64 `json:"tick"`
	Time            string `json:"time"`
	Body            int64  `json:"body"`
	From            string `json:"from"`
	To              string `json:"to,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`

	Coverage    float64      `json:"coverage,omitempty"`
	Source      *ApertureRef `json:"source,omitempty"`
	Target      *ApertureRef `json:"target,omitempty"`
	Exit        string       `json:"exit,omitempty"`
	RotationDeg float64      `json:"rotation_deg"`
	Destination *[3]float64  `json:"destination,omitempty"`

	Bodies     []int64  `json:"bodies,omitempty"`
	Entities   int      `json:"entities,omitempty"`
	Remounted  int      `json:"remounted,omitempty"`
	Failures   []string `json:"failures,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
}

// STATUS (server -> observers)
type StatusMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Tick            uint64            `json:"tick"`
	Cooldowns       int               `json:"cooldowns"`
	CachedLocations int               `json:"cached_locations"`
	Counters        map[string]uint64 `json:"counters,omitempty"`
}

// SUBSCRIBE (observer -> server)
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Partitions      []string `json:"partitions,omitempty"`
	Status          bool     `json:"status,omitempty"`
}

// Matches reports whether a subscriber filtering on partitions wants ev.
func (s SubscribeMsg) Matches(ev TransitEvent) bool {
	if len(s.Partitions) == 0 {
		return true
	}
	for _, p := range s.Partitions {
		if p == ev.From || p == ev.To {
			return true
		}
	}
	return false
}
