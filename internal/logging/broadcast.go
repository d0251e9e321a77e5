package logging

import (
	"fmt"

	"github.com/rs/zerolog"

	"portalskies.ai/internal/protocol"
	"portalskies.ai/internal/sim/host"
)

// Broadcaster turns transit events into log lines and, when enabled,
// host chat messages.
type Broadcaster struct {
	Log       zerolog.Logger
	Messenger host.Messenger
	Enabled   bool
}

func (b Broadcaster) Transit(ev protocol.TransitEvent) {
	e := b.Log.Info()
	if ev.Code != protocol.CodeOK {
		e = b.Log.Warn()
	}
	e.Str("attempt", ev.AttemptID).
		Uint64("tick", ev.Tick).
		Int64("body", ev.Body).
		Str("from", ev.From).
		Str("to", ev.To).
		Str("code", ev.Code).
		Int("bodies", len(ev.Bodies)).
		Int("entities", ev.Entities).
		Int("failures", len(ev.Failures)).
		Msg("transit")

	if !b.Enabled || b.Messenger == nil {
		return
	}
	b.Messenger.Message(StatusText(ev))
}

// StatusText is the short human-readable form of ev. The engine's own
// message wins; the fallbacks cover events built elsewhere.
func StatusText(ev protocol.TransitEvent) string {
	if ev.Message != "" {
		if ev.Code == protocol.CodeOK && len(ev.Failures) > 0 {
			return fmt.Sprintf("%s (%d failures)", ev.Message, len(ev.Failures))
		}
		return ev.Message
	}
	switch ev.Code {
	case protocol.CodeOK:
		return fmt.Sprintf("body %d moved %s -> %s (%d bodies, %d entities)", ev.Body, ev.From, ev.To, len(ev.Bodies), ev.Entities)
	case protocol.ErrNoTarget:
		return fmt.Sprintf("body %d: no aperture found in %s", ev.Body, ev.To)
	case protocol.ErrTargetTooSmall:
		return fmt.Sprintf("body %d: aperture in %s is too small", ev.Body, ev.To)
	case protocol.ErrUnsafe:
		return fmt.Sprintf("body %d: exit in %s is obstructed", ev.Body, ev.To)
	default:
		return fmt.Sprintf("body %d: %s", ev.Body, ev.Code)
	}
}
