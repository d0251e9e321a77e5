package protocol

const (
	// Successful migration (possibly with per-entity failures).
	CodeOK = "OK"

	// Detection and search.
	ErrNoSourceAperture = "E_NO_SOURCE_APERTURE"
	ErrNoRoute          = "E_NO_ROUTE"
	ErrNoTarget         = "E_NO_TARGET"
	ErrTargetTooSmall   = "E_TARGET_TOO_SMALL"

	// Placement and execution.
	ErrUnsafe    = "E_UNSAFE"
	ErrCancelled = "E_CANCELLED"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	CodeOK:              {},
	ErrNoSourceAperture: {},
	ErrNoRoute:          {},
	ErrNoTarget:         {},
	ErrTargetTooSmall:   {},
	ErrUnsafe:           {},
	ErrCancelled:        {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
