package protocol

const (
	// Per-message validation.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrUnknownWorld = "E_UNKNOWN_WORLD"
	ErrMsgTooLarge  = "E_MSG_TOO_LARGE"
	ErrRateLimit    = "E_RATE_LIMIT"
	ErrSeedRejected = "E_SEED_REJECTED"

	// Session state.
	ErrSessionFull     = "E_SESSION_FULL"
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:      {},
	ErrUnknownWorld:    {},
	ErrMsgTooLarge:     {},
	ErrRateLimit:       {},
	ErrSeedRejected:    {},
	ErrSessionFull:     {},
	ErrSessionNotFound: {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
