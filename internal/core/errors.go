package core

// ErrorCode is the closed set of normalized broker error codes. Adapters
// must translate every broker-side failure into one of these.
type ErrorCode int

const (
	ErrOK ErrorCode = iota
	ErrBroker
	ErrNetwork
	ErrInvalidInstrument
	ErrInvalidTimeframe
	ErrNotConnected
	ErrAuth
	ErrGeneral
)

func (c ErrorCode) String() string {
	switch c {
	case ErrOK:
		return "OK"
	case ErrBroker:
		return "BROKER"
	case ErrNetwork:
		return "NETWORK"
	case ErrInvalidInstrument:
		return "INVALID_INSTRUMENT"
	case ErrInvalidTimeframe:
		return "INVALID_TIMEFRAME"
	case ErrNotConnected:
		return "NOT_CONNECTED"
	case ErrAuth:
		return "AUTH"
	case ErrGeneral:
		return "GENERAL"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether the engine may retry the failed request.
// INVALID_INSTRUMENT and INVALID_TIMEFRAME are permanent for the
// instrument, AUTH is fatal for the session.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrBroker, ErrNetwork, ErrNotConnected:
		return true
	default:
		return false
	}
}

// Fatal reports whether the session must stop.
func (c ErrorCode) Fatal() bool {
	return c == ErrAuth
}
