package broker

import "maotrade/internal/core"

// AdapterError carries a normalized error code across the adapter
// boundary.
type AdapterError struct {
	Code   core.ErrorCode
	Reason string
}

func (e *AdapterError) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Reason
}

// CodeOf extracts the normalized code from an adapter error, defaulting
// to GENERAL.
func CodeOf(err error) core.ErrorCode {
	if err == nil {
		return core.ErrOK
	}
	if ae, ok := err.(*AdapterError); ok {
		return ae.Code
	}
	return core.ErrGeneral
}
