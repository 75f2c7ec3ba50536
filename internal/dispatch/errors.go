package dispatch

import "errors"

// ValidationError rejects a submission before any job is created. It is
// surfaced synchronously to the caller; no job id exists for it.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrNotRunning is returned by Submit when the engine has not been started
// (or has been stopped).
var ErrNotRunning = errors.New("dispatch engine not running")

// Failure reasons recorded per recipient.
const (
	reasonDMChannel   = "Failed to create DM channel"
	reasonRateLimited = "rate limited"
)
