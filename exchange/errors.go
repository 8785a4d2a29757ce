package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// PermanentError marks a venue rejection that retrying cannot fix
// (bad arguments, insufficient funds, unknown pair). Transient failures
// (rate limits, 5xx, network) are returned as plain errors.
type PermanentError struct {
	msg string
}

func (e *PermanentError) Error() string { return e.msg }

// Permanent wraps msg as a non-retryable error.
func Permanent(format string, args ...any) error {
	return &PermanentError{msg: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err (or anything it wraps) is non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// permanentPrefixes are Kraken error classes where a retry is pointless.
var permanentPrefixes = []string{
	"EGeneral:Invalid arguments",
	"EOrder:Insufficient funds",
	"EOrder:Invalid price",
	"EOrder:Order minimum not met",
	"EQuery:Unknown asset pair",
	"EAPI:Invalid key",
	"EAPI:Invalid signature",
	"EAPI:Invalid nonce",
	"EGeneral:Permission denied",
}

// classifyVenueErrors maps a venue error list to a single Go error,
// permanent when any entry is in a non-retryable class.
func classifyVenueErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	joined := strings.Join(errs, "; ")
	for _, e := range errs {
		for _, prefix := range permanentPrefixes {
			if strings.HasPrefix(e, prefix) {
				return Permanent("venue rejected: %s", joined)
			}
		}
	}
	return fmt.Errorf("venue error: %s", joined)
}
