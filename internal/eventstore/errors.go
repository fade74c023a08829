package eventstore

import "errors"

// ErrUnavailable wraps any underlying persistence error from the embedded
// database. Callers surface this as STORE_UNAVAILABLE; it is never a
// business-decision channel.
var ErrUnavailable = errors.New("STORE_UNAVAILABLE")
