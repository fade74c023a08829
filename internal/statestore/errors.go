package statestore

import "errors"

// ErrUnavailable wraps a persistence fault reaching the embedded database.
var ErrUnavailable = errors.New("STORE_UNAVAILABLE")

// ErrTxFailed wraps a failure to commit an intent's order/fill/trade/position
// mutation atomically. No partial state is ever exposed when this is returned.
var ErrTxFailed = errors.New("STORE_TX_FAILED")
