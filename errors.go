package talk

import (
	"errors"
	"fmt"
)

// Failure taxonomy surfaced to callers. Precondition violations carry a
// human-readable reason; cryptographic failures are deliberately opaque.
var (
	ErrNotLoggedIn          = errors.New("not logged in")
	ErrClientOutdated       = errors.New("client too old")
	ErrNoSuchClient         = errors.New("no such client")
	ErrClientDeleted        = errors.New("client deleted")
	ErrNotRegistered        = errors.New("client not registered")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// rpcError makes a precondition-violation failure. Callers are expected to
// treat these as terminal for the call, not retry blindly.
func rpcError(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
