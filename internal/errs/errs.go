// Package errs defines the error-kind taxonomy from spec §7 on top of
// github.com/cockroachdb/errors, so callers can classify and route failures
// without sentinel comparisons scattered across every package.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Kind is one of the closed set of error categories the system reasons
// about. It is never extended at runtime.
type Kind string

const (
	InvalidRequest Kind = "invalid_request"
	Expired        Kind = "expired"
	Timeout        Kind = "timeout"
	Transient      Kind = "transient"
	Backpressure   Kind = "backpressure"
	Policy         Kind = "policy"
	Fatal          Kind = "fatal"
	// Unavailable marks a dependency the process cannot run without and
	// cannot recover from on its own at startup (the bus, primarily),
	// distinct from Fatal so callers can map it to its own exit code.
	Unavailable Kind = "unavailable"
)

type kindMark struct {
	kind Kind
}

func (k kindMark) Error() string { return string(k.kind) }

// Wrap tags err with kind and a message, preserving the original error in
// the chain so errors.Is/As and %+v stack traces keep working.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.WithMessage(err, msg), kindMark{kind: kind})
}

// New creates a fresh error of the given kind.
func New(kind Kind, msg string) error {
	return errors.Mark(errors.Newf("%s", msg), kindMark{kind: kind})
}

// KindOf recovers the Kind attached by Wrap/New. Returns ("", false) for
// errors that were never classified (programmer errors, third-party errors
// that escaped classification at the boundary).
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	for k := range knownKinds {
		if errors.Is(err, kindMark{kind: k}) {
			return k, true
		}
	}
	return "", false
}

var knownKinds = map[Kind]struct{}{
	InvalidRequest: {}, Expired: {}, Timeout: {}, Transient: {},
	Backpressure: {}, Policy: {}, Fatal: {}, Unavailable: {},
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
