// Package am holds the small set of cross-cutting types shared by every
// other internal package: the error-kind taxonomy and the process-abort
// helper for unrecoverable invariant violations.
package am

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Kind classifies a failure the way the rest of the system reports it to
// users and tasks. It deliberately has no relationship to Go's error
// interface hierarchy - it is a label, not a type.
type Kind int

const (
	KindNone Kind = iota
	KindCanceled
	KindParse
	KindIO
	KindPermissions
	KindNetwork
	KindStorageSpace
	KindCryptography
	KindArchive
	KindPackage
	KindLocked
	KindNotInstalled
	KindAlreadyInstalled
	KindMediumNotAvailable
	KindWrongMedium
	KindIntents
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindCanceled:
		return "Canceled"
	case KindParse:
		return "Parse"
	case KindIO:
		return "IO"
	case KindPermissions:
		return "Permissions"
	case KindNetwork:
		return "Network"
	case KindStorageSpace:
		return "StorageSpace"
	case KindCryptography:
		return "Cryptography"
	case KindArchive:
		return "Archive"
	case KindPackage:
		return "Package"
	case KindLocked:
		return "Locked"
	case KindNotInstalled:
		return "NotInstalled"
	case KindAlreadyInstalled:
		return "AlreadyInstalled"
	case KindMediumNotAvailable:
		return "MediumNotAvailable"
	case KindWrongMedium:
		return "WrongMedium"
	case KindIntents:
		return "Intents"
	default:
		return "Unknown"
	}
}

// Error is the typed failure carried on task result handles and surfaced to
// CLI/daemon clients. It always wraps a cause so %w unwrapping keeps working.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap builds an *Error with the given kind, message and underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise returns KindIO as a conservative default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// Abort terminates the process for an invariant violation that the core
// cannot recover from without risking data loss - e.g. a Runtime existing
// for an Application the model claims is NotRunning, or installed-package
// parsing failing after a hot mount. It is intentionally not a panic: a
// panic can be recovered by a careless caller and let the inconsistent
// state limp along.
func Abort(reason string, args ...any) {
	msg := fmt.Sprintf(reason, args...)
	slog.Error("unrecoverable invariant violation, aborting", "reason", msg)
	os.Exit(3)
}
