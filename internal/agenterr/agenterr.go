// Package agenterr defines the Agent's error taxonomy: a fixed set of
// kinds, each carrying a human-readable detail and an optional cause,
// surfaced as {kind, detail} JSON in terminal operation frames and
// inline gateway error responses. Recoverable conditions are always
// returned as *Error, never raised as panics.
package agenterr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Busy                   Kind = "Busy"
	NotIdle                Kind = "NotIdle"
	UnknownVersion         Kind = "UnknownVersion"
	InstallFailed          Kind = "InstallFailed"
	ModDownloadFailed      Kind = "ModDownloadFailed"
	ConfigInvalid          Kind = "ConfigInvalid"
	ConfigIoFailed         Kind = "ConfigIoFailed"
	ProcessSpawnFailed     Kind = "ProcessSpawnFailed"
	StartupFailed          Kind = "StartupFailed"
	Crashed                Kind = "Crashed"
	StopTimeout            Kind = "StopTimeout"
	RconNotConnected       Kind = "RconNotConnected"
	RconTimeout            Kind = "RconTimeout"
	RconProtocolError      Kind = "RconProtocolError"
	UploadConflict         Kind = "UploadConflict"
	UploadChecksumMismatch Kind = "UploadChecksumMismatch"
	SubscriberLagged       Kind = "SubscriberLagged"
	SamplerStalled         Kind = "SamplerStalled"
	BadRequest             Kind = "BadRequest"
	Cancelled              Kind = "Cancelled"
)

// Error is the Agent's one error type. Kind is stable and meant for
// machine dispatch; Detail is human-readable context.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is an *Error of kind k, so callers can write
// agenterr.Is(err, agenterr.Busy) without a type assertion.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// KindOf returns the Kind carried by err, or "" if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}
