package resolver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why a resolution failed.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindAuth              Kind = "auth_error"
	KindNotFoundInLibrary Kind = "not_found_in_library"
	KindNotFoundInDevices Kind = "not_found_in_devices"
	KindNetwork           Kind = "network_error"
)

// Stage is a step of the resolution state machine.
type Stage string

const (
	StageStart         Stage = "start"
	StageNormalized    Stage = "normalized"
	StageAuthenticated Stage = "authenticated"
	StageLibrary       Stage = "library_matched"
	StageDevice        Stage = "device_matched"
	StageResolved      Stage = "resolved"
)

var (
	ErrEmptyMAC          = errors.New("mac address is required")
	ErrNotFoundInLibrary = errors.New("mac not found in device library")
	ErrNotFoundInDevices = errors.New("mac not found in community devices")
)

// Error is returned by Resolve for every failed resolution. Stage is the last
// state reached before the failure.
type Error struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %s after %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a Resolve error, or "" if err did not come from Resolve.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NotFound reports whether err is a business "not found" outcome rather than a fault.
func NotFound(err error) bool {
	k := KindOf(err)
	return k == KindNotFoundInLibrary || k == KindNotFoundInDevices
}
