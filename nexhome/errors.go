package nexhome

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAuth is matched by errors that mean the vendor rejected the credentials or token.
	ErrAuth = errors.New("vendor authentication failed")
	// ErrNetwork is matched by transport failures and unparseable responses.
	ErrNetwork = errors.New("vendor network error")
)

// Error is returned by every Client operation. Kind is ErrAuth or ErrNetwork.
type Error struct {
	Op     string
	Kind   error
	Status int

	// Code and Message are the vendor's own, when the response had them.
	Code    string
	Message string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("nexhome %s: %v", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrAuth) and errors.Is(err, ErrNetwork) work.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}
