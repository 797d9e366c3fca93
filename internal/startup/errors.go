package startup

import (
	"fmt"

	"example.com/backstage/services/endpoint/internal/core"
)

// Kind classifies a startup failure. Each kind leads the caller down a
// different recovery path.
type Kind string

const (
	// NeedProvisioning: no usable credentials or a forced reprovision. The
	// caller starts the captive portal.
	NeedProvisioning Kind = "need-provisioning"
	// NotRegistered: the fleet does not know this device. Wi-Fi stays up.
	NotRegistered Kind = "not-registered"
	WiFiTimeout   Kind = "wifi-timeout"
	ConfigFailed  Kind = "config-failed"
	Storage       Kind = "storage"
)

func (k Kind) Error() string { return string(k) }

// Error is a startup failure at a given stage.
type Error struct {
	Kind  Kind
	Stage core.StartupStage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("startup %s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("startup %s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the failure's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func fail(kind Kind, stage core.StartupStage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}
