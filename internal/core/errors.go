// internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Storage errors.
	ErrStorageUnavailable = errors.New("persistent storage unavailable")
	ErrCorrupt            = errors.New("persistent storage corrupt")
	ErrIdentityIncomplete = errors.New("identity triple incomplete")
	ErrInvalidCredentials = errors.New("invalid wifi credentials")

	// Network errors.
	ErrWiFiTimeout = errors.New("wifi connect retries exhausted")
	ErrLinkDown    = errors.New("station link down")

	// Provisioning errors.
	ErrNotRegistered   = errors.New("device not registered with fleet")
	ErrMalformedConfig = errors.New("malformed configuration response")
	ErrTransport       = errors.New("provisioning transport failure")

	// Session errors.
	ErrNotConnected = errors.New("broker not connected")
	ErrAuthFailed   = errors.New("broker rejected credentials")

	// Update errors.
	ErrChecksumMismatch = errors.New("checksum verification failed")
	ErrChecksumFormat   = errors.New("unsupported checksum format")
	ErrImageInvalid     = errors.New("firmware image header invalid")
	ErrSizeMismatch     = errors.New("firmware size mismatch")
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Coded errors returned by the local API.
var (
	ErrProvisioningRejected = BusinessError{"PROV_001", "provisioning request rejected"}
	ErrCommandRejected      = BusinessError{"CMD_001", "control message rejected"}
	ErrResetFailed          = BusinessError{"NVS_001", "factory reset failed"}
)
