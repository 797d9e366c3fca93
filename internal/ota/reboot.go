package ota

import (
	"context"
	"errors"
	"sync"
)

// ErrRebootRequested ends an agent run that stopped to reboot.
var ErrRebootRequested = errors.New("reboot requested")

// ExitRebooter ends the agent's run so its supervisor starts it again from
// the newly selected slot.
type ExitRebooter struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
}

// NewExitRebooter cancels the agent's root context on Reboot.
func NewExitRebooter(cancel context.CancelFunc) *ExitRebooter {
	return &ExitRebooter{cancel: cancel}
}

func (r *ExitRebooter) Reboot(reason string) error {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
	return nil
}

// Requested returns the reason of the first Reboot call, if any.
func (r *ExitRebooter) Requested() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.reason != ""
}
