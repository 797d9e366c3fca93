// Package api is the endpoint's local HTTP surface: health, status,
// the captive-portal handoff and local command injection.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/internal/command"
	"example.com/backstage/services/endpoint/internal/core"
	"example.com/backstage/services/endpoint/internal/peripheral"
	"example.com/backstage/services/endpoint/internal/preset"
	"example.com/backstage/services/endpoint/internal/session"
	"example.com/backstage/services/endpoint/internal/startup"
	"example.com/backstage/services/endpoint/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxCommandSize = 4 << 10

// StartupStatus reports the orchestrator's progress.
type StartupStatus interface {
	Status() startup.Status
}

// SessionState reports the broker session state.
type SessionState interface {
	State() session.State
}

// Telemetry reports scheduler counters.
type Telemetry interface {
	Sequence() uint32
	Stats() telemetry.Stats
}

// Peripherals reports output state and running presets.
type Peripherals interface {
	Snapshot() peripheral.Snapshot
}

// Presets lists running preset jobs.
type Presets interface {
	Active() []preset.Job
}

// CredentialStore is the part of the identity store the portal writes.
type CredentialStore interface {
	StoreWiFi(ctx context.Context, ssid, password string) error
	StoreServerURL(ctx context.Context, url string) error
	SetProvisioningForced(ctx context.Context) error
	FactoryReset(ctx context.Context) error
}

// Dispatcher routes control messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) (command.Message, error)
}

// Rebooter restarts the agent.
type Rebooter interface {
	Reboot(reason string) error
}

// Deps are the handlers' collaborators. Telemetry and identity are attached
// once startup completes.
type Deps struct {
	Startup     StartupStatus
	Session     SessionState
	Peripherals Peripherals
	Presets     Presets
	Store       CredentialStore
	Dispatcher  Dispatcher
	Rebooter    Rebooter
	BootID      string
	Version     string
}

// Handlers holds the HTTP handlers.
type Handlers struct {
	deps    Deps
	started time.Time
	logger  *logrus.Entry

	mu         sync.RWMutex
	telemetry  Telemetry
	deviceID   string
	deviceUUID string
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps, logger *logrus.Logger) *Handlers {
	return &Handlers{
		deps:    deps,
		started: time.Now(),
		logger:  logger.WithField("component", "api"),
	}
}

// AttachTelemetry exposes the running scheduler and assigned identity.
func (h *Handlers) AttachTelemetry(t Telemetry, deviceID, deviceUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.telemetry = t
	h.deviceID = deviceID
	h.deviceUUID = deviceUUID
}

// HealthCheck returns liveness.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "endpoint-agent",
	})
}

type statusResponse struct {
	Version    string           `json:"version"`
	BootID     string           `json:"boot_id"`
	Uptime     string           `json:"uptime"`
	Startup    startup.Status   `json:"startup"`
	Session    string           `json:"session"`
	DeviceID   string           `json:"device_id,omitempty"`
	DeviceUUID string           `json:"device_uuid,omitempty"`
	Heartbeat  uint32           `json:"heartbeat_sequence"`
	Telemetry  *telemetry.Stats `json:"telemetry,omitempty"`
	ActiveJobs []preset.Job     `json:"active_presets"`
}

// GetStatus reports startup stage, session state and telemetry counters.
func (h *Handlers) GetStatus(c *gin.Context) {
	resp := statusResponse{
		Version:    h.deps.Version,
		BootID:     h.deps.BootID,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Session:    session.StateIdle.String(),
		ActiveJobs: []preset.Job{},
	}
	if h.deps.Startup != nil {
		resp.Startup = h.deps.Startup.Status()
	}
	if h.deps.Session != nil {
		resp.Session = h.deps.Session.State().String()
	}
	if h.deps.Presets != nil {
		resp.ActiveJobs = append(resp.ActiveJobs, h.deps.Presets.Active()...)
	}

	h.mu.RLock()
	t := h.telemetry
	resp.DeviceID, resp.DeviceUUID = h.deviceID, h.deviceUUID
	h.mu.RUnlock()
	if t != nil {
		stats := t.Stats()
		resp.Heartbeat = t.Sequence()
		resp.Telemetry = &stats
	}

	c.JSON(http.StatusOK, resp)
}

// GetPeripherals returns the state of every output.
func (h *Handlers) GetPeripherals(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Peripherals.Snapshot())
}

type provisioningRequest struct {
	SSID      string `json:"ssid" binding:"required"`
	Password  string `json:"password"`
	ServerURL string `json:"server_url" binding:"required"`
}

// Provision stores Wi-Fi credentials and the config server, then reboots
// into a normal startup.
func (h *Handlers) Provision(c *gin.Context) {
	var req provisioningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.deps.Store.StoreWiFi(ctx, req.SSID, req.Password); err != nil {
		h.rejectProvisioning(c, err)
		return
	}
	if err := h.deps.Store.StoreServerURL(ctx, req.ServerURL); err != nil {
		h.rejectProvisioning(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"ssid":       req.SSID,
		"server_url": req.ServerURL,
	}).Info("Provisioning stored, rebooting")

	c.JSON(http.StatusAccepted, gin.H{"status": "provisioned", "rebooting": true})
	h.reboot("provisioning")
}

func (h *Handlers) rejectProvisioning(c *gin.Context, err error) {
	if errors.Is(err, core.ErrInvalidCredentials) {
		h.logger.WithError(err).Warn("Provisioning rejected")
		c.Status(http.StatusBadRequest)
		c.Error(core.ErrProvisioningRejected)
		return
	}
	h.logger.WithError(err).Error("Failed to store provisioning")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store provisioning"})
}

type resetRequest struct {
	// ForceProvisioning keeps the store and only arms the reprovision flag.
	ForceProvisioning bool `json:"force_provisioning"`
}

// FactoryReset erases the store, or arms a forced reprovision, then reboots.
func (h *Handlers) FactoryReset(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
			return
		}
	}

	ctx := c.Request.Context()
	var err error
	if req.ForceProvisioning {
		err = h.deps.Store.SetProvisioningForced(ctx)
	} else {
		err = h.deps.Store.FactoryReset(ctx)
	}
	if err != nil {
		h.logger.WithError(err).Error("Reset failed")
		c.Status(http.StatusInternalServerError)
		c.Error(core.ErrResetFailed)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "reset", "force_provisioning": req.ForceProvisioning, "rebooting": true})
	h.reboot("factory reset")
}

// PostCommand injects a control message exactly as if it had arrived on
// the control topic.
func (h *Handlers) PostCommand(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCommandSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(raw) > maxCommandSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "command too large"})
		return
	}

	msg, err := h.deps.Dispatcher.Dispatch(c.Request.Context(), raw)
	if err != nil {
		h.rejectCommand(c, err)
		return
	}

	switch m := msg.(type) {
	case command.Preset:
		c.JSON(http.StatusAccepted, gin.H{
			"type":        "preset",
			"device_type": m.DeviceType,
			"preset_type": m.PresetType,
			"device_id":   m.DeviceID,
		})
	case command.DeviceOp:
		c.JSON(http.StatusOK, gin.H{
			"type":   "device_op",
			"device": m.Device,
			"id":     m.ID,
			"action": m.Action,
		})
	}
}

func (h *Handlers) rejectCommand(c *gin.Context, err error) {
	var perr *command.ParseError
	switch {
	case errors.As(err, &perr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"kind":  perr.Kind,
			"field": perr.Field,
		})
	case errors.Is(err, peripheral.ErrInvalidID),
		errors.Is(err, peripheral.ErrInvalidChannel),
		errors.Is(err, peripheral.ErrOutOfRange),
		errors.Is(err, peripheral.ErrPWMNotAvailable),
		errors.Is(err, preset.ErrUnknownPreset),
		errors.Is(err, preset.ErrNotApplicable),
		errors.Is(err, preset.ErrInvalidParameter):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("Command failed")
		c.Status(http.StatusInternalServerError)
		c.Error(core.ErrCommandRejected)
	}
}

func (h *Handlers) reboot(reason string) {
	if h.deps.Rebooter == nil {
		return
	}
	// Let the response flush before the agent winds down.
	time.AfterFunc(200*time.Millisecond, func() {
		if err := h.deps.Rebooter.Reboot(reason); err != nil {
			h.logger.WithError(err).Error("Reboot failed")
		}
	})
}
