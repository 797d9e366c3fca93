// Package provisioning fetches this device's assigned configuration from
// the fleet provisioning service.
package provisioning

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/backstage/services/endpoint/config"
	"example.com/backstage/services/endpoint/internal/core"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBrokerPort is used when the service names no broker.
const DefaultBrokerPort = 1883

const maxResponseSize = 64 << 10

// Request identifies the device to the service.
type Request struct {
	ServerURL       string
	MACAddress      string
	ProductID       string
	FirmwareVersion string
	// StoredSecret is used when the response omits device_secret.
	StoredSecret string
}

// Client issues configuration fetches.
type Client struct {
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewClient creates a client. A zero timeout falls back to 15s.
func NewClient(cfg config.ProvisioningConfig, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.WithField("component", "provisioning"),
	}
}

type mqttConfig struct {
	Broker   string       `json:"broker"`
	Port     int          `json:"port"`
	Username string       `json:"username"`
	Password string       `json:"password"`
	UseSSL   bool         `json:"use_ssl"`
	Topics   *core.Topics `json:"topics"`
}

type deviceInfo struct {
	DeviceID       string               `json:"device_id"`
	DeviceUUID     string               `json:"device_uuid"`
	DeviceSecret   string               `json:"device_secret"`
	MQTTConfig     *mqttConfig          `json:"mqtt_config"`
	FirmwareUpdate *core.FirmwareUpdate `json:"firmware_update"`
}

// Fetch requests the device's configuration. A 404 is core.ErrNotRegistered,
// an unusable 200 body is core.ErrMalformedConfig and anything else is
// core.ErrTransport.
func (c *Client) Fetch(ctx context.Context, req Request) (*core.AssignedConfig, error) {
	endpoint, base, err := infoURL(req)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	log := c.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"mac":        req.MACAddress,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", core.ErrTransport, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.WithError(err).Warn("Configuration fetch failed")
		return nil, fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	defer resp.Body.Close()

	log = log.WithFields(logrus.Fields{
		"status":  resp.StatusCode,
		"latency": time.Since(start),
	})

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		log.Warn("Device not registered with fleet")
		return nil, core.ErrNotRegistered
	default:
		log.Warn("Unexpected provisioning response")
		return nil, fmt.Errorf("%w: unexpected status %d", core.ErrTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", core.ErrTransport, err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", core.ErrMalformedConfig, maxResponseSize)
	}

	assigned, err := Parse(body, base.Hostname(), req.StoredSecret)
	if err != nil {
		log.WithError(err).Warn("Malformed configuration response")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"device_id": assigned.DeviceID,
		"broker":    assigned.BrokerURL(),
		"update":    assigned.FirmwareUpdate != nil && assigned.FirmwareUpdate.Available,
	}).Info("Configuration received")
	return assigned, nil
}

// Parse maps a 200 response body onto an AssignedConfig. defaultHost is
// the broker host used when mqtt_config names none.
func Parse(body []byte, defaultHost, storedSecret string) (*core.AssignedConfig, error) {
	var info deviceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedConfig, err)
	}
	if info.DeviceID == "" || info.DeviceUUID == "" {
		return nil, fmt.Errorf("%w: device_id and device_uuid are required", core.ErrMalformedConfig)
	}

	secret := info.DeviceSecret
	if secret == "" {
		secret = storedSecret
	}

	ac := &core.AssignedConfig{
		DeviceID:       info.DeviceID,
		DeviceUUID:     info.DeviceUUID,
		DeviceSecret:   secret,
		MQTTBrokerHost: defaultHost,
		MQTTBrokerPort: DefaultBrokerPort,
	}

	if m := info.MQTTConfig; m != nil {
		if m.Broker != "" {
			ac.MQTTBrokerHost = m.Broker
		}
		if m.Port != 0 {
			if m.Port < 1 || m.Port > 65535 {
				return nil, fmt.Errorf("%w: mqtt_config.port %d out of range", core.ErrMalformedConfig, m.Port)
			}
			ac.MQTTBrokerPort = m.Port
		}
		ac.MQTTUseTLS = m.UseSSL
		ac.MQTTUsername = m.Username
		ac.MQTTPassword = m.Password
		if m.Topics != nil {
			ac.Topics = *m.Topics
		}
	}
	if ac.MQTTBrokerHost == "" {
		return nil, fmt.Errorf("%w: no broker host", core.ErrMalformedConfig)
	}
	// Without a secret the broker can only be reached on its own credentials.
	if secret == "" && (ac.MQTTUsername == "" || ac.MQTTPassword == "") {
		return nil, fmt.Errorf("%w: no device_secret in response or store", core.ErrMalformedConfig)
	}
	ac.Topics = ac.Topics.WithDefaults(info.DeviceUUID)

	if fw := info.FirmwareUpdate; fw != nil {
		if err := fw.Validate(); err != nil {
			return nil, err
		}
		ac.FirmwareUpdate = fw
	}

	return ac, nil
}

func infoURL(req Request) (string, *url.URL, error) {
	raw := strings.TrimSpace(req.ServerURL)
	if raw == "" {
		return "", nil, fmt.Errorf("%w: no config server url", core.ErrTransport)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil || base.Host == "" {
		return "", nil, fmt.Errorf("%w: invalid config server url %q", core.ErrTransport, req.ServerURL)
	}

	q := url.Values{}
	q.Set("mac", req.MACAddress)
	q.Set("product_id", req.ProductID)
	q.Set("firmware_version", req.FirmwareVersion)

	endpoint := *base
	endpoint.Path = strings.TrimSuffix(base.Path, "/") + "/device/info"
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), base, nil
}
