// internal/core/models.go
package core

import (
	"fmt"
	"net"
	"strings"
)

// PersistentIdentity is everything the endpoint keeps across power cycles.
type PersistentIdentity struct {
	WiFiSSID           string `json:"wifi_ssid"`
	WiFiPassword       string `json:"wifi_password"`
	ConfigServerURL    string `json:"config_server_url"`
	MACAddress         string `json:"mac_address"`
	DeviceID           string `json:"device_id"`
	DeviceUUID         string `json:"device_uuid"`
	DeviceSecret       string `json:"device_secret"`
	ProvisioningForced bool   `json:"provisioning_forced"`
	ConfigDone         bool   `json:"config_done"`
}

// Registered reports whether the cloud-assigned triple is present.
func (p *PersistentIdentity) Registered() bool {
	return p.DeviceID != "" && p.DeviceUUID != "" && p.DeviceSecret != ""
}

// Limits on stored Wi-Fi credentials, in bytes.
const (
	MaxSSIDLength     = 32
	MaxPasswordLength = 64
)

// ValidateWiFi checks credential lengths before they are committed.
func ValidateWiFi(ssid, password string) error {
	if ssid == "" {
		return fmt.Errorf("%w: ssid is required", ErrInvalidCredentials)
	}
	if len(ssid) > MaxSSIDLength {
		return fmt.Errorf("%w: ssid exceeds %d bytes", ErrInvalidCredentials, MaxSSIDLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password exceeds %d bytes", ErrInvalidCredentials, MaxPasswordLength)
	}
	return nil
}

// FormatMAC renders a hardware address as AA:BB:CC:DD:EE:FF.
func FormatMAC(hw net.HardwareAddr) string {
	return strings.ToUpper(hw.String())
}

// Topics are the four MQTT topics bound to an assigned identity.
type Topics struct {
	Data      string `json:"data"`
	Control   string `json:"control"`
	Status    string `json:"status"`
	Heartbeat string `json:"heartbeat"`
}

// DeriveTopics computes the default topic set for a device uuid.
func DeriveTopics(deviceUUID string) Topics {
	prefix := "devices/" + deviceUUID
	return Topics{
		Data:      prefix + "/data",
		Control:   prefix + "/control",
		Status:    prefix + "/status",
		Heartbeat: prefix + "/heartbeat",
	}
}

// WithDefaults fills any topic the service omitted from the uuid-derived set.
func (t Topics) WithDefaults(deviceUUID string) Topics {
	d := DeriveTopics(deviceUUID)
	if t.Data == "" {
		t.Data = d.Data
	}
	if t.Control == "" {
		t.Control = d.Control
	}
	if t.Status == "" {
		t.Status = d.Status
	}
	if t.Heartbeat == "" {
		t.Heartbeat = d.Heartbeat
	}
	return t
}

// FirmwareUpdate describes an image offered by the provisioning service.
type FirmwareUpdate struct {
	Available   bool   `json:"available"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	FileSize    int64  `json:"file_size"`
	Checksum    string `json:"checksum"`
	Changelog   string `json:"changelog"`
}

// Validate enforces that an available update names a version and a source.
func (f *FirmwareUpdate) Validate() error {
	if !f.Available {
		return nil
	}
	if f.Version == "" || f.DownloadURL == "" {
		return fmt.Errorf("%w: firmware_update requires version and download_url", ErrMalformedConfig)
	}
	return nil
}

// AssignedConfig is the provisioning service's answer for this device.
type AssignedConfig struct {
	DeviceID     string
	DeviceUUID   string
	DeviceSecret string

	MQTTBrokerHost string
	MQTTBrokerPort int
	MQTTUseTLS     bool
	MQTTUsername   string
	MQTTPassword   string

	Topics         Topics
	FirmwareUpdate *FirmwareUpdate
}

// BrokerURL renders the broker address in the form paho expects.
func (a *AssignedConfig) BrokerURL() string {
	scheme := "tcp"
	if a.MQTTUseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(a.MQTTBrokerHost, fmt.Sprint(a.MQTTBrokerPort)))
}

// DeviceType names a peripheral family addressed by control messages.
type DeviceType string

const (
	DeviceLED   DeviceType = "led"
	DeviceRelay DeviceType = "relay"
	DeviceServo DeviceType = "servo"
	DevicePWM   DeviceType = "pwm"
)

// Valid reports whether t is one of the known families.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceLED, DeviceRelay, DeviceServo, DevicePWM:
		return true
	}
	return false
}

// SensorKind classifies a sensor's sample shape.
type SensorKind string

const (
	SensorTemperatureHumidity SensorKind = "temperature_humidity"
	SensorTemperatureOnly     SensorKind = "temperature_only"
	SensorBinaryRain          SensorKind = "binary_rain"
)

// SensorSample is one reading produced by a sensor collaborator.
type SensorSample struct {
	Sensor       string     `json:"sensor"`
	Kind         SensorKind `json:"kind"`
	Temperature  float64    `json:"temperature,omitempty"`
	Humidity     float64    `json:"humidity,omitempty"`
	Raining      bool       `json:"raining,omitempty"`
	Analog       int        `json:"analog,omitempty"`
	Valid        bool       `json:"valid"`
	CapturedAtMs int64      `json:"captured_at_ms"`
}

// HeartbeatStatus is the liveness code carried by a heartbeat.
type HeartbeatStatus int

const (
	HeartbeatOffline HeartbeatStatus = 0
	HeartbeatOnline  HeartbeatStatus = 1
	HeartbeatError   HeartbeatStatus = 2
)

// HeartbeatRecord is the published heartbeat payload.
type HeartbeatRecord struct {
	Sequence  uint32          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Status    HeartbeatStatus `json:"status"`
}

// StartupStage enumerates the orchestrator's states.
type StartupStage int

const (
	StageInit StartupStage = iota
	StageNvs
	StageWiFiCheck
	StageWiFiConnect
	StageGetConfig
	StageCheckOTA
	StageOTAUpdate
	StageMQTTConnect
	StageSensorsInit
	StageCompleted
	StageError
)

var stageNames = map[StartupStage]string{
	StageInit:        "Init",
	StageNvs:         "Nvs",
	StageWiFiCheck:   "WifiCheck",
	StageWiFiConnect: "WifiConnect",
	StageGetConfig:   "GetConfig",
	StageCheckOTA:    "CheckOta",
	StageOTAUpdate:   "OtaUpdate",
	StageMQTTConnect: "MqttConnect",
	StageSensorsInit: "SensorsInit",
	StageCompleted:   "Completed",
	StageError:       "Error",
}

func (s StartupStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// MarshalText lets stages appear by name in JSON and logs.
func (s StartupStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is the percentage shown next to each stage on the display.
func (s StartupStage) Progress() int {
	switch s {
	case StageInit:
		return 0
	case StageNvs:
		return 10
	case StageWiFiCheck:
		return 20
	case StageWiFiConnect:
		return 30
	case StageGetConfig:
		return 50
	case StageCheckOTA:
		return 60
	case StageOTAUpdate:
		return 65
	case StageMQTTConnect:
		return 75
	case StageSensorsInit:
		return 90
	case StageCompleted:
		return 100
	}
	return 0
}
