package telemetry

import (
	"encoding/json"
	"fmt"

	"example.com/backstage/services/endpoint/internal/core"
)

// StatusReport is the system-status payload.
type StatusReport struct {
	DeviceID      string `json:"device_id"`
	Uptime        int64  `json:"uptime"`
	FreeHeap      uint64 `json:"free_heap"`
	WiFiConnected bool   `json:"wifi_connected"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Timestamp     int64  `json:"timestamp"`
}

// SensorReport is one sensor reading as published to the data topic. Only
// the fields that belong to the sensor's kind are present.
type SensorReport struct {
	DeviceID    string   `json:"device_id"`
	Sensor      string   `json:"sensor"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Raining     *bool    `json:"raining,omitempty"`
	Analog      *int     `json:"analog,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// NewSensorReport shapes a sample for publishing. timestamp is in seconds.
func NewSensorReport(deviceID string, s core.SensorSample, timestamp int64) SensorReport {
	r := SensorReport{DeviceID: deviceID, Sensor: s.Sensor, Timestamp: timestamp}
	switch s.Kind {
	case core.SensorTemperatureHumidity:
		t, h := s.Temperature, s.Humidity
		r.Temperature, r.Humidity = &t, &h
	case core.SensorTemperatureOnly:
		t := s.Temperature
		r.Temperature = &t
	case core.SensorBinaryRain:
		raining, analog := s.Raining, s.Analog
		r.Raining, r.Analog = &raining, &analog
	}
	return r
}

// EncodeHeartbeat renders the canonical heartbeat payload.
func EncodeHeartbeat(r core.HeartbeatRecord) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeHeartbeat parses a heartbeat payload.
func DecodeHeartbeat(data []byte) (core.HeartbeatRecord, error) {
	var r core.HeartbeatRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode heartbeat: %w", err)
	}
	return r, nil
}

// EncodeStatus renders the canonical status payload.
func EncodeStatus(r StatusReport) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeStatus parses a status payload.
func DecodeStatus(data []byte) (StatusReport, error) {
	var r StatusReport
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode status: %w", err)
	}
	return r, nil
}

// EncodeSensor renders the canonical sensor payload.
func EncodeSensor(r SensorReport) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeSensor parses a sensor payload.
func DecodeSensor(data []byte) (SensorReport, error) {
	var r SensorReport
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode sensor: %w", err)
	}
	return r, nil
}
