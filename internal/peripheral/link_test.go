package peripheral

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

func TestCRC16_KnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE check value.
	if got := crc16([]byte("123456789")); got != 0x29B1 {
		t.Errorf("expected 0x29B1, got 0x%04X", got)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"plain", []byte{0x01, 0x02, 0x03}},
		{"special bytes", []byte{frameStart, frameEnd, frameEsc, 0x00, frameStart}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeFrame(tt.payload)
			if err != nil {
				t.Fatalf("EncodeFrame failed: %v", err)
			}
			for _, b := range frame[1 : len(frame)-1] {
				if b == frameStart || b == frameEnd {
					t.Fatalf("unescaped framing byte 0x%02X inside frame", b)
				}
			}

			var dec FrameDecoder
			// Leading noise is ignored.
			stream := append([]byte{0x55, 0xAA}, frame...)
			var got []byte
			for _, b := range stream {
				p, err := dec.Feed(b)
				if err != nil {
					t.Fatalf("Feed failed: %v", err)
				}
				if p != nil {
					got = p
				}
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("expected %X, got %X", tt.payload, got)
			}
		})
	}
}

func TestFrame_CorruptCRC(t *testing.T) {
	frame, _ := EncodeFrame([]byte{0x10, 0x20})
	frame[1] ^= 0x01

	var dec FrameDecoder
	var lastErr error
	for _, b := range frame {
		if _, err := dec.Feed(b); err != nil {
			lastErr = err
		}
	}
	if !errors.Is(lastErr, ErrFrame) {
		t.Errorf("expected ErrFrame, got %v", lastErr)
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, maxFramePayload+1)); !errors.Is(err, ErrFrame) {
		t.Errorf("expected ErrFrame, got %v", err)
	}
}

// coprocessor answers requests on conn the way the pin firmware does.
func coprocessor(t *testing.T, conn net.Conn, handle func(linkRequest) linkResponse) {
	t.Helper()
	go func() {
		var dec FrameDecoder
		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			for _, b := range buf[:n] {
				payload, err := dec.Feed(b)
				if err != nil || payload == nil {
					continue
				}
				var req linkRequest
				if err := cbor.Unmarshal(payload, &req); err != nil {
					continue
				}
				resp := handle(req)
				resp.Seq = req.Seq
				data, _ := cbor.Marshal(resp)
				frame, _ := EncodeFrame(data)
				if _, err := conn.Write(frame); err != nil {
					return
				}
			}
		}
	}()
}

func newTestLinkBus(t *testing.T, timeout time.Duration, handle func(linkRequest) linkResponse) *LinkBus {
	t.Helper()
	host, device := net.Pipe()
	coprocessor(t, device, handle)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	bus := NewLinkBus(host, timeout, logger)
	t.Cleanup(func() {
		bus.Close()
		device.Close()
	})
	return bus
}

func TestLinkBus_Operations(t *testing.T) {
	var got []linkRequest
	bus := newTestLinkBus(t, time.Second, func(req linkRequest) linkResponse {
		got = append(got, req)
		switch req.Op {
		case opDigitalRead:
			return linkResponse{High: true}
		case opReadSensor:
			return linkResponse{Temperature: 22.5, Humidity: 40, Valid: true}
		}
		return linkResponse{}
	})

	if err := bus.DigitalWrite(12, true); err != nil {
		t.Fatalf("DigitalWrite failed: %v", err)
	}
	if err := bus.ConfigurePWM(6, 16, 5000, 13); err != nil {
		t.Fatalf("ConfigurePWM failed: %v", err)
	}
	if err := bus.SetDuty(6, 4095); err != nil {
		t.Fatalf("SetDuty failed: %v", err)
	}
	high, err := bus.DigitalRead(0)
	if err != nil || !high {
		t.Errorf("expected high, got %v (%v)", high, err)
	}
	sample, err := bus.ReadSensor(context.Background(), SensorSpec{Name: "DHT11", Kind: core.SensorTemperatureHumidity, Pin: 4})
	if err != nil {
		t.Fatalf("ReadSensor failed: %v", err)
	}
	if sample.Temperature != 22.5 || sample.Humidity != 40 || !sample.Valid || sample.Sensor != "DHT11" {
		t.Errorf("unexpected sample %+v", sample)
	}

	if len(got) != 5 {
		t.Fatalf("expected 5 requests, got %d", len(got))
	}
	if got[0].Op != opDigitalWrite || got[0].Pin != 12 || !got[0].High {
		t.Errorf("unexpected write request %+v", got[0])
	}
	if got[1].Frequency != 5000 || got[1].Resolution != 13 || got[1].HWChannel != 6 {
		t.Errorf("unexpected configure request %+v", got[1])
	}
	for i, req := range got {
		if req.Seq != uint16(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, req.Seq)
		}
	}
}

func TestLinkBus_RemoteError(t *testing.T) {
	bus := newTestLinkBus(t, time.Second, func(req linkRequest) linkResponse {
		return linkResponse{Error: "pin locked"}
	})

	if err := bus.DigitalWrite(12, true); !errors.Is(err, ErrRemote) {
		t.Errorf("expected ErrRemote, got %v", err)
	}
}

func TestLinkBus_Timeout(t *testing.T) {
	host, device := net.Pipe()
	defer device.Close()
	// Drain requests without answering.
	go io.Copy(io.Discard, device)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	bus := NewLinkBus(host, 20*time.Millisecond, logger)
	defer bus.Close()

	if err := bus.SetDuty(1, 10); !errors.Is(err, ErrLinkTimeout) {
		t.Errorf("expected ErrLinkTimeout, got %v", err)
	}
}

func TestPWMMath(t *testing.T) {
	tests := []struct {
		freq uint32
		max  int
		want int
	}{
		{1, 13, 13},
		{5000, 13, 13},
		{20000, 13, 11},
		{40000, 13, 10},
		{50, 16, 16},
		{0, 13, 1},
	}
	for _, tt := range tests {
		if got := ResolutionFor(tt.freq, tt.max); got != tt.want {
			t.Errorf("ResolutionFor(%d, %d): expected %d, got %d", tt.freq, tt.max, tt.want, got)
		}
	}

	if got := DutyCounts(100, 10); got != 1023 {
		t.Errorf("expected 1023, got %d", got)
	}
	if got := DutyCounts(0, 10); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := DutyCounts(50, 8); got != 128 {
		t.Errorf("expected 128, got %d", got)
	}

	spec := ServoSpec{MinPulse: 500 * time.Microsecond, MaxPulse: 2500 * time.Microsecond}
	if got := ServoPulse(spec, 0); got != 500*time.Microsecond {
		t.Errorf("expected 0.5ms at 0, got %s", got)
	}
	if got := ServoPulse(spec, 180); got != 2500*time.Microsecond {
		t.Errorf("expected 2.5ms at 180, got %s", got)
	}

	for angle, want := range map[int]Direction{0: Reverse, 89: Reverse, 90: Stop, 91: Forward, 180: Forward} {
		if got := ContinuousDirection(angle); got != want {
			t.Errorf("angle %d: expected %s, got %s", angle, want, got)
		}
	}
}
