package peripheral

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/config"
	"example.com/backstage/services/endpoint/internal/core"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Link request opcodes.
const (
	opDigitalWrite uint8 = 0x01
	opDigitalRead  uint8 = 0x02
	opConfigurePWM uint8 = 0x03
	opSetDuty      uint8 = 0x04
	opReadSensor   uint8 = 0x05
)

type linkRequest struct {
	Seq        uint16 `cbor:"0,keyasint"`
	Op         uint8  `cbor:"1,keyasint"`
	Pin        int    `cbor:"2,keyasint,omitempty"`
	HWChannel  int    `cbor:"3,keyasint,omitempty"`
	High       bool   `cbor:"4,keyasint,omitempty"`
	Frequency  uint32 `cbor:"5,keyasint,omitempty"`
	Resolution int    `cbor:"6,keyasint,omitempty"`
	Counts     uint32 `cbor:"7,keyasint,omitempty"`
	Sensor     string `cbor:"8,keyasint,omitempty"`
}

type linkResponse struct {
	Seq         uint16  `cbor:"0,keyasint"`
	Error       string  `cbor:"1,keyasint,omitempty"`
	High        bool    `cbor:"2,keyasint,omitempty"`
	Temperature float64 `cbor:"3,keyasint,omitempty"`
	Humidity    float64 `cbor:"4,keyasint,omitempty"`
	Raining     bool    `cbor:"5,keyasint,omitempty"`
	Analog      int     `cbor:"6,keyasint,omitempty"`
	Valid       bool    `cbor:"7,keyasint,omitempty"`
}

// LinkBus forwards bus operations to a pin co-processor as CBOR requests
// in CRC-checked frames. One request is in flight at a time.
type LinkBus struct {
	link    io.ReadWriteCloser
	timeout time.Duration
	logger  *logrus.Entry

	mu  sync.Mutex
	seq uint16

	responses chan linkResponse
	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// NewLinkBus starts reading responses from link.
func NewLinkBus(link io.ReadWriteCloser, timeout time.Duration, logger *logrus.Logger) *LinkBus {
	if timeout <= 0 {
		timeout = time.Second
	}
	b := &LinkBus{
		link:      link,
		timeout:   timeout,
		logger:    logger.WithField("component", "linkbus"),
		responses: make(chan linkResponse, 8),
		done:      make(chan struct{}),
	}
	go b.readLoop()
	return b
}

func (b *LinkBus) readLoop() {
	defer close(b.done)

	var dec FrameDecoder
	buf := make([]byte, 256)
	for {
		n, err := b.link.Read(buf)
		for _, c := range buf[:n] {
			payload, ferr := dec.Feed(c)
			if ferr != nil {
				b.logger.WithError(ferr).Warn("Dropping corrupt frame")
				continue
			}
			if payload == nil {
				continue
			}
			var resp linkResponse
			if err := cbor.Unmarshal(payload, &resp); err != nil {
				b.logger.WithError(err).Warn("Dropping undecodable response")
				continue
			}
			select {
			case b.responses <- resp:
			default:
				b.logger.WithField("seq", resp.Seq).Warn("Response queue full, dropping response")
			}
		}
		if err != nil {
			b.readErr = err
			return
		}
	}
}

func (b *LinkBus) call(ctx context.Context, req linkRequest) (linkResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	req.Seq = b.seq

	payload, err := cbor.Marshal(req)
	if err != nil {
		return linkResponse{}, fmt.Errorf("failed to encode request: %w", err)
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		return linkResponse{}, err
	}
	if _, err := b.link.Write(frame); err != nil {
		return linkResponse{}, fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-b.responses:
			if resp.Seq != req.Seq {
				continue
			}
			if resp.Error != "" {
				return resp, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
			}
			return resp, nil
		case <-b.done:
			return linkResponse{}, fmt.Errorf("%w: %v", ErrLinkClosed, b.readErr)
		case <-timer.C:
			return linkResponse{}, fmt.Errorf("%w: op 0x%02X after %s", ErrLinkTimeout, req.Op, b.timeout)
		case <-ctx.Done():
			return linkResponse{}, ctx.Err()
		}
	}
}

func (b *LinkBus) DigitalWrite(pin int, high bool) error {
	_, err := b.call(context.Background(), linkRequest{Op: opDigitalWrite, Pin: pin, High: high})
	return err
}

func (b *LinkBus) DigitalRead(pin int) (bool, error) {
	resp, err := b.call(context.Background(), linkRequest{Op: opDigitalRead, Pin: pin})
	return resp.High, err
}

func (b *LinkBus) ConfigurePWM(hwChannel, pin int, frequency uint32, resolution int) error {
	_, err := b.call(context.Background(), linkRequest{
		Op:         opConfigurePWM,
		Pin:        pin,
		HWChannel:  hwChannel,
		Frequency:  frequency,
		Resolution: resolution,
	})
	return err
}

func (b *LinkBus) SetDuty(hwChannel int, counts uint32) error {
	_, err := b.call(context.Background(), linkRequest{Op: opSetDuty, HWChannel: hwChannel, Counts: counts})
	return err
}

func (b *LinkBus) ReadSensor(ctx context.Context, spec SensorSpec) (core.SensorSample, error) {
	resp, err := b.call(ctx, linkRequest{Op: opReadSensor, Pin: spec.Pin, Sensor: spec.Name})
	if err != nil {
		return core.SensorSample{}, err
	}
	return core.SensorSample{
		Sensor:       spec.Name,
		Kind:         spec.Kind,
		Temperature:  resp.Temperature,
		Humidity:     resp.Humidity,
		Raining:      resp.Raining,
		Analog:       resp.Analog,
		Valid:        resp.Valid,
		CapturedAtMs: time.Now().UnixMilli(),
	}, nil
}

// Close closes the link and stops the reader.
func (b *LinkBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.link.Close()
		<-b.done
	})
	return err
}

// SerialLink wraps a serial port
type SerialLink struct {
	port serial.Port
}

func (s *SerialLink) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *SerialLink) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *SerialLink) Close() error                { return s.port.Close() }

// OpenSerialLink opens the co-processor's serial port at 8N1.
func OpenSerialLink(portName string, baudRate int) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return &SerialLink{port: port}, nil
}

// WebSocketLink carries frames in binary websocket messages.
type WebSocketLink struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *WebSocketLink) Read(p []byte) (int, error) {
	if w.closed {
		return 0, io.EOF
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketLink) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketLink) Close() error {
	return w.conn.Close()
}

// OpenWebSocketLink dials a ws:// or wss:// co-processor endpoint.
func OpenWebSocketLink(ctx context.Context, wsURL string, skipSSLVerify bool) (*WebSocketLink, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	switch u.Scheme {
	case "ws":
	case "wss":
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}

	return &WebSocketLink{conn: conn}, nil
}

// OpenBus builds the bus selected by cfg.
func OpenBus(ctx context.Context, cfg config.BusConfig, logger *logrus.Logger) (Bus, error) {
	var link io.ReadWriteCloser
	var err error

	switch cfg.Kind {
	case "", "memory":
		return NewMemoryBus(), nil
	case "serial":
		if cfg.Port == "" {
			return nil, errors.New("bus.port is required for serial bus")
		}
		link, err = OpenSerialLink(cfg.Port, cfg.Baud)
	case "websocket":
		if cfg.URL == "" {
			return nil, errors.New("bus.url is required for websocket bus")
		}
		link, err = OpenWebSocketLink(ctx, cfg.URL, cfg.NoSSLVerify)
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"component": "linkbus",
		"kind":      cfg.Kind,
	}).Info("Co-processor link opened")
	return NewLinkBus(link, time.Second, logger), nil
}
