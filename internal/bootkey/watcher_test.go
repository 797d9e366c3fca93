package bootkey

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/endpoint/config"
	"github.com/sirupsen/logrus"
)

// scriptedButton returns samples in order and repeats the last one.
type scriptedButton struct {
	mu      sync.Mutex
	samples []bool
	reads   int
	err     error
}

func (b *scriptedButton) Pressed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		b.reads++
		return false, b.err
	}
	i := b.reads
	if i >= len(b.samples) {
		i = len(b.samples) - 1
	}
	b.reads++
	return b.samples[i], nil
}

type fakeFlag struct {
	set int
	err error
}

func (f *fakeFlag) SetProvisioningForced(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.set++
	return nil
}

var fastCfg = config.BootKeyConfig{
	Window:          100 * time.Millisecond,
	SampleInterval:  5 * time.Millisecond,
	DebounceSamples: 3,
}

func newTestWatcher(b Button, f Flagger) *Watcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewWatcher(b, f, fastCfg, logger)
}

func TestWatch(t *testing.T) {
	// Two pressed samples then one released, repeated past the window.
	var twoOnOneOff []bool
	for i := 0; i < 100; i++ {
		twoOnOneOff = append(twoOnOneOff, i%3 != 2)
	}

	tests := []struct {
		name    string
		samples []bool
		want    bool
	}{
		{"never pressed", []bool{false}, false},
		{"held from start", []bool{true}, true},
		{"bounces then held", []bool{true, true, false, true, false, true, true, true}, true},
		{"never three in a row", twoOnOneOff, false},
		{"released after two", []bool{true, true, false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &scriptedButton{samples: tt.samples}
			f := &fakeFlag{}

			got, err := newTestWatcher(b, f).Watch(context.Background())
			if err != nil {
				t.Fatalf("Watch failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			wantSet := 0
			if tt.want {
				wantSet = 1
			}
			if f.set != wantSet {
				t.Errorf("expected flag set %d times, got %d", wantSet, f.set)
			}
		})
	}
}

func TestWatch_WindowIsBounded(t *testing.T) {
	b := &scriptedButton{samples: []bool{false}}
	start := time.Now()
	if _, err := newTestWatcher(b, &fakeFlag{}).Watch(context.Background()); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < fastCfg.Window || elapsed > fastCfg.Window+200*time.Millisecond {
		t.Errorf("expected about %s, took %s", fastCfg.Window, elapsed)
	}
	if b.reads < 10 {
		t.Errorf("expected the button sampled across the window, got %d reads", b.reads)
	}
}

func TestWatch_ReadErrorsCountAsReleased(t *testing.T) {
	b := &scriptedButton{err: errors.New("bus closed")}
	f := &fakeFlag{}
	got, err := newTestWatcher(b, f).Watch(context.Background())
	if err != nil || got {
		t.Errorf("expected (false, nil), got (%v, %v)", got, err)
	}
}

func TestWatch_FlagFailure(t *testing.T) {
	b := &scriptedButton{samples: []bool{true}}
	f := &fakeFlag{err: errors.New("storage unavailable")}
	if _, err := newTestWatcher(b, f).Watch(context.Background()); err == nil {
		t.Error("expected the store error to surface")
	}
}

func TestWatch_Cancelled(t *testing.T) {
	b := &scriptedButton{samples: []bool{false}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestWatcher(b, &fakeFlag{}).Watch(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
