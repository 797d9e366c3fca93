// Package bootkey watches the boot button during early startup. Holding it
// arms a forced reprovision.
package bootkey

import (
	"context"
	"time"

	"example.com/backstage/services/endpoint/config"
	"github.com/sirupsen/logrus"
)

// Button is an input that can be sampled.
type Button interface {
	Pressed() (bool, error)
}

// Flagger arms the one-shot provisioning-forced flag.
type Flagger interface {
	SetProvisioningForced(ctx context.Context) error
}

// Watcher samples a button over a bounded window.
type Watcher struct {
	button Button
	flag   Flagger
	cfg    config.BootKeyConfig
	logger *logrus.Entry
}

// NewWatcher creates a watcher. Zero config values fall back to a 3s window
// sampled every 100ms with 3 confirming samples.
func NewWatcher(button Button, flag Flagger, cfg config.BootKeyConfig, logger *logrus.Logger) *Watcher {
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Second
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 100 * time.Millisecond
	}
	if cfg.DebounceSamples <= 0 {
		cfg.DebounceSamples = 3
	}
	return &Watcher{
		button: button,
		flag:   flag,
		cfg:    cfg,
		logger: logger.WithField("component", "bootkey"),
	}
}

// Watch samples the button until DebounceSamples consecutive pressed
// samples are seen or the window closes. On confirmation it arms the flag
// and returns true. Read errors count as released.
func (w *Watcher) Watch(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(w.cfg.Window)
	ticker := time.NewTicker(w.cfg.SampleInterval)
	defer ticker.Stop()

	streak := 0
	for {
		pressed, err := w.button.Pressed()
		if err != nil {
			w.logger.WithError(err).Debug("Boot key read failed")
			pressed = false
		}
		if pressed {
			streak++
		} else {
			streak = 0
		}

		if streak >= w.cfg.DebounceSamples {
			if err := w.flag.SetProvisioningForced(ctx); err != nil {
				return false, err
			}
			w.logger.Warn("Boot key held, provisioning forced")
			return true, nil
		}

		if !time.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
