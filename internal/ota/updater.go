// Package ota decides on and applies firmware self-updates.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/config"
	"example.com/backstage/services/endpoint/internal/core"
	"example.com/backstage/services/endpoint/internal/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Progress is a download progress report.
type Progress struct {
	Written int64
	Total   int64
	// Rate is the instantaneous rate in bytes per second.
	Rate float64
}

// Percent returns progress in 0..100, or -1 when the total is unknown.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return -1
	}
	return int(p.Written * 100 / p.Total)
}

// Rebooter restarts the device into the selected slot.
type Rebooter interface {
	Reboot(reason string) error
}

const progressInterval = time.Second

// Updater downloads images into the inactive slot.
type Updater struct {
	cfg        config.OTAConfig
	partitions Partitions
	rebooter   Rebooter
	httpClient *http.Client
	logger     *logrus.Entry

	mu       sync.Mutex
	progress func(Progress)
}

// NewUpdater creates an updater. Zero config values fall back to defaults.
func NewUpdater(cfg config.OTAConfig, partitions Partitions, rebooter Rebooter, logger *logrus.Logger) *Updater {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.HeaderSize <= 0 {
		cfg.HeaderSize = 24
	}
	if cfg.HeaderMagic == 0 {
		cfg.HeaderMagic = 0xE9
	}
	return &Updater{
		cfg:        cfg,
		partitions: partitions,
		rebooter:   rebooter,
		httpClient: &http.Client{},
		logger:     logger.WithField("component", "ota"),
	}
}

// OnProgress installs a progress callback, called about once a second.
func (u *Updater) OnProgress(fn func(Progress)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.progress = fn
}

func (u *Updater) report(p Progress) {
	u.mu.Lock()
	fn := u.progress
	u.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// ShouldUpdate reports whether fw offers a version strictly newer than
// current.
func ShouldUpdate(current string, fw *core.FirmwareUpdate) bool {
	if fw == nil || !fw.Available || fw.Version == "" || fw.DownloadURL == "" {
		return false
	}
	return utils.IsNewer(current, fw.Version)
}

// MarkRunningValid confirms the running image, disabling rollback.
func (u *Updater) MarkRunningValid() error {
	changed, err := u.partitions.MarkRunningValid()
	if err != nil {
		return fmt.Errorf("failed to mark image valid: %w", err)
	}
	if changed {
		u.logger.Info("Running image marked valid, rollback disabled")
	}
	return nil
}

// Reboot asks the rebooter to restart into the committed slot.
func (u *Updater) Reboot() error {
	if u.rebooter == nil {
		return errors.New("no rebooter configured")
	}
	return u.rebooter.Reboot("firmware update")
}

// Apply downloads fw into the inactive slot, validates it and selects it
// for the next boot. On any error nothing is committed.
func (u *Updater) Apply(ctx context.Context, fw *core.FirmwareUpdate) (err error) {
	if fw == nil {
		return errors.New("no firmware update")
	}
	if err := fw.Validate(); err != nil {
		return err
	}

	sum, err := utils.NewChecksum(fw.Checksum)
	if err != nil {
		return err
	}

	log := u.logger.WithFields(logrus.Fields{
		"session": uuid.New().String(),
		"version": fw.Version,
		"url":     fw.DownloadURL,
	})
	if !sum.Enabled() {
		log.Warn("Firmware update carries no checksum")
	}

	// Each read must make progress within ReadTimeout.
	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := time.AfterFunc(u.cfg.ReadTimeout, cancel)
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, fw.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return u.readErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download status %d", core.ErrTransport, resp.StatusCode)
	}

	total := fw.FileSize
	if total > 0 && resp.ContentLength > 0 && resp.ContentLength != total {
		return fmt.Errorf("%w: server reports %d bytes, expected %d", core.ErrSizeMismatch, resp.ContentLength, total)
	}
	if total <= 0 {
		total = resp.ContentLength
	}

	slot, err := u.partitions.Begin(total)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if abortErr := slot.Abort(); abortErr != nil {
				log.WithError(abortErr).Warn("Failed to discard partial image")
			}
			log.WithError(err).Error("Firmware update aborted")
		}
	}()

	log.WithField("size", total).Info("Firmware download started")

	var (
		written    int64
		header     = make([]byte, 0, u.cfg.HeaderSize)
		buf        = make([]byte, u.cfg.ChunkSize)
		lastReport = time.Now()
		lastBytes  int64
	)

	for {
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			watchdog.Reset(u.cfg.ReadTimeout)
			chunk := buf[:n]

			if len(header) < u.cfg.HeaderSize {
				need := u.cfg.HeaderSize - len(header)
				if need > n {
					need = n
				}
				header = append(header, chunk[:need]...)
				if len(header) == u.cfg.HeaderSize {
					if err := u.validateHeader(header); err != nil {
						return err
					}
				}
			}

			written += int64(n)
			if fw.FileSize > 0 && written > fw.FileSize {
				return fmt.Errorf("%w: received more than %d bytes", core.ErrSizeMismatch, fw.FileSize)
			}
			if _, err := slot.Write(chunk); err != nil {
				return fmt.Errorf("failed to write image: %w", err)
			}
			sum.Write(chunk)

			if now := time.Now(); now.Sub(lastReport) >= progressInterval {
				rate := float64(written-lastBytes) / now.Sub(lastReport).Seconds()
				u.report(Progress{Written: written, Total: total, Rate: rate})
				lastReport, lastBytes = now, written
			}
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return u.readErr(ctx, readErr)
		}
	}

	if len(header) < u.cfg.HeaderSize {
		return fmt.Errorf("%w: image shorter than its header", core.ErrImageInvalid)
	}
	if fw.FileSize > 0 && written != fw.FileSize {
		return fmt.Errorf("%w: received %d bytes, expected %d", core.ErrSizeMismatch, written, fw.FileSize)
	}
	if err := sum.Verify(); err != nil {
		return err
	}

	if err := slot.Commit(fw.Version); err != nil {
		return fmt.Errorf("failed to commit image: %w", err)
	}

	u.report(Progress{Written: written, Total: written})
	log.WithFields(logrus.Fields{
		"bytes":  written,
		"sha256": sum.Sum(),
	}).Info("Firmware committed, next boot selects new image")
	return nil
}

func (u *Updater) validateHeader(header []byte) error {
	if int(header[0]) != u.cfg.HeaderMagic {
		return fmt.Errorf("%w: magic 0x%02X, expected 0x%02X", core.ErrImageInvalid, header[0], u.cfg.HeaderMagic)
	}
	return nil
}

// readErr classifies a download failure. A watchdog expiry surfaces as a
// timeout rather than as a cancellation of the caller's context.
func (u *Updater) readErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: no data for %s", core.ErrTransport, u.cfg.ReadTimeout)
	}
	return fmt.Errorf("%w: %v", core.ErrTransport, err)
}
