package ota

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Partitions is the firmware slot table.
type Partitions interface {
	// Begin opens the next inactive slot for writing.
	Begin(size int64) (SlotWriter, error)
	// MarkRunningValid clears the pending-verify flag of the running image.
	// It reports whether the flag was set.
	MarkRunningValid() (bool, error)
	// State returns the slot table.
	State() (BootState, error)
}

// SlotWriter receives an image. Nothing becomes bootable until Commit.
type SlotWriter interface {
	io.Writer
	// Commit finalizes the image and selects its slot for the next boot.
	Commit(version string) error
	// Abort discards everything written.
	Abort() error
}

// BootState is the persisted slot table.
type BootState struct {
	BootSlot      int       `json:"boot_slot"`
	PendingVerify bool      `json:"pending_verify"`
	Versions      [2]string `json:"versions"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const (
	slotCount    = 2
	otadataFile  = "otadata.json"
	slotFileName = "ota_%d.bin"
)

// FilePartitions keeps two image slots and the slot table in a directory.
type FilePartitions struct {
	dir string
	mu  sync.Mutex
}

// NewFilePartitions creates dir if needed.
func NewFilePartitions(dir string) (*FilePartitions, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}
	return &FilePartitions{dir: dir}, nil
}

// SlotPath returns the image file of slot.
func (p *FilePartitions) SlotPath(slot int) string {
	return filepath.Join(p.dir, fmt.Sprintf(slotFileName, slot))
}

func (p *FilePartitions) State() (BootState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

func (p *FilePartitions) load() (BootState, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, otadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return BootState{}, nil
	}
	if err != nil {
		return BootState{}, fmt.Errorf("failed to read otadata: %w", err)
	}
	var st BootState
	if err := json.Unmarshal(data, &st); err != nil {
		return BootState{}, fmt.Errorf("failed to parse otadata: %w", err)
	}
	if st.BootSlot < 0 || st.BootSlot >= slotCount {
		return BootState{}, fmt.Errorf("otadata boot slot %d out of range", st.BootSlot)
	}
	return st, nil
}

func (p *FilePartitions) save(st BootState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal otadata: %w", err)
	}
	return writeFileSync(filepath.Join(p.dir, otadataFile), data)
}

func (p *FilePartitions) Begin(size int64) (SlotWriter, error) {
	p.mu.Lock()
	st, err := p.load()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	slot := (st.BootSlot + 1) % slotCount
	tmp := p.SlotPath(slot) + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open slot %d: %w", slot, err)
	}
	return &fileSlotWriter{parts: p, slot: slot, file: f, tmp: tmp}, nil
}

func (p *FilePartitions) MarkRunningValid() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.load()
	if err != nil {
		return false, err
	}
	if !st.PendingVerify {
		return false, nil
	}
	st.PendingVerify = false
	if err := p.save(st); err != nil {
		return false, err
	}
	return true, nil
}

type fileSlotWriter struct {
	parts *FilePartitions
	slot  int
	file  *os.File
	tmp   string
	done  bool
}

func (w *fileSlotWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, errors.New("slot writer closed")
	}
	return w.file.Write(b)
}

func (w *fileSlotWriter) Commit(version string) error {
	if w.done {
		return errors.New("slot writer closed")
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.tmp)
		return fmt.Errorf("failed to sync slot %d: %w", w.slot, err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("failed to close slot %d: %w", w.slot, err)
	}
	if err := os.Rename(w.tmp, w.parts.SlotPath(w.slot)); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("failed to install slot %d: %w", w.slot, err)
	}

	w.parts.mu.Lock()
	defer w.parts.mu.Unlock()

	st, err := w.parts.load()
	if err != nil {
		return err
	}
	st.BootSlot = w.slot
	st.PendingVerify = true
	st.Versions[w.slot] = version
	return w.parts.save(st)
}

func (w *fileSlotWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	if err := os.Remove(w.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to discard slot %d: %w", w.slot, err)
	}
	return nil
}

// writeFileSync replaces path atomically: write temp, fsync, rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
