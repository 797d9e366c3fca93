// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

// Keys within namespaces.
const (
	keySSID       = "ssid"
	keyPassword   = "password"
	keyConfigured = "configured"

	keyDeviceID     = "device_id"
	keyDeviceUUID   = "device_uuid"
	keyDeviceSecret = "device_secret"
	keyMACAddress   = "mac_address"
	keyRegistered   = "registered"

	keyBaseURL = "base_url"

	keyProvisioningForced = "provisioning_forced"
)

const flagSet = "1"

// Assignment is what the store records after a successful provisioning fetch.
type Assignment struct {
	DeviceID     string
	DeviceUUID   string
	DeviceSecret string
	ServerURL    string
	MACAddress   string
}

// Store is the identity and credential store. It owns all on-device
// persistent state; writes are serialized through one handle.
type Store struct {
	backend Backend
	logger  *logrus.Entry
	mu      sync.Mutex
}

// New creates a store over backend.
func New(backend Backend, logger *logrus.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.WithField("component", "store"),
	}
}

// Open brings the backend up. A corrupt image is erased and opened once
// more; any failure after that is ErrStorageUnavailable.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.backend.Open(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrCorrupt) {
		return wrapUnavailable(err)
	}

	s.logger.WithError(err).Warn("Persistent store corrupt, erasing and retrying")

	if err := s.backend.Erase(ctx); err != nil {
		return wrapUnavailable(err)
	}
	if err := s.backend.Open(ctx); err != nil {
		return wrapUnavailable(err)
	}

	s.logger.Info("Persistent store recovered after erase")
	return nil
}

func wrapUnavailable(err error) error {
	if errors.Is(err, core.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
}

// LoadIdentity reads the stored identity. ok is false when nothing has
// ever been written.
func (s *Store) LoadIdentity(ctx context.Context) (*core.PersistentIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wifi, err := s.backend.Load(ctx, NamespaceWiFi)
	if err != nil {
		return nil, false, err
	}
	device, err := s.backend.Load(ctx, NamespaceDevice)
	if err != nil {
		return nil, false, err
	}
	server, err := s.backend.Load(ctx, NamespaceServer)
	if err != nil {
		return nil, false, err
	}
	boot, err := s.backend.Load(ctx, NamespaceBoot)
	if err != nil {
		return nil, false, err
	}

	if len(wifi) == 0 && len(device) == 0 && len(server) == 0 && len(boot) == 0 {
		return nil, false, nil
	}

	id := &core.PersistentIdentity{
		WiFiSSID:           wifi[keySSID],
		WiFiPassword:       wifi[keyPassword],
		ConfigDone:         wifi[keyConfigured] == flagSet,
		ConfigServerURL:    server[keyBaseURL],
		MACAddress:         device[keyMACAddress],
		DeviceID:           device[keyDeviceID],
		DeviceUUID:         device[keyDeviceUUID],
		DeviceSecret:       device[keyDeviceSecret],
		ProvisioningForced: boot[keyProvisioningForced] == flagSet,
	}

	// The triple is all-or-nothing; a torn registration is treated as none.
	present := 0
	for _, v := range []string{id.DeviceID, id.DeviceUUID, id.DeviceSecret} {
		if v != "" {
			present++
		}
	}
	if present != 0 && present != 3 {
		s.logger.WithField("fields_present", present).Warn("Stored identity triple incomplete, ignoring it")
		id.DeviceID, id.DeviceUUID, id.DeviceSecret = "", "", ""
	}

	return id, true, nil
}

// StoreWiFi records station credentials and marks configuration done.
func (s *Store) StoreWiFi(ctx context.Context, ssid, password string) error {
	if err := core.ValidateWiFi(ssid, password); err != nil {
		return err
	}

	return s.commit(ctx, Changes{
		NamespaceWiFi: {
			keySSID:       ssid,
			keyPassword:   password,
			keyConfigured: flagSet,
		},
	})
}

// StoreServerURL records the provisioning service base address.
func (s *Store) StoreServerURL(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("%w: server url is required", core.ErrInvalidCredentials)
	}
	return s.commit(ctx, Changes{NamespaceServer: {keyBaseURL: url}})
}

// StoreAssigned records the cloud-assigned identity and the server it came
// from in a single commit.
func (s *Store) StoreAssigned(ctx context.Context, a Assignment) error {
	if a.DeviceID == "" || a.DeviceUUID == "" || a.DeviceSecret == "" {
		return core.ErrIdentityIncomplete
	}

	changes := Changes{
		NamespaceDevice: {
			keyDeviceID:     a.DeviceID,
			keyDeviceUUID:   a.DeviceUUID,
			keyDeviceSecret: a.DeviceSecret,
			keyMACAddress:   a.MACAddress,
			keyRegistered:   flagSet,
		},
	}
	if a.ServerURL != "" {
		changes[NamespaceServer] = map[string]string{keyBaseURL: a.ServerURL}
	}

	if err := s.commit(ctx, changes); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":   a.DeviceID,
		"device_uuid": a.DeviceUUID,
	}).Info("Assigned identity stored")
	return nil
}

// SetProvisioningForced arms the one-shot reprovision flag.
func (s *Store) SetProvisioningForced(ctx context.Context) error {
	return s.commit(ctx, Changes{NamespaceBoot: {keyProvisioningForced: flagSet}})
}

// ConsumeProvisioningForced returns the flag and clears it.
func (s *Store) ConsumeProvisioningForced(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	boot, err := s.backend.Load(ctx, NamespaceBoot)
	if err != nil {
		return false, err
	}
	if boot[keyProvisioningForced] != flagSet {
		return false, nil
	}

	delete(boot, keyProvisioningForced)
	if err := s.backend.Commit(ctx, Changes{NamespaceBoot: boot}); err != nil {
		return true, wrapUnavailable(err)
	}
	return true, nil
}

// FactoryReset erases every namespace.
func (s *Store) FactoryReset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Erase(ctx); err != nil {
		return wrapUnavailable(err)
	}
	s.logger.Warn("Factory reset: persistent store erased")
	return nil
}

// Snapshot returns every namespace with secret values masked.
func (s *Store) Snapshot(ctx context.Context) (map[string]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]string, len(Namespaces))
	for _, ns := range Namespaces {
		values, err := s.backend.Load(ctx, ns)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}
		masked := cloneValues(values)
		for _, k := range []string{keyPassword, keyDeviceSecret} {
			if v, ok := masked[k]; ok && v != "" {
				masked[k] = "********"
			}
		}
		out[ns] = masked
	}
	return out, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) commit(ctx context.Context, changes Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Commit(ctx, changes); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}
