// internal/store/backend.go
package store

import "context"

// Namespaces used by the identity store.
const (
	NamespaceWiFi   = "wifi_config"
	NamespaceDevice = "device_reg"
	NamespaceServer = "server_config"
	NamespaceBoot   = "boot"
)

// Namespaces lists every namespace the store writes.
var Namespaces = []string{NamespaceWiFi, NamespaceDevice, NamespaceServer, NamespaceBoot}

// Changes maps a namespace to its complete new contents. A namespace mapped to
// an empty or nil map is removed.
type Changes map[string]map[string]string

// Backend is opaque key-value persistence grouped by namespace.
//
// Commit applies every namespace in changes or none of them. Open reports
// core.ErrCorrupt when existing contents cannot be read back.
type Backend interface {
	Open(ctx context.Context) error
	Load(ctx context.Context, namespace string) (map[string]string, error)
	Commit(ctx context.Context, changes Changes) error
	Erase(ctx context.Context) error
	Close() error
}

func cloneValues(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
