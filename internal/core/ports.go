package core

import (
	"context"
	"strings"
)

// =============================================================================
// Store Port
// =============================================================================

// KVStore is the persistent key-value store shared by all components. Values
// are opaque strings; callers own their serialization.
type KVStore interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes a value in a single atomic operation.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns every key in lexical order.
	ListKeys(ctx context.Context) ([]string, error)

	// DeleteMany removes all given keys.
	DeleteMany(ctx context.Context, keys []string) error
}

// Key namespaces. Each component writes only inside its own prefix.
const (
	NamespaceCrash     = "diag/crash/"
	NamespacePerf      = "diag/perf/"
	NamespaceIntegrity = "integrity/scratch/"
)

// Namespaces lists the component namespaces in reporting order.
func Namespaces() []string {
	return []string{NamespaceCrash, NamespacePerf, NamespaceIntegrity}
}

// NamespaceOf returns the component namespace a key belongs to, or "app" for
// keys outside every component namespace.
func NamespaceOf(key string) string {
	for _, ns := range Namespaces() {
		if strings.HasPrefix(key, ns) {
			return ns
		}
	}
	return "app"
}

// FilterPrefix returns the keys starting with prefix, preserving order.
func FilterPrefix(keys []string, prefix string) []string {
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// =============================================================================
// Bootstrap Port
// =============================================================================

// Bootstrapper is the application initializer driven by the supervisor.
// A nil error is the only success signal; background work started by either
// entry point must not affect the returned value.
type Bootstrapper interface {
	// RunFull runs the complete initialization routine.
	RunFull(ctx context.Context) error

	// RunSafe runs the minimal initialization routine used in safe mode.
	RunSafe(ctx context.Context) error
}
