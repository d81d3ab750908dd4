// Package permissions resolves a user's effective permission set from role
// grants and individual overrides, caches the result, and answers permission
// checks.
package permissions

import (
	"fmt"
	"sort"
	"sync"
)

// GodMode is the sentinel permission that satisfies every permission check.
// It is handled as an explicit special case and never appears in the
// registry, so a role or override edit cannot grant it accidentally.
const GodMode = "site.god_mode"

// The registry is the process-wide table of recognized permission names.
// Packages contributing permissions register them at init time; the table is
// frozen on first read and immutable afterwards.
var registry = struct {
	mu     sync.Mutex
	frozen bool
	names  map[string]struct{}
}{names: make(map[string]struct{})}

// Register adds permission names to the registry. Calling Register after the
// registry has been read panics: all contributions must happen at startup.
func Register(names ...string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.frozen {
		panic("permissions: Register called after the registry was frozen")
	}
	for _, name := range names {
		if name == GodMode {
			panic(fmt.Sprintf("permissions: %s cannot be registered", GodMode))
		}
		registry.names[name] = struct{}{}
	}
}

// All returns every registered permission name, sorted. The first call
// freezes the registry.
func All() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.frozen = true
	names := make([]string, 0, len(registry.names))
	for name := range registry.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsValid reports whether the name is a registered permission. Freezes the
// registry.
func IsValid(name string) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.frozen = true
	_, ok := registry.names[name]
	return ok
}
