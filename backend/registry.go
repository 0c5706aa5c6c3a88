package backend

import (
	"fmt"
	"sort"
	"sync"
)

// StoreOptions carries the driver-specific settings used to open a KeyValueStore.
type StoreOptions struct {
	Path      string // File path for file-backed drivers (sqlite)
	Address   string // Server address for networked drivers (valkey)
	Password  string
	DB        int
	KeyPrefix string
}

// StoreConstructor opens a KeyValueStore for the given options.
type StoreConstructor func(opts StoreOptions) (KeyValueStore, error)

// Global registry of key-value store drivers
var (
	storeMu      sync.RWMutex
	storeDrivers = make(map[string]StoreConstructor)
)

// RegisterStore registers a key-value store driver under name.
// Drivers call this in their init() function.
func RegisterStore(name string, constructor StoreConstructor) {
	storeMu.Lock()
	defer storeMu.Unlock()
	storeDrivers[name] = constructor
}

// OpenStore opens a key-value store using the named driver.
func OpenStore(name string, opts StoreOptions) (KeyValueStore, error) {
	storeMu.RLock()
	constructor, ok := storeDrivers[name]
	storeMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %q (available: %v)", name, StoreDrivers())
	}
	return constructor(opts)
}

// StoreDrivers returns the registered driver names in sorted order.
func StoreDrivers() []string {
	storeMu.RLock()
	defer storeMu.RUnlock()

	names := make([]string, 0, len(storeDrivers))
	for name := range storeDrivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
