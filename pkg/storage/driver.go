package storage

import (
	"fmt"
	"sort"
	"sync"
)

// DriverID names a registered storage driver.
type DriverID string

// Driver makes ObjectStorage instances sharing the driver's resources. A
// driver is shut down once, after which the storages it made stop accepting
// work.
type Driver interface {
	Make() (ObjectStorage, error)
	Shutdown()
}

// DriverFactory builds a driver from a driver-specific configuration value.
type DriverFactory func(config any) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[DriverID]DriverFactory)
)

// Register makes a driver factory available under id. Registering the same
// id twice panics.
func Register(id DriverID, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if factory == nil {
		panic("storage: Register factory is nil")
	}
	if _, dup := drivers[id]; dup {
		panic(fmt.Sprintf("storage: Register called twice for driver %q", id))
	}
	drivers[id] = factory
}

// Open builds the driver registered under id.
func Open(id DriverID, config any) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[id]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", id)
	}
	return factory(config)
}

// Drivers returns the sorted IDs of the registered drivers.
func Drivers() []DriverID {
	driversMu.RLock()
	defer driversMu.RUnlock()

	ids := make([]DriverID, 0, len(drivers))
	for id := range drivers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
