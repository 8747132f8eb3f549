// SPDX-License-Identifier: MIT
package radio

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	applog "sdrpipe/internal/log"
)

// Driver is a radio backend. Drivers register themselves from init so that a
// blank import is enough to make them available.
type Driver interface {
	Name() string
	// Enumerate lists the devices matching filter. Each result must carry a
	// "driver" key naming this driver.
	Enumerate(filter Args) ([]Args, error)
	Make(args Args) (Device, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name. It panics on a duplicate name,
// which can only happen from a programming error at init time.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	name := d.Name()
	if _, dup := drivers[name]; dup {
		panic("radio: Register called twice for driver " + name)
	}
	drivers[name] = d
}

func unregister(name string) {
	driversMu.Lock()
	delete(drivers, name)
	driversMu.Unlock()
}

// Drivers returns the sorted names of registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return slices.Sorted(maps.Keys(drivers))
}

func lookup(name string) (Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	return d, ok
}

// Enumerate lists devices across drivers. A "driver" key in filter restricts
// the search to that driver. A driver that fails to enumerate is logged and
// skipped.
func Enumerate(filter Args) ([]Args, error) {
	names := Drivers()
	if want, ok := filter["driver"]; ok {
		if _, found := lookup(want); !found {
			return nil, fmt.Errorf("%w: driver '%s' is not registered", ErrNoDevice, want)
		}
		names = []string{want}
	}

	// Drivers see the filter without the driver selector.
	sub := filter.Merge(nil)
	delete(sub, "driver")

	var found []Args
	for _, name := range names {
		d, _ := lookup(name)
		results, err := d.Enumerate(sub)
		if err != nil {
			applog.Warnf("Radio: driver %s enumeration failed: %v", name, err)
			continue
		}
		for _, args := range results {
			if args["driver"] == "" {
				args = args.Merge(Args{"driver": name})
			}
			found = append(found, args)
		}
	}
	return found, nil
}

// Make opens the device described by args using the driver it names.
func Make(args Args) (Device, error) {
	name := args["driver"]
	d, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: driver '%s' is not registered", ErrNoDevice, name)
	}
	dev, err := d.Make(args)
	if err != nil {
		return nil, fmt.Errorf("make %s device: %w", name, err)
	}
	return dev, nil
}
