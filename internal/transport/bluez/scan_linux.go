//go:build linux

package bluez

import (
	"context"
	"fmt"
	"sort"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// Scan discovers nearby devices advertising the configured service UUID until
// ctx is done and returns a snapshot sorted by object path.
// Timing control is by the caller-provided context; use context.WithTimeout as needed.
func (t *Transport) Scan(ctx context.Context) ([]Device, error) {
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}

	adapters, err := listAdapters(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adapters {
		if err := bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			t.log.Debug("bluez: start discovery", zap.String("adapter", string(ap)), zap.Error(err))
		}
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

	// Prime from current managed objects.
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	devMap := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, t.opts.UUID); ok {
			devMap[dev.Path] = dev
		}
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces, t.opts.UUID); ok {
				t.log.Debug("bluez: device found", zap.String("path", dev.Path), zap.String("mac", dev.MAC))
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
