// Package device scans for connected Android devices via ADB and keeps an
// in-memory, store-backed registry of them. Grounded on the teacher's
// adb.ADBClient (ListDevices/parseDeviceList/deduplicateDevices/
// enrichDeviceInfo/getProperty/getScreenResolution/getBatteryLevel) and
// service.DeviceManager (the registry map + RWMutex shape), generalized
// to run ADB through internal/adbexec.Executor instead of ad hoc
// exec.Command calls, and to persist scan results through internal/store
// instead of holding them only in memory.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"androidcontrol/internal/adbexec"
	"androidcontrol/internal/store"
	"androidcontrol/models"
)

// Registry holds the most recent device scan, refreshed by ScanDevices
// and optionally mirrored into a Store.
type Registry struct {
	adb   *adbexec.Executor
	store *store.Store

	mu      sync.RWMutex
	devices map[string]*models.Device
}

// NewRegistry builds an empty registry. store may be nil, in which case
// scans are kept in memory only.
func NewRegistry(adb *adbexec.Executor, st *store.Store) *Registry {
	return &Registry{adb: adb, store: st, devices: make(map[string]*models.Device)}
}

// ScanDevices runs `adb devices -l`, enriches each online device with
// model/resolution/battery/Android-version, deduplicates USB+WiFi
// pairings (preferring WiFi), and replaces the registry contents.
func (r *Registry) ScanDevices(ctx context.Context) error {
	res, err := r.adb.Execute(ctx, []string{"devices", "-l"}, adbexec.Options{Wait: true})
	if err != nil {
		return err
	}

	devices, err := r.parseDeviceList(ctx, string(res.Stdout))
	if err != nil {
		return err
	}
	devices = r.deduplicate(ctx, devices)

	r.mu.Lock()
	r.devices = make(map[string]*models.Device, len(devices))
	for i := range devices {
		r.devices[devices[i].ID] = &devices[i]
	}
	r.mu.Unlock()

	if r.store != nil {
		for i := range devices {
			d := devices[i]
			r.store.UpsertDevice(store.DeviceRecord{
				ID: d.ID, Name: d.Name, ADBDeviceID: d.ADBDeviceID, Status: d.Status,
				Resolution: d.Resolution, Battery: d.Battery, AndroidVersion: d.AndroidVersion,
				LastSeen: d.LastSeen,
			})
		}
	}
	return nil
}

// GetAll returns every device currently in the registry.
func (r *Registry) GetAll() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Get returns a single device by its registry ID, or nil.
func (r *Registry) Get(id string) *models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[id]
}

func (r *Registry) parseDeviceList(ctx context.Context, output string) ([]models.Device, error) {
	var devices []models.Device
	lines := strings.Split(output, "\n")

	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		serial, state := parts[0], parts[1]
		if state != "device" {
			continue
		}

		d := models.Device{
			ID:          fmt.Sprintf("device_%s", serial),
			ADBDeviceID: serial,
			Name:        serial,
			Status:      "online",
		}
		for _, part := range parts[2:] {
			if strings.HasPrefix(part, "model:") {
				d.Name = strings.ReplaceAll(strings.TrimPrefix(part, "model:"), "_", " ")
			}
		}

		r.enrich(ctx, &d)
		devices = append(devices, d)
	}
	return devices, nil
}

func (r *Registry) enrich(ctx context.Context, d *models.Device) {
	if version, err := r.property(ctx, d.ADBDeviceID, "ro.build.version.release"); err == nil {
		d.AndroidVersion = strings.TrimSpace(version)
	}
	if resolution, err := r.screenResolution(ctx, d.ADBDeviceID); err == nil {
		d.Resolution = resolution
	}
	if battery, err := r.batteryLevel(ctx, d.ADBDeviceID); err == nil {
		d.Battery = battery
	}
}

func (r *Registry) property(ctx context.Context, deviceID, prop string) (string, error) {
	res, err := r.adb.Execute(ctx, []string{"-s", deviceID, "shell", "getprop", prop}, adbexec.Options{Wait: true})
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

func (r *Registry) screenResolution(ctx context.Context, deviceID string) (string, error) {
	res, err := r.adb.Execute(ctx, []string{"-s", deviceID, "shell", "wm", "size"}, adbexec.Options{Wait: true})
	if err != nil {
		return "", err
	}

	var physical, override string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "Physical size:") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				physical = strings.TrimSpace(parts[1])
			}
		}
		if strings.Contains(line, "Override size:") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				override = strings.TrimSpace(parts[1])
			}
		}
	}
	if override != "" {
		return override, nil
	}
	if physical != "" {
		return physical, nil
	}
	return "unknown", nil
}

func (r *Registry) batteryLevel(ctx context.Context, deviceID string) (int, error) {
	res, err := r.adb.Execute(ctx, []string{"-s", deviceID, "shell", "dumpsys", "battery"}, adbexec.Options{Wait: true})
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if strings.Contains(line, "level:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) != 2 {
				continue
			}
			var level int
			if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &level); err == nil {
				return level, nil
			}
		}
	}
	return 0, fmt.Errorf("battery level not found")
}

func (r *Registry) serialNumber(ctx context.Context, deviceID string) string {
	res, err := r.adb.Execute(ctx, []string{"-s", deviceID, "shell", "getprop", "ro.serialno"}, adbexec.Options{Wait: true})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(res.Stdout))
}

func isWiFiConnection(adbDeviceID string) bool { return strings.Contains(adbDeviceID, ":") }

// deduplicate collapses USB+WiFi pairings of the same physical device
// (matched by hardware serial), preferring the WiFi entry.
func (r *Registry) deduplicate(ctx context.Context, devices []models.Device) []models.Device {
	bySerial := make(map[string]models.Device, len(devices))

	for _, d := range devices {
		hwSerial := r.serialNumber(ctx, d.ADBDeviceID)
		if hwSerial == "" {
			hwSerial = d.ADBDeviceID
		}

		existing, exists := bySerial[hwSerial]
		if !exists {
			bySerial[hwSerial] = d
			continue
		}
		if isWiFiConnection(d.ADBDeviceID) && !isWiFiConnection(existing.ADBDeviceID) {
			bySerial[hwSerial] = d
		}
	}

	out := make([]models.Device, 0, len(bySerial))
	for _, d := range bySerial {
		out = append(out, d)
	}
	return out
}
