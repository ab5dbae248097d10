package node

import "sync"

// DeviceSampler reports this device's radio and battery readings. On a phone
// these come from the platform APIs; here they are fed by whatever the host
// process knows (web API, flags, test harness) and default to a charged
// device with moderate signal.
type DeviceSampler struct {
	mu          sync.Mutex
	signal      int
	battery     int
	hasInternet bool
}

// NewDeviceSampler creates a sampler with the given initial readings.
func NewDeviceSampler(signal, battery int, hasInternet bool) *DeviceSampler {
	return &DeviceSampler{signal: signal, battery: battery, hasInternet: hasInternet}
}

// SignalStrength returns the current bars reading, 0..5.
func (d *DeviceSampler) SignalStrength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signal
}

// BatteryLevel returns the current charge percent, -1 when unknown.
func (d *DeviceSampler) BatteryLevel() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.battery
}

// HasInternet reports whether the device currently sees a usable uplink.
func (d *DeviceSampler) HasInternet() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasInternet
}

// Update replaces the readings. Negative battery means unknown.
func (d *DeviceSampler) Update(signal, battery int, hasInternet bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signal = signal
	d.battery = battery
	d.hasInternet = hasInternet
}
