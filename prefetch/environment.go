package prefetch

import "sync"

// Connection describes the current network link.
type Connection struct {
	// SaveData is set when the user asked for reduced data usage.
	SaveData bool
	// EffectiveType is one of "slow-2g", "2g", "3g", "4g", or "" if unknown.
	EffectiveType string
	// Cellular is set for metered mobile links.
	Cellular bool
	// DownlinkMbps is the estimated bandwidth, or 0 if unknown.
	DownlinkMbps float64
}

// Battery describes the power state.
type Battery struct {
	// Known is false when the platform does not report battery state.
	Known    bool
	Level    float64 // 0..1
	Charging bool
}

// Environment reports device conditions that gate background work.
type Environment interface {
	Connection() Connection
	Battery() Battery
}

// Thresholds below which prefetch waits.
const (
	min3GDownlinkMbps       = 1
	minCellularDownlinkMbps = 5
	minBatteryLevel         = 0.2
)

// blockedReason returns why prefetching should wait, or "" if it may run.
// A nil environment never blocks.
func blockedReason(env Environment) string {
	if env == nil {
		return ""
	}

	conn := env.Connection()
	switch {
	case conn.SaveData:
		return "data saver enabled"
	case conn.EffectiveType == "slow-2g" || conn.EffectiveType == "2g":
		return "connection too slow"
	case conn.EffectiveType == "3g" && conn.DownlinkMbps > 0 && conn.DownlinkMbps < min3GDownlinkMbps:
		return "3g bandwidth too low"
	case conn.Cellular && conn.DownlinkMbps > 0 && conn.DownlinkMbps < minCellularDownlinkMbps:
		return "cellular bandwidth too low"
	}

	if b := env.Battery(); b.Known && !b.Charging && b.Level < minBatteryLevel {
		return "battery low"
	}
	return ""
}

// StaticEnvironment is an Environment with fixed values.
type StaticEnvironment struct {
	Conn  Connection
	Power Battery
}

// Connection implements Environment.
func (s StaticEnvironment) Connection() Connection { return s.Conn }

// Battery implements Environment.
func (s StaticEnvironment) Battery() Battery { return s.Power }

// ReportedEnvironment is an Environment updated by the client as its
// conditions change. The zero value reports unknown conditions.
type ReportedEnvironment struct {
	mu    sync.RWMutex
	conn  Connection
	power Battery
}

// Report replaces the current conditions.
func (r *ReportedEnvironment) Report(conn Connection, power Battery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
	r.power = power
}

// Connection implements Environment.
func (r *ReportedEnvironment) Connection() Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

// Battery implements Environment.
func (r *ReportedEnvironment) Battery() Battery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.power
}

// Blocked returns why prefetching is currently held back, or "".
func (r *ReportedEnvironment) Blocked() string {
	return blockedReason(r)
}
