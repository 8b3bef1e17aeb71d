package telemetry

import "time"

// Sample is one point-in-time observation of an endpoint. Samples are
// immutable once constructed; the scoring core never mutates them.
type Sample struct {
	DeviceID    string    `json:"device_id"`
	CollectedAt time.Time `json:"collected_at"`

	System    SystemState   `json:"system"`
	Network   NetworkState  `json:"network"`
	Processes []Process     `json:"processes"`
	Security  SecurityState `json:"security"`
	Auth      AuthState     `json:"auth"`
}

// SystemState holds resource usage and OS information.
type SystemState struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	DiskUsagePercent   float64 `json:"disk_usage_percent"`
	UptimeSeconds      uint64  `json:"uptime_seconds"`
	OSVersion          string  `json:"os_version"`
}

// NetworkState describes the device's current network posture.
type NetworkState struct {
	SSID              string       `json:"ssid,omitempty"`
	NetworkType       string       `json:"network_type,omitempty"` // "corporate", "home", "public", "unknown"
	VPNConnected      bool         `json:"vpn_connected"`
	ActiveConnections int          `json:"active_connections"`
	Connections       []Connection `json:"connections,omitempty"`
}

// Connection is a single observed network connection.
type Connection struct {
	RemoteAddress string `json:"remote_address"`
	RemotePort    int    `json:"remote_port"`
	State         string `json:"state,omitempty"`
}

// Process is a single running process as observed at collection time.
type Process struct {
	PID     int32  `json:"pid"`
	Name    string `json:"name"`
	Command string `json:"command,omitempty"`
}

// SecurityState reports the state of the device's security controls.
type SecurityState struct {
	DiskEncryptionEnabled      bool `json:"disk_encryption_enabled"`
	IntegrityProtectionEnabled bool `json:"integrity_protection_enabled"`
	FirewallEnabled            bool `json:"firewall_enabled"`
	AppGatekeepingEnabled      bool `json:"app_gatekeeping_enabled"`
	FailedAuthAttempts         int  `json:"failed_auth_attempts"`
}

// AuthState reports authentication configuration.
type AuthState struct {
	ScreenLockEnabled bool `json:"screen_lock_enabled"`
	PasswordRequired  bool `json:"password_required"`
}

// ProcessNames returns the names of all processes in the sample.
func (s *Sample) ProcessNames() []string {
	names := make([]string, 0, len(s.Processes))
	for _, p := range s.Processes {
		names = append(names, p.Name)
	}
	return names
}
