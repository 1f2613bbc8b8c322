package store

import "time"

// PanelMeta is the cached last-known identity of one panel, keyed by IP.
// Pointer fields distinguish "unknown" from false/zero.
type PanelMeta struct {
	IP             string    `json:"ip"`
	Name           string    `json:"name,omitempty"`
	Firmware       string    `json:"firmware,omitempty"`
	DeviceID       string    `json:"device_id,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	DiscoveryCount int       `json:"discovery_count"`
	LoggingEnabled *bool     `json:"logging_enabled,omitempty"`
	LongPressMs    *int      `json:"long_press_ms,omitempty"`
}
