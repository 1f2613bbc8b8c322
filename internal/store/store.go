package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists last-known panel identity across restarts. It only
// enriches offline panels in the UI; nothing in discovery, the registry,
// or the action executor depends on its presence.
type Store interface {
	SavePanel(meta *PanelMeta) error
	GetPanel(ip string) (*PanelMeta, error)
	DeletePanel(ip string) error
	ListPanels() ([]*PanelMeta, error)

	// RecordSighting atomically upserts the entry for ip: a new entry gets
	// FirstSeen set, an existing one keeps it; LastSeen and DiscoveryCount
	// are always advanced, then fn may fill in identity fields. fn may be nil.
	RecordSighting(ip string, fn func(meta *PanelMeta)) error

	Close() error
}
