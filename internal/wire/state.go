package wire

// Curtain motion states as reported by the panel.
const (
	CurtainOpen    = "open"
	CurtainClosed  = "closed"
	CurtainOpening = "opening"
	CurtainClosing = "closing"
	CurtainStopped = "stopped"
	CurtainUnknown = "unknown"
)

// Contact sensor states.
const (
	ContactOpen    = "open"
	ContactClosed  = "closed"
	ContactUnknown = "unknown"
)

// Relay is a single switchable output on a panel.
type Relay struct {
	Index int    `json:"index" mapstructure:"index"`
	On    bool   `json:"state" mapstructure:"state"`
	Name  string `json:"name,omitempty" mapstructure:"name"`
}

// Curtain is a motorized shade or venetian blind output.
type Curtain struct {
	Index int    `json:"index" mapstructure:"index"`
	State string `json:"state" mapstructure:"state"`
	Name  string `json:"name,omitempty" mapstructure:"name"`
}

// Contact is a dry-contact sensor input.
type Contact struct {
	Index int    `json:"index" mapstructure:"index"`
	State string `json:"state" mapstructure:"state"`
	Name  string `json:"name,omitempty" mapstructure:"name"`
}

// FullState is the complete reported state of one panel. The wire client
// owns its copy and mutates it incrementally as tagged updates arrive;
// everyone else works on clones.
type FullState struct {
	DeviceID   string    `json:"device_id,omitempty" mapstructure:"device_id"`
	Name       string    `json:"name,omitempty" mapstructure:"name"`
	Firmware   string    `json:"firmware,omitempty" mapstructure:"firmware"`
	IPAddress  string    `json:"ip_address,omitempty" mapstructure:"ip_address"`
	MAC        string    `json:"mac,omitempty" mapstructure:"mac"`
	RSSI       int       `json:"rssi,omitempty" mapstructure:"rssi"`
	MQTTBroker string    `json:"mqtt_broker,omitempty" mapstructure:"mqtt_broker"`
	MQTTOnline bool      `json:"mqtt_online,omitempty" mapstructure:"mqtt_online"`
	TimeSynced bool      `json:"time_synced,omitempty" mapstructure:"time_synced"`
	UptimeSec  int64     `json:"uptime_sec,omitempty" mapstructure:"uptime_sec"`
	Relays     []Relay   `json:"relays" mapstructure:"relays"`
	Curtains   []Curtain `json:"curtains" mapstructure:"curtains"`
	Contacts   []Contact `json:"contacts" mapstructure:"contacts"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *FullState) Clone() *FullState {
	if s == nil {
		return nil
	}
	c := *s
	c.Relays = append([]Relay(nil), s.Relays...)
	c.Curtains = append([]Curtain(nil), s.Curtains...)
	c.Contacts = append([]Contact(nil), s.Contacts...)
	return &c
}

// Apply merges a parsed update into the state and returns the resulting
// state, allocating one if s is nil. A full-state tag replaces wholesale;
// unknown tags leave the state untouched.
func (s *FullState) Apply(u Update) *FullState {
	if u.Tag == TagState {
		return u.Full.Clone()
	}
	if s == nil {
		s = &FullState{}
	}
	switch u.Tag {
	case TagRelay:
		s.applyRelay(*u.Relay)
	case TagCurtain:
		s.applyCurtain(*u.Curtain)
	case TagContact:
		s.applyContact(*u.Contact)
	case TagInfo:
		s.DeviceID = u.Info.DeviceID
		s.Firmware = u.Info.Firmware
		s.RSSI = u.Info.RSSI
		if u.Info.Name != "" {
			s.Name = u.Info.Name
		}
	}
	return s
}

// applyRelay updates the relay at u.Index, appending if the panel reports
// an index we have not seen yet.
func (s *FullState) applyRelay(u RelayUpdate) {
	for i := range s.Relays {
		if s.Relays[i].Index == u.Index {
			s.Relays[i].On = u.On
			if u.Name != "" {
				s.Relays[i].Name = u.Name
			}
			return
		}
	}
	s.Relays = append(s.Relays, Relay{Index: u.Index, On: u.On, Name: u.Name})
}

func (s *FullState) applyCurtain(u CurtainUpdate) {
	for i := range s.Curtains {
		if s.Curtains[i].Index == u.Index {
			s.Curtains[i].State = u.State
			if u.Name != "" {
				s.Curtains[i].Name = u.Name
			}
			return
		}
	}
	s.Curtains = append(s.Curtains, Curtain{Index: u.Index, State: u.State, Name: u.Name})
}

func (s *FullState) applyContact(u ContactUpdate) {
	for i := range s.Contacts {
		if s.Contacts[i].Index == u.Index {
			s.Contacts[i].State = u.State
			if u.Name != "" {
				s.Contacts[i].Name = u.Name
			}
			return
		}
	}
	s.Contacts = append(s.Contacts, Contact{Index: u.Index, State: u.State, Name: u.Name})
}
