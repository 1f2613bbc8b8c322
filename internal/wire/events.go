package wire

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Inbound event tags. Anything else is forwarded as TagUnknown so newer
// firmware can ship events we do not understand yet.
const (
	TagState   = "state"
	TagRelay   = "relay"
	TagCurtain = "curtain"
	TagContact = "contact"
	TagInfo    = "info"
	TagUnknown = "unknown"
)

// RelayUpdate is an incremental relay state change.
type RelayUpdate struct {
	Index int    `mapstructure:"index"`
	On    bool   `mapstructure:"state"`
	Name  string `mapstructure:"name"`
}

// CurtainUpdate is an incremental curtain state change.
type CurtainUpdate struct {
	Index int    `mapstructure:"index"`
	State string `mapstructure:"state"`
	Name  string `mapstructure:"name"`
}

// ContactUpdate is an incremental contact sensor change.
type ContactUpdate struct {
	Index int    `mapstructure:"index"`
	State string `mapstructure:"state"`
	Name  string `mapstructure:"name"`
}

// InfoUpdate carries identity metadata the panel pushes on connect.
type InfoUpdate struct {
	DeviceID string `mapstructure:"device_id"`
	Name     string `mapstructure:"name"`
	Firmware string `mapstructure:"firmware"`
	RSSI     int    `mapstructure:"rssi"`
}

// Update is one parsed inbound event. Tag selects which typed field is set;
// Raw always carries the original payload so owners can forward events they
// do not model.
type Update struct {
	Tag string
	Raw map[string]any

	Full    *FullState
	Relay   *RelayUpdate
	Curtain *CurtainUpdate
	Contact *ContactUpdate
	Info    *InfoUpdate
}

type envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// ParseUpdate decodes one raw wire frame into a typed Update. A frame with
// an unrecognized event name yields Tag=TagUnknown with the original event
// name preserved in Raw["event"]; a malformed payload under a recognized
// tag is an error.
func ParseUpdate(raw []byte) (Update, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Update{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Update{}, fmt.Errorf("frame has no event tag")
	}

	u := Update{Tag: env.Event, Raw: env.Data}

	switch env.Event {
	case TagState:
		var fs FullState
		if err := mapstructure.Decode(env.Data, &fs); err != nil {
			return Update{}, fmt.Errorf("decode state payload: %w", err)
		}
		u.Full = &fs
	case TagRelay:
		var ru RelayUpdate
		if err := mapstructure.Decode(env.Data, &ru); err != nil {
			return Update{}, fmt.Errorf("decode relay payload: %w", err)
		}
		u.Relay = &ru
	case TagCurtain:
		var cu CurtainUpdate
		if err := mapstructure.Decode(env.Data, &cu); err != nil {
			return Update{}, fmt.Errorf("decode curtain payload: %w", err)
		}
		u.Curtain = &cu
	case TagContact:
		var cu ContactUpdate
		if err := mapstructure.Decode(env.Data, &cu); err != nil {
			return Update{}, fmt.Errorf("decode contact payload: %w", err)
		}
		u.Contact = &cu
	case TagInfo:
		var iu InfoUpdate
		if err := mapstructure.Decode(env.Data, &iu); err != nil {
			return Update{}, fmt.Errorf("decode info payload: %w", err)
		}
		u.Info = &iu
	default:
		if u.Raw == nil {
			u.Raw = map[string]any{}
		}
		u.Raw["event"] = env.Event
		u.Tag = TagUnknown
	}

	return u, nil
}

// Command is an outbound instruction to a panel.
type Command struct {
	Command string `json:"command"`
	Index   *int   `json:"index,omitempty"`
	State   *bool  `json:"state,omitempty"`
	Action  string `json:"action,omitempty"`
}

// Command names understood by panel firmware.
const (
	CmdRequestState  = "request_state"
	CmdSetRelay      = "set_relay"
	CmdToggleRelay   = "toggle_relay"
	CmdToggleAll     = "toggle_all"
	CmdCurtain       = "curtain"
	CmdSceneActivate = "scene_activate"
	CmdAllOff        = "all_off"
	CmdBacklight     = "backlight"
	CmdLockButtons   = "lock_buttons"
	CmdRestart       = "restart"
	CmdUpdate        = "update"
)

// Curtain command actions.
const (
	CurtainActionOpen  = "open"
	CurtainActionClose = "close"
	CurtainActionStop  = "stop"
)

// IntPtr and BoolPtr build optional command fields.
func IntPtr(v int) *int    { return &v }
func BoolPtr(v bool) *bool { return &v }
