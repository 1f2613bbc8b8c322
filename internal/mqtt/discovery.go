//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"panelhub/internal/wire"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/panel_192_168_1_50/relay_0/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadOpen       string   `json:"payload_open,omitempty"`
	PayloadClose      string   `json:"payload_close,omitempty"`
	PayloadStop       string   `json:"payload_stop,omitempty"`
	Device            haDevice `json:"device"`
}

// panelDisplayName returns a display name for a panel.
func panelDisplayName(ip string, st *wire.FullState) string {
	if st != nil && st.Name != "" {
		return st.Name
	}
	return "Panel " + ip
}

// panelIdentifier returns the unique identifier for the HA device registry.
func panelIdentifier(ip string) string {
	return "panel_" + sanitizeTopic(ip)
}

// panelTopicName returns the MQTT topic segment for a panel. The IP keeps
// topics stable across renames.
func panelTopicName(ip string) string {
	return sanitizeTopic(ip)
}

// sanitizeTopic lowercases and keeps only safe chars for MQTT topics.
func sanitizeTopic(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// buildDiscovery generates HA discovery messages for every entity a panel
// exposes: one switch per relay, one cover per curtain, one binary sensor
// per contact, plus an RSSI sensor.
func buildDiscovery(ip string, st *wire.FullState, prefix string) []discoveryMsg {
	if st == nil {
		return nil
	}

	nodeID := panelIdentifier(ip)
	topic := prefix + "/" + panelTopicName(ip)
	avail := topic + "/availability"
	displayName := panelDisplayName(ip, st)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "wifi-panel",
		Model:        st.Firmware,
		Name:         displayName,
	}

	var msgs []discoveryMsg

	for _, relay := range st.Relays {
		name := relay.Name
		if name == "" {
			name = fmt.Sprintf("Relay %d", relay.Index)
		}
		objectID := fmt.Sprintf("relay_%d", relay.Index)
		payload := haDiscovery{
			Name:              displayName + " " + name,
			UniqueID:          nodeID + "_" + objectID,
			StateTopic:        topic,
			CommandTopic:      fmt.Sprintf("%s/relay/%d/set", topic, relay.Index),
			AvailabilityTopic: avail,
			ValueTemplate: fmt.Sprintf(
				"{{ 'ON' if (value_json.relays | selectattr('index', 'equalto', %d) | first).state else 'OFF' }}",
				relay.Index),
			PayloadOn:  "ON",
			PayloadOff: "OFF",
			Device:     haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/switch/%s/%s/config", nodeID, objectID),
			Payload: mustJSON(payload),
		})
	}

	for _, curtain := range st.Curtains {
		name := curtain.Name
		if name == "" {
			name = fmt.Sprintf("Curtain %d", curtain.Index)
		}
		objectID := fmt.Sprintf("curtain_%d", curtain.Index)
		payload := haDiscovery{
			Name:              displayName + " " + name,
			UniqueID:          nodeID + "_" + objectID,
			StateTopic:        topic,
			CommandTopic:      fmt.Sprintf("%s/curtain/%d/set", topic, curtain.Index),
			AvailabilityTopic: avail,
			ValueTemplate: fmt.Sprintf(
				"{{ (value_json.curtains | selectattr('index', 'equalto', %d) | first).state }}",
				curtain.Index),
			PayloadOpen:  "OPEN",
			PayloadClose: "CLOSE",
			PayloadStop:  "STOP",
			DeviceClass:  "shade",
			Device:       haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/cover/%s/%s/config", nodeID, objectID),
			Payload: mustJSON(payload),
		})
	}

	for _, contact := range st.Contacts {
		name := contact.Name
		if name == "" {
			name = fmt.Sprintf("Contact %d", contact.Index)
		}
		objectID := fmt.Sprintf("contact_%d", contact.Index)
		payload := haDiscovery{
			Name:              displayName + " " + name,
			UniqueID:          nodeID + "_" + objectID,
			StateTopic:        topic,
			AvailabilityTopic: avail,
			ValueTemplate: fmt.Sprintf(
				"{{ 'ON' if (value_json.contacts | selectattr('index', 'equalto', %d) | first).state == 'open' else 'OFF' }}",
				contact.Index),
			DeviceClass: "opening",
			Device:      haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID),
			Payload: mustJSON(payload),
		})
	}

	// Signal strength sensor for every panel.
	rssi := haDiscovery{
		Name:              displayName + " RSSI",
		UniqueID:          nodeID + "_rssi",
		StateTopic:        topic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.rssi }}",
		DeviceClass:       "signal_strength",
		Device:            haDev,
	}
	msgs = append(msgs, discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/sensor/%s/rssi/config", nodeID),
		Payload: mustJSON(rssi),
	})

	return msgs
}

// buildRemoveDiscovery generates deletion messages (empty retained payloads)
// for every entity of a panel's last known shape.
func buildRemoveDiscovery(ip string, st *wire.FullState) []discoveryMsg {
	var msgs []discoveryMsg
	for _, m := range buildDiscovery(ip, st, "") {
		msgs = append(msgs, discoveryMsg{Topic: m.Topic})
	}
	return msgs
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
