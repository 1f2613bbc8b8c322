//go:build !no_mqtt

// Package mqtt bridges the panel registry to an MQTT broker with Home
// Assistant autodiscovery. Panel state is published as retained JSON,
// relay and curtain commands flow back in over per-entity set topics.
package mqtt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"panelhub/internal/registry"
	"panelhub/internal/wire"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the panel registry to MQTT.
type Bridge struct {
	client pahomqtt.Client
	reg    *registry.Registry
	prefix string
	logger *slog.Logger

	listenerID uint64
	started    bool

	// Per-panel announcement bookkeeping: entity count last announced,
	// so discovery is only republished when a panel's shape changes.
	mu         sync.Mutex
	announced  map[string]int
	subscribed map[string]bool
	lastShape  map[string]*wire.FullState
}

func newBridge(reg *registry.Registry, cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		reg:        reg,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		announced:  make(map[string]int),
		subscribed: make(map[string]bool),
		lastShape:  make(map[string]*wire.FullState),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(reg *registry.Registry, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(reg, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "panelhub"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.republishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to registry events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.listenerID = b.reg.AddListener(b.handleEvent)
	b.started = true
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.started {
		b.reg.RemoveListener(b.listenerID)
	}
	for _, ip := range b.reg.TrackedIPs() {
		b.publishAvailability(ip, "offline")
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventConnected:
		b.publishAvailability(ev.IP, "online")
	case registry.EventDisconnected:
		b.publishAvailability(ev.IP, "offline")
		b.handlePanelRemoved(ev.IP)
	case registry.EventError:
		b.publishAvailability(ev.IP, "offline")
	case registry.EventFullState, registry.EventRelayUpdate,
		registry.EventCurtainUpdate, registry.EventContactUpdate,
		registry.EventInfoUpdate:
		b.publishPanelState(ev.IP)
	}
}

// publishPanelState pushes the panel's current full state as retained JSON
// and republishes discovery when the panel's entity shape changed.
func (b *Bridge) publishPanelState(ip string) {
	st, ok := b.reg.PanelState(ip)
	if !ok || st.Full == nil {
		return
	}

	topic := b.prefix + "/" + panelTopicName(ip)
	b.publish(topic, mustJSON(st.Full), true)
	b.maybeAnnounce(ip, st.Full)
}

func (b *Bridge) maybeAnnounce(ip string, st *wire.FullState) {
	entities := len(st.Relays) + len(st.Curtains) + len(st.Contacts)

	b.mu.Lock()
	changed := b.announced[ip] != entities
	b.announced[ip] = entities
	b.lastShape[ip] = st.Clone()
	needSub := !b.subscribed[ip]
	if needSub {
		b.subscribed[ip] = true
	}
	b.mu.Unlock()

	if changed {
		for _, msg := range buildDiscovery(ip, st, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "ip", ip, "entities", entities)
	}
	if needSub {
		b.subscribeCommands(ip)
	}
}

// handlePanelRemoved is called when the registry stops tracking a panel:
// a disconnected event is broadcast only on explicit removal, never on a
// dropped link, so retained discovery entries can be cleared.
func (b *Bridge) handlePanelRemoved(ip string) {
	b.mu.Lock()
	shape := b.lastShape[ip]
	delete(b.announced, ip)
	delete(b.lastShape, ip)
	delete(b.subscribed, ip)
	b.mu.Unlock()

	if shape == nil {
		return
	}
	for _, msg := range buildRemoveDiscovery(ip, shape) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Drop the retained state as well.
	b.publish(b.prefix+"/"+panelTopicName(ip), nil, true)
}

// republishAll restores availability, discovery, and state for every
// tracked panel after a broker (re)connect.
func (b *Bridge) republishAll() {
	for _, ip := range b.reg.ConnectedIPs() {
		b.publishAvailability(ip, "online")
		b.publishPanelState(ip)
	}
}

func (b *Bridge) subscribeCommands(ip string) {
	topic := b.prefix + "/" + panelTopicName(ip)
	for _, pattern := range []string{topic + "/relay/+/set", topic + "/curtain/+/set"} {
		b.client.Subscribe(pattern, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(ip, msg.Topic(), msg.Payload())
		})
	}
}

func (b *Bridge) handleCommand(ip, topic string, payload []byte) {
	kind, index, ok := parseSetTopic(topic)
	if !ok {
		b.logger.Warn("unparseable command topic", "topic", topic)
		return
	}

	cmd, err := commandFor(kind, index, string(payload))
	if err != nil {
		b.logger.Warn("invalid MQTT command", "ip", ip, "topic", topic, "err", err)
		return
	}
	if !b.reg.SendCommand(ip, cmd) {
		b.logger.Warn("command not delivered", "ip", ip, "command", cmd.Command)
	}
}

// parseSetTopic extracts the entity kind and index from a command topic
// of the form <prefix>/<panel>/<kind>/<index>/set.
func parseSetTopic(topic string) (kind string, index int, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[len(parts)-1] != "set" {
		return "", 0, false
	}
	kind = parts[len(parts)-3]
	idx, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil || idx < 0 {
		return "", 0, false
	}
	return kind, idx, true
}

// commandFor translates an HA command payload into a panel command.
func commandFor(kind string, index int, payload string) (wire.Command, error) {
	switch kind {
	case "relay":
		switch strings.ToUpper(payload) {
		case "ON":
			return wire.Command{Command: wire.CmdSetRelay, Index: wire.IntPtr(index), State: wire.BoolPtr(true)}, nil
		case "OFF":
			return wire.Command{Command: wire.CmdSetRelay, Index: wire.IntPtr(index), State: wire.BoolPtr(false)}, nil
		case "TOGGLE":
			return wire.Command{Command: wire.CmdToggleRelay, Index: wire.IntPtr(index)}, nil
		}
		return wire.Command{}, fmt.Errorf("relay payload %q", payload)
	case "curtain":
		switch strings.ToUpper(payload) {
		case "OPEN":
			return wire.Command{Command: wire.CmdCurtain, Index: wire.IntPtr(index), Action: wire.CurtainActionOpen}, nil
		case "CLOSE":
			return wire.Command{Command: wire.CmdCurtain, Index: wire.IntPtr(index), Action: wire.CurtainActionClose}, nil
		case "STOP":
			return wire.Command{Command: wire.CmdCurtain, Index: wire.IntPtr(index), Action: wire.CurtainActionStop}, nil
		}
		return wire.Command{}, fmt.Errorf("curtain payload %q", payload)
	}
	return wire.Command{}, fmt.Errorf("entity kind %q", kind)
}

func (b *Bridge) publishAvailability(ip, state string) {
	topic := b.prefix + "/" + panelTopicName(ip) + "/availability"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
