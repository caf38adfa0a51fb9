// Package mqttbridge publishes decoded J1939 traffic and active DTCs
// over MQTT, and relays inbound control-plane commands back onto the
// message bus.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/serebryakov7/j1939-gateway/common"
	"github.com/serebryakov7/j1939-gateway/internal/dtcstore"
	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/simulator"
)

// Config holds the MQTT bridge's connection and topic settings.
type Config struct {
	Broker         string
	ClientID       string
	Topic          string
	DTCTopic       string
	CommandTopic   string
	UpdateInterval time.Duration
}

// Snapshot is the periodic payload published to Config.Topic: the most
// recently seen application message per PGN/source address pair.
type Snapshot struct {
	TimestampUnixNano int64                           `json:"timestampUnixNano"`
	Messages          map[string]simulator.TxMessage `json:"messages"`
}

var _ hostmodule.Module = (*Bridge)(nil)

// Bridge is a hostmodule.Module that bridges the internal message bus
// to an MQTT broker.
type Bridge struct {
	cfg   Config
	store *dtcstore.Store

	binding hostmodule.Binding
	client  paho.Client

	mu        sync.Mutex
	latest    map[string]simulator.TxMessage
	disposeTX msgbus.Disposer
	disposeRX msgbus.Disposer

	tickHandle msgbus.Handle
}

// New creates a Bridge publishing snapshots of the bus traffic and DTC
// store contents described by cfg, store.
func New(cfg Config, store *dtcstore.Store) *Bridge {
	return &Bridge{cfg: cfg, store: store, latest: make(map[string]simulator.TxMessage)}
}

func (b *Bridge) Name() string    { return "bridge.mqtt" }
func (b *Bridge) Version() string { return "1.0.0" }

func (b *Bridge) Bind(binding hostmodule.Binding) { b.binding = binding }

func (b *Bridge) OnInit() error {
	if b.cfg.UpdateInterval <= 0 {
		b.cfg.UpdateInterval = 10 * time.Second
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(paho.Client) {
		b.log("connected to MQTT broker")
		b.subscribeCommands()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.log("MQTT connection lost: %v", err)
	})
	b.client = paho.NewClient(opts)
	return nil
}

func (b *Bridge) OnStart() error {
	token := b.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}

	b.disposeTX = b.binding.Bus.Subscribe(simulator.TopicJ1939TX, b.onTXMessage)
	b.disposeRX = b.binding.Bus.Subscribe(simulator.TopicJ1939RX, b.onTXMessage)
	b.tickHandle = b.binding.Scheduler.Every(b.cfg.UpdateInterval, b.publishSnapshot)
	return nil
}

func (b *Bridge) OnStop() error {
	if b.binding.Scheduler != nil {
		b.binding.Scheduler.Clear(b.tickHandle)
	}
	if b.disposeTX != nil {
		b.disposeTX()
	}
	if b.disposeRX != nil {
		b.disposeRX()
	}
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	return nil
}

func (b *Bridge) onTXMessage(env msgbus.Envelope) {
	msg, ok := env.Payload.(simulator.TxMessage)
	if !ok {
		return
	}
	key := messageKey(msg)

	b.mu.Lock()
	b.latest[key] = msg
	b.mu.Unlock()
}

func messageKey(msg simulator.TxMessage) string {
	return fmt.Sprintf("%d-%d", msg.PGN, msg.SA)
}

func (b *Bridge) publishSnapshot() {
	if !b.client.IsConnected() {
		b.log("not connected, skipping snapshot publish")
		return
	}

	b.mu.Lock()
	snapshot := Snapshot{TimestampUnixNano: time.Now().UnixNano(), Messages: cloneLatest(b.latest)}
	b.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		b.log("marshal snapshot: %v", err)
		return
	}

	token := b.client.Publish(b.cfg.Topic, 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log("publish snapshot: %v", err)
	}

	b.publishActiveDTCs()
}

func (b *Bridge) publishActiveDTCs() {
	if b.store == nil {
		return
	}
	active, err := b.store.Active()
	if err != nil {
		b.log("read active DTCs: %v", err)
		return
	}
	for _, dtc := range active {
		b.PublishDTC(dtc)
	}
}

// PublishDTC publishes one DTC record to the DTC topic.
func (b *Bridge) PublishDTC(dtc common.DTCRecord) {
	if !b.client.IsConnected() {
		return
	}
	data, err := json.Marshal(dtc)
	if err != nil {
		b.log("marshal DTC: %v", err)
		return
	}
	topic := b.cfg.DTCTopic
	if topic == "" {
		topic = b.cfg.Topic + "/dtc"
	}
	token := b.client.Publish(topic, 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log("publish DTC: %v", err)
	}
}

func (b *Bridge) subscribeCommands() {
	if b.cfg.CommandTopic == "" {
		return
	}
	token := b.client.Subscribe(b.cfg.CommandTopic, 1, b.handleCommand)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			b.log("subscribe to command topic %s: %v", b.cfg.CommandTopic, err)
		}
	}()
}

func (b *Bridge) handleCommand(_ paho.Client, msg paho.Message) {
	var cmd common.ServerCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		b.log("decode command: %v", err)
		return
	}

	switch cmd.Type {
	case common.CommandClearDTCs:
		if b.store != nil {
			if err := b.store.ClearAll(); err != nil {
				b.log("clear DTCs: %v", err)
			}
		}
	case common.CommandRequestPGN:
		if cmd.Params.PGN == nil {
			return
		}
		sa := uint8(0xFE)
		if cmd.Params.TargetSA != nil {
			sa = *cmd.Params.TargetSA
		}
		b.binding.Bus.Publish(simulator.TopicRequest, simulator.RequestMessage{
			PGN: *cmd.Params.PGN, RequesterSA: sa,
		})
	}
}

func (b *Bridge) log(format string, args ...any) {
	if b.binding.Logger != nil {
		b.binding.Logger.Printf("mqttbridge: "+format, args...)
	} else {
		log.Printf("mqttbridge: "+format, args...)
	}
}

func cloneLatest(m map[string]simulator.TxMessage) map[string]simulator.TxMessage {
	out := make(map[string]simulator.TxMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
