// Package config loads the gateway's JSON configuration file and
// applies dot-path command-line overrides over it, in the same flat,
// dynamically-keyed style the teacher uses for its MQTT settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CANConfig configures the active CAN port.
type CANConfig struct {
	Interface string `json:"interface"`
	Backend   string `json:"backend"` // "virtual", "slcan", "nativelinux"
	Bitrate   int    `json:"bitrate"`
}

// J1939Config configures the transport-protocol engine.
type J1939Config struct {
	Enabled bool  `json:"enabled"`
	LocalSA uint8 `json:"localSA"`
}

// SimulatorConfig toggles and tunes the three ECU simulators.
type SimulatorConfig struct {
	Engine       SimulatorUnitConfig `json:"engine"`
	Transmission SimulatorUnitConfig `json:"transmission"`
	Brakes       SimulatorUnitConfig `json:"brakes"`
}

// SimulatorUnitConfig configures one simulated ECU.
type SimulatorUnitConfig struct {
	Enabled bool  `json:"enabled"`
	SA      uint8 `json:"sa"`
	RateMs  int   `json:"rateMs"`
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Enabled        bool          `json:"enabled"`
	Broker         string        `json:"broker"`
	ClientID       string        `json:"clientID"`
	Topic          string        `json:"topic"`
	DTCTopic       string        `json:"dtcTopic"`
	CommandTopic   string        `json:"commandTopic"`
	UpdateInterval time.Duration `json:"updateInterval"`
}

// DashboardConfig configures the HTTP/WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// TelemetryConfig configures the InfluxDB exporter.
type TelemetryConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token"`
	Org     string `json:"org"`
	Bucket  string `json:"bucket"`
}

// CaptureConfig configures the frame capture/replay store.
type CaptureConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// Config is the external configuration surface for the gateway.
// Unrecognized top-level keys round-trip through Overflow rather than
// being rejected.
type Config struct {
	CAN       CANConfig       `json:"can"`
	J1939     J1939Config     `json:"j1939"`
	Simulator SimulatorConfig `json:"simulator"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Dashboard DashboardConfig `json:"dashboard"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Capture   CaptureConfig   `json:"capture"`

	Overflow map[string]json.RawMessage `json:"-"`
}

// Default returns a Config with the gateway's baseline settings: a
// virtual CAN bus, J1939 enabled at source address 0xF9, all three
// simulators running, and every outer bridge disabled.
func Default() Config {
	return Config{
		CAN:   CANConfig{Interface: "vcan0", Backend: "virtual", Bitrate: 250000},
		J1939: J1939Config{Enabled: true, LocalSA: 0xF9},
		Simulator: SimulatorConfig{
			Engine:       SimulatorUnitConfig{Enabled: true, SA: 0x00, RateMs: 100},
			Transmission: SimulatorUnitConfig{Enabled: true, SA: 0x03, RateMs: 100},
			Brakes:       SimulatorUnitConfig{Enabled: true, SA: 0x0B, RateMs: 100},
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "j1939-gateway",
			Topic:          "vehicle/data/j1939",
			DTCTopic:       "vehicle/dtc/j1939",
			CommandTopic:   "vehicle/command/j1939",
			UpdateInterval: 10 * time.Second,
		},
		Dashboard: DashboardConfig{Addr: ":8080"},
		Capture:   CaptureConfig{DBPath: "capture.db"},
	}
}

// Load reads a JSON configuration file at path, merging it over
// Default(). A missing file is not an error — Default() is returned
// unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var overflow map[string]json.RawMessage
	if err := json.Unmarshal(raw, &overflow); err == nil {
		for _, known := range []string{"can", "j1939", "simulator", "mqtt", "dashboard", "telemetry", "capture"} {
			delete(overflow, known)
		}
		cfg.Overflow = overflow
	}

	return cfg, nil
}

// ApplyOverride applies one "a.b.c=value" dot-path override to cfg,
// re-marshaling cfg to JSON, walking the path to set the leaf value,
// then unmarshaling the result back into cfg.
func ApplyOverride(cfg *Config, assignment string) error {
	path, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("config: invalid override %q, want a.b.c=value", assignment)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal for override: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: unmarshal for override: %w", err)
	}

	if err := setDotPath(doc, strings.Split(path, "."), parseScalar(value)); err != nil {
		return fmt.Errorf("config: apply override %q: %w", assignment, err)
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal merged override: %w", err)
	}

	return json.Unmarshal(merged, cfg)
}

func setDotPath(doc map[string]any, segments []string, value any) error {
	if len(segments) == 0 {
		return fmt.Errorf("empty path")
	}
	key := segments[0]
	if len(segments) == 1 {
		doc[key] = value
		return nil
	}

	next, ok := doc[key].(map[string]any)
	if !ok {
		next = map[string]any{}
		doc[key] = next
	}
	return setDotPath(next, segments[1:], value)
}

// parseScalar interprets an override's right-hand side as a bool,
// number, or string, in that order of preference.
func parseScalar(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
