package broker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arcwire/mqttbroker/session"
	"github.com/arcwire/mqttbroker/storage"
)

// FileConfig is the on-disk shape of a broker config file, per §6's
// configuration surface.
type FileConfig struct {
	ListenHost        string  `yaml:"listen_host"`
	ListenPort        int     `yaml:"listen_port"`
	MaxPacketSize     int     `yaml:"max_packet_size"`
	KeepaliveGrace    float64 `yaml:"keepalive_grace_multiplier"`
	StatsPublishSecs  int     `yaml:"stats_publish_interval_secs"`
	OutboundHighwater int     `yaml:"outbound_highwater_bytes"`
	AllowAnonymous    bool    `yaml:"allow_anonymous"`

	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Addr    string `yaml:"addr"`
	} `yaml:"storage"`
}

// LoadConfig reads and parses a YAML config file at path into an Options,
// wiring a storage.Persistence backend if storage.backend names one.
func LoadConfig(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("broker: read config: %w", err)
	}

	fc := FileConfig{AllowAnonymous: true}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("broker: parse config: %w", err)
	}

	opts := &Options{
		ListenHost:        fc.ListenHost,
		ListenPort:        fc.ListenPort,
		MaxPacketSize:     fc.MaxPacketSize,
		KeepaliveGrace:    fc.KeepaliveGrace,
		StatsPublishSecs:  fc.StatsPublishSecs,
		OutboundHighwater: fc.OutboundHighwater,
		AllowAnonymous:    fc.AllowAnonymous,
	}
	if opts.ListenHost == "" {
		opts.ListenHost = "0.0.0.0"
	}
	if opts.ListenPort == 0 {
		opts.ListenPort = 1883
	}

	persistence, err := openStorage(fc.Storage.Backend, fc.Storage.Path, fc.Storage.Addr)
	if err != nil {
		return nil, fmt.Errorf("broker: open storage backend %q: %w", fc.Storage.Backend, err)
	}
	opts.Persistence = persistence

	return opts, nil
}

// openStorage builds the session.Persistence named by backend. An empty or
// "none" backend leaves sessions memory-only.
func openStorage(backend, path, addr string) (session.Persistence, error) {
	switch backend {
	case "", "none":
		return nil, nil
	case "bolt":
		return storage.OpenBolt(path)
	case "badger":
		return storage.OpenBadger(path)
	case "pebble":
		return storage.OpenPebble(path)
	case "redis":
		return storage.OpenRedis(addr)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
