// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/dissect/internal/core"
)

// Config represents the top-level configuration.
// Maps to the `dissect:` root key in YAML.
type Config struct {
	Log        LogConfig                 `mapstructure:"log"`
	Metrics    MetricsConfig             `mapstructure:"metrics"`
	Engine     EngineConfig              `mapstructure:"engine"`
	TCP        TCPConfig                 `mapstructure:"tcp"`
	DCERPC     DCERPCConfig              `mapstructure:"dcerpc"`
	Reassembly ReassemblyConfig          `mapstructure:"reassembly"`
	Kafka      KafkaConfig               `mapstructure:"kafka"`
	Plugin     PluginLoaderConfig        `mapstructure:"plugin"`
	Plugins    map[string]map[string]any `mapstructure:"plugins"` // Per-plugin settings, decoded by each plugin
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Engine ───

// Sinks.
const (
	SinkConsole = "console"
	SinkKafka   = "kafka"
)

// EngineConfig controls the capture driver.
type EngineConfig struct {
	TwoPass  bool   `mapstructure:"two_pass"`
	Output   string `mapstructure:"output"`    // text / json / yaml
	LinkType string `mapstructure:"link_type"` // Used when the capture file does not name one
	Sink     string `mapstructure:"sink"`      // console / kafka
	// BPF program in `tcpdump -dd` form; frames it rejects are skipped
	// before numbering.
	BPF string `mapstructure:"bpf"`
}

// ─── Kafka ───

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Compression  string        `mapstructure:"compression"` // none / gzip / snappy / lz4 / zstd
	MaxAttempts  int           `mapstructure:"max_attempts"`
	DCERPCOnly   bool          `mapstructure:"dcerpc_only"` // Publish only frames carrying DCE/RPC
}

// ─── TCP ───

// TCP modes.
const (
	TCPModeDesegment = "desegment"
	TCPModeAssembler = "assembler"
)

// TCPConfig controls TCP analysis and stream reassembly.
type TCPConfig struct {
	AnalyzeSequence         bool          `mapstructure:"analyze_sequence"`
	Desegment               bool          `mapstructure:"desegment"`
	Mode                    string        `mapstructure:"mode"`
	OutOfOrderThreshold     time.Duration `mapstructure:"out_of_order_threshold"`
	DissectRetransmissions  bool          `mapstructure:"dissect_retransmissions"`
	AssemblerMaxBuffered    int           `mapstructure:"assembler_max_buffered"`
	AssemblerFlushOlderThan time.Duration `mapstructure:"assembler_flush_older_than"`
}

// ─── DCE/RPC ───

// DCERPCConfig controls DCE/RPC selection and reassembly.
type DCERPCConfig struct {
	COPorts           []int `mapstructure:"co_ports"`
	CLPorts           []int `mapstructure:"cl_ports"`
	Heuristics        bool  `mapstructure:"heuristics"`
	ReassembleCO      bool  `mapstructure:"reassemble_co"`
	ReassembleCL      bool  `mapstructure:"reassemble_cl"`
	RecordAllContexts bool  `mapstructure:"record_all_contexts"`
}

// ─── Reassembly ───

// ReassemblyConfig bounds every reassembly table.
type ReassemblyConfig struct {
	MaxFragments int           `mapstructure:"max_fragments"`
	MaxSize      int           `mapstructure:"max_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// IPv4 fragments accepted per source per window; 0 disables the limit.
	MaxFragmentsPerSource int           `mapstructure:"max_fragments_per_source"`
	FragmentRateWindow    time.Duration `mapstructure:"fragment_rate_window"`
}

// ─── Plugin loader ───

// PluginLoaderConfig selects static or dynamic plugin loading.
type PluginLoaderConfig struct {
	Mode string `mapstructure:"mode"` // static / dynamic
	Path string `mapstructure:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dissect: ...`.
type configRoot struct {
	Dissect Config `mapstructure:"dissect"`
}

// Load loads configuration from file. An empty path yields the defaults.
// The YAML file uses `dissect:` as root key; env vars map through the key
// replacer (e.g. key "dissect.log.level" → env "DISSECT_LOG_LEVEL").
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Dissect

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// The defaults are constant; failing here is a programming error.
		panic(err)
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use "dissect." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("dissect.log.level", "info")
	v.SetDefault("dissect.log.format", "text")
	v.SetDefault("dissect.log.outputs.file.enabled", false)
	v.SetDefault("dissect.log.outputs.file.path", "/var/log/dissect/dissect.log")
	v.SetDefault("dissect.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("dissect.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("dissect.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("dissect.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("dissect.metrics.enabled", false)
	v.SetDefault("dissect.metrics.listen", ":9091")
	v.SetDefault("dissect.metrics.path", "/metrics")

	// Engine defaults
	v.SetDefault("dissect.engine.two_pass", false)
	v.SetDefault("dissect.engine.output", "text")
	v.SetDefault("dissect.engine.link_type", "ethernet")
	v.SetDefault("dissect.engine.sink", SinkConsole)
	v.SetDefault("dissect.engine.bpf", "")

	// Kafka defaults
	v.SetDefault("dissect.kafka.brokers", []string{})
	v.SetDefault("dissect.kafka.topic", "dissect-frames")
	v.SetDefault("dissect.kafka.batch_size", 100)
	v.SetDefault("dissect.kafka.batch_timeout", "100ms")
	v.SetDefault("dissect.kafka.compression", "snappy")
	v.SetDefault("dissect.kafka.max_attempts", 3)
	v.SetDefault("dissect.kafka.dcerpc_only", false)

	// TCP defaults
	v.SetDefault("dissect.tcp.analyze_sequence", true)
	v.SetDefault("dissect.tcp.desegment", true)
	v.SetDefault("dissect.tcp.mode", TCPModeDesegment)
	v.SetDefault("dissect.tcp.out_of_order_threshold", "3ms")
	v.SetDefault("dissect.tcp.dissect_retransmissions", false)
	v.SetDefault("dissect.tcp.assembler_max_buffered", 1024)
	v.SetDefault("dissect.tcp.assembler_flush_older_than", "30s")

	// DCE/RPC defaults
	v.SetDefault("dissect.dcerpc.co_ports", []int{135, 593})
	v.SetDefault("dissect.dcerpc.cl_ports", []int{135})
	v.SetDefault("dissect.dcerpc.heuristics", true)
	v.SetDefault("dissect.dcerpc.reassemble_co", true)
	v.SetDefault("dissect.dcerpc.reassemble_cl", true)
	v.SetDefault("dissect.dcerpc.record_all_contexts", false)

	// Reassembly defaults
	v.SetDefault("dissect.reassembly.max_fragments", 4096)
	v.SetDefault("dissect.reassembly.max_size", 16*1024*1024)
	v.SetDefault("dissect.reassembly.timeout", "60s")
	v.SetDefault("dissect.reassembly.max_fragments_per_source", 0)
	v.SetDefault("dissect.reassembly.fragment_rate_window", "10s")

	// Plugin loader defaults
	v.SetDefault("dissect.plugin.mode", "static")
	v.SetDefault("dissect.plugin.path", "./plugins")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log.outputs.file.path is required when file output is enabled", core.ErrConfigInvalid)
	}

	// ── Engine ──
	switch cfg.Engine.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("%w: invalid engine.output: %s (must be text/json/yaml)", core.ErrConfigInvalid, cfg.Engine.Output)
	}
	switch cfg.Engine.Sink {
	case SinkConsole:
	case SinkKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka.brokers is required when engine.sink=kafka", core.ErrConfigInvalid)
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("%w: kafka.topic is required when engine.sink=kafka", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: invalid engine.sink: %s (must be console/kafka)", core.ErrConfigInvalid, cfg.Engine.Sink)
	}
	switch cfg.Kafka.Compression {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("%w: invalid kafka.compression: %s", core.ErrConfigInvalid, cfg.Kafka.Compression)
	}

	// ── TCP ──
	switch cfg.TCP.Mode {
	case TCPModeDesegment, TCPModeAssembler:
	default:
		return fmt.Errorf("%w: invalid tcp.mode: %s (must be desegment/assembler)", core.ErrConfigInvalid, cfg.TCP.Mode)
	}
	// The assembler reorders bytes across frames, which a revisit cannot replay.
	if cfg.Engine.TwoPass && cfg.TCP.Mode == TCPModeAssembler {
		return fmt.Errorf("%w: engine.two_pass requires tcp.mode=desegment", core.ErrConfigInvalid)
	}
	if cfg.TCP.OutOfOrderThreshold < 0 {
		return fmt.Errorf("%w: tcp.out_of_order_threshold must not be negative", core.ErrConfigInvalid)
	}

	// ── DCE/RPC ──
	for _, p := range append(append([]int(nil), cfg.DCERPC.COPorts...), cfg.DCERPC.CLPorts...) {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: invalid dcerpc port: %d", core.ErrConfigInvalid, p)
		}
	}

	// ── Reassembly ──
	if cfg.Reassembly.MaxFragments <= 0 {
		return fmt.Errorf("%w: reassembly.max_fragments must be positive", core.ErrConfigInvalid)
	}
	if cfg.Reassembly.MaxSize <= 0 {
		return fmt.Errorf("%w: reassembly.max_size must be positive", core.ErrConfigInvalid)
	}
	if cfg.Reassembly.MaxFragmentsPerSource < 0 {
		return fmt.Errorf("%w: reassembly.max_fragments_per_source must not be negative", core.ErrConfigInvalid)
	}

	// ── Plugin loader ──
	if cfg.Plugin.Mode != "static" && cfg.Plugin.Mode != "dynamic" {
		return fmt.Errorf("%w: invalid plugin.mode: %s (must be static/dynamic)", core.ErrConfigInvalid, cfg.Plugin.Mode)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]map[string]any{}
	}

	return nil
}
