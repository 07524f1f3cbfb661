package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TransportKind string

const (
	TransportStdio      TransportKind = "stdio"
	TransportHTTP       TransportKind = "http"
	TransportSSE        TransportKind = "sse"
	TransportStreamable TransportKind = "streamable-http"
)

const (
	PartialFinal   = "final"
	PartialForward = "forward"

	UnitMessages = "messages"
	UnitTokens   = "tokens"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server" json:"server"`
	Log      LogConfig      `yaml:"log,omitempty" toml:"log,omitempty" json:"log,omitempty"`
	Model    ModelConfig    `yaml:"model,omitempty" toml:"model,omitempty" json:"model,omitempty"`
	Executor ExecutorConfig `yaml:"executor,omitempty" toml:"executor,omitempty" json:"executor,omitempty"`
	Memory   MemoryConfig   `yaml:"memory,omitempty" toml:"memory,omitempty" json:"memory,omitempty"`
	Loop     LoopConfig     `yaml:"loop,omitempty" toml:"loop,omitempty" json:"loop,omitempty"`
	Sink     SinkConfig     `yaml:"sink,omitempty" toml:"sink,omitempty" json:"sink,omitempty"`
	Servers  []MCPServer    `yaml:"servers" toml:"servers" json:"servers"`
}

type ServerConfig struct {
	SocketPath     string   `yaml:"socket_path" toml:"socket_path" json:"socket_path"`
	DBPath         string   `yaml:"db_path" toml:"db_path" json:"db_path"`
	EventsAddr     string   `yaml:"events_addr,omitempty" toml:"events_addr,omitempty" json:"events_addr,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

type LogConfig struct {
	Level      string `yaml:"level,omitempty" toml:"level,omitempty" json:"level,omitempty"`
	File       string `yaml:"file,omitempty" toml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" toml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" toml:"max_backups,omitempty" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" toml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty" toml:"compress,omitempty" json:"compress,omitempty"`
}

// ModelConfig points at the reasoning model endpoint. An empty endpoint
// selects the offline echo model.
type ModelConfig struct {
	Endpoint    string            `yaml:"endpoint,omitempty" toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Name        string            `yaml:"name,omitempty" toml:"name,omitempty" json:"name,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty" json:"headers,omitempty"`
	Timeout     Duration          `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxAttempts int               `yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

type ExecutorConfig struct {
	CallTimeout       Duration `yaml:"call_timeout,omitempty" toml:"call_timeout,omitempty" json:"call_timeout,omitempty"`
	MaxAttempts       int      `yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BackoffInitial    Duration `yaml:"backoff_initial,omitempty" toml:"backoff_initial,omitempty" json:"backoff_initial,omitempty"`
	BackoffMax        Duration `yaml:"backoff_max,omitempty" toml:"backoff_max,omitempty" json:"backoff_max,omitempty"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier,omitempty" toml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
	// ApprovalTimeout > 0 opts in to deny-by-timeout.
	ApprovalTimeout Duration `yaml:"approval_timeout,omitempty" toml:"approval_timeout,omitempty" json:"approval_timeout,omitempty"`
	PartialResults  string   `yaml:"partial_results,omitempty" toml:"partial_results,omitempty" json:"partial_results,omitempty"`
}

type MemoryConfig struct {
	Unit       string `yaml:"unit,omitempty" toml:"unit,omitempty" json:"unit,omitempty"`
	Threshold  int    `yaml:"threshold,omitempty" toml:"threshold,omitempty" json:"threshold,omitempty"`
	KeepRecent int    `yaml:"keep_recent,omitempty" toml:"keep_recent,omitempty" json:"keep_recent,omitempty"`
	TruncateTo int    `yaml:"truncate_to,omitempty" toml:"truncate_to,omitempty" json:"truncate_to,omitempty"`
}

type LoopConfig struct {
	MaxIterations  int `yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	MaxConcurrency int `yaml:"max_concurrency,omitempty" toml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

type SinkConfig struct {
	Buffer   int         `yaml:"buffer,omitempty" toml:"buffer,omitempty" json:"buffer,omitempty"`
	NoSQLite bool        `yaml:"no_sqlite,omitempty" toml:"no_sqlite,omitempty" json:"no_sqlite,omitempty"`
	Kafka    KafkaConfig `yaml:"kafka,omitempty" toml:"kafka,omitempty" json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers,omitempty" toml:"brokers,omitempty" json:"brokers,omitempty"`
	Topic    string   `yaml:"topic,omitempty" toml:"topic,omitempty" json:"topic,omitempty"`
	ClientID string   `yaml:"client_id,omitempty" toml:"client_id,omitempty" json:"client_id,omitempty"`
}

type MCPServer struct {
	Name      string            `yaml:"name" toml:"name" json:"name"`
	Alias     string            `yaml:"alias,omitempty" toml:"alias,omitempty" json:"alias,omitempty"`
	URL       string            `yaml:"url,omitempty" toml:"url,omitempty" json:"url,omitempty"`
	Transport TransportKind     `yaml:"transport,omitempty" toml:"transport,omitempty" json:"transport,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty" json:"headers,omitempty"`
	Command   []string          `yaml:"command,omitempty" toml:"command,omitempty" json:"command,omitempty"`
	Env       []string          `yaml:"env,omitempty" toml:"env,omitempty" json:"env,omitempty"`
	// RequireApproval lists tool names gated behind approval; "*" gates all of them.
	RequireApproval []string `yaml:"require_approval,omitempty" toml:"require_approval,omitempty" json:"require_approval,omitempty"`
	Disabled        []string `yaml:"disabled,omitempty" toml:"disabled,omitempty" json:"disabled,omitempty"`
	DegradeAfter    int      `yaml:"degrade_after,omitempty" toml:"degrade_after,omitempty" json:"degrade_after,omitempty"`
	RetryBudget     int      `yaml:"retry_budget,omitempty" toml:"retry_budget,omitempty" json:"retry_budget,omitempty"`
}

// Duration decodes "30s" style strings from every supported config format.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	d.Duration = parsed
	return nil
}

func Seconds(n int) Duration {
	return Duration{time.Duration(n) * time.Second}
}

func normalizeTransport(value TransportKind, hasCommand bool) (TransportKind, error) {
	switch strings.TrimSpace(strings.ToLower(string(value))) {
	case "":
		if hasCommand {
			return TransportStdio, nil
		}
		return TransportStreamable, nil
	case "streamable-http", "streamable", "streaming-http":
		return TransportStreamable, nil
	case "http", "rest":
		return TransportHTTP, nil
	case "sse":
		return TransportSSE, nil
	case "stdio":
		return TransportStdio, nil
	default:
		return "", fmt.Errorf("unsupported transport %q (expected stdio, http, sse, or streamable-http)", value)
	}
}

func DefaultConfigPath() string {
	if envPath := strings.TrimSpace(os.Getenv("MCPORCH_CONFIG")); envPath != "" {
		return envPath
	}
	return filepath.Join(xdgConfigHome(), "mcporch", "config.yaml")
}

func DefaultSocketPath() string {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "mcporch.sock")
	}
	return fmt.Sprintf("/tmp/mcporch-%d.sock", os.Getuid())
}

func DefaultDBPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return filepath.Join(dir, "mcporch", "mcporch.db")
	}
	return filepath.Join(homeDir(), ".local", "share", "mcporch", "mcporch.db")
}

func xdgConfigHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".config")
}

func homeDir() string {
	if home := strings.TrimSpace(os.Getenv("HOME")); home != "" {
		return home
	}
	return "/tmp/mcporch-" + strconv.Itoa(os.Getuid())
}

// Default returns a config with every engine setting filled in and no servers.
func Default() *Config {
	cfg := &Config{Servers: []MCPServer{}}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.SocketPath == "" {
		cfg.Server.SocketPath = DefaultSocketPath()
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = DefaultDBPath()
	}
	if cfg.Server.ConnectTimeout.Duration <= 0 {
		cfg.Server.ConnectTimeout = Seconds(20)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Model.Timeout.Duration <= 0 {
		cfg.Model.Timeout = Seconds(60)
	}
	if cfg.Model.MaxAttempts <= 0 {
		cfg.Model.MaxAttempts = 2
	}
	e := &cfg.Executor
	if e.CallTimeout.Duration <= 0 {
		e.CallTimeout = Seconds(30)
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 3
	}
	if e.BackoffInitial.Duration <= 0 {
		e.BackoffInitial = Duration{500 * time.Millisecond}
	}
	if e.BackoffMax.Duration <= 0 {
		e.BackoffMax = Seconds(10)
	}
	if e.BackoffMultiplier < 1 {
		e.BackoffMultiplier = 2
	}
	if e.PartialResults == "" {
		e.PartialResults = PartialFinal
	}
	m := &cfg.Memory
	if m.Unit == "" {
		m.Unit = UnitMessages
	}
	if m.Threshold <= 0 {
		if m.Unit == UnitTokens {
			m.Threshold = 8000
		} else {
			m.Threshold = 10
		}
	}
	if m.KeepRecent <= 0 {
		m.KeepRecent = 4
	}
	if m.TruncateTo <= 0 {
		m.TruncateTo = 3
	}
	if cfg.Loop.MaxIterations <= 0 {
		cfg.Loop.MaxIterations = 8
	}
	if cfg.Loop.MaxConcurrency <= 0 {
		cfg.Loop.MaxConcurrency = 4
	}
	if cfg.Sink.Buffer <= 0 {
		cfg.Sink.Buffer = 256
	}
	if cfg.Sink.Kafka.Topic == "" && len(cfg.Sink.Kafka.Brokers) > 0 {
		cfg.Sink.Kafka.Topic = "mcporch.events"
	}
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.DegradeAfter <= 0 {
			s.DegradeAfter = 2
		}
		if s.RetryBudget <= 0 {
			s.RetryBudget = 3
		}
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		s.URL = os.ExpandEnv(s.URL)
		if s.Headers != nil {
			for k, v := range s.Headers {
				s.Headers[k] = os.ExpandEnv(v)
			}
		}
		for j, v := range s.Command {
			s.Command[j] = os.ExpandEnv(v)
		}
		for j, v := range s.Env {
			s.Env[j] = os.ExpandEnv(v)
		}
		transport, transportErr := normalizeTransport(s.Transport, len(s.Command) > 0)
		if transportErr != nil {
			return nil, fmt.Errorf("server %q: %w", s.Name, transportErr)
		}
		s.Transport = transport
		if s.Alias == "" {
			s.Alias = s.Name
		}
	}
	for k, v := range cfg.Model.Headers {
		cfg.Model.Headers[k] = os.ExpandEnv(v)
	}
	cfg.Model.Endpoint = os.ExpandEnv(cfg.Model.Endpoint)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".tmp"))) {
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func encode(path string, cfg *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".json":
		return json.MarshalIndent(cfg, "", "  ")
	default:
		return yaml.Marshal(cfg)
	}
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := validate(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	out, err := encode(path, cfg)
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0o600); err != nil {
		return err
	}
	if _, err := Load(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("resulting config is invalid: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func LoadOrInit(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = Default()
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	seen := map[string]bool{}
	aliases := map[string]bool{}
	for _, s := range cfg.Servers {
		if s.Name == "" {
			return errors.New("server name is required")
		}
		if strings.Contains(s.Name, "__") {
			return fmt.Errorf("server %q: name must not contain %q", s.Name, "__")
		}
		transport, err := normalizeTransport(s.Transport, len(s.Command) > 0)
		if err != nil {
			return fmt.Errorf("server %q: %w", s.Name, err)
		}
		if transport == TransportStdio {
			if len(s.Command) == 0 {
				return fmt.Errorf("server %q command is required for stdio transport", s.Name)
			}
		} else {
			if s.URL == "" {
				return fmt.Errorf("server %q url is required", s.Name)
			}
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		alias := s.Alias
		if alias == "" {
			alias = s.Name
		}
		if aliases[alias] {
			return fmt.Errorf("duplicate alias %q", alias)
		}
		aliases[alias] = true
	}

	switch cfg.Executor.PartialResults {
	case "", PartialFinal, PartialForward:
	default:
		return fmt.Errorf("executor.partial_results must be %q or %q", PartialFinal, PartialForward)
	}
	m := cfg.Memory
	switch m.Unit {
	case "", UnitMessages, UnitTokens:
	default:
		return fmt.Errorf("memory.unit must be %q or %q", UnitMessages, UnitTokens)
	}
	if m.Unit != UnitTokens && m.Threshold > 0 {
		// the summary and the truncation note each occupy one slot
		if m.KeepRecent > 0 && m.KeepRecent+1 > m.Threshold {
			return fmt.Errorf("memory.keep_recent (%d) must leave room for the summary under threshold %d", m.KeepRecent, m.Threshold)
		}
		if m.TruncateTo > 0 && m.TruncateTo+1 > m.Threshold {
			return fmt.Errorf("memory.truncate_to (%d) must leave room for the truncation note under threshold %d", m.TruncateTo, m.Threshold)
		}
	}
	if cfg.Sink.Kafka.Topic != "" && len(cfg.Sink.Kafka.Brokers) == 0 {
		return errors.New("sink.kafka.topic requires sink.kafka.brokers")
	}
	return nil
}

func UpsertServer(cfg *Config, item MCPServer) error {
	transport, err := normalizeTransport(item.Transport, len(item.Command) > 0)
	if err != nil {
		return err
	}
	item.Transport = transport
	if item.Alias == "" {
		item.Alias = item.Name
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].Name == item.Name {
			cfg.Servers[i] = item
			applyDefaults(cfg)
			return nil
		}
	}
	cfg.Servers = append(cfg.Servers, item)
	applyDefaults(cfg)
	return nil
}

func RemoveServer(cfg *Config, name string) bool {
	for i := range cfg.Servers {
		if cfg.Servers[i].Name == name {
			cfg.Servers = append(cfg.Servers[:i], cfg.Servers[i+1:]...)
			return true
		}
	}
	return false
}

func FindServer(cfg *Config, nameOrAlias string) (MCPServer, bool) {
	for _, s := range cfg.Servers {
		if s.Name == nameOrAlias || s.Alias == nameOrAlias {
			return s, true
		}
	}
	return MCPServer{}, false
}

type ChangeOp string

const (
	ChangeAdd    ChangeOp = "add"
	ChangeRemove ChangeOp = "remove"
)

type Change struct {
	Op     ChangeOp
	Server MCPServer
}

// Diff translates a config transition into explicit connection operations.
// A server whose definition changed is removed and re-added; live
// connections are never mutated in place. Removals come first.
func Diff(prev, next *Config) []Change {
	before := map[string]MCPServer{}
	if prev != nil {
		for _, s := range prev.Servers {
			before[s.Name] = s
		}
	}
	after := map[string]MCPServer{}
	if next != nil {
		for _, s := range next.Servers {
			after[s.Name] = s
		}
	}

	out := []Change{}
	if prev != nil {
		for _, s := range prev.Servers {
			n, ok := after[s.Name]
			if !ok || !reflect.DeepEqual(n, s) {
				out = append(out, Change{Op: ChangeRemove, Server: s})
			}
		}
	}
	if next != nil {
		for _, s := range next.Servers {
			p, ok := before[s.Name]
			if !ok || !reflect.DeepEqual(p, s) {
				out = append(out, Change{Op: ChangeAdd, Server: s})
			}
		}
	}
	return out
}
