// Package config loads and validates the scan configuration document.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

// Config is the scan configuration document.
type Config struct {
	Targets     []string            `yaml:"targets"`
	TargetsFile string              `yaml:"targets_file,omitempty"`
	MaxTargets  int                 `yaml:"max_targets,omitempty"`
	Ports       []int               `yaml:"ports"`
	Credentials scanner.Credentials `yaml:"credentials"`
	Timeouts    Timeouts            `yaml:"timeouts"`
	Retries     int                 `yaml:"retries"`
	Concurrency int                 `yaml:"concurrency"`
	RateLimit   float64             `yaml:"rate_limit,omitempty"` // targets per second, 0 = unlimited
	Rules       string              `yaml:"rules"`
	Output      Output              `yaml:"output"`
	Sinks       Sinks               `yaml:"sinks,omitempty"`
	LogLevel    string              `yaml:"log_level,omitempty"`
}

// Timeouts are per-stage limits. A zero Target means "derive from the
// other stages", see TargetCeiling.
type Timeouts struct {
	TCP    time.Duration `yaml:"tcp"`
	SNMP   time.Duration `yaml:"snmp"`
	Target time.Duration `yaml:"target,omitempty"`
	Grace  time.Duration `yaml:"grace"`
}

type Output struct {
	Format string `yaml:"format"`
	Path   string `yaml:"path,omitempty"`
	Raw    bool   `yaml:"raw,omitempty"`
}

type Sinks struct {
	JSONDatabase string     `yaml:"json_database,omitempty"`
	SQLite       string     `yaml:"sqlite,omitempty"`
	AMQP         AMQPSink   `yaml:"amqp,omitempty"`
	Valkey       ValkeySink `yaml:"valkey,omitempty"`
}

type AMQPSink struct {
	URL   string `yaml:"url,omitempty"`
	Queue string `yaml:"queue,omitempty"`
}

type ValkeySink struct {
	Address string        `yaml:"address,omitempty"`
	Key     string        `yaml:"key,omitempty"`
	TTL     time.Duration `yaml:"ttl,omitempty"`
}

// Formats accepted by Output.Format.
var Formats = []string{"json", "jsonl", "csv", "table", "simple"}

const (
	DefaultRules       = "config/vendor_fingerprints.yaml"
	DefaultAMQPQueue   = "gosnmpscan.records"
	DefaultValkeyKey   = "gosnmpscan:progress"
	DefaultValkeyTTL   = 10 * time.Minute
	collectionRounds   = 8
	targetCeilingSlack = 2 * time.Second
)

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Ports:       []int{22, 161, 443},
		Credentials: scanner.Credentials{Communities: []string{"public"}},
		Timeouts: Timeouts{
			TCP:   2 * time.Second,
			SNMP:  3 * time.Second,
			Grace: 5 * time.Second,
		},
		Retries:     1,
		Concurrency: 50,
		Rules:       DefaultRules,
		Output:      Output{Format: "table"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected so a
// typo cannot silently drop a setting.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration and reports every violation at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.Targets) == 0 && c.TargetsFile == "" {
		add("no targets given")
	}
	if c.MaxTargets < 0 {
		add("max_targets cannot be negative, got %d", c.MaxTargets)
	}
	for _, p := range c.Ports {
		if p < 1 || p > 65535 {
			add("port %d out of range 1-65535", p)
		}
	}
	if err := c.Credentials.Validate(); err != nil {
		add("%v", err)
	}

	if c.Timeouts.TCP <= 0 {
		add("timeouts.tcp must be positive, got %s", c.Timeouts.TCP)
	}
	if c.Timeouts.SNMP <= 0 {
		add("timeouts.snmp must be positive, got %s", c.Timeouts.SNMP)
	}
	if c.Timeouts.Target < 0 {
		add("timeouts.target cannot be negative, got %s", c.Timeouts.Target)
	}
	if c.Timeouts.Grace < 0 {
		add("timeouts.grace cannot be negative, got %s", c.Timeouts.Grace)
	}
	if c.Retries < 0 || c.Retries > 5 {
		add("retries must be between 0 and 5, got %d", c.Retries)
	}
	if c.Concurrency < 1 || c.Concurrency > 1024 {
		add("concurrency must be between 1 and 1024, got %d", c.Concurrency)
	}
	if c.RateLimit < 0 {
		add("rate_limit cannot be negative, got %v", c.RateLimit)
	}
	if c.Rules == "" {
		add("rules path is required")
	}
	if !validFormat(c.Output.Format) {
		add("output.format must be one of %s, got %q", strings.Join(Formats, ", "), c.Output.Format)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			add("log_level: %v", err)
		}
	}
	if c.Sinks.Valkey.TTL < 0 {
		add("sinks.valkey.ttl cannot be negative, got %s", c.Sinks.Valkey.TTL)
	}
	if c.Sinks.AMQP.URL != "" && !strings.HasPrefix(c.Sinks.AMQP.URL, "amqp://") && !strings.HasPrefix(c.Sinks.AMQP.URL, "amqps://") {
		add("sinks.amqp.url must start with amqp:// or amqps://")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validFormat(f string) bool {
	for _, known := range Formats {
		if f == known {
			return true
		}
	}
	return false
}

// TargetCeiling is the wall-clock limit for one target: the probe, every
// credential attempt at full retry cost, a collection budget and a
// margin. An explicit timeouts.target wins.
func (c *Config) TargetCeiling() time.Duration {
	if c.Timeouts.Target > 0 {
		return c.Timeouts.Target
	}
	attempts := len(c.Credentials.Attempts())
	if attempts == 0 {
		attempts = 1
	}
	perRequest := c.Timeouts.SNMP * time.Duration(c.Retries+1)
	return c.Timeouts.TCP +
		time.Duration(attempts)*perRequest +
		collectionRounds*perRequest +
		targetCeilingSlack
}

// OrchestratorOptions maps the configuration onto scanner options.
func (c *Config) OrchestratorOptions(log logrus.FieldLogger) scanner.Options {
	ports := c.Ports
	if ports == nil {
		ports = []int{}
	}
	return scanner.Options{
		Concurrency:   c.Concurrency,
		Ports:         ports,
		TCPTimeout:    c.Timeouts.TCP,
		TargetTimeout: c.TargetCeiling(),
		Grace:         c.Timeouts.Grace,
		RateLimit:     c.RateLimit,
		Raw:           c.Output.Raw,
		Log:           log,
	}
}
