// Package config loads the companion daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/companion/internal/classify"
)

// Duration is a time.Duration that decodes from strings such as "90s".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration {
	return Duration{d}
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the complete daemon configuration.
type Config struct {
	// Name identifies this companion in MQTT topics and the status page.
	Name string `toml:"name" yaml:"name"`

	Tail     TailConfig     `toml:"tail" yaml:"tail"`
	Timing   TimingConfig   `toml:"timing" yaml:"timing"`
	Storage  StorageConfig  `toml:"storage" yaml:"storage"`
	MQTT     MQTTConfig     `toml:"mqtt" yaml:"mqtt"`
	HTTP     HTTPConfig     `toml:"http" yaml:"http"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Classify ClassifyConfig `toml:"classify" yaml:"classify"`
}

// TailConfig controls log discovery.
type TailConfig struct {
	Root          string   `toml:"root" yaml:"root"`
	Extensions    []string `toml:"extensions" yaml:"extensions"`
	MaxChunkBytes int64    `toml:"max_chunk_bytes" yaml:"max_chunk_bytes"`
	PollInterval  Duration `toml:"poll_interval" yaml:"poll_interval"`
	Watch         bool     `toml:"watch" yaml:"watch"`
}

// TimingConfig holds the simulation cadences.
type TimingConfig struct {
	CheckInterval  Duration `toml:"check_interval" yaml:"check_interval"`
	DecayInterval  Duration `toml:"decay_interval" yaml:"decay_interval"`
	IdleThreshold  Duration `toml:"idle_threshold" yaml:"idle_threshold"`
	HygieneMin     Duration `toml:"hygiene_min" yaml:"hygiene_min"`
	HygieneMax     Duration `toml:"hygiene_max" yaml:"hygiene_max"`
	SampleInterval Duration `toml:"sample_interval" yaml:"sample_interval"`
}

// StorageConfig locates the state database.
type StorageConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// MQTTConfig controls publishing.
type MQTTConfig struct {
	Enabled   bool     `toml:"enabled" yaml:"enabled"`
	Broker    string   `toml:"broker" yaml:"broker"`
	Heartbeat Duration `toml:"heartbeat" yaml:"heartbeat"`
}

// HTTPConfig controls the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // json or console
}

// ClassifyConfig extends or replaces the built-in rule table.
type ClassifyConfig struct {
	UsageField   string       `toml:"usage_field" yaml:"usage_field"`
	ReplaceRules bool         `toml:"replace_rules" yaml:"replace_rules"`
	Rules        []RuleConfig `toml:"rules" yaml:"rules"`
}

// RuleConfig is a user-supplied classification rule.
type RuleConfig struct {
	ID            string   `toml:"id" yaml:"id"`
	Pattern       string   `toml:"pattern" yaml:"pattern"`
	Cooldown      Duration `toml:"cooldown" yaml:"cooldown"`
	Event         string   `toml:"event" yaml:"event"`
	Polarity      string   `toml:"polarity" yaml:"polarity"`
	EscalateAfter int      `toml:"escalate_after" yaml:"escalate_after"`
	EscalateTo    string   `toml:"escalate_to" yaml:"escalate_to"`
}

// Spec converts r to a classify.RuleSpec.
func (r RuleConfig) Spec() classify.RuleSpec {
	return classify.RuleSpec{
		ID:            r.ID,
		Pattern:       r.Pattern,
		Cooldown:      r.Cooldown.Duration,
		Event:         classify.EventKind(r.Event),
		Polarity:      classify.Polarity(r.Polarity),
		EscalateAfter: r.EscalateAfter,
		EscalateTo:    classify.EventKind(r.EscalateTo),
	}
}

// RuleSpecs returns the rule table in evaluation order. User rules come first;
// a user rule whose ID matches a built-in rule replaces it.
func (c *Config) RuleSpecs() []classify.RuleSpec {
	var specs []classify.RuleSpec
	user := make(map[string]bool)
	for _, r := range c.Classify.Rules {
		specs = append(specs, r.Spec())
		user[r.ID] = true
	}
	if c.Classify.ReplaceRules {
		return specs
	}
	for _, d := range classify.DefaultRules() {
		if !user[d.ID] {
			specs = append(specs, d)
		}
	}
	return specs
}

// Dir returns the per-user companion directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".companion"
	}
	return filepath.Join(home, ".companion")
}

// Path returns the default configuration file path.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// DefaultLogRoot is where the coding assistant writes its transcripts.
func DefaultLogRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name: "companion",
		Tail: TailConfig{
			Root:          DefaultLogRoot(),
			Extensions:    []string{".jsonl", ".log"},
			MaxChunkBytes: 8 << 20,
			PollInterval:  D(time.Second),
			Watch:         true,
		},
		Timing: TimingConfig{
			CheckInterval:  D(5 * time.Second),
			DecayInterval:  D(time.Minute),
			IdleThreshold:  D(10 * time.Minute),
			HygieneMin:     D(20 * time.Minute),
			HygieneMax:     D(45 * time.Minute),
			SampleInterval: D(time.Hour),
		},
		Storage: StorageConfig{
			Path: filepath.Join(Dir(), "companion.db"),
		},
		MQTT: MQTTConfig{
			Broker:    "tcp://localhost:1883",
			Heartbeat: D(15 * time.Minute),
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8421",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Classify: ClassifyConfig{
			UsageField: classify.DefaultUsageField,
		},
	}
}

// Normalize clamps out-of-range values and fills empty ones with defaults.
// It returns a description of every adjustment made.
func (c *Config) Normalize() []string {
	def := Default()
	var notes []string
	note := func(format string, args ...any) {
		notes = append(notes, fmt.Sprintf(format, args...))
	}

	c.Name = strings.Trim(strings.TrimSpace(c.Name), "/")
	switch {
	case c.Name == "":
		c.Name = def.Name
	case strings.ContainsAny(c.Name, "+#"):
		note("name %q invalid, using %q", c.Name, def.Name)
		c.Name = def.Name
	}

	if c.Tail.Root == "" {
		c.Tail.Root = def.Tail.Root
	}
	c.Tail.Extensions = normalizeExtensions(c.Tail.Extensions)
	if len(c.Tail.Extensions) == 0 {
		c.Tail.Extensions = def.Tail.Extensions
	}
	c.Tail.MaxChunkBytes = clampInt(c.Tail.MaxChunkBytes, 4<<10, 64<<20, def.Tail.MaxChunkBytes, "tail.max_chunk_bytes", note)
	clampDuration(&c.Tail.PollInterval, 100*time.Millisecond, time.Minute, def.Tail.PollInterval, "tail.poll_interval", note)

	clampDuration(&c.Timing.CheckInterval, 100*time.Millisecond, time.Minute, def.Timing.CheckInterval, "timing.check_interval", note)
	clampDuration(&c.Timing.DecayInterval, time.Second, time.Hour, def.Timing.DecayInterval, "timing.decay_interval", note)
	clampDuration(&c.Timing.IdleThreshold, time.Minute, 24*time.Hour, def.Timing.IdleThreshold, "timing.idle_threshold", note)
	clampDuration(&c.Timing.HygieneMin, time.Minute, 24*time.Hour, def.Timing.HygieneMin, "timing.hygiene_min", note)
	clampDuration(&c.Timing.HygieneMax, time.Minute, 48*time.Hour, def.Timing.HygieneMax, "timing.hygiene_max", note)
	if c.Timing.HygieneMax.Duration <= c.Timing.HygieneMin.Duration {
		note("timing.hygiene_max %v not above hygiene_min, using %v", c.Timing.HygieneMax, c.Timing.HygieneMin.Duration+time.Minute)
		c.Timing.HygieneMax = D(c.Timing.HygieneMin.Duration + time.Minute)
	}
	clampDuration(&c.Timing.SampleInterval, time.Minute, 24*time.Hour, def.Timing.SampleInterval, "timing.sample_interval", note)

	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.MQTT.Broker == "" && c.MQTT.Enabled {
		note("mqtt.broker empty, disabling mqtt")
		c.MQTT.Enabled = false
	}
	if c.MQTT.Heartbeat.Duration < 0 {
		note("mqtt.heartbeat negative, disabling heartbeat")
		c.MQTT.Heartbeat = D(0)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		c.Log.Level = strings.ToLower(c.Log.Level)
	default:
		note("log.level %q unknown, using %q", c.Log.Level, def.Log.Level)
		c.Log.Level = def.Log.Level
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
		c.Log.Format = strings.ToLower(c.Log.Format)
	default:
		note("log.format %q unknown, using %q", c.Log.Format, def.Log.Format)
		c.Log.Format = def.Log.Format
	}

	if c.Classify.UsageField == "" {
		c.Classify.UsageField = def.Classify.UsageField
	}
	return notes
}

func normalizeExtensions(exts []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

func clampInt(v, lo, hi, def int64, name string, note func(string, ...any)) int64 {
	switch {
	case v == 0:
		return def
	case v < lo:
		note("%s %d below minimum, using %d", name, v, lo)
		return lo
	case v > hi:
		note("%s %d above maximum, using %d", name, v, hi)
		return hi
	}
	return v
}

func clampDuration(d *Duration, lo, hi time.Duration, def Duration, name string, note func(string, ...any)) {
	switch {
	case d.Duration == 0:
		*d = def
	case d.Duration < lo:
		note("%s %v below minimum, using %v", name, d.Duration, lo)
		d.Duration = lo
	case d.Duration > hi:
		note("%s %v above maximum, using %v", name, d.Duration, hi)
		d.Duration = hi
	}
}
