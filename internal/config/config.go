package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"slotcheck/internal/model"
	"slotcheck/internal/ruleset"
)

const (
	DefaultListen    = "127.0.0.1:8080"
	DefaultSlotWidth = "30m"
	DefaultWatch     = "*/30 * * * *"
	DefaultLogLevel  = "info"
)

// JobConfig is one recurring schedule to check.
type JobConfig struct {
	Name        string `yaml:"name" json:"name"`
	IncludeRule string `yaml:"include_rule" json:"include_rule"`
	ExcludeRule string `yaml:"exclude_rule,omitempty" json:"exclude_rule,omitempty"`
	// ExcludeDatetimes are ISO-8601 / RFC 3339 instants; zone-less values are UTC.
	ExcludeDatetimes []string `yaml:"exclude_datetimes,omitempty" json:"exclude_datetimes,omitempty"`
}

// ICSConfig describes an iCalendar source whose VEVENTs become jobs.
type ICSConfig struct {
	// ID is an internal identifier used for logging and job names.
	ID string `yaml:"id" json:"id"`
	// URL is an http(s) URL or a local file path.
	URL string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address used by --serve.
	Listen string `yaml:"listen" json:"listen"`

	// SlotWidth is a Go duration string ("30m", "1h").
	SlotWidth string `yaml:"slot_width" json:"slot_width"`

	// Watch is a standard 5-field cron spec; --watch evaluates every job on
	// each tick. It should fire on slot boundaries.
	Watch string `yaml:"watch" json:"watch"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// MaxSkips bounds consecutive exclusions per check; 0 uses the default.
	MaxSkips int `yaml:"max_skips,omitempty" json:"max_skips,omitempty"`

	Jobs []JobConfig `yaml:"jobs" json:"jobs"`
	ICS  []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    DefaultListen,
		SlotWidth: DefaultSlotWidth,
		Watch:     DefaultWatch,
		LogLevel:  DefaultLogLevel,
		Jobs:      []JobConfig{},
		ICS:       []ICSConfig{},
	}
}

// Normalize fills in missing values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.SlotWidth == "" {
		c.SlotWidth = DefaultSlotWidth
	}
	if c.Watch == "" {
		c.Watch = DefaultWatch
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MaxSkips < 0 {
		c.MaxSkips = 0
	}
	if c.Jobs == nil {
		c.Jobs = []JobConfig{}
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.Jobs {
		if c.Jobs[i].Name == "" {
			c.Jobs[i].Name = fmt.Sprintf("job-%d", i+1)
		}
	}
}

// Width returns SlotWidth as a duration.
func (c *Config) Width() (time.Duration, error) {
	d, err := time.ParseDuration(c.SlotWidth)
	if err != nil {
		return 0, fmt.Errorf("slot_width: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("slot_width: must be positive, got %s", d)
	}
	return d, nil
}

// Schedule parses Watch with the standard cron parser.
func (c *Config) Schedule() (cron.Schedule, error) {
	s, err := cron.ParseStandard(c.Watch)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return s, nil
}

// Validate checks everything that can be checked without evaluating rules.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Width(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Schedule(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool)
	for i, j := range c.Jobs {
		if strings.TrimSpace(j.IncludeRule) == "" {
			errs = append(errs, fmt.Errorf("jobs[%d] %q: include_rule is empty", i, j.Name))
		}
		if seen[j.Name] {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate name %q", i, j.Name))
		}
		seen[j.Name] = true
		if _, err := ruleset.ParseExDates(j.ExcludeDatetimes); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d] %q: %w", i, j.Name, err))
		}
	}
	for i, src := range c.ICS {
		if src.URL == "" {
			errs = append(errs, fmt.Errorf("ics[%d]: url is empty", i))
		}
	}
	return errors.Join(errs...)
}

// ModelJobs converts the configured jobs, parsing their excluded instants.
func (c *Config) ModelJobs() ([]model.Job, error) {
	jobs := make([]model.Job, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		ex, err := ruleset.ParseExDates(j.ExcludeDatetimes)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Name, err)
		}
		jobs = append(jobs, model.Job{
			Name:        j.Name,
			SourceID:    "config",
			IncludeRule: j.IncludeRule,
			ExcludeRule: j.ExcludeRule,
			ExDates:     ex,
		})
	}
	return jobs, nil
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist a default config is written there with 0600
// permissions and returned. Otherwise the YAML is read and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file in the same directory,
// then rename). The parent directory is created with 0700 and the file
// ends up 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".slotcheck-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
