package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment variables (and an optional .env file next to the
// config) are folded in once, at load time; nothing else reads the process
// environment.

const (
	defaultTimezone        = "Europe/Lisbon"
	defaultCalendarName    = "Master Calendar"
	defaultOutputDir       = "./data"
	defaultImportCalendar  = "import_calendar.ics"
	defaultMasterCalendar  = "master_calendar.ics"
	defaultFetchTimeoutSec = 30
	defaultHorizonDays     = 365
	defaultListen          = "127.0.0.1:8080"
	defaultRefresh         = "*/30 * * * *"
	defaultBufferDays      = 1
)

// Override store backends.
const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendCalendar = "ics"
)

// SourceConfig describes one platform feed.
type SourceConfig struct {
	// URL is the iCal export endpoint. Empty means the platform is skipped.
	URL string `yaml:"url" json:"url"`
	// BufferBeforeDays / BufferAfterDays override the global buffer for this
	// platform when set.
	BufferBeforeDays *int `yaml:"buffer_before_days,omitempty" json:"buffer_before_days,omitempty"`
	BufferAfterDays  *int `yaml:"buffer_after_days,omitempty" json:"buffer_after_days,omitempty"`
}

// SourcesConfig holds the three platform feeds.
type SourcesConfig struct {
	Airbnb  SourceConfig `yaml:"airbnb" json:"airbnb"`
	Booking SourceConfig `yaml:"booking" json:"booking"`
	Vrbo    SourceConfig `yaml:"vrbo" json:"vrbo"`
}

// BufferConfig is the default prep time around each reservation, in days.
type BufferConfig struct {
	BeforeDays int `yaml:"before_days" json:"before_days"`
	AfterDays  int `yaml:"after_days" json:"after_days"`
}

// OverridesConfig selects where manual overrides are persisted.
type OverridesConfig struct {
	// Backend is one of "json", "sqlite" or "ics". The "ics" backend is
	// read-only.
	Backend string `yaml:"backend" json:"backend"`
	// Path is the JSON file, SQLite database file or calendar document.
	Path string `yaml:"path" json:"path"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA timezone in which event dates are evaluated.
	Timezone string `yaml:"timezone" json:"timezone"`

	// CalendarName is written as X-WR-CALNAME on the master calendar.
	CalendarName string `yaml:"calendar_name" json:"calendar_name"`

	// OutputDir holds the rendered import and master calendars.
	OutputDir      string `yaml:"output_dir" json:"output_dir"`
	ImportCalendar string `yaml:"import_calendar" json:"import_calendar"`
	MasterCalendar string `yaml:"master_calendar" json:"master_calendar"`

	// FetchTimeoutSeconds bounds each platform request.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// CacheDir enables the ETag/Last-Modified feed cache when non-empty.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// RecurrenceHorizonDays caps RRULE expansion, counted from each
	// recurring event's own DTSTART.
	RecurrenceHorizonDays int `yaml:"recurrence_horizon_days" json:"recurrence_horizon_days"`

	Buffer    BufferConfig    `yaml:"buffer" json:"buffer"`
	Sources   SourcesConfig   `yaml:"sources" json:"sources"`
	Overrides OverridesConfig `yaml:"overrides" json:"overrides"`

	// Listen is the HTTP listen address used by "serve".
	Listen string `yaml:"listen" json:"listen"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// for periodic runs in "serve" mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// WatchOverrides triggers a run whenever the override store file changes.
	WatchOverrides bool `yaml:"watch_overrides" json:"watch_overrides"`

	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := emptyConfig()
	c.Normalize()
	return c
}

// emptyConfig is the unmarshal target for config files. Buffer days are
// seeded because an explicit 0 (no buffer) must survive Normalize.
func emptyConfig() *Config {
	return &Config{
		Buffer: BufferConfig{BeforeDays: defaultBufferDays, AfterDays: defaultBufferDays},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.CalendarName == "" {
		c.CalendarName = defaultCalendarName
	}
	if c.OutputDir == "" {
		c.OutputDir = defaultOutputDir
	}
	if c.ImportCalendar == "" {
		c.ImportCalendar = defaultImportCalendar
	}
	if c.MasterCalendar == "" {
		c.MasterCalendar = defaultMasterCalendar
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = defaultFetchTimeoutSec
	}
	if c.RecurrenceHorizonDays <= 0 {
		c.RecurrenceHorizonDays = defaultHorizonDays
	}
	// Buffer days of zero are legal (no buffer); only negatives are reset.
	if c.Buffer.BeforeDays < 0 {
		c.Buffer.BeforeDays = defaultBufferDays
	}
	if c.Buffer.AfterDays < 0 {
		c.Buffer.AfterDays = defaultBufferDays
	}
	switch c.Overrides.Backend {
	case BackendJSON, BackendSQLite, BackendCalendar:
		// ok
	default:
		c.Overrides.Backend = BackendJSON
	}
	if c.Overrides.Path == "" {
		c.Overrides.Path = c.defaultOverridesPath()
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.CORSOrigins == nil {
		c.CORSOrigins = []string{}
	}
}

// defaultOverridesPath places the override store in OutputDir. It is never
// persisted, so a later REPO_PATH still moves the store.
func (c *Config) defaultOverridesPath() string {
	switch c.Overrides.Backend {
	case BackendSQLite:
		return filepath.Join(c.OutputDir, "overrides.db")
	case BackendCalendar:
		return filepath.Join(c.OutputDir, "manual_calendar.ics")
	}
	return filepath.Join(c.OutputDir, "manual_events.json")
}

// ImportCalendarPath is the absolute-or-relative path of the import calendar.
func (c *Config) ImportCalendarPath() string {
	return filepath.Join(c.OutputDir, c.ImportCalendar)
}

// MasterCalendarPath is the path of the override-applied master calendar.
func (c *Config) MasterCalendarPath() string {
	return filepath.Join(c.OutputDir, c.MasterCalendar)
}

// FetchTimeout returns the per-request timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Source returns the feed configuration of a platform.
func (c *Config) Source(p model.Platform) SourceConfig {
	switch p {
	case model.PlatformAirbnb:
		return c.Sources.Airbnb
	case model.PlatformBooking:
		return c.Sources.Booking
	case model.PlatformVrbo:
		return c.Sources.Vrbo
	}
	return SourceConfig{}
}

func (c *Config) sourceRef(p model.Platform) *SourceConfig {
	switch p {
	case model.PlatformAirbnb:
		return &c.Sources.Airbnb
	case model.PlatformBooking:
		return &c.Sources.Booking
	case model.PlatformVrbo:
		return &c.Sources.Vrbo
	}
	return nil
}

// BufferDays returns the before/after buffer for a platform, honoring
// per-platform overrides.
func (c *Config) BufferDays(p model.Platform) (before, after int) {
	before, after = c.Buffer.BeforeDays, c.Buffer.AfterDays
	src := c.Source(p)
	if src.BufferBeforeDays != nil {
		before = *src.BufferBeforeDays
	}
	if src.BufferAfterDays != nil {
		after = *src.BufferAfterDays
	}
	return before, after
}

// Load loads configuration from the given YAML path and applies the
// environment overlay (real environment first, then a ".env" file in the
// config directory).
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg, err := loadFile(path)
	if err != nil {
		return cfg, err
	}

	dotenv, err := godotenv.Read(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		appLog.Warn("unknown timezone, dates will be evaluated in UTC", "timezone", cfg.Timezone, "err", err.Error())
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file. The returned config is
			// left unnormalized so Load applies the environment first.
			if err := Save(path, DefaultConfig()); err != nil {
				return nil, err
			}
			return emptyConfig(), nil
		}
		return nil, err
	}

	// Normalized by Load once the environment overlay is applied, so that
	// REPO_PATH also moves the derived override store path.
	cfg := emptyConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv folds the deployment's environment keys into c:
//
//	REPO_PATH                      output directory
//	<P>_ICAL_URL                   platform feed URL
//	<P>_BUFFER_BEFORE_DAYS         per-platform before buffer
//	<P>_BUFFER_AFTER_DAYS          per-platform after buffer
//	<P>_PREP_HOURS                 legacy before buffer in hours (rounded up to days)
//
// where <P> is AIRBNB, BOOKING or VRBO.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REPO_PATH"); ok && v != "" {
		c.OutputDir = v
	}
	for _, p := range model.Platforms {
		src := c.sourceRef(p)
		prefix := string(p) + "_"

		if v, ok := lookup(prefix + "ICAL_URL"); ok && v != "" {
			src.URL = strings.TrimSpace(v)
		}
		if v, ok := lookup(prefix + "PREP_HOURS"); ok && v != "" {
			hours, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%sPREP_HOURS: %w", prefix, err)
			}
			days := int(math.Ceil(float64(hours) / 24))
			src.BufferBeforeDays = &days
		}
		for key, dst := range map[string]**int{
			prefix + "BUFFER_BEFORE_DAYS": &src.BufferBeforeDays,
			prefix + "BUFFER_AFTER_DAYS":  &src.BufferAfterDays,
		} {
			v, ok := lookup(key)
			if !ok || v == "" {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = &n
		}
	}
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	out := *cfg
	if out.Overrides.Path == out.defaultOverridesPath() {
		out.Overrides.Path = ""
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial file and a
// failed write leaves the previous content untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteFilesAtomic(PendingFile{Path: path, Data: data, Perm: perm})
}

// PendingFile is one target of WriteFilesAtomic.
type PendingFile struct {
	Path string
	Data []byte
	Perm os.FileMode
}

// WriteFilesAtomic stages every file as a temp file next to its target and
// renames them into place only once all of them are written. A failure
// while staging leaves every target untouched.
func WriteFilesAtomic(files ...PendingFile) error {
	staged := make([]string, 0, len(files))
	defer func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}()

	for _, f := range files {
		tmp, err := stageFile(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		staged = append(staged, tmp)
	}

	for i, f := range files {
		if err := os.Rename(staged[i], f.Path); err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
	}
	return nil
}

// stageFile writes f to a synced temp file in the target directory.
func stageFile(f PendingFile) (string, error) {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+"-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(f.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, f.Perm); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
