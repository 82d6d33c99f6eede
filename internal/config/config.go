package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rescal/internal/ics"
	"rescal/internal/model"
	"rescal/internal/normalize"
)

// Environment variables that override the Facilitron credentials in YAML.
const (
	EnvFacilitronEmail    = "FACILITRON_EMAIL"
	EnvFacilitronPassword = "FACILITRON_PASSWORD"
)

const (
	defaultListen       = "127.0.0.1:8080"
	defaultLogLevel     = "info"
	defaultLookbackDays = 90
	defaultBaseURL      = "https://www.facilitron.com"
	defaultOwnerID      = "60b6ab18d0b5260058950367"
	defaultSchedule     = "*/15 * * * *"
	defaultFetchTimeout = 10

	defaultCalendarName = "Facilitron Reservations Calendar"
	defaultCalendarDesc = "Combined events across a set of Facilitron reservations"
	defaultProductID    = "-//rescal//Reservation Aggregator//EN"
	defaultMethod       = "PUBLISH"
)

// CalendarConfig is the descriptive header of the published calendar.
type CalendarConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	ProductID   string `yaml:"product_id" json:"product_id"`
	Method      string `yaml:"method" json:"method"`
}

// TimezoneConfig selects the target zone for event times.
type TimezoneConfig struct {
	// ID is the TZID written on re-timed events, e.g. "America/Los_Angeles".
	ID string `yaml:"id" json:"id"`
	// Definition is an optional VTIMEZONE block. When empty, ID must name
	// the built-in zone.
	Definition string `yaml:"definition,omitempty" json:"definition,omitempty"`
	// RetimeEvents re-expresses DTSTART/DTEND as wall time in the zone.
	RetimeEvents bool `yaml:"retime_events" json:"retime_events"`
}

// FetchConfig controls feed downloads.
type FetchConfig struct {
	TimeoutSeconds    int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	UserAgent         string  `yaml:"user_agent" json:"user_agent"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	MaxConcurrent     int     `yaml:"max_concurrent" json:"max_concurrent"`
}

// FacilitronConfig holds the dashboard login used to list reservations.
type FacilitronConfig struct {
	BaseURL  string   `yaml:"base_url" json:"base_url"`
	OwnerIDs []string `yaml:"owner_ids" json:"owner_ids"`
	Email    string   `yaml:"email,omitempty" json:"email,omitempty"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
}

// StaticReservation is a reservation listed directly in the config file.
type StaticReservation struct {
	ID             string    `yaml:"id" json:"id"`
	Owner          string    `yaml:"owner" json:"owner"`
	RenterLastName string    `yaml:"renter_last_name" json:"renter_last_name"`
	EventName      string    `yaml:"event_name,omitempty" json:"event_name,omitempty"`
	Created        time.Time `yaml:"created" json:"created"`
	LastDate       time.Time `yaml:"last_date" json:"last_date"`
	FeedURL        string    `yaml:"feed_url" json:"feed_url"`
	URL            string    `yaml:"url" json:"url"`
}

// ExportConfig enables the scheduled file export when both fields are set.
type ExportConfig struct {
	Path     string `yaml:"path" json:"path"`
	Schedule string `yaml:"schedule" json:"schedule"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP endpoints.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// LookbackDays sets the default cutoff (now minus this many days) when a
	// request does not supply one.
	LookbackDays int `yaml:"lookback_days" json:"lookback_days"`

	// Policy is the summary naming convention: "venue-in-parens" or
	// "venue-from-owner".
	Policy string `yaml:"policy" json:"policy"`

	// SummaryWithField appends " on <field>" to event summaries.
	SummaryWithField bool `yaml:"summary_with_field" json:"summary_with_field"`

	DefaultActivity string `yaml:"default_activity" json:"default_activity"`
	DefaultField    string `yaml:"default_field" json:"default_field"`

	Calendar   CalendarConfig   `yaml:"calendar" json:"calendar"`
	Timezone   TimezoneConfig   `yaml:"timezone" json:"timezone"`
	Fetch      FetchConfig      `yaml:"fetch" json:"fetch"`
	Facilitron FacilitronConfig `yaml:"facilitron" json:"facilitron"`

	// StaticReservations backs the /demo.ical route.
	StaticReservations []StaticReservation `yaml:"static_reservations" json:"static_reservations"`

	Export ExportConfig `yaml:"export" json:"export"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		LogLevel:        defaultLogLevel,
		LookbackDays:    defaultLookbackDays,
		Policy:          string(normalize.PolicyVenueInParens),
		DefaultActivity: "Soccer",
		DefaultField:    "Main",
		Calendar: CalendarConfig{
			Name:        defaultCalendarName,
			Description: defaultCalendarDesc,
			ProductID:   defaultProductID,
			Method:      defaultMethod,
		},
		Timezone: TimezoneConfig{
			ID:           ics.DefaultZoneID,
			RetimeEvents: true,
		},
		Fetch: FetchConfig{
			TimeoutSeconds: defaultFetchTimeout,
			UserAgent:      "rescal/1.0",
		},
		Facilitron: FacilitronConfig{
			BaseURL:  defaultBaseURL,
			OwnerIDs: []string{defaultOwnerID},
		},
		StaticReservations: []StaticReservation{},
		Export:             ExportConfig{Schedule: defaultSchedule},
		BasicAuth:          nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = defaultLookbackDays
	}
	if _, err := normalize.ParsePolicy(c.Policy); err != nil || c.Policy == "" {
		// Unknown value; fall back to the default convention.
		c.Policy = string(normalize.PolicyVenueInParens)
	}
	if c.DefaultActivity == "" {
		c.DefaultActivity = "Soccer"
	}
	if c.DefaultField == "" {
		c.DefaultField = "Main"
	}
	if c.Calendar.Name == "" {
		c.Calendar.Name = defaultCalendarName
	}
	if c.Calendar.Description == "" {
		c.Calendar.Description = defaultCalendarDesc
	}
	if c.Calendar.ProductID == "" {
		c.Calendar.ProductID = defaultProductID
	}
	if c.Calendar.Method == "" {
		c.Calendar.Method = defaultMethod
	}
	if c.Timezone.ID == "" {
		c.Timezone.ID = ics.DefaultZoneID
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = defaultFetchTimeout
	}
	if c.Fetch.RequestsPerSecond < 0 {
		c.Fetch.RequestsPerSecond = 0
	}
	if c.Fetch.MaxConcurrent < 0 {
		c.Fetch.MaxConcurrent = 0
	}
	if c.Facilitron.BaseURL == "" {
		c.Facilitron.BaseURL = defaultBaseURL
	}
	if len(c.Facilitron.OwnerIDs) == 0 {
		c.Facilitron.OwnerIDs = []string{defaultOwnerID}
	}
	if c.StaticReservations == nil {
		c.StaticReservations = []StaticReservation{}
	}
	if c.Export.Schedule == "" {
		c.Export.Schedule = defaultSchedule
	}
}

// ApplyEnv overrides credentials from the environment. Environment values
// win over the YAML file.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvFacilitronEmail)); v != "" {
		c.Facilitron.Email = v
	}
	if v := os.Getenv(EnvFacilitronPassword); v != "" {
		c.Facilitron.Password = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML on top of the defaults
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
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

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".rescal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// Zone resolves the configured target zone. Without a definition only the
// built-in zone ID is accepted.
func (c *Config) Zone() (*ics.Zone, error) {
	if strings.TrimSpace(c.Timezone.Definition) != "" {
		z, err := ics.ParseZone(c.Timezone.Definition)
		if err != nil {
			return nil, fmt.Errorf("timezone definition: %w", err)
		}
		return z, nil
	}
	if c.Timezone.ID == ics.DefaultZoneID {
		return ics.DefaultZone(), nil
	}
	return nil, fmt.Errorf("timezone %q has no built-in definition; set timezone.definition", c.Timezone.ID)
}

// Metadata returns the calendar header for the given zone ID.
func (c *Config) Metadata(zoneID string) ics.Metadata {
	return ics.Metadata{
		Name:        c.Calendar.Name,
		Description: c.Calendar.Description,
		ProductID:   c.Calendar.ProductID,
		Method:      c.Calendar.Method,
		TimezoneID:  zoneID,
	}
}

// FetcherOptions maps the fetch section onto ics.FetcherOptions.
func (c *Config) FetcherOptions() ics.FetcherOptions {
	return ics.FetcherOptions{
		Timeout:           time.Duration(c.Fetch.TimeoutSeconds) * time.Second,
		UserAgent:         c.Fetch.UserAgent,
		RequestsPerSecond: c.Fetch.RequestsPerSecond,
		MaxConcurrent:     c.Fetch.MaxConcurrent,
	}
}

// NormalizeOptions maps the naming settings onto normalize.Options.
func (c *Config) NormalizeOptions(zone *ics.Zone) (normalize.Options, error) {
	policy, err := normalize.ParsePolicy(c.Policy)
	if err != nil {
		return normalize.Options{}, err
	}
	return normalize.Options{
		Policy:           policy,
		Zone:             zone,
		Retime:           c.Timezone.RetimeEvents,
		SummaryWithField: c.SummaryWithField,
		DefaultActivity:  c.DefaultActivity,
		DefaultField:     c.DefaultField,
	}, nil
}

// Reservations converts the static reservation list.
func (c *Config) Reservations() []model.Reservation {
	out := make([]model.Reservation, 0, len(c.StaticReservations))
	for _, s := range c.StaticReservations {
		out = append(out, model.Reservation{
			ID:             s.ID,
			OwnerName:      s.Owner,
			RenterLastName: s.RenterLastName,
			EventName:      s.EventName,
			Created:        s.Created,
			LastDate:       s.LastDate,
			FeedURL:        s.FeedURL,
			URL:            s.URL,
		})
	}
	return out
}

// Lookback is the default cutoff distance.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}
