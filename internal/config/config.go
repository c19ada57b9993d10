package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/apmatthews/the-events-calendar/internal/cron"
	"github.com/apmatthews/the-events-calendar/internal/record"
)

// Post statuses an imported event can be given.
const (
	PostStatusPublish = "publish"
	PostStatusPending = "pending"
	PostStatusDraft   = "draft"
)

// PostStatuses returns the statuses imported events can be created with.
func PostStatuses() []string {
	return []string{PostStatusPublish, PostStatusPending, PostStatusDraft}
}

func validPostStatus(status string) bool {
	for _, s := range PostStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// PostStatusOption is the imported_post_status setting. It is either a map
// of origin to status, or a single string applied to every origin (the
// older form of the setting).
type PostStatusOption struct {
	Default  string
	ByOrigin map[string]string
}

// For returns the status events imported from origin are given.
func (o PostStatusOption) For(origin record.Origin) string {
	if status, ok := o.ByOrigin[string(origin)]; ok && status != "" {
		return status
	}
	if o.Default != "" {
		return o.Default
	}
	return PostStatusPublish
}

func (o *PostStatusOption) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		o.Default = single
		return nil
	}
	var byOrigin map[string]string
	if err := json.Unmarshal(data, &byOrigin); err != nil {
		return fmt.Errorf("imported_post_status must be a string or a map of origin to status: %w", err)
	}
	o.ByOrigin = byOrigin
	return nil
}

func (o *PostStatusOption) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&o.Default)
	}
	var byOrigin map[string]string
	if err := value.Decode(&byOrigin); err != nil {
		return fmt.Errorf("imported_post_status must be a string or a map of origin to status: %w", err)
	}
	o.ByOrigin = byOrigin
	return nil
}

// CalDAV holds the credentials of the CalDAV server caldav records read from.
type CalDAV struct {
	ServerURL string `json:"server_url,omitempty" yaml:"server_url,omitempty"` // e.g. "https://caldav.icloud.com"
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"` // App-specific password for iCloud
}

// Config holds the configuration of the aggregator.
type Config struct {
	DBPath       string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	ServiceURL   string `json:"service_url,omitempty" yaml:"service_url,omitempty"`
	APIKey       string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	RequestLimit int    `json:"request_limit,omitempty" yaml:"request_limit,omitempty"` // Outbound requests allowed per scheduled run (default: 5)
	Schedule     string `json:"schedule,omitempty" yaml:"schedule,omitempty"`           // Recurring interval id (default: every15mins)

	// LimitPrefixes are the URL prefixes the request limiter guards. Empty
	// means the service URL only.
	LimitPrefixes []string `json:"limit_prefixes,omitempty" yaml:"limit_prefixes,omitempty"`

	GoogleCredentialsPath string `json:"google_credentials_path,omitempty" yaml:"google_credentials_path,omitempty"`
	GoogleTokenPath       string `json:"google_token_path,omitempty" yaml:"google_token_path,omitempty"`
	CalDAV                CalDAV `json:"caldav,omitempty" yaml:"caldav,omitempty"`

	ImportedPostStatus PostStatusOption `json:"imported_post_status,omitempty" yaml:"imported_post_status,omitempty"`

	// Import window for ical, gcal and caldav records
	ImportWindowWeeks     int `json:"import_window_weeks,omitempty" yaml:"import_window_weeks,omitempty"`           // Weeks forward from the start of the current week (default: 4)
	ImportWindowWeeksPast int `json:"import_window_weeks_past,omitempty" yaml:"import_window_weeks_past,omitempty"` // Weeks backward (default: 0)
}

// Overrides are the values given on the command line. Empty fields leave the
// file and environment values untouched.
type Overrides struct {
	DBPath                string
	ServiceURL            string
	APIKey                string
	RequestLimit          int
	Schedule              string
	GoogleCredentialsPath string
	GoogleTokenPath       string
}

// PostStatusFor returns the status events imported from origin are given.
func (c *Config) PostStatusFor(origin record.Origin) string {
	return c.ImportedPostStatus.For(origin)
}

// CronSchedule returns the configured recurring schedule.
func (c *Config) CronSchedule() cron.Schedule {
	if s, ok := cron.FindSchedule(c.Schedule); ok {
		return s
	}
	return cron.DefaultSchedule
}

// LimitedPrefixes returns the URL prefixes the request limiter guards.
func (c *Config) LimitedPrefixes() []string {
	if len(c.LimitPrefixes) > 0 {
		return c.LimitPrefixes
	}
	if c.ServiceURL != "" {
		return []string{c.ServiceURL}
	}
	return nil
}

// LoadConfigFromFile loads configuration from a JSON or, by extension, YAML
// file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if v := os.Getenv("AGGREGATOR_DB_PATH"); v != "" {
		config.DBPath = v
	}
	if v := os.Getenv("AGGREGATOR_SERVICE_URL"); v != "" {
		config.ServiceURL = v
	}
	if v := os.Getenv("AGGREGATOR_API_KEY"); v != "" {
		config.APIKey = v
	}
	if v := os.Getenv("AGGREGATOR_REQUEST_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGGREGATOR_REQUEST_LIMIT value: %w", err)
		}
		config.RequestLimit = limit
	}
	if v := os.Getenv("AGGREGATOR_SCHEDULE"); v != "" {
		config.Schedule = v
	}
	if v := os.Getenv("GOOGLE_CREDENTIALS_PATH"); v != "" {
		config.GoogleCredentialsPath = v
	}
	if v := os.Getenv("GOOGLE_TOKEN_PATH"); v != "" {
		config.GoogleTokenPath = v
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.DBPath != "" {
		config.DBPath = flags.DBPath
	}
	if flags.ServiceURL != "" {
		config.ServiceURL = flags.ServiceURL
	}
	if flags.APIKey != "" {
		config.APIKey = flags.APIKey
	}
	if flags.RequestLimit != 0 {
		config.RequestLimit = flags.RequestLimit
	}
	if flags.Schedule != "" {
		config.Schedule = flags.Schedule
	}
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.GoogleTokenPath != "" {
		config.GoogleTokenPath = flags.GoogleTokenPath
	}

	// Step 4: Apply defaults and validate
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() error {
	if c.DBPath == "" || c.GoogleTokenPath == "" {
		dir, err := DefaultDir()
		if err != nil {
			return err
		}
		if c.DBPath == "" {
			c.DBPath = filepath.Join(dir, "aggregator.db")
		}
		if c.GoogleTokenPath == "" {
			c.GoogleTokenPath = filepath.Join(dir, "google_token.json")
		}
	}
	if c.RequestLimit == 0 {
		c.RequestLimit = 5
	}
	if c.Schedule == "" {
		c.Schedule = cron.DefaultSchedule.ID
	}
	if c.ImportWindowWeeks == 0 {
		c.ImportWindowWeeks = 4
	}
	c.ServiceURL = strings.TrimSuffix(c.ServiceURL, "/")
	return nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.RequestLimit < 0 {
		return fmt.Errorf("request_limit must not be negative, got %d", c.RequestLimit)
	}
	if _, ok := cron.FindSchedule(c.Schedule); !ok {
		return fmt.Errorf("schedule must be one of %s, got '%s'", scheduleIDs(), c.Schedule)
	}
	if c.ImportWindowWeeksPast < 0 {
		return fmt.Errorf("import_window_weeks_past must not be negative, got %d", c.ImportWindowWeeksPast)
	}
	if c.ImportedPostStatus.Default != "" && !validPostStatus(c.ImportedPostStatus.Default) {
		return fmt.Errorf("imported_post_status must be one of %s, got '%s'", strings.Join(PostStatuses(), ", "), c.ImportedPostStatus.Default)
	}
	for origin, status := range c.ImportedPostStatus.ByOrigin {
		if !record.Origin(origin).Valid() {
			return fmt.Errorf("imported_post_status: unknown origin '%s'", origin)
		}
		if !validPostStatus(status) {
			return fmt.Errorf("imported_post_status[%s] must be one of %s, got '%s'", origin, strings.Join(PostStatuses(), ", "), status)
		}
	}
	return nil
}

// DefaultDir is where the database and token live unless configured.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "events-aggregator"), nil
}

func scheduleIDs() string {
	var ids []string
	for _, s := range cron.Schedules() {
		ids = append(ids, s.ID)
	}
	return strings.Join(ids, ", ")
}
