package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // add-on images ship without a zoneinfo database

	"gopkg.in/yaml.v3"

	"github.com/jgoulah/sajscraper/pkg/models"
)

// Portal variants the add-on can talk to
var PortalBaseURLs = []string{
	"https://eop.saj-electric.com",
	"https://iop.saj-electric.com",
	"https://op.saj-electric.cn",
}

const (
	DefaultBaseURL                 = "https://iop.saj-electric.com"
	DefaultLogLevel                = "info"
	DefaultUpdateInterval          = 240
	DefaultExtendedUpdateInterval  = 3600
	DefaultDataInactivityThreshold = 1800
	DefaultInactivityStart         = "21:00"
	DefaultInactivityEnd           = "05:30"
	DefaultMQTTPort                = 1883
	DefaultMQTTConnectTimeout      = 10
	DefaultStateFile               = "/data/peak_power_state.json"
	DefaultStateDB                 = "/data/sajscraper.db"
	DefaultDebugDumpDir            = "/data"

	// MinIntervalSeconds is the floor for every polling-related interval
	MinIntervalSeconds = 60
)

// State backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds the add-on options. It is read once at startup and never
// mutated afterwards.
type Config struct {
	Username       string `yaml:"saj_username"`
	Password       string `yaml:"saj_password"`
	BaseURL        string `yaml:"base_saj_url,omitempty"`
	Microinverters string `yaml:"microinverters"`
	Timezone       string `yaml:"timezone,omitempty"`
	LogLevel       string `yaml:"log_level,omitempty"`
	LogFormat      string `yaml:"log_format,omitempty"` // console or json

	UpdateIntervalSeconds          int    `yaml:"update_interval_seconds,omitempty"`
	ExtendedUpdateIntervalSeconds  int    `yaml:"extended_update_interval_seconds,omitempty"`
	DataInactivityThresholdSeconds int    `yaml:"data_inactivity_threshold_seconds,omitempty"`
	InactivityEnabled              *bool  `yaml:"inactivity_enabled,omitempty"`
	InactivityStartTime            string `yaml:"inactivity_start_time,omitempty"`
	InactivityEndTime              string `yaml:"inactivity_end_time,omitempty"`
	FetchTimeoutSeconds            int    `yaml:"fetch_timeout_seconds,omitempty"` // 0 = derived

	MQTT MQTTConfig `yaml:",inline"`

	StateBackend string `yaml:"state_backend,omitempty"`
	StatePath    string `yaml:"state_path,omitempty"`

	ChromePath   string `yaml:"chrome_path,omitempty"`
	Headless     *bool  `yaml:"headless,omitempty"`
	DebugDumpDir string `yaml:"debug_dump_dir,omitempty"`

	// Derived by Load
	Devices    []models.Device `yaml:"-"`
	Location   *time.Location  `yaml:"-"`
	QuietStart Clock           `yaml:"-"`
	QuietEnd   Clock           `yaml:"-"`
}

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Host                  string `yaml:"mqtt_host,omitempty"`
	Port                  int    `yaml:"mqtt_port,omitempty"`
	Username              string `yaml:"mqtt_username,omitempty"`
	Password              string `yaml:"mqtt_password,omitempty"`
	ConnectTimeoutSeconds int    `yaml:"mqtt_connect_timeout_seconds,omitempty"`
}

// Load reads the options file, applies defaults and validates the result
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated Config from raw options. JSON input (the
// supervisor's options.json) is accepted since it is valid YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfigPath returns the add-on options path
func DefaultConfigPath() string {
	return "/data/options.json"
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.UpdateIntervalSeconds == 0 {
		c.UpdateIntervalSeconds = DefaultUpdateInterval
	}
	if c.ExtendedUpdateIntervalSeconds == 0 {
		c.ExtendedUpdateIntervalSeconds = DefaultExtendedUpdateInterval
	}
	if c.DataInactivityThresholdSeconds == 0 {
		c.DataInactivityThresholdSeconds = DefaultDataInactivityThreshold
	}
	if c.InactivityEnabled == nil {
		enabled := true
		c.InactivityEnabled = &enabled
	}
	if c.InactivityStartTime == "" {
		c.InactivityStartTime = DefaultInactivityStart
	}
	if c.InactivityEndTime == "" {
		c.InactivityEndTime = DefaultInactivityEnd
	}
	if c.MQTT.ConnectTimeoutSeconds == 0 {
		c.MQTT.ConnectTimeoutSeconds = DefaultMQTTConnectTimeout
	}
	if c.StateBackend == "" {
		c.StateBackend = BackendFile
	}
	if c.StatePath == "" {
		if c.StateBackend == BackendSQLite {
			c.StatePath = DefaultStateDB
		} else {
			c.StatePath = DefaultStateFile
		}
	}
	if c.Headless == nil {
		headless := true
		c.Headless = &headless
	}
	if c.DebugDumpDir == "" {
		c.DebugDumpDir = DefaultDebugDumpDir
	}
}

// applyEnv fills in what the supervisor provides through the environment
// when the options leave it empty.
func (c *Config) applyEnv() {
	if c.Timezone == "" {
		if tz := os.Getenv("TZ"); tz != "" {
			if _, err := time.LoadLocation(tz); err == nil {
				c.Timezone = tz
			}
		}
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}

	if c.MQTT.Host == "" {
		c.MQTT.Host = os.Getenv("MQTT_BROKER")
		if c.MQTT.Port == 0 {
			if port, err := strconv.Atoi(os.Getenv("MQTT_PORT")); err == nil {
				c.MQTT.Port = port
			}
		}
		if c.MQTT.Username == "" {
			c.MQTT.Username = os.Getenv("MQTT_USERNAME")
		}
		if c.MQTT.Password == "" {
			c.MQTT.Password = os.Getenv("MQTT_PASSWORD")
		}
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = DefaultMQTTPort
	}
}

// Validate checks every option and fills the derived fields. All problems
// are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Username == "" || c.Password == "" {
		errs = append(errs, errors.New("saj_username and saj_password are required"))
	}

	if !isPortalURL(c.BaseURL) {
		errs = append(errs, fmt.Errorf("base_saj_url %q is not one of %s", c.BaseURL, strings.Join(PortalBaseURLs, ", ")))
	}

	devices, err := ParseMicroinverters(c.Microinverters)
	if err != nil {
		errs = append(errs, err)
	}
	c.Devices = devices

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	c.Location = loc

	if c.QuietStart, err = ParseClock(c.InactivityStartTime); err != nil {
		errs = append(errs, fmt.Errorf("inactivity_start_time: %w", err))
	}
	if c.QuietEnd, err = ParseClock(c.InactivityEndTime); err != nil {
		errs = append(errs, fmt.Errorf("inactivity_end_time: %w", err))
	}

	intervals := []struct {
		name  string
		value int
	}{
		{"update_interval_seconds", c.UpdateIntervalSeconds},
		{"extended_update_interval_seconds", c.ExtendedUpdateIntervalSeconds},
		{"data_inactivity_threshold_seconds", c.DataInactivityThresholdSeconds},
	}
	for _, iv := range intervals {
		if iv.value < MinIntervalSeconds {
			errs = append(errs, fmt.Errorf("%s must be at least %d, got %d", iv.name, MinIntervalSeconds, iv.value))
		}
	}

	if c.FetchTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("fetch_timeout_seconds must not be negative, got %d", c.FetchTimeoutSeconds))
	} else if c.FetchTimeoutSeconds >= c.UpdateIntervalSeconds {
		errs = append(errs, fmt.Errorf("fetch_timeout_seconds (%d) must be shorter than update_interval_seconds (%d)", c.FetchTimeoutSeconds, c.UpdateIntervalSeconds))
	}

	if c.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt_host is not configured and the supervisor provided no MQTT_BROKER"))
	}

	switch c.StateBackend {
	case BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("state_backend %q must be %q or %q", c.StateBackend, BackendFile, BackendSQLite))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func isPortalURL(u string) bool {
	for _, candidate := range PortalBaseURLs {
		if u == candidate {
			return true
		}
	}
	return false
}

// ParseMicroinverters parses "SERIAL:ALIAS,SERIAL:ALIAS" preserving order
func ParseMicroinverters(s string) ([]models.Device, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("microinverters is empty")
	}

	var devices []models.Device
	seen := make(map[string]bool)
	for i, pair := range strings.Split(s, ",") {
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("microinverters entry %d (%q) must be SERIAL:ALIAS", i+1, pair)
		}

		serial := parts[0]
		alias := strings.TrimSpace(parts[1])
		if serial == "" || strings.ContainsAny(serial, " \t\r\n") {
			return nil, fmt.Errorf("microinverters entry %d (%q) has an empty or malformed serial", i+1, pair)
		}
		if alias == "" {
			return nil, fmt.Errorf("microinverters entry %d (%q) has an empty alias", i+1, pair)
		}
		if seen[serial] {
			return nil, fmt.Errorf("microinverters serial %s is listed more than once", serial)
		}
		seen[serial] = true

		devices = append(devices, models.Device{Serial: serial, Alias: alias})
	}
	return devices, nil
}

// QuietHoursEnabled reports whether the inactivity window applies
func (c *Config) QuietHoursEnabled() bool {
	return c.InactivityEnabled != nil && *c.InactivityEnabled
}

// IsHeadless reports whether the browser runs without a window
func (c *Config) IsHeadless() bool {
	return c.Headless == nil || *c.Headless
}

// UpdateInterval returns the normal polling interval
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

// ExtendedUpdateInterval returns the interval used while data is stale
func (c *Config) ExtendedUpdateInterval() time.Duration {
	return time.Duration(c.ExtendedUpdateIntervalSeconds) * time.Second
}

// DataInactivityThreshold returns how long without new data before slowing down
func (c *Config) DataInactivityThreshold() time.Duration {
	return time.Duration(c.DataInactivityThresholdSeconds) * time.Second
}

// FetchTimeout returns the bound on one full fetch. When not configured it
// is three quarters of the shortest polling interval.
func (c *Config) FetchTimeout() time.Duration {
	if c.FetchTimeoutSeconds > 0 {
		return time.Duration(c.FetchTimeoutSeconds) * time.Second
	}
	shortest := c.UpdateIntervalSeconds
	if c.ExtendedUpdateIntervalSeconds < shortest {
		shortest = c.ExtendedUpdateIntervalSeconds
	}
	return time.Duration(shortest) * time.Second * 3 / 4
}

// MQTTConnectTimeout returns the broker connect timeout
func (c *Config) MQTTConnectTimeout() time.Duration {
	return c.MQTT.ConnectTimeout()
}

// ConnectTimeout returns mqtt_connect_timeout_seconds, or the default when
// unset
func (m MQTTConfig) ConnectTimeout() time.Duration {
	if m.ConnectTimeoutSeconds <= 0 {
		return DefaultMQTTConnectTimeout * time.Second
	}
	return time.Duration(m.ConnectTimeoutSeconds) * time.Second
}

// BrokerURL returns the paho broker address
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// PortalURLs are the pages the scraper navigates
type PortalURLs struct {
	Login     string
	Dashboard string
	dataBase  string
}

// PortalURLs derives the portal pages from base_saj_url
func (c *Config) PortalURLs() PortalURLs {
	return PortalURLs{
		Login:     c.BaseURL + "/login",
		Dashboard: c.BaseURL + "/index",
		dataBase:  c.BaseURL + "/monitor/data-show-tab?deviceSn=",
	}
}

// DeviceData returns the data page of one microinverter
func (u PortalURLs) DeviceData(serial string) string {
	return u.dataBase + serial
}

// DataPrefix is the part of every device data URL before the serial
func (u PortalURLs) DataPrefix() string {
	return u.dataBase
}
