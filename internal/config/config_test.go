package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoulah/sajscraper/pkg/models"
)

const validOptions = `{
  "saj_username": "user@example.com",
  "saj_password": "secret",
  "microinverters": "A1B2C3:Roof East,D4E5F6:Garage",
  "timezone": "America/Sao_Paulo",
  "mqtt_host": "core-mosquitto"
}`

func TestLoad_DefaultValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, os.WriteFile(path, []byte(validOptions), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 240*time.Second, cfg.UpdateInterval())
	assert.Equal(t, time.Hour, cfg.ExtendedUpdateInterval())
	assert.Equal(t, 30*time.Minute, cfg.DataInactivityThreshold())
	assert.Equal(t, 180*time.Second, cfg.FetchTimeout())
	assert.True(t, cfg.QuietHoursEnabled())
	assert.True(t, cfg.IsHeadless())
	assert.Equal(t, Clock{Hour: 21}, cfg.QuietStart)
	assert.Equal(t, Clock{Hour: 5, Minute: 30}, cfg.QuietEnd)
	assert.Equal(t, "America/Sao_Paulo", cfg.Location.String())
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "tcp://core-mosquitto:1883", cfg.MQTT.BrokerURL())
	assert.Equal(t, BackendFile, cfg.StateBackend)
	assert.Equal(t, DefaultStateFile, cfg.StatePath)
	assert.Equal(t, []models.Device{
		{Serial: "A1B2C3", Alias: "Roof East"},
		{Serial: "D4E5F6", Alias: "Garage"},
	}, cfg.Devices)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestParse_YAMLConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
saj_username: user
saj_password: pass
base_saj_url: https://eop.saj-electric.com/
microinverters: "SN1:One"
mqtt_host: broker.local
mqtt_port: 8883
state_backend: sqlite
inactivity_enabled: false
update_interval_seconds: 120
fetch_timeout_seconds: 90
`))
	require.NoError(t, err)

	assert.Equal(t, "https://eop.saj-electric.com", cfg.BaseURL)
	assert.Equal(t, DefaultStateDB, cfg.StatePath)
	assert.False(t, cfg.QuietHoursEnabled())
	assert.Equal(t, 90*time.Second, cfg.FetchTimeout())
	assert.Equal(t, "tcp://broker.local:8883", cfg.MQTT.BrokerURL())
}

func TestParse_SupervisorMQTTEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "core-mosquitto")
	t.Setenv("MQTT_PORT", "1884")
	t.Setenv("MQTT_USERNAME", "addons")
	t.Setenv("MQTT_PASSWORD", "pw")
	t.Setenv("TZ", "Europe/Lisbon")

	cfg, err := Parse([]byte(`{"saj_username":"u","saj_password":"p","microinverters":"SN1:One"}`))
	require.NoError(t, err)

	assert.Equal(t, "core-mosquitto", cfg.MQTT.Host)
	assert.Equal(t, 1884, cfg.MQTT.Port)
	assert.Equal(t, "addons", cfg.MQTT.Username)
	assert.Equal(t, "pw", cfg.MQTT.Password)
	assert.Equal(t, "Europe/Lisbon", cfg.Location.String())
}

func TestParse_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		options string
		want    string
	}{
		{"sub-minimum interval", `update_interval_seconds: 30`, "update_interval_seconds must be at least 60"},
		{"sub-minimum extended interval", `extended_update_interval_seconds: 59`, "extended_update_interval_seconds must be at least 60"},
		{"sub-minimum threshold", `data_inactivity_threshold_seconds: 10`, "data_inactivity_threshold_seconds must be at least 60"},
		{"unknown portal", `base_saj_url: https://example.com`, "base_saj_url"},
		{"bad timezone", `timezone: Mars/Olympus`, "timezone"},
		{"bad clock", `inactivity_start_time: "25:00"`, "inactivity_start_time"},
		{"fetch timeout too long", `fetch_timeout_seconds: 240`, "fetch_timeout_seconds"},
		{"bad backend", `state_backend: redis`, "state_backend"},
	}

	base := "saj_username: u\nsaj_password: p\nmicroinverters: \"SN1:One\"\nmqtt_host: h\n"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(base + tt.options))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_ReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte(`update_interval_seconds: 10`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "saj_username")
	assert.Contains(t, err.Error(), "microinverters")
	assert.Contains(t, err.Error(), "update_interval_seconds")
}

func TestParseMicroinverters(t *testing.T) {
	devices, err := ParseMicroinverters("SN1:One,SN2:Two,SN3:Three")
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "SN3", devices[2].Serial)
	assert.Equal(t, "Three", devices[2].Alias)

	bad := []string{
		"",
		"SN1",
		"SN1:One:Extra",
		"SN1:",
		":One",
		"SN1:One, SN2:Two",
		"SN1:One,SN1:Again",
	}
	for _, s := range bad {
		_, err := ParseMicroinverters(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("05:30")
	require.NoError(t, err)
	assert.Equal(t, 330, c.Minutes())
	assert.Equal(t, "05:30", c.String())

	for _, s := range []string{"5:3", "24:00", "12:60", "noon"} {
		_, err := ParseClock(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestPortalURLs(t *testing.T) {
	cfg := &Config{BaseURL: "https://op.saj-electric.cn"}
	urls := cfg.PortalURLs()
	assert.Equal(t, "https://op.saj-electric.cn/login", urls.Login)
	assert.Equal(t, "https://op.saj-electric.cn/index", urls.Dashboard)
	assert.Equal(t, "https://op.saj-electric.cn/monitor/data-show-tab?deviceSn=SN1", urls.DeviceData("SN1"))
}

func TestMQTTConnectTimeout(t *testing.T) {
	cfg, err := Parse([]byte(`{"saj_username":"u","saj_password":"p","microinverters":"SN1:One","mqtt_host":"localhost","mqtt_connect_timeout_seconds":3}`))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.MQTTConnectTimeout())

	assert.Equal(t, DefaultMQTTConnectTimeout*time.Second, MQTTConfig{}.ConnectTimeout())
}
