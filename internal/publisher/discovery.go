package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/sajscraper/pkg/models"
)

const (
	plantID       = "plant"
	plantDeviceID = BaseTopic + "_plant_aggregator"
	plantName     = "SAJ Plant"
)

// Metric names, also the last segment of every state topic
const (
	MetricPower            = "power"
	MetricEnergyToday      = "energy_today"
	MetricEnergyThisMonth  = "energy_this_month"
	MetricEnergyThisYear   = "energy_this_year"
	MetricEnergyTotal      = "energy_total"
	MetricVoltage          = "voltage"
	MetricCurrent          = "current"
	MetricFrequency        = "frequency"
	MetricSignalStrength   = "signal_strength"
	MetricUpdateTime       = "update_time"
	MetricServerTime       = "server_time"
	MetricPeakPowerToday   = "peak_power_today"
	MetricPanelPower       = "panel_power"
	MetricDevicesReporting = "devices_reporting"
)

// Per-channel panel metrics, prefixed with the channel (pv1_panel_power)
const (
	panelPower   = "panel_power"
	panelVoltage = "panel_voltage"
	panelCurrent = "panel_current"
)

// maxPanelChannels bounds the channels ClearDiscovery removes without
// having seen them
const maxPanelChannels = 4

type entity struct {
	metric      string
	name        string
	unit        string
	deviceClass string
	stateClass  string
	icon        string
}

var (
	power     = entity{metric: MetricPower, name: "Power", unit: "W", deviceClass: "power", stateClass: "measurement"}
	peakPower = entity{metric: MetricPeakPowerToday, name: "Peak Power Today", unit: "W", deviceClass: "power", stateClass: "measurement", icon: "mdi:weather-sunny-alert"}
	updated   = entity{metric: MetricUpdateTime, name: "Update Time", deviceClass: "timestamp"}

	energy = []entity{
		{metric: MetricEnergyToday, name: "Energy Today", unit: "kWh", deviceClass: "energy", stateClass: "total_increasing"},
		{metric: MetricEnergyThisMonth, name: "Energy This Month", unit: "kWh", deviceClass: "energy", stateClass: "total_increasing"},
		{metric: MetricEnergyThisYear, name: "Energy This Year", unit: "kWh", deviceClass: "energy", stateClass: "total_increasing"},
		{metric: MetricEnergyTotal, name: "Energy Total", unit: "kWh", deviceClass: "energy", stateClass: "total_increasing"},
	}
)

// deviceEntities are the sensors of one microinverter
var deviceEntities = append(append([]entity{power}, energy...),
	entity{metric: MetricVoltage, name: "Voltage", unit: "V", deviceClass: "voltage", stateClass: "measurement"},
	entity{metric: MetricCurrent, name: "Current", unit: "A", deviceClass: "current", stateClass: "measurement"},
	entity{metric: MetricFrequency, name: "Frequency", unit: "Hz", deviceClass: "frequency", stateClass: "measurement"},
	entity{metric: MetricSignalStrength, name: "Signal Strength", unit: "dBm", deviceClass: "signal_strength", stateClass: "measurement"},
	updated,
	entity{metric: MetricServerTime, name: "Server Time", deviceClass: "timestamp"},
	peakPower,
)

// plantEntities are the sensors of the aggregated plant device
var plantEntities = append(append([]entity{power}, energy...),
	entity{metric: MetricPanelPower, name: "Panel Power", unit: "W", deviceClass: "power", stateClass: "measurement"},
	updated,
	peakPower,
	entity{metric: MetricDevicesReporting, name: "Devices Reporting", stateClass: "measurement", icon: "mdi:solar-panel"},
)

// PanelMetric returns the metric name of one panel value, e.g. pv1_panel_power
func PanelMetric(channel, kind string) string {
	ch := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, channel)
	return ch + "_" + kind
}

func panelEntities(channel string) []entity {
	label := strings.ToUpper(channel)
	return []entity{
		{metric: PanelMetric(channel, panelPower), name: label + " Panel Power", unit: "W", deviceClass: "power", stateClass: "measurement"},
		{metric: PanelMetric(channel, panelVoltage), name: label + " Panel Voltage", unit: "V", deviceClass: "voltage", stateClass: "measurement"},
		{metric: PanelMetric(channel, panelCurrent), name: label + " Panel Current", unit: "A", deviceClass: "current", stateClass: "measurement"},
	}
}

// DiscoveryConfig is a Home Assistant MQTT sensor discovery payload
type DiscoveryConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available"`
	PayloadNotAvailable string     `json:"payload_not_available"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	Device              DeviceInfo `json:"device"`
}

// DeviceInfo groups entities into a Home Assistant device
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// UniqueID returns the entity id for a device metric
func UniqueID(serial, metric string) string {
	return fmt.Sprintf("saj_%s_%s", serial, metric)
}

// DiscoveryTopic returns the config topic for a device metric
func DiscoveryTopic(serial, metric string) string {
	return fmt.Sprintf("%s/sensor/%s/config", DiscoveryPrefix, UniqueID(serial, metric))
}

// StateTopic returns the state topic for a device metric
func StateTopic(serial, metric string) string {
	return fmt.Sprintf("%s/%s/%s", BaseTopic, serial, metric)
}

func (p *Publisher) plantDevice() DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{plantDeviceID},
		Name:         plantName,
		Manufacturer: "SAJ",
		Model:        "Aggregated Plant Data",
		SWVersion:    p.version,
	}
}

func (p *Publisher) microinverter(d models.Device) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{BaseTopic + "_" + d.Serial},
		Name:         d.Alias,
		Manufacturer: "SAJ",
		Model:        "Microinverter",
		SWVersion:    p.version,
		SerialNumber: d.Serial,
		ViaDevice:    plantDeviceID,
	}
}

func discoveryConfig(id string, e entity, dev DeviceInfo) DiscoveryConfig {
	return DiscoveryConfig{
		Name:                e.name,
		UniqueID:            UniqueID(id, e.metric),
		ObjectID:            UniqueID(id, e.metric),
		StateTopic:          StateTopic(id, e.metric),
		AvailabilityTopic:   AvailabilityTopic,
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
		UnitOfMeasurement:   e.unit,
		DeviceClass:         e.deviceClass,
		StateClass:          e.stateClass,
		Icon:                e.icon,
		Device:              dev,
	}
}

// PublishDiscovery announces every sensor of one microinverter. Payloads are
// retained and deterministic, so repeating this is harmless.
func (p *Publisher) PublishDiscovery(d models.Device) error {
	return p.announce(d.Serial, deviceEntities, p.microinverter(d))
}

// PublishPanelDiscovery announces the panel sensors of the given channels of
// one microinverter
func (p *Publisher) PublishPanelDiscovery(d models.Device, channels []string) error {
	var entities []entity
	for _, ch := range channels {
		entities = append(entities, panelEntities(ch)...)
	}
	return p.announce(d.Serial, entities, p.microinverter(d))
}

// PublishPlantDiscovery announces the aggregated plant sensors
func (p *Publisher) PublishPlantDiscovery() error {
	return p.announce(plantID, plantEntities, p.plantDevice())
}

func (p *Publisher) announce(id string, entities []entity, dev DeviceInfo) error {
	var errs []error
	for _, e := range entities {
		payload, err := json.Marshal(discoveryConfig(id, e, dev))
		if err != nil {
			return fmt.Errorf("encoding discovery for %s: %w", e.metric, err)
		}
		if err := p.publish(DiscoveryTopic(id, e.metric), payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		p.log.Debug("published discovery", zap.String("device", id), zap.Int("entities", len(entities)))
	}
	return errors.Join(errs...)
}

// ClearDiscovery removes the entities of the given devices and the plant by
// publishing empty retained configs
func (p *Publisher) ClearDiscovery(devices []models.Device) error {
	var errs []error
	remove := func(id string, entities []entity) {
		for _, e := range entities {
			if err := p.publish(DiscoveryTopic(id, e.metric), nil); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, d := range devices {
		remove(d.Serial, deviceEntities)
		for i := 1; i <= maxPanelChannels; i++ {
			remove(d.Serial, panelEntities(fmt.Sprintf("PV%d", i)))
		}
	}
	remove(plantID, plantEntities)
	return errors.Join(errs...)
}

// measurement is an optional value bound for one state topic
type measurement struct {
	metric string
	value  *float64
}

// PublishState publishes the present fields of one reading. Absent fields
// are skipped so the retained value stays last-known-good.
func (p *Publisher) PublishState(r models.Reading, peakToday float64) error {
	values := []measurement{
		{MetricPower, r.Power},
		{MetricEnergyToday, r.EnergyToday},
		{MetricEnergyThisMonth, r.EnergyThisMonth},
		{MetricEnergyThisYear, r.EnergyThisYear},
		{MetricEnergyTotal, r.EnergyTotal},
		{MetricVoltage, r.Voltage},
		{MetricCurrent, r.Current},
		{MetricFrequency, r.Frequency},
		{MetricSignalStrength, r.SignalStrength},
	}
	for _, panel := range r.Panels {
		values = append(values,
			measurement{PanelMetric(panel.Channel, panelPower), panel.Power},
			measurement{PanelMetric(panel.Channel, panelVoltage), panel.Voltage},
			measurement{PanelMetric(panel.Channel, panelCurrent), panel.Current},
		)
	}

	var errs []error
	send := func(metric, payload string) {
		if err := p.publish(StateTopic(r.Serial, metric), []byte(payload)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, v := range values {
		if v.value != nil {
			send(v.metric, formatFloat(*v.value))
		}
	}
	send(MetricUpdateTime, formatTime(r.UpdateTime))
	if r.ServerTime != nil {
		send(MetricServerTime, formatTime(*r.ServerTime))
	}
	send(MetricPeakPowerToday, formatFloat(peakToday))

	return errors.Join(errs...)
}

// PublishPlant publishes the fleet rollup. Sums no device reported are
// skipped, like absent device fields.
func (p *Publisher) PublishPlant(t models.PlantTotals, peakToday float64) error {
	var errs []error
	send := func(metric, payload string) {
		if err := p.publish(StateTopic(plantID, metric), []byte(payload)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, v := range []measurement{
		{MetricPower, t.Power},
		{MetricEnergyToday, t.EnergyToday},
		{MetricEnergyThisMonth, t.EnergyThisMonth},
		{MetricEnergyThisYear, t.EnergyThisYear},
		{MetricEnergyTotal, t.EnergyTotal},
		{MetricPanelPower, t.PanelPower},
	} {
		if v.value != nil {
			send(v.metric, formatFloat(*v.value))
		}
	}
	if !t.UpdateTime.IsZero() {
		send(MetricUpdateTime, formatTime(t.UpdateTime))
	}
	send(MetricPeakPowerToday, formatFloat(peakToday))
	send(MetricDevicesReporting, strconv.Itoa(t.DevicesReporting))

	return errors.Join(errs...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
