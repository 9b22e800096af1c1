package models

import "time"

// Device is a configured microinverter
type Device struct {
	Serial string `json:"serial"`
	Alias  string `json:"alias"`
}

// RawRecord is one row scraped from a device's data table. Values are kept
// exactly as the portal rendered them.
type RawRecord struct {
	Serial     string            `json:"serial"`
	UpdateTime string            `json:"update_time"` // naive, portal timezone
	ServerTime string            `json:"server_time"` // naive, UTC
	Fields     map[string]string `json:"fields"`      // column name -> cell text
	Panels     []RawPanel        `json:"panels,omitempty"`
}

// RawPanel holds the per-channel panel cells of a row
type RawPanel struct {
	Channel string `json:"channel"`
	Voltage string `json:"voltage"`
	Current string `json:"current"`
	Power   string `json:"power"`
}

// Portal column names shared by the scraper and the normalizer
const (
	FieldID              = "ID"
	FieldPhase           = "Phase"
	FieldVoltage         = "Voltage"
	FieldCurrent         = "Current"
	FieldFrequency       = "Frequency"
	FieldPower           = "Power"
	FieldEnergyToday     = "Energy_Today"
	FieldEnergyThisMonth = "Energy_This_Month"
	FieldEnergyThisYear  = "Energy_This_Year"
	FieldEnergyTotal     = "Energy_Total"
	FieldSignalStrength  = "Strength_Signal"
)

// Reading is a validated snapshot of one device. Nil pointers mean the portal
// value was missing or unparsable.
type Reading struct {
	Serial          string     `json:"serial"`
	Alias           string     `json:"alias"`
	UpdateTime      time.Time  `json:"update_time"` // UTC
	ServerTime      *time.Time `json:"server_time,omitempty"`
	Power           *float64   `json:"power,omitempty"`
	EnergyToday     *float64   `json:"energy_today,omitempty"`
	EnergyThisMonth *float64   `json:"energy_this_month,omitempty"`
	EnergyThisYear  *float64   `json:"energy_this_year,omitempty"`
	EnergyTotal     *float64   `json:"energy_total,omitempty"`
	Voltage         *float64   `json:"voltage,omitempty"`
	Current         *float64   `json:"current,omitempty"`
	Frequency       *float64   `json:"frequency,omitempty"`
	SignalStrength  *float64   `json:"signal_strength,omitempty"`
	Panels          []Panel    `json:"panels,omitempty"`
}

// Panel is one PV input channel of a microinverter
type Panel struct {
	Channel string   `json:"channel"`
	Voltage *float64 `json:"voltage,omitempty"`
	Current *float64 `json:"current,omitempty"`
	Power   *float64 `json:"power,omitempty"`
}

// PanelPower returns the summed power of all channels that reported one
func (r Reading) PanelPower() (float64, bool) {
	var sum float64
	var ok bool
	for _, p := range r.Panels {
		if p.Power != nil {
			sum += *p.Power
			ok = true
		}
	}
	return sum, ok
}
