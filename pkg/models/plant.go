package models

import (
	"math"
	"time"
)

// PlantTotals is the fleet-level rollup of one poll cycle. A nil sum means
// no reporting device had that field.
type PlantTotals struct {
	Power            *float64  `json:"power,omitempty"`
	EnergyToday      *float64  `json:"energy_today,omitempty"`
	EnergyThisMonth  *float64  `json:"energy_this_month,omitempty"`
	EnergyThisYear   *float64  `json:"energy_this_year,omitempty"`
	EnergyTotal      *float64  `json:"energy_total,omitempty"`
	PanelPower       *float64  `json:"panel_power,omitempty"`
	UpdateTime       time.Time `json:"update_time"`
	DevicesReporting int       `json:"devices_reporting"`
}

// Aggregate sums the readings of a batch. Absent fields contribute nothing.
func Aggregate(readings []Reading) PlantTotals {
	var t PlantTotals
	for _, r := range readings {
		t.DevicesReporting++
		t.Power = add(t.Power, r.Power)
		t.EnergyToday = add(t.EnergyToday, r.EnergyToday)
		t.EnergyThisMonth = add(t.EnergyThisMonth, r.EnergyThisMonth)
		t.EnergyThisYear = add(t.EnergyThisYear, r.EnergyThisYear)
		t.EnergyTotal = add(t.EnergyTotal, r.EnergyTotal)
		if p, ok := r.PanelPower(); ok {
			t.PanelPower = add(t.PanelPower, &p)
		}
		if r.UpdateTime.After(t.UpdateTime) {
			t.UpdateTime = r.UpdateTime
		}
	}

	for _, v := range []*float64{t.Power, t.EnergyToday, t.EnergyThisMonth, t.EnergyThisYear, t.EnergyTotal, t.PanelPower} {
		if v != nil {
			*v = round2(*v)
		}
	}
	return t
}

// add returns sum+v, treating a nil v as absent
func add(sum, v *float64) *float64 {
	if v == nil {
		return sum
	}
	total := *v
	if sum != nil {
		total += *sum
	}
	return &total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
