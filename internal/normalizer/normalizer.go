package normalizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jgoulah/sajscraper/pkg/models"
)

// ErrUnknownDevice is returned for a record whose serial is not configured
var ErrUnknownDevice = errors.New("unknown device serial")

// timestampLayouts are the formats the portal has been seen to render
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
}

// ParseError reports a record that could not be turned into a Reading
type ParseError struct {
	Serial string
	Reason string
	Fields []string // fields that failed to parse
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parsing record for %s: %s", e.Serial, e.Reason)
	if len(e.Fields) > 0 {
		msg += " (bad fields: " + strings.Join(e.Fields, ", ") + ")"
	}
	return msg
}

// Normalizer converts raw portal rows into Readings
type Normalizer struct {
	aliases map[string]string
	loc     *time.Location
}

// New creates a normalizer for the configured devices. Naive portal
// timestamps are interpreted in loc.
func New(devices []models.Device, loc *time.Location) *Normalizer {
	aliases := make(map[string]string, len(devices))
	for _, d := range devices {
		aliases[d.Serial] = d.Alias
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{aliases: aliases, loc: loc}
}

// Normalize validates one raw record. Individual numeric fields that fail to
// parse are left nil; a ParseError is returned only when the timestamp is
// unusable or no measurement survives.
func (n *Normalizer) Normalize(raw models.RawRecord) (models.Reading, error) {
	alias, ok := n.aliases[raw.Serial]
	if !ok {
		return models.Reading{}, fmt.Errorf("%w: %s", ErrUnknownDevice, raw.Serial)
	}

	updated, err := ParseTimestamp(raw.UpdateTime, n.loc)
	if err != nil {
		return models.Reading{}, &ParseError{Serial: raw.Serial, Reason: fmt.Sprintf("update time %q: %v", raw.UpdateTime, err)}
	}

	r := models.Reading{
		Serial:     raw.Serial,
		Alias:      alias,
		UpdateTime: updated,
	}
	if raw.ServerTime != "" {
		// The portal renders server time in UTC
		if st, err := ParseTimestamp(raw.ServerTime, time.UTC); err == nil {
			r.ServerTime = &st
		}
	}

	var bad []string
	field := func(name string) *float64 {
		s, ok := raw.Fields[name]
		if !ok {
			return nil
		}
		v, present, err := parseNumber(s)
		if err != nil {
			bad = append(bad, name)
			return nil
		}
		if !present {
			return nil
		}
		return &v
	}

	r.Power = field(models.FieldPower)
	r.EnergyToday = field(models.FieldEnergyToday)
	r.EnergyThisMonth = field(models.FieldEnergyThisMonth)
	r.EnergyThisYear = field(models.FieldEnergyThisYear)
	r.EnergyTotal = field(models.FieldEnergyTotal)
	r.Voltage = field(models.FieldVoltage)
	r.Current = field(models.FieldCurrent)
	r.Frequency = field(models.FieldFrequency)
	r.SignalStrength = field(models.FieldSignalStrength)

	for _, p := range raw.Panels {
		r.Panels = append(r.Panels, models.Panel{
			Channel: p.Channel,
			Voltage: panelValue(p.Voltage),
			Current: panelValue(p.Current),
			Power:   panelValue(p.Power),
		})
	}

	if !hasMeasurement(r) {
		return models.Reading{}, &ParseError{Serial: raw.Serial, Reason: "no usable field", Fields: bad}
	}
	return r, nil
}

// NormalizeAll normalizes a batch, collecting one error per failed record
func (n *Normalizer) NormalizeAll(raws []models.RawRecord) ([]models.Reading, []error) {
	var readings []models.Reading
	var errs []error
	for _, raw := range raws {
		r, err := n.Normalize(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		readings = append(readings, r)
	}
	return readings, errs
}

// ParseTimestamp parses a naive portal timestamp in loc and returns it in UTC
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

func panelValue(s string) *float64 {
	v, present, err := parseNumber(s)
	if err != nil || !present {
		return nil
	}
	return &v
}

func hasMeasurement(r models.Reading) bool {
	for _, v := range []*float64{
		r.Power, r.EnergyToday, r.EnergyThisMonth, r.EnergyThisYear, r.EnergyTotal,
		r.Voltage, r.Current, r.Frequency, r.SignalStrength,
	} {
		if v != nil {
			return true
		}
	}
	for _, p := range r.Panels {
		if p.Power != nil || p.Voltage != nil || p.Current != nil {
			return true
		}
	}
	return false
}

// parseNumber reads a portal number. present is false for placeholders such
// as "--" or an empty cell. Unit suffixes ("245.3 W", "-61dBm") are ignored.
//
// Separators: with both ',' and '.', the last one is the decimal separator;
// a single ',' alone is a decimal comma; repeated ',' alone are thousands.
func parseNumber(s string) (value float64, present bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Trim(s, "-") == "" {
		return 0, false, nil
	}

	end := 0
	for end < len(s) && strings.IndexByte("+-0123456789.,", s[end]) >= 0 {
		end++
	}
	num := s[:end]
	if num == "" {
		return 0, false, fmt.Errorf("not a number: %q", s)
	}

	commas := strings.Count(num, ",")
	lastComma := strings.LastIndex(num, ",")
	lastDot := strings.LastIndex(num, ".")
	switch {
	case commas > 0 && lastDot >= 0 && lastComma > lastDot:
		// 1.234,5
		num = strings.ReplaceAll(num, ".", "")
		num = strings.Replace(num, ",", ".", 1)
	case commas > 0 && lastDot >= 0:
		// 1,234.5
		num = strings.ReplaceAll(num, ",", "")
	case commas == 1:
		num = strings.Replace(num, ",", ".", 1)
	case commas > 1:
		num = strings.ReplaceAll(num, ",", "")
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false, fmt.Errorf("not a number: %q", s)
	}
	return v, true, nil
}
