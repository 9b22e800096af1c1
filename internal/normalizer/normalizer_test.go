package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoulah/sajscraper/pkg/models"
)

func saoPaulo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	return loc
}

func TestParseTimestamp_ConfiguredZone(t *testing.T) {
	got, err := ParseTimestamp("2024-06-01 12:00:00", saoPaulo(t))
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T15:00:00Z", got.Format(time.RFC3339))
	assert.Equal(t, time.UTC, got.Location())
}

func TestParseTimestamp_Layouts(t *testing.T) {
	want := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, s := range []string{"2024-06-01 12:00:00", "2024-06-01 12:00", "2024/06/01 12:00:00", " 2024-06-01 12:00:00 "} {
		got, err := ParseTimestamp(s, time.UTC)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
	}

	_, err := ParseTimestamp("01.06.2024", time.UTC)
	assert.Error(t, err)
	_, err = ParseTimestamp("", time.UTC)
	assert.Error(t, err)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		present bool
		wantErr bool
	}{
		{in: "245.3", want: 245.3, present: true},
		{in: "220,5", want: 220.5, present: true},
		{in: "1,234.5", want: 1234.5, present: true},
		{in: "1.234,5", want: 1234.5, present: true},
		{in: "1,234,567", want: 1234567, present: true},
		{in: "245.3 W", want: 245.3, present: true},
		{in: "-61dBm", want: -61, present: true},
		{in: "0", want: 0, present: true},
		{in: "", present: false},
		{in: "--", present: false},
		{in: "-", present: false},
		{in: "N/A", wantErr: true},
		{in: "1.2.3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, present, err := parseNumber(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.present, present)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func testRecord() models.RawRecord {
	return models.RawRecord{
		Serial:     "A1",
		UpdateTime: "2024-06-01 12:00:00",
		ServerTime: "2024-06-01 15:00:04",
		Fields: map[string]string{
			models.FieldPower:       "245,3",
			models.FieldEnergyToday: "1.84",
			models.FieldEnergyTotal: "1,234.5",
			models.FieldVoltage:     "--",
			models.FieldFrequency:   "garbage",
		},
		Panels: []models.RawPanel{
			{Channel: "PV1", Voltage: "31.2", Current: "4.1", Power: "128"},
			{Channel: "PV2", Voltage: "", Current: "", Power: "117.3"},
		},
	}
}

func TestNormalize(t *testing.T) {
	n := New([]models.Device{{Serial: "A1", Alias: "Roof"}}, saoPaulo(t))

	r, err := n.Normalize(testRecord())
	require.NoError(t, err)

	assert.Equal(t, "Roof", r.Alias)
	assert.Equal(t, time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC), r.UpdateTime)
	require.NotNil(t, r.ServerTime)
	assert.Equal(t, time.Date(2024, 6, 1, 15, 0, 4, 0, time.UTC), *r.ServerTime)

	require.NotNil(t, r.Power)
	assert.InDelta(t, 245.3, *r.Power, 1e-9)
	require.NotNil(t, r.EnergyTotal)
	assert.InDelta(t, 1234.5, *r.EnergyTotal, 1e-9)
	assert.Nil(t, r.Voltage, "placeholder is absent")
	assert.Nil(t, r.Frequency, "bad field is absent")
	assert.Nil(t, r.EnergyThisMonth, "missing column is absent")

	require.Len(t, r.Panels, 2)
	assert.Nil(t, r.Panels[1].Voltage)
	sum, ok := r.PanelPower()
	assert.True(t, ok)
	assert.InDelta(t, 245.3, sum, 1e-9)
}

func TestNormalize_UnknownDevice(t *testing.T) {
	n := New(nil, time.UTC)
	_, err := n.Normalize(testRecord())
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestNormalize_BadTimestamp(t *testing.T) {
	n := New([]models.Device{{Serial: "A1", Alias: "Roof"}}, time.UTC)
	raw := testRecord()
	raw.UpdateTime = "yesterday"

	_, err := n.Normalize(raw)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "A1", perr.Serial)
}

func TestNormalize_NoUsableField(t *testing.T) {
	n := New([]models.Device{{Serial: "A1", Alias: "Roof"}}, time.UTC)
	raw := models.RawRecord{
		Serial:     "A1",
		UpdateTime: "2024-06-01 12:00:00",
		Fields:     map[string]string{models.FieldPower: "x", models.FieldID: "9"},
	}

	_, err := n.Normalize(raw)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{models.FieldPower}, perr.Fields)
}

func TestNormalizeAll_ContinuesPastFailures(t *testing.T) {
	n := New([]models.Device{{Serial: "A1", Alias: "Roof"}, {Serial: "B2", Alias: "Garage"}}, time.UTC)
	good := testRecord()
	other := testRecord()
	other.Serial = "B2"
	unknown := testRecord()
	unknown.Serial = "ZZ"

	readings, errs := n.NormalizeAll([]models.RawRecord{good, unknown, other})
	require.Len(t, readings, 2)
	assert.Equal(t, "A1", readings[0].Serial)
	assert.Equal(t, "B2", readings[1].Serial)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnknownDevice)
}
