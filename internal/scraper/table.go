package scraper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jgoulah/sajscraper/pkg/models"
)

// Column positions in the portal's device data table
const (
	colID           = 0
	colUpdateTime   = 1
	colPanelChannel = 3
	colPanelVoltage = 4
	colPanelCurrent = 5
	colPanelPower   = 6
	colServerTime   = 17
)

// valueColumns are copied into RawRecord.Fields as rendered
var valueColumns = []struct {
	name  string
	index int
}{
	{models.FieldID, colID},
	{models.FieldPhase, 8},
	{models.FieldVoltage, 9},
	{models.FieldCurrent, 10},
	{models.FieldFrequency, 11},
	{models.FieldPower, 12},
	{models.FieldEnergyToday, 13},
	{models.FieldEnergyThisMonth, 14},
	{models.FieldEnergyThisYear, 15},
	{models.FieldEnergyTotal, 16},
	{models.FieldSignalStrength, 18},
}

// ErrNoRows is returned when the data table has no body rows
var ErrNoRows = errors.New("data table has no rows")

// ParseDataTable extracts the newest (first) row of a device data table.
// html must contain the table element, e.g., the outer HTML of
// .el-table__body-wrapper.
func ParseDataTable(html string, serial string) (models.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.RawRecord{}, fmt.Errorf("parsing data table: %w", err)
	}

	row := doc.Find("tbody tr").First()
	if row.Length() == 0 {
		return models.RawRecord{}, ErrNoRows
	}

	cells := row.Find("td")
	cell := func(index int) (*goquery.Selection, bool) {
		if index >= cells.Length() {
			return nil, false
		}
		return cells.Eq(index), true
	}
	text := func(index int) string {
		if s, ok := cell(index); ok {
			return strings.Join(cellLines(s), " ")
		}
		return ""
	}

	record := models.RawRecord{
		Serial:     serial,
		UpdateTime: text(colUpdateTime),
		ServerTime: text(colServerTime),
		Fields:     make(map[string]string),
	}

	for _, col := range valueColumns {
		if _, ok := cell(col.index); !ok {
			continue
		}
		record.Fields[col.name] = text(col.index)
	}

	record.Panels = parsePanels(cell)
	return record, nil
}

// parsePanels splits the multi-line panel cells into one entry per channel.
// A column whose line count does not match the channel count is dropped.
func parsePanels(cell func(int) (*goquery.Selection, bool)) []models.RawPanel {
	lines := func(index int) []string {
		if s, ok := cell(index); ok {
			return cellLines(s)
		}
		return nil
	}

	channels := lines(colPanelChannel)
	if len(channels) == 0 {
		return nil
	}
	column := func(index int) []string {
		values := lines(index)
		if len(values) != len(channels) {
			return nil
		}
		return values
	}
	voltages := column(colPanelVoltage)
	currents := column(colPanelCurrent)
	powers := column(colPanelPower)

	panels := make([]models.RawPanel, 0, len(channels))
	for i, ch := range channels {
		p := models.RawPanel{Channel: strings.ToUpper(ch)}
		if voltages != nil {
			p.Voltage = voltages[i]
		}
		if currents != nil {
			p.Current = currents[i]
		}
		if powers != nil {
			p.Power = powers[i]
		}
		panels = append(panels, p)
	}
	return panels
}

// cellLines returns the non-empty text nodes of a cell in document order, so
// values stacked with <br>, <p> or <div> come back one per line.
func cellLines(s *goquery.Selection) []string {
	var lines []string
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			for _, part := range strings.Split(c.Text(), "\n") {
				if t := strings.TrimSpace(part); t != "" {
					lines = append(lines, t)
				}
			}
			return
		}
		lines = append(lines, cellLines(c)...)
	})
	return lines
}
