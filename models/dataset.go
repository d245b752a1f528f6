package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the day-granularity format used on the wire and on disk.
const DateLayout = "2006-01-02"

// Category is one kind of market data stored in a dataset.
type Category string

const (
	CategoryQuotes     Category = "quotes"
	CategoryStatements Category = "statements"
	CategoryMargin     Category = "margin"
)

// AllCategories in canonical order.
var AllCategories = []Category{CategoryQuotes, CategoryStatements, CategoryMargin}

func (c Category) Valid() bool {
	switch c {
	case CategoryQuotes, CategoryStatements, CategoryMargin:
		return true
	}
	return false
}

// DateRange is an inclusive range of calendar days in UTC.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange truncates both ends to UTC days.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// ParseDateRange parses two YYYY-MM-DD strings.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	r := NewDateRange(s, e)
	if r.End.Before(r.Start) {
		return DateRange{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	return r, nil
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days returns the number of days covered, inclusive.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}

type dateRangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateRangeJSON{Start: r.Start.Format(DateLayout), End: r.End.Format(DateLayout)})
}

func (r *DateRange) UnmarshalJSON(b []byte) error {
	var raw dateRangeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseDateRange(raw.Start, raw.End)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Preset names a universe of symbols, a date range and the categories to fetch.
type Preset struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Symbols     []string   `json:"symbols"`
	Range       DateRange  `json:"range"`
	Categories  []Category `json:"categories"`
}

// Coverage is what a dataset already holds: category -> symbol -> fetched ranges.
type Coverage map[Category]map[string][]DateRange

// Add records r for symbol in category.
func (c Coverage) Add(cat Category, symbol string, r DateRange) {
	bySymbol, ok := c[cat]
	if !ok {
		bySymbol = make(map[string][]DateRange)
		c[cat] = bySymbol
	}
	bySymbol[symbol] = append(bySymbol[symbol], r)
}

// Gap is a missing (symbol, category, range) triple to fetch.
type Gap struct {
	Symbol   string    `json:"symbol"`
	Category Category  `json:"category"`
	Range    DateRange `json:"range"`
}

// DatasetInfo summarises a dataset file.
type DatasetInfo struct {
	Name      string                   `json:"name"`
	Path      string                   `json:"path"`
	SizeBytes int64                    `json:"sizeBytes"`
	Preset    string                   `json:"preset,omitempty"`
	CreatedAt *time.Time               `json:"createdAt,omitempty"`
	UpdatedAt *time.Time               `json:"updatedAt,omitempty"`
	Symbols   int                      `json:"symbols"`
	Rows      map[Category]int64       `json:"rows,omitempty"`
	Coverage  map[Category][]DateRange `json:"coverage,omitempty"`
}
