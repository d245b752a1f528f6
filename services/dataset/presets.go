package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"quantlab_backend/models"
)

type presetFile struct {
	Presets []presetEntry `yaml:"presets"`
}

type presetEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Symbols     []string `yaml:"symbols"`
	StartDate   string   `yaml:"startDate"`
	EndDate     string   `yaml:"endDate"`
	Categories  []string `yaml:"categories"`
}

// Presets is the catalog of named dataset definitions.
type Presets struct {
	byName map[string]models.Preset
	order  []string
}

const defaultPresetsYAML = `
presets:
  - name: primeMarket
    description: Large-cap core universe, five years of daily data
    symbols: ["7203", "6758", "9984", "8306", "6861"]
    startDate: "2020-01-01"
    endDate: "2024-12-31"
    categories: [quotes, statements, margin]
  - name: standardMarket
    description: Broader universe for factor research
    symbols: ["4063", "6098", "8035", "9432", "4502", "6501", "7974"]
    startDate: "2021-01-01"
    endDate: "2024-12-31"
    categories: [quotes, statements, margin]
  - name: quickTest
    description: Two symbols, one quarter of quotes
    symbols: ["7203", "6758"]
    startDate: "2024-01-01"
    endDate: "2024-03-31"
    categories: [quotes]
`

// DefaultPresets returns the built-in catalog.
func DefaultPresets() *Presets {
	p, err := ParsePresets([]byte(defaultPresetsYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in presets are invalid: %v", err))
	}
	return p
}

// LoadPresets reads a YAML catalog, or returns the defaults when path is empty.
func LoadPresets(path string) (*Presets, error) {
	if path == "" {
		return DefaultPresets(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presets: %w", err)
	}
	return ParsePresets(raw)
}

func ParsePresets(raw []byte) (*Presets, error) {
	var file presetFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse presets: %w", err)
	}
	p := &Presets{byName: make(map[string]models.Preset)}
	for _, e := range file.Presets {
		preset, err := e.toPreset()
		if err != nil {
			return nil, err
		}
		if _, dup := p.byName[preset.Name]; dup {
			return nil, fmt.Errorf("preset %s defined twice", preset.Name)
		}
		p.byName[preset.Name] = preset
		p.order = append(p.order, preset.Name)
	}
	if len(p.order) == 0 {
		return nil, fmt.Errorf("no presets defined")
	}
	return p, nil
}

func (e presetEntry) toPreset() (models.Preset, error) {
	if e.Name == "" {
		return models.Preset{}, fmt.Errorf("preset without a name")
	}
	if len(e.Symbols) == 0 {
		return models.Preset{}, fmt.Errorf("preset %s has no symbols", e.Name)
	}
	r, err := models.ParseDateRange(e.StartDate, e.EndDate)
	if err != nil {
		return models.Preset{}, fmt.Errorf("preset %s: %w", e.Name, err)
	}
	cats := make([]models.Category, 0, len(e.Categories))
	for _, c := range e.Categories {
		cat := models.Category(c)
		if !cat.Valid() {
			return models.Preset{}, fmt.Errorf("preset %s: unknown category %q", e.Name, c)
		}
		cats = append(cats, cat)
	}
	if len(cats) == 0 {
		cats = []models.Category{models.CategoryQuotes}
	}
	return models.Preset{
		Name:        e.Name,
		Description: e.Description,
		Symbols:     e.Symbols,
		Range:       r,
		Categories:  cats,
	}, nil
}

func (p *Presets) Get(name string) (models.Preset, bool) {
	preset, ok := p.byName[name]
	return preset, ok
}

// List returns presets in definition order.
func (p *Presets) List() []models.Preset {
	out := make([]models.Preset, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.byName[name])
	}
	return out
}
