package reference

import (
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// DefaultColor is used when no keyword rule matches a category.
const DefaultColor = "#ff7800"

// paletteRule maps a substring keyword to a marker color. Rules are
// ordered: the first match wins, so "tectonic" beats "layer" for a
// category like "tectonic layering".
type paletteRule struct {
	Keywords []string `yaml:"keywords"`
	Color    string   `yaml:"color"`
}

var defaultPalette = []paletteRule{
	{Keywords: []string{"crater"}, Color: "#e74c3c"},
	{Keywords: []string{"tectonic", "graben", "fault"}, Color: "#9b59b6"},
	{Keywords: []string{"wrinkle"}, Color: "#f1c40f"},
	{Keywords: []string{"polar"}, Color: "#3498db"},
	{Keywords: []string{"layer"}, Color: "#2ecc71"},
	{Keywords: []string{"landslide", "erosion"}, Color: "#d35400"},
	{Keywords: []string{"gully", "rsl"}, Color: "#1abc9c"},
}

// Palette resolves marker colors by category keyword.
type Palette struct {
	rules []paletteRule
}

// NewPalette returns the built-in keyword palette.
func NewPalette() *Palette {
	return &Palette{rules: defaultPalette}
}

// LoadPalette reads a YAML rule list to replace the built-in palette.
func LoadPalette(r io.Reader) (*Palette, error) {
	var rules []paletteRule
	if err := yaml.NewDecoder(r).Decode(&rules); err != nil {
		return nil, eris.Wrap(err, "palette: decode")
	}
	if len(rules) == 0 {
		return nil, eris.New("palette: no rules")
	}
	return &Palette{rules: rules}, nil
}

// ColorFor returns the marker color for a category. Matching is
// case-insensitive on substrings, so "Impact Crater" matches "crater".
func (p *Palette) ColorFor(category string) string {
	c := strings.ToLower(category)
	for _, rule := range p.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(c, kw) {
				return rule.Color
			}
		}
	}
	return DefaultColor
}
