package cost

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kansoku/internal/model"
)

//go:embed pricing.yaml
var defaultPricing []byte

type pricingFile struct {
	Pricing []pricingEntry `yaml:"pricing"`
}

// Prices are read as strings so that values like 0.15 never pass through
// float64.
type pricingEntry struct {
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	InputPerMillion  string `yaml:"input_per_million"`
	OutputPerMillion string `yaml:"output_per_million"`
}

// LoadPricingFile reads a YAML pricing reference file. An empty path loads
// the built-in reference table.
func LoadPricingFile(path string) ([]model.Pricing, error) {
	data := defaultPricing
	if path != "" {
		var err error
		data, err = os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("cost: read pricing file: %w", err)
		}
	}
	return ParsePricing(data)
}

// ParsePricing decodes a YAML pricing document.
func ParsePricing(data []byte) ([]model.Pricing, error) {
	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cost: parse pricing: %w", err)
	}
	rows := make([]model.Pricing, 0, len(f.Pricing))
	for i, e := range f.Pricing {
		in, err := decimal.NewFromString(e.InputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("cost: entry %d (%s): input_per_million: %w", i, e.Model, err)
		}
		out, err := decimal.NewFromString(e.OutputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("cost: entry %d (%s): output_per_million: %w", i, e.Model, err)
		}
		p := model.Pricing{Provider: e.Provider, Model: e.Model, InputPerMillion: in, OutputPerMillion: out}
		if err := ValidatePricing(p); err != nil {
			return nil, fmt.Errorf("cost: entry %d: %w", i, err)
		}
		rows = append(rows, p)
	}
	return rows, nil
}
