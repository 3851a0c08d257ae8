package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pricing is one row of the pricing reference table. Prices are USD per
// million tokens.
type Pricing struct {
	Provider         string          `json:"provider" yaml:"provider"`
	Model            string          `json:"model" yaml:"model"`
	InputPerMillion  decimal.Decimal `json:"input_per_million" yaml:"-"`
	OutputPerMillion decimal.Decimal `json:"output_per_million" yaml:"-"`
	UpdatedAt        time.Time       `json:"updated_at" yaml:"-"`
}

// UpsertPricingRequest is the body for PUT /internal/admin/pricing.
type UpsertPricingRequest struct {
	Rows []Pricing `json:"rows"`
}
