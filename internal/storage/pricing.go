package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ListPricing returns the full pricing reference table.
func (db *DB) ListPricing(ctx context.Context) ([]model.Pricing, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT provider, model, input_per_million, output_per_million, updated_at
		 FROM pricing ORDER BY provider, model`)
	if err != nil {
		return nil, fmt.Errorf("storage: list pricing: %w", err)
	}
	defer rows.Close()

	var out []model.Pricing
	for rows.Next() {
		var p model.Pricing
		if err := rows.Scan(&p.Provider, &p.Model, &p.InputPerMillion, &p.OutputPerMillion, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan pricing: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPricing writes rows in one transaction.
func (db *DB) UpsertPricing(ctx context.Context, rows []model.Pricing) error {
	if len(rows) == 0 {
		return nil
	}
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range rows {
			batch.Queue(
				`INSERT INTO pricing (provider, model, input_per_million, output_per_million, updated_at)
				 VALUES ($1, $2, $3, $4, now())
				 ON CONFLICT (provider, model) DO UPDATE SET
				     input_per_million = EXCLUDED.input_per_million,
				     output_per_million = EXCLUDED.output_per_million,
				     updated_at = now()`,
				p.Provider, p.Model, p.InputPerMillion, p.OutputPerMillion)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("storage: upsert pricing: %w", err)
	}
	return nil
}
