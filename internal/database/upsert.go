package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Felipeflowers17/CA-doc/internal/portal"
	"github.com/Felipeflowers17/CA-doc/internal/scoring"
)

// MaxCodeLength is the width of the codigo_ca column.
const MaxCodeLength = 50

type UpsertStats struct {
	Inserted         int `json:"inserted"`
	Updated          int `json:"updated"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	SkippedLowScore  int `json:"skipped_low_score"`
}

func (s *UpsertStats) Add(o UpsertStats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.SkippedDuplicate += o.SkippedDuplicate
	s.SkippedLowScore += o.SkippedLowScore
}

// ScoredRecord is a listing record that passed the eligibility threshold.
type ScoredRecord struct {
	portal.Record
	Phase1 int
}

// PlanBatch filters a batch before it touches storage. Records without a
// usable code and repeated codes are skipped, the first occurrence winning;
// records below the eligibility threshold are dropped.
func PlanBatch(records []portal.Record, engine *scoring.Engine) ([]ScoredRecord, UpsertStats) {
	var stats UpsertStats
	seen := make(map[string]struct{}, len(records))
	plan := make([]ScoredRecord, 0, len(records))

	for _, rec := range records {
		if rec.Code == "" || len(rec.Code) > MaxCodeLength {
			stats.SkippedDuplicate++
			continue
		}
		if _, dup := seen[rec.Code]; dup {
			stats.SkippedDuplicate++
			continue
		}
		seen[rec.Code] = struct{}{}

		score := engine.Phase1(rec)
		if !engine.Rules().Eligible(score) {
			stats.SkippedLowScore++
			continue
		}
		plan = append(plan, ScoredRecord{Record: rec, Phase1: score})
	}

	return plan, stats
}

const upsertTenderSQL = `
	INSERT INTO ca_licitacion (
		codigo_ca, nombre, monto_clp, fecha_publicacion, fecha_cierre,
		estado_ca_texto, proveedores_cotizando, puntuacion_final
	) VALUES (
		$1, $2, $3::numeric, $4::date, $5, $6, $7, $8
	)
	ON CONFLICT (codigo_ca) DO UPDATE SET
		estado_ca_texto = EXCLUDED.estado_ca_texto,
		fecha_cierre = COALESCE(EXCLUDED.fecha_cierre, ca_licitacion.fecha_cierre),
		proveedores_cotizando = COALESCE(EXCLUDED.proveedores_cotizando, ca_licitacion.proveedores_cotizando),
		puntuacion_final = EXCLUDED.puntuacion_final,
		updated_at = CURRENT_TIMESTAMP
	RETURNING (xmax = 0)`

// UpsertBatch scores a batch and creates or refreshes the eligible tenders in
// one transaction. On error nothing from the batch is stored.
func (r *TenderRepository) UpsertBatch(ctx context.Context, records []portal.Record) (UpsertStats, error) {
	plan, stats := PlanBatch(records, r.engine)
	if len(plan) == 0 {
		r.logger.Info("batch has nothing to store",
			"records", len(records),
			"skipped_duplicate", stats.SkippedDuplicate,
			"skipped_low_score", stats.SkippedLowScore,
		)
		return stats, nil
	}

	codes := make([]string, 0, len(plan))
	for _, sr := range plan {
		codes = append(codes, sr.Code)
	}

	var inserted, updated int
	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		phase2, err := r.storedPhase2(ctx, tx, codes)
		if err != nil {
			return err
		}

		for _, sr := range plan {
			var amount *string
			if a := portal.ParseAmount(sr.Amount); a.Valid {
				s := a.Decimal.StringFixed(2)
				amount = &s
			}

			var isInsert bool
			err := tx.QueryRow(ctx, upsertTenderSQL,
				sr.Code,
				sr.Name,
				amount,
				portal.ParseTime(sr.PublishedAt),
				portal.ParseTime(sr.ClosesAt),
				sr.Status,
				sr.BidderCount,
				r.engine.Combined(sr.Phase1, phase2[sr.Code]),
			).Scan(&isInsert)
			if err != nil {
				return fmt.Errorf("failed to upsert tender %s: %w", sr.Code, err)
			}

			if isInsert {
				inserted++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("batch rolled back", "records", len(plan), "error", err)
		return stats, err
	}

	stats.Inserted = inserted
	stats.Updated = updated

	r.logger.Info("batch stored",
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"skipped_duplicate", stats.SkippedDuplicate,
		"skipped_low_score", stats.SkippedLowScore,
	)
	return stats, nil
}

// storedPhase2 recomputes the product score of tenders that already went
// through the detail pass, keyed by code.
func (r *TenderRepository) storedPhase2(ctx context.Context, tx pgx.Tx, codes []string) (map[string]int, error) {
	rows, err := tx.Query(ctx, `
		SELECT codigo_ca, productos_solicitados
		FROM ca_licitacion
		WHERE codigo_ca = ANY($1) AND descripcion IS NOT NULL`, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored products: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]int)
	for rows.Next() {
		t := &Tender{}
		var products []byte
		if err := rows.Scan(&t.Code, &products); err != nil {
			return nil, fmt.Errorf("failed to scan stored products: %w", err)
		}
		t.Products = products
		scores[t.Code] = r.engine.Phase2(t.StoredProducts())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return scores, nil
}
