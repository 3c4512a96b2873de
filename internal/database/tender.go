package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Felipeflowers17/CA-doc/internal/portal"
	"github.com/Felipeflowers17/CA-doc/internal/scoring"
)

// Tender is a persisted compra ágil with its tracking flags.
type Tender struct {
	ID                 int64               `db:"ca_id" json:"id"`
	Code               string              `db:"codigo_ca" json:"code"`
	Name               string              `db:"nombre" json:"name"`
	Description        *string             `db:"descripcion" json:"description,omitempty"`
	Amount             decimal.NullDecimal `db:"monto_clp" json:"amount"`
	PublishedAt        *time.Time          `db:"fecha_publicacion" json:"published_at,omitempty"`
	ClosesAt           *time.Time          `db:"fecha_cierre" json:"closes_at,omitempty"`
	FirstCallClosesAt  *time.Time          `db:"fecha_cierre_p1" json:"first_call_closes_at,omitempty"`
	SecondCallClosesAt *time.Time          `db:"fecha_cierre_p2" json:"second_call_closes_at,omitempty"`
	DeliveryAddress    *string             `db:"direccion_entrega" json:"delivery_address,omitempty"`
	BidderCount        *int                `db:"proveedores_cotizando" json:"bidder_count,omitempty"`
	Products           json.RawMessage     `db:"productos_solicitados" json:"products,omitempty"`
	Status             string              `db:"estado_ca_texto" json:"status"`
	Score              int                 `db:"puntuacion_final" json:"score"`
	Favorite           bool                `db:"es_favorito" json:"favorite"`
	Offered            bool                `db:"es_ofertada" json:"offered"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
}

// Phase2Complete reports whether the detail pass already filled the tender.
func (t *Tender) Phase2Complete() bool {
	return t.Description != nil
}

// StoredProducts decodes the persisted product list.
func (t *Tender) StoredProducts() []portal.Product {
	if len(t.Products) == 0 {
		return nil
	}
	var products []portal.Product
	if err := json.Unmarshal(t.Products, &products); err != nil {
		return nil
	}
	return products
}

const tenderColumns = `
	l.ca_id, l.codigo_ca, l.nombre, l.descripcion, l.monto_clp::text,
	l.fecha_publicacion, l.fecha_cierre, l.fecha_cierre_p1, l.fecha_cierre_p2,
	l.direccion_entrega, l.proveedores_cotizando, l.productos_solicitados,
	l.estado_ca_texto, l.puntuacion_final,
	COALESCE(s.es_favorito, FALSE), COALESCE(s.es_ofertada, FALSE),
	l.created_at, l.updated_at`

const tenderFrom = `
	FROM ca_licitacion l
	LEFT JOIN ca_seguimiento s ON s.ca_id = l.ca_id`

// TenderRepository owns every mutation of tenders and their tracking state.
type TenderRepository struct {
	db     *DB
	engine *scoring.Engine
	logger *slog.Logger
}

func NewTenderRepository(db *DB, engine *scoring.Engine, logger *slog.Logger) *TenderRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenderRepository{
		db:     db,
		engine: engine,
		logger: logger.With("component", "tender_repository"),
	}
}

func (r *TenderRepository) thresholds() scoring.Thresholds {
	return r.engine.Rules().Thresholds()
}

// Phase2Candidates returns eligible tenders still lacking detail data, the
// soonest closing first.
func (r *TenderRepository) Phase2Candidates(ctx context.Context) ([]*Tender, error) {
	return r.list(ctx,
		`WHERE l.puntuacion_final >= $1 AND l.descripcion IS NULL`,
		`ORDER BY l.fecha_cierre ASC NULLS LAST, l.codigo_ca ASC`,
		r.thresholds().Eligibility,
	)
}

// Candidates lists every tender at or above the eligibility threshold.
func (r *TenderRepository) Candidates(ctx context.Context) ([]*Tender, error) {
	return r.list(ctx,
		`WHERE l.puntuacion_final >= $1`,
		`ORDER BY l.puntuacion_final DESC, l.fecha_cierre ASC NULLS LAST, l.codigo_ca ASC`,
		r.thresholds().Eligibility,
	)
}

// Relevant lists tenders whose combined score reaches the final threshold.
func (r *TenderRepository) Relevant(ctx context.Context) ([]*Tender, error) {
	return r.list(ctx,
		`WHERE l.puntuacion_final >= $1`,
		`ORDER BY l.puntuacion_final DESC, l.fecha_cierre ASC NULLS LAST, l.codigo_ca ASC`,
		r.thresholds().Final,
	)
}

func (r *TenderRepository) Favorites(ctx context.Context) ([]*Tender, error) {
	return r.list(ctx,
		`WHERE s.es_favorito`,
		`ORDER BY l.fecha_cierre ASC NULLS LAST, l.codigo_ca ASC`,
	)
}

func (r *TenderRepository) Offered(ctx context.Context) ([]*Tender, error) {
	return r.list(ctx,
		`WHERE s.es_ofertada`,
		`ORDER BY l.fecha_cierre ASC NULLS LAST, l.codigo_ca ASC`,
	)
}

func (r *TenderRepository) GetByCode(ctx context.Context, code string) (*Tender, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+tenderColumns+tenderFrom+` WHERE l.codigo_ca = $1`, code)
	t, err := scanTender(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tender %s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get tender: %w", err)
	}
	return t, nil
}

func (r *TenderRepository) list(ctx context.Context, where, order string, args ...interface{}) ([]*Tender, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT `+tenderColumns+tenderFrom+` `+where+` `+order, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenders: %w", err)
	}
	defer rows.Close()

	tenders := []*Tender{}
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tender: %w", err)
		}
		tenders = append(tenders, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tenders, nil
}

func scanTender(row pgx.Row) (*Tender, error) {
	t := &Tender{}
	var amount *string
	var products []byte

	err := row.Scan(
		&t.ID, &t.Code, &t.Name, &t.Description, &amount,
		&t.PublishedAt, &t.ClosesAt, &t.FirstCallClosesAt, &t.SecondCallClosesAt,
		&t.DeliveryAddress, &t.BidderCount, &products,
		&t.Status, &t.Score,
		&t.Favorite, &t.Offered,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if amount != nil {
		t.Amount = portal.ParseAmount(*amount)
	}
	if len(products) > 0 {
		t.Products = json.RawMessage(products)
	}
	return t, nil
}

// ApplyPhase2 stores the detail fields of a tender and overwrites its score
// with the combined total. A tender deleted meanwhile is logged and ignored.
func (r *TenderRepository) ApplyPhase2(ctx context.Context, code string, detail portal.Detail, combined int) error {
	products := detail.Products
	if products == nil {
		products = []portal.Product{}
	}
	productsJSON, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("failed to marshal products: %w", err)
	}

	query := `
		UPDATE ca_licitacion SET
			descripcion = $2,
			direccion_entrega = $3,
			productos_solicitados = $4,
			fecha_cierre_p1 = $5,
			fecha_cierre_p2 = $6,
			puntuacion_final = $7,
			updated_at = CURRENT_TIMESTAMP
		WHERE codigo_ca = $1`

	var result int64
	err = r.db.Transaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			code,
			detail.Description,
			nullableText(detail.DeliveryAddress),
			productsJSON,
			portal.ParseTime(detail.FirstCallClosesAt),
			portal.ParseTime(detail.SecondCallClosesAt),
			combined,
		)
		if err != nil {
			return err
		}
		result = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply detail for %s: %w", code, err)
	}

	if result == 0 {
		r.logger.Error("tender vanished before detail update", "code", code)
		return nil
	}

	r.logger.Debug("detail stored", "code", code, "score", combined, "products", len(products))
	return nil
}

// SetFavorite creates the tracking row on demand. Clearing the favorite flag
// also clears the offered flag.
func (r *TenderRepository) SetFavorite(ctx context.Context, id int64, favorite bool) error {
	query := `
		INSERT INTO ca_seguimiento (ca_id, es_favorito, es_ofertada, fecha_ultimo_chequeo)
		SELECT ca_id, $2, FALSE, CURRENT_TIMESTAMP FROM ca_licitacion WHERE ca_id = $1
		ON CONFLICT (ca_id) DO UPDATE SET
			es_favorito = EXCLUDED.es_favorito,
			es_ofertada = ca_seguimiento.es_ofertada AND EXCLUDED.es_favorito,
			fecha_ultimo_chequeo = CURRENT_TIMESTAMP`

	tag, err := r.db.pool.Exec(ctx, query, id, favorite)
	if err != nil {
		return fmt.Errorf("failed to set favorite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tender %d: %w", id, ErrNotFound)
	}

	r.logger.Info("favorite updated", "id", id, "favorite", favorite)
	return nil
}

// SetOffered marks a tender as offered, which also makes it a favorite.
func (r *TenderRepository) SetOffered(ctx context.Context, id int64, offered bool) error {
	query := `
		INSERT INTO ca_seguimiento (ca_id, es_favorito, es_ofertada, fecha_ultimo_chequeo)
		SELECT ca_id, $2, $2, CURRENT_TIMESTAMP FROM ca_licitacion WHERE ca_id = $1
		ON CONFLICT (ca_id) DO UPDATE SET
			es_ofertada = EXCLUDED.es_ofertada,
			es_favorito = ca_seguimiento.es_favorito OR EXCLUDED.es_ofertada,
			fecha_ultimo_chequeo = CURRENT_TIMESTAMP`

	tag, err := r.db.pool.Exec(ctx, query, id, offered)
	if err != nil {
		return fmt.Errorf("failed to set offered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tender %d: %w", id, ErrNotFound)
	}

	r.logger.Info("offered updated", "id", id, "offered", offered)
	return nil
}

// Delete removes a tender together with its tracking and history rows.
func (r *TenderRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM ca_licitacion WHERE ca_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tender: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tender %d: %w", id, ErrNotFound)
	}

	r.logger.Info("tender deleted", "id", id)
	return nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
