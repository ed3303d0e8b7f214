package inventory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/quorum/model"
)

// PgLedger is a PostgreSQL-backed Ledger. LockLayers takes row locks with
// SELECT ... FOR UPDATE so concurrent issues of one item serialize.
type PgLedger struct {
	pool *pgxpool.Pool
}

// NewPgLedger creates a PostgreSQL ledger.
func NewPgLedger(pool *pgxpool.Pool) *PgLedger {
	return &PgLedger{pool: pool}
}

// HealthCheck pings the database.
func (l *PgLedger) HealthCheck(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Atomic runs fn in a transaction.
func (l *PgLedger) Atomic(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgLedgerTx{tx: tx})
	})
}

const layerColumns = `id, store_id, stock_item_id, receipt_date, received_quantity::text,
	remaining_quantity::text, unit_cost::text, movement_id, created_at`

const openLayersQuery = `SELECT ` + layerColumns + `
	FROM stock_layers
	WHERE store_id = $1 AND stock_item_id = $2 AND remaining_quantity > 0
	ORDER BY receipt_date ASC, created_at ASC, id ASC`

// OpenLayers returns layers with remaining quantity, oldest first.
func (l *PgLedger) OpenLayers(ctx context.Context, storeID, stockItemID string) ([]model.StockLayer, error) {
	return queryLayers(ctx, l.pool, openLayersQuery, storeID, stockItemID)
}

// Movements returns the item's movements in a store, oldest first.
func (l *PgLedger) Movements(ctx context.Context, storeID, stockItemID string) ([]model.StockMovement, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, store_id, stock_item_id, movement_type, reference_number, reference_type, reference_id,
			quantity::text, unit_cost::text, total_cost::text, movement_date, created_by, notes, created_at
		FROM stock_movements
		WHERE store_id = $1 AND stock_item_id = $2
		ORDER BY created_at ASC, id ASC`, storeID, stockItemID)
	if err != nil {
		return nil, fmt.Errorf("query stock movements: %w", err)
	}
	defer rows.Close()

	var out []model.StockMovement
	for rows.Next() {
		var (
			m                     model.StockMovement
			qty, unit, totalValue string
		)
		if err := rows.Scan(
			&m.ID, &m.StoreID, &m.StockItemID, &m.MovementType, &m.ReferenceNumber, &m.ReferenceType, &m.ReferenceID,
			&qty, &unit, &totalValue, &m.MovementDate, &m.CreatedBy, &m.Notes, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		if err := parseDecimals(map[string]*decimal.Decimal{"quantity": &m.Quantity, "unit_cost": &m.UnitCost, "total_cost": &m.TotalCost},
			map[string]string{"quantity": qty, "unit_cost": unit, "total_cost": totalValue}); err != nil {
			return nil, fmt.Errorf("stock movement %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) LockLayers(ctx context.Context, storeID, stockItemID string) ([]model.StockLayer, error) {
	return queryLayers(ctx, t.tx, openLayersQuery+` FOR UPDATE`, storeID, stockItemID)
}

func (t *pgLedgerTx) UpdateLayerRemaining(ctx context.Context, layerID string, remaining decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE stock_layers SET remaining_quantity = $2::numeric WHERE id = $1`,
		layerID, remaining.String(),
	)
	if err != nil {
		return fmt.Errorf("update stock layer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("stock layer %q not found", layerID))
	}
	return nil
}

func (t *pgLedgerTx) InsertLayer(ctx context.Context, layer model.StockLayer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_layers (id, store_id, stock_item_id, receipt_date, received_quantity,
			remaining_quantity, unit_cost, movement_id, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9)`,
		layer.ID, layer.StoreID, layer.StockItemID, layer.ReceiptDate, layer.ReceivedQuantity.String(),
		layer.RemainingQuantity.String(), layer.UnitCost.String(), layer.MovementID, layer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stock layer: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) InsertMovement(ctx context.Context, m model.StockMovement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_movements (id, store_id, stock_item_id, movement_type, reference_number,
			reference_type, reference_id, quantity, unit_cost, total_cost, movement_date, created_by, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13, $14)`,
		m.ID, m.StoreID, m.StockItemID, m.MovementType, m.ReferenceNumber,
		m.ReferenceType, m.ReferenceID, m.Quantity.String(), m.UnitCost.String(), m.TotalCost.String(),
		m.MovementDate, m.CreatedBy, m.Notes, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLayers(ctx context.Context, q rowQuerier, sql string, args ...any) ([]model.StockLayer, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query stock layers: %w", err)
	}
	defer rows.Close()

	var out []model.StockLayer
	for rows.Next() {
		var (
			layer                     model.StockLayer
			received, remaining, cost string
		)
		if err := rows.Scan(
			&layer.ID, &layer.StoreID, &layer.StockItemID, &layer.ReceiptDate, &received,
			&remaining, &cost, &layer.MovementID, &layer.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stock layer: %w", err)
		}
		if err := parseDecimals(
			map[string]*decimal.Decimal{"received_quantity": &layer.ReceivedQuantity, "remaining_quantity": &layer.RemainingQuantity, "unit_cost": &layer.UnitCost},
			map[string]string{"received_quantity": received, "remaining_quantity": remaining, "unit_cost": cost},
		); err != nil {
			return nil, fmt.Errorf("stock layer %s: %w", layer.ID, err)
		}
		out = append(out, layer)
	}
	return out, rows.Err()
}

func parseDecimals(dst map[string]*decimal.Decimal, src map[string]string) error {
	for name, d := range dst {
		v, err := decimal.NewFromString(src[name])
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		*d = v
	}
	return nil
}
