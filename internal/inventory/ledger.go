package inventory

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/quorum/model"
)

// Ledger persists stock layers and movements. Every write goes through
// Atomic so that the layers an issue consumes stay locked until its
// movement is recorded.
type Ledger interface {
	// Atomic runs fn in one unit of work; nothing fn wrote survives when it
	// returns an error.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// OpenLayers returns layers with remaining quantity, oldest first.
	OpenLayers(ctx context.Context, storeID, stockItemID string) ([]model.StockLayer, error)

	// Movements returns the item's movements in a store, oldest first.
	Movements(ctx context.Context, storeID, stockItemID string) ([]model.StockMovement, error)
}

// LedgerTx is the view of the ledger inside Atomic.
type LedgerTx interface {
	// LockLayers returns the open layers of an item in a store, oldest
	// first, and holds them against concurrent consumption.
	LockLayers(ctx context.Context, storeID, stockItemID string) ([]model.StockLayer, error)
	UpdateLayerRemaining(ctx context.Context, layerID string, remaining decimal.Decimal) error
	InsertLayer(ctx context.Context, layer model.StockLayer) error
	InsertMovement(ctx context.Context, m model.StockMovement) error
}
