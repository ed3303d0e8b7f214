package inventory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/quorum/model"
)

type itemKey struct {
	storeID     string
	stockItemID string
}

// MemoryLedger is an in-memory Ledger for tests and single-process use.
// Atomic units of work run one at a time and stage their writes until fn
// returns nil.
type MemoryLedger struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	layers    map[string]model.StockLayer
	byItem    map[itemKey][]string
	movements map[itemKey][]model.StockMovement
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		layers:    make(map[string]model.StockLayer),
		byItem:    make(map[itemKey][]string),
		movements: make(map[itemKey][]model.StockMovement),
	}
}

// HealthCheck always succeeds.
func (l *MemoryLedger) HealthCheck(context.Context) error {
	return nil
}

// Atomic runs fn and applies its writes if it returns nil.
func (l *MemoryLedger) Atomic(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	tx := &memLedgerTx{l: l, updated: make(map[string]decimal.Decimal)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, layer := range tx.inserted {
		k := itemKey{layer.StoreID, layer.StockItemID}
		l.layers[layer.ID] = layer
		l.byItem[k] = append(l.byItem[k], layer.ID)
	}
	for id, remaining := range tx.updated {
		layer := l.layers[id]
		layer.RemainingQuantity = remaining
		l.layers[id] = layer
	}
	for _, m := range tx.movements {
		k := itemKey{m.StoreID, m.StockItemID}
		l.movements[k] = append(l.movements[k], m)
	}
	return nil
}

// OpenLayers returns layers with remaining quantity, oldest first.
func (l *MemoryLedger) OpenLayers(_ context.Context, storeID, stockItemID string) ([]model.StockLayer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.openLayers(storeID, stockItemID, nil), nil
}

func (l *MemoryLedger) openLayers(storeID, stockItemID string, override map[string]decimal.Decimal) []model.StockLayer {
	var out []model.StockLayer
	for _, id := range l.byItem[itemKey{storeID, stockItemID}] {
		layer := l.layers[id]
		if r, ok := override[id]; ok {
			layer.RemainingQuantity = r
		}
		if layer.RemainingQuantity.IsPositive() {
			out = append(out, layer)
		}
	}
	SortLayers(out)
	return out
}

// Movements returns the item's movements in a store, oldest first.
func (l *MemoryLedger) Movements(_ context.Context, storeID, stockItemID string) ([]model.StockMovement, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.StockMovement(nil), l.movements[itemKey{storeID, stockItemID}]...), nil
}

type memLedgerTx struct {
	l         *MemoryLedger
	updated   map[string]decimal.Decimal
	inserted  []model.StockLayer
	movements []model.StockMovement
}

func (tx *memLedgerTx) LockLayers(_ context.Context, storeID, stockItemID string) ([]model.StockLayer, error) {
	tx.l.mu.RLock()
	out := tx.l.openLayers(storeID, stockItemID, tx.updated)
	tx.l.mu.RUnlock()

	for _, layer := range tx.inserted {
		if layer.StoreID == storeID && layer.StockItemID == stockItemID {
			if r, ok := tx.updated[layer.ID]; ok {
				layer.RemainingQuantity = r
			}
			if layer.RemainingQuantity.IsPositive() {
				out = append(out, layer)
			}
		}
	}
	SortLayers(out)
	return out, nil
}

func (tx *memLedgerTx) UpdateLayerRemaining(_ context.Context, layerID string, remaining decimal.Decimal) error {
	tx.l.mu.RLock()
	_, exists := tx.l.layers[layerID]
	tx.l.mu.RUnlock()
	if !exists && !tx.stagedLayer(layerID) {
		return model.NewNotFoundError(fmt.Sprintf("stock layer %q not found", layerID))
	}
	if remaining.IsNegative() {
		return fmt.Errorf("stock layer %s: remaining quantity would be negative", layerID)
	}
	tx.updated[layerID] = remaining
	return nil
}

func (tx *memLedgerTx) stagedLayer(id string) bool {
	for _, layer := range tx.inserted {
		if layer.ID == id {
			return true
		}
	}
	return false
}

func (tx *memLedgerTx) InsertLayer(_ context.Context, layer model.StockLayer) error {
	tx.l.mu.RLock()
	_, exists := tx.l.layers[layer.ID]
	tx.l.mu.RUnlock()
	if exists || tx.stagedLayer(layer.ID) {
		return model.NewConflictError(fmt.Sprintf("stock layer %q already exists", layer.ID))
	}
	tx.inserted = append(tx.inserted, layer)
	return nil
}

func (tx *memLedgerTx) InsertMovement(_ context.Context, m model.StockMovement) error {
	tx.movements = append(tx.movements, m)
	return nil
}
