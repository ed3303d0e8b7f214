// Package inventory implements FIFO stock costing: receipts create dated
// layers, issues consume the oldest layers first at their own cost, and
// transfers move stock between stores at the weighted cost of the layers
// consumed.
package inventory

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/quorum/model"
)

// Consumption is the result of drawing a quantity from a set of layers.
type Consumption struct {
	Lines     []model.LayerUsage
	Quantity  decimal.Decimal
	TotalCost decimal.Decimal
	// UnitCost is the quantity-weighted average cost of the lines.
	UnitCost decimal.Decimal
}

// Available sums the remaining quantity of the layers.
func Available(layers []model.StockLayer) decimal.Decimal {
	total := decimal.Zero
	for _, l := range layers {
		if l.RemainingQuantity.IsPositive() {
			total = total.Add(l.RemainingQuantity)
		}
	}
	return total
}

// SortLayers orders layers oldest receipt first, then by creation time and id.
func SortLayers(layers []model.StockLayer) {
	sort.SliceStable(layers, func(i, j int) bool {
		a, b := layers[i], layers[j]
		if !a.ReceiptDate.Equal(b.ReceiptDate) {
			return a.ReceiptDate.Before(b.ReceiptDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Consume draws qty from layers oldest first. The input slice is not
// modified. It fails with INSUFFICIENT_STOCK when the layers hold less than
// qty and with BAD_REQUEST when qty is not positive.
func Consume(layers []model.StockLayer, qty decimal.Decimal) (Consumption, error) {
	if !qty.IsPositive() {
		return Consumption{}, model.NewBadRequestError("quantity must be positive")
	}

	available := Available(layers)
	if available.LessThan(qty) {
		return Consumption{}, model.NewInsufficientStockError(available.String(), qty.String())
	}

	ordered := append([]model.StockLayer(nil), layers...)
	SortLayers(ordered)

	c := Consumption{Quantity: qty, TotalCost: decimal.Zero}
	remaining := qty
	for _, l := range ordered {
		if remaining.IsZero() {
			break
		}
		if !l.RemainingQuantity.IsPositive() {
			continue
		}
		used := decimal.Min(l.RemainingQuantity, remaining)
		c.Lines = append(c.Lines, model.LayerUsage{
			LayerID:      l.ID,
			ReceiptDate:  l.ReceiptDate,
			QuantityUsed: used,
			UnitCost:     l.UnitCost,
		})
		c.TotalCost = c.TotalCost.Add(used.Mul(l.UnitCost))
		remaining = remaining.Sub(used)
	}

	c.UnitCost = c.TotalCost.Div(qty)
	return c, nil
}
