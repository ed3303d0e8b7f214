package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stock movement types.
const (
	MovementReceipt     = "RECEIPT"
	MovementIssue       = "ISSUE"
	MovementTransferOut = "TRANSFER_OUT"
	MovementTransferIn  = "TRANSFER_IN"
)

// StockLayer is a dated batch of received inventory consumed oldest-first.
type StockLayer struct {
	ID                string          `json:"id"`
	StoreID           string          `json:"store_id"`
	StockItemID       string          `json:"stock_item_id"`
	ReceiptDate       time.Time       `json:"receipt_date"`
	ReceivedQuantity  decimal.Decimal `json:"received_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	MovementID        string          `json:"movement_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// StockMovement is an immutable ledger entry.
type StockMovement struct {
	ID              string          `json:"id"`
	StoreID         string          `json:"store_id"`
	StockItemID     string          `json:"stock_item_id"`
	MovementType    string          `json:"movement_type"`
	ReferenceNumber string          `json:"reference_number"`
	ReferenceType   string          `json:"reference_type,omitempty"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	MovementDate    time.Time       `json:"movement_date"`
	CreatedBy       string          `json:"created_by"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// LayerUsage records how much of one layer an issue consumed.
type LayerUsage struct {
	LayerID      string          `json:"layer_id"`
	ReceiptDate  time.Time       `json:"receipt_date"`
	QuantityUsed decimal.Decimal `json:"quantity_used"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
}

// StockBalance is the remaining quantity and value of an item in a store.
type StockBalance struct {
	StoreID     string          `json:"store_id"`
	StockItemID string          `json:"stock_item_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Value       decimal.Decimal `json:"value"`
	Layers      int             `json:"layers"`
}
