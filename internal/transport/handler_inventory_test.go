package transport

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/quorum/internal/inventory"
	"github.com/pitabwire/quorum/model"
)

func (s *testServer) receive(t *testing.T, store, qty, cost, date string) {
	t.Helper()
	w := s.do(t, "POST", "/api/v1/inventory/receipts", "clerk", map[string]any{
		"store_id":         store,
		"stock_item_id":    "CEMENT",
		"quantity":         qty,
		"unit_cost":        cost,
		"receipt_date":     date,
		"reference_number": "GRN-" + date,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("receive status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestHandleInventory_issueFIFO(t *testing.T) {
	s := newTestServer(t, nil)
	s.receive(t, "S1", "100", "10", "2026-01-01T00:00:00Z")
	s.receive(t, "S1", "50", "12", "2026-02-01T00:00:00Z")

	w := s.do(t, "POST", "/api/v1/inventory/issues", "clerk", map[string]any{
		"store_id":         "S1",
		"stock_item_id":    "CEMENT",
		"quantity":         "120",
		"reference_number": "MR-1",
		"reference_type":   "MATERIAL_REQUEST",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body %s", w.Code, w.Body.String())
	}
	res := decodeBody[inventory.IssueResult](t, w)
	if !res.TotalCost.Equal(decimal.NewFromInt(1240)) {
		t.Errorf("total cost = %s, want 1240", res.TotalCost)
	}
	if len(res.Lines) != 2 {
		t.Errorf("lines = %d, want 2", len(res.Lines))
	}
	if res.Movement.CreatedBy != "clerk" {
		t.Errorf("created_by = %q, want clerk", res.Movement.CreatedBy)
	}

	w = s.do(t, "GET", "/api/v1/inventory/stores/S1/items/CEMENT/balance", "clerk", nil)
	bal := decodeBody[model.StockBalance](t, w)
	if !bal.Quantity.Equal(decimal.NewFromInt(30)) || !bal.Value.Equal(decimal.NewFromInt(360)) {
		t.Errorf("balance = %s / %s, want 30 / 360", bal.Quantity, bal.Value)
	}
}

func TestHandleInventory_insufficientStock(t *testing.T) {
	s := newTestServer(t, nil)
	s.receive(t, "S1", "10", "5", "2026-01-01T00:00:00Z")

	w := s.do(t, "POST", "/api/v1/inventory/issues", "clerk", map[string]any{
		"store_id":         "S1",
		"stock_item_id":    "CEMENT",
		"quantity":         "11",
		"reference_number": "MR-2",
		"reference_type":   "MATERIAL_REQUEST",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrInsufficientStock {
		t.Errorf("code = %q, want INSUFFICIENT_STOCK", code)
	}

	w = s.do(t, "GET", "/api/v1/inventory/stores/S1/items/CEMENT/layers", "clerk", nil)
	layers := decodeBody[struct {
		Data []model.StockLayer `json:"data"`
	}](t, w).Data
	if len(layers) != 1 || !layers[0].RemainingQuantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("layers = %+v, want the untouched receipt", layers)
	}
}

func TestHandleInventory_transfer(t *testing.T) {
	s := newTestServer(t, nil)
	s.receive(t, "S1", "20", "6", "2026-01-01T00:00:00Z")

	w := s.do(t, "POST", "/api/v1/inventory/transfers", "clerk", map[string]any{
		"from_store_id":    "S1",
		"to_store_id":      "S1",
		"stock_item_id":    "CEMENT",
		"quantity":         "5",
		"reference_number": "TR-1",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("same-store status = %d, want 422", w.Code)
	}

	w = s.do(t, "POST", "/api/v1/inventory/transfers", "clerk", map[string]any{
		"from_store_id":    "S1",
		"to_store_id":      "S2",
		"stock_item_id":    "CEMENT",
		"quantity":         "5",
		"reference_number": "TR-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("transfer status = %d, body %s", w.Code, w.Body.String())
	}
	res := decodeBody[inventory.TransferResult](t, w)
	if res.In.ReferenceID != res.Out.ID {
		t.Errorf("transfer in reference = %q, want %q", res.In.ReferenceID, res.Out.ID)
	}

	w = s.do(t, "GET", "/api/v1/inventory/stores/S2/items/CEMENT/balance", "clerk", nil)
	bal := decodeBody[model.StockBalance](t, w)
	if !bal.Quantity.Equal(decimal.NewFromInt(5)) || !bal.Value.Equal(decimal.NewFromInt(30)) {
		t.Errorf("destination balance = %s / %s, want 5 / 30", bal.Quantity, bal.Value)
	}

	w = s.do(t, "GET", "/api/v1/inventory/stores/S1/items/CEMENT/movements", "clerk", nil)
	movements := decodeBody[struct {
		Data []model.StockMovement `json:"data"`
	}](t, w).Data
	if len(movements) != 2 {
		t.Errorf("source movements = %d, want receipt and transfer out", len(movements))
	}
}

func TestHandleInventory_missingFields(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, "POST", "/api/v1/inventory/receipts", "clerk", map[string]any{
		"quantity":  "1",
		"unit_cost": "1",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	resp := decodeBody[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w)
	if len(resp.Error.Details) != 3 {
		t.Errorf("details = %+v, want store_id, stock_item_id, reference_number", resp.Error.Details)
	}
}
