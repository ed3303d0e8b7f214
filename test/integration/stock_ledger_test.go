package integration

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/quorum/internal/inventory"
	"github.com/pitabwire/quorum/model"
)

func balanceOf(t *testing.T, h *TestHarness, store, item string) model.StockBalance {
	t.Helper()
	var bal model.StockBalance
	h.AssertJSON(t, h.GET("/api/v1/inventory/stores/"+store+"/items/"+item+"/balance", "storekeeper"), http.StatusOK, &bal)
	return bal
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestStock_FIFOIssueAndTransfer(t *testing.T) {
	h := NewTestHarness(t)
	day := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

	// Step 1: Two receipts at different costs. The later-dated one is
	// posted first; FIFO follows receipt date, not posting order.
	h.AssertStatus(t, h.POST("/api/v1/inventory/receipts", ReceiptFixture("WH-1", "BOLT-M8", "10", "7.00", day.Add(24*time.Hour)), "storekeeper"), http.StatusCreated)
	h.AssertStatus(t, h.POST("/api/v1/inventory/receipts", ReceiptFixture("WH-1", "BOLT-M8", "10", "5.00", day), "storekeeper"), http.StatusCreated)

	bal := balanceOf(t, h, "WH-1", "BOLT-M8")
	assertDecimal(t, "quantity", bal.Quantity, "20")
	assertDecimal(t, "value", bal.Value, "120")

	// Step 2: Issue 15 consumes the whole 5.00 layer, then 5 at 7.00.
	var issued inventory.IssueResult
	h.AssertJSON(t, h.POST("/api/v1/inventory/issues", IssueFixture("WH-1", "BOLT-M8", "15", "WO-1"), "storekeeper"),
		http.StatusCreated, &issued)
	if len(issued.Lines) != 2 {
		t.Fatalf("lines = %s", FormatJSON(issued.Lines))
	}
	assertDecimal(t, "line 1 quantity", issued.Lines[0].QuantityUsed, "10")
	assertDecimal(t, "line 1 cost", issued.Lines[0].UnitCost, "5")
	assertDecimal(t, "line 2 quantity", issued.Lines[1].QuantityUsed, "5")
	assertDecimal(t, "line 2 cost", issued.Lines[1].UnitCost, "7")
	assertDecimal(t, "total cost", issued.TotalCost, "85")
	if issued.Movement.MovementType != model.MovementIssue {
		t.Errorf("movement type = %q, want ISSUE", issued.Movement.MovementType)
	}

	// Step 3: Over-issue fails and leaves the ledger untouched.
	resp := h.POST("/api/v1/inventory/issues", IssueFixture("WH-1", "BOLT-M8", "6", "WO-2"), "storekeeper")
	h.AssertError(t, resp, http.StatusConflict, model.ErrInsufficientStock)

	bal = balanceOf(t, h, "WH-1", "BOLT-M8")
	assertDecimal(t, "quantity after failed issue", bal.Quantity, "5")
	assertDecimal(t, "value after failed issue", bal.Value, "35")

	// Step 4: Transfer the rest to a second store at cost.
	var moved inventory.TransferResult
	h.AssertJSON(t, h.POST("/api/v1/inventory/transfers", map[string]any{
		"from_store_id":    "WH-1",
		"to_store_id":      "WH-2",
		"stock_item_id":    "BOLT-M8",
		"quantity":         "5",
		"reference_number": "TR-1",
	}, "storekeeper"), http.StatusCreated, &moved)
	if moved.Out.MovementType != model.MovementTransferOut || moved.In.MovementType != model.MovementTransferIn {
		t.Errorf("movement types = %q/%q", moved.Out.MovementType, moved.In.MovementType)
	}

	assertDecimal(t, "source quantity", balanceOf(t, h, "WH-1", "BOLT-M8").Quantity, "0")
	dest := balanceOf(t, h, "WH-2", "BOLT-M8")
	assertDecimal(t, "destination quantity", dest.Quantity, "5")
	assertDecimal(t, "destination value", dest.Value, "35")

	// Step 5: The source ledger holds every movement.
	var movements struct {
		Data []model.StockMovement `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/v1/inventory/stores/WH-1/items/BOLT-M8/movements", "storekeeper"), http.StatusOK, &movements)
	if len(movements.Data) != 4 {
		t.Errorf("movements = %d, want 4 (2 receipts, issue, transfer out)", len(movements.Data))
	}
}

func TestStock_TransferToSameStoreRejected(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.POST("/api/v1/inventory/transfers", map[string]any{
		"from_store_id":    "WH-1",
		"to_store_id":      "WH-1",
		"stock_item_id":    "BOLT-M8",
		"quantity":         "1",
		"reference_number": "TR-2",
	}, "storekeeper")
	if resp.StatusCode < 400 || resp.StatusCode >= 500 {
		t.Errorf("status = %d, want a client error", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStock_ConcurrentIssuesNeverOversell(t *testing.T) {
	h := NewTestHarness(t)
	day := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	h.AssertStatus(t, h.POST("/api/v1/inventory/receipts", ReceiptFixture("WH-9", "VALVE", "100", "2.50", day), "storekeeper"), http.StatusCreated)

	const workers = 20
	statuses := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp := h.POST("/api/v1/inventory/issues", IssueFixture("WH-9", "VALVE", "10", fmt.Sprintf("WO-%d", n)), "storekeeper")
			resp.Body.Close()
			statuses <- resp.StatusCode
		}(i)
	}
	wg.Wait()
	close(statuses)

	var created, conflicts int
	for s := range statuses {
		switch s {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicts++
		default:
			t.Errorf("unexpected status %d", s)
		}
	}
	if created != 10 || conflicts != 10 {
		t.Errorf("created/conflicts = %d/%d, want 10/10", created, conflicts)
	}

	bal := balanceOf(t, h, "WH-9", "VALVE")
	assertDecimal(t, "quantity", bal.Quantity, "0")
	assertDecimal(t, "value", bal.Value, "0")
}
