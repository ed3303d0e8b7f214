package inventory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/model"
)

type fixture struct {
	ledger  *MemoryLedger
	svc     *Service
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := NewMemoryLedger()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	now := day1.Add(30 * 24 * time.Hour)
	return &fixture{
		ledger:  ledger,
		metrics: metrics,
		svc:     NewService(ledger, WithMetrics(metrics), WithClock(func() time.Time { return now })),
	}
}

func (f *fixture) receive(t *testing.T, store string, date time.Time, qty, cost string) ReceiptResult {
	t.Helper()
	res, err := f.svc.Receive(context.Background(), "clerk", ReceiptRequest{
		StoreID:         store,
		StockItemID:     "rebar",
		Quantity:        d(qty),
		UnitCost:        d(cost),
		ReceiptDate:     date,
		ReferenceNumber: "GRN-" + qty,
	})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	return res
}

func (f *fixture) balance(t *testing.T, store string) model.StockBalance {
	t.Helper()
	bal, err := f.svc.Balance(context.Background(), store, "rebar")
	if err != nil {
		t.Fatalf("Balance(%s) error = %v", store, err)
	}
	return bal
}

func issueReq(store, qty string) IssueRequest {
	return IssueRequest{
		StoreID:         store,
		StockItemID:     "rebar",
		Quantity:        d(qty),
		ReferenceNumber: "MR-1",
		ReferenceType:   "MATERIAL_REQUEST",
	}
}

func TestService_Receive(t *testing.T) {
	f := newFixture(t)

	res := f.receive(t, "main", day1, "50", "10")

	m := res.Movement
	if m.MovementType != model.MovementReceipt || m.ReferenceType != model.MovementReceipt {
		t.Errorf("movement type = %s/%s, want RECEIPT", m.MovementType, m.ReferenceType)
	}
	if m.CreatedBy != "clerk" {
		t.Errorf("CreatedBy = %q, want clerk", m.CreatedBy)
	}
	if !m.TotalCost.Equal(d("500")) {
		t.Errorf("TotalCost = %s, want 500", m.TotalCost)
	}
	if res.Layer.MovementID != m.ID {
		t.Errorf("layer MovementID = %q, want %q", res.Layer.MovementID, m.ID)
	}
	if !res.Layer.RemainingQuantity.Equal(d("50")) || !res.Layer.ReceiptDate.Equal(day1) {
		t.Errorf("layer = %+v", res.Layer)
	}
	if got := testutil.ToFloat64(f.metrics.StockMovementsTotal.WithLabelValues(model.MovementReceipt)); got != 1 {
		t.Errorf("receipt movements = %v, want 1", got)
	}
}

func TestService_Receive_validation(t *testing.T) {
	f := newFixture(t)

	tests := map[string]ReceiptRequest{
		"zero quantity": {StoreID: "main", StockItemID: "rebar", Quantity: d("0")},
		"negative cost": {StoreID: "main", StockItemID: "rebar", Quantity: d("1"), UnitCost: d("-1")},
		"no store":      {StockItemID: "rebar", Quantity: d("1")},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Receive(context.Background(), "clerk", req)
			if !model.HasCode(err, model.ErrBadRequest) {
				t.Errorf("Receive() error = %v, want BAD_REQUEST", err)
			}
		})
	}
}

func TestService_Issue_fifo(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "main", day1.AddDate(0, 0, 1), "100", "12")
	f.receive(t, "main", day1, "50", "10")

	res, err := f.svc.Issue(context.Background(), "storekeeper", issueReq("main", "120"))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if res.Movement.MovementType != model.MovementIssue || res.Movement.CreatedBy != "storekeeper" {
		t.Errorf("movement = %+v", res.Movement)
	}
	if got := res.UnitCost.StringFixed(4); got != "11.1667" {
		t.Errorf("UnitCost = %s, want 11.1667", got)
	}
	if !res.TotalCost.Equal(d("1340")) {
		t.Errorf("TotalCost = %s, want 1340", res.TotalCost)
	}
	if len(res.Lines) != 2 || !res.Lines[0].ReceiptDate.Equal(day1) {
		t.Fatalf("lines = %+v, want the day-1 layer first", res.Lines)
	}

	layers, err := f.svc.Layers(context.Background(), "main", "rebar")
	if err != nil {
		t.Fatalf("Layers() error = %v", err)
	}
	// The first layer is fully consumed.
	if len(layers) != 1 || !layers[0].RemainingQuantity.Equal(d("30")) {
		t.Errorf("layers = %+v, want one layer with 30 left", layers)
	}

	bal := f.balance(t, "main")
	if !bal.Quantity.Equal(d("30")) || !bal.Value.Equal(d("360")) || bal.Layers != 1 {
		t.Errorf("balance = %s units, %s value, %d layers; want 30, 360, 1", bal.Quantity, bal.Value, bal.Layers)
	}
}

func TestService_Issue_insufficientStockChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "main", day1, "50", "10")
	f.receive(t, "main", day1.AddDate(0, 0, 1), "100", "12")

	_, err := f.svc.Issue(context.Background(), "storekeeper", issueReq("main", "200"))
	if !model.HasCode(err, model.ErrInsufficientStock) {
		t.Fatalf("Issue() error = %v, want INSUFFICIENT_STOCK", err)
	}
	if !strings.Contains(err.Error(), "Available: 150, Requested: 200") {
		t.Errorf("Error() = %q", err.Error())
	}

	if bal := f.balance(t, "main"); !bal.Quantity.Equal(d("150")) {
		t.Errorf("balance = %s, want 150", bal.Quantity)
	}
	movements, _ := f.svc.Movements(context.Background(), "main", "rebar")
	if len(movements) != 2 {
		t.Errorf("movements = %d, want only the 2 receipts", len(movements))
	}
	if got := testutil.ToFloat64(f.metrics.StockShortagesTotal); got != 1 {
		t.Errorf("shortages = %v, want 1", got)
	}
}

func TestService_Issue_emptyStore(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Issue(context.Background(), "storekeeper", issueReq("main", "1"))
	if !model.HasCode(err, model.ErrInsufficientStock) {
		t.Errorf("Issue() error = %v, want INSUFFICIENT_STOCK", err)
	}
}

func TestService_Issue_concurrentNeverOversells(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "main", day1, "100", "5")

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		short     atomic.Int32
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Issue(context.Background(), "storekeeper", issueReq("main", "10"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case model.HasCode(err, model.ErrInsufficientStock):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 10 || short.Load() != 2 {
		t.Errorf("succeeded = %d, short = %d; want 10, 2", succeeded.Load(), short.Load())
	}
	if bal := f.balance(t, "main"); !bal.Quantity.IsZero() {
		t.Errorf("balance = %s, want 0", bal.Quantity)
	}
}

func TestService_Transfer(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "main", day1, "50", "10")
	f.receive(t, "main", day1.AddDate(0, 0, 1), "100", "12")

	res, err := f.svc.Transfer(context.Background(), "planner", TransferRequest{
		FromStoreID:     "main",
		ToStoreID:       "site-7",
		StockItemID:     "rebar",
		Quantity:        d("120"),
		ReferenceNumber: "TR-9",
	})
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}

	if res.Out.MovementType != model.MovementTransferOut || res.Out.StoreID != "main" {
		t.Errorf("out = %s at %s", res.Out.MovementType, res.Out.StoreID)
	}
	if res.In.MovementType != model.MovementTransferIn || res.In.StoreID != "site-7" {
		t.Errorf("in = %s at %s", res.In.MovementType, res.In.StoreID)
	}
	if res.In.ReferenceID != res.Out.ID {
		t.Errorf("in ReferenceID = %q, want %q", res.In.ReferenceID, res.Out.ID)
	}
	if res.Out.Notes != "Transfer to store: site-7" || res.In.Notes != "Transfer from store: main" {
		t.Errorf("notes = %q / %q", res.Out.Notes, res.In.Notes)
	}
	if got := res.UnitCost.StringFixed(4); got != "11.1667" {
		t.Errorf("UnitCost = %s, want 11.1667", got)
	}
	if !res.In.UnitCost.Equal(res.Out.UnitCost) {
		t.Errorf("unit cost in %s, out %s", res.In.UnitCost, res.Out.UnitCost)
	}

	if src := f.balance(t, "main"); !src.Quantity.Equal(d("30")) {
		t.Errorf("source = %s, want 30", src.Quantity)
	}
	dst := f.balance(t, "site-7")
	if !dst.Quantity.Equal(d("120")) || dst.Value.StringFixed(2) != "1340.00" {
		t.Errorf("destination = %s units worth %s, want 120 worth 1340.00", dst.Quantity, dst.Value)
	}
	if got := testutil.ToFloat64(f.metrics.StockMovementsTotal.WithLabelValues(model.MovementTransferIn)); got != 1 {
		t.Errorf("transfer-in movements = %v, want 1", got)
	}
}

func TestService_Transfer_validation(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "main", day1, "50", "10")

	_, err := f.svc.Transfer(context.Background(), "planner", TransferRequest{
		FromStoreID: "main", ToStoreID: "main", StockItemID: "rebar", Quantity: d("1"),
	})
	if !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("same store: error = %v, want BAD_REQUEST", err)
	}

	_, err = f.svc.Transfer(context.Background(), "planner", TransferRequest{
		FromStoreID: "main", ToStoreID: "site-7", StockItemID: "rebar", Quantity: d("51"),
	})
	if !model.HasCode(err, model.ErrInsufficientStock) {
		t.Errorf("short: error = %v, want INSUFFICIENT_STOCK", err)
	}
}

// failingLedger fails every layer insert into one store.
type failingLedger struct {
	*MemoryLedger
	store string
}

func (l *failingLedger) Atomic(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	return l.MemoryLedger.Atomic(ctx, func(ctx context.Context, tx LedgerTx) error {
		return fn(ctx, &failingTx{LedgerTx: tx, store: l.store})
	})
}

type failingTx struct {
	LedgerTx
	store string
}

func (tx *failingTx) InsertLayer(ctx context.Context, layer model.StockLayer) error {
	if layer.StoreID == tx.store {
		return errors.New("disk full")
	}
	return tx.LedgerTx.InsertLayer(ctx, layer)
}

func TestService_Transfer_destinationFailureLeavesSourceUntouched(t *testing.T) {
	mem := NewMemoryLedger()
	svc := NewService(&failingLedger{MemoryLedger: mem, store: "site-7"})
	_, err := svc.Receive(context.Background(), "clerk", ReceiptRequest{
		StoreID: "main", StockItemID: "rebar", Quantity: d("50"), UnitCost: d("10"), ReceiptDate: day1, ReferenceNumber: "GRN",
	})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	_, err = svc.Transfer(context.Background(), "planner", TransferRequest{
		FromStoreID: "main", ToStoreID: "site-7", StockItemID: "rebar", Quantity: d("20"), ReferenceNumber: "TR",
	})
	if !model.HasCode(err, model.ErrPersistence) {
		t.Fatalf("Transfer() error = %v, want PERSISTENCE_ERROR", err)
	}

	src, _ := svc.Balance(context.Background(), "main", "rebar")
	if !src.Quantity.Equal(d("50")) {
		t.Errorf("source = %s, want 50 untouched", src.Quantity)
	}
	movements, _ := svc.Movements(context.Background(), "main", "rebar")
	if len(movements) != 1 {
		t.Errorf("movements = %d, want only the receipt", len(movements))
	}
}

func TestService_Layers_emptyIsNotNil(t *testing.T) {
	f := newFixture(t)
	layers, err := f.svc.Layers(context.Background(), "nowhere", "nothing")
	if err != nil {
		t.Fatalf("Layers() error = %v", err)
	}
	if layers == nil || len(layers) != 0 {
		t.Errorf("Layers() = %#v, want empty non-nil", layers)
	}

	if bal := f.balance(t, "nowhere"); !bal.Quantity.IsZero() {
		t.Errorf("balance = %s, want 0", bal.Quantity)
	}
}

func TestMemoryLedger_rollbackOnError(t *testing.T) {
	l := NewMemoryLedger()
	err := l.Atomic(context.Background(), func(ctx context.Context, tx LedgerTx) error {
		if err := tx.InsertLayer(ctx, layer("l1", day1, "5", "1")); err != nil {
			t.Fatalf("InsertLayer() error = %v", err)
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("Atomic() = nil, want the abort error")
	}

	if layers, _ := l.OpenLayers(context.Background(), "main", "rebar"); len(layers) != 0 {
		t.Errorf("layers = %d after rollback, want 0", len(layers))
	}
}

func TestMemoryLedger_readsOwnWrites(t *testing.T) {
	l := NewMemoryLedger()
	err := l.Atomic(context.Background(), func(ctx context.Context, tx LedgerTx) error {
		if err := tx.InsertLayer(ctx, layer("l1", day1, "5", "1")); err != nil {
			return err
		}
		if err := tx.UpdateLayerRemaining(ctx, "l1", d("2")); err != nil {
			return err
		}
		got, err := tx.LockLayers(ctx, "main", "rebar")
		if err != nil {
			return err
		}
		if len(got) != 1 || !got[0].RemainingQuantity.Equal(d("2")) {
			t.Errorf("locked layers = %+v, want one with 2 left", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic() error = %v", err)
	}

	layers, _ := l.OpenLayers(context.Background(), "main", "rebar")
	if len(layers) != 1 || !layers[0].RemainingQuantity.Equal(d("2")) {
		t.Errorf("committed layers = %+v, want one with 2 left", layers)
	}
}

func TestMemoryLedger_duplicateLayer(t *testing.T) {
	l := NewMemoryLedger()
	insert := func() error {
		return l.Atomic(context.Background(), func(ctx context.Context, tx LedgerTx) error {
			return tx.InsertLayer(ctx, layer("l1", day1, "5", "1"))
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert error = %v", err)
	}
	if err := insert(); !model.HasCode(err, model.ErrConflict) {
		t.Errorf("second insert error = %v, want CONFLICT", err)
	}
}

func TestMemoryLedger_updateUnknownLayer(t *testing.T) {
	l := NewMemoryLedger()
	err := l.Atomic(context.Background(), func(ctx context.Context, tx LedgerTx) error {
		return tx.UpdateLayerRemaining(ctx, "ghost", d("1"))
	})
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}
