package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/model"
)

// Reference types written on transfer movements.
const (
	ReferenceTransfer = "TRANSFER"
)

// ReceiptRequest adds a new layer of stock to a store.
type ReceiptRequest struct {
	StoreID         string          `json:"store_id" validate:"required"`
	StockItemID     string          `json:"stock_item_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	ReceiptDate     time.Time       `json:"receipt_date"`
	ReferenceNumber string          `json:"reference_number" validate:"required"`
	ReferenceType   string          `json:"reference_type,omitempty"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// IssueRequest draws stock out of a store.
type IssueRequest struct {
	StoreID         string          `json:"store_id" validate:"required"`
	StockItemID     string          `json:"stock_item_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	ReferenceNumber string          `json:"reference_number" validate:"required"`
	ReferenceType   string          `json:"reference_type" validate:"required"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	MovementDate    time.Time       `json:"movement_date"`
	CreatedBy       string          `json:"created_by,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// TransferRequest moves stock between two stores.
type TransferRequest struct {
	FromStoreID     string          `json:"from_store_id" validate:"required"`
	ToStoreID       string          `json:"to_store_id" validate:"required,nefield=FromStoreID"`
	StockItemID     string          `json:"stock_item_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	ReferenceNumber string          `json:"reference_number" validate:"required"`
	CreatedBy       string          `json:"created_by,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// ReceiptResult is the layer and movement a receipt created.
type ReceiptResult struct {
	Layer    model.StockLayer    `json:"layer"`
	Movement model.StockMovement `json:"movement"`
}

// IssueResult describes an issue and the layers it consumed.
type IssueResult struct {
	Movement  model.StockMovement `json:"movement"`
	Lines     []model.LayerUsage  `json:"lines"`
	UnitCost  decimal.Decimal     `json:"unit_cost"`
	TotalCost decimal.Decimal     `json:"total_cost"`
}

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	Out      model.StockMovement `json:"transfer_out"`
	In       model.StockMovement `json:"transfer_in"`
	Layer    model.StockLayer    `json:"layer"`
	Lines    []model.LayerUsage  `json:"lines"`
	UnitCost decimal.Decimal     `json:"unit_cost"`
}

// Service runs stock movements against a Ledger.
type Service struct {
	ledger  Ledger
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics the service records to.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates an inventory service.
func NewService(ledger Ledger, opts ...Option) *Service {
	s := &Service{
		ledger: ledger,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Receive records a receipt as a new layer and a RECEIPT movement.
func (s *Service) Receive(ctx context.Context, actor string, req ReceiptRequest) (ReceiptResult, error) {
	ctx, span := observability.StartSpan(ctx, "inventory.receive",
		observability.AttrStoreID.String(req.StoreID),
		observability.AttrStockItemID.String(req.StockItemID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if err = checkItem(req.StoreID, req.StockItemID, req.Quantity); err != nil {
		return ReceiptResult{}, err
	}
	if req.UnitCost.IsNegative() {
		err = model.NewBadRequestError("unit_cost must not be negative")
		return ReceiptResult{}, err
	}

	now := s.now()
	date := req.ReceiptDate
	if date.IsZero() {
		date = now
	}
	refType := req.ReferenceType
	if refType == "" {
		refType = model.MovementReceipt
	}

	movement := model.StockMovement{
		ID:              uuid.NewString(),
		StoreID:         req.StoreID,
		StockItemID:     req.StockItemID,
		MovementType:    model.MovementReceipt,
		ReferenceNumber: req.ReferenceNumber,
		ReferenceType:   refType,
		ReferenceID:     req.ReferenceID,
		Quantity:        req.Quantity,
		UnitCost:        req.UnitCost,
		TotalCost:       req.Quantity.Mul(req.UnitCost),
		MovementDate:    date,
		CreatedBy:       createdBy(req.CreatedBy, actor),
		Notes:           req.Notes,
		CreatedAt:       now,
	}
	layer := newLayer(movement, now)

	err = s.ledger.Atomic(ctx, func(ctx context.Context, tx LedgerTx) error {
		if err := tx.InsertLayer(ctx, layer); err != nil {
			return err
		}
		return tx.InsertMovement(ctx, movement)
	})
	if err != nil {
		err = model.AsEnvelope("record receipt", err)
		return ReceiptResult{}, err
	}

	s.metrics.RecordStockMovement(model.MovementReceipt)
	s.logger.Info("stock received",
		zap.String("store_id", req.StoreID),
		zap.String("stock_item_id", req.StockItemID),
		zap.String("quantity", req.Quantity.String()),
		zap.String("movement_id", movement.ID),
	)
	return ReceiptResult{Layer: layer, Movement: movement}, nil
}

// Issue consumes stock oldest layer first and records an ISSUE movement at
// the weighted cost of the layers used.
func (s *Service) Issue(ctx context.Context, actor string, req IssueRequest) (IssueResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "inventory.issue",
		observability.AttrStoreID.String(req.StoreID),
		observability.AttrStockItemID.String(req.StockItemID),
	)
	var err error
	defer func() {
		observability.EndSpanWithError(span, err)
		s.metrics.RecordStockIssue(time.Since(start))
	}()

	if err = checkItem(req.StoreID, req.StockItemID, req.Quantity); err != nil {
		return IssueResult{}, err
	}

	now := s.now()
	date := req.MovementDate
	if date.IsZero() {
		date = now
	}

	var result IssueResult
	err = s.ledger.Atomic(ctx, func(ctx context.Context, tx LedgerTx) error {
		c, err := consumeLocked(ctx, tx, req.StoreID, req.StockItemID, req.Quantity)
		if err != nil {
			return err
		}
		movement := model.StockMovement{
			ID:              uuid.NewString(),
			StoreID:         req.StoreID,
			StockItemID:     req.StockItemID,
			MovementType:    model.MovementIssue,
			ReferenceNumber: req.ReferenceNumber,
			ReferenceType:   req.ReferenceType,
			ReferenceID:     req.ReferenceID,
			Quantity:        req.Quantity,
			UnitCost:        c.UnitCost,
			TotalCost:       c.TotalCost,
			MovementDate:    date,
			CreatedBy:       createdBy(req.CreatedBy, actor),
			Notes:           req.Notes,
			CreatedAt:       now,
		}
		if err := tx.InsertMovement(ctx, movement); err != nil {
			return err
		}
		result = IssueResult{Movement: movement, Lines: c.Lines, UnitCost: c.UnitCost, TotalCost: c.TotalCost}
		return nil
	})
	if err != nil {
		err = s.failure("issue stock", err)
		return IssueResult{}, err
	}

	s.metrics.RecordStockMovement(model.MovementIssue)
	s.logger.Info("stock issued",
		zap.String("store_id", req.StoreID),
		zap.String("stock_item_id", req.StockItemID),
		zap.String("quantity", req.Quantity.String()),
		zap.String("unit_cost", result.UnitCost.StringFixed(4)),
		zap.Int("layers", len(result.Lines)),
	)
	return result, nil
}

// Transfer issues from the source store and receives into the destination
// at the weighted issue cost. Both legs commit together or not at all.
func (s *Service) Transfer(ctx context.Context, actor string, req TransferRequest) (TransferResult, error) {
	ctx, span := observability.StartSpan(ctx, "inventory.transfer",
		observability.AttrStoreID.String(req.FromStoreID),
		observability.AttrStockItemID.String(req.StockItemID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if err = checkItem(req.FromStoreID, req.StockItemID, req.Quantity); err != nil {
		return TransferResult{}, err
	}
	if req.ToStoreID == "" || req.ToStoreID == req.FromStoreID {
		err = model.NewBadRequestError("to_store_id must name a different store")
		return TransferResult{}, err
	}

	now := s.now()
	by := createdBy(req.CreatedBy, actor)

	var result TransferResult
	err = s.ledger.Atomic(ctx, func(ctx context.Context, tx LedgerTx) error {
		// Step 1: Consume from the source store.
		c, err := consumeLocked(ctx, tx, req.FromStoreID, req.StockItemID, req.Quantity)
		if err != nil {
			return err
		}

		// Step 2: Record the outgoing leg.
		out := model.StockMovement{
			ID:              uuid.NewString(),
			StoreID:         req.FromStoreID,
			StockItemID:     req.StockItemID,
			MovementType:    model.MovementTransferOut,
			ReferenceNumber: req.ReferenceNumber,
			ReferenceType:   ReferenceTransfer,
			Quantity:        req.Quantity,
			UnitCost:        c.UnitCost,
			TotalCost:       c.TotalCost,
			MovementDate:    now,
			CreatedBy:       by,
			Notes:           transferNote("Transfer to store", req.ToStoreID, req.Notes),
			CreatedAt:       now,
		}
		if err := tx.InsertMovement(ctx, out); err != nil {
			return err
		}

		// Step 3: Receive into the destination at the weighted cost.
		in := out
		in.ID = uuid.NewString()
		in.StoreID = req.ToStoreID
		in.MovementType = model.MovementTransferIn
		in.ReferenceID = out.ID
		in.Notes = transferNote("Transfer from store", req.FromStoreID, req.Notes)
		layer := newLayer(in, now)
		if err := tx.InsertLayer(ctx, layer); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, in); err != nil {
			return err
		}

		result = TransferResult{Out: out, In: in, Layer: layer, Lines: c.Lines, UnitCost: c.UnitCost}
		return nil
	})
	if err != nil {
		err = s.failure("transfer stock", err)
		return TransferResult{}, err
	}

	s.metrics.RecordStockMovement(model.MovementTransferOut)
	s.metrics.RecordStockMovement(model.MovementTransferIn)
	s.logger.Info("stock transferred",
		zap.String("from_store_id", req.FromStoreID),
		zap.String("to_store_id", req.ToStoreID),
		zap.String("stock_item_id", req.StockItemID),
		zap.String("quantity", req.Quantity.String()),
		zap.String("unit_cost", result.UnitCost.StringFixed(4)),
	)
	return result, nil
}

// Layers returns the open layers of an item in a store, oldest first.
func (s *Service) Layers(ctx context.Context, storeID, stockItemID string) ([]model.StockLayer, error) {
	layers, err := s.ledger.OpenLayers(ctx, storeID, stockItemID)
	if err != nil {
		return nil, model.AsEnvelope("load stock layers", err)
	}
	if layers == nil {
		layers = []model.StockLayer{}
	}
	return layers, nil
}

// Balance returns the remaining quantity and FIFO value of an item in a store.
func (s *Service) Balance(ctx context.Context, storeID, stockItemID string) (model.StockBalance, error) {
	layers, err := s.Layers(ctx, storeID, stockItemID)
	if err != nil {
		return model.StockBalance{}, err
	}
	b := model.StockBalance{
		StoreID:     storeID,
		StockItemID: stockItemID,
		Quantity:    decimal.Zero,
		Value:       decimal.Zero,
		Layers:      len(layers),
	}
	for _, l := range layers {
		b.Quantity = b.Quantity.Add(l.RemainingQuantity)
		b.Value = b.Value.Add(l.RemainingQuantity.Mul(l.UnitCost))
	}
	return b, nil
}

// Movements returns the ledger entries of an item in a store, oldest first.
func (s *Service) Movements(ctx context.Context, storeID, stockItemID string) ([]model.StockMovement, error) {
	ms, err := s.ledger.Movements(ctx, storeID, stockItemID)
	if err != nil {
		return nil, model.AsEnvelope("load stock movements", err)
	}
	if ms == nil {
		ms = []model.StockMovement{}
	}
	return ms, nil
}

// consumeLocked draws qty from the locked layers and writes the new
// remaining quantities.
func consumeLocked(ctx context.Context, tx LedgerTx, storeID, stockItemID string, qty decimal.Decimal) (Consumption, error) {
	layers, err := tx.LockLayers(ctx, storeID, stockItemID)
	if err != nil {
		return Consumption{}, err
	}
	c, err := Consume(layers, qty)
	if err != nil {
		return Consumption{}, err
	}

	remaining := make(map[string]decimal.Decimal, len(layers))
	for _, l := range layers {
		remaining[l.ID] = l.RemainingQuantity
	}
	for _, line := range c.Lines {
		if err := tx.UpdateLayerRemaining(ctx, line.LayerID, remaining[line.LayerID].Sub(line.QuantityUsed)); err != nil {
			return Consumption{}, err
		}
	}
	return c, nil
}

func (s *Service) failure(op string, err error) error {
	env := model.AsEnvelope(op, err)
	if env.Code == model.ErrInsufficientStock {
		s.metrics.RecordStockShortage()
		s.logger.Warn("insufficient stock", zap.String("op", op), zap.String("message", env.Message))
	} else if env.Code == model.ErrPersistence {
		s.logger.Error("ledger failure", zap.String("op", op), zap.Error(err))
	}
	return env
}

func newLayer(m model.StockMovement, now time.Time) model.StockLayer {
	return model.StockLayer{
		ID:                uuid.NewString(),
		StoreID:           m.StoreID,
		StockItemID:       m.StockItemID,
		ReceiptDate:       m.MovementDate,
		ReceivedQuantity:  m.Quantity,
		RemainingQuantity: m.Quantity,
		UnitCost:          m.UnitCost,
		MovementID:        m.ID,
		CreatedAt:         now,
	}
}

func checkItem(storeID, stockItemID string, qty decimal.Decimal) error {
	if storeID == "" || stockItemID == "" {
		return model.NewBadRequestError("store_id and stock_item_id are required")
	}
	if !qty.IsPositive() {
		return model.NewBadRequestError("quantity must be positive")
	}
	return nil
}

func createdBy(explicit, actor string) string {
	if explicit != "" {
		return explicit
	}
	return actor
}

func transferNote(prefix, store, notes string) string {
	note := fmt.Sprintf("%s: %s", prefix, store)
	if notes != "" {
		note += " (" + notes + ")"
	}
	return note
}
