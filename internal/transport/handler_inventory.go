package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/quorum/internal/inventory"
	"github.com/pitabwire/quorum/model"
)

func (h *handlers) receive(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var req inventory.ReceiptRequest
	if err := bind(r, h.logger, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := h.inventory.Receive(r.Context(), rctx.SubjectID, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}

func (h *handlers) issue(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var req inventory.IssueRequest
	if err := bind(r, h.logger, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := h.inventory.Issue(r.Context(), rctx.SubjectID, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}

func (h *handlers) transfer(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())

	var req inventory.TransferRequest
	if err := bind(r, h.logger, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := h.inventory.Transfer(r.Context(), rctx.SubjectID, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}

func (h *handlers) layers(w http.ResponseWriter, r *http.Request) {
	layers, err := h.inventory.Layers(r.Context(), chi.URLParam(r, "storeId"), chi.URLParam(r, "itemId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": layers})
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.inventory.Balance(r.Context(), chi.URLParam(r, "storeId"), chi.URLParam(r, "itemId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, bal)
}

func (h *handlers) movements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.inventory.Movements(r.Context(), chi.URLParam(r, "storeId"), chi.URLParam(r, "itemId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if movements == nil {
		movements = []model.StockMovement{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": movements})
}
