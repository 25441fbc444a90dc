package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/print-checkout/internal/domain/checkout"
	"github.com/xenking/print-checkout/internal/domain/order"
)

// createOrder validates and stores a new order. Processing starts separately.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	o, err := decodeOrder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if o.Currency == "" {
		o.Currency = h.currency
	}
	if err := o.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	o.ID = h.newID()
	o.CreatedAt = h.now().UTC()

	if err := h.orders.Create(r.Context(), o); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.procs.Processing(o.ID).Refresh(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSnapshot(w, http.StatusCreated, snap)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := h.processing(w, r)
	if !ok {
		return
	}
	snap, err := p.Refresh(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSnapshot(w, http.StatusOK, snap)
}

// setPromo changes the promo code of an idle order. The cached cost and any
// authorization become stale and are renewed by the next attempt.
func (h *Handler) setPromo(w http.ResponseWriter, r *http.Request) {
	p, ok := h.processing(w, r)
	if !ok {
		return
	}
	code, err := decodePromo(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	err = p.Update(r.Context(), func(o *order.Order) error {
		if o.Submitted() || o.Cancelled() {
			return errOrderClosed
		}
		o.SetPromoCode(code)
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	snap, err := p.Refresh(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSnapshot(w, http.StatusOK, snap)
}

func writeSnapshot(w http.ResponseWriter, status int, snap checkout.Snapshot) {
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeSnapshot(e, snap)
	})
}
