package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"
)

func (h *Handler) startProcessing(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, Processing.StartProcessing)
}

func (h *Handler) uploadAssets(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, Processing.UploadAssets)
}

func (h *Handler) finishOrder(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, Processing.FinishOrder)
}

// run starts a background operation and answers with the snapshot taken
// right after it was launched.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, op func(Processing, context.Context) error) {
	p, ok := h.processing(w, r)
	if !ok {
		return
	}
	if err := op(p, r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSnapshot(w, http.StatusAccepted, p.Snapshot())
}

// cancel blocks until the running attempt has settled.
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	p, ok := h.processing(w, r)
	if !ok {
		return
	}
	if err := p.Cancel(r.Context()); err != nil {
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

func (h *Handler) pendingUploads(w http.ResponseWriter, r *http.Request) {
	p, ok := h.processing(w, r)
	if !ok {
		return
	}
	pending, err := p.HasPendingUploads(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("pending")
		e.Bool(pending)
		e.ObjEnd()
	})
}
