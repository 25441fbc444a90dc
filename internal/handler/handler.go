// Package handler is the HTTP API the checkout UI drives.
package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/checkout"
	"github.com/xenking/print-checkout/internal/domain/order"
)

// Processing is the per-order pipeline the handler drives.
type Processing interface {
	StartProcessing(ctx context.Context) error
	UploadAssets(ctx context.Context) error
	FinishOrder(ctx context.Context) error
	Cancel(ctx context.Context) error
	HasPendingUploads(ctx context.Context) (bool, error)
	Update(ctx context.Context, fn func(o *order.Order) error) error
	Refresh(ctx context.Context) (checkout.Snapshot, error)
	Snapshot() checkout.Snapshot
}

// Processors looks up the pipeline of an order.
type Processors interface {
	Processing(orderID string) Processing
}

// ProcessorsFunc adapts a function to Processors.
type ProcessorsFunc func(orderID string) Processing

func (f ProcessorsFunc) Processing(orderID string) Processing { return f(orderID) }

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// DefaultCurrency is used for orders created without a currency.
	DefaultCurrency string
	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64
}

// Handler serves the checkout API.
type Handler struct {
	orders   order.Repository
	procs    Processors
	currency string
	maxBody  int64
	now      func() time.Time
	newID    func() string
}

// New constructs a Handler.
func New(cfg Config, orders order.Repository, procs Processors) *Handler {
	currency := cfg.DefaultCurrency
	if currency == "" {
		currency = "USD"
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		orders:   orders,
		procs:    procs,
		currency: currency,
		maxBody:  maxBody,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", h.createOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.getOrder)
	mux.HandleFunc("PUT /api/orders/{id}/promo", h.setPromo)
	mux.HandleFunc("POST /api/orders/{id}/process", h.startProcessing)
	mux.HandleFunc("POST /api/orders/{id}/uploads", h.uploadAssets)
	mux.HandleFunc("GET /api/orders/{id}/uploads/pending", h.pendingUploads)
	mux.HandleFunc("POST /api/orders/{id}/finish", h.finishOrder)
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.cancel)
	return mux
}

// processing returns the pipeline of an existing order.
func (h *Handler) processing(w http.ResponseWriter, r *http.Request) (Processing, bool) {
	id := r.PathValue("id")
	if _, err := h.orders.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return h.procs.Processing(id), true
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeMessage(w http.ResponseWriter, status int, message string, extra func(e *jx.Encoder)) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(message)
		if extra != nil {
			extra(e)
		}
		e.ObjEnd()
	})
}

// writeError maps domain errors to responses. Unknown errors are logged and
// answered with 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *order.ValidationError
		berr *badRequestError
	)
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "order not found", nil)
	case errors.Is(err, order.ErrEmptyItems):
		writeMessage(w, http.StatusBadRequest, err.Error(), nil)
	case errors.As(err, &verr):
		writeMessage(w, http.StatusUnprocessableEntity, "invalid order", func(e *jx.Encoder) {
			e.FieldStart("fields")
			e.ArrStart()
			for _, f := range verr.Fields {
				e.Str(f)
			}
			e.ArrEnd()
		})
	case errors.As(err, &berr):
		writeMessage(w, http.StatusBadRequest, berr.msg, nil)
	case errors.Is(err, errOrderClosed):
		writeMessage(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, checkout.ErrBusy):
		writeMessage(w, http.StatusConflict, "order is being processed", nil)
	case errors.Is(err, checkout.ErrCancelled):
		writeMessage(w, http.StatusConflict, "order is cancelled", nil)
	case errors.Is(err, checkout.ErrUploadsPending):
		writeMessage(w, http.StatusConflict, "assets are still uploading", nil)
	default:
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeMessage(w, http.StatusInternalServerError, "internal error", nil)
	}
}

var errOrderClosed = errors.New("order can no longer be changed")

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}
