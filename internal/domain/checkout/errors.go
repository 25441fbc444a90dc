package checkout

import (
	"github.com/go-faster/errors"

	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/domain/payment"
)

// Sentinel errors returned by processor operations.
var (
	ErrUploadsPending = errors.New("asset uploads pending")
	ErrCancelled      = errors.New("order processing cancelled")
	ErrBusy           = errors.New("order is being processed")
)

// Kind classifies why a processing attempt did not complete.
type Kind string

const (
	// KindUpload means an asset failed to register.
	KindUpload Kind = "upload"
	// KindUploadProcessing means the service rejected the registered assets as a batch.
	KindUploadProcessing Kind = "upload_processing"
	// KindPayment means authorization failed or was declined.
	KindPayment Kind = "payment"
	// KindSubmission is a generic service or network failure during submit or poll.
	KindSubmission Kind = "submission"
	// KindAPI carries a user-facing reason supplied by the order service.
	KindAPI Kind = "api"
	// KindCancelled is an explicit user abort.
	KindCancelled Kind = "cancelled"
)

// Error is the terminal error of a processing attempt.
type Error struct {
	Kind Kind
	// Message is shown to the user verbatim for KindAPI.
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return string(e.Kind) + ": " + e.Message
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether re-invoking the pipeline without user input may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpload, KindSubmission:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of a processing error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func wrapErr(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// classifyService maps an order service error to the kind it fails an attempt with.
func classifyService(err error) *Error {
	var apiErr *order.APIError
	switch {
	case errors.Is(err, order.ErrAssetsRejected):
		return &Error{Kind: KindUploadProcessing, Message: messageOf(err), Err: err}
	case errors.As(err, &apiErr) && apiErr.Code == "payment_declined":
		return &Error{Kind: KindPayment, Message: apiErr.Message, Err: err}
	case errors.As(err, &apiErr):
		return &Error{Kind: KindAPI, Message: apiErr.Message, Err: err}
	default:
		return wrapErr(KindSubmission, err)
	}
}

func classifyPayment(err error) *Error {
	if errors.Is(err, payment.ErrCancelled) {
		return wrapErr(KindCancelled, err)
	}
	return wrapErr(KindPayment, err)
}

func classifyUpload(err error) *Error {
	var uerr *asset.UploadError
	if errors.As(err, &uerr) {
		return &Error{Kind: KindUpload, Message: "assets failed to upload", Err: err}
	}
	return wrapErr(KindUpload, err)
}

func messageOf(err error) string {
	var apiErr *order.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}
