package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrAssetsRejected is matched by service errors rejecting the registered
// assets of an order as a batch.
var ErrAssetsRejected = errors.New("assets rejected")

// SubmissionStatus is the order service's answer to a submit or poll.
type SubmissionStatus string

const (
	// SubmissionAccepted means the order was durably accepted.
	SubmissionAccepted SubmissionStatus = "accepted"
	// SubmissionPending means acceptance will be confirmed asynchronously.
	SubmissionPending SubmissionStatus = "pending"
	// SubmissionRejected means the service refused the order.
	SubmissionRejected SubmissionStatus = "rejected"
)

// Submission is the result of submitting or polling an order.
type Submission struct {
	Status        SubmissionStatus
	RemoteOrderID string
	PollToken     string
	// Message is the service-supplied reason for a rejection.
	Message string
}

// SubmitRequest carries everything the order service needs to accept an order.
type SubmitRequest struct {
	Order *Order
	// AssetURLs maps asset ids to their registered remote URLs.
	AssetURLs map[string]string
	// PaymentToken is empty when nothing is left to pay.
	PaymentToken string
	// IdempotencyKey identifies the submission so that a retried request is
	// not accepted twice.
	IdempotencyKey string
}

// APIError is returned when the order service rejects a request with a
// human-readable reason meant for the user.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("order service: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("order service: %s", e.Message)
}

// Is matches ErrAssetsRejected for batch asset rejections.
func (e *APIError) Is(target error) bool {
	return target == ErrAssetsRejected && e.Code == "assets_rejected"
}
