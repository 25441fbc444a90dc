package checkout

import (
	"github.com/xenking/print-checkout/internal/domain/asset"
)

// Delegate receives processing notifications. Calls for all orders of a
// Manager are serialized, so an implementation observes them in the order
// they happened.
type Delegate interface {
	StateDidChange(orderID string, from, to State)
	// OrderWillFinish is called right before the order is submitted.
	OrderWillFinish(orderID string)
	UploadStatusDidUpdate(orderID string, job asset.Job)
	ProgressDidUpdate(orderID string, p asset.Progress)
	// OrderDidComplete is called exactly once per processing attempt; a nil
	// error means the order was accepted.
	OrderDidComplete(orderID string, err error)
}

// NopDelegate ignores all notifications.
type NopDelegate struct{}

func (NopDelegate) StateDidChange(string, State, State) {}
func (NopDelegate) OrderWillFinish(string) {}
func (NopDelegate) UploadStatusDidUpdate(string, asset.Job) {}
func (NopDelegate) ProgressDidUpdate(string, asset.Progress) {}
func (NopDelegate) OrderDidComplete(string, error) {}
