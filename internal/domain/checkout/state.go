// Package checkout drives an order through asset upload, payment
// authorization, submission and confirmation polling.
package checkout

import (
	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/order"
)

// State is the processing state of an order. It is never stored; it is
// derived from the persisted order, its jobs and its payment attempts.
type State string

const (
	StateUploading       State = "uploading"
	StateAwaitingPayment State = "awaiting_payment"
	StateSubmitting      State = "submitting"
	StatePolling         State = "polling"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further transition happens without user action.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// DeriveState computes where processing of o stands from persisted data only.
// danglingPayment reports an authorization attempt that was started and never
// finished. A failed job derives StateFailed with reason KindUpload; other
// failure reasons are not persisted and re-derive the state whose
// precondition failed.
func DeriveState(o *order.Order, jobs []asset.Job, danglingPayment bool) State {
	switch {
	case o.Cancelled():
		return StateCancelled
	case o.RemoteOrderID != "":
		return StateCompleted
	case o.PollToken != "":
		return StatePolling
	}

	tracked := make(map[string]struct{}, len(jobs))
	anyPending := false
	for _, j := range jobs {
		tracked[j.AssetID] = struct{}{}
		switch j.Status {
		case asset.StatusFailed:
			return StateFailed
		case asset.StatusRegistered:
		default:
			anyPending = true
		}
	}
	if anyPending {
		return StateUploading
	}
	for _, id := range o.AssetIDs() {
		if _, ok := tracked[id]; !ok {
			return StateUploading
		}
	}

	if !o.CostValid() || danglingPayment {
		return StateAwaitingPayment
	}
	if !o.Cost.Free() && !o.AuthorizationValid() {
		return StateAwaitingPayment
	}
	return StateSubmitting
}
