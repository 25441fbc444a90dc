// Package asset tracks the upload and remote registration of the images
// referenced by an order.
package asset

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Status is the upload state of a single asset job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusRegistered Status = "registered"
	StatusFailed     Status = "failed"
)

// Job tracks one asset's upload and registration for an order.
type Job struct {
	OrderID   string
	AssetID   string
	Status    Status
	RemoteURL string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Registered reports whether the job reached its final, immutable state.
func (j Job) Registered() bool {
	return j.Status == StatusRegistered
}

// Repository persists jobs independently of the order they belong to.
type Repository interface {
	ListByOrder(ctx context.Context, orderID string) ([]Job, error)
	// Upsert stores the job. Implementations must not overwrite a job that is
	// already registered.
	Upsert(ctx context.Context, job Job) error
}

// Source opens the bytes of an asset.
type Source interface {
	Open(ctx context.Context, assetID string) (io.ReadCloser, error)
}

// Uploader registers asset bytes with the order service and returns the
// remote URL the asset is reachable at.
type Uploader interface {
	RegisterAsset(ctx context.Context, assetID string, body io.Reader) (string, error)
}

// UploadError reports the assets that failed to register during a run.
type UploadError struct {
	AssetIDs []string
	// Last is the error of the last failed job.
	Last error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %d asset(s) [%s]: %v", len(e.AssetIDs), strings.Join(e.AssetIDs, ", "), e.Last)
}

func (e *UploadError) Unwrap() error {
	return e.Last
}

// Progress is the fraction of jobs registered, counted by jobs rather than bytes.
type Progress struct {
	Registered int
	Total      int
}

// Fraction returns completion in [0, 1]. An empty job set is complete.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Registered) / float64(p.Total)
}
