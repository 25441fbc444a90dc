package asset

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the number of concurrent uploads when none is configured.
const DefaultWorkers = 4

// Hooks receive job and progress updates. They are called from the goroutine
// running the coordinator method that caused the update, never concurrently.
type Hooks struct {
	OnJobUpdate func(Job)
	OnProgress  func(Progress)
}

// Coordinator owns the upload jobs of a single order. Jobs are de-duplicated
// by asset id and uploaded by a bounded set of workers; every status change is
// applied and persisted on the goroutine that called Run.
type Coordinator struct {
	repo     Repository
	source   Source
	uploader Uploader
	workers  int
	hooks    Hooks
	lg       *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	orderID string
	jobs    map[string]*Job
	ids     []string
}

// NewCoordinator creates a Coordinator. A non-positive worker count falls back
// to DefaultWorkers.
func NewCoordinator(repo Repository, source Source, uploader Uploader, workers int, lg *zap.Logger, hooks Hooks) *Coordinator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Coordinator{
		repo:     repo,
		source:   source,
		uploader: uploader,
		workers:  workers,
		hooks:    hooks,
		lg:       lg,
		now:      time.Now,
		jobs:     make(map[string]*Job),
	}
}

// Load replaces the in-memory job set with the persisted jobs of the order.
// Jobs left uploading by an interrupted process go back to pending. It reports
// whether any jobs were persisted.
func (c *Coordinator) Load(ctx context.Context, orderID string) (bool, error) {
	persisted, err := c.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return false, errors.Wrap(err, "list jobs")
	}

	c.mu.Lock()
	c.orderID = orderID
	c.jobs = make(map[string]*Job, len(persisted))
	c.ids = c.ids[:0]
	var stale []Job
	for i := range persisted {
		j := persisted[i]
		if j.Status == StatusUploading {
			j.Status = StatusPending
			j.UpdatedAt = c.now()
			stale = append(stale, j)
		}
		c.jobs[j.AssetID] = &j
		c.ids = append(c.ids, j.AssetID)
	}
	c.mu.Unlock()

	for _, j := range stale {
		c.lg.Info("Resuming interrupted upload", zap.String("asset_id", j.AssetID))
		if err := c.repo.Upsert(ctx, j); err != nil {
			return false, errors.Wrapf(err, "reset job %s", j.AssetID)
		}
	}
	return len(persisted) > 0, nil
}

// EnqueueAll creates a pending job for every asset id not tracked yet.
// Duplicate ids, within the call or against existing jobs, are ignored.
func (c *Coordinator) EnqueueAll(ctx context.Context, orderID string, assetIDs []string) error {
	c.mu.Lock()
	if c.orderID != orderID {
		c.orderID = orderID
		c.jobs = make(map[string]*Job)
		c.ids = nil
	}
	var created []Job
	for _, id := range assetIDs {
		if _, ok := c.jobs[id]; ok {
			continue
		}
		j := &Job{OrderID: orderID, AssetID: id, Status: StatusPending, UpdatedAt: c.now()}
		c.jobs[id] = j
		c.ids = append(c.ids, id)
		created = append(created, *j)
	}
	c.mu.Unlock()

	for _, j := range created {
		if err := c.repo.Upsert(ctx, j); err != nil {
			return errors.Wrapf(err, "create job %s", j.AssetID)
		}
	}
	return nil
}

// PendingCount returns the number of jobs not registered yet, failed included.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, j := range c.jobs {
		if !j.Registered() {
			n++
		}
	}
	return n
}

// RetryFailed moves failed jobs back to pending and returns how many were re-armed.
func (c *Coordinator) RetryFailed(ctx context.Context) (int, error) {
	c.mu.Lock()
	var rearmed []Job
	for _, id := range c.ids {
		j := c.jobs[id]
		if j.Status != StatusFailed {
			continue
		}
		j.Status = StatusPending
		j.UpdatedAt = c.now()
		rearmed = append(rearmed, *j)
	}
	c.mu.Unlock()

	for _, j := range rearmed {
		if err := c.repo.Upsert(ctx, j); err != nil {
			return 0, errors.Wrapf(err, "rearm job %s", j.AssetID)
		}
		c.notifyJob(j)
	}
	return len(rearmed), nil
}

// Progress returns the registered share of the job set.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

func (c *Coordinator) progressLocked() Progress {
	p := Progress{Total: len(c.jobs)}
	for _, j := range c.jobs {
		if j.Registered() {
			p.Registered++
		}
	}
	return p
}

// Jobs returns a copy of the job set in enqueue order.
func (c *Coordinator) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Job, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, *c.jobs[id])
	}
	return out
}

// URLs maps every registered asset id to its remote URL.
func (c *Coordinator) URLs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	urls := make(map[string]string, len(c.jobs))
	for id, j := range c.jobs {
		if j.Registered() {
			urls[id] = j.RemoteURL
		}
	}
	return urls
}

type uploadResult struct {
	assetID string
	url     string
	err     error
}

// Run uploads every pending job with at most the configured number of
// workers. Each job moves pending -> uploading -> registered|failed once.
// Failed jobs are not retried within a run. On cancellation in-flight jobs
// return to pending and ctx.Err() is returned; otherwise an *UploadError
// lists every job left failed.
func (c *Coordinator) Run(ctx context.Context) error {
	pending := c.idsWithStatus(StatusPending)

	var persistErr error
	if len(pending) > 0 {
		persistErr = c.dispatch(ctx, pending)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if failed := c.idsWithStatus(StatusFailed); len(failed) > 0 {
		return &UploadError{AssetIDs: failed, Last: c.lastError(failed[len(failed)-1])}
	}
	return persistErr
}

func (c *Coordinator) dispatch(ctx context.Context, pending []string) error {
	feed := make(chan string)
	results := make(chan uploadResult)

	var g errgroup.Group
	for range min(c.workers, len(pending)) {
		g.Go(func() error {
			for id := range feed {
				url, err := c.upload(ctx, id)
				results <- uploadResult{assetID: id, url: url, err: err}
			}
			return nil
		})
	}

	var persistErr error
	record := func(err error) {
		if err != nil && persistErr == nil {
			persistErr = err
		}
	}

	next, inFlight := 0, 0
	for (next < len(pending) && ctx.Err() == nil) || inFlight > 0 {
		var (
			send chan<- string
			done <-chan struct{}
			id   string
		)
		if next < len(pending) && ctx.Err() == nil {
			send, done, id = feed, ctx.Done(), pending[next]
		}

		select {
		case send <- id:
			next++
			inFlight++
			record(c.markUploading(ctx, id))
		case r := <-results:
			inFlight--
			record(c.apply(ctx, r))
		case <-done:
			// Stop dispatching; in-flight workers observe ctx and report back.
		}
	}
	close(feed)
	_ = g.Wait()

	return persistErr
}

func (c *Coordinator) upload(ctx context.Context, assetID string) (string, error) {
	body, err := c.source.Open(ctx, assetID)
	if err != nil {
		return "", errors.Wrap(err, "open asset")
	}
	defer func() { _ = body.Close() }()

	url, err := c.uploader.RegisterAsset(ctx, assetID, body)
	if err != nil {
		return "", errors.Wrap(err, "register asset")
	}
	if url == "" {
		return "", errors.New("register asset: empty url")
	}
	return url, nil
}

func (c *Coordinator) markUploading(ctx context.Context, assetID string) error {
	c.mu.Lock()
	j := c.jobs[assetID]
	j.Status = StatusUploading
	j.Attempts++
	j.UpdatedAt = c.now()
	snapshot := *j
	c.mu.Unlock()

	c.notifyJob(snapshot)
	return c.persist(ctx, snapshot)
}

func (c *Coordinator) apply(ctx context.Context, r uploadResult) error {
	c.mu.Lock()
	j := c.jobs[r.assetID]
	switch {
	case r.err == nil:
		j.Status = StatusRegistered
		j.RemoteURL = r.url
		j.LastError = ""
	case ctx.Err() != nil:
		j.Status = StatusPending
	default:
		j.Status = StatusFailed
		j.LastError = r.err.Error()
	}
	j.UpdatedAt = c.now()
	snapshot := *j
	progress := c.progressLocked()
	c.mu.Unlock()

	if snapshot.Status == StatusFailed {
		c.lg.Warn("Asset upload failed",
			zap.String("asset_id", snapshot.AssetID),
			zap.Int("attempts", snapshot.Attempts),
			zap.Error(r.err),
		)
	}

	c.notifyJob(snapshot)
	if snapshot.Registered() && c.hooks.OnProgress != nil {
		c.hooks.OnProgress(progress)
	}
	return c.persist(ctx, snapshot)
}

// persist stores a job even when ctx is cancelled so the recorded state
// matches what happened.
func (c *Coordinator) persist(ctx context.Context, j Job) error {
	if err := c.repo.Upsert(context.WithoutCancel(ctx), j); err != nil {
		c.lg.Error("Persist job", zap.String("asset_id", j.AssetID), zap.Error(err))
		return errors.Wrapf(err, "persist job %s", j.AssetID)
	}
	return nil
}

func (c *Coordinator) notifyJob(j Job) {
	if c.hooks.OnJobUpdate != nil {
		c.hooks.OnJobUpdate(j)
	}
}

func (c *Coordinator) idsWithStatus(s Status) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, id := range c.ids {
		if c.jobs[id].Status == s {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) lastError(assetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.New(c.jobs[assetID].LastError)
}
