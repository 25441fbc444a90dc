package checkout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/domain/payment"
)

// OrderService is the remote order service as used by the pipeline. Asset
// registration goes through asset.Uploader.
type OrderService interface {
	ComputeCost(ctx context.Context, o *order.Order) (*order.Cost, error)
	SubmitOrder(ctx context.Context, req order.SubmitRequest) (*order.Submission, error)
	PollSubmission(ctx context.Context, pollToken string) (*order.Submission, error)
}

// Payments authorizes payments and reports attempts left unfinished.
type Payments interface {
	payment.Orchestrator
	HasOpenAttempt(ctx context.Context, orderID string) (bool, error)
}

// Options tune the pipeline.
type Options struct {
	UploadWorkers int
	PollInterval  time.Duration
	MaxPolls      int
	// SubmitTimeout bounds a single submit or poll call.
	SubmitTimeout time.Duration
	// AuthorizeDuringUpload runs cost fetch and payment authorization while
	// assets are still uploading.
	AuthorizeDuringUpload bool
}

func (o Options) withDefaults() Options {
	if o.UploadWorkers <= 0 {
		o.UploadWorkers = asset.DefaultWorkers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = 30
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	return o
}

// Snapshot is a read-only view of a processor for display.
type Snapshot struct {
	OrderID  string
	State    State
	Running  bool
	Err      *Error
	Progress asset.Progress
	Jobs     []asset.Job
	// PaymentAction is set while the user has to complete a payment step.
	PaymentAction *payment.Action
	Order         *order.Order
}

type mode int

const (
	modeProcess mode = iota
	modeUpload
	modeFinish
)

func (m mode) String() string {
	switch m {
	case modeUpload:
		return "upload"
	case modeFinish:
		return "finish"
	default:
		return "process"
	}
}

var _ payment.Observer = (*Processor)(nil)

// Processor owns the lifecycle of a single order. At most one attempt runs at
// a time and only that attempt mutates the order and its jobs.
type Processor struct {
	id       string
	orders   order.Repository
	jobs     asset.Repository
	service  OrderService
	payments Payments
	coord    *asset.Coordinator
	notify   *notifier
	metrics  *metrics
	tracer   trace.Tracer
	opts     Options
	lg       *zap.Logger
	base     context.Context
	now      func() time.Time
	// onIdle is called whenever the processor becomes idle.
	onIdle   func(p *Processor)

	mu              sync.Mutex
	busy            bool
	cancelRequested bool
	stop            context.CancelFunc
	done            chan struct{}
	state           State
	lastErr         *Error
	order           *order.Order
	action          *payment.Action
}

// StartProcessing begins or resumes the pipeline in the background. It is a
// no-op while an attempt is running and fails with ErrCancelled for a
// cancelled order.
func (p *Processor) StartProcessing(ctx context.Context) error {
	o, err := p.orders.Get(ctx, p.id)
	if err != nil {
		return err
	}
	if o.Cancelled() {
		return ErrCancelled
	}
	attemptCtx, done, ok := p.reserve()
	if !ok {
		return nil
	}
	go p.attempt(attemptCtx, modeProcess, done)
	return nil
}

// UploadAssets uploads every job not registered yet, failed jobs included.
// It returns without starting anything when nothing is pending or an
// attempt is already running.
func (p *Processor) UploadAssets(ctx context.Context) error {
	attemptCtx, done, ok := p.reserve()
	if !ok {
		return nil
	}
	launched := false
	defer func() {
		if !launched {
			p.release()
		}
	}()

	o, err := p.orders.Get(ctx, p.id)
	if err != nil {
		return err
	}
	if o.Cancelled() {
		return ErrCancelled
	}
	if o.Submitted() {
		return nil
	}
	if err := p.prepareJobs(ctx, o); err != nil {
		return err
	}
	if p.coord.PendingCount() == 0 {
		return nil
	}

	launched = true
	go p.attempt(attemptCtx, modeUpload, done)
	return nil
}

// FinishOrder re-derives the order state and drives an uploaded order to a
// terminal state: cost refresh, payment, submission and polling. It fails
// with ErrUploadsPending while any asset is not registered.
func (p *Processor) FinishOrder(ctx context.Context) error {
	attemptCtx, done, ok := p.reserve()
	if !ok {
		return ErrBusy
	}
	launched := false
	defer func() {
		if !launched {
			p.release()
		}
	}()

	state, err := p.derive(ctx)
	if err != nil {
		return err
	}
	switch state {
	case StateCancelled:
		return ErrCancelled
	case StateCompleted:
		return nil
	case StateUploading, StateFailed:
		return ErrUploadsPending
	}

	launched = true
	go p.attempt(attemptCtx, modeFinish, done)
	return nil
}

// Cancel stops processing and waits until the running attempt has settled.
// A submission in flight is allowed to finish; if the order service accepted
// it the order completes instead. Cancelling a completed or already
// cancelled order is a no-op.
func (p *Processor) Cancel(ctx context.Context) error {
	p.mu.Lock()
	if p.busy {
		if !p.cancelRequested {
			p.cancelRequested = true
			p.stop()
			p.lg.Info("Cancellation requested")
		}
		done := p.done
		p.mu.Unlock()

		select {
		case <-done:
			// The reservation may have ended without an attempt recording the
			// cancellation; the second pass is a no-op otherwise.
			return p.Cancel(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Unlock()

	if _, _, ok := p.reserve(); !ok {
		// An attempt started in between; cancel it instead.
		return p.Cancel(ctx)
	}
	defer p.release()

	o, err := p.orders.Get(ctx, p.id)
	if err != nil {
		return err
	}
	p.setOrder(o)
	if o.Cancelled() || o.Completed() {
		return nil
	}
	if !o.Submitted() {
		if err := p.releaseAuthorization(ctx, o, "order cancelled"); err != nil {
			return err
		}
	}
	if err := p.markCancelled(ctx, o); err != nil {
		return err
	}
	p.setState(StateCancelled)
	return nil
}

// Update applies fn to the stored order and saves it. It fails with ErrBusy
// while an attempt runs, so a change never overwrites what the attempt
// persists.
func (p *Processor) Update(ctx context.Context, fn func(o *order.Order) error) error {
	if _, _, ok := p.reserve(); !ok {
		return ErrBusy
	}
	defer p.release()

	o, err := p.orders.Get(ctx, p.id)
	if err != nil {
		return err
	}
	if err := fn(o); err != nil {
		return err
	}
	o.UpdatedAt = p.now()
	if err := p.orders.Save(ctx, o); err != nil {
		return errors.Wrap(err, "save order")
	}
	p.setOrder(o)
	return nil
}

// HasPendingUploads reports whether any asset of the order is not registered
// yet, merging the in-process job state with the persisted one.
func (p *Processor) HasPendingUploads(ctx context.Context) (bool, error) {
	o, err := p.orders.Get(ctx, p.id)
	if err != nil {
		return false, err
	}
	if o.Submitted() {
		return false, nil
	}

	status := make(map[string]asset.Status)
	persisted, err := p.jobs.ListByOrder(ctx, p.id)
	if err != nil {
		return false, errors.Wrap(err, "list jobs")
	}
	for _, j := range persisted {
		status[j.AssetID] = j.Status
	}
	for _, j := range p.coord.Jobs() {
		if j.OrderID == p.id {
			status[j.AssetID] = j.Status
		}
	}
	for _, id := range o.AssetIDs() {
		if s, ok := status[id]; !ok || s != asset.StatusRegistered {
			return true, nil
		}
	}
	return false, nil
}

// Refresh re-derives the state from persisted data when no attempt is
// running and returns the resulting snapshot.
func (p *Processor) Refresh(ctx context.Context) (Snapshot, error) {
	if _, _, ok := p.reserve(); !ok {
		return p.Snapshot(), nil
	}
	state, err := p.derive(ctx)
	p.release()
	if err != nil {
		return Snapshot{}, err
	}

	if state == StateFailed {
		p.mu.Lock()
		if p.lastErr == nil {
			p.lastErr = &Error{Kind: KindUpload, Message: "assets failed to upload"}
		}
		p.mu.Unlock()
	}
	p.setState(state)
	snap := p.Snapshot()
	p.idle()
	return snap, nil
}

// Resume derives the state after a restart and restarts the pipeline for
// orders that were uploading, submitting or polling. Orders awaiting payment
// or failed wait for the user.
func (p *Processor) Resume(ctx context.Context) (State, error) {
	snap, err := p.Refresh(ctx)
	if err != nil {
		return "", err
	}
	if snap.Running || snap.Order == nil || snap.Order.StartedAt == nil {
		return snap.State, nil
	}
	switch snap.State {
	case StateUploading, StateSubmitting, StatePolling:
		p.lg.Info("Resuming processing", zap.String("state", string(snap.State)))
		if err := p.StartProcessing(ctx); err != nil {
			return snap.State, err
		}
	}
	return snap.State, nil
}

// Snapshot returns a copy of the processor's current view.
func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{
		OrderID: p.id,
		State:   p.state,
		Running: p.busy,
		Err:     p.lastErr,
	}
	if p.order != nil {
		s.Order = p.order.Clone()
	}
	if p.action != nil {
		a := *p.action
		s.PaymentAction = &a
	}
	p.mu.Unlock()

	s.Progress = p.coord.Progress()
	s.Jobs = p.coord.Jobs()
	return s
}

// ModalWillAppear records the payment step the user has to complete.
func (p *Processor) ModalWillAppear(a payment.Action) {
	p.mu.Lock()
	p.action = &a
	p.mu.Unlock()
	p.lg.Info("Payment requires user action", zap.String("method", string(a.Method)))
}

// ModalDidFinish clears the pending payment step.
func (p *Processor) ModalDidFinish() {
	p.mu.Lock()
	p.action = nil
	p.mu.Unlock()
}

func (p *Processor) reserve() (context.Context, chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.busy {
		return nil, nil, false
	}
	ctx, stop := context.WithCancel(p.base)
	p.busy = true
	p.cancelRequested = false
	p.stop = stop
	p.done = make(chan struct{})
	return ctx, p.done, true
}

func (p *Processor) release() {
	p.mu.Lock()
	p.stop()
	p.busy = false
	p.action = nil
	done := p.done
	p.mu.Unlock()
	close(done)
	p.idle()
}

func (p *Processor) idle() {
	if p.onIdle != nil {
		p.onIdle(p)
	}
}

// finished reports an idle processor of a completed or cancelled order.
// Such an order accepts no further work.
func (p *Processor) finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.busy && p.order != nil && (p.order.Completed() || p.order.Cancelled())
}

func (p *Processor) cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelRequested
}

// checkpoint is consulted between stages; it reports a pending cancellation
// or shutdown.
func (p *Processor) checkpoint(ctx context.Context) error {
	if p.cancelled() {
		return ErrCancelled
	}
	return ctx.Err()
}

func (p *Processor) derive(ctx context.Context) (State, error) {
	o, err := p.orders.Get(ctx, p.id)
	if err != nil {
		return "", err
	}
	p.setOrder(o)
	if _, err := p.coord.Load(ctx, p.id); err != nil {
		return "", err
	}
	dangling, err := p.payments.HasOpenAttempt(ctx, p.id)
	if err != nil {
		return "", errors.Wrap(err, "check payment attempts")
	}
	return DeriveState(o, p.coord.Jobs(), dangling), nil
}

func (p *Processor) attempt(ctx context.Context, m mode, done chan struct{}) {
	defer p.release()

	p.mu.Lock()
	p.lastErr = nil
	p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "checkout.attempt", trace.WithAttributes(
		attribute.String("order.id", p.id),
		attribute.String("checkout.mode", m.String()),
	))
	defer span.End()

	p.metrics.attemptStarted(ctx, m.String())
	p.lg.Info("Processing attempt started", zap.Stringer("mode", m))

	err := p.run(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.settle(ctx, m, err)
}

func (p *Processor) run(ctx context.Context, m mode) error {
	o, err := p.orders.Get(ctx, p.id)
	if err != nil {
		return wrapErr(KindSubmission, errors.Wrap(err, "load order"))
	}
	p.setOrder(o)

	if o.Cancelled() {
		return ErrCancelled
	}
	if o.Submitted() {
		if m == modeUpload {
			return nil
		}
		return p.confirm(ctx, o)
	}

	if err := o.Validate(); err != nil {
		return &Error{Kind: KindAPI, Message: err.Error(), Err: err}
	}
	if o.StartedAt == nil {
		now := p.now()
		o.StartedAt = &now
		if err := p.save(ctx, o); err != nil {
			return err
		}
	}

	if err := p.prepareJobs(ctx, o); err != nil {
		return wrapErr(KindUpload, err)
	}
	if m != modeFinish {
		// Explicit user action is the only retry trigger for failed jobs.
		if _, err := p.coord.RetryFailed(ctx); err != nil {
			return wrapErr(KindUpload, err)
		}
	}

	if p.coord.PendingCount() > 0 {
		if m == modeFinish {
			return wrapErr(KindUpload, ErrUploadsPending)
		}
		p.setState(StateUploading)
		if err := p.upload(ctx, o, m == modeProcess && p.opts.AuthorizeDuringUpload); err != nil {
			return err
		}
	}
	if m == modeUpload {
		return nil
	}

	if err := p.checkpoint(ctx); err != nil {
		return err
	}
	if err := p.ensurePaid(ctx, o, true); err != nil {
		return err
	}
	if err := p.checkpoint(ctx); err != nil {
		return err
	}
	return p.submit(ctx, o)
}

func (p *Processor) prepareJobs(ctx context.Context, o *order.Order) error {
	if _, err := p.coord.Load(ctx, o.ID); err != nil {
		return err
	}
	return p.coord.EnqueueAll(ctx, o.ID, o.AssetIDs())
}

// upload runs the coordinator, optionally authorizing payment alongside.
func (p *Processor) upload(ctx context.Context, o *order.Order, withPayment bool) error {
	start := p.now()
	defer func() { p.metrics.uploaded(ctx, p.now().Sub(start)) }()

	if !withPayment {
		if err := p.coord.Run(ctx); err != nil {
			return p.uploadErr(ctx, err)
		}
		return nil
	}

	var paid atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.coord.Run(gctx); err != nil {
			return p.uploadErr(gctx, err)
		}
		if !paid.Load() {
			p.setState(StateAwaitingPayment)
		}
		return nil
	})
	g.Go(func() error {
		defer paid.Store(true)
		return p.ensurePaid(gctx, o, false)
	})
	return g.Wait()
}

func (p *Processor) uploadErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classifyUpload(err)
}

// ensurePaid refreshes a stale cost and makes sure a valid authorization
// covers it. A free order carries no authorization.
func (p *Processor) ensurePaid(ctx context.Context, o *order.Order, announce bool) error {
	if err := p.ensureCost(ctx, o); err != nil {
		return err
	}
	if o.Cost.Free() {
		return p.releaseAuthorization(ctx, o, "order total is zero")
	}

	dangling, err := p.payments.HasOpenAttempt(ctx, o.ID)
	if err != nil {
		return wrapErr(KindPayment, errors.Wrap(err, "check payment attempts"))
	}
	if o.AuthorizationValid() && !dangling {
		return nil
	}
	if err := p.releaseAuthorization(ctx, o, "authorization is stale"); err != nil {
		return err
	}

	if announce {
		p.setState(StateAwaitingPayment)
	}
	auth, err := p.payments.Authorize(ctx, payment.Request{
		OrderID:     o.ID,
		Amount:      o.Cost.Total,
		Currency:    o.Cost.Currency,
		Fingerprint: o.Cost.Fingerprint,
		Method:      o.PaymentMethod,
		Source:      o.PaymentSource,
	}, p)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyPayment(err)
	}
	o.Authorization = auth
	return p.save(ctx, o)
}

func (p *Processor) ensureCost(ctx context.Context, o *order.Order) error {
	if !o.CostValid() {
		p.lg.Info("Fetching cost", zap.Bool("had_cost", o.Cost != nil))
		cost, err := p.service.ComputeCost(ctx, o)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classifyService(err)
		}
		cost.Fingerprint = o.Fingerprint()
		o.Cost = cost
		if err := p.save(ctx, o); err != nil {
			return err
		}
	}
	if reason := o.Cost.PromoInvalidReason; reason != "" {
		return &Error{Kind: KindAPI, Message: reason}
	}
	return nil
}

func (p *Processor) releaseAuthorization(ctx context.Context, o *order.Order, reason string) error {
	if o.Authorization == nil {
		return nil
	}
	auth := *o.Authorization
	if err := p.payments.Release(context.WithoutCancel(ctx), auth); err != nil {
		p.lg.Warn("Release authorization", zap.String("reason", reason), zap.Error(err))
	} else {
		p.lg.Info("Released authorization", zap.String("reason", reason))
	}
	o.Authorization = nil
	return p.save(ctx, o)
}

// submissionKey changes when the priced content of the order changes, so a
// resubmission after an edit is not deduplicated against the old one.
func submissionKey(o *order.Order) string {
	fp := o.Cost.Fingerprint
	if len(fp) > 16 {
		fp = fp[:16]
	}
	return o.ID + "-" + fp
}

// submit sends the order. The call and the recording of its result are not
// interrupted by cancellation.
func (p *Processor) submit(ctx context.Context, o *order.Order) error {
	p.notify.OrderWillFinish(o.ID)
	p.setState(StateSubmitting)

	var token string
	if o.Authorization != nil && !o.Cost.Free() {
		token = o.Authorization.Token
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.SubmitTimeout)
	defer cancel()

	sub, err := p.service.SubmitOrder(sctx, order.SubmitRequest{
		Order:          o,
		AssetURLs:      p.coord.URLs(),
		PaymentToken:   token,
		IdempotencyKey: submissionKey(o),
	})
	if err != nil {
		cerr := classifyService(err)
		if cerr.Kind == KindPayment && o.Authorization != nil {
			o.Authorization = nil
			if err := p.save(ctx, o); err != nil {
				return err
			}
		}
		return cerr
	}

	switch sub.Status {
	case order.SubmissionAccepted:
		return p.complete(ctx, o, sub.RemoteOrderID)
	case order.SubmissionPending:
		if sub.PollToken == "" {
			return &Error{Kind: KindSubmission, Message: "pending submission without poll token"}
		}
		o.PollToken = sub.PollToken
		if err := p.save(ctx, o); err != nil {
			return err
		}
		if err := p.checkpoint(ctx); err != nil {
			return err
		}
		return p.poll(ctx, o)
	default:
		return &Error{Kind: KindSubmission, Message: sub.Message}
	}
}

// confirm verifies an order the service already holds. It never resubmits.
func (p *Processor) confirm(ctx context.Context, o *order.Order) error {
	if o.RemoteOrderID != "" {
		if o.SubmittedAt == nil {
			return p.complete(ctx, o, o.RemoteOrderID)
		}
		return nil
	}
	return p.poll(ctx, o)
}

func (p *Processor) poll(ctx context.Context, o *order.Order) error {
	p.setState(StatePolling)

	for i := 0; i < p.opts.MaxPolls; i++ {
		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.checkpoint(ctx)
		case <-timer.C:
		}

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.SubmitTimeout)
		sub, err := p.service.PollSubmission(pctx, o.PollToken)
		cancel()

		if cerr := p.checkpoint(ctx); cerr != nil {
			p.lg.Info("Discarding poll result", zap.Error(cerr))
			return cerr
		}
		if err != nil {
			return classifyService(err)
		}

		switch sub.Status {
		case order.SubmissionPending:
			p.lg.Debug("Submission still pending", zap.Int("poll", i+1))
			continue
		case order.SubmissionAccepted:
			return p.complete(ctx, o, sub.RemoteOrderID)
		default:
			o.PollToken = ""
			if err := p.save(ctx, o); err != nil {
				return err
			}
			return &Error{Kind: KindAPI, Message: sub.Message}
		}
	}
	return &Error{
		Kind:    KindSubmission,
		Message: fmt.Sprintf("order confirmation still pending after %d polls", p.opts.MaxPolls),
	}
}

func (p *Processor) complete(ctx context.Context, o *order.Order, remoteID string) error {
	if remoteID == "" {
		return &Error{Kind: KindSubmission, Message: "accepted submission without order id"}
	}
	now := p.now()
	o.RemoteOrderID = remoteID
	o.SubmittedAt = &now
	if err := p.save(ctx, o); err != nil {
		return err
	}
	p.lg.Info("Order accepted", zap.String("remote_order_id", remoteID))
	return nil
}

func (p *Processor) markCancelled(ctx context.Context, o *order.Order) error {
	now := p.now()
	o.CancelledAt = &now
	return p.save(ctx, o)
}

// save persists the order regardless of ctx cancellation.
func (p *Processor) save(ctx context.Context, o *order.Order) error {
	o.UpdatedAt = p.now()
	if err := p.orders.Save(context.WithoutCancel(ctx), o); err != nil {
		p.lg.Error("Save order", zap.Error(err))
		return wrapErr(KindSubmission, errors.Wrap(err, "save order"))
	}
	p.setOrder(o)
	return nil
}

func (p *Processor) settle(ctx context.Context, m mode, err error) {
	terminal := m != modeUpload

	if err == nil {
		if !terminal {
			p.setState(p.derivedAfterUpload(ctx))
			p.metrics.attemptFinished(ctx, "uploaded")
			return
		}
		p.setState(StateCompleted)
		p.metrics.attemptFinished(ctx, "completed")
		p.notify.OrderDidComplete(p.id, nil)
		return
	}

	if p.cancelled() || errors.Is(err, ErrCancelled) {
		p.mu.Lock()
		o := p.order
		p.mu.Unlock()
		if o != nil && !o.Cancelled() && !o.Completed() {
			o = o.Clone()
			if !o.Submitted() {
				if rerr := p.releaseAuthorization(ctx, o, "order cancelled"); rerr != nil {
					p.lg.Error("Release authorization on cancel", zap.Error(rerr))
				}
			}
			if serr := p.markCancelled(ctx, o); serr != nil {
				p.lg.Error("Persist cancellation", zap.Error(serr))
			}
		}
		p.fail(ctx, StateCancelled, &Error{Kind: KindCancelled, Err: ErrCancelled}, terminal)
		return
	}

	if p.base.Err() != nil {
		p.lg.Info("Processing interrupted by shutdown", zap.Error(err))
		return
	}

	var perr *Error
	if !errors.As(err, &perr) {
		perr = wrapErr(KindSubmission, err)
	}
	state := StateFailed
	if perr.Kind == KindCancelled {
		state = StateCancelled
	}
	p.fail(ctx, state, perr, terminal)
}

func (p *Processor) fail(ctx context.Context, state State, perr *Error, terminal bool) {
	p.mu.Lock()
	p.lastErr = perr
	p.mu.Unlock()

	if perr.Kind == KindCancelled {
		p.lg.Info("Processing cancelled", zap.Error(perr))
	} else {
		p.lg.Warn("Processing failed", zap.String("kind", string(perr.Kind)), zap.Error(perr))
	}
	p.setState(state)
	p.metrics.attemptFinished(ctx, string(perr.Kind))
	if terminal {
		p.notify.OrderDidComplete(p.id, perr)
	}
}

func (p *Processor) derivedAfterUpload(ctx context.Context) State {
	p.mu.Lock()
	o := p.order
	p.mu.Unlock()
	if o == nil {
		return StateUploading
	}
	dangling, err := p.payments.HasOpenAttempt(ctx, p.id)
	if err != nil {
		p.lg.Warn("Check payment attempts", zap.Error(err))
	}
	return DeriveState(o, p.coord.Jobs(), dangling)
}

func (p *Processor) setOrder(o *order.Order) {
	c := o.Clone()
	p.mu.Lock()
	p.order = c
	p.mu.Unlock()
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	from := p.state
	p.state = s
	p.mu.Unlock()

	if from == s {
		return
	}
	p.lg.Info("State changed", zap.String("from", string(from)), zap.String("to", string(s)))
	p.notify.StateDidChange(p.id, from, s)
}
