package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/order"
)

// Deps are the collaborators shared by all processors of a Manager.
type Deps struct {
	Orders   order.Repository
	Jobs     asset.Repository
	Source   asset.Source
	Uploader asset.Uploader
	Service  OrderService
	Payments Payments
	Delegate Delegate
	Logger   *zap.Logger

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Manager hands out one Processor per order.
type Manager struct {
	deps    Deps
	opts    Options
	base    context.Context
	notify  *notifier
	metrics *metrics
	tracer  trace.Tracer
	lg      *zap.Logger

	mu         sync.Mutex
	processors map[string]*Processor
}

// NewManager creates a Manager. Attempts run under ctx and are interrupted,
// without being cancelled, when it is done.
func NewManager(ctx context.Context, deps Deps, opts Options) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Delegate == nil {
		deps.Delegate = NopDelegate{}
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	m, err := newMetrics(deps.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	return &Manager{
		deps:       deps,
		opts:       opts.withDefaults(),
		base:       ctx,
		notify:     &notifier{d: deps.Delegate},
		metrics:    m,
		tracer:     tp.Tracer(instrumentationName),
		lg:         deps.Logger.Named("checkout"),
		processors: make(map[string]*Processor),
	}, nil
}

// Processor returns the processor of the order, creating it on first use.
// Processors of completed and cancelled orders are dropped once idle and
// rebuilt from persisted state on the next call.
func (m *Manager) Processor(orderID string) *Processor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.processors[orderID]; ok {
		return p
	}
	p := m.newProcessor(orderID)
	m.processors[orderID] = p
	return p
}

func (m *Manager) newProcessor(orderID string) *Processor {
	p := &Processor{
		id:       orderID,
		orders:   m.deps.Orders,
		jobs:     m.deps.Jobs,
		service:  m.deps.Service,
		payments: m.deps.Payments,
		notify:   m.notify,
		metrics:  m.metrics,
		tracer:   m.tracer,
		opts:     m.opts,
		lg:       m.lg.With(zap.String("order_id", orderID)),
		base:     m.base,
		now:      time.Now,
		onIdle:   m.evict,
	}
	p.coord = asset.NewCoordinator(m.deps.Jobs, m.deps.Source, m.deps.Uploader, m.opts.UploadWorkers,
		p.lg.Named("upload"),
		asset.Hooks{
			OnJobUpdate: func(j asset.Job) { m.notify.UploadStatusDidUpdate(orderID, j) },
			OnProgress:  func(pr asset.Progress) { m.notify.ProgressDidUpdate(orderID, pr) },
		},
	)
	return p
}

func (m *Manager) evict(p *Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processors[p.id] != p || !p.finished() {
		return
	}
	delete(m.processors, p.id)
	m.lg.Debug("Processor evicted", zap.String("order_id", p.id))
}

// ResumeAll resumes every order whose processing started and did not finish.
// A failure to resume one order does not stop the others.
func (m *Manager) ResumeAll(ctx context.Context) error {
	active, err := m.deps.Orders.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "list active orders")
	}
	m.lg.Info("Resuming active orders", zap.Int("count", len(active)))

	for _, o := range active {
		state, err := m.Processor(o.ID).Resume(ctx)
		if err != nil {
			m.lg.Error("Resume order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		m.lg.Info("Order resumed", zap.String("order_id", o.ID), zap.String("state", string(state)))
	}
	return nil
}

// Wait blocks until no attempt is running or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	var pending []chan struct{}
	for _, p := range m.processors {
		p.mu.Lock()
		if p.busy {
			pending = append(pending, p.done)
		}
		p.mu.Unlock()
	}
	m.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// notifier serializes delegate calls.
type notifier struct {
	mu sync.Mutex
	d  Delegate
}

func (n *notifier) StateDidChange(orderID string, from, to State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.d.StateDidChange(orderID, from, to)
}

func (n *notifier) OrderWillFinish(orderID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.d.OrderWillFinish(orderID)
}

func (n *notifier) UploadStatusDidUpdate(orderID string, j asset.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.d.UploadStatusDidUpdate(orderID, j)
}

func (n *notifier) ProgressDidUpdate(orderID string, p asset.Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.d.ProgressDidUpdate(orderID, p)
}

func (n *notifier) OrderDidComplete(orderID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.d.OrderDidComplete(orderID, err)
}
