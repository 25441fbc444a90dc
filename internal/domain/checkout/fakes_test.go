package checkout

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/domain/payment"
)

// --- Mock implementations ---

type memOrders struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func newMemOrders(orders ...*order.Order) *memOrders {
	r := &memOrders{orders: make(map[string]*order.Order)}
	for _, o := range orders {
		r.orders[o.ID] = o.Clone()
	}
	return r
}

func (r *memOrders) Create(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *memOrders) Get(_ context.Context, id string) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *memOrders) Save(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; !ok {
		return order.ErrNotFound
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *memOrders) ListActive(_ context.Context) ([]*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*order.Order
	for _, o := range r.orders {
		if o.StartedAt != nil && o.RemoteOrderID == "" && !o.Cancelled() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (r *memOrders) get(t *testing.T, id string) *order.Order {
	t.Helper()
	o, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]asset.Job
}

func newMemJobs(jobs ...asset.Job) *memJobs {
	r := &memJobs{jobs: make(map[string]asset.Job)}
	for _, j := range jobs {
		r.jobs[j.OrderID+"/"+j.AssetID] = j
	}
	return r
}

func (r *memJobs) ListByOrder(_ context.Context, orderID string) ([]asset.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []asset.Job
	for _, j := range r.jobs {
		if j.OrderID == orderID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobs) Upsert(_ context.Context, j asset.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := j.OrderID + "/" + j.AssetID
	if prev, ok := r.jobs[key]; ok && prev.Registered() {
		return nil
	}
	r.jobs[key] = j
	return nil
}

type stringSource struct{}

func (stringSource) Open(_ context.Context, assetID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(assetID)), nil
}

type fakeUploader struct {
	mu       sync.Mutex
	failOnce map[string]bool
	calls    map[string]int
	// block makes uploads wait for ctx cancellation.
	block bool
	// gate, when set, must be closed before uploads complete.
	gate    chan struct{}
	started chan string
}

func (u *fakeUploader) RegisterAsset(ctx context.Context, assetID string, _ io.Reader) (string, error) {
	u.mu.Lock()
	if u.calls == nil {
		u.calls = make(map[string]int)
	}
	u.calls[assetID]++
	fail := u.failOnce[assetID] && u.calls[assetID] == 1
	u.mu.Unlock()

	if u.started != nil {
		select {
		case u.started <- assetID:
		default:
		}
	}
	if u.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if u.gate != nil {
		select {
		case <-u.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail {
		return "", io.ErrUnexpectedEOF
	}
	return "https://cdn.example.com/" + assetID, nil
}

type fakeService struct {
	mu           sync.Mutex
	total        decimal.Decimal
	promoInvalid string
	submit       *order.Submission
	submitErr    error
	polls        []*order.Submission
	pollErr      error

	costCalls   int
	submitCalls int
	pollCalls   int
	lastSubmit  order.SubmitRequest
}

func (s *fakeService) ComputeCost(_ context.Context, o *order.Order) (*order.Cost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costCalls++
	return &order.Cost{
		Total:              s.total,
		Currency:           o.Currency,
		PromoInvalidReason: s.promoInvalid,
	}, nil
}

func (s *fakeService) SubmitOrder(_ context.Context, req order.SubmitRequest) (*order.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCalls++
	s.lastSubmit = req
	s.lastSubmit.Order = req.Order.Clone()
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	if s.submit != nil {
		sub := *s.submit
		return &sub, nil
	}
	return &order.Submission{Status: order.SubmissionAccepted, RemoteOrderID: "R-" + req.Order.ID}, nil
}

func (s *fakeService) PollSubmission(_ context.Context, _ string) (*order.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCalls++
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	if len(s.polls) == 0 {
		return &order.Submission{Status: order.SubmissionPending}, nil
	}
	sub := *s.polls[0]
	if len(s.polls) > 1 {
		s.polls = s.polls[1:]
	}
	return &sub, nil
}

func (s *fakeService) counts() (cost, submit, poll int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.costCalls, s.submitCalls, s.pollCalls
}

type fakePayments struct {
	mu          sync.Mutex
	err         error
	dangling    bool
	authorized  int
	released    []string
	onAuthorize func()
}

func (p *fakePayments) Authorize(_ context.Context, req payment.Request, obs payment.Observer) (*order.Authorization, error) {
	obs.ModalWillAppear(payment.Action{Method: req.Method})
	defer obs.ModalDidFinish()

	p.mu.Lock()
	p.authorized++
	n := p.authorized
	p.dangling = false
	err := p.err
	hook := p.onAuthorize
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &order.Authorization{
		Token:        "tok_" + strconv.Itoa(n),
		Method:       req.Method,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Fingerprint:  req.Fingerprint,
		AuthorizedAt: time.Now(),
	}, nil
}

func (p *fakePayments) Release(_ context.Context, auth order.Authorization) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, auth.Token)
	return nil
}

func (p *fakePayments) HasOpenAttempt(_ context.Context, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dangling, nil
}

func (p *fakePayments) stats() (authorized int, released []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authorized, append([]string(nil), p.released...)
}

type completion struct {
	orderID string
	err     error
	// polls is the number of poll calls made when the completion fired.
	polls int
}

type recordingDelegate struct {
	mu          sync.Mutex
	transitions map[string][]State
	willFinish  int
	progress    []asset.Progress
	jobUpdates  int
	completions []completion
	done        chan completion
	pollCount   func() int
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		transitions: make(map[string][]State),
		done:        make(chan completion, 16),
	}
}

func (d *recordingDelegate) StateDidChange(orderID string, _, to State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitions[orderID] = append(d.transitions[orderID], to)
}

func (d *recordingDelegate) OrderWillFinish(string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.willFinish++
}

func (d *recordingDelegate) UploadStatusDidUpdate(string, asset.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobUpdates++
}

func (d *recordingDelegate) ProgressDidUpdate(_ string, p asset.Progress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = append(d.progress, p)
}

func (d *recordingDelegate) OrderDidComplete(orderID string, err error) {
	c := completion{orderID: orderID, err: err}
	if d.pollCount != nil {
		c.polls = d.pollCount()
	}
	d.mu.Lock()
	d.completions = append(d.completions, c)
	d.mu.Unlock()
	d.done <- c
}

func (d *recordingDelegate) states(orderID string) []State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]State(nil), d.transitions[orderID]...)
}

func (d *recordingDelegate) completionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.completions)
}

// --- Helpers ---

type harness struct {
	orders   *memOrders
	jobs     *memJobs
	uploader *fakeUploader
	service  *fakeService
	payments *fakePayments
	delegate *recordingDelegate
	manager  *Manager
}

func newHarness(t *testing.T, opts Options, orders ...*order.Order) *harness {
	t.Helper()
	h := &harness{
		orders:   newMemOrders(orders...),
		jobs:     newMemJobs(),
		uploader: &fakeUploader{},
		service:  &fakeService{total: decimal.RequireFromString("19.99")},
		payments: &fakePayments{},
		delegate: newRecordingDelegate(),
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.MaxPolls == 0 {
		opts.MaxPolls = 5
	}
	if opts.UploadWorkers == 0 {
		opts.UploadWorkers = 2
	}
	if opts.SubmitTimeout == 0 {
		opts.SubmitTimeout = time.Second
	}

	m, err := NewManager(context.Background(), Deps{
		Orders:   h.orders,
		Jobs:     h.jobs,
		Source:   stringSource{},
		Uploader: h.uploader,
		Service:  h.service,
		Payments: h.payments,
		Delegate: h.delegate,
		Logger:   zap.NewNop(),
	}, opts)
	require.NoError(t, err)
	h.manager = m
	return h
}

// waitComplete returns the next terminal notification and waits until the
// attempt has released the processor.
func (h *harness) waitComplete(t *testing.T) completion {
	t.Helper()
	select {
	case c := <-h.delegate.done:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.manager.Wait(ctx))
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("processing did not complete")
		return completion{}
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Wait(ctx))
}

// newTestOrder returns an order whose two items reference three distinct assets.
func newTestOrder(id string) *order.Order {
	return &order.Order{
		ID: id,
		Items: []order.LineItem{
			{ProductID: "print-6x4", Quantity: 2, AssetIDs: []string{"a1", "a2"}},
			{ProductID: "canvas-a3", Quantity: 1, AssetIDs: []string{"a2", "a3"}},
		},
		Delivery: order.Delivery{
			Name:        "Grace Hopper",
			Line1:       "1 Navy Yard",
			City:        "Arlington",
			Postcode:    "22202",
			CountryCode: "US",
			Email:       "grace@example.com",
		},
		PaymentMethod:  order.PaymentWallet,
		ShippingMethod: "standard",
		Currency:       "USD",
		CreatedAt:      time.Now(),
	}
}

func registeredJobs(orderID string, ids ...string) []asset.Job {
	jobs := make([]asset.Job, len(ids))
	for i, id := range ids {
		jobs[i] = asset.Job{
			OrderID:   orderID,
			AssetID:   id,
			Status:    asset.StatusRegistered,
			RemoteURL: "https://cdn.example.com/" + id,
			Attempts:  1,
		}
	}
	return jobs
}

func (m *Manager) orderIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.processors))
	for id := range m.processors {
		ids = append(ids, id)
	}
	return ids
}
