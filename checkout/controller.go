package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	"momo-orchestrator/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 120 * time.Second
)

var (
	ErrNotIdle   = errors.New("a payment is already in progress")
	ErrNotFailed = errors.New("retry is only possible after a failed payment")
)

type State int

const (
	StateIdle State = iota
	StateInitiated
	StateSuccessful
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiated:
		return "initiated"
	case StateSuccessful:
		return "successful"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// OnChange, if set, is called after every state or status change. It
	// runs on the goroutine that made the change and must not block.
	OnChange func(Snapshot)
}

type SubmitInput struct {
	Provider    domain.Provider
	Amount      decimal.Decimal
	PhoneNumber string
	Currency    string
	Reference   string
	Description string
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	State         State
	Provider      domain.Provider
	TransactionID string
	Reference     string
	Status        domain.Status
	Message       string
	Err           error
}

// Controller drives one payment at a time through
// Idle -> Initiated -> Successful | Failed, polling the backend while the
// payment is Initiated. Retry returns a Failed controller to Idle.
type Controller struct {
	api    PaymentAPI
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	snap       Snapshot
	submitting bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewController(paymentAPI PaymentAPI, cfg Config, logger *zap.Logger) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{api: paymentAPI, cfg: cfg, logger: logger}
}

// Submit initiates a payment. Input is validated locally first; a rejected
// submit leaves the controller Idle with the error recorded. On success the
// controller is Initiated and polls until a terminal status, the timeout,
// Close, or cancellation of ctx.
func (c *Controller) Submit(ctx context.Context, in SubmitInput) error {
	c.mu.Lock()
	if c.snap.State != StateIdle || c.submitting {
		c.mu.Unlock()
		return ErrNotIdle
	}
	if err := domain.ValidatePayment(in.Amount, in.PhoneNumber); err != nil {
		c.snap.Err = err
		c.snap.Message = err.Error()
		snap := c.snap
		c.mu.Unlock()
		c.notify(snap)
		return err
	}
	c.submitting = true
	c.mu.Unlock()

	payment, err := c.api.Initiate(ctx, domain.PaymentRequest{
		Provider:    in.Provider,
		Amount:      in.Amount,
		Currency:    in.Currency,
		PhoneNumber: in.PhoneNumber,
		Reference:   in.Reference,
		Description: in.Description,
	})

	c.mu.Lock()
	c.submitting = false
	if err != nil {
		c.snap.Err = err
		c.snap.Message = err.Error()
		snap := c.snap
		c.mu.Unlock()
		c.logger.Warn("Payment initiation failed",
			zap.String("provider", string(in.Provider)),
			zap.Error(err))
		c.notify(snap)
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.snap = Snapshot{
		State:         StateInitiated,
		Provider:      in.Provider,
		TransactionID: payment.TransactionID,
		Reference:     payment.Reference,
		Status:        payment.Status,
		Message:       "Approve the payment prompt on your phone",
	}
	c.cancel = cancel
	c.done = done
	snap := c.snap
	c.mu.Unlock()

	c.logger.Info("Payment initiated, polling for status",
		zap.String("transaction_id", payment.TransactionID),
		zap.String("provider", string(in.Provider)))
	c.notify(snap)

	go c.poll(pollCtx, cancel, done, in.Provider, payment.TransactionID)
	return nil
}

// poll checks the status every PollInterval, waiting for each answer
// before scheduling the next check, until the payment is terminal, the
// timeout passes, or ctx is cancelled.
func (c *Controller) poll(ctx context.Context, cancel context.CancelFunc, done chan struct{}, provider domain.Provider, id string) {
	defer close(done)
	defer cancel()

	deadline, stop := context.WithTimeout(ctx, c.cfg.Timeout)
	defer stop()

	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-deadline.Done():
			if ctx.Err() == nil {
				c.timeOut(id)
			}
			return
		case <-timer.C:
		}

		if deadline.Err() != nil {
			continue
		}
		payment, err := c.api.CheckStatus(deadline, provider, id)
		// A final answer that races the deadline still counts.
		if err == nil && payment.Status.IsTerminal() && ctx.Err() == nil {
			c.apply(id, payment.Status)
			return
		}
		if deadline.Err() != nil {
			continue
		}
		if err != nil {
			c.recordCheckError(id, err)
		} else if c.apply(id, payment.Status) {
			return
		}
		timer.Reset(c.cfg.PollInterval)
	}
}

// apply records a polled status and reports whether polling is over.
func (c *Controller) apply(id string, status domain.Status) bool {
	c.mu.Lock()
	if c.snap.TransactionID != id || c.snap.State != StateInitiated {
		c.mu.Unlock()
		return true
	}
	changed := c.snap.Status != status || c.snap.Err != nil
	c.snap.Status = status
	c.snap.Err = nil

	terminal := true
	switch status {
	case domain.StatusSuccessful:
		c.snap.State = StateSuccessful
		c.snap.Message = "Payment successful"
	case domain.StatusFailed:
		c.snap.State = StateFailed
		c.snap.Message = "Payment failed or was declined"
	case domain.StatusExpired:
		c.snap.State = StateFailed
		c.snap.Message = "Payment expired before it was approved"
	default:
		terminal = false
	}
	snap := c.snap
	c.mu.Unlock()

	if terminal {
		c.logger.Info("Payment finished",
			zap.String("transaction_id", id),
			zap.String("status", string(status)))
	}
	if changed || terminal {
		c.notify(snap)
	}
	return terminal
}

func (c *Controller) recordCheckError(id string, err error) {
	c.mu.Lock()
	if c.snap.TransactionID != id || c.snap.State != StateInitiated {
		c.mu.Unlock()
		return
	}
	c.snap.Err = err
	snap := c.snap
	c.mu.Unlock()

	c.logger.Warn("Status check failed, will retry",
		zap.String("transaction_id", id),
		zap.Error(err))
	c.notify(snap)
}

func (c *Controller) timeOut(id string) {
	c.mu.Lock()
	if c.snap.TransactionID != id || c.snap.State != StateInitiated {
		c.mu.Unlock()
		return
	}
	c.snap.State = StateFailed
	c.snap.Err = &domain.TimeoutError{Waited: c.cfg.Timeout}
	c.snap.Message = "Payment was not confirmed in time, please try again"
	snap := c.snap
	c.mu.Unlock()

	c.logger.Warn("Payment polling timed out",
		zap.String("transaction_id", id),
		zap.Duration("timeout", c.cfg.Timeout))
	c.notify(snap)
}

// Retry resets a Failed controller to Idle. The previous transaction is
// abandoned, not resumed.
func (c *Controller) Retry() error {
	c.mu.Lock()
	if c.snap.State != StateFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}
	cancel := c.cancel
	c.snap = Snapshot{State: StateIdle}
	c.cancel = nil
	c.done = nil
	snap := c.snap
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.notify(snap)
	return nil
}

// Close stops polling. The controller keeps its last state.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Done is closed when the current polling loop has exited. It is already
// closed when nothing is polling.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *Controller) notify(s Snapshot) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(s)
	}
}
