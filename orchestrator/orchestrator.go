package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"momo-orchestrator/cache"
	"momo-orchestrator/domain"
	"momo-orchestrator/metrics"
	"momo-orchestrator/notify"
	"momo-orchestrator/providers"
	"momo-orchestrator/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCurrency    = "UGX"
	defaultGracePeriod = 15 * time.Minute
	defaultBatchSize   = 100

	// statusCheckTimeout bounds a shared status check once it no longer
	// follows any single caller's context.
	statusCheckTimeout = 60 * time.Second
)

type Options struct {
	// Currency is applied to requests that carry none.
	Currency string
	// GracePeriod is how long a transaction may stay PENDING before
	// ExpireStale gives up on it.
	GracePeriod time.Duration
	BatchSize   int
	// Locks is optional; without it only the store's unique constraint
	// guards against concurrent initiations with one reference.
	Locks      cache.ReferenceLock
	Dispatcher notify.Dispatcher
}

// Orchestrator runs payment initiations and status checks against the
// configured providers and keeps the transaction store up to date.
type Orchestrator struct {
	providers   map[domain.Provider]providers.PaymentProvider
	store       store.Store
	locks       cache.ReferenceLock
	dispatcher  notify.Dispatcher
	logger      *zap.Logger
	currency    string
	gracePeriod time.Duration
	batchSize   int
	now         func() time.Time

	checks singleflight.Group
}

func New(st store.Store, adapters []providers.PaymentProvider, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		providers:   make(map[domain.Provider]providers.PaymentProvider, len(adapters)),
		store:       st,
		locks:       opts.Locks,
		dispatcher:  opts.Dispatcher,
		logger:      logger,
		currency:    strings.ToUpper(opts.Currency),
		gracePeriod: opts.GracePeriod,
		batchSize:   opts.BatchSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, a := range adapters {
		o.providers[a.Name()] = a
	}
	if o.currency == "" {
		o.currency = defaultCurrency
	}
	if o.gracePeriod <= 0 {
		o.gracePeriod = defaultGracePeriod
	}
	if o.batchSize <= 0 {
		o.batchSize = defaultBatchSize
	}
	if o.dispatcher == nil {
		o.dispatcher = notify.NewLogDispatcher(logger)
	}
	return o
}

func (o *Orchestrator) provider(p domain.Provider) (providers.PaymentProvider, error) {
	adapter, ok := o.providers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, p)
	}
	return adapter, nil
}

// Initiate validates the request, asks the provider to collect the payment
// and records a PENDING transaction. Nothing is stored when the provider
// refuses or cannot be reached.
func (o *Orchestrator) Initiate(ctx context.Context, req domain.PaymentRequest) (txn *domain.Transaction, err error) {
	defer func() { metrics.ObserveInitiation(req.Provider, err) }()

	// accepted is set once the provider has taken the charge; from then on
	// the reference must never be offered for reuse.
	var accepted bool

	if err := req.Validate(); err != nil {
		return nil, err
	}
	adapter, err := o.provider(req.Provider)
	if err != nil {
		return nil, err
	}

	if req.Currency == "" {
		req.Currency = o.currency
	}
	req.Currency = strings.ToUpper(req.Currency)
	if req.Reference == "" {
		req.Reference = domain.NewReference()
	}
	req.PhoneNumber = domain.NormalizeMSISDN(req.PhoneNumber)

	logger := o.logger.With(
		zap.String("provider", string(req.Provider)),
		zap.String("reference", req.Reference),
	)

	existing, err := o.store.GetByReference(ctx, req.Provider, req.Reference)
	if err == nil {
		logger.Warn("Duplicate payment reference", zap.String("transaction_id", existing.ID))
		return nil, domain.ErrDuplicateReference
	}
	if !domain.IsNotFound(err) {
		return nil, fmt.Errorf("failed to look up reference: %w", err)
	}

	if o.locks != nil {
		completed, lockErr := o.locks.CheckOrSetInProgress(ctx, req.Provider, req.Reference)
		if errors.Is(lockErr, domain.ErrReferenceInProgress) {
			return nil, lockErr
		}
		if lockErr != nil {
			// The store constraint still holds if redis is down.
			logger.Warn("Reference lock unavailable", zap.Error(lockErr))
		} else if completed {
			return nil, domain.ErrDuplicateReference
		} else {
			defer o.settleLock(req.Provider, req.Reference, &accepted, logger)
		}
	}

	token, err := o.authenticate(ctx, adapter)
	if err != nil {
		logger.Error("Provider authentication failed", zap.Error(err))
		return nil, err
	}

	done := metrics.TimeProviderCall(req.Provider, "initiate")
	result, err := adapter.InitiatePayment(ctx, token, providers.PaymentRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		PhoneNumber: req.PhoneNumber,
		Reference:   req.Reference,
		Description: req.Description,
	})
	done()
	if err != nil {
		logger.Error("Provider rejected payment initiation", zap.Error(err))
		return nil, err
	}
	accepted = true

	created, err := o.store.Create(ctx, &domain.Transaction{
		ExternalReference: req.Reference,
		ProviderRef:       result.ProviderRef,
		Provider:          req.Provider,
		Amount:            req.Amount,
		Currency:          req.Currency,
		PhoneNumber:       req.PhoneNumber,
		Status:            domain.StatusPending,
		ProviderPayload:   result.RawPayload,
		Description:       req.Description,
		OwnerID:           req.OwnerID,
	})
	if err != nil {
		logger.Error("Failed to record initiated payment",
			zap.String("provider_ref", result.ProviderRef),
			zap.Error(err),
		)
		return nil, err
	}

	logger.Info("Payment initiated",
		zap.String("transaction_id", created.ID),
		zap.String("provider_ref", created.ProviderRef),
	)
	return created, nil
}

// settleLock marks the reference completed once the provider accepted the
// charge, even if recording it failed, and frees it for a retry otherwise.
func (o *Orchestrator) settleLock(provider domain.Provider, reference string, accepted *bool, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if *accepted {
		err = o.locks.SetCompleted(ctx, provider, reference)
	} else {
		err = o.locks.Release(ctx, provider, reference)
	}
	if err != nil {
		logger.Warn("Failed to settle reference lock", zap.Error(err))
	}
}

// CheckStatus returns the stored transaction, first refreshing it from the
// provider while it is PENDING. Terminal transactions are answered from the
// store alone. Concurrent checks of one transaction share a provider call.
// The shared call is detached from the caller that started it, so one
// caller giving up does not fail the others.
func (o *Orchestrator) CheckStatus(ctx context.Context, id string) (*domain.Transaction, error) {
	ch := o.checks.DoChan(id, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusCheckTimeout)
		defer cancel()
		return o.checkStatus(shared, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Transaction).Clone(), nil
	}
}

// CheckProviderStatus is CheckStatus scoped to one provider: a transaction
// that belongs to another provider is reported as not found and is never
// reconciled.
func (o *Orchestrator) CheckProviderStatus(ctx context.Context, provider domain.Provider, id string) (*domain.Transaction, error) {
	txn, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Provider != provider {
		return nil, &domain.NotFoundError{TransactionID: id}
	}
	return o.CheckStatus(ctx, id)
}

func (o *Orchestrator) checkStatus(ctx context.Context, id string) (txn *domain.Transaction, err error) {
	txn, err = o.store.Get(ctx, id)
	if err != nil {
		metrics.ObserveStatusCheck("", "", err)
		return nil, err
	}
	provider := txn.Provider
	defer func() {
		if err != nil {
			metrics.ObserveStatusCheck(provider, "", err)
		} else {
			metrics.ObserveStatusCheck(provider, txn.Status, nil)
		}
	}()

	if txn.Status.IsTerminal() {
		return txn, nil
	}

	logger := o.logger.With(
		zap.String("transaction_id", txn.ID),
		zap.String("provider", string(txn.Provider)),
	)

	result, err := o.reconcile(ctx, txn)
	if err != nil {
		logger.Warn("Status check failed, transaction left untouched", zap.Error(err))
		return nil, err
	}

	updated, applied, err := o.store.Transition(ctx, txn.ID, result.Status, result.RawPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	if applied && updated.Status != txn.Status {
		logger.Info("Transaction status changed",
			zap.String("from", string(txn.Status)),
			zap.String("status", string(updated.Status)),
			zap.String("provider_status", rawStatus(result)),
		)
		o.notifyTerminal(ctx, updated)
	}
	return updated, nil
}

// reconcile fetches the provider's current view of a transaction.
func (o *Orchestrator) reconcile(ctx context.Context, txn *domain.Transaction) (*providers.StatusResult, error) {
	adapter, err := o.provider(txn.Provider)
	if err != nil {
		return nil, err
	}
	token, err := o.authenticate(ctx, adapter)
	if err != nil {
		return nil, err
	}

	ref := txn.ProviderRef
	if ref == "" {
		ref = txn.ExternalReference
	}
	done := metrics.TimeProviderCall(txn.Provider, "status")
	defer done()
	return adapter.CheckStatus(ctx, token, providers.StatusQuery{ProviderRef: ref, Currency: txn.Currency})
}

func (o *Orchestrator) authenticate(ctx context.Context, adapter providers.PaymentProvider) (*providers.AccessToken, error) {
	done := metrics.TimeProviderCall(adapter.Name(), "authenticate")
	defer done()
	return adapter.Authenticate(ctx)
}

// notifyTerminal dispatches the event for a row the caller itself just moved
// out of PENDING. Delivery is best-effort.
func (o *Orchestrator) notifyTerminal(ctx context.Context, after *domain.Transaction) {
	event, ok := notify.EventFor(after)
	if !ok {
		return
	}
	if err := o.dispatcher.Dispatch(ctx, event); err != nil {
		o.logger.Error("Failed to dispatch payment event",
			zap.String("transaction_id", after.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// ExpireStale reconciles every transaction that has been PENDING for longer
// than the grace period one last time and marks the ones the provider still
// reports as pending (or cannot answer for) EXPIRED. It returns how many
// rows were expired.
func (o *Orchestrator) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := o.store.ListStalePending(ctx, now.Add(-o.gracePeriod), o.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale transactions: %w", err)
	}

	expired := 0
	for _, txn := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		logger := o.logger.With(
			zap.String("transaction_id", txn.ID),
			zap.String("provider", string(txn.Provider)),
		)

		status := domain.StatusExpired
		var payload []byte
		result, err := o.reconcile(ctx, txn)
		switch {
		case err != nil:
			logger.Warn("Final reconcile failed, expiring", zap.Error(err))
		case result.Status.IsTerminal():
			status = result.Status
			payload = result.RawPayload
		default:
			payload = result.RawPayload
		}

		updated, applied, err := o.store.Transition(ctx, txn.ID, status, payload)
		if err != nil {
			logger.Error("Failed to finalise stale transaction", zap.Error(err))
			continue
		}
		if !applied {
			// Someone else finalised it between the listing and now.
			continue
		}
		if updated.Status == domain.StatusExpired {
			expired++
			metrics.ObserveExpired(txn.Provider)
			logger.Info("Transaction expired", zap.Time("created_at", txn.CreatedAt))
		}
		o.notifyTerminal(ctx, updated)
	}
	return expired, nil
}

func rawStatus(r *providers.StatusResult) string {
	if r.Raw == nil {
		return ""
	}
	return r.Raw.String()
}
