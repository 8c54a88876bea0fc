package checkout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"momo-orchestrator/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI answers status checks from a script; the last entry repeats.
type fakeAPI struct {
	initiateErr  error
	statuses     []domain.Status
	checkErrs    []error
	checkLatency time.Duration
	// slowAnswer makes the latency ignore cancellation, like a response
	// already on the wire.
	slowAnswer bool

	initiateCalls int32
	checkCalls    int32
	inFlight      int32
	maxInFlight   int32
}

func (f *fakeAPI) Initiate(ctx context.Context, req domain.PaymentRequest) (*Payment, error) {
	atomic.AddInt32(&f.initiateCalls, 1)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &Payment{TransactionID: "01JTXN", Reference: "ref-1", Status: domain.StatusPending}, nil
}

func (f *fakeAPI) CheckStatus(ctx context.Context, provider domain.Provider, id string) (*Payment, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}

	i := int(atomic.AddInt32(&f.checkCalls, 1)) - 1
	if f.checkLatency > 0 && f.slowAnswer {
		time.Sleep(f.checkLatency)
	} else if f.checkLatency > 0 {
		select {
		case <-time.After(f.checkLatency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i < len(f.checkErrs) && f.checkErrs[i] != nil {
		return nil, f.checkErrs[i]
	}
	status := domain.StatusPending
	if len(f.statuses) > 0 {
		if i < len(f.statuses) {
			status = f.statuses[i]
		} else {
			status = f.statuses[len(f.statuses)-1]
		}
	}
	return &Payment{TransactionID: id, Status: status}, nil
}

func validInput() SubmitInput {
	return SubmitInput{
		Provider:    domain.ProviderMTN,
		Amount:      decimal.NewFromInt(5000),
		PhoneNumber: "074123456",
	}
}

func waitDone(t *testing.T, c *Controller, within time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(within):
		t.Fatalf("polling did not stop within %s (state %s)", within, c.Snapshot().State)
	}
}

func TestController_PendingThenSuccessful(t *testing.T) {
	fake := &fakeAPI{statuses: []domain.Status{
		domain.StatusPending, domain.StatusPending, domain.StatusPending, domain.StatusSuccessful,
	}}

	var mu sync.Mutex
	var states []State
	c := NewController(fake, Config{
		PollInterval: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
		OnChange: func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if len(states) == 0 || states[len(states)-1] != s.State {
				states = append(states, s.State)
			}
		},
	}, nil)

	assert.Equal(t, StateIdle, c.Snapshot().State)
	require.NoError(t, c.Submit(context.Background(), validInput()))
	assert.Equal(t, StateInitiated, c.Snapshot().State)

	waitDone(t, c, 2*time.Second)

	snap := c.Snapshot()
	assert.Equal(t, StateSuccessful, snap.State)
	assert.Equal(t, domain.StatusSuccessful, snap.Status)
	assert.Equal(t, "01JTXN", snap.TransactionID)
	assert.NoError(t, snap.Err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&fake.checkCalls))

	// No further checks once terminal.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(4), atomic.LoadInt32(&fake.checkCalls))

	mu.Lock()
	assert.Equal(t, []State{StateInitiated, StateSuccessful}, states)
	mu.Unlock()
}

func TestController_TimeoutFails(t *testing.T) {
	fake := &fakeAPI{statuses: []domain.Status{domain.StatusPending}}
	interval := 5 * time.Millisecond
	timeout := 60 * time.Millisecond
	c := NewController(fake, Config{PollInterval: interval, Timeout: timeout}, nil)

	start := time.Now()
	require.NoError(t, c.Submit(context.Background(), validInput()))
	waitDone(t, c, time.Second)
	assert.Less(t, time.Since(start), timeout+interval+200*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	var tErr *domain.TimeoutError
	require.ErrorAs(t, snap.Err, &tErr)
	assert.Equal(t, timeout, tErr.Waited)
	assert.Contains(t, snap.Message, "not confirmed")
	assert.Equal(t, domain.StatusPending, snap.Status)
}

func TestController_SlowCheckIsCutAtTimeout(t *testing.T) {
	fake := &fakeAPI{checkLatency: time.Hour}
	c := NewController(fake, Config{PollInterval: time.Millisecond, Timeout: 40 * time.Millisecond}, nil)

	require.NoError(t, c.Submit(context.Background(), validInput()))
	waitDone(t, c, time.Second)

	var tErr *domain.TimeoutError
	assert.ErrorAs(t, c.Snapshot().Err, &tErr)
}

func TestController_AnswerAtDeadlineIsKept(t *testing.T) {
	fake := &fakeAPI{
		statuses:     []domain.Status{domain.StatusSuccessful},
		checkLatency: 60 * time.Millisecond,
		slowAnswer:   true,
	}
	c := NewController(fake, Config{PollInterval: time.Millisecond, Timeout: 30 * time.Millisecond}, nil)

	require.NoError(t, c.Submit(context.Background(), validInput()))
	waitDone(t, c, time.Second)

	snap := c.Snapshot()
	assert.Equal(t, StateSuccessful, snap.State)
	assert.NoError(t, snap.Err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.checkCalls))
}

func TestController_FailedAndExpiredStatuses(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusFailed, domain.StatusExpired} {
		t.Run(string(status), func(t *testing.T) {
			fake := &fakeAPI{statuses: []domain.Status{status}}
			c := NewController(fake, Config{PollInterval: time.Millisecond, Timeout: time.Second}, nil)

			require.NoError(t, c.Submit(context.Background(), validInput()))
			waitDone(t, c, time.Second)

			snap := c.Snapshot()
			assert.Equal(t, StateFailed, snap.State)
			assert.Equal(t, status, snap.Status)
			assert.NoError(t, snap.Err)
		})
	}
}

func TestController_CheckErrorsKeepPolling(t *testing.T) {
	boom := &domain.GatewayError{Provider: domain.ProviderMTN, HTTPStatus: 503}
	fake := &fakeAPI{
		checkErrs: []error{boom, boom},
		statuses:  []domain.Status{domain.StatusPending, domain.StatusPending, domain.StatusSuccessful},
	}

	var sawErr atomic.Bool
	c := NewController(fake, Config{
		PollInterval: time.Millisecond,
		Timeout:      time.Second,
		OnChange: func(s Snapshot) {
			if s.State == StateInitiated && s.Err != nil {
				sawErr.Store(true)
			}
		},
	}, nil)

	require.NoError(t, c.Submit(context.Background(), validInput()))
	waitDone(t, c, time.Second)

	assert.True(t, sawErr.Load())
	snap := c.Snapshot()
	assert.Equal(t, StateSuccessful, snap.State)
	assert.NoError(t, snap.Err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fake.checkCalls))
}

func TestController_OneCheckInFlight(t *testing.T) {
	fake := &fakeAPI{
		checkLatency: 10 * time.Millisecond,
		statuses: []domain.Status{
			domain.StatusPending, domain.StatusPending, domain.StatusPending,
			domain.StatusPending, domain.StatusSuccessful,
		},
	}
	c := NewController(fake, Config{PollInterval: time.Millisecond, Timeout: 2 * time.Second}, nil)

	require.NoError(t, c.Submit(context.Background(), validInput()))
	waitDone(t, c, 2*time.Second)

	assert.Equal(t, StateSuccessful, c.Snapshot().State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.maxInFlight))
}

func TestController_ValidationStaysIdle(t *testing.T) {
	fake := &fakeAPI{}
	c := NewController(fake, Config{}, nil)

	in := validInput()
	in.Amount = decimal.Zero
	err := c.Submit(context.Background(), in)

	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.ErrorAs(t, snap.Err, &vErr)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.initiateCalls))

	// The same controller can still submit.
	fake.statuses = []domain.Status{domain.StatusSuccessful}
	c.cfg.PollInterval = time.Millisecond
	require.NoError(t, c.Submit(context.Background(), validInput()))
	waitDone(t, c, time.Second)
	assert.Equal(t, StateSuccessful, c.Snapshot().State)
}

func TestController_InitiateErrorStaysIdle(t *testing.T) {
	fake := &fakeAPI{initiateErr: &domain.AuthError{Provider: domain.ProviderMTN, Err: domain.ErrMissingCredentials}}
	c := NewController(fake, Config{}, nil)

	err := c.Submit(context.Background(), validInput())
	var aErr *domain.AuthError
	require.ErrorAs(t, err, &aErr)
	assert.Equal(t, StateIdle, c.Snapshot().State)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.checkCalls))
}

func TestController_SubmitOnlyFromIdle(t *testing.T) {
	fake := &fakeAPI{}
	c := NewController(fake, Config{PollInterval: time.Hour, Timeout: time.Hour}, nil)
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), validInput()))
	assert.ErrorIs(t, c.Submit(context.Background(), validInput()), ErrNotIdle)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.initiateCalls))
}

func TestController_RetryFromFailed(t *testing.T) {
	fake := &fakeAPI{statuses: []domain.Status{domain.StatusFailed}}
	c := NewController(fake, Config{PollInterval: time.Millisecond, Timeout: time.Second}, nil)

	assert.ErrorIs(t, c.Retry(), ErrNotFailed)

	require.NoError(t, c.Submit(context.Background(), validInput()))
	waitDone(t, c, time.Second)
	require.Equal(t, StateFailed, c.Snapshot().State)

	require.NoError(t, c.Retry())
	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.TransactionID)
	assert.NoError(t, snap.Err)

	require.NoError(t, c.Submit(context.Background(), validInput()))
	waitDone(t, c, time.Second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.initiateCalls))
}

func TestController_CloseStopsPolling(t *testing.T) {
	fake := &fakeAPI{}
	c := NewController(fake, Config{PollInterval: time.Millisecond, Timeout: time.Hour}, nil)

	require.NoError(t, c.Submit(context.Background(), validInput()))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fake.checkCalls) > 0 }, time.Second, time.Millisecond)

	c.Close()
	waitDone(t, c, time.Second)
	calls := atomic.LoadInt32(&fake.checkCalls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&fake.checkCalls))
	assert.Equal(t, StateInitiated, c.Snapshot().State)
}

func TestController_ParentContextCancels(t *testing.T) {
	fake := &fakeAPI{}
	c := NewController(fake, Config{PollInterval: time.Millisecond, Timeout: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Submit(ctx, validInput()))
	cancel()

	waitDone(t, c, time.Second)
	snap := c.Snapshot()
	assert.Equal(t, StateInitiated, snap.State)
	assert.False(t, errors.As(snap.Err, new(*domain.TimeoutError)))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "initiated", StateInitiated.String())
	assert.Equal(t, "successful", StateSuccessful.String())
	assert.Equal(t, "failed", StateFailed.String())
}
