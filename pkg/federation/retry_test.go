package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpfed/pkg/transport"
	"mcpfed/pkg/types"
)

// flakyTransport refuses the first n opens.
type flakyTransport struct {
	*fakeTransport
	failures atomic.Int32
}

func (t *flakyTransport) Open(ctx context.Context, endpoint string, header http.Header) (transport.Conn, error) {
	if t.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return t.fakeTransport.Open(ctx, endpoint, header)
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRegisterWithRetry_RecoversFromTransientFailures(t *testing.T) {
	tr := &flakyTransport{fakeTransport: newFakeTransport(initializeReply(nil))}
	tr.failures.Store(2)
	m, _ := newTestManager(t, tr, Options{})

	require.NoError(t, RegisterWithRetry(context.Background(), m, peerConfig("alpha"), fastRetry(3)))
	assert.Equal(t, []types.ServerID{"alpha"}, m.GetConnectedServers())
}

func TestRegisterWithRetry_GivesUp(t *testing.T) {
	tr := &flakyTransport{fakeTransport: newFakeTransport(initializeReply(nil))}
	tr.failures.Store(5)
	m, _ := newTestManager(t, tr, Options{})

	err := RegisterWithRetry(context.Background(), m, peerConfig("alpha"), fastRetry(2))
	assert.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, int32(3), tr.failures.Load())

	state, ok := m.Registry().State("alpha")
	assert.True(t, ok)
	assert.Equal(t, types.StateIdle, state)
}

func TestRegisterWithRetry_FinalErrorsStop(t *testing.T) {
	tr := newFakeTransport(initializeReply(nil))
	m, _ := newTestManager(t, tr, Options{Validator: SubsetValidator{}})

	cfg := peerConfig("picky")
	cfg.Expect = &types.Capabilities{Tools: true}
	err := RegisterWithRetry(context.Background(), m, cfg, fastRetry(5))
	assert.ErrorIs(t, err, ErrCapabilityMismatch)
	assert.Equal(t, int32(1), tr.opens.Load())
}

func TestRegisterWithRetry_ContextCancel(t *testing.T) {
	tr := &flakyTransport{fakeTransport: newFakeTransport(initializeReply(nil))}
	tr.failures.Store(100)
	m, _ := newTestManager(t, tr, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	policy := RetryPolicy{MaxAttempts: 100, BaseDelay: time.Second}
	err := RegisterWithRetry(ctx, m, peerConfig("alpha"), policy)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(10))

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	for _, err := range []error{ErrConnect, ErrConnectTimeout, ErrTransport, ErrAuth} {
		assert.True(t, Retryable(fmt.Errorf("%w: x", err)), err.Error())
	}
	for _, err := range []error{ErrCapabilityMismatch, ErrAlreadyConnected, ErrRemoved, ErrClosed, ErrInvalidConfig} {
		assert.False(t, Retryable(err), err.Error())
	}
}
