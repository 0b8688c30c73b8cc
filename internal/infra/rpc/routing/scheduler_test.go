package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/infra/rpc/budget"
	"github.com/vietddude/chainsync/internal/infra/rpc/provider"
)

type fakeTransport struct {
	name  string
	calls atomic.Int64
	fn    func(ctx context.Context, method string, call int64) (json.RawMessage, error)
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Request(ctx context.Context, method string, _ []any) (json.RawMessage, error) {
	n := f.calls.Add(1)
	return f.fn(ctx, method, n)
}

func ok(result string) func(context.Context, string, int64) (json.RawMessage, error) {
	return func(context.Context, string, int64) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	}
}

func fail(err error) func(context.Context, string, int64) (json.RawMessage, error) {
	return func(context.Context, string, int64) (json.RawMessage, error) {
		return nil, err
	}
}

func startScheduler(t *testing.T, cfg Config, transports ...Transport) *Scheduler {
	t.Helper()
	cfg.Chain = "test"
	s := NewScheduler(cfg, transports)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestScheduler_Success(t *testing.T) {
	a := &fakeTransport{name: "a", fn: ok(`"0x10"`)}
	s := startScheduler(t, Config{}, a)

	raw, err := s.Request(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(raw))
	assert.Equal(t, int64(1), a.calls.Load())
}

func TestScheduler_RateLimitedEndpointIsSkipped(t *testing.T) {
	a := &fakeTransport{name: "a", fn: fail(&provider.RPCError{Provider: "a", Status: http.StatusTooManyRequests})}
	b := &fakeTransport{name: "b", fn: ok(`"0x1"`)}
	s := startScheduler(t, Config{}, a, b)

	raw, err := s.Request(context.Background(), "eth_chainId")
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(raw))
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(1), b.calls.Load())

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.True(t, stats[0].RateLimited)
	assert.InDelta(t, 9.5, stats[0].ConfirmedRPS, 0.001)
	assert.False(t, stats[1].RateLimited)
}

func TestScheduler_UnsupportedMethodFailsOver(t *testing.T) {
	a := &fakeTransport{name: "a", fn: fail(&provider.RPCError{Provider: "a", Code: provider.CodeMethodNotFound, Message: "the method debug_traceBlockByNumber does not exist/is not available"})}
	b := &fakeTransport{name: "b", fn: ok(`[]`)}
	s := startScheduler(t, Config{}, a, b)

	for range 3 {
		_, err := s.Request(context.Background(), "debug_traceBlockByNumber", "0x1")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(3), b.calls.Load())

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"debug_traceBlockByNumber"}, stats[0].Unsupported)
	assert.Empty(t, stats[1].Unsupported)
}

func TestScheduler_MethodUnsupportedEverywhere(t *testing.T) {
	unsupported := &provider.RPCError{Code: provider.CodeMethodNotFound, Message: "method not found"}
	a := &fakeTransport{name: "a", fn: fail(unsupported)}
	b := &fakeTransport{name: "b", fn: fail(unsupported)}
	s := startScheduler(t, Config{}, a, b)

	_, err := s.Request(context.Background(), "trace_block", "0x1")
	require.ErrorIs(t, err, ErrMethodUnsupported)
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(1), b.calls.Load())

	// Later requests fail without reaching any endpoint.
	_, err = s.Request(context.Background(), "trace_block", "0x2")
	require.ErrorIs(t, err, ErrMethodUnsupported)
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(1), b.calls.Load())
}

func TestScheduler_FatalErrorIsReturned(t *testing.T) {
	a := &fakeTransport{name: "a", fn: fail(&provider.RPCError{Provider: "a", Code: -32602, Message: "query returned more than 10000 results"})}
	s := startScheduler(t, Config{}, a)

	_, err := s.Request(context.Background(), "eth_getLogs")
	var rpcErr *provider.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Equal(t, int64(1), a.calls.Load())
}

func TestScheduler_TransientErrorIsRetried(t *testing.T) {
	a := &fakeTransport{name: "a", fn: func(_ context.Context, _ string, call int64) (json.RawMessage, error) {
		if call == 1 {
			return nil, &provider.RPCError{Provider: "a", Status: http.StatusBadGateway, Message: "bad gateway"}
		}
		return json.RawMessage(`"0x2"`), nil
	}}
	cfg := Config{Retry: RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiple: 2}}
	s := startScheduler(t, cfg, a)

	raw, err := s.Request(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.JSONEq(t, `"0x2"`, string(raw))
	assert.Equal(t, int64(2), a.calls.Load())
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	a := &fakeTransport{name: "a", fn: fail(errors.New("connection reset by peer"))}
	cfg := Config{Retry: RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiple: 1}}
	s := startScheduler(t, cfg, a)

	_, err := s.Request(context.Background(), "eth_blockNumber")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, int64(3), a.calls.Load())
}

func TestScheduler_ResubmitsExhausted(t *testing.T) {
	a := &fakeTransport{name: "a", fn: fail(&provider.RPCError{Provider: "a", Status: http.StatusTooManyRequests})}
	cfg := Config{
		Endpoint: budget.Config{RateLimitCooldown: time.Millisecond},
		Retry:    RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiple: 1, MaxResubmits: 3},
	}
	s := startScheduler(t, cfg, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Request(ctx, "eth_blockNumber")
	require.ErrorIs(t, err, provider.ErrRateLimited)
	assert.Contains(t, err.Error(), "rate limited 3 times")
	assert.Equal(t, int64(3), a.calls.Load())
}

func TestScheduler_ColdStartLimitsConcurrency(t *testing.T) {
	release := make(chan struct{})
	var inflight, peak atomic.Int64
	a := &fakeTransport{name: "a", fn: func(ctx context.Context, _ string, _ int64) (json.RawMessage, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`"0x1"`), nil
	}}
	cfg := Config{Endpoint: budget.Config{InitialRPS: 1000}}
	s := startScheduler(t, cfg, a)

	const total = 10
	var wg sync.WaitGroup
	errs := make(chan error, total)
	for range total {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Request(context.Background(), "eth_getBalance")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return inflight.Load() == budget.ColdStartRequests }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(budget.ColdStartRequests), peak.Load())

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats[0].Inflight)
	assert.Equal(t, total, stats[0].Completed)
}

func TestScheduler_PrefersLowerLatency(t *testing.T) {
	slow := &fakeTransport{name: "slow", fn: func(context.Context, string, int64) (json.RawMessage, error) {
		time.Sleep(2 * budget.DefaultLatency)
		return json.RawMessage(`"0x1"`), nil
	}}
	fast := &fakeTransport{name: "fast", fn: ok(`"0x1"`)}
	s := startScheduler(t, Config{}, slow, fast)

	// Both start at the default latency, so the tie goes to slow once.
	for range 4 {
		_, err := s.Request(context.Background(), "eth_blockNumber")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), slow.calls.Load())
	assert.Equal(t, int64(3), fast.calls.Load())
}

func TestScheduler_ContextCancelled(t *testing.T) {
	a := &fakeTransport{name: "a", fn: func(ctx context.Context, _ string, _ int64) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := startScheduler(t, Config{}, a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Request(ctx, "eth_blockNumber")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_Stopped(t *testing.T) {
	a := &fakeTransport{name: "a", fn: ok(`"0x1"`)}
	s := NewScheduler(Config{}, []Transport{a})
	s.Start(context.Background())
	s.Stop()

	_, err := s.Request(context.Background(), "eth_blockNumber")
	require.ErrorIs(t, err, ErrStopped)

	_, err = s.Stats(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}
