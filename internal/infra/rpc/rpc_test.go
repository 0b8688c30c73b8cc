package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newNode(t *testing.T, handler func(method string) (int, string)) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, body := handler(req.Method)
		w.WriteHeader(status)
		if status == http.StatusOK {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,%s}`, req.ID, body)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClient_Call(t *testing.T) {
	srv, _ := newNode(t, func(string) (int, string) {
		return http.StatusOK, `"result":"0x1b4"`
	})

	client := NewClient("test", []ProviderConfig{{Name: "node", URL: srv.URL}}, DefaultSchedulerConfig())
	client.Start(context.Background())
	defer client.Stop()

	var head string
	if err := client.Call(context.Background(), &head, "eth_blockNumber"); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if head != "0x1b4" {
		t.Errorf("expected 0x1b4, got %s", head)
	}
}

func TestClient_FailoverOnThrottle(t *testing.T) {
	throttled, throttledCalls := newNode(t, func(string) (int, string) {
		return http.StatusTooManyRequests, "Too Many Requests"
	})
	healthy, healthyCalls := newNode(t, func(string) (int, string) {
		return http.StatusOK, `"result":"0x1"`
	})

	client := NewClient("test", []ProviderConfig{
		{Name: "throttled", URL: throttled.URL},
		{Name: "healthy", URL: healthy.URL},
	}, DefaultSchedulerConfig())
	client.Start(context.Background())
	defer client.Stop()

	raw, err := client.Request(context.Background(), "eth_chainId")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(raw) != `"0x1"` {
		t.Errorf("unexpected result %s", raw)
	}
	if throttledCalls.Load() != 1 || healthyCalls.Load() != 1 {
		t.Errorf("expected one call each, got throttled=%d healthy=%d", throttledCalls.Load(), healthyCalls.Load())
	}

	stats, err := client.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if !stats[0].RateLimited {
		t.Error("expected throttled provider to be flagged")
	}
}

func TestClient_RPCErrorIsReturned(t *testing.T) {
	srv, _ := newNode(t, func(string) (int, string) {
		return http.StatusOK, `"error":{"code":-32000,"message":"header not found"}`
	})

	client := NewClient("test", []ProviderConfig{{Name: "node", URL: srv.URL}}, DefaultSchedulerConfig())
	client.Start(context.Background())
	defer client.Stop()

	var out string
	err := client.Call(context.Background(), &out, "eth_getBlockByNumber", "0x1", true)
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("expected code -32000, got %d", rpcErr.Code)
	}
}
