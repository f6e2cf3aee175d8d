package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/common/events"
	"payrecon/internal/order"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"reference":"REF","payment_url":"solana:abc?amount=0.2","amount":{"amount_minor":200000000,"amount":"0.2","currency":"SOL"},"expires_at":"2024-05-01T12:15:00Z"}}`))
	}))
	defer srv.Close()

	out, err := run(t, "create", "--server", srv.URL, "-q", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Reference:   REF")
	assert.Contains(t, out, "Payment URL: solana:abc?amount=0.2")

	_, err = run(t, "create", "--server", srv.URL)
	assert.Error(t, err)
	_, err = run(t, "create", "--server", srv.URL, "-q", "1", "-a", "0.1")
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/missing/") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"status":"pending"}}`))
	}))
	defer srv.Close()

	out, err := run(t, "status", "--server", srv.URL, "REF")
	require.NoError(t, err)
	assert.Equal(t, "pending\n", out)

	_, err = run(t, "status", "--server", srv.URL, "missing")
	assert.Error(t, err)
}

func TestWait(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := "pending"
		if calls.Add(1) >= 3 {
			status = "paid"
		}
		_, _ = w.Write([]byte(`{"data":{"status":"` + status + `"}}`))
	}))
	defer srv.Close()

	out, err := run(t, "wait", "--server", srv.URL, "--base-delay", "1ms", "--max-delay", "2ms", "REF")
	require.NoError(t, err)
	assert.Contains(t, out, "attempt 1: pending")
	assert.Contains(t, out, "attempt 3: paid")
	assert.True(t, strings.HasSuffix(out, "paid\n"))
}

func TestWait_Expired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"status":"expired"}}`))
	}))
	defer srv.Close()

	_, err := run(t, "wait", "--server", srv.URL, "--base-delay", "1ms", "REF")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestPrintEvent(t *testing.T) {
	e, err := events.NewEvent(order.EventOrderPaymentMismatch, "order", "Ref111", order.PaymentMismatchEvent{
		Reference: "Ref111",
		Signature: "Sig111",
		Reason:    "amount_mismatch",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	printEvent(&out, e)
	assert.Contains(t, out.String(), "order.payment_mismatch")
	assert.Contains(t, out.String(), "reason=amount_mismatch signature=Sig111")
}
