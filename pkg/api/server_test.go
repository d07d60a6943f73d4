package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nexus/pkg/kernel"
	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/limiter"
	"github.com/Mindburn-Labs/nexus/pkg/payment"
	"github.com/Mindburn-Labs/nexus/pkg/processor"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

func newTestServer(t *testing.T, kopts []kernel.Option, opts ...Option) (*kernel.Kernel, http.Handler) {
	t.Helper()
	k, err := kernel.New("did:nexus:api-test-identity", kopts...)
	require.NoError(t, err)
	s, err := NewServer(k, opts...)
	require.NoError(t, err)
	return k, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestExecute_Success(t *testing.T) {
	k, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/v1/execute",
		`{"input":"Test deterministic execution","context":"Genesis test"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := decode(t, rec)
	assert.Equal(t, "SUCCESS", body["status"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "Processed: Test deterministic execution", result["output"])
	entry := body["ledger_entry"].(map[string]any)
	assert.Equal(t, float64(0), entry["sequence"])
	assert.Len(t, entry["signature"], 64)

	assert.Equal(t, 1, k.Ledger().Len())
}

func TestExecute_Blocked(t *testing.T) {
	k, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/v1/execute", `{"input":"please hallucinate an answer","context":"c"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "BLOCKED", body["status"])
	assert.Contains(t, body["reason"], "Axiom violation")
	assert.NotContains(t, body, "ledger_entry")
	assert.Equal(t, 0, k.Ledger().Len())
}

func TestExecute_VerificationFailed(t *testing.T) {
	k, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/v1/execute", `{"context":"only context, no input"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ERROR", body["status"])
	assert.Equal(t, "State verification failed: missing required fields: input", body["reason"])
	assert.Equal(t, 0, k.Ledger().Len())
}

func TestExecute_BadBodies(t *testing.T) {
	_, h := newTestServer(t, nil)
	for _, body := range []string{``, `null`, `[1,2]`, `{"input":`, `{"a":1} {"b":2}`} {
		rec := do(t, h, http.MethodPost, "/v1/execute", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	}

	rec := do(t, h, http.MethodPost, "/v1/execute", `{"input":"`+strings.Repeat("a", maxTaskBytes)+`","context":"c"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecute_SerializationFailure(t *testing.T) {
	bad := processor.Func(func(context.Context, task.Task) (task.Result, error) {
		return task.Result{"status": "SUCCESS", "output": func() {}}, nil
	})
	k, h := newTestServer(t, []kernel.Option{kernel.WithProcessor(bad)})

	rec := do(t, h, http.MethodPost, "/v1/execute", `{"input":"x","context":"c"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	p := decode(t, rec)
	assert.Equal(t, "Serialization Failure", p["title"])
	assert.Equal(t, 0, k.Ledger().Len())
}

func TestLedgerEndpoints(t *testing.T) {
	_, h := newTestServer(t, []kernel.Option{kernel.WithLedger(ledger.New(ledger.WithChaining(true)))})

	rec := do(t, h, http.MethodGet, "/v1/ledger/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodPost, "/v1/execute", `{"input":`+string(rune('0'+i))+`,"context":"c"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/ledger?offset=1&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.Equal(t, float64(3), page["total"])
	entries := page["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, float64(1), entries[0].(map[string]any)["sequence"])

	rec = do(t, h, http.MethodGet, "/v1/ledger?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/ledger/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["sequence"])

	rec = do(t, h, http.MethodGet, "/v1/ledger/7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/ledger/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/ledger/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode(t, rec)
	assert.Equal(t, true, v["valid"])
	assert.Equal(t, true, v["chained"])
	assert.Equal(t, float64(3), v["length"])

	rec = do(t, h, http.MethodGet, "/v1/ledger/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var b ledger.Bundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	require.NoError(t, ledger.VerifyBundle(&b))
	assert.Equal(t, "did:nexus:api-test-identity", b.Identity)
}

func TestHealthAndRouting(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/health", "", "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/execute", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func token(t *testing.T, secret []byte, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func TestBearerAuth(t *testing.T) {
	secret := []byte("test-secret")
	_, h := newTestServer(t, nil, WithJWTSecret(secret))
	body := `{"input":"x","context":"c"}`

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")

	rec = do(t, h, http.MethodPost, "/v1/execute", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec = do(t, h, http.MethodPost, "/v1/execute", body, "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := token(t, secret, "alice", time.Now().Add(-time.Hour))
	rec = do(t, h, http.MethodPost, "/v1/execute", body, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged := token(t, []byte("other-secret"), "alice", time.Now().Add(time.Hour))
	rec = do(t, h, http.MethodPost, "/v1/execute", body, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	anonymous := token(t, secret, "", time.Now().Add(time.Hour))
	rec = do(t, h, http.MethodPost, "/v1/execute", body, "Authorization", "Bearer "+anonymous)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	valid := token(t, secret, "alice", time.Now().Add(time.Hour))
	rec = do(t, h, http.MethodPost, "/v1/execute", body, "Authorization", "Bearer "+valid)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	_, h := newTestServer(t, nil, WithRateLimit(limiter.NewMemoryStore(limiter.Policy{RPS: 0.001, Burst: 2})))

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodGet, "/v1/ledger", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/v1/ledger", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// /health is outside /v1 and never limited.
	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPaymentGate(t *testing.T) {
	gw := payment.NewMemoryGateway()
	k, h := newTestServer(t, nil, WithPayment(gw, 100))
	body := `{"input":"x","context":"c"}`

	rec := do(t, h, http.MethodPost, "/v1/execute", body)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	p := decode(t, rec)
	invoice := p["invoice"].(string)
	assert.True(t, strings.HasPrefix(invoice, "lnbc100n1"))
	assert.Equal(t, `L402 invoice="`+invoice+`"`, rec.Header().Get("WWW-Authenticate"))

	// Unpaid invoice: still 402.
	rec = do(t, h, http.MethodPost, "/v1/execute", body, "X-Payment-Invoice", invoice)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, 0, k.Ledger().Len())

	require.NoError(t, gw.Settle(invoice))
	rec = do(t, h, http.MethodPost, "/v1/execute", body, "X-Payment-Invoice", invoice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, k.Ledger().Len())

	// Invoices are single use.
	rec = do(t, h, http.MethodPost, "/v1/execute", body, "X-Payment-Invoice", invoice)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	// Reads are not gated.
	rec = do(t, h, http.MethodGet, "/v1/ledger", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPaymentGate_RefusesNonEnforcingGateway(t *testing.T) {
	k, err := kernel.New("did:nexus:api-test-identity")
	require.NoError(t, err)

	_, err = NewServer(k, WithPayment(payment.PlaceholderNode{}, 1000))
	require.ErrorIs(t, err, payment.ErrNotEnforcing)

	_, err = NewServer(k, WithPayment(nil, 1000))
	require.ErrorIs(t, err, payment.ErrNotEnforcing)
}

func TestPaymentGate_OnlyOwnInvoices(t *testing.T) {
	gw := payment.NewMemoryGateway()
	k, h := newTestServer(t, nil, WithPayment(gw, 100))
	body := `{"input":"x","context":"c"}`

	for _, ref := range []string{"not-an-invoice", "also-fake"} {
		rec := do(t, h, http.MethodPost, "/v1/execute", body, "X-Payment-Invoice", ref)
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
	}

	// Paid at the gateway, but never issued by this server.
	foreign, err := gw.CreateInvoice(context.Background(), 100, "elsewhere")
	require.NoError(t, err)
	require.NoError(t, gw.Settle(foreign))
	rec := do(t, h, http.MethodPost, "/v1/execute", body, "X-Payment-Invoice", foreign)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, 0, k.Ledger().Len())
}

func newGate(t *testing.T, g payment.Gateway) *PaymentGate {
	t.Helper()
	pg, err := NewPaymentGate(g, 100, "test")
	require.NoError(t, err)
	return pg
}

func TestPaymentGate_ExpiresAndBoundsInvoices(t *testing.T) {
	gw := payment.NewMemoryGateway()
	pg := newGate(t, gw)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	pg.now = func() time.Time { return now }
	pg.maxPending = 2
	ctx := context.Background()

	first, err := pg.issue(ctx)
	require.NoError(t, err)
	_, err = pg.issue(ctx)
	require.NoError(t, err)
	_, err = pg.issue(ctx)
	require.ErrorIs(t, err, errTooManyPending)
	assert.Equal(t, 2, pg.Pending())

	h := pg.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := do(t, h, http.MethodPost, "/v1/execute", "{}")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// A settled invoice presented after its lifetime is refused.
	require.NoError(t, gw.Settle(first))
	now = now.Add(defaultInvoiceTTL + time.Second)
	ok, err := pg.redeem(ctx, first)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired invoices make room again.
	fresh, err := pg.issue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pg.Pending())
	require.NoError(t, gw.Settle(fresh))
	ok, err = pg.redeem(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, pg.Pending())
}

// slowGateway blocks VerifyPayment until released.
type slowGateway struct {
	*payment.MemoryGateway
	entered chan string
	release chan struct{}
}

func (g *slowGateway) VerifyPayment(ctx context.Context, ref string) (bool, error) {
	g.entered <- ref
	<-g.release
	return g.MemoryGateway.VerifyPayment(ctx, ref)
}

func TestPaymentGate_VerifiesOutsideLock(t *testing.T) {
	gw := &slowGateway{
		MemoryGateway: payment.NewMemoryGateway(),
		entered:       make(chan string, 2),
		release:       make(chan struct{}),
	}
	pg := newGate(t, gw)
	ctx := context.Background()

	a, err := pg.issue(ctx)
	require.NoError(t, err)
	b, err := pg.issue(ctx)
	require.NoError(t, err)
	require.NoError(t, gw.Settle(a))
	require.NoError(t, gw.Settle(b))

	results := make(chan bool, 2)
	go func() { ok, _ := pg.redeem(ctx, a); results <- ok }()
	go func() { ok, _ := pg.redeem(ctx, b); results <- ok }()

	// Both verifications are in flight at once.
	for i := 0; i < 2; i++ {
		select {
		case <-gw.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("verification serialized behind the gate lock")
		}
	}

	// The same invoice cannot be redeemed twice while in flight.
	ok, err := pg.redeem(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)

	close(gw.release)
	assert.True(t, <-results)
	assert.True(t, <-results)
	assert.Equal(t, 0, pg.Pending())
}

func TestPaymentGate_Disabled(t *testing.T) {
	_, h := newTestServer(t, nil, WithPayment(payment.PlaceholderNode{}, 0))
	rec := do(t, h, http.MethodPost, "/v1/execute", `{"input":"x","context":"c"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}
