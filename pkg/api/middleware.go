package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/nexus/pkg/limiter"
	"github.com/Mindburn-Labs/nexus/pkg/payment"
)

const (
	headerRequestID = "X-Request-ID"
	headerInvoice   = "X-Payment-Invoice"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	subjectKey   contextKey = "subject"
)

// RequestID injects a unique X-Request-ID into every request context and
// response header. A client-supplied X-Request-ID is reused.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// GetSubject returns the authenticated JWT subject, if any.
func GetSubject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey).(string)
	return sub
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// BearerAuth validates HS256 JWT bearer tokens and stores the subject in the
// request context. Tokens without a subject are rejected.
func BearerAuth(secret []byte) func(http.Handler) http.Handler {
	keyFunc := func(t *jwt.Token) (any, error) {
		return secret, nil
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
			if err != nil || !token.Valid {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, r, "Token subject is required")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientKey identifies the caller for rate limiting: the JWT subject when
// authenticated, else the remote IP.
func clientKey(r *http.Request) string {
	if sub := GetSubject(r.Context()); sub != "" {
		return "sub:" + sub
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return "ip:" + ip
}

// RateLimit rejects callers over their token bucket with 429. Store errors
// fail closed.
func RateLimit(store limiter.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := limiter.Check(r.Context(), store, clientKey(r))
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, limiter.ErrLimited):
				WriteTooManyRequests(w, r, 1)
			default:
				WriteInternal(w, r, err)
			}
		})
	}
}

// Invoice bookkeeping bounds for PaymentGate.
const (
	defaultInvoiceTTL = 15 * time.Minute
	defaultMaxPending = 10000
)

var errTooManyPending = errors.New("too many unpaid invoices")

// PaymentGate requires a settled invoice, issued by this gate and not yet
// redeemed, per request. Requests without one get 402 and a fresh invoice
// for priceMinor units. Unredeemed invoices expire after ttl.
type PaymentGate struct {
	gateway    payment.Gateway
	priceMinor int64
	memo       string
	ttl        time.Duration
	maxPending int
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingInvoice
}

type pendingInvoice struct {
	expires   time.Time
	redeeming bool
}

// NewPaymentGate fails for gateways that do not enforce payment and for a
// non-positive price.
func NewPaymentGate(g payment.Gateway, priceMinor int64, memo string) (*PaymentGate, error) {
	if !payment.Enforcing(g) {
		return nil, payment.ErrNotEnforcing
	}
	if priceMinor <= 0 {
		return nil, payment.ErrInvalidAmount
	}
	return &PaymentGate{
		gateway:    g,
		priceMinor: priceMinor,
		memo:       memo,
		ttl:        defaultInvoiceTTL,
		maxPending: defaultMaxPending,
		now:        time.Now,
		pending:    make(map[string]*pendingInvoice),
	}, nil
}

// Middleware enforces the gate.
func (pg *PaymentGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimSpace(r.Header.Get(headerInvoice))
		if ref != "" {
			ok, err := pg.redeem(r.Context(), ref)
			if err != nil && !errors.Is(err, payment.ErrInvoiceNotFound) {
				WriteError(w, r, http.StatusBadGateway, "Bad Gateway", "payment gateway unavailable")
				return
			}
			if ok {
				next.ServeHTTP(w, r)
				return
			}
		}

		invoice, err := pg.issue(r.Context())
		switch {
		case errors.Is(err, errTooManyPending):
			WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "too many unpaid invoices, retry later")
			return
		case err != nil:
			WriteInternal(w, r, fmt.Errorf("create invoice: %w", err))
			return
		}
		WritePaymentRequired(w, r, invoice)
	})
}

// issue creates an invoice and remembers it until it expires or is redeemed.
func (pg *PaymentGate) issue(ctx context.Context) (string, error) {
	if !pg.hasRoom() {
		return "", errTooManyPending
	}
	ref, err := pg.gateway.CreateInvoice(ctx, pg.priceMinor, pg.memo)
	if err != nil {
		return "", err
	}

	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.pending[ref] = &pendingInvoice{expires: pg.now().Add(pg.ttl)}
	return ref, nil
}

func (pg *PaymentGate) hasRoom() bool {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	now := pg.now()
	for ref, inv := range pg.pending {
		if !inv.redeeming && now.After(inv.expires) {
			delete(pg.pending, ref)
		}
	}
	return len(pg.pending) < pg.maxPending
}

// redeem reports whether ref is one of this gate's live invoices and has been
// paid, consuming it. The gateway is consulted outside the lock; a reference
// already being redeemed by another request is refused.
func (pg *PaymentGate) redeem(ctx context.Context, ref string) (bool, error) {
	pg.mu.Lock()
	inv, ok := pg.pending[ref]
	switch {
	case !ok || inv.redeeming:
		pg.mu.Unlock()
		return false, nil
	case pg.now().After(inv.expires):
		delete(pg.pending, ref)
		pg.mu.Unlock()
		return false, nil
	}
	inv.redeeming = true
	pg.mu.Unlock()

	paid, err := pg.gateway.VerifyPayment(ctx, ref)

	pg.mu.Lock()
	defer pg.mu.Unlock()
	if err != nil || !paid {
		inv.redeeming = false
		return false, err
	}
	delete(pg.pending, ref)
	return true, nil
}

// Pending returns the number of issued, unredeemed invoices.
func (pg *PaymentGate) Pending() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return len(pg.pending)
}
