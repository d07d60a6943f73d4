// Package payment defines the external payment collaborator used to gate paid
// access (L402 style): create an invoice, then check whether it was paid.
// Settlement itself is out of scope.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvoiceNotFound = errors.New("payment: invoice not found")
	ErrInvalidAmount   = errors.New("payment: amount must be positive")
	ErrNotEnforcing    = errors.New("payment: gateway does not enforce payment")
)

// Gateway is an opaque payment service.
type Gateway interface {
	// CreateInvoice returns an invoice reference for amountMinor units.
	CreateInvoice(ctx context.Context, amountMinor int64, memo string) (string, error)
	// VerifyPayment reports whether the invoice has been paid.
	VerifyPayment(ctx context.Context, ref string) (bool, error)
}

// Enforcing reports whether g actually checks payment. Gateways declare
// otherwise by implementing Enforces() bool; all others are assumed to.
func Enforcing(g Gateway) bool {
	if g == nil {
		return false
	}
	if e, ok := g.(interface{ Enforces() bool }); ok {
		return e.Enforces()
	}
	return true
}

// PlaceholderNode stands in for a Lightning node: invoices are synthetic
// (unique per call) and every payment verifies. Use it only where payment is
// not enforced.
type PlaceholderNode struct{}

// CreateInvoice implements Gateway.
func (PlaceholderNode) CreateInvoice(_ context.Context, amountMinor int64, _ string) (string, error) {
	if amountMinor <= 0 {
		return "", ErrInvalidAmount
	}
	return invoiceRef(amountMinor), nil
}

// VerifyPayment implements Gateway.
func (PlaceholderNode) VerifyPayment(context.Context, string) (bool, error) {
	return true, nil
}

// Enforces is false: nothing is ever checked.
func (PlaceholderNode) Enforces() bool { return false }

// Invoice is a MemoryGateway record.
type Invoice struct {
	Ref         string
	AmountMinor int64
	Memo        string
	Paid        bool
}

// MemoryGateway keeps invoices in memory. Payments are confirmed explicitly
// with Settle.
type MemoryGateway struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{invoices: make(map[string]*Invoice)}
}

// CreateInvoice implements Gateway.
func (g *MemoryGateway) CreateInvoice(_ context.Context, amountMinor int64, memo string) (string, error) {
	if amountMinor <= 0 {
		return "", ErrInvalidAmount
	}
	ref := invoiceRef(amountMinor)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoices[ref] = &Invoice{Ref: ref, AmountMinor: amountMinor, Memo: memo}
	return ref, nil
}

// VerifyPayment implements Gateway.
func (g *MemoryGateway) VerifyPayment(_ context.Context, ref string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inv, ok := g.invoices[ref]
	if !ok {
		return false, ErrInvoiceNotFound
	}
	return inv.Paid, nil
}

// Settle marks an invoice paid.
func (g *MemoryGateway) Settle(ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[ref]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.Paid = true
	return nil
}

// Invoice returns a copy of the invoice.
func (g *MemoryGateway) Invoice(ref string) (Invoice, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inv, ok := g.invoices[ref]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return *inv, nil
}

// invoiceRef renders a BOLT11-shaped placeholder reference.
func invoiceRef(amountMinor int64) string {
	id := uuid.New()
	return fmt.Sprintf("lnbc%dn1p%x", amountMinor, id[:])
}
