package gateway

import (
	"context"
	"errors"
	"fmt"
)

// PaymentGateway abstracts the card-on-file payment provider. All amounts
// cross this boundary in minor units (cents).
type PaymentGateway interface {
	GetCustomer(ctx context.Context, customerID string) (Customer, error)

	CreateInvoice(ctx context.Context, params CreateInvoiceParams) (Invoice, error)
	AddInvoiceLine(ctx context.Context, customerID, invoiceID string, line InvoiceLine) error
	FinalizeInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	PayInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)

	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
}

type Customer struct {
	ID      string
	Email   string
	Deleted bool
}

type CreateInvoiceParams struct {
	CustomerID  string
	Description string
	Metadata    map[string]string
}

type InvoiceLine struct {
	Description     string
	UnitAmountMinor int64
	Quantity        int64
}

type Invoice struct {
	ID               string
	Status           string
	HostedInvoiceURL string
	TotalMinor       int64
	Paid             bool
}

type SubscriptionItem struct {
	Description     string
	ProductID       string
	UnitAmountMinor int64
	Quantity        int64
}

type CreateSubscriptionParams struct {
	CustomerID string
	Items      []SubscriptionItem
	TrialDays  int64
	Metadata   map[string]string
}

type Subscription struct {
	ID         string
	CustomerID string
	Status     string
	Metadata   map[string]string
}

func (s Subscription) Canceled() bool {
	return s.Status == "canceled"
}

// ErrorKind classifies gateway failures for the retry policy: timeouts and
// provider outages are retryable, a declined card is not without customer
// action.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindDeclined    ErrorKind = "payment_declined"
	KindNotFound    ErrorKind = "not_found"
	KindInvalid     ErrorKind = "invalid_request"
)

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) (ErrorKind, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return "", false
}

func IsRetryable(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindTimeout || k == KindUnavailable)
}

func IsDeclined(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindDeclined
}

func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}
