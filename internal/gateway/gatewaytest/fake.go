// Package gatewaytest provides an in-memory PaymentGateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/stowly/billing/internal/gateway"
)

type invoiceState struct {
	inv   gateway.Invoice
	lines []gateway.InvoiceLine
}

// Fake is an in-memory gateway. Set Fail["Op"] to make that operation return
// the given error; everything else behaves like a well-funded test account.
type Fake struct {
	mu sync.Mutex

	Customers map[string]gateway.Customer
	Fail      map[string]error

	// PayHook, when set, runs before each PayInvoice and may inject a
	// failure for that specific payment.
	PayHook func(invoiceID string) error

	invoices map[string]*invoiceState
	subs     []gateway.Subscription
	nextID   int

	CreatedInvoices []gateway.CreateInvoiceParams
	PaidInvoices    []string
	CreatedSubs     []gateway.CreateSubscriptionParams
	CanceledSubs    []string
}

var _ gateway.PaymentGateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Fail:     map[string]error{},
		invoices: map[string]*invoiceState{},
	}
}

// Seed adds an existing subscription, as if created by an earlier run.
func (f *Fake) Seed(sub gateway.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
}

func (f *Fake) GetCustomer(ctx context.Context, customerID string) (gateway.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["GetCustomer"]; err != nil {
		return gateway.Customer{}, err
	}
	if f.Customers != nil {
		c, ok := f.Customers[customerID]
		if !ok {
			return gateway.Customer{}, &gateway.Error{Kind: gateway.KindNotFound, Op: "GetCustomer"}
		}
		return c, nil
	}
	return gateway.Customer{ID: customerID}, nil
}

func (f *Fake) CreateInvoice(ctx context.Context, params gateway.CreateInvoiceParams) (gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["CreateInvoice"]; err != nil {
		return gateway.Invoice{}, err
	}
	f.nextID++
	inv := gateway.Invoice{ID: fmt.Sprintf("in_%03d", f.nextID), Status: "draft"}
	f.invoices[inv.ID] = &invoiceState{inv: inv}
	f.CreatedInvoices = append(f.CreatedInvoices, params)
	return inv, nil
}

func (f *Fake) AddInvoiceLine(ctx context.Context, customerID, invoiceID string, line gateway.InvoiceLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["AddInvoiceLine"]; err != nil {
		return err
	}
	st, ok := f.invoices[invoiceID]
	if !ok {
		return &gateway.Error{Kind: gateway.KindNotFound, Op: "AddInvoiceLine"}
	}
	st.lines = append(st.lines, line)
	return nil
}

func (f *Fake) FinalizeInvoice(ctx context.Context, invoiceID string) (gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["FinalizeInvoice"]; err != nil {
		return gateway.Invoice{}, err
	}
	st, ok := f.invoices[invoiceID]
	if !ok {
		return gateway.Invoice{}, &gateway.Error{Kind: gateway.KindNotFound, Op: "FinalizeInvoice"}
	}
	st.inv.Status = "open"
	st.inv.HostedInvoiceURL = "https://pay.example.test/" + invoiceID
	st.inv.TotalMinor = st.total()
	return st.inv, nil
}

func (f *Fake) PayInvoice(ctx context.Context, invoiceID string) (gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["PayInvoice"]; err != nil {
		return gateway.Invoice{}, err
	}
	if f.PayHook != nil {
		if err := f.PayHook(invoiceID); err != nil {
			return gateway.Invoice{}, err
		}
	}
	st, ok := f.invoices[invoiceID]
	if !ok {
		return gateway.Invoice{}, &gateway.Error{Kind: gateway.KindNotFound, Op: "PayInvoice"}
	}
	st.inv.Status = "paid"
	st.inv.Paid = true
	st.inv.TotalMinor = st.total()
	f.PaidInvoices = append(f.PaidInvoices, invoiceID)
	return st.inv, nil
}

func (f *Fake) GetInvoice(ctx context.Context, invoiceID string) (gateway.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["GetInvoice"]; err != nil {
		return gateway.Invoice{}, err
	}
	st, ok := f.invoices[invoiceID]
	if !ok {
		return gateway.Invoice{}, &gateway.Error{Kind: gateway.KindNotFound, Op: "GetInvoice"}
	}
	return st.inv, nil
}

func (f *Fake) Lines(invoiceID string) []gateway.InvoiceLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.invoices[invoiceID]; ok {
		return append([]gateway.InvoiceLine(nil), st.lines...)
	}
	return nil
}

func (f *Fake) CreateSubscription(ctx context.Context, params gateway.CreateSubscriptionParams) (gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["CreateSubscription"]; err != nil {
		return gateway.Subscription{}, err
	}
	f.nextID++
	sub := gateway.Subscription{
		ID:         fmt.Sprintf("sub_%03d", f.nextID),
		CustomerID: params.CustomerID,
		Status:     "trialing",
		Metadata:   params.Metadata,
	}
	f.subs = append(f.subs, sub)
	f.CreatedSubs = append(f.CreatedSubs, params)
	return sub, nil
}

func (f *Fake) ListSubscriptions(ctx context.Context, customerID string) ([]gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["ListSubscriptions"]; err != nil {
		return nil, err
	}
	var out []gateway.Subscription
	for _, s := range f.subs {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) CancelSubscription(ctx context.Context, subscriptionID string) (gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["CancelSubscription"]; err != nil {
		return gateway.Subscription{}, err
	}
	for i, s := range f.subs {
		if s.ID == subscriptionID {
			f.subs[i].Status = "canceled"
			f.CanceledSubs = append(f.CanceledSubs, subscriptionID)
			return f.subs[i], nil
		}
	}
	return gateway.Subscription{}, &gateway.Error{Kind: gateway.KindNotFound, Op: "CancelSubscription"}
}

func (s *invoiceState) total() int64 {
	var total int64
	for _, l := range s.lines {
		total += l.UnitAmountMinor * l.Quantity
	}
	return total
}
