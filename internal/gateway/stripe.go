package gateway

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeGateway implements PaymentGateway against Stripe. Storage and
// insurance subscription lines are priced inline against two pre-created
// Stripe products.
type StripeGateway struct {
	api      *client.API
	currency string
}

type StripeConfig struct {
	SecretKey string
	Currency  string // ISO code, default "usd"
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}
	return &StripeGateway{api: api, currency: currency}
}

func (g *StripeGateway) GetCustomer(ctx context.Context, customerID string) (Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := g.api.Customers.Get(customerID, params)
	if err != nil {
		return Customer{}, wrapStripeErr("retrieve customer", err)
	}
	if c.Deleted {
		return Customer{}, &Error{Kind: KindNotFound, Op: "retrieve customer", Err: errors.New("customer deleted")}
	}
	return Customer{ID: c.ID, Email: c.Email}, nil
}

func (g *StripeGateway) CreateInvoice(ctx context.Context, p CreateInvoiceParams) (Invoice, error) {
	params := &stripe.InvoiceParams{
		Customer:                    stripe.String(p.CustomerID),
		Description:                 stripe.String(p.Description),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
		AutoAdvance:                 stripe.Bool(false),
		Currency:                    stripe.String(g.currency),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	inv, err := g.api.Invoices.New(params)
	if err != nil {
		return Invoice{}, wrapStripeErr("create invoice", err)
	}
	return mapInvoice(inv), nil
}

func (g *StripeGateway) AddInvoiceLine(ctx context.Context, customerID, invoiceID string, line InvoiceLine) error {
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Invoice:     stripe.String(invoiceID),
		Description: stripe.String(line.Description),
		UnitAmount:  stripe.Int64(line.UnitAmountMinor),
		Quantity:    stripe.Int64(line.Quantity),
		Currency:    stripe.String(g.currency),
	}
	params.Context = ctx
	if _, err := g.api.InvoiceItems.New(params); err != nil {
		return wrapStripeErr("add invoice line", err)
	}
	return nil
}

func (g *StripeGateway) FinalizeInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{}
	params.Context = ctx
	inv, err := g.api.Invoices.FinalizeInvoice(invoiceID, params)
	if err != nil {
		return Invoice{}, wrapStripeErr("finalize invoice", err)
	}
	return mapInvoice(inv), nil
}

func (g *StripeGateway) PayInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	params := &stripe.InvoicePayParams{}
	params.Context = ctx
	inv, err := g.api.Invoices.Pay(invoiceID, params)
	if err != nil {
		return Invoice{}, wrapStripeErr("pay invoice", err)
	}
	return mapInvoice(inv), nil
}

func (g *StripeGateway) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := g.api.Invoices.Get(invoiceID, params)
	if err != nil {
		return Invoice{}, wrapStripeErr("retrieve invoice", err)
	}
	return mapInvoice(inv), nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer:          stripe.String(p.CustomerID),
		ProrationBehavior: stripe.String("none"),
	}
	params.Context = ctx
	if p.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(p.TrialDays)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	for _, item := range p.Items {
		params.Items = append(params.Items, &stripe.SubscriptionItemsParams{
			Quantity: stripe.Int64(item.Quantity),
			PriceData: &stripe.SubscriptionItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				Product:    stripe.String(item.ProductID),
				UnitAmount: stripe.Int64(item.UnitAmountMinor),
				Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
					Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
				},
			},
		})
	}
	sub, err := g.api.Subscriptions.New(params)
	if err != nil {
		return Subscription{}, wrapStripeErr("create subscription", err)
	}
	return mapSubscription(sub), nil
}

func (g *StripeGateway) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	// "all" is a list-filter value, not a subscription status constant.
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	iter := g.api.Subscriptions.List(params)
	var subs []Subscription
	for iter.Next() {
		subs = append(subs, mapSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr("list subscriptions", err)
	}
	return subs, nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return Subscription{}, wrapStripeErr("cancel subscription", err)
	}
	return mapSubscription(sub), nil
}

func mapInvoice(inv *stripe.Invoice) Invoice {
	return Invoice{
		ID:               inv.ID,
		Status:           string(inv.Status),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		TotalMinor:       inv.Total,
		Paid:             inv.Status == stripe.InvoiceStatusPaid,
	}
}

func mapSubscription(sub *stripe.Subscription) Subscription {
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	return Subscription{
		ID:         sub.ID,
		CustomerID: customerID,
		Status:     string(sub.Status),
		Metadata:   sub.Metadata,
	}
}

// wrapStripeErr maps Stripe failures onto the billing error taxonomy so
// callers can separate retryable outages from hard declines.
func wrapStripeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch {
		case sErr.Type == stripe.ErrorTypeCard || sErr.Code == stripe.ErrorCodeCardDeclined:
			return &Error{Kind: KindDeclined, Op: op, Err: err}
		case sErr.Code == stripe.ErrorCodeResourceMissing:
			return &Error{Kind: KindNotFound, Op: op, Err: err}
		case sErr.HTTPStatusCode == 429 || sErr.HTTPStatusCode >= 500:
			return &Error{Kind: KindUnavailable, Op: op, Err: err}
		case sErr.Type == stripe.ErrorTypeInvalidRequest:
			return &Error{Kind: KindInvalid, Op: op, Err: err}
		default:
			return &Error{Kind: KindUnavailable, Op: op, Err: err}
		}
	}
	// No structured Stripe error: transport-level failure.
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}
