package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/subscription"
)

// priceMetadataLimitKey is the Stripe price metadata key carrying a plan's
// monthly event limit.
const priceMetadataLimitKey = "monthly_event_limit"

// CustomerLookup maps a company to its Stripe customer id. Returning
// ErrNoPlan marks the tenant as unsubscribed.
type CustomerLookup func(ctx context.Context, companyID string) (string, error)

// SubscriptionLister is the slice of the Stripe SDK the plan source needs,
// kept as an interface to enable testing with mocks.
type SubscriptionLister interface {
	ActiveSubscription(customerID string) (*stripe.Subscription, error)
}

// StripeSubscriptionLister implements SubscriptionLister using the real
// Stripe SDK.
type StripeSubscriptionLister struct{}

// NewStripeSubscriptionLister configures the global Stripe key and returns
// a lister.
func NewStripeSubscriptionLister(apiKey string) *StripeSubscriptionLister {
	stripe.Key = apiKey
	return &StripeSubscriptionLister{}
}

// ActiveSubscription returns the customer's first active subscription, or
// nil when none exists.
func (l *StripeSubscriptionLister) ActiveSubscription(customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Limit = stripe.Int64(1)

	iter := subscription.List(params)
	for iter.Next() {
		return iter.Subscription(), nil
	}
	return nil, iter.Err()
}

// PostgresCustomerLookup resolves a company's Stripe customer id from the
// companies table. A tenant without one has no plan.
func PostgresCustomerLookup(db *sql.DB) CustomerLookup {
	return func(ctx context.Context, companyID string) (string, error) {
		var customerID sql.NullString
		query := `SELECT stripe_customer_id FROM companies WHERE id = $1`
		err := db.QueryRowContext(ctx, query, companyID).Scan(&customerID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoPlan
		}
		if err != nil {
			return "", fmt.Errorf("load stripe customer for %s: %w", companyID, err)
		}
		if !customerID.Valid || customerID.String == "" {
			return "", ErrNoPlan
		}
		return customerID.String, nil
	}
}

// StripePlanSource resolves plans from Stripe subscriptions: the monthly
// event limit lives in the subscribed price's metadata and the billing
// period comes from the subscription itself.
type StripePlanSource struct {
	lister    SubscriptionLister
	customers CustomerLookup
}

// NewStripePlanSource creates a plan source over a subscription lister and
// a company-to-customer lookup.
func NewStripePlanSource(lister SubscriptionLister, customers CustomerLookup) *StripePlanSource {
	return &StripePlanSource{lister: lister, customers: customers}
}

// PlanFor implements PlanSource.
func (s *StripePlanSource) PlanFor(ctx context.Context, companyID string) (*Plan, error) {
	customerID, err := s.customers(ctx, companyID)
	if err != nil {
		return nil, err
	}

	sub, err := s.lister.ActiveSubscription(customerID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}
	if sub == nil {
		return nil, ErrNoPlan
	}

	limit, name, err := planLimitFromSubscription(sub)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Name:               name,
		MonthlyEventLimit:  limit,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}, nil
}

func planLimitFromSubscription(sub *stripe.Subscription) (int64, string, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return 0, "", fmt.Errorf("subscription %s has no items", sub.ID)
	}
	price := sub.Items.Data[0].Price
	if price == nil {
		return 0, "", fmt.Errorf("subscription %s item has no price", sub.ID)
	}

	raw, ok := price.Metadata[priceMetadataLimitKey]
	if !ok {
		return 0, "", fmt.Errorf("price %s missing %s metadata", price.ID, priceMetadataLimitKey)
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit <= 0 {
		return 0, "", fmt.Errorf("price %s has invalid %s: %q", price.ID, priceMetadataLimitKey, raw)
	}

	name := price.Nickname
	if name == "" {
		name = price.ID
	}
	return limit, name, nil
}
