// Package checkout starts hosted checkouts and manages subscriptions on the
// billing provider. It never writes tenant state derived from billing: the
// resulting webhooks do that through the reconciler.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/retry"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/svc/reconciler"
)

var (
	ErrInvalidRequest   = errors.New("invalid checkout request")
	ErrNoBillingAccount = errors.New("tenant has no billing customer")
	ErrNoSubscription   = errors.New("tenant has no subscription")
)

// StartRequest describes a checkout for one plan tier.
type StartRequest struct {
	Email      string
	Name       string
	Tier       plans.Tier
	SuccessURL string
	CancelURL  string
}

// Service drives the provider-side billing flows.
type Service struct {
	tenants  tenant.Store
	catalog  *plans.Catalog
	provider billing.Provider
	log      *slog.Logger
	policy   retry.Policy
	timeout  time.Duration
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRetryPolicy sets the policy for idempotent provider calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New panics if a dependency is nil.
func New(tenants tenant.Store, catalog *plans.Catalog, provider billing.Provider, opts ...Option) *Service {
	if tenants == nil || catalog == nil || provider == nil {
		panic("checkout: tenants, catalog and provider are required")
	}
	s := &Service{
		tenants:  tenants,
		catalog:  catalog,
		provider: provider,
		log:      slog.Default(),
		policy:   retry.DefaultPolicy(),
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("checkout"), logger.Provider(provider.Name()))
	return s
}

// StartCheckout returns a hosted checkout for req.Tier. The billing customer
// is the tenant's existing one, or a new one created with the provider when
// the provider supports it. A tenant that exists but has no customer yet is
// linked to the new customer right away.
func (s *Service) StartCheckout(ctx context.Context, req StartRequest) (*billing.CheckoutSession, error) {
	email := tenant.NormalizeEmail(req.Email)
	if email == "" || req.SuccessURL == "" || req.CancelURL == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("email, success and cancel urls are required"))
	}
	priceID, err := s.catalog.PriceID(req.Tier)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{"email": email, "tier": string(req.Tier)}

	existing, err := s.tenants.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		existing = nil
	case err != nil:
		return nil, err
	default:
		metadata[reconciler.MetadataTenantID] = existing.ID.String()
	}

	customerID, err := s.customerFor(ctx, existing, email, req.Name, metadata)
	if err != nil {
		return nil, err
	}

	var session *billing.CheckoutSession
	err = s.call(ctx, "create_checkout", s.policy, func(ctx context.Context) error {
		var err error
		session, err = s.provider.CreateCheckoutSession(ctx, billing.CheckoutRequest{
			CustomerID:    customerID,
			CustomerEmail: email,
			PriceID:       priceID,
			SuccessURL:    req.SuccessURL,
			CancelURL:     req.CancelURL,
			Metadata:      metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "checkout started",
		logger.PlanTier(string(req.Tier)),
		slog.String("session_id", session.ID),
		slog.Bool("existing_tenant", existing != nil),
	)
	return session, nil
}

// customerFor resolves the billing customer for a checkout: the tenant's
// reference, else a new provider customer. Providers without customer
// creation check out by email and return an empty id.
func (s *Service) customerFor(ctx context.Context, existing *tenant.Tenant, email, name string, metadata map[string]string) (string, error) {
	if existing != nil && existing.CustomerID != "" {
		return existing.CustomerID, nil
	}

	var customerID string
	// Not retried: a lost response would create a second customer.
	err := s.call(ctx, "create_customer", retry.Policy{MaxAttempts: 1}, func(ctx context.Context) error {
		var err error
		customerID, err = s.provider.CreateCustomer(ctx, email, name, metadata)
		return err
	})
	if errors.Is(err, billing.ErrNotSupported) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if existing != nil {
		_, err := s.tenants.Update(ctx, existing.ID, func(t *tenant.Tenant) error {
			if t.CustomerID != "" {
				return tenant.ErrNoChange
			}
			t.CustomerID = customerID
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("link billing customer: %w", err)
		}
	}
	return customerID, nil
}

// PortalURL returns a self-service billing portal link for the tenant.
func (s *Service) PortalURL(ctx context.Context, tenantID uuid.UUID, returnURL string) (string, error) {
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if t.CustomerID == "" {
		return "", ErrNoBillingAccount
	}

	var url string
	err = s.call(ctx, "create_portal", s.policy, func(ctx context.Context) error {
		var err error
		url, err = s.provider.CreatePortalSession(ctx, t.CustomerID, returnURL)
		return err
	})
	return url, err
}

// ChangePlan moves the tenant's subscription to tier. The tenant record
// changes when the provider's subscription.updated event arrives.
func (s *Service) ChangePlan(ctx context.Context, tenantID uuid.UUID, tier plans.Tier) (*billing.Subscription, error) {
	t, err := s.subscribed(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.PlanTier == tier {
		return nil, errors.Join(ErrInvalidRequest, fmt.Errorf("tenant is already on %q", tier))
	}
	priceID, err := s.catalog.PriceID(tier)
	if err != nil {
		return nil, err
	}

	var sub *billing.Subscription
	err = s.call(ctx, "change_price", s.policy, func(ctx context.Context) error {
		var err error
		sub, err = s.provider.ChangeSubscriptionPrice(ctx, t.SubscriptionID, priceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "plan change requested",
		logger.TenantID(t.ID),
		slog.String("from", string(t.PlanTier)),
		slog.String("to", string(tier)),
	)
	return sub, nil
}

// Cancel cancels the tenant's subscription now or at the end of the period.
func (s *Service) Cancel(ctx context.Context, tenantID uuid.UUID, atPeriodEnd bool) (*billing.Subscription, error) {
	t, err := s.subscribed(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var sub *billing.Subscription
	err = s.call(ctx, "cancel_subscription", s.policy, func(ctx context.Context) error {
		var err error
		sub, err = s.provider.CancelSubscription(ctx, t.SubscriptionID, atPeriodEnd)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "subscription cancellation requested",
		logger.TenantID(t.ID),
		slog.Bool("at_period_end", atPeriodEnd),
	)
	return sub, nil
}

func (s *Service) subscribed(ctx context.Context, tenantID uuid.UUID) (*tenant.Tenant, error) {
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.SubscriptionID == "" {
		return nil, ErrNoSubscription
	}
	return t, nil
}

func (s *Service) call(ctx context.Context, op string, policy retry.Policy, fn func(context.Context) error) error {
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return fn(callCtx)
	})
	metrics.RecordProviderCall(s.provider.Name(), op, err)
	return err
}
