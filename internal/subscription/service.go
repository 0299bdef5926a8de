// Package subscription implements the subscription orchestrator: the business
// logic for creating, upgrading, and cancelling recurring subscriptions. The
// orchestrator drives the happy-path state machine; asynchronous state
// (activation, charges, failures, webhook-driven cancellation) is applied by
// the reconciliation engine.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"propcanvas/internal/billing"
	"propcanvas/internal/payments"
	"propcanvas/internal/queue"
	"propcanvas/internal/types"
)

// UserStore is the subset of the user repository the orchestrator needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
	UpdateCustomerID(ctx context.Context, userID string, provider types.ProviderType, customerID string) error
}

// OrganizationStore is the subset of the organization repository the
// orchestrator needs.
type OrganizationStore interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
	UpdatePlan(ctx context.Context, orgID string, plan types.PlanTier, monthlyLimit int, activeSubscriptionID string) error
}

// SubscriptionStore is the subset of the subscription repository the
// orchestrator needs.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *types.Subscription) error
	GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	UpdateStatus(ctx context.Context, id string, status types.SubscriptionStatus) error
	UpdatePlan(ctx context.Context, id string, planTier types.PlanTier, externalPlanID string, billingPeriod types.BillingPeriod, amount int64) error
	SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error
}

// ProviderRouter selects the payment back-end for a new subscription.
type ProviderRouter interface {
	Resolve(currency, region string, override types.ProviderType) (payments.Provider, error)
}

// TaskDispatcher enqueues post-billing continuation tasks. Enqueue failures
// never fail the billing operation itself; they are logged and the dispatcher
// is responsible for its own dead-letter fallback.
type TaskDispatcher interface {
	PublishPlanChange(ctx context.Context, task queue.PlanChangeTask) error
}

// CreateParams are the user-facing inputs for starting a subscription.
type CreateParams struct {
	UserID        string
	PlanTier      types.PlanTier
	BillingPeriod types.BillingPeriod
	Currency      string
	Region        string
	Provider      types.ProviderType // optional explicit override
	SuccessURL    string
	CancelURL     string
}

// CreateResult is the outcome of a subscription creation. CheckoutURL is set
// when the customer must complete a hosted checkout (or authorization) step.
type CreateResult struct {
	Subscription *types.Subscription
	CheckoutURL  string
}

// Service is the subscription orchestrator. Every operation is a sequential
// chain of provider and store calls; failures propagate immediately with no
// orchestrator-level retry.
type Service struct {
	users    UserStore
	orgs     OrganizationStore
	subs     SubscriptionStore
	catalog  billing.Catalog
	planIDs  *billing.PlanIDTable
	router   ProviderRouter
	registry *payments.Registry
	tasks    TaskDispatcher

	dashboardURL string
	logger       *slog.Logger
}

// NewService wires the orchestrator. dashboardURL is the public dashboard
// base used for default checkout redirect targets.
func NewService(
	users UserStore,
	orgs OrganizationStore,
	subs SubscriptionStore,
	catalog billing.Catalog,
	planIDs *billing.PlanIDTable,
	router ProviderRouter,
	registry *payments.Registry,
	tasks TaskDispatcher,
	dashboardURL string,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:        users,
		orgs:         orgs,
		subs:         subs,
		catalog:      catalog,
		planIDs:      planIDs,
		router:       router,
		registry:     registry,
		tasks:        tasks,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		logger:       logger,
	}
}

// CreateSubscription starts a recurring subscription for the user. The FREE
// tier is not purchasable, and a user with a live subscription must cancel or
// upgrade instead of subscribing again.
func (s *Service) CreateSubscription(ctx context.Context, params CreateParams) (*CreateResult, error) {
	plan, err := s.resolvePlan(params.PlanTier)
	if err != nil {
		return nil, err
	}

	if existing, err := s.subs.GetActiveByUserID(ctx, params.UserID); err == nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeConflictActiveSub,
			"user already has a subscription in progress",
			nil,
			map[string]any{"subscription_id": existing.ID, "status": existing.Status},
		)
	} else if !types.IsErrorCode(err, types.ErrCodeNotFoundSubscription) {
		return nil, err
	}

	period := params.BillingPeriod
	if period == "" {
		period = types.PeriodMonthly
	}
	price := billing.PriceFor(plan, period)
	amount := billing.AmountMinor(price)

	provider, err := s.router.Resolve(params.Currency, params.Region, params.Provider)
	if err != nil {
		return nil, err
	}

	planID, err := s.planIDs.Resolve(plan.Tier, provider.Type(), period)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, user, provider)
	if err != nil {
		return nil, err
	}

	subID := "sub_" + uuid.New().String()
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = defaultCurrency(provider.Type())
	}

	ps, err := provider.CreateSubscription(ctx, types.CreateSubscriptionParams{
		PlanID:      planID,
		CustomerID:  customerID,
		Quantity:    1,
		Notify:      true,
		SuccessURL:  s.redirectURL(params.SuccessURL, "/billing/success"),
		CancelURL:   s.redirectURL(params.CancelURL, "/billing/cancelled"),
		Currency:    currency,
		Amount:      amount,
		ReferenceID: subID,
	})
	if err != nil {
		return nil, err
	}

	// Hosted-checkout back-ends hand back a session placeholder that stays
	// PENDING until the checkout-completed webhook. Direct back-ends are
	// stored ACTIVE immediately; true activation is confirmed by the first
	// webhook.
	status := types.SubStatusActive
	if hc, ok := provider.(payments.HostedCheckoutProvider); ok && hc.HostedCheckout() {
		status = types.SubStatusPending
	}

	now := time.Now().UTC()
	sub := &types.Subscription{
		ID:                     subID,
		UserID:                 user.ID,
		OrganizationID:         user.OrganizationID,
		Provider:               provider.Type(),
		ExternalSubscriptionID: ps.ExternalID,
		ExternalPlanID:         planID,
		PlanTier:               plan.Tier,
		Status:                 status,
		BillingPeriod:          period,
		CurrentPeriodStart:     ps.CurrentPeriodStart,
		CurrentPeriodEnd:       ps.CurrentPeriodEnd,
		Amount:                 amount,
		Currency:               currency,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	if user.OrganizationID != "" {
		if err := s.orgs.UpdatePlan(ctx, user.OrganizationID, plan.Tier, plan.MonthlyQuota, sub.ID); err != nil {
			return nil, err
		}
	}

	s.notifyPlanChange(ctx, queue.PlanChangeTask{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		SubscriptionID: sub.ID,
		Action:         queue.PlanActionSubscribed,
		PreviousTier:   types.PlanFree,
		NewTier:        plan.Tier,
	})

	s.logger.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID,
		"user_id", user.ID,
		"provider", string(sub.Provider),
		"tier", string(sub.PlanTier),
		"period", string(sub.BillingPeriod),
		"status", string(sub.Status),
	)

	return &CreateResult{Subscription: sub, CheckoutURL: ps.CheckoutURL}, nil
}

// UpdateSubscriptionPlan changes the tier of the user's active subscription.
// The change is scheduled for the end of the current cycle on the provider
// side; the internal record reflects the new tier immediately so quota and
// invoicing follow the purchased plan. Switching providers mid-subscription
// is unsupported: the new tier must resolve for the current provider.
func (s *Service) UpdateSubscriptionPlan(ctx context.Context, userID string, newTier types.PlanTier) (*types.Subscription, error) {
	plan, err := s.resolvePlan(newTier)
	if err != nil {
		return nil, err
	}

	sub, err := s.subs.GetActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status != types.SubStatusActive {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundSubscription,
			"no active subscription to change",
			nil,
			map[string]any{"subscription_id": sub.ID, "status": sub.Status},
		)
	}
	if sub.PlanTier == plan.Tier {
		return sub, nil
	}

	planID, err := s.planIDs.Resolve(plan.Tier, sub.Provider, sub.BillingPeriod)
	if err != nil {
		return nil, err
	}
	price := billing.PriceFor(plan, sub.BillingPeriod)
	amount := billing.AmountMinor(price)

	provider, err := s.provider(sub.Provider)
	if err != nil {
		return nil, err
	}
	if _, err := provider.UpdateSubscription(ctx, sub.ExternalSubscriptionID, types.UpdateSubscriptionParams{
		PlanID:           planID,
		Quantity:         1,
		ScheduleCycleEnd: true,
	}); err != nil {
		return nil, err
	}

	if err := s.subs.UpdatePlan(ctx, sub.ID, plan.Tier, planID, sub.BillingPeriod, amount); err != nil {
		return nil, err
	}
	if sub.OrganizationID != "" {
		if err := s.orgs.UpdatePlan(ctx, sub.OrganizationID, plan.Tier, plan.MonthlyQuota, sub.ID); err != nil {
			return nil, err
		}
	}

	previous := sub.PlanTier
	sub.PlanTier = plan.Tier
	sub.ExternalPlanID = planID
	sub.Amount = amount

	s.notifyPlanChange(ctx, queue.PlanChangeTask{
		UserID:         userID,
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		Action:         queue.PlanActionUpgraded,
		PreviousTier:   previous,
		NewTier:        plan.Tier,
	})

	s.logger.InfoContext(ctx, "subscription plan changed",
		"subscription_id", sub.ID,
		"user_id", userID,
		"from", string(previous),
		"to", string(plan.Tier),
	)

	return sub, nil
}

// CancelSubscription cancels the user's subscription. Immediate cancellation
// takes effect now: the record goes CANCELLED and the organization drops to
// the FREE plan. Deferred cancellation only flags the record; the
// CANCELLED transition arrives later via the provider's cancellation webhook.
func (s *Service) CancelSubscription(ctx context.Context, userID string, immediate bool) (*types.Subscription, error) {
	sub, err := s.subs.GetActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	provider, err := s.provider(sub.Provider)
	if err != nil {
		return nil, err
	}
	if _, err := provider.CancelSubscription(ctx, sub.ExternalSubscriptionID, !immediate); err != nil {
		return nil, err
	}

	if immediate {
		if err := s.subs.UpdateStatus(ctx, sub.ID, types.SubStatusCancelled); err != nil {
			return nil, err
		}
		if sub.OrganizationID != "" {
			if err := s.orgs.UpdatePlan(ctx, sub.OrganizationID, types.PlanFree, billing.FreeQuota, ""); err != nil {
				return nil, err
			}
		}
		now := time.Now().UTC()
		sub.Status = types.SubStatusCancelled
		sub.CancelledAt = &now
	} else {
		if err := s.subs.SetCancelAtPeriodEnd(ctx, sub.ID, true); err != nil {
			return nil, err
		}
		sub.CancelAtPeriodEnd = true
	}

	action := queue.PlanActionCancelScheduled
	if immediate {
		action = queue.PlanActionCancelled
	}
	s.notifyPlanChange(ctx, queue.PlanChangeTask{
		UserID:         userID,
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		Action:         action,
		PreviousTier:   sub.PlanTier,
		NewTier:        types.PlanFree,
	})

	s.logger.InfoContext(ctx, "subscription cancelled",
		"subscription_id", sub.ID,
		"user_id", userID,
		"immediate", immediate,
	)

	return sub, nil
}

// GetSubscription returns the user's current (non-terminal) subscription.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	return s.subs.GetActiveByUserID(ctx, userID)
}

// ConfirmPayment verifies a client-side payment confirmation signature and
// activates the user's pending subscription. Only back-ends implementing the
// PaymentSignatureVerifier capability support this flow.
func (s *Service) ConfirmPayment(ctx context.Context, userID, orderID, paymentID, signature string) (*types.Subscription, error) {
	sub, err := s.subs.GetActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	provider, err := s.provider(sub.Provider)
	if err != nil {
		return nil, err
	}
	verifier, ok := provider.(payments.PaymentSignatureVerifier)
	if !ok {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationProvider,
			"provider does not support client payment confirmation",
			nil,
			map[string]any{"provider": string(sub.Provider)},
		)
	}
	if err := verifier.VerifyPaymentSignature(orderID, paymentID, signature); err != nil {
		return nil, err
	}

	if sub.Status == types.SubStatusPending {
		if err := s.subs.UpdateStatus(ctx, sub.ID, types.SubStatusActive); err != nil {
			return nil, err
		}
		sub.Status = types.SubStatusActive
	}

	s.logger.InfoContext(ctx, "payment confirmed",
		"subscription_id", sub.ID,
		"user_id", userID,
		"payment_id", paymentID,
	)

	return sub, nil
}

// resolvePlan validates a purchasable tier against the catalog. The catalog
// falls back to FREE for unknown tiers, so a FREE result for a non-FREE
// request means the tier does not exist.
func (s *Service) resolvePlan(tier types.PlanTier) (billing.Plan, error) {
	if tier == types.PlanFree {
		return billing.Plan{}, types.NewAppError(
			types.ErrCodeValidationFreeTier,
			"the FREE tier does not require a subscription",
			nil,
		)
	}
	plan := s.catalog.Get(tier)
	if plan.Tier == types.PlanFree {
		return billing.Plan{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("unknown plan tier %q", tier),
			nil,
			map[string]any{"tier": string(tier)},
		)
	}
	return plan, nil
}

// ensureCustomer returns the user's external customer id for the provider,
// creating and caching one on first use.
func (s *Service) ensureCustomer(ctx context.Context, user *types.User, provider payments.Provider) (string, error) {
	if id := user.CustomerIDFor(provider.Type()); id != "" {
		return id, nil
	}
	ref, err := provider.CreateCustomer(ctx, user.Email, user.Name, user.Phone)
	if err != nil {
		return "", err
	}
	if err := s.users.UpdateCustomerID(ctx, user.ID, provider.Type(), ref.CustomerID); err != nil {
		return "", err
	}
	switch provider.Type() {
	case types.ProviderRazorpay:
		user.RazorpayCustomerID = ref.CustomerID
	case types.ProviderStripe:
		user.StripeCustomerID = ref.CustomerID
	}
	return ref.CustomerID, nil
}

// provider looks up the back-end a stored subscription was created with.
// A missing entry means the deployment lost the credentials for a provider
// that still has live subscriptions.
func (s *Service) provider(pt types.ProviderType) (payments.Provider, error) {
	p := s.registry.Get(pt)
	if p == nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeInternalUnexpected,
			"subscription provider is not configured",
			nil,
			map[string]any{"provider": string(pt)},
		)
	}
	return p, nil
}

// redirectURL returns the caller-supplied URL or a dashboard default.
func (s *Service) redirectURL(explicit, defaultPath string) string {
	if explicit != "" {
		return explicit
	}
	return s.dashboardURL + defaultPath
}

// notifyPlanChange enqueues the continuation task, logging on failure rather
// than failing an already committed billing operation.
func (s *Service) notifyPlanChange(ctx context.Context, task queue.PlanChangeTask) {
	if s.tasks == nil {
		return
	}
	if err := s.tasks.PublishPlanChange(ctx, task); err != nil {
		s.logger.WarnContext(ctx, "plan change task enqueue failed",
			"subscription_id", task.SubscriptionID,
			"action", task.Action,
			"error", err,
		)
	}
}

func defaultCurrency(pt types.ProviderType) string {
	if pt == types.ProviderStripe {
		return "USD"
	}
	return "INR"
}
