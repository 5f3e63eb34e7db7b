package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrDuplicateEmail is returned when an account update requests an email
// address already owned by a different customer.
var ErrDuplicateEmail = errors.New("Customer email already exists!")

// NoPaymentMethodError is returned when an operation needs a payment
// method but the customer has none attached.
type NoPaymentMethodError struct {
	CustomerID string
}

func (e *NoPaymentMethodError) Error() string {
	return fmt.Sprintf("no payment methods found for %s", e.CustomerID)
}

// ManagerOptions contains the configuration for the booking Manager
type ManagerOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
	// PaymentMethodPolicy defaults to PolicyLastListed when unset
	PaymentMethodPolicy PaymentMethodPolicy
}

// Manager handles the Stripe operations behind the booking endpoints.
// Stripe holds all state of record; the Manager itself is stateless.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for bookings
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.PaymentMethodPolicy == "" {
		option.PaymentMethodPolicy = PolicyLastListed
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// SignUpOption describes a lesson signup request
type SignUpOption struct {
	Email       string
	Name        string
	FirstLesson string
}

// SignUpResult carries the customer resolved by SignUp and the client
// secret of the setup handshake issued for it.
type SignUpResult struct {
	Customer     *stripe.Customer
	ClientSecret string
	Existing     bool
}

// SignUp resolves the customer for a signup request. A customer already
// on file with the given email is reused and reported as existing; a new
// customer is created otherwise. Both paths issue a fresh SetupIntent so
// the browser can confirm a payment method against Stripe directly.
func (m *Manager) SignUp(ctx context.Context, opt SignUpOption) (*SignUpResult, error) {
	cust, err := m.findCustomerByEmail(ctx, opt.Email)
	if err != nil {
		return nil, err
	}

	existing := cust != nil
	if !existing {
		params := &stripe.CustomerParams{
			Params: stripe.Params{
				Context:        ctx,
				IdempotencyKey: stripe.String(uuid.New().String()),
			},
			Email: stripe.String(opt.Email),
			Name:  stripe.String(opt.Name),
		}
		params.AddMetadata(MetadataKeyFirstLesson, opt.FirstLesson)
		cust, err = m.StripeClient.Customers.New(params)
		if err != nil {
			m.Logger.Error("Stripe returned error on customer creation",
				zap.Error(err),
			)
			return nil, err
		}
	}

	si, err := m.NewSetupIntent(ctx, cust.ID)
	if err != nil {
		return nil, err
	}

	return &SignUpResult{
		Customer:     cust,
		ClientSecret: si.ClientSecret,
		Existing:     existing,
	}, nil
}

// NewSetupIntent issues a setup handshake scoped to the given customer
func (m *Manager) NewSetupIntent(ctx context.Context, customerID string) (*stripe.SetupIntent, error) {
	params := &stripe.SetupIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(customerID),
	}
	return m.StripeClient.SetupIntents.New(params)
}

// AuthorizeOption describes a lesson payment authorization
type AuthorizeOption struct {
	CustomerID  string
	Amount      int64
	Description string
}

// Authorize places a hold for the lesson amount against the payment
// method selected by the configured policy. The intent confirms
// immediately with manual capture, so funds are held but not moved.
func (m *Manager) Authorize(ctx context.Context, opt AuthorizeOption) (*stripe.PaymentIntent, error) {
	pms, err := m.listPaymentMethods(ctx, opt.CustomerID, false)
	if err != nil {
		return nil, err
	}
	pm := m.selectPaymentMethod(pms)
	if pm == nil {
		return nil, &NoPaymentMethodError{CustomerID: opt.CustomerID}
	}

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:      stripe.String(opt.CustomerID),
		Amount:        stripe.Int64(opt.Amount),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Description:   stripe.String(opt.Description),
		Confirm:       stripe.Bool(true),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String(string(stripe.PaymentIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
		PaymentMethod: stripe.String(pm.ID),
	}
	params.AddMetadata(MetadataKeyType, MetadataLessonsPayment)

	return m.StripeClient.PaymentIntents.New(params)
}

// CaptureOption describes a capture of a previous authorization
type CaptureOption struct {
	PaymentIntentID string
	// Amount overrides the captured amount when positive; the full
	// authorized amount is captured otherwise
	Amount int64
}

// Capture converts a held authorization into a funds transfer
func (m *Manager) Capture(ctx context.Context, opt CaptureOption) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	if opt.Amount > 0 {
		params.AmountToCapture = stripe.Int64(opt.Amount)
	}
	return m.StripeClient.PaymentIntents.Capture(opt.PaymentIntentID, params)
}

// RefundOption describes a refund against an authorization
type RefundOption struct {
	PaymentIntentID string
	// Amount limits the refund when positive; the full amount is
	// refunded otherwise
	Amount int64
}

// Refund creates a refund against the payment intent. Stripe cancels the
// hold instead when the intent was never captured.
func (m *Manager) Refund(ctx context.Context, opt RefundOption) (*stripe.Refund, error) {
	params := &stripe.RefundParams{
		Params: stripe.Params{
			Context: ctx,
		},
		PaymentIntent: stripe.String(opt.PaymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if opt.Amount > 0 {
		params.Amount = stripe.Int64(opt.Amount)
	}
	return m.StripeClient.Refunds.New(params)
}

// GetPaymentMethod returns the payment method on file selected by the
// configured policy, with the owning customer expanded.
func (m *Manager) GetPaymentMethod(ctx context.Context, customerID string) (*stripe.PaymentMethod, error) {
	pms, err := m.listPaymentMethods(ctx, customerID, true)
	if err != nil {
		return nil, err
	}
	pm := m.selectPaymentMethod(pms)
	if pm == nil {
		return nil, &NoPaymentMethodError{CustomerID: customerID}
	}
	return pm, nil
}

// ReplaceOption identifies the payment method that survives a replacement
type ReplaceOption struct {
	CustomerID          string
	KeepPaymentMethodID string
}

// ReplacePaymentMethod detaches every payment method on the customer
// except the kept one. The new method is attached by the browser through
// Stripe's own confirmation step before this is called. Detaches run
// concurrently and the whole operation fails if any single detach fails.
func (m *Manager) ReplacePaymentMethod(ctx context.Context, opt ReplaceOption) error {
	pms, err := m.listPaymentMethods(ctx, opt.CustomerID, false)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, pm := range pms {
		if pm.ID == opt.KeepPaymentMethodID {
			continue
		}
		pm := pm
		g.Go(func() error {
			params := &stripe.PaymentMethodDetachParams{
				Params: stripe.Params{
					Context: ctx,
				},
			}
			_, err := m.StripeClient.PaymentMethods.Detach(pm.ID, params)
			return err
		})
	}
	return g.Wait()
}

// UpdateAccountOption describes an account update request
type UpdateAccountOption struct {
	CustomerID string
	Email      string
	Name       string
}

// UpdateAccount changes the customer's email and name. The requested
// email must not belong to a different customer. An update matching the
// current values is skipped rather than sent upstream. A fresh
// SetupIntent is issued either way so the caller can replace the payment
// method on file.
func (m *Manager) UpdateAccount(ctx context.Context, opt UpdateAccountOption) (*stripe.SetupIntent, error) {
	owner, err := m.findCustomerByEmail(ctx, opt.Email)
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.ID != opt.CustomerID {
		return nil, ErrDuplicateEmail
	}

	current := owner
	if current == nil {
		current, err = m.StripeClient.Customers.Get(opt.CustomerID, &stripe.CustomerParams{
			Params: stripe.Params{
				Context: ctx,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if current.Email != opt.Email || current.Name != opt.Name {
		params := &stripe.CustomerParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Email: stripe.String(opt.Email),
			Name:  stripe.String(opt.Name),
		}
		if _, err := m.StripeClient.Customers.Update(opt.CustomerID, params); err != nil {
			m.Logger.Error("Stripe returned error on customer update",
				zap.Error(err),
			)
			return nil, err
		}
	}

	return m.NewSetupIntent(ctx, opt.CustomerID)
}

// DeleteResult reports the outcome of DeleteAccount. Exactly one of the
// fields is populated.
type DeleteResult struct {
	Deleted            bool
	UncapturedPayments []string
}

// DeleteAccount deletes the customer unless any of their payment
// authorizations is still awaiting capture. The veto lists the offending
// payment intent ids and leaves the customer in place; it is a business
// rule of this service, not a Stripe constraint.
func (m *Manager) DeleteAccount(ctx context.Context, customerID string) (*DeleteResult, error) {
	params := &stripe.PaymentIntentListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
		Customer: stripe.String(customerID),
	}
	uncaptured := make([]string, 0, 1)
	iter := m.StripeClient.PaymentIntents.List(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		if pi.Status == stripe.PaymentIntentStatusRequiresCapture {
			uncaptured = append(uncaptured, pi.ID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	if len(uncaptured) > 0 {
		return &DeleteResult{UncapturedPayments: uncaptured}, nil
	}

	if _, err := m.StripeClient.Customers.Del(customerID, &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}); err != nil {
		m.Logger.Error("Stripe returned error on customer deletion",
			zap.Error(err),
		)
		return nil, err
	}

	return &DeleteResult{Deleted: true}, nil
}

func (m *Manager) findCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
		Email: stripe.String(email),
	}
	iter := m.StripeClient.Customers.List(params)
	for iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *Manager) listPaymentMethods(ctx context.Context, customerID string, expandCustomer bool) ([]*stripe.PaymentMethod, error) {
	params := &stripe.CustomerListPaymentMethodsParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
		Customer: stripe.String(customerID),
	}
	if expandCustomer {
		params.AddExpand("data.customer")
	}
	pms := make([]*stripe.PaymentMethod, 0, 4)
	iter := m.StripeClient.Customers.ListPaymentMethods(params)
	for iter.Next() {
		pms = append(pms, iter.PaymentMethod())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return pms, nil
}

func (m *Manager) selectPaymentMethod(pms []*stripe.PaymentMethod) *stripe.PaymentMethod {
	if len(pms) == 0 {
		return nil
	}
	switch m.PaymentMethodPolicy {
	case PolicyFirstListed:
		return pms[0]
	default:
		return pms[len(pms)-1]
	}
}
