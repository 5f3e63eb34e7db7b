package report

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/lessons/booking"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

// DefaultWindow is the trailing period the reporting endpoints cover
const DefaultWindow = 36 * time.Hour

// pageLimit is the Stripe page size cap. Reporting reads a single page;
// results beyond it are a documented limitation.
const pageLimit = 100

// ManagerOptions contains the configuration for the report Manager
type ManagerOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
	// Window defaults to DefaultWindow when unset
	Window time.Duration
}

// Manager aggregates settled charges and failed payment attempts from
// Stripe over a trailing window.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for reporting
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Window <= 0 {
		option.Window = DefaultWindow
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// RevenueTotals is the settlement breakdown summed over lesson payments
type RevenueTotals struct {
	PaymentTotal int64 `json:"payment_total"`
	FeeTotal     int64 `json:"fee_total"`
	NetTotal     int64 `json:"net_total"`
}

// LessonRevenue sums gross, fee and net amounts over charges in the
// window that settled, are tagged as lesson payments and carry a
// resolved balance transaction. Charges missing any of these are
// excluded; an empty matching set yields all-zero totals.
func (m *Manager) LessonRevenue(ctx context.Context) (*RevenueTotals, error) {
	since := time.Now().Add(-m.Window).Unix()

	params := &stripe.ChargeListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
			Limit:   stripe.Int64(pageLimit),
			Single:  true,
		},
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: since,
		},
	}
	params.AddExpand("data.balance_transaction")

	totals := &RevenueTotals{}
	iter := m.StripeClient.Charges.List(params)
	for iter.Next() {
		charge := iter.Charge()
		if charge.Status != "succeeded" {
			continue
		}
		if charge.Metadata[booking.MetadataKeyType] != booking.MetadataLessonsPayment {
			continue
		}
		if charge.BalanceTransaction == nil {
			continue
		}
		totals.PaymentTotal += charge.BalanceTransaction.Amount
		totals.FeeTotal += charge.BalanceTransaction.Fee
		totals.NetTotal += charge.BalanceTransaction.Net
	}
	if err := iter.Err(); err != nil {
		m.Logger.Error("Stripe returned error on charge listing",
			zap.Error(err),
		)
		return nil, err
	}

	return totals, nil
}

// CustomerSummary identifies the customer behind a failed attempt
type CustomerSummary struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// PaymentAttempt describes the failed authorization attempt
type PaymentAttempt struct {
	Created     int64  `json:"created"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Error       string `json:"error"`
}

// CardSummary describes the declined card still on file
type CardSummary struct {
	Last4 string `json:"last4"`
	Brand string `json:"brand"`
}

// FailedPayment is one customer stuck on a declined payment method
type FailedPayment struct {
	Customer      CustomerSummary `json:"customer"`
	PaymentIntent PaymentAttempt  `json:"payment_intent"`
	PaymentMethod CardSummary     `json:"payment_method"`
}

// CustomersWithFailedPayments lists payment intents in the window that
// are awaiting a new payment method, belong to a known customer and
// carry a recorded decline. Output order follows Stripe's listing order;
// no re-sorting is performed.
func (m *Manager) CustomersWithFailedPayments(ctx context.Context) ([]FailedPayment, error) {
	since := time.Now().Add(-m.Window).Unix()

	params := &stripe.PaymentIntentListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
			Limit:   stripe.Int64(pageLimit),
			Single:  true,
		},
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: since,
		},
	}
	params.AddExpand("data.customer")
	params.AddExpand("data.last_payment_error")

	stuck := make([]FailedPayment, 0, 4)
	iter := m.StripeClient.PaymentIntents.List(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		if pi.Status != stripe.PaymentIntentStatusRequiresPaymentMethod {
			continue
		}
		if pi.Customer == nil || pi.LastPaymentError == nil {
			continue
		}

		record := FailedPayment{
			Customer: CustomerSummary{
				ID:    pi.Customer.ID,
				Email: pi.Customer.Email,
				Name:  pi.Customer.Name,
			},
			PaymentIntent: PaymentAttempt{
				Created:     pi.Created,
				Description: pi.Description,
				Status:      "failed",
				Error:       string(pi.LastPaymentError.DeclineCode),
			},
		}
		if pm := pi.LastPaymentError.PaymentMethod; pm != nil && pm.Card != nil {
			record.PaymentMethod = CardSummary{
				Last4: pm.Card.Last4,
				Brand: string(pm.Card.Brand),
			}
		}
		stuck = append(stuck, record)
	}
	if err := iter.Err(); err != nil {
		m.Logger.Error("Stripe returned error on payment intent listing",
			zap.Error(err),
		)
		return nil, err
	}

	return stuck, nil
}
