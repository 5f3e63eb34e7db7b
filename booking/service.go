package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	resp "github.com/zllovesuki/lessons/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

const webhookMaxBody = 65536

// Options contains the configuration for Service router
type Options struct {
	BookingManager *Manager
	Logger         *zap.Logger
	// WebhookSecret enables signature verification on /webhook when set
	WebhookSecret string
}

// Service is the booking API router
type Service struct {
	Options
}

// NewService will create an instance of the booking API router
func NewService(option Options) (*Service, error) {
	if option.BookingManager == nil {
		return nil, fmt.Errorf("nil BookingManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		Options: option,
	}, nil
}

// SignUpRequest is the model of a lesson signup submission
type SignUpRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Name        string `json:"name" validate:"required"`
	FirstLesson string `json:"firstLesson"`
}

// SignUpResponse reports the resolved customer and the setup handshake
// secret the browser confirms against Stripe.
type SignUpResponse struct {
	ClientSecret       string           `json:"clientSecret"`
	IsExistingCustomer bool             `json:"isExistingCustomer"`
	Customer           *stripe.Customer `json:"customer"`
}

func (s *Service) signUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().WithMessage(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("Email", req.Email))

	result, err := s.BookingManager.SignUp(ctx, SignUpOption{
		Email:       req.Email,
		Name:        req.Name,
		FirstLesson: req.FirstLesson,
	})
	if err != nil {
		logger.Error("Unable to sign up customer",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	resp.WriteCreated(w, r, SignUpResponse{
		ClientSecret:       result.ClientSecret,
		IsExistingCustomer: result.Existing,
		Customer:           result.Customer,
	})
}

// ScheduleLessonRequest is the model of a lesson authorization request
type ScheduleLessonRequest struct {
	CustomerID  string `json:"customer_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Description string `json:"description"`
}

// PaymentResponse wraps a payment intent returned by authorize/capture
type PaymentResponse struct {
	Payment *stripe.PaymentIntent `json:"payment"`
}

func (s *Service) scheduleLesson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ScheduleLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().WithMessage(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("CustomerID", req.CustomerID))

	pi, err := s.BookingManager.Authorize(ctx, AuthorizeOption{
		CustomerID:  req.CustomerID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		logger.Error("Unable to authorize lesson payment",
			zap.Error(err),
		)
		var noPM *NoPaymentMethodError
		if errors.As(err, &noPM) {
			resp.WriteError(w, r, resp.ErrBadRequest().
				WithCode("missing_payment_method").
				WithMessage(noPM.Error()))
			return
		}
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	resp.WriteCreated(w, r, PaymentResponse{Payment: pi})
}

// CompleteLessonPaymentRequest is the model of a capture request
type CompleteLessonPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
	Amount          int64  `json:"amount" validate:"omitempty,gt=0"`
}

func (s *Service) completeLessonPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CompleteLessonPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().WithMessage(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("PaymentIntentID", req.PaymentIntentID))

	pi, err := s.BookingManager.Capture(ctx, CaptureOption{
		PaymentIntentID: req.PaymentIntentID,
		Amount:          req.Amount,
	})
	if err != nil {
		logger.Error("Unable to capture lesson payment",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	resp.WriteResponse(w, r, PaymentResponse{Payment: pi})
}

// RefundLessonRequest is the model of a refund request
type RefundLessonRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
	Amount          int64  `json:"amount" validate:"omitempty,gt=0"`
}

// RefundResponse reports the id of the refund created
type RefundResponse struct {
	Refund string `json:"refund"`
}

func (s *Service) refundLesson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RefundLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().WithMessage(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("PaymentIntentID", req.PaymentIntentID))

	refund, err := s.BookingManager.Refund(ctx, RefundOption{
		PaymentIntentID: req.PaymentIntentID,
		Amount:          req.Amount,
	})
	if err != nil {
		logger.Error("Unable to refund lesson payment",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	resp.WriteCreated(w, r, RefundResponse{Refund: refund.ID})
}

func (s *Service) getPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := chi.URLParam(r, "customer_id")

	logger := s.Logger.With(zap.String("CustomerID", customerID))

	pm, err := s.BookingManager.GetPaymentMethod(ctx, customerID)
	if err != nil {
		logger.Error("Unable to fetch payment method",
			zap.Error(err),
		)
		var noPM *NoPaymentMethodError
		if errors.As(err, &noPM) {
			resp.WriteError(w, r, resp.ErrBadRequest().
				WithCode("missing_payment_method").
				WithMessage(noPM.Error()))
			return
		}
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	resp.WriteResponse(w, r, pm)
}

// UpdatePaymentDetailsRequest identifies the freshly confirmed payment
// method that replaces whatever was on file.
type UpdatePaymentDetailsRequest struct {
	PaymentMethodID string `json:"payment_method" validate:"required"`
}

func (s *Service) updatePaymentDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := chi.URLParam(r, "customer_id")

	var req UpdatePaymentDetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().WithMessage(err.Error()))
		return
	}

	logger := s.Logger.With(
		zap.String("CustomerID", customerID),
		zap.String("PaymentMethodID", req.PaymentMethodID),
	)

	if err := s.BookingManager.ReplacePaymentMethod(ctx, ReplaceOption{
		CustomerID:          customerID,
		KeepPaymentMethodID: req.PaymentMethodID,
	}); err != nil {
		logger.Error("Unable to detach stale payment methods",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// AccountUpdateRequest is the model of an account update submission
type AccountUpdateRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required"`
}

// AccountUpdateResponse carries the setup handshake secret for replacing
// the payment method on file.
type AccountUpdateResponse struct {
	ClientSecret string `json:"clientSecret"`
}

func (s *Service) accountUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := chi.URLParam(r, "customer_id")

	var req AccountUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().WithMessage(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("CustomerID", customerID))

	si, err := s.BookingManager.UpdateAccount(ctx, UpdateAccountOption{
		CustomerID: customerID,
		Email:      req.Email,
		Name:       req.Name,
	})
	if err != nil {
		logger.Error("Unable to update account",
			zap.Error(err),
		)
		if errors.Is(err, ErrDuplicateEmail) {
			resp.WriteError(w, r, resp.ErrBadRequest().
				WithCode("email_exists").
				WithMessage(ErrDuplicateEmail.Error()))
			return
		}
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	resp.WriteResponse(w, r, AccountUpdateResponse{ClientSecret: si.ClientSecret})
}

// DeleteAccountResponse reports either a completed deletion or the
// payment intents still awaiting capture that vetoed it.
type DeleteAccountResponse struct {
	Deleted            bool     `json:"deleted,omitempty"`
	UncapturedPayments []string `json:"uncaptured_payments,omitempty"`
}

func (s *Service) deleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := chi.URLParam(r, "customer_id")

	logger := s.Logger.With(zap.String("CustomerID", customerID))

	result, err := s.BookingManager.DeleteAccount(ctx, customerID)
	if err != nil {
		logger.Error("Unable to delete account",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	// the veto is a distinguished success response, not an error
	resp.WriteResponse(w, r, DeleteAccountResponse{
		Deleted:            result.Deleted,
		UncapturedPayments: result.UncapturedPayments,
	})
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().WithMessage("Unable to read request body"))
		return
	}

	if s.WebhookSecret != "" {
		event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.WebhookSecret)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().WithMessage("Invalid webhook signature"))
			return
		}
		s.Logger.Info("Received webhook event",
			zap.String("Type", string(event.Type)),
		)
	}

	// TODO: act on setup_intent.succeeded and payment_intent.payment_failed

	w.WriteHeader(http.StatusOK)
}

// Mount will register the booking routes on the given router
func (s *Service) Mount(r chi.Router) {
	r.Post("/lessons", s.signUp)
	r.Post("/schedule-lesson", s.scheduleLesson)
	r.Post("/complete-lesson-payment", s.completeLessonPayment)
	r.Post("/refund-lesson", s.refundLesson)
	r.Get("/payment-method/{customer_id}", s.getPaymentMethod)
	r.Post("/update-payment-details/{customer_id}", s.updatePaymentDetails)
	r.Post("/account-update/{customer_id}", s.accountUpdate)
	r.Post("/delete-account/{customer_id}", s.deleteAccount)
	r.Post("/webhook", s.handleWebhook)
}
