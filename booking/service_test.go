package booking_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zllovesuki/lessons/booking"
	"github.com/zllovesuki/lessons/stripetest"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

func newRouter(t *testing.T, fake *stripetest.Server, policy booking.PaymentMethodPolicy) chi.Router {
	t.Helper()
	manager, err := booking.NewManager(booking.ManagerOptions{
		StripeClient:        fake.API(),
		Logger:              zap.NewNop(),
		PaymentMethodPolicy: policy,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	svc, err := booking.NewService(booking.Options{
		BookingManager: manager,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	r := chi.NewRouter()
	svc.Mount(r)
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type signUpBody struct {
	ClientSecret       string `json:"clientSecret"`
	IsExistingCustomer bool   `json:"isExistingCustomer"`
	Customer           struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"customer"`
}

type paymentBody struct {
	Payment struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		Amount         int64  `json:"amount"`
		AmountReceived int64  `json:"amount_received"`
	} `json:"payment"`
}

func TestSignUpCreatesThenReusesCustomer(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	req := map[string]string{
		"email":       "a@x.com",
		"name":        "Ada",
		"firstLesson": "intro",
	}

	w := doJSON(t, router, "POST", "/lessons", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var first signUpBody
	decode(t, w, &first)
	if first.IsExistingCustomer {
		t.Error("expected a new customer on first signup")
	}
	if first.ClientSecret == "" {
		t.Error("expected a setup client secret")
	}
	if first.Customer.ID == "" {
		t.Fatal("expected a customer id")
	}
	if fake.CustomerCount() != 1 {
		t.Fatalf("expected 1 customer, got %d", fake.CustomerCount())
	}

	w = doJSON(t, router, "POST", "/lessons", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var second signUpBody
	decode(t, w, &second)
	if !second.IsExistingCustomer {
		t.Error("expected isExistingCustomer on replay")
	}
	if second.Customer.ID != first.Customer.ID {
		t.Errorf("expected customer %s, got %s", first.Customer.ID, second.Customer.ID)
	}
	if second.ClientSecret == "" {
		t.Error("expected a fresh setup client secret on replay")
	}
	if fake.CustomerCount() != 1 {
		t.Fatalf("replay created a duplicate customer, count = %d", fake.CustomerCount())
	}
}

func TestScheduleLessonWithoutPaymentMethod(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("b@x.com", "Brin")

	w := doJSON(t, router, "POST", "/schedule-lesson", map[string]interface{}{
		"customer_id": cust.ID,
		"amount":      4500,
		"description": "Lesson on Feb 25th",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var env errorEnvelope
	decode(t, w, &env)
	if !strings.Contains(env.Error.Message, "no payment methods found for "+cust.ID) {
		t.Errorf("unexpected error message: %q", env.Error.Message)
	}
}

func TestScheduleLessonAuthorizesWithManualCapture(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("c@x.com", "Cleo")
	fake.SeedPaymentMethod(cust.ID, "visa", "4242")

	w := doJSON(t, router, "POST", "/schedule-lesson", map[string]interface{}{
		"customer_id": cust.ID,
		"amount":      4500,
		"description": "Lesson on Feb 25th",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var body paymentBody
	decode(t, w, &body)
	if body.Payment.Status != "requires_capture" {
		t.Errorf("expected a held authorization, got status %q", body.Payment.Status)
	}
	if body.Payment.Amount != 4500 {
		t.Errorf("expected amount 4500, got %d", body.Payment.Amount)
	}
}

func TestPaymentMethodSelectionPolicy(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()

	cust := fake.SeedCustomer("d@x.com", "Dmitri")
	older := fake.SeedPaymentMethod(cust.ID, "visa", "4242")
	newer := fake.SeedPaymentMethod(cust.ID, "mastercard", "4444")

	var pm struct {
		ID string `json:"id"`
	}

	lastRouter := newRouter(t, fake, booking.PolicyLastListed)
	w := doJSON(t, lastRouter, "GET", "/payment-method/"+cust.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &pm)
	if pm.ID != newer.ID {
		t.Errorf("PolicyLastListed: expected %s, got %s", newer.ID, pm.ID)
	}

	firstRouter := newRouter(t, fake, booking.PolicyFirstListed)
	w = doJSON(t, firstRouter, "GET", "/payment-method/"+cust.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &pm)
	if pm.ID != older.ID {
		t.Errorf("PolicyFirstListed: expected %s, got %s", older.ID, pm.ID)
	}
}

func TestCompleteLessonPayment(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("e@x.com", "Elio")
	fake.SeedPaymentMethod(cust.ID, "visa", "4242")

	schedule := func(amount int64) string {
		w := doJSON(t, router, "POST", "/schedule-lesson", map[string]interface{}{
			"customer_id": cust.ID,
			"amount":      amount,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("schedule: expected 201, got %d: %s", w.Code, w.Body.String())
		}
		var body paymentBody
		decode(t, w, &body)
		return body.Payment.ID
	}

	// full capture
	piID := schedule(4500)
	w := doJSON(t, router, "POST", "/complete-lesson-payment", map[string]interface{}{
		"payment_intent_id": piID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body paymentBody
	decode(t, w, &body)
	if body.Payment.Status != "succeeded" {
		t.Errorf("expected succeeded, got %q", body.Payment.Status)
	}
	if body.Payment.AmountReceived != 4500 {
		t.Errorf("expected full capture of 4500, got %d", body.Payment.AmountReceived)
	}

	// capture with an override amount
	piID = schedule(4500)
	w = doJSON(t, router, "POST", "/complete-lesson-payment", map[string]interface{}{
		"payment_intent_id": piID,
		"amount":            3000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &body)
	if body.Payment.AmountReceived != 3000 {
		t.Errorf("expected override capture of 3000, got %d", body.Payment.AmountReceived)
	}
}

func TestRefundLesson(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("f@x.com", "Faye")
	fake.SeedPaymentMethod(cust.ID, "visa", "4242")

	w := doJSON(t, router, "POST", "/schedule-lesson", map[string]interface{}{
		"customer_id": cust.ID,
		"amount":      4500,
	})
	var payment paymentBody
	decode(t, w, &payment)

	w = doJSON(t, router, "POST", "/refund-lesson", map[string]interface{}{
		"payment_intent_id": payment.Payment.ID,
		"amount":            2500,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var refund struct {
		Refund string `json:"refund"`
	}
	decode(t, w, &refund)
	if !strings.HasPrefix(refund.Refund, "re_") {
		t.Errorf("expected a refund id, got %q", refund.Refund)
	}

	w = doJSON(t, router, "POST", "/refund-lesson", map[string]interface{}{
		"payment_intent_id": "pi_missing",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown intent, got %d", w.Code)
	}
}

func TestDeleteAccountVetoedByUncapturedPayment(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("g@x.com", "Gus")
	held := fake.SeedPaymentIntent(stripetest.PaymentIntentSeed{
		CustomerID: cust.ID,
		Amount:     4500,
		Status:     "requires_capture",
	})
	fake.SeedPaymentIntent(stripetest.PaymentIntentSeed{
		CustomerID: cust.ID,
		Amount:     3000,
		Status:     "succeeded",
	})

	w := doJSON(t, router, "POST", "/delete-account/"+cust.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var veto struct {
		Deleted            bool     `json:"deleted"`
		UncapturedPayments []string `json:"uncaptured_payments"`
	}
	decode(t, w, &veto)
	if veto.Deleted {
		t.Error("expected deletion to be vetoed")
	}
	if len(veto.UncapturedPayments) != 1 || veto.UncapturedPayments[0] != held.ID {
		t.Errorf("expected veto to list exactly %s, got %v", held.ID, veto.UncapturedPayments)
	}
	if !fake.HasCustomer(cust.ID) {
		t.Error("vetoed deletion must leave the customer in place")
	}

	// capture the hold, then deletion goes through
	w = doJSON(t, router, "POST", "/complete-lesson-payment", map[string]interface{}{
		"payment_intent_id": held.ID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("capture: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/delete-account/"+cust.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &veto)
	if !veto.Deleted {
		t.Error("expected deletion to succeed")
	}
	if fake.HasCustomer(cust.ID) {
		t.Error("expected the customer record to be gone")
	}
}

func TestAccountUpdateRejectsDuplicateEmail(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	other := fake.SeedCustomer("taken@x.com", "Tara")
	cust := fake.SeedCustomer("h@x.com", "Hugo")

	w := doJSON(t, router, "POST", "/account-update/"+cust.ID, map[string]string{
		"email": other.Email,
		"name":  "Hugo",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var env errorEnvelope
	decode(t, w, &env)
	if env.Error.Message != "Customer email already exists!" {
		t.Errorf("unexpected error message: %q", env.Error.Message)
	}
	if fake.UpdateCalls(cust.ID) != 0 {
		t.Error("rejected update must not call upstream")
	}
}

func TestAccountUpdateSkipsNoopButIssuesSecret(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("i@x.com", "Iris")

	w := doJSON(t, router, "POST", "/account-update/"+cust.ID, map[string]string{
		"email": "i@x.com",
		"name":  "Iris",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		ClientSecret string `json:"clientSecret"`
	}
	decode(t, w, &body)
	if body.ClientSecret == "" {
		t.Error("no-op update must still issue a setup client secret")
	}
	if fake.UpdateCalls(cust.ID) != 0 {
		t.Errorf("expected no upstream update, got %d calls", fake.UpdateCalls(cust.ID))
	}

	// changing the name goes upstream exactly once
	w = doJSON(t, router, "POST", "/account-update/"+cust.ID, map[string]string{
		"email": "i@x.com",
		"name":  "Iris Q",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if fake.UpdateCalls(cust.ID) != 1 {
		t.Errorf("expected 1 upstream update, got %d calls", fake.UpdateCalls(cust.ID))
	}
}

func TestAccountUpdateToUnownedEmail(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("j@x.com", "Jin")

	w := doJSON(t, router, "POST", "/account-update/"+cust.ID, map[string]string{
		"email": "fresh@x.com",
		"name":  "Jin",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if fake.UpdateCalls(cust.ID) != 1 {
		t.Errorf("expected 1 upstream update, got %d calls", fake.UpdateCalls(cust.ID))
	}
}

func TestUpdatePaymentDetailsDetachesStaleMethods(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("k@x.com", "Kay")
	stale1 := fake.SeedPaymentMethod(cust.ID, "visa", "4242")
	kept := fake.SeedPaymentMethod(cust.ID, "mastercard", "4444")
	stale2 := fake.SeedPaymentMethod(cust.ID, "amex", "0005")

	w := doJSON(t, router, "POST", "/update-payment-details/"+cust.ID, map[string]string{
		"payment_method": kept.ID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	attached := fake.AttachedPaymentMethods(cust.ID)
	if len(attached) != 1 || attached[0] != kept.ID {
		t.Errorf("expected only %s to remain, got %v", kept.ID, attached)
	}
	_ = stale1
	_ = stale2
}

func TestUpdatePaymentDetailsFailsWhenAnyDetachFails(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	cust := fake.SeedCustomer("l@x.com", "Lux")
	stale := fake.SeedPaymentMethod(cust.ID, "visa", "4242")
	kept := fake.SeedPaymentMethod(cust.ID, "mastercard", "4444")
	fake.FailDetach[stale.ID] = true

	w := doJSON(t, router, "POST", "/update-payment-details/"+cust.ID, map[string]string{
		"payment_method": kept.ID,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when a detach fails, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhookStubAcknowledges(t *testing.T) {
	fake := stripetest.NewServer()
	defer fake.Close()
	router := newRouter(t, fake, "")

	w := doJSON(t, router, "POST", "/webhook", map[string]string{"type": "setup_intent.succeeded"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
