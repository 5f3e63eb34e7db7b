// Package stripetest provides an in-memory fake of the slice of the
// Stripe API this service touches. Tests point a stripe client.API at it
// through a custom backend so handlers are exercised end to end without
// the network.
package stripetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// Customer is the wire shape of a fake customer record
type Customer struct {
	ID       string            `json:"id"`
	Object   string            `json:"object"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// Card is the wire shape of a card attached to a payment method
type Card struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

// PaymentMethod is the wire shape of a fake payment method
type PaymentMethod struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Type     string `json:"type"`
	Customer string `json:"customer,omitempty"`
	Card     *Card  `json:"card"`
}

// PaymentError mirrors the last_payment_error object on a payment intent
type PaymentError struct {
	Code          string         `json:"code,omitempty"`
	DeclineCode   string         `json:"decline_code,omitempty"`
	Message       string         `json:"message,omitempty"`
	PaymentMethod *PaymentMethod `json:"payment_method,omitempty"`
}

// PaymentIntent is the wire shape of a fake payment intent
type PaymentIntent struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Created          int64             `json:"created"`
	Currency         string            `json:"currency"`
	Description      string            `json:"description"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	Customer         *Customer         `json:"customer,omitempty"`
	LastPaymentError *PaymentError     `json:"last_payment_error,omitempty"`
}

// BalanceTransaction is the settlement breakdown of a charge
type BalanceTransaction struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Amount int64  `json:"amount"`
	Fee    int64  `json:"fee"`
	Net    int64  `json:"net"`
}

// Charge is the wire shape of a fake charge
type Charge struct {
	ID                 string              `json:"id"`
	Object             string              `json:"object"`
	Amount             int64               `json:"amount"`
	Created            int64               `json:"created"`
	Currency           string              `json:"currency"`
	Status             string              `json:"status"`
	Metadata           map[string]string   `json:"metadata"`
	BalanceTransaction *BalanceTransaction `json:"balance_transaction,omitempty"`
}

type setupIntent struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	ClientSecret string `json:"client_secret"`
	Customer     string `json:"customer"`
	Status       string `json:"status"`
}

type refund struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Amount        int64  `json:"amount"`
	PaymentIntent string `json:"payment_intent"`
	Reason        string `json:"reason"`
	Status        string `json:"status"`
}

// Server holds the fake Stripe state behind an httptest server
type Server struct {
	mu             sync.Mutex
	seq            int
	customers      []*Customer
	paymentMethods []*PaymentMethod
	paymentIntents []*PaymentIntent
	charges        []*Charge
	refunds        []*refund
	setupIntents   []*setupIntent
	updateCalls    map[string]int

	// FailDetach forces detach of the given payment method ids to fail
	FailDetach map[string]bool

	srv *httptest.Server
}

// NewServer starts the fake. Callers own Close.
func NewServer() *Server {
	s := &Server{
		updateCalls: make(map[string]int),
		FailDetach:  make(map[string]bool),
	}
	r := chi.NewRouter()
	r.Get("/v1/customers", s.listCustomers)
	r.Post("/v1/customers", s.createCustomer)
	r.Get("/v1/customers/{id}", s.getCustomer)
	r.Post("/v1/customers/{id}", s.updateCustomer)
	r.Delete("/v1/customers/{id}", s.deleteCustomer)
	r.Get("/v1/customers/{id}/payment_methods", s.listPaymentMethods)
	r.Post("/v1/setup_intents", s.createSetupIntent)
	r.Post("/v1/payment_intents", s.createPaymentIntent)
	r.Get("/v1/payment_intents", s.listPaymentIntents)
	r.Post("/v1/payment_intents/{id}/capture", s.capturePaymentIntent)
	r.Post("/v1/refunds", s.createRefund)
	r.Post("/v1/payment_methods/{id}/detach", s.detachPaymentMethod)
	r.Get("/v1/charges", s.listCharges)
	s.srv = httptest.NewServer(r)
	return s
}

func (s *Server) Close() {
	s.srv.Close()
}

// API returns a stripe client wired to this fake
func (s *Server) API() *client.API {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(s.srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	})
	sc := &client.API{}
	sc.Init("sk_test_stripetest", &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})
	return sc
}

// ----------------------------------------------- seeding and inspection

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_test%03d", prefix, s.seq)
}

// SeedCustomer inserts a customer record directly
func (s *Server) SeedCustomer(email, name string) *Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Customer{
		ID:       s.nextID("cus"),
		Object:   "customer",
		Email:    email,
		Name:     name,
		Metadata: make(map[string]string),
	}
	s.customers = append(s.customers, c)
	return c
}

// SeedPaymentMethod attaches a card payment method to a customer
func (s *Server) SeedPaymentMethod(customerID, brand, last4 string) *PaymentMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm := &PaymentMethod{
		ID:       s.nextID("pm"),
		Object:   "payment_method",
		Type:     "card",
		Customer: customerID,
		Card:     &Card{Brand: brand, Last4: last4},
	}
	s.paymentMethods = append(s.paymentMethods, pm)
	return pm
}

// PaymentIntentSeed describes a directly inserted payment intent
type PaymentIntentSeed struct {
	CustomerID  string
	Amount      int64
	Status      string
	Description string
	Created     int64
	DeclineCode string
	Card        *Card
}

// SeedPaymentIntent inserts a payment intent record directly
func (s *Server) SeedPaymentIntent(seed PaymentIntentSeed) *PaymentIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seed.Created == 0 {
		seed.Created = time.Now().Unix()
	}
	pi := &PaymentIntent{
		ID:          s.nextID("pi"),
		Object:      "payment_intent",
		Amount:      seed.Amount,
		Created:     seed.Created,
		Currency:    "usd",
		Description: seed.Description,
		Status:      seed.Status,
		Metadata:    map[string]string{"type": "lessons-payment"},
		Customer:    s.findCustomerLocked(seed.CustomerID),
	}
	if seed.DeclineCode != "" {
		pi.LastPaymentError = &PaymentError{
			Code:        "card_declined",
			DeclineCode: seed.DeclineCode,
			Message:     "Your card has been declined.",
			PaymentMethod: &PaymentMethod{
				ID:     s.nextID("pm"),
				Object: "payment_method",
				Type:   "card",
				Card:   seed.Card,
			},
		}
	}
	s.paymentIntents = append(s.paymentIntents, pi)
	return pi
}

// ChargeSeed describes a directly inserted charge
type ChargeSeed struct {
	Amount    int64
	Fee       int64
	Net       int64
	Status    string
	Type      string
	Created   int64
	Unsettled bool
}

// SeedCharge inserts a charge record directly. Unsettled drops the
// balance transaction to simulate an unresolved settlement breakdown.
func (s *Server) SeedCharge(seed ChargeSeed) *Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seed.Created == 0 {
		seed.Created = time.Now().Unix()
	}
	ch := &Charge{
		ID:       s.nextID("ch"),
		Object:   "charge",
		Amount:   seed.Amount,
		Created:  seed.Created,
		Currency: "usd",
		Status:   seed.Status,
		Metadata: make(map[string]string),
	}
	if seed.Type != "" {
		ch.Metadata["type"] = seed.Type
	}
	if !seed.Unsettled {
		ch.BalanceTransaction = &BalanceTransaction{
			ID:     s.nextID("txn"),
			Object: "balance_transaction",
			Amount: seed.Amount,
			Fee:    seed.Fee,
			Net:    seed.Net,
		}
	}
	s.charges = append(s.charges, ch)
	return ch
}

// CustomerCount reports how many customer records exist
func (s *Server) CustomerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.customers)
}

// HasCustomer reports whether the customer record still exists
func (s *Server) HasCustomer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findCustomerLocked(id) != nil
}

// UpdateCalls reports how many update calls hit the given customer
func (s *Server) UpdateCalls(customerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCalls[customerID]
}

// AttachedPaymentMethods lists the ids still attached to the customer
func (s *Server) AttachedPaymentMethods(customerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, 4)
	for _, pm := range s.paymentMethods {
		if pm.Customer == customerID {
			ids = append(ids, pm.ID)
		}
	}
	return ids
}

func (s *Server) findCustomerLocked(id string) *Customer {
	for _, c := range s.customers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ----------------------------------------------- handlers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeList(w http.ResponseWriter, url string, data interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object":   "list",
		"url":      url,
		"has_more": false,
		"data":     data,
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"type":    "invalid_request_error",
			"code":    code,
			"message": message,
		},
	})
}

func formMetadata(r *http.Request) map[string]string {
	md := make(map[string]string)
	for key, values := range r.Form {
		if len(key) > 9 && key[:9] == "metadata[" && key[len(key)-1] == ']' && len(values) > 0 {
			md[key[9:len(key)-1]] = values[0]
		}
	}
	return md
}

func (s *Server) listCustomers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := r.URL.Query().Get("email")
	matched := make([]*Customer, 0, 1)
	for _, c := range s.customers {
		if email == "" || c.Email == email {
			matched = append(matched, c)
		}
	}
	writeList(w, "/v1/customers", matched)
}

func (s *Server) createCustomer(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Customer{
		ID:       s.nextID("cus"),
		Object:   "customer",
		Email:    r.FormValue("email"),
		Name:     r.FormValue("name"),
		Metadata: formMetadata(r),
	}
	s.customers = append(s.customers, c)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) getCustomer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCustomerLocked(chi.URLParam(r, "id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "resource_missing", "No such customer")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) updateCustomer(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCustomerLocked(chi.URLParam(r, "id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "resource_missing", "No such customer")
		return
	}
	s.updateCalls[c.ID]++
	if email := r.FormValue("email"); email != "" {
		c.Email = email
	}
	if name := r.FormValue("name"); name != "" {
		c.Name = name
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteCustomer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	for i, c := range s.customers {
		if c.ID == id {
			s.customers = append(s.customers[:i], s.customers[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"id":      id,
				"object":  "customer",
				"deleted": true,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "resource_missing", "No such customer")
}

func (s *Server) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	matched := make([]*PaymentMethod, 0, 4)
	for _, pm := range s.paymentMethods {
		if pm.Customer == id {
			matched = append(matched, pm)
		}
	}
	writeList(w, "/v1/customers/"+id+"/payment_methods", matched)
}

func (s *Server) createSetupIntent(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	s.mu.Lock()
	defer s.mu.Unlock()
	customerID := r.FormValue("customer")
	if s.findCustomerLocked(customerID) == nil {
		writeError(w, http.StatusNotFound, "resource_missing", "No such customer")
		return
	}
	si := &setupIntent{
		ID:       s.nextID("seti"),
		Object:   "setup_intent",
		Customer: customerID,
		Status:   "requires_payment_method",
	}
	si.ClientSecret = si.ID + "_secret_stripetest"
	s.setupIntents = append(s.setupIntents, si)
	writeJSON(w, http.StatusOK, si)
}

func (s *Server) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	s.mu.Lock()
	defer s.mu.Unlock()
	customerID := r.FormValue("customer")
	cust := s.findCustomerLocked(customerID)
	if cust == nil {
		writeError(w, http.StatusNotFound, "resource_missing", "No such customer")
		return
	}
	amount, err := strconv.ParseInt(r.FormValue("amount"), 10, 64)
	if err != nil || amount <= 0 {
		writeError(w, http.StatusBadRequest, "parameter_invalid_integer", "Invalid amount")
		return
	}
	status := "succeeded"
	if r.FormValue("capture_method") == "manual" {
		status = "requires_capture"
	}
	pi := &PaymentIntent{
		ID:          s.nextID("pi"),
		Object:      "payment_intent",
		Amount:      amount,
		Created:     time.Now().Unix(),
		Currency:    r.FormValue("currency"),
		Description: r.FormValue("description"),
		Status:      status,
		Metadata:    formMetadata(r),
		Customer:    cust,
	}
	s.paymentIntents = append(s.paymentIntents, pi)
	writeJSON(w, http.StatusOK, pi)
}

func (s *Server) listPaymentIntents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customerID := r.URL.Query().Get("customer")
	var createdGTE int64
	if v := r.URL.Query().Get("created[gte]"); v != "" {
		createdGTE, _ = strconv.ParseInt(v, 10, 64)
	}
	matched := make([]*PaymentIntent, 0, 4)
	for _, pi := range s.paymentIntents {
		if customerID != "" && (pi.Customer == nil || pi.Customer.ID != customerID) {
			continue
		}
		if createdGTE > 0 && pi.Created < createdGTE {
			continue
		}
		matched = append(matched, pi)
	}
	writeList(w, "/v1/payment_intents", matched)
}

func (s *Server) capturePaymentIntent(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	for _, pi := range s.paymentIntents {
		if pi.ID != id {
			continue
		}
		if pi.Status != "requires_capture" {
			writeError(w, http.StatusBadRequest, "payment_intent_unexpected_state", "PaymentIntent is not awaiting capture")
			return
		}
		captured := pi.Amount
		if v := r.FormValue("amount_to_capture"); v != "" {
			captured, _ = strconv.ParseInt(v, 10, 64)
		}
		pi.Status = "succeeded"
		pi.AmountReceived = captured
		writeJSON(w, http.StatusOK, pi)
		return
	}
	writeError(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
}

func (s *Server) createRefund(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	s.mu.Lock()
	defer s.mu.Unlock()
	piID := r.FormValue("payment_intent")
	for _, pi := range s.paymentIntents {
		if pi.ID != piID {
			continue
		}
		amount := pi.Amount
		if v := r.FormValue("amount"); v != "" {
			amount, _ = strconv.ParseInt(v, 10, 64)
		}
		// refunding an uncaptured intent cancels the hold instead
		if pi.Status == "requires_capture" {
			pi.Status = "canceled"
		}
		re := &refund{
			ID:            s.nextID("re"),
			Object:        "refund",
			Amount:        amount,
			PaymentIntent: piID,
			Reason:        r.FormValue("reason"),
			Status:        "succeeded",
		}
		s.refunds = append(s.refunds, re)
		writeJSON(w, http.StatusOK, re)
		return
	}
	writeError(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
}

func (s *Server) detachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	if s.FailDetach[id] {
		writeError(w, http.StatusBadRequest, "payment_method_detach_failed", "Detach failed")
		return
	}
	for _, pm := range s.paymentMethods {
		if pm.ID == id {
			pm.Customer = ""
			writeJSON(w, http.StatusOK, pm)
			return
		}
	}
	writeError(w, http.StatusNotFound, "resource_missing", "No such payment_method")
}

func (s *Server) listCharges(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var createdGTE int64
	if v := r.URL.Query().Get("created[gte]"); v != "" {
		createdGTE, _ = strconv.ParseInt(v, 10, 64)
	}
	matched := make([]*Charge, 0, 4)
	for _, ch := range s.charges {
		if createdGTE > 0 && ch.Created < createdGTE {
			continue
		}
		matched = append(matched, ch)
	}
	writeList(w, "/v1/charges", matched)
}
