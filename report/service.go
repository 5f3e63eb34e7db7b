package report

import (
	"fmt"
	"net/http"

	resp "github.com/zllovesuki/lessons/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// Options contains the configuration for Service router
type Options struct {
	ReportManager *Manager
	Logger        *zap.Logger
}

// Service is the reporting API router
type Service struct {
	Options
}

// NewService will create an instance of the reporting API router
func NewService(option Options) (*Service, error) {
	if option.ReportManager == nil {
		return nil, fmt.Errorf("nil ReportManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		Options: option,
	}, nil
}

func (s *Service) calculateLessonTotal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totals, err := s.ReportManager.LessonRevenue(ctx)
	if err != nil {
		s.Logger.Error("Unable to calculate lesson totals",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	resp.WriteResponse(w, r, totals)
}

func (s *Service) findCustomersWithFailedPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stuck, err := s.ReportManager.CustomersWithFailedPayments(ctx)
	if err != nil {
		s.Logger.Error("Unable to find customers with failed payments",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.FromStripe(err))
		return
	}

	resp.WriteResponse(w, r, stuck)
}

// Mount will register the reporting routes on the given router
func (s *Service) Mount(r chi.Router) {
	r.Get("/calculate-lesson-total", s.calculateLessonTotal)
	r.Get("/find-customers-with-failed-payments", s.findCustomersWithFailedPayments)
}
