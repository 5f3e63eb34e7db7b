package web

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	resp "github.com/zllovesuki/lessons/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// errorPage is served when a requested page is missing from StaticDir
const errorPage = "public/static-file-error.html"

// Options contains the configuration for Service router
type Options struct {
	Logger *zap.Logger
	// StaticDir holds the browser client pages and assets
	StaticDir string
	// PublishableKey is handed to the browser via GET /config
	PublishableKey string
}

// Service serves the browser client and its bootstrap configuration
type Service struct {
	Options
}

// NewService will create an instance of the static page router
func NewService(option Options) (*Service, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.StaticDir) == 0 {
		return nil, fmt.Errorf("empty StaticDir is invalid")
	}
	if len(option.PublishableKey) == 0 {
		return nil, fmt.Errorf("empty PublishableKey is invalid")
	}
	return &Service{
		Options: option,
	}, nil
}

// ConfigResponse carries the publishable key the browser initializes
// Stripe.js with.
type ConfigResponse struct {
	Key string `json:"key"`
}

func (s *Service) getConfig(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, ConfigResponse{Key: s.PublishableKey})
}

func (s *Service) servePage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(s.StaticDir, name)
		if _, err := os.Stat(path); err != nil {
			s.Logger.Warn("Static page missing",
				zap.String("Path", path),
				zap.Error(err),
			)
			http.ServeFile(w, r, errorPage)
			return
		}
		http.ServeFile(w, r, path)
	}
}

// Mount will register the client-facing routes on the given router
func (s *Service) Mount(r chi.Router) {
	r.Get("/config", s.getConfig)
	r.Get("/", s.servePage("index.html"))
	r.Get("/lessons", s.servePage("lessons.html"))
	r.Get("/account-update/{customer_id}", s.servePage("account-update.html"))

	assets := http.StripPrefix("/assets/", http.FileServer(http.Dir(filepath.Join(s.StaticDir, "assets"))))
	r.Handle("/assets/*", assets)
}
