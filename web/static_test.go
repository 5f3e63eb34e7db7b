package web_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zllovesuki/lessons/web"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

func newRouter(t *testing.T, staticDir string) chi.Router {
	t.Helper()
	svc, err := web.NewService(web.Options{
		Logger:         zap.NewNop(),
		StaticDir:      staticDir,
		PublishableKey: "pk_test_abc",
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	r := chi.NewRouter()
	svc.Mount(r)
	return r
}

func TestGetConfig(t *testing.T) {
	router := newRouter(t, t.TempDir())

	req := httptest.NewRequest("GET", "/config", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Key != "pk_test_abc" {
		t.Errorf("expected publishable key, got %q", body.Key)
	}
}

func TestServePage(t *testing.T) {
	dir := t.TempDir()
	page := "<html><body>lessons page</body></html>"
	if err := os.WriteFile(filepath.Join(dir, "lessons.html"), []byte(page), 0644); err != nil {
		t.Fatal(err)
	}
	router := newRouter(t, dir)

	req := httptest.NewRequest("GET", "/lessons", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "lessons page") {
		t.Errorf("unexpected body: %q", w.Body.String())
	}
}

func TestServeAssets(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "assets", "styles.css"), []byte("body{margin:0}"), 0644); err != nil {
		t.Fatal(err)
	}
	router := newRouter(t, dir)

	req := httptest.NewRequest("GET", "/assets/styles.css", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "margin:0") {
		t.Errorf("unexpected body: %q", w.Body.String())
	}
}
