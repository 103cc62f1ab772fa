package debughttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scriptum/daemon/internal/catalog"
	"github.com/scriptum/daemon/internal/docmanager"
	"github.com/scriptum/daemon/internal/synchub"
)

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	return NewEngine(Deps{
		Catalog: cat,
		Docs:    docmanager.New(),
		Hub:     synchub.New(),
		Started: time.Now().Add(-time.Minute),
	})
}

func TestHealthzReturnsOK(t *testing.T) {
	r := newTestEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestStatuszReportsEmptyCountsOnFreshDaemon(t *testing.T) {
	r := newTestEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/statusz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["documents_loaded"].(float64) != 0 {
		t.Fatalf("documents_loaded = %v", body["documents_loaded"])
	}
	if body["workspaces"].(float64) != 0 {
		t.Fatalf("workspaces = %v", body["workspaces"])
	}
	if uptime, ok := body["uptime_seconds"].(float64); !ok || uptime <= 0 {
		t.Fatalf("uptime_seconds = %v", body["uptime_seconds"])
	}
}

func TestStatuszCountsCreatedWorkspace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	if _, err := cat.CreateWorkspace("eng", "Engineering"); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	engine := NewEngine(Deps{Catalog: cat, Docs: docmanager.New(), Hub: synchub.New()})
	req := httptest.NewRequest(http.MethodGet, "/statusz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["workspaces"].(float64) != 1 {
		t.Fatalf("workspaces = %v", body["workspaces"])
	}
}
