package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cm/cm/internal/config"
	"github.com/cm/cm/internal/platform/auth"
	"github.com/cm/cm/internal/platform/cache"
	"github.com/cm/cm/internal/platform/correlation"
)

func TestNewEcho_Health(t *testing.T) {
	e := newEcho(&config.Config{CORSOrigins: []string{"*"}}, zerolog.Nop(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected body %v", body)
	}
	if rec.Header().Get(correlation.Header) == "" {
		t.Error("expected correlation id on the response")
	}
}

func TestRevocationBackend_InMemoryWithoutRedis(t *testing.T) {
	list, closeFn := revocationBackend(nil)
	defer closeFn()

	if _, ok := list.(*auth.MemoryRevocationList); !ok {
		t.Fatalf("expected in-memory list, got %T", list)
	}
	ctx := context.Background()
	if err := list.Revoke(ctx, "token-1", time.Hour); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := list.IsRevoked(ctx, "token-1")
	if err != nil || !revoked {
		t.Errorf("expected token-1 revoked, got %v (err %v)", revoked, err)
	}
}

func TestSessionCache_InMemoryWithoutRedis(t *testing.T) {
	if _, ok := sessionCache(nil).(*cache.MemoryStore); !ok {
		t.Errorf("expected in-memory session cache, got %T", sessionCache(nil))
	}
}
