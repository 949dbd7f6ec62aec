package users

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"chatlens-backend/internal/shared/server/middleware"
)

func TestMeAnswersGuestFromContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.Auth("dev"))
	api := router.Group("/api/v1")
	NewHandler(NewService(NewMemoryRepo())).RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("X-Guest-Id", "test-guest")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "guest:test-guest" || body["organizationId"] != "guest:test-guest" {
		t.Fatalf("unexpected identity: %v", body)
	}
	if body["guest"] != true {
		t.Fatalf("expected guest flag, got %v", body["guest"])
	}
}

func TestMeReadsPersistedProfile(t *testing.T) {
	gin.SetMode(gin.TestMode)

	repo := NewMemoryRepo()
	svc := NewService(repo)
	if err := svc.UpsertFromAuth(context.Background(), User{
		ID:             "google:123",
		OrganizationID: "acme.com",
		Email:          "ana@acme.com",
		FullName:       "Ana Lima",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("userId", "google:123")
		c.Set("orgId", "acme.com")
		c.Set("isGuest", false)
		c.Next()
	})
	api := router.Group("/api/v1")
	NewHandler(svc).RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["email"] != "ana@acme.com" || body["organizationId"] != "acme.com" {
		t.Fatalf("unexpected profile: %v", body)
	}
	if body["guest"] != false {
		t.Fatalf("expected guest false, got %v", body["guest"])
	}
}

func TestMeUnknownAuthedUserIs404(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("userId", "google:unknown")
		c.Set("orgId", "acme.com")
		c.Set("isGuest", false)
		c.Next()
	})
	api := router.Group("/api/v1")
	NewHandler(NewService(NewMemoryRepo())).RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestUpsertValidatesIdentity(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.UpsertFromAuth(context.Background(), User{ID: "google:1", Email: "a@b.com"}); err == nil {
		t.Fatal("expected error for missing organization")
	}
	if err := svc.UpsertFromAuth(context.Background(), User{ID: "google:1", OrganizationID: "b.com"}); err == nil {
		t.Fatal("expected error for missing email")
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	first := User{ID: "google:1", OrganizationID: "b.com", Email: "a@b.com"}
	if err := svc.UpsertFromAuth(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	stored, err := repo.GetByID(ctx, "google:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := svc.UpsertFromAuth(ctx, User{ID: "google:1", OrganizationID: "b.com", Email: "a@b.com", FullName: "A B"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	again, err := repo.GetByID(ctx, "google:1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if !again.CreatedAt.Equal(stored.CreatedAt) {
		t.Fatalf("expected created_at preserved, got %v then %v", stored.CreatedAt, again.CreatedAt)
	}
	if again.FullName != "A B" {
		t.Fatalf("expected name updated, got %q", again.FullName)
	}
}
