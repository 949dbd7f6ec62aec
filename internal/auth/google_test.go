package auth

import (
	"testing"
	"time"
)

func TestOrganizationForEmail(t *testing.T) {
	tests := []struct {
		email  string
		userID string
		want   string
	}{
		{"ana@acme.com.br", "google:1", "acme.com.br"},
		{"Bob@ACME.io", "google:2", "acme.io"},
		{"carol@gmail.com", "google:3", "google:3"},
		{"dave@outlook.com", "google:4", "google:4"},
		{"no-at-sign", "google:5", "google:5"},
		{"trailing@", "google:6", "google:6"},
	}
	for _, tt := range tests {
		if got := OrganizationForEmail(tt.email, tt.userID); got != tt.want {
			t.Errorf("OrganizationForEmail(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestAppendTokenPreservesQuery(t *testing.T) {
	got, err := appendToken("https://app.example.com/login?next=%2Fjobs", "abc")
	if err != nil {
		t.Fatalf("appendToken: %v", err)
	}
	want := "https://app.example.com/login?next=%2Fjobs&token=abc"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAppendTokenRequiresURL(t *testing.T) {
	if _, err := appendToken("", "abc"); err == nil {
		t.Fatal("expected error for empty redirect url")
	}
}

func TestStateStoreConsumesOnce(t *testing.T) {
	s := newStateStore()
	s.put("s1", time.Now().Add(time.Minute))
	if !s.consume("s1") {
		t.Fatal("expected first consume to succeed")
	}
	if s.consume("s1") {
		t.Fatal("expected second consume to fail")
	}
}

func TestStateStoreRejectsExpired(t *testing.T) {
	s := newStateStore()
	s.put("s1", time.Now().Add(-time.Second))
	if s.consume("s1") {
		t.Fatal("expected expired state to be rejected")
	}
}
