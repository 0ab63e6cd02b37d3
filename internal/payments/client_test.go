package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/refbot/moderator-backend/internal/models"
)

func testPayment() *models.Payment {
	ext := "ext-123"
	provider := "cardpay"
	return &models.Payment{ID: 1, UserID: 500, Amount: 300, ExternalID: &ext, Provider: &provider}
}

func TestHTTPVerifierValid(t *testing.T) {
	var gotKey string
	var gotBody verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("path: got %s, want /verify", r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(verifyResponse{Valid: true})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, 5*time.Second)
	valid, err := v.Verify(context.Background(), testPayment(), RequestKey(1))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !valid {
		t.Error("expected valid=true")
	}
	if gotKey != RequestKey(1) {
		t.Errorf("idempotency key: got %q, want %q", gotKey, RequestKey(1))
	}
	if gotBody.Amount != 300 || gotBody.RequestKey != RequestKey(1) {
		t.Errorf("request body: got %+v", gotBody)
	}
}

func TestHTTPVerifierServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, 5*time.Second)
	_, err := v.Verify(context.Background(), testPayment(), RequestKey(1))
	if !errors.Is(err, ErrVerifierUnavailable) {
		t.Errorf("5xx: got %v, want ErrVerifierUnavailable", err)
	}
}

func TestHTTPVerifierRejectionIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, 5*time.Second)
	_, err := v.Verify(context.Background(), testPayment(), RequestKey(1))
	if err == nil || errors.Is(err, ErrVerifierUnavailable) {
		t.Errorf("4xx: got %v, want non-transient error", err)
	}
}

func TestHTTPVerifierUnreachable(t *testing.T) {
	// Closed port: the dial fails immediately.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	v := NewHTTPVerifier(srv.URL, time.Second)
	_, err := v.Verify(context.Background(), testPayment(), RequestKey(1))
	if !errors.Is(err, ErrVerifierUnavailable) {
		t.Errorf("unreachable: got %v, want ErrVerifierUnavailable", err)
	}
}

func TestHTTPVerifierGarbageResponseIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, 5*time.Second)
	_, err := v.Verify(context.Background(), testPayment(), RequestKey(1))
	if !errors.Is(err, ErrVerifierUnavailable) {
		t.Errorf("garbage body: got %v, want ErrVerifierUnavailable", err)
	}
}
