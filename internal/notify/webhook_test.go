package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(&WebhookConfig{URL: srv.URL, Timeout: time.Second})
	ev := Event{Kind: "reconcile", RunID: "r1", Status: "error", Failures: []string{"met 2024-01"}}
	if err := w.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.RunID != "r1" || len(got.Failures) != 1 {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(&WebhookConfig{URL: srv.URL})
	if err := w.Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected an error for HTTP 502")
	}
}
