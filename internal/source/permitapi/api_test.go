package permitapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/source"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestLogin(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body loginRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if body.Email != "reviewer@example.com" || body.Password != "hunter2" {
			t.Errorf("body = %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token": "tok-123",
			"user":  map[string]string{"id": "u1", "email": body.Email, "role": "reviewer"},
		})
	})

	c := NewClient(srv.URL, nil)
	token, principal, err := c.Login(context.Background(), "reviewer@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token != "tok-123" {
		t.Errorf("token = %q", token)
	}
	if principal.Role != "reviewer" {
		t.Errorf("role = %q", principal.Role)
	}
}

func TestValidateRejected(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer stale" {
			t.Errorf("Authorization = %q", got)
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"token revoked"}`))
	})

	c := NewClient(srv.URL, func() string { return "ignored" })
	_, err := c.Validate(context.Background(), "stale")
	if err == nil {
		t.Fatal("expected error")
	}
	if !source.IsAuthError(err) {
		t.Errorf("expected AuthError, got %v", err)
	}
}

func TestValidateServerErrorIsNotAuthError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := NewClient(srv.URL, nil).Validate(context.Background(), "tok")
	if err == nil {
		t.Fatal("expected error")
	}
	if source.IsAuthError(err) {
		t.Errorf("502 reported as auth error: %v", err)
	}
}

func TestFetchUsesCurrentToken(t *testing.T) {
	var token atomic.Value
	token.Store("first")

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/projects" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer second" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"items":[{"id":"p1","title":"Solar install","status":"in_review"}],"total":7}`))
	})

	c := NewClient(srv.URL, func() string { return token.Load().(string) })
	token.Store("second")

	coll, err := c.Fetch(context.Background(), source.Query{Resource: model.ResourceProjects, PageSize: 50})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if coll.Total != 7 || len(coll.Items) != 1 {
		t.Fatalf("collection = %+v", coll)
	}
	item := coll.Items[0]
	if item.ID != "p1" || item.Status != "in_review" {
		t.Errorf("item = %+v", item)
	}
	if len(item.Raw) == 0 {
		t.Error("expected raw JSON to be retained")
	}
}

func TestFetchRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"items":[]}`))
	})

	coll, err := NewClient(srv.URL, nil).Fetch(context.Background(), source.Query{Resource: model.ResourcePermits})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if coll.Total != 0 {
		t.Errorf("total = %d", coll.Total)
	}
}
