package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/groq-gate/internal/service/ai"
)

type replierFunc func(ctx context.Context, message string) (string, error)

func (f replierFunc) Reply(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

func setupRouter(replier Replier) *chi.Mux {
	r := chi.NewRouter()
	New(replier).RegisterRoutes(r)
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/groq", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestQueryReturnsReply(t *testing.T) {
	r := setupRouter(replierFunc(func(_ context.Context, message string) (string, error) {
		if message != "hello" {
			t.Errorf("unexpected message %q", message)
		}
		return "hi there", nil
	}))

	resp := post(r, `{"message":"hello"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Reply != "hi there" {
		t.Fatalf("expected reply %q, got %q", "hi there", out.Reply)
	}
}

func TestQueryRejectsBadInput(t *testing.T) {
	r := setupRouter(replierFunc(func(context.Context, string) (string, error) {
		t.Error("replier should not be called")
		return "", nil
	}))

	for _, body := range []string{`not json`, `{}`, `{"message":"   "}`} {
		if resp := post(r, body); resp.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.Code)
		}
	}
}

func TestQueryModelFailure(t *testing.T) {
	r := setupRouter(replierFunc(func(context.Context, string) (string, error) {
		return "", errors.New("rate limited")
	}))

	resp := post(r, `{"message":"hello"}`)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["error"] != "upstream inference failed" {
		t.Fatalf("unexpected error body: %v", out)
	}
}

func TestQueryEmptyMessageFromService(t *testing.T) {
	r := setupRouter(replierFunc(func(context.Context, string) (string, error) {
		return "", ai.ErrEmptyMessage
	}))

	if resp := post(r, `{"message":"x"}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestQueryWithoutModel(t *testing.T) {
	r := setupRouter(nil)

	if resp := post(r, `{"message":"hello"}`); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
