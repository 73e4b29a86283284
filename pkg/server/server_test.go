package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cachepkg "github.com/echolabs/echo-dispatch/pkg/cache"
	"github.com/echolabs/echo-dispatch/pkg/clock"
	"github.com/echolabs/echo-dispatch/pkg/config"
	"github.com/echolabs/echo-dispatch/pkg/dispatch"
	"github.com/echolabs/echo-dispatch/pkg/models"
	"github.com/echolabs/echo-dispatch/pkg/provider"
	"github.com/echolabs/echo-dispatch/pkg/ratelimit"
)

func setupServer(t *testing.T, upstream *httptest.Server) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{Name: "test", URL: upstream.URL, Model: "test-model", APIKeys: []string{"nvapi-test"}},
	}

	clk := clock.New()
	limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Window, clk)
	t.Cleanup(limiter.Close)

	store := cachepkg.New(cfg.Cache.MaxEntries, clk)
	pool := provider.NewPool(cfg)
	p := dispatch.New(cfg, limiter, store, pool, nil, clk)
	return New(cfg, p)
}

func chatUpstream(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Choices: []models.Choice{
				{Message: models.ChatMessage{Role: "assistant", Content: reply}, FinishReason: "stop"},
			},
		})
	}))
}

func TestChat(t *testing.T) {
	upstream := chatUpstream(t, "Hello there!")
	defer upstream.Close()

	srv := setupServer(t, upstream)

	body := `{"history":[{"role":"user","content":"hello how are you today"}],"level":"intermediate"}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Echo-Cache") != "miss" {
		t.Error("expected cache miss on first request")
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["response"] != "Hello there!" {
		t.Errorf("unexpected response: %v", resp)
	}

	// Second identical request is served from cache.
	req2 := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req2.RemoteAddr = "203.0.113.7:51234"
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req2)
	if w2.Header().Get("X-Echo-Cache") != "hit" {
		t.Error("expected cache hit on second request")
	}
}

func TestChatEmptyHistoryGreets(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("greeting must not reach the provider")
	}))
	defer upstream.Close()

	srv := setupServer(t, upstream)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"history":[]}`))
	req.RemoteAddr = "203.0.113.7:51234"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Echo") {
		t.Errorf("expected the greeting, got %s", w.Body.String())
	}
}

func TestChatInvalidBody(t *testing.T) {
	upstream := chatUpstream(t, "x")
	defer upstream.Close()

	srv := setupServer(t, upstream)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestChatMethodNotAllowed(t *testing.T) {
	upstream := chatUpstream(t, "x")
	defer upstream.Close()

	srv := setupServer(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	upstream := chatUpstream(t, "x")
	defer upstream.Close()

	srv := setupServer(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("unexpected health response: %d %s", w.Code, w.Body.String())
	}
}

func TestStatus(t *testing.T) {
	upstream := chatUpstream(t, "x")
	defer upstream.Close()

	srv := setupServer(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var st models.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.ProviderAvailable {
		t.Error("expected provider available")
	}
}

func TestChatStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hi", " there"} {
			chunk := models.ChatCompletionChunk{
				Choices: []models.ChunkChoice{{Delta: models.ChatMessage{Content: tok}}},
			}
			b, _ := json.Marshal(chunk)
			w.Write([]byte("data: " + string(b) + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	srv := setupServer(t, upstream)
	body := `{"history":[{"role":"user","content":"stream me something nice"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %s", ct)
	}

	out := w.Body.String()
	hiIdx := strings.Index(out, `"token":"Hi"`)
	thereIdx := strings.Index(out, `"token":" there"`)
	doneIdx := strings.Index(out, `"done":true`)
	if hiIdx < 0 || thereIdx < 0 || doneIdx < 0 {
		t.Fatalf("missing frames in stream: %s", out)
	}
	if !(hiIdx < thereIdx && thereIdx < doneIdx) {
		t.Errorf("frames out of order: %s", out)
	}
}

func TestCallerIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/chat", nil)
	r.RemoteAddr = "192.0.2.9:12345"
	if got := callerIdentity(r); got != "192.0.2.9" {
		t.Errorf("expected peer host, got %s", got)
	}

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	if got := callerIdentity(r); got != "198.51.100.4" {
		t.Errorf("expected first forwarded hop, got %s", got)
	}
}

func TestRateLimitMapsTo429(t *testing.T) {
	upstream := chatUpstream(t, "ok")
	defer upstream.Close()

	cfg := config.Default()
	cfg.RateLimit.PerMinute = 1
	cfg.Providers = []config.ProviderConfig{
		{Name: "test", URL: upstream.URL, Model: "m", APIKeys: []string{"k"}},
	}

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := ratelimit.New(1, time.Minute, clk)
	t.Cleanup(limiter.Close)
	p := dispatch.New(cfg, limiter, cachepkg.New(500, clk), provider.NewPool(cfg), nil, clk)
	srv := New(cfg, p)

	body := `{"history":[{"role":"user","content":"first message right here"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	srv.ServeHTTP(httptest.NewRecorder(), req)

	body2 := `{"history":[{"role":"user","content":"second message right here"}]}`
	req2 := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body2))
	req2.RemoteAddr = "203.0.113.7:51234"
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
}
