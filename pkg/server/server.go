package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/echolabs/echo-dispatch/pkg/config"
	"github.com/echolabs/echo-dispatch/pkg/dispatch"
	"github.com/echolabs/echo-dispatch/pkg/models"
)

// Server is the thin HTTP layer over the dispatch pipeline. Framing and
// status-code mapping live here; the pipeline owns all dispatch semantics.
type Server struct {
	cfg      *config.Config
	pipeline *dispatch.Pipeline
	mux      *http.ServeMux
}

// New creates a Server wired to the given pipeline.
func New(cfg *config.Config, p *dispatch.Pipeline) *Server {
	s := &Server{cfg: cfg, pipeline: p, mux: http.NewServeMux()}
	s.mux.HandleFunc("/chat", s.handleChat)
	s.mux.HandleFunc("/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("echo-dispatch listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	res := s.pipeline.Dispatch(r.Context(), req)
	writeResult(w, res)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	events, pre := s.pipeline.DispatchStream(r.Context(), req)
	if pre != nil {
		if pre.Kind == models.KindSuccess {
			// Greeting or cache hit: deliver as a single-frame stream.
			flusher, ok := w.(http.Flusher)
			if !ok {
				writeResult(w, *pre)
				return
			}
			startSSE(w)
			writeFrame(w, frame{Token: pre.Payload})
			writeFrame(w, frame{Done: true})
			flusher.Flush()
			return
		}
		writeResult(w, *pre)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	startSSE(w)

	for ev := range events {
		switch {
		case ev.Err != nil:
			writeFrame(w, frame{Error: "stream interrupted"})
		case ev.Done:
			writeFrame(w, frame{Done: true})
		default:
			writeFrame(w, frame{Token: ev.Token})
		}
		flusher.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.pipeline.Status())
}

// decodeRequest parses the request body into a typed dispatch request and
// attaches the caller identity.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*models.Request, bool) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}

	var req models.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	r.Body.Close()

	req.CallerID = callerIdentity(r)
	return &req, true
}

// callerIdentity buckets rate-limit state: the first forwarded address if
// present, else the direct peer address.
func callerIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// frame is one SSE event body on the streaming endpoint.
type frame struct {
	Token string `json:"token,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

func writeFrame(w http.ResponseWriter, f frame) {
	b, _ := json.Marshal(f)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

// writeResult maps the uniform dispatch result onto HTTP.
func writeResult(w http.ResponseWriter, res models.Result) {
	w.Header().Set("Content-Type", "application/json")

	switch res.Kind {
	case models.KindSuccess:
		if res.CacheHit {
			w.Header().Set("X-Echo-Cache", "hit")
		} else {
			w.Header().Set("X-Echo-Cache", "miss")
		}
		json.NewEncoder(w).Encode(map[string]any{"response": res.Payload})
	case models.KindRateLimited:
		w.Header().Set("Retry-After", fmt.Sprintf("%d", res.RetryAfterSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "Too many requests. Please slow down.",
			"limit": res.Limit,
		})
	case models.KindProviderUnavailable:
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"error": res.Detail})
	case models.KindValidationError:
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": res.Detail})
	default:
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{"error": res.Detail})
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
