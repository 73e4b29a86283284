package dispatch

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/echolabs/echo-dispatch/pkg/audit"
	cachepkg "github.com/echolabs/echo-dispatch/pkg/cache"
	"github.com/echolabs/echo-dispatch/pkg/clock"
	"github.com/echolabs/echo-dispatch/pkg/config"
	"github.com/echolabs/echo-dispatch/pkg/models"
	"github.com/echolabs/echo-dispatch/pkg/provider"
	"github.com/echolabs/echo-dispatch/pkg/ratelimit"
)

// Greeting is returned for a zero-turn conversation. A legitimate state, not
// an error: the client simply has not said anything yet.
const Greeting = "Hello! I'm Echo, your English tutor. Let's start a conversation!"

// User-safe messages. Raw upstream detail goes to the log, never to callers.
const (
	msgUpstreamError       = "I'm having a little trouble thinking right now. Please try again."
	msgProviderUnavailable = "AI service is currently unavailable."
	msgInvalidHistory      = "conversation history is malformed"
)

// Pipeline orchestrates a dispatch: validate, clamp, rate-limit, consult the
// cache, acquire a transport, execute, populate the cache. All dependencies
// are explicit; the pipeline holds no ambient global state.
type Pipeline struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	cache   *cachepkg.Store // nil when caching is disabled
	pool    *provider.Pool
	auditor *audit.Logger // nil when auditing is disabled
	clk     clock.Clock
}

// New wires a Pipeline. cache and auditor may be nil.
func New(cfg *config.Config, limiter *ratelimit.Limiter, store *cachepkg.Store, pool *provider.Pool, auditor *audit.Logger, clk clock.Clock) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		limiter: limiter,
		cache:   store,
		pool:    pool,
		auditor: auditor,
		clk:     clk,
	}
}

// Dispatch executes a synchronous request and returns the uniform result.
// Exactly one upstream attempt is made per call; retries are the caller's
// concern.
func (p *Pipeline) Dispatch(ctx context.Context, req *models.Request) models.Result {
	start := p.clk.Now()

	res, fp, clamped := p.preflight(req)
	if res != nil {
		p.record(req, *res, false, start)
		return *res
	}

	transport := p.pool.Acquire()
	if transport == nil {
		out := models.Result{Kind: models.KindProviderUnavailable, Detail: msgProviderUnavailable}
		p.record(req, out, false, start)
		return out
	}

	payload, err := transport.Complete(ctx, clamped.History, p.paramsFor(clamped))
	if err != nil {
		log.Printf("upstream call failed: %v", err)
		out := models.Result{Kind: models.KindUpstreamError, Detail: msgUpstreamError}
		p.record(req, out, false, start)
		return out
	}

	if p.cache != nil && fp != "" {
		p.cache.Put(fp, []byte(payload), p.cfg.TTLFor(clamped.Class))
	}

	out := models.Result{Kind: models.KindSuccess, Payload: payload}
	p.record(req, out, false, start)
	return out
}

// Status reports read-only health for the monitoring layer.
func (p *Pipeline) Status() models.Status {
	st := models.Status{
		ProviderAvailable: p.pool.Available(),
		TrackedCallers:    p.limiter.Tracked(),
	}
	if p.cache != nil {
		stats := p.cache.Stats()
		st.CacheSize = stats.Entries
		st.CacheHits = stats.Hits
		st.CacheMisses = stats.Misses
	}
	return st
}

// preflight runs steps 1-4 shared by both dispatch variants: validation,
// clamping, rate limiting, cache lookup. A non-nil result short-circuits the
// call. On the miss path it returns the fingerprint and the clamped request.
func (p *Pipeline) preflight(req *models.Request) (*models.Result, string, *models.Request) {
	if len(req.History) == 0 {
		return &models.Result{Kind: models.KindSuccess, Payload: Greeting}, "", nil
	}
	for _, turn := range req.History {
		if turn.Role == "" {
			return &models.Result{Kind: models.KindValidationError, Detail: msgInvalidHistory}, "", nil
		}
	}

	clamped := p.clamp(req)

	d := p.limiter.Admit(clamped.CallerID)
	if !d.Allowed {
		retry := int(d.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		return &models.Result{
			Kind:              models.KindRateLimited,
			Limit:             d.Limit,
			RetryAfterSeconds: retry,
		}, "", nil
	}

	fp := cachepkg.Fingerprint(clamped, p.clk.Now())
	if p.cache != nil {
		if cached, ok := p.cache.Get(fp); ok {
			return &models.Result{Kind: models.KindSuccess, Payload: string(cached), CacheHit: true}, fp, nil
		}
	}

	return nil, fp, clamped
}

// clamp bounds untrusted sizes: the history keeps only its most recent turns
// and each turn's content is capped, regardless of client behavior.
func (p *Pipeline) clamp(req *models.Request) *models.Request {
	out := *req

	history := req.History
	if max := p.cfg.Limits.MaxHistoryTurns; max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}

	clamped := make([]models.ChatMessage, len(history))
	copy(clamped, history)
	if max := p.cfg.Limits.MaxTurnLength; max > 0 {
		for i, turn := range clamped {
			if len(turn.Content) > max {
				clamped[i].Content = turn.Content[:max]
			}
		}
	}

	out.History = clamped
	return &out
}

// paramsFor derives sampling parameters from the request. A short utterance
// gets a tighter, lower-temperature configuration to keep trivial exchanges
// terse and cheap; difficulty tier and class adjust length and temperature.
func (p *Pipeline) paramsFor(req *models.Request) provider.Params {
	if req.Class == models.ClassChat || req.Class == "" {
		words := len(strings.Fields(strings.TrimSpace(req.LastUserContent())))
		if words <= p.cfg.Limits.ShortWords {
			return provider.Params{Temperature: 0.5, TopP: 0.95, MaxTokens: 150}
		}
	}

	params := provider.Params{Temperature: 0.7, TopP: 0.95, MaxTokens: 1024}
	switch req.Level {
	case "beginner":
		params.Temperature = 0.6
		params.MaxTokens = 512
	case "advanced":
		params.MaxTokens = 2048
	}
	if req.Class == models.ClassStory {
		params.Temperature = 0.8
		params.MaxTokens = 2048
	}
	return params
}

// record writes the outcome to the audit log asynchronously. Auditing is
// best-effort and never blocks or fails a dispatch.
func (p *Pipeline) record(req *models.Request, res models.Result, streamed bool, start time.Time) {
	if p.auditor == nil {
		return
	}

	hash, prefix := audit.HashCaller(req.CallerID)
	entry := models.AuditEntry{
		RequestID:    uuid.NewString(),
		CallerHash:   hash,
		CallerPrefix: prefix,
		Class:        string(req.Class),
		Level:        req.Level,
		Language:     req.Language,
		Provider:     p.pool.Name(),
		Outcome:      string(res.Kind),
		CacheHit:     res.CacheHit,
		Streamed:     streamed,
		LatencyMs:    p.clk.Now().Sub(start).Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if res.Kind != models.KindSuccess {
		entry.Detail = res.Detail
	}

	go func() {
		if err := p.auditor.Log(context.Background(), entry); err != nil {
			log.Printf("audit log error: %v", err)
		}
	}()
}
