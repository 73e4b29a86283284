package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/echolabs/echo-dispatch/pkg/models"
	"github.com/echolabs/echo-dispatch/pkg/provider"
	"github.com/echolabs/echo-dispatch/pkg/relay"
)

// kindCancelled is an audit-only outcome for a caller disconnect mid-stream.
const kindCancelled = models.ResultKind("cancelled")

// DispatchStream executes a streaming request. Steps 1-5 match Dispatch: a
// pre-stream failure, the canned greeting, or a cache hit is returned as a
// Result with a nil channel. Otherwise the returned channel delivers tokens
// in upstream order; the cache is populated only after the full stream
// completes successfully, with the concatenation of all emitted tokens.
func (p *Pipeline) DispatchStream(ctx context.Context, req *models.Request) (<-chan relay.Event, *models.Result) {
	start := p.clk.Now()

	res, fp, clamped := p.preflight(req)
	if res != nil {
		p.record(req, *res, true, start)
		return nil, res
	}

	transport := p.pool.Acquire()
	if transport == nil {
		out := models.Result{Kind: models.KindProviderUnavailable, Detail: msgProviderUnavailable}
		p.record(req, out, true, start)
		return nil, &out
	}

	stream, err := transport.Open(ctx, clamped.History, p.paramsFor(clamped))
	if err != nil {
		log.Printf("upstream stream open failed: %v", err)
		out := models.Result{Kind: models.KindUpstreamError, Detail: msgUpstreamError}
		p.record(req, out, true, start)
		return nil, &out
	}

	rec := &recordingSource{
		src: stream,
		finish: func(r *recordingSource) {
			p.finishStream(req, clamped, fp, r, start)
		},
	}
	return relay.Run(ctx, rec), nil
}

// recordingSource wraps the upstream token stream, accumulating tokens so the
// completed payload can be cached. It is driven by the single relay goroutine,
// so its state needs no locking.
type recordingSource struct {
	src     *provider.TokenStream
	buf     strings.Builder
	done    bool
	lastErr error

	finished bool
	finish   func(*recordingSource)
}

func (r *recordingSource) Next() (string, error) {
	tok, err := r.src.Next()
	switch {
	case errors.Is(err, io.EOF):
		r.done = true
	case err != nil:
		r.lastErr = err
	default:
		r.buf.WriteString(tok)
	}
	return tok, err
}

func (r *recordingSource) Close() error {
	if !r.finished {
		r.finished = true
		r.finish(r)
	}
	return r.src.Close()
}

// finishStream runs once per stream, after it completed, failed, or was
// cancelled by the caller.
func (p *Pipeline) finishStream(req, clamped *models.Request, fp string, r *recordingSource, start time.Time) {
	switch {
	case r.done:
		if p.cache != nil && fp != "" {
			p.cache.Put(fp, []byte(r.buf.String()), p.cfg.TTLFor(clamped.Class))
		}
		p.record(req, models.Result{Kind: models.KindSuccess}, true, start)
	case r.lastErr != nil:
		log.Printf("upstream stream failed: %v", r.lastErr)
		p.record(req, models.Result{Kind: models.KindStreamError, Detail: msgUpstreamError}, true, start)
	default:
		p.record(req, models.Result{Kind: kindCancelled}, true, start)
	}
}
