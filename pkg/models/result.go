package models

// ResultKind tags a dispatch outcome.
type ResultKind string

const (
	KindSuccess             ResultKind = "success"
	KindRateLimited         ResultKind = "rate_limited"
	KindProviderUnavailable ResultKind = "provider_unavailable"
	KindUpstreamError       ResultKind = "upstream_error"
	KindValidationError     ResultKind = "validation_error"
	// KindStreamError marks a mid-stream interruption. It is surfaced as a
	// terminal relay event, not as a Result, since a partial stream may
	// already have been delivered; it appears here for audit and framing.
	KindStreamError ResultKind = "stream_error"
)

// Result is the uniform outcome returned to every caller, regardless of
// transport. Exactly one kind applies; the other fields are meaningful only
// for that kind.
type Result struct {
	Kind              ResultKind `json:"kind"`
	Payload           string     `json:"payload,omitempty"`
	CacheHit          bool       `json:"cache_hit,omitempty"`
	Limit             int        `json:"limit,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
	Detail            string     `json:"detail,omitempty"`
}

// Status reports read-only health for the monitoring layer.
type Status struct {
	ProviderAvailable bool  `json:"provider_available"`
	CacheSize         int   `json:"cache_size"`
	TrackedCallers    int   `json:"tracked_callers"`
	CacheHits         int64 `json:"cache_hits"`
	CacheMisses       int64 `json:"cache_misses"`
}
