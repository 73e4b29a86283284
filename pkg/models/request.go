package models

// Class identifies the kind of result a request produces. It selects the
// cache TTL and, for daily challenges, makes the cache key rotate with the
// calendar date.
type Class string

const (
	ClassChat  Class = "chat"
	ClassStory Class = "story"
	ClassVocab Class = "vocab"
	ClassDaily Class = "daily"
)

// Request is a validated dispatch request. It is constructed at the boundary;
// the core never inspects untyped payloads.
type Request struct {
	History  []ChatMessage `json:"history"`
	Level    string        `json:"level"`
	Topic    string        `json:"topic,omitempty"`
	Language string        `json:"language,omitempty"`
	Scenario string        `json:"scenario,omitempty"`
	Class    Class         `json:"class,omitempty"`
	CallerID string        `json:"-"`
}

// LastUserContent returns the content of the most recent user turn, or the
// last turn if no user turn exists.
func (r *Request) LastUserContent() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == "user" {
			return r.History[i].Content
		}
	}
	if n := len(r.History); n > 0 {
		return r.History[n-1].Content
	}
	return ""
}
