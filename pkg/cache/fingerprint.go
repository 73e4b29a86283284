package cache

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/echolabs/echo-dispatch/pkg/models"
)

// Fingerprint computes a deterministic digest of the cache-relevant fields of
// a request: class, the last user utterance, and the configuration selectors.
// Fields are zero-byte delimited so adjacent values cannot collide. Volatile
// fields (caller identity, timestamps) are never hashed. Daily-challenge
// requests additionally mix in the UTC calendar date so their key rotates.
func Fingerprint(req *models.Request, now time.Time) string {
	h := sha256.New()
	sep := []byte{0}

	h.Write([]byte(req.Class))
	h.Write(sep)
	h.Write([]byte(req.LastUserContent()))
	h.Write(sep)
	h.Write([]byte(req.Level))
	h.Write(sep)
	h.Write([]byte(req.Topic))
	h.Write(sep)
	h.Write([]byte(req.Language))
	h.Write(sep)
	h.Write([]byte(req.Scenario))

	if req.Class == models.ClassDaily {
		h.Write(sep)
		h.Write([]byte(now.UTC().Format("2006-01-02")))
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}
