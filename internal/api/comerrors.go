package api

import (
	"sync"
	"time"

	"github.com/cideldill/cideldill/internal/storage"
)

// ComError is one recorded client-side or protocol failure: serialization
// errors reported via call/event, CID mismatches, transport trouble.
type ComError struct {
	Timestamp float64        `json:"timestamp"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// comErrorRing keeps the most recent communication errors, bounded.
type comErrorRing struct {
	mu   sync.Mutex
	cap  int
	errs []ComError
}

func newComErrorRing(cap int) *comErrorRing {
	return &comErrorRing{cap: cap}
}

func (r *comErrorRing) add(kind string, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, ComError{
		Timestamp: storage.EpochSeconds(time.Now()),
		Kind:      kind,
		Detail:    detail,
	})
	if len(r.errs) > r.cap {
		r.errs = r.errs[len(r.errs)-r.cap:]
	}
}

// list returns a copy, newest first.
func (r *comErrorRing) list() []ComError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ComError, len(r.errs))
	for i, e := range r.errs {
		out[len(r.errs)-1-i] = e
	}
	return out
}

func (s *Server) recordComError(kind string, detail map[string]any) {
	s.comErrs.add(kind, detail)
	if s.metrics != nil {
		s.metrics.ComErrors.WithLabelValues(kind).Inc()
	}
}
