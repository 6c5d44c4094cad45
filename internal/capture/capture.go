// Package capture implements HTTP traffic capture and replay (§4.10): the
// relay records every HTTP exchange that crosses the HTTP/HTTPS ingress,
// keyed by a stable id, and exposes a replay operation that reissues a
// captured request against the local service that originally served it.
package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydio/relayd/internal/protocol"
)

// ErrNotFound is returned by Fetch when no exchange with the given id
// exists.
var ErrNotFound = errors.New("capture: exchange not found")

// DefaultBodyCap is the default per-body capture ceiling (§6
// body_capture_cap_bytes).
const DefaultBodyCap = 1 << 20

// CapturedExchange is one recorded HTTP request/response pair (§3). It is
// append-only from the relay's perspective; the only way to produce a new
// one that references an existing one is Replay, which never mutates the
// source.
type CapturedExchange struct {
	ID        string
	Identity  protocol.Identity // the tunnel identity that served the request
	Timestamp time.Time

	Method         string
	URI            string
	RequestHeaders []protocol.HeaderField
	RequestBody    []byte
	RequestTrunc   bool

	ResponseStatus  int // 0 if the exchange never got a response (Error set)
	ResponseHeaders []protocol.HeaderField
	ResponseBody    []byte
	ResponseTrunc   bool

	DurationMS int64
	Error      string

	ReplayOf string // non-empty when this exchange was produced by Replay
}

// Store is the abstract capture/metadata sink (§1: "Persistent storage
// choice: treated as a capture/metadata sink behind a narrow interface").
// relayd ships a MemoryStore; a deployment that needs durability provides
// its own Store.
type Store interface {
	Record(ex CapturedExchange) error
	Fetch(id string) (CapturedExchange, error)
	List(limit, offset int) ([]CapturedExchange, error)
}

// MemoryStore is the default in-process Store. Safe for concurrent Record
// calls (§5: "concurrent record calls are safe").
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]CapturedExchange
	order   []string // insertion order, oldest first
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]CapturedExchange)}
}

// Record stores ex. If ex.ID is empty a new one is assigned; if an exchange
// with ex.ID is already stored, it is replaced and keeps its List position.
func (s *MemoryStore) Record(ex CapturedExchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[ex.ID]; !exists {
		s.order = append(s.order, ex.ID)
	}
	s.byID[ex.ID] = ex
	return nil
}

// Fetch returns the exchange with the given id.
func (s *MemoryStore) Fetch(id string) (CapturedExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.byID[id]
	if !ok {
		return CapturedExchange{}, ErrNotFound
	}
	return ex, nil
}

// List returns up to limit exchanges starting at offset, most recent
// first.
func (s *MemoryStore) List(limit, offset int) ([]CapturedExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	out := make([]CapturedExchange, 0, limit)
	for i := n - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byID[s.order[i]])
	}
	return out, nil
}

// BoundedBuffer accumulates up to Cap bytes of a streamed body for
// capture, then stops accumulating and marks itself Truncated while still
// reporting success for every Write — capture must never stall the proxy
// loop (§9 "Body capture backpressure").
type BoundedBuffer struct {
	Cap       int
	buf       []byte
	Truncated bool
}

// NewBoundedBuffer creates a BoundedBuffer with the given cap. A cap <= 0
// uses DefaultBodyCap.
func NewBoundedBuffer(cap int) *BoundedBuffer {
	if cap <= 0 {
		cap = DefaultBodyCap
	}
	return &BoundedBuffer{Cap: cap}
}

// Write implements io.Writer. It always reports success; bytes beyond Cap
// are discarded and Truncated is set instead of returning an error, so
// callers can tee into this from a live proxy copy without risking an
// error on the hot path.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	if len(b.buf) >= b.Cap {
		if len(p) > 0 {
			b.Truncated = true
		}
		return len(p), nil
	}
	room := b.Cap - len(b.buf)
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.Truncated = true
	} else {
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

// Bytes returns the accumulated (possibly truncated) body.
func (b *BoundedBuffer) Bytes() []byte { return b.buf }
