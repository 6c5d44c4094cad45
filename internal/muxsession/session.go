// Package muxsession implements the live logical connection between one
// client and the relay (§3, §4.3): a yamux-multiplexed transport carrying a
// reserved control stream (stream 0, Connect/Connected/Rejected/Ping/Pong)
// plus independent per-request data streams. The transport contract is
// deliberately narrow — anything satisfying hashicorp/yamux's stream
// semantics (ordered per-stream delivery, independent flow control) would
// do; relayd just happens to use yamux, the same library the teacher
// project used for its single mux layer.
package muxsession

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/registry"
)

// DefaultMaxStreams is the default per-session stream budget (§5, §6
// max_streams_per_session).
const DefaultMaxStreams = 1024

// StreamHooks are optional callbacks a caller can attach to a Session to
// observe data-stream open/close events, independent of the stream-count
// budget enforced by OpenStream itself. The relay coordinator uses these to
// keep its streams_active/streams_opened_total metrics current.
type StreamHooks struct {
	OnOpen  func()
	OnClose func()
}

// ErrMaxStreamsExceeded is returned by OpenStream once the session's
// stream budget is exhausted (§7, Resource taxonomy).
var ErrMaxStreamsExceeded = fmt.Errorf("muxsession: max streams exceeded")

// Session wraps a yamux.Session with the control-stream plumbing and
// bookkeeping both the client and the relay need. The relay-side state
// machine (AwaitConnect → ... → Closed) lives in relay_session.go and
// builds one of these as soon as the control stream is accepted; the
// client builds one as soon as it dials and opens the control stream.
type Session struct {
	id    string
	ymx   *yamux.Session
	ctrl  *yamux.Stream
	ctrlW sync.Mutex // single-writer queue (§4.3 "Ordering guarantees")
	ctrlR *protocol.Reader

	maxStreams  int32
	streamCount atomic.Int32

	mu       sync.RWMutex
	subject  string
	identity protocol.Identity

	hooks StreamHooks

	closeOnce sync.Once
}

// SetStreamHooks attaches stream open/close callbacks. Must be called
// before any OpenStream or stream Close to observe every event; relay_session.go
// calls it immediately after constructing the Session.
func (s *Session) SetStreamHooks(h StreamHooks) {
	s.hooks = h
}

// NewClientSession wraps a client-dialed yamux session and its opened
// stream 0. The relay side uses the unexported newSession via
// ServeRelay; the client side, living in a different package, needs this
// exported entry point to build the same Session type.
func NewClientSession(ymx *yamux.Session, ctrl *yamux.Stream, maxStreams int) *Session {
	return newSession(ymx, ctrl, maxStreams)
}

// newSession wraps an established yamux session and its already-opened (or
// already-accepted) stream 0.
func newSession(ymx *yamux.Session, ctrl *yamux.Stream, maxStreams int) *Session {
	if maxStreams <= 0 {
		maxStreams = DefaultMaxStreams
	}
	return &Session{
		id:         uuid.NewString(),
		ymx:        ymx,
		ctrl:       ctrl,
		ctrlR:      protocol.NewReader(ctrl),
		maxStreams: int32(maxStreams),
	}
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// Subject returns the authenticated subject's user id, set once
// registration succeeds.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// Identity returns the assigned public identity, set once registration
// succeeds.
func (s *Session) Identity() protocol.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) setRegistration(subject string, identity protocol.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject = subject
	s.identity = identity
}

// SendControl writes msg to stream 0. Concurrent callers are serialized so
// that, e.g., Connected always precedes any stream opens the relay makes
// right after registering a client (§4.3, §5).
func (s *Session) SendControl(msg protocol.Message) error {
	s.ctrlW.Lock()
	defer s.ctrlW.Unlock()
	return protocol.WriteFrame(s.ctrl, msg)
}

// ReadControl blocks for the next message on stream 0. Only one goroutine
// per Session may call this (the control read loop owns it).
func (s *Session) ReadControl() (protocol.Message, error) {
	return s.ctrlR.ReadFrame()
}

// OpenStream opens a new data stream, enforcing the per-session stream
// budget (§5, §6).
func (s *Session) OpenStream() (registry.Stream, error) {
	if s.streamCount.Add(1) > s.maxStreams {
		s.streamCount.Add(-1)
		return nil, ErrMaxStreamsExceeded
	}
	stream, err := s.ymx.OpenStream()
	if err != nil {
		s.streamCount.Add(-1)
		return nil, err
	}
	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen()
	}
	return &countedStream{Stream: stream, s: s}, nil
}

// AcceptStream blocks for the next data stream opened by the peer. The
// client calls this in a loop to receive relay-opened streams; the relay
// never calls it (it always opens on demand from an ingress).
func (s *Session) AcceptStream() (*yamux.Stream, error) {
	return s.ymx.AcceptStream()
}

// Close tears down the underlying yamux session. Safe to call more than
// once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ymx.Close()
	})
	return err
}

// countedStream decrements the session's open-stream count exactly once
// when closed, regardless of which side closes it first.
type countedStream struct {
	*yamux.Stream
	s        *Session
	closedMu sync.Mutex
	closed   bool
}

func (c *countedStream) Close() error {
	c.closedMu.Lock()
	already := c.closed
	c.closed = true
	c.closedMu.Unlock()
	if !already {
		c.s.streamCount.Add(-1)
		if c.s.hooks.OnClose != nil {
			c.s.hooks.OnClose()
		}
	}
	return c.Stream.Close()
}

// CloseWrite half-closes the stream's write side — yamux streams support
// this natively; countedStream just needs to forward it so proxy.Bidirectional
// can detect it via type assertion.
func (c *countedStream) CloseWrite() error {
	return c.Stream.CloseWrite()
}

var _ io.ReadWriteCloser = (*countedStream)(nil)
