package muxsession

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/relaydio/relayd/internal/auth"
	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/protocolversion"
	"github.com/relaydio/relayd/internal/registry"
)

// State is the relay-side per-session state machine (§4.3).
type State int

const (
	StateAwaitConnect State = iota
	StateAuthenticating
	StateRegistering
	StateLive
	StateDraining
	StateClosed
)

// RelayConfig configures a relay-accepted Session's handshake and
// keepalive behavior.
type RelayConfig struct {
	Authenticator        *auth.Authenticator
	Registry             *registry.Registry
	AwaitConnectTimeout  time.Duration // default 10s
	KeepaliveInterval    time.Duration // default 15s
	KeepaliveMissLimit   int           // default 2 (§4.3, §5)
	MaxStreamsPerSession int
	// PublicURLs builds the Connected.PublicURLs list for an assigned
	// identity (domain-specific; the relay coordinator owns the base
	// domain and scheme knowledge, not this package).
	PublicURLs func(protocol.Identity) []string
	// OnRegistered is called once registration succeeds, before Connected
	// is sent — it lets the relay coordinator bind the public listener for
	// a freshly allocated Tcp port before any traffic could possibly
	// arrive for it.
	OnRegistered func(*registry.Entry) error
	// OnDetached is called right after a live session is detached back to
	// a reservation, so the coordinator can keep its registry gauge current.
	OnDetached func(*registry.Entry)
	// OnReject is called whenever a session is turned away during the
	// handshake, labeled by reason, for the coordinator's rejection counter.
	OnReject func(protocol.RejectReason)
	// StreamHooks observes data-stream open/close on the resulting Session.
	StreamHooks StreamHooks
	Logger      *slog.Logger
}

func (c *RelayConfig) setDefaults() {
	if c.AwaitConnectTimeout <= 0 {
		c.AwaitConnectTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.KeepaliveMissLimit <= 0 {
		c.KeepaliveMissLimit = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RelaySession is a relay-accepted Session plus its registry entry and
// current lifecycle state.
type RelaySession struct {
	*Session
	state State
	entry *registry.Entry
}

// State returns the session's current lifecycle state.
func (rs *RelaySession) State() State { return rs.state }

// ServeRelay accepts one inbound tunnel-client TCP connection through the
// full relay-side lifecycle: yamux handshake, control-stream accept,
// AwaitConnect → Authenticating → Registering → Live, then a blocking
// control read/keepalive loop until the session drains. It always closes
// conn before returning.
func ServeRelay(conn net.Conn, cfg RelayConfig) {
	cfg.setDefaults()
	log := cfg.Logger

	ymx, err := yamux.Server(conn, nil)
	if err != nil {
		log.Error("yamux handshake failed", "error", err, "remote_addr", conn.RemoteAddr())
		conn.Close()
		return
	}

	ctrl, err := ymx.AcceptStream()
	if err != nil {
		log.Error("failed to accept control stream", "error", err)
		ymx.Close()
		return
	}

	sess := newSession(ymx, ctrl, cfg.MaxStreamsPerSession)
	sess.SetStreamHooks(cfg.StreamHooks)
	rs := &RelaySession{Session: sess, state: StateAwaitConnect}

	entry, ok := rs.handshake(cfg)
	if !ok {
		ymx.Close()
		return
	}
	rs.entry = entry
	rs.state = StateLive

	rs.serveLive(cfg)

	rs.state = StateDraining
	if cfg.Registry != nil && rs.entry != nil {
		cfg.Registry.Detach(rs.entry)
		if cfg.OnDetached != nil {
			cfg.OnDetached(rs.entry)
		}
	}
	rs.state = StateClosed
	ymx.Close()
}

// reject sends Rejected with reason and reports it to cfg.OnReject.
func (rs *RelaySession) reject(cfg RelayConfig, reason protocol.RejectReason) {
	rs.SendControl(protocol.Rejected{Reason: reason})
	if cfg.OnReject != nil {
		cfg.OnReject(reason)
	}
}

// handshake drives AwaitConnect → Authenticating → Registering. On any
// failure it sends Rejected and returns ok=false; the caller tears down
// the transport.
func (rs *RelaySession) handshake(cfg RelayConfig) (*registry.Entry, bool) {
	log := cfg.Logger

	rs.ctrl.SetReadDeadline(time.Now().Add(cfg.AwaitConnectTimeout))
	msg, err := rs.ReadControl()
	rs.ctrl.SetReadDeadline(time.Time{})
	if err != nil {
		log.Warn("await-connect failed", "error", err)
		rs.reject(cfg, protocol.ReasonProtocolError)
		return nil, false
	}
	connect, ok := msg.(protocol.Connect)
	if !ok {
		log.Warn("first control message was not Connect", "type", fmt.Sprintf("%T", msg))
		rs.reject(cfg, protocol.ReasonProtocolError)
		return nil, false
	}

	rs.state = StateAuthenticating
	if connect.ProtocolVersion != protocolversion.Current {
		log.Warn("protocol version mismatch", "client_version", connect.ProtocolVersion, "want", protocolversion.Current)
		rs.reject(cfg, protocol.ReasonVersionMismatch)
		return nil, false
	}

	var subject auth.Subject
	if cfg.Authenticator != nil {
		subject, err = cfg.Authenticator.Authenticate(connect.Token)
		if err != nil {
			log.Warn("authentication failed", "error", err)
			rs.reject(cfg, protocol.ReasonAuthFailed)
			return nil, false
		}
	}

	rs.state = StateRegistering
	var desired protocol.Identity
	if connect.HasDesired {
		desired = connect.DesiredIdentity
	}
	entry, err := cfg.Registry.Register(subject.UserID, connect.Protocol, desired, rs.Session)
	if err != nil {
		reason := registrationFailureReason(err)
		log.Warn("registration failed", "error", err, "subject", subject.UserID)
		rs.reject(cfg, reason)
		return nil, false
	}

	rs.setRegistration(subject.UserID, entry.Identity)

	if cfg.OnRegistered != nil {
		if err := cfg.OnRegistered(entry); err != nil {
			log.Error("post-registration setup failed", "error", err, "identity", entry.Identity.String())
			rs.reject(cfg, protocol.ReasonProtocolError)
			cfg.Registry.Detach(entry)
			return nil, false
		}
	}

	var urls []string
	if cfg.PublicURLs != nil {
		urls = cfg.PublicURLs(entry.Identity)
	}
	if err := rs.SendControl(protocol.Connected{AssignedIdentity: entry.Identity, PublicURLs: urls}); err != nil {
		log.Error("failed to send Connected", "error", err)
		cfg.Registry.Detach(entry)
		return nil, false
	}

	log.Info("tunnel registered", "identity", entry.Identity.String(), "subject", subject.UserID, "session_id", rs.ID())
	return entry, true
}

func registrationFailureReason(err error) protocol.RejectReason {
	switch {
	case errors.Is(err, registry.ErrPortOutOfRange):
		return protocol.ReasonPortOutOfRange
	case errors.Is(err, registry.ErrPortInUse):
		return protocol.ReasonConflict
	case errors.Is(err, registry.ErrRangeExhausted):
		return protocol.ReasonExhausted
	case errors.Is(err, registry.ErrConflict):
		return protocol.ReasonConflict
	default:
		return protocol.ReasonProtocolError
	}
}

// serveLive sends periodic Pings and reads control messages (mostly Pongs)
// until the peer disconnects or misses too many keepalives, at which point
// it returns so the caller can transition to Draining.
func (rs *RelaySession) serveLive(cfg RelayConfig) {
	log := cfg.Logger

	pongCh := make(chan struct{}, 1)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			msg, err := rs.ReadControl()
			if err != nil {
				readErrCh <- err
				return
			}
			switch msg.(type) {
			case protocol.Pong:
				select {
				case pongCh <- struct{}{}:
				default:
				}
			default:
				log.Debug("ignoring unexpected control message while live", "type", fmt.Sprintf("%T", msg))
			}
		}
	}()

	ticker := time.NewTicker(cfg.KeepaliveInterval)
	defer ticker.Stop()

	misses := 0
	awaitingPong := false
	var nonce uint64
	for {
		select {
		case err := <-readErrCh:
			log.Info("control stream closed", "session_id", rs.ID(), "error", err)
			return
		case <-pongCh:
			awaitingPong = false
			misses = 0
		case <-ticker.C:
			if awaitingPong {
				misses++
				if misses >= cfg.KeepaliveMissLimit {
					log.Warn("keepalive timeout, draining", "session_id", rs.ID())
					return
				}
			}
			nonce++
			if err := rs.SendControl(protocol.Ping{Nonce: nonce}); err != nil {
				log.Info("failed to send ping, draining", "session_id", rs.ID(), "error", err)
				return
			}
			awaitingPong = true
		}
	}
}
