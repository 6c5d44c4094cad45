// Package client implements the relayd tunnel client: dials the relay,
// registers a tunnel over the control stream, and proxies every data
// stream the relay opens to the configured local service (§4.9).
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"

	"github.com/relaydio/relayd/internal/muxsession"
	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/protocolversion"
)

// Client is the relayd tunnel client.
type Client struct {
	serverAddr string
	localAddr  string
	token      string
	spec       protocol.ProtocolSpec

	sess              *muxsession.Session
	assignedIdentity  protocol.Identity
	havePrevIdentity  bool
	registeredThisRun bool
	publicURLs        []string

	backoffConfig BackoffConfig
	reconnect     bool
}

// New creates a client that tunnels localAddr as an HTTP subdomain tunnel
// (the common case); use WithProtocol to register a different kind.
func New(serverAddr, localAddr string) *Client {
	return &Client{
		serverAddr:    serverAddr,
		localAddr:     localAddr,
		spec:          protocol.ProtocolSpec{Kind: protocol.ProtocolHttp},
		backoffConfig: DefaultBackoffConfig(),
		reconnect:     true,
	}
}

// WithSubdomain sets a preferred subdomain for an Http/Https tunnel.
func (c *Client) WithSubdomain(subdomain string) *Client {
	c.spec.Subdomain = subdomain
	return c
}

// WithToken sets the bearer token presented during registration.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// WithProtocol overrides the protocol spec sent on Connect, selecting
// between Tcp/TlsSni/Http/Https tunnels.
func (c *Client) WithProtocol(spec protocol.ProtocolSpec) *Client {
	c.spec = spec
	return c
}

// WithBackoff sets the backoff configuration for reconnection.
func (c *Client) WithBackoff(config BackoffConfig) *Client {
	c.backoffConfig = config
	return c
}

// WithReconnect enables or disables automatic reconnection.
func (c *Client) WithReconnect(enabled bool) *Client {
	c.reconnect = enabled
	return c
}

// WithMaxRetries sets the maximum number of reconnection attempts.
func (c *Client) WithMaxRetries(maxRetries int) *Client {
	c.backoffConfig.MaxRetries = maxRetries
	return c
}

// TunnelURL returns the first public URL the relay assigned, if any.
func (c *Client) TunnelURL() string {
	if len(c.publicURLs) == 0 {
		return ""
	}
	return c.publicURLs[0]
}

// Close tears down the active session, if any.
func (c *Client) Close() error {
	if c.sess != nil {
		return c.sess.Close()
	}
	return nil
}

// Run connects to the relay, registers the tunnel, and serves data
// streams until the session drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.registeredThisRun = false
	log.Debug("connecting to relay", "relay", c.serverAddr)

	conn, err := net.Dial("tcp", c.serverAddr)
	if err != nil {
		return fmt.Errorf("client: dial relay %s: %w", c.serverAddr, err)
	}

	ymx, err := yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: yamux client: %w", err)
	}

	go func() {
		<-ctx.Done()
		ymx.Close()
	}()

	ctrl, err := ymx.OpenStream()
	if err != nil {
		ymx.Close()
		return fmt.Errorf("client: open control stream: %w", err)
	}

	c.sess = muxsession.NewClientSession(ymx, ctrl, muxsession.DefaultMaxStreams)

	desired := c.assignedIdentity
	if err := c.sess.SendControl(protocol.Connect{
		ProtocolVersion: protocolversion.Current,
		Token:           c.token,
		Protocol:        c.spec,
		DesiredIdentity: desired,
		HasDesired:      c.havePrevIdentity,
	}); err != nil {
		c.sess.Close()
		return fmt.Errorf("client: send connect: %w", err)
	}

	msg, err := c.sess.ReadControl()
	if err != nil {
		c.sess.Close()
		return fmt.Errorf("client: read connect reply: %w", err)
	}

	switch m := msg.(type) {
	case protocol.Connected:
		c.assignedIdentity = m.AssignedIdentity
		c.havePrevIdentity = true
		c.registeredThisRun = true
		c.publicURLs = m.PublicURLs
		log.Info("tunnel ready", "identity", m.AssignedIdentity.String(), "urls", m.PublicURLs)
	case protocol.Rejected:
		c.sess.Close()
		switch m.Reason {
		case protocol.ReasonAuthFailed:
			return ErrAuthFailed
		case protocol.ReasonVersionMismatch:
			return ErrVersionMismatch
		default:
			return fmt.Errorf("client: registration rejected: %s", m.Reason)
		}
	default:
		c.sess.Close()
		return fmt.Errorf("client: unexpected reply %T", msg)
	}

	controlErrCh := make(chan error, 1)
	go c.serveControl(controlErrCh)

	log.Info("forwarding requests", "to", c.localAddr)

	for {
		select {
		case err := <-controlErrCh:
			return err
		default:
		}

		stream, err := c.sess.AcceptStream()
		if err != nil {
			if ctx.Err() != nil {
				return ErrShutdown
			}
			select {
			case cerr := <-controlErrCh:
				return cerr
			default:
				return fmt.Errorf("client: session closed: %w", err)
			}
		}
		go c.handleStream(stream)
	}
}

// serveControl owns the single control-stream reader for the lifetime of
// one session: it answers Pings with Pongs and reports any other error by
// closing the session so the main Accept loop unwinds.
func (c *Client) serveControl(errCh chan<- error) {
	for {
		msg, err := c.sess.ReadControl()
		if err != nil {
			errCh <- fmt.Errorf("client: control stream closed: %w", err)
			c.sess.Close()
			return
		}
		ping, ok := msg.(protocol.Ping)
		if !ok {
			continue
		}
		if err := c.sess.SendControl(protocol.Pong{Nonce: ping.Nonce}); err != nil {
			errCh <- fmt.Errorf("client: send pong: %w", err)
			c.sess.Close()
			return
		}
	}
}

// RunWithReconnect runs the client with automatic reconnection, preserving
// the previously assigned identity across reconnects (§4.9).
func (c *Client) RunWithReconnect(ctx context.Context) error {
	if !c.reconnect {
		return c.Run(ctx)
	}

	backoff := NewBackoff(c.backoffConfig)

	for {
		err := c.Run(ctx)

		if c.registeredThisRun {
			// Any session that made it through registration counts as a
			// recovered connection, so the next failure starts backing off
			// from InitialDelay again rather than compounding on the
			// previous run's attempt count.
			backoff.Reset()
		}

		if err == nil || isPermanentError(err) {
			return err
		}

		if backoff.MaxRetriesReached() {
			log.Error("max reconnection attempts reached")
			return ErrMaxRetriesExceeded
		}

		delay := backoff.NextDelay()
		log.Warn("connection lost, reconnecting",
			"error", err,
			"attempt", backoff.Attempt(),
			"delay", delay.Round(time.Millisecond),
		)

		select {
		case <-ctx.Done():
			return ErrShutdown
		case <-time.After(delay):
		}
	}
}
